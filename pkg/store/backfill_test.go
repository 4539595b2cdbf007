package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// demoteChunks simulates rows ingested before the native vector column
// existed: json_only state, no chunk_vec row.
func demoteChunks(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.db.Exec("UPDATE memory_chunk SET vec_state = ?", VecStateJSONOnly)
	require.NoError(t, err)
	_, err = s.db.Exec("DELETE FROM chunk_vec")
	require.NoError(t, err)
}

func seedChunks(t *testing.T, s *Store, n int) {
	t.Helper()
	ctx := context.Background()
	objID := mustObject(t, s, "org-a", "docs", "D-backfill")
	for i := 0; i < n; i++ {
		_, err := s.WriteChunk(ctx, "org-a", objID, i, fmt.Sprintf("chunk number %d", i), vec(float32(i)))
		require.NoError(t, err)
	}
}

func TestBackfillNativeVectors_Termination(t *testing.T) {
	s := newTestStore(t) // batch size 10
	seedChunks(t, s, 25)
	demoteChunks(t, s)

	rows, err := s.BackfillNativeVectors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, rows)

	st := s.Status(context.Background())
	assert.Equal(t, 25, st.ChunksNative)
	assert.NotNil(t, st.LastBackfillTime)
}

func TestBackfillNativeVectors_ExactMultipleOfBatch(t *testing.T) {
	s := newTestStore(t) // batch size 10
	seedChunks(t, s, 20)
	demoteChunks(t, s)
	ctx := context.Background()

	// 20 rows at batch size 10 drain in exactly two transactions; the second
	// batch already knows the table is empty, so no trailing batch runs.
	n, more, err := s.backfillNativeBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.True(t, more)

	n, more, err = s.backfillNativeBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.False(t, more, "final full batch reports exhaustion")
}

func TestBackfillNativeVectors_NothingToDo(t *testing.T) {
	s := newTestStore(t)
	seedChunks(t, s, 3)

	rows, err := s.BackfillNativeVectors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rows)
}

func TestBackfillNativeVectors_SkipFlag(t *testing.T) {
	s := newTestStore(t)
	s.cfg.SkipBackfill = true
	seedChunks(t, s, 3)
	demoteChunks(t, s)

	rows, err := s.BackfillNativeVectors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rows)
}

func TestBackfillNativeVectors_RestoresANNSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChunks(t, s, 5)
	demoteChunks(t, s)

	// json_only chunks are not ANN-eligible
	candidates, err := s.SearchVector(ctx, "org-a", vec(1), 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	_, err = s.BackfillNativeVectors(ctx)
	require.NoError(t, err)

	candidates, err = s.SearchVector(ctx, "org-a", vec(1), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, candidates, "backfilled chunks become ANN-eligible")
}

func TestBackfillLexicalIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedChunks(t, s, 7)

	// Simulate rows written before lexical indexing
	_, err := s.db.Exec("UPDATE memory_chunk SET lex_indexed = 0")
	require.NoError(t, err)
	_, err = s.db.Exec("DELETE FROM chunk_fts")
	require.NoError(t, err)

	rows, err := s.BackfillLexicalIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, rows)

	got, err := s.SearchLexical(ctx, "org-a", "chunk number", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestBackfill_Cancellation(t *testing.T) {
	s := newTestStore(t)
	seedChunks(t, s, 5)
	demoteChunks(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.BackfillNativeVectors(ctx)
	assert.Error(t, err)
}
