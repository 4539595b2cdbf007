package mnemo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemohq/mnemo/internal/config"
	"github.com/mnemohq/mnemo/internal/logger"
	"github.com/mnemohq/mnemo/internal/tracing"
	"github.com/mnemohq/mnemo/pkg/retrieval"
	"github.com/mnemohq/mnemo/pkg/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dim = 128
	cfg.DBPath = filepath.Join(t.TempDir(), "engine.db")

	e, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_InvalidDimFailsBeforeSchema(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dim = 64
	cfg.DBPath = filepath.Join(t.TempDir(), "engine.db")

	_, err := New(cfg, logger.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of bounds")
}

func TestEngine_IngestAndSearch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	objID, err := e.Ingest(ctx, store.Object{
		OrgID:     "org-a",
		Source:    "docs",
		ForeignID: "runbook-1",
		Title:     "Service runbook",
	}, []string{
		"circuit breaker opens after N failures",
		"cache uses LRU eviction",
	})
	require.NoError(t, err)
	require.NotEmpty(t, objID)

	resp := e.Search(ctx, "org-a", "how does the cache evict entries", retrieval.Filters{}, 5)
	require.Equal(t, retrieval.StatusOK, resp.Status)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Text, "LRU eviction")
	assert.Equal(t, objID, resp.Results[0].ObjectID)
}

func TestEngine_ReingestUnchangedIsStable(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	chunks := []string{"alpha beta gamma", "delta epsilon zeta"}
	obj := store.Object{OrgID: "org-a", Source: "docs", ForeignID: "d-1"}

	first, err := e.Ingest(ctx, obj, chunks)
	require.NoError(t, err)
	second, err := e.Ingest(ctx, obj, chunks)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	status := e.Status(ctx)
	assert.Equal(t, 1, status.Store.Objects)
	assert.Equal(t, 2, status.Store.Chunks)
	// The second ingest resolved every chunk from the cache
	assert.GreaterOrEqual(t, status.Cache.Hits, uint64(2))
}

func TestEngine_AddLink(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, store.Object{OrgID: "org-a", Source: "jira", ForeignID: "T-1"}, []string{"login broken"})
	require.NoError(t, err)

	added, err := e.AddLink(ctx, "org-a", "jira", "T-1", "thread", "https://chat.example.com/t/9")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = e.AddLink(ctx, "org-a", "jira", "T-1", "thread", "https://chat.example.com/t/9")
	require.NoError(t, err)
	assert.False(t, added)
}

func TestEngine_BackfillSweep(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Ingest(ctx, store.Object{OrgID: "org-a", Source: "docs", ForeignID: "d-1"},
		[]string{"one", "two", "three"})
	require.NoError(t, err)

	// Fresh writes land native-indexed, so a sweep finds nothing pending
	n, err := e.Backfill(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_TracingEnabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dim = 128
	cfg.DBPath = filepath.Join(t.TempDir(), "engine.db")
	cfg.Tracing.Enabled = true
	cfg.Tracing.ServiceName = "mnemo-test"

	e, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	// With the tracer provider installed, spans carry real trace ids.
	ctx, span := tracing.StartSpan(context.Background(), "mnemo.engine", "engine.test")
	defer span.End()
	require.True(t, span.SpanContext().IsValid())
	assert.NotEmpty(t, tracing.GetTraceID(ctx))
}
