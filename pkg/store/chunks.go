package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mnemohq/mnemo/internal/observability"
	"github.com/mnemohq/mnemo/pkg/vmath"
)

// Chunk is a contiguous span of an object's text, the unit of embedding and
// indexing.
type Chunk struct {
	ID        string    `json:"id"`
	ObjectID  string    `json:"object_id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	VecState  string    `json:"vec_state"`
	VecDim    int       `json:"vec_dim"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Candidate is one scored row from a single index path.
type Candidate struct {
	ChunkID string
	Score   float64
}

// ChunkDetail carries the provenance a search result needs.
type ChunkDetail struct {
	ChunkID   string
	ObjectID  string
	Source    string
	ForeignID string
	Title     string
	URL       string
	Text      string
	Seq       int
	CreatedAt time.Time
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// WriteChunk persists one chunk three ways: canonical JSON vector (always),
// native ANN column (when supported), and the lexical index (when supported).
// Re-writing unchanged text is a no-op detected via content hash. A vector
// whose length disagrees with the configured dimension is truncated or
// zero-padded with a logged warning, never dropped.
func (s *Store) WriteChunk(ctx context.Context, orgID, objectID string, seq int, text string, vector []float32) (string, error) {
	if orgID == "" {
		return "", errors.New("org id is required")
	}
	start := time.Now()
	defer func() { observability.RecordChunkWrite(time.Since(start)) }()

	// The object must exist within this organization
	var ownerCheck string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM memory_object WHERE org_id = ? AND id = ?", orgID, objectID,
	).Scan(&ownerCheck)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	hash := hashText(text)

	// Unchanged text at the same position needs no re-write
	var existingID, existingHash string
	err = s.db.QueryRowContext(ctx,
		"SELECT id, hash FROM memory_chunk WHERE object_id = ? AND seq = ?", objectID, seq,
	).Scan(&existingID, &existingHash)
	if err == nil && existingHash == hash {
		return existingID, nil
	}

	fitted, adjusted := vmath.Fit(vector, s.cfg.Dim)
	if adjusted {
		s.logger.Warn().
			Int("got", len(vector)).
			Int("want", s.cfg.Dim).
			Str("object_id", objectID).
			Int("seq", seq).
			Msg("Embedding dimension mismatch, truncating/padding to configured dim")
	}

	embeddingJSON, err := json.Marshal(fitted)
	if err != nil {
		return "", fmt.Errorf("marshal embedding: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	chunkID := existingID
	if chunkID == "" {
		chunkID = newID()
	} else {
		// Content changed: replace the row and its index entries
		if _, err := tx.ExecContext(ctx, "DELETE FROM memory_chunk WHERE id = ?", chunkID); err != nil {
			return "", err
		}
		if s.caps.Lexical {
			if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_fts WHERE chunk_id = ?", chunkID); err != nil {
				return "", err
			}
		}
		if s.caps.ANN {
			if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_vec WHERE chunk_id = ?", chunkID); err != nil {
				return "", err
			}
		}
	}

	vecState := VecStateJSONOnly
	if s.caps.ANN {
		vecState = VecStateNativeIndexed
	}
	lexIndexed := 0
	if s.caps.Lexical {
		lexIndexed = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_chunk (id, object_id, seq, text, embedding_json, vec_state, lex_indexed, vec_dim, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, chunkID, objectID, seq, text, string(embeddingJSON), vecState, lexIndexed, s.cfg.Dim, hash, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("insert chunk: %w", err)
	}

	if s.caps.Lexical {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO chunk_fts (chunk_id, org_id, text) VALUES (?, ?, ?)",
			chunkID, orgID, text,
		)
		if err != nil {
			return "", fmt.Errorf("insert lexical index row: %w", err)
		}
	}

	if s.caps.ANN {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO chunk_vec (chunk_id, embedding) VALUES (?, ?)",
			chunkID, string(embeddingJSON),
		)
		if err != nil {
			return "", fmt.Errorf("insert native vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return chunkID, nil
}

// SearchVector returns the nearest chunks by cosine similarity, org-scoped,
// considering only chunks whose native vector column is populated. Scores
// are similarities (higher is closer).
func (s *Store) SearchVector(ctx context.Context, orgID string, queryVec []float32, limit int) ([]Candidate, error) {
	if !s.caps.ANN {
		return nil, errors.New("ann index unavailable")
	}

	queryJSON, err := json.Marshal(queryVec)
	if err != nil {
		return nil, fmt.Errorf("marshal query vector: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, vec_distance_cosine(v.embedding, ?) AS distance
		FROM chunk_vec v
		JOIN memory_chunk c ON c.id = v.chunk_id
		JOIN memory_object o ON o.id = c.object_id
		WHERE o.org_id = ? AND c.vec_state = ?
		ORDER BY distance ASC
		LIMIT ?
	`, string(queryJSON), orgID, VecStateNativeIndexed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var distance float64
		if err := rows.Scan(&c.ChunkID, &distance); err != nil {
			return nil, err
		}
		// Cosine distance is [0, 2]; similarity = 1 - distance is [-1, 1]
		c.Score = 1.0 - distance
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchLexical returns BM25-ranked chunks for the query, org-scoped. Scores
// are positive (BM25 negated), higher is better.
func (s *Store) SearchLexical(ctx context.Context, orgID, query string, limit int) ([]Candidate, error) {
	if !s.caps.Lexical {
		return nil, errors.New("lexical index unavailable")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunk_fts) AS score
		FROM chunk_fts
		WHERE chunk_fts MATCH ? AND org_id = ?
		ORDER BY score
		LIMIT ?
	`, ftsQuery(query), orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var score float64
		if err := rows.Scan(&c.ChunkID, &score); err != nil {
			return nil, err
		}
		// BM25 scores are negative, flip to a positive rank score
		c.Score = -score
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchSubstring is the score-free fallback when neither index capability is
// present. Results carry no ranking signal.
func (s *Store) SearchSubstring(ctx context.Context, orgID, query string, limit int) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id
		FROM memory_chunk c
		JOIN memory_object o ON o.id = c.object_id
		WHERE o.org_id = ? AND c.text LIKE ?
		ORDER BY c.created_at DESC, c.id ASC
		LIMIT ?
	`, orgID, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ChunkID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunkDetails resolves chunk ids to result provenance, org-scoped. Rows that
// no longer exist are silently omitted.
func (s *Store) ChunkDetails(ctx context.Context, orgID string, chunkIDs []string) (map[string]ChunkDetail, error) {
	out := make(map[string]ChunkDetail, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(chunkIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(chunkIDs)+1)
	args = append(args, orgID)
	for _, id := range chunkIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.object_id, o.source, o.foreign_id, o.title, o.url, c.text, c.seq, c.created_at
		FROM memory_chunk c
		JOIN memory_object o ON o.id = c.object_id
		WHERE o.org_id = ? AND c.id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var d ChunkDetail
		var createdAt int64
		if err := rows.Scan(&d.ChunkID, &d.ObjectID, &d.Source, &d.ForeignID, &d.Title, &d.URL, &d.Text, &d.Seq, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(createdAt, 0)
		out[d.ChunkID] = d
	}
	return out, rows.Err()
}

// GetChunk fetches one chunk with its canonical embedding, org-scoped.
func (s *Store) GetChunk(ctx context.Context, orgID, chunkID string) (*Chunk, error) {
	var c Chunk
	var embeddingJSON string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.object_id, c.seq, c.text, c.embedding_json, c.vec_state, c.vec_dim, c.hash, c.created_at
		FROM memory_chunk c
		JOIN memory_object o ON o.id = c.object_id
		WHERE o.org_id = ? AND c.id = ?
	`, orgID, chunkID).Scan(&c.ID, &c.ObjectID, &c.Seq, &c.Text, &embeddingJSON, &c.VecState, &c.VecDim, &c.Hash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(embeddingJSON), &c.Embedding); err != nil {
		return nil, fmt.Errorf("parse stored embedding: %w", err)
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// ftsQuery wraps each term in quotes so punctuation in natural-language
// queries cannot break FTS5 syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return `""`
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, ``) + `"`
	}
	return strings.Join(quoted, " OR ")
}
