package store

import (
	"context"
	"time"

	"github.com/mnemohq/mnemo/internal/observability"
)

// BackfillNativeVectors populates the native ANN column for chunks still in
// the json_only state. Work happens in short, bounded transactions so long
// backfills never hold the write lock across the whole table; each batch
// peeks one row past the batch size so the loop stops the moment the table
// is drained, without an extra empty transaction. Returns the number of
// rows promoted.
func (s *Store) BackfillNativeVectors(ctx context.Context) (int, error) {
	if s.cfg.SkipBackfill {
		s.logger.Info().Msg("Native-vector backfill skipped by configuration")
		return 0, nil
	}
	if !s.caps.ANN {
		s.logger.Info().Msg("Native-vector backfill is a no-op, ANN index unavailable")
		return 0, nil
	}

	start := time.Now()
	total := 0
	batches := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, more, err := s.backfillNativeBatch(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n > 0 {
			batches++
		}

		if !more {
			break
		}
	}

	s.mu.Lock()
	now := time.Now()
	s.lastBackfillTime = &now
	s.mu.Unlock()

	observability.RecordBackfill("native", total, time.Since(start))
	s.logger.Info().
		Int("rows", total).
		Int("batches", batches).
		Dur("duration", time.Since(start)).
		Msg("Native-vector backfill complete")

	return total, nil
}

func (s *Store) backfillNativeBatch(ctx context.Context) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	// Select one row beyond the batch size to learn whether work remains
	rows, err := tx.QueryContext(ctx,
		"SELECT id, embedding_json FROM memory_chunk WHERE vec_state = ? LIMIT ?",
		VecStateJSONOnly, s.cfg.BackfillBatchSize+1,
	)
	if err != nil {
		return 0, false, err
	}

	type pending struct {
		id        string
		embedding string
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.embedding); err != nil {
			rows.Close()
			return 0, false, err
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, false, err
	}

	more := len(batch) > s.cfg.BackfillBatchSize
	if more {
		batch = batch[:s.cfg.BackfillBatchSize]
	}

	for _, p := range batch {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO chunk_vec (chunk_id, embedding) VALUES (?, ?)",
			p.id, p.embedding,
		); err != nil {
			return 0, false, err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE memory_chunk SET vec_state = ? WHERE id = ?",
			VecStateNativeIndexed, p.id,
		); err != nil {
			return 0, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return len(batch), more, nil
}

// BackfillLexicalIndex populates the full-text index for chunks not yet
// lexically indexed, with the same bounded-batch loop shape.
func (s *Store) BackfillLexicalIndex(ctx context.Context) (int, error) {
	if !s.caps.Lexical {
		s.logger.Info().Msg("Lexical backfill is a no-op, FTS5 unavailable")
		return 0, nil
	}

	start := time.Now()
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, more, err := s.backfillLexicalBatch(ctx)
		if err != nil {
			return total, err
		}
		total += n

		if !more {
			break
		}
	}

	observability.RecordBackfill("lexical", total, time.Since(start))
	if total > 0 {
		s.logger.Info().Int("rows", total).Msg("Lexical backfill complete")
	}
	return total, nil
}

func (s *Store) backfillLexicalBatch(ctx context.Context) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT c.id, o.org_id, c.text
		FROM memory_chunk c
		JOIN memory_object o ON o.id = c.object_id
		WHERE c.lex_indexed = 0
		LIMIT ?
	`, s.cfg.BackfillBatchSize+1)
	if err != nil {
		return 0, false, err
	}

	type pending struct {
		id    string
		orgID string
		text  string
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.orgID, &p.text); err != nil {
			rows.Close()
			return 0, false, err
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, false, err
	}

	more := len(batch) > s.cfg.BackfillBatchSize
	if more {
		batch = batch[:s.cfg.BackfillBatchSize]
	}

	for _, p := range batch {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunk_fts (chunk_id, org_id, text) VALUES (?, ?, ?)",
			p.id, p.orgID, p.text,
		); err != nil {
			return 0, false, err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE memory_chunk SET lex_indexed = 1 WHERE id = ?", p.id,
		); err != nil {
			return 0, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return len(batch), more, nil
}
