package store

import "fmt"

// initSchema creates the relational tables, then probes the optional index
// capabilities. Virtual-table failures downgrade the capability flag rather
// than failing the open.
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memory_object (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			source TEXT NOT NULL,
			foreign_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			lang TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			UNIQUE (org_id, source, foreign_id)
		);
		CREATE INDEX IF NOT EXISTS idx_object_org ON memory_object(org_id);

		CREATE TABLE IF NOT EXISTS memory_chunk (
			id TEXT PRIMARY KEY,
			object_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding_json TEXT NOT NULL,
			vec_state TEXT NOT NULL DEFAULT 'unindexed'
				CHECK (vec_state IN ('unindexed', 'json_only', 'native_indexed')),
			lex_indexed INTEGER NOT NULL DEFAULT 0,
			vec_dim INTEGER NOT NULL,
			hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (object_id, seq),
			FOREIGN KEY (object_id) REFERENCES memory_object(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_chunk_object ON memory_chunk(object_id);
		CREATE INDEX IF NOT EXISTS idx_chunk_hash ON memory_chunk(hash);
		CREATE INDEX IF NOT EXISTS idx_chunk_vec_state ON memory_chunk(vec_state);

		CREATE TABLE IF NOT EXISTS memory_node (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			foreign_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			embedding TEXT,
			meta TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (org_id, foreign_id)
		);
		CREATE INDEX IF NOT EXISTS idx_node_org_kind ON memory_node(org_id, kind);

		CREATE TABLE IF NOT EXISTS memory_edge (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			src_id TEXT NOT NULL,
			dst_id TEXT NOT NULL,
			relation TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 0.5,
			confidence REAL NOT NULL DEFAULT 0.5,
			meta TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			UNIQUE (org_id, src_id, dst_id, relation),
			FOREIGN KEY (src_id) REFERENCES memory_node(id) ON DELETE CASCADE,
			FOREIGN KEY (dst_id) REFERENCES memory_node(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_edge_src ON memory_edge(org_id, src_id);
		CREATE INDEX IF NOT EXISTS idx_edge_dst ON memory_edge(org_id, dst_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	s.probeLexical()
	s.probeANN()
	return nil
}

func (s *Store) probeLexical() {
	if s.cfg.DisableLexical {
		s.logger.Info().Msg("Lexical index disabled by configuration")
		s.caps.Lexical = false
		return
	}
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_fts USING fts5(
			chunk_id UNINDEXED,
			org_id UNINDEXED,
			text,
			tokenize='porter unicode61'
		);
	`)
	if err != nil {
		s.logger.Warn().Err(err).Msg("FTS5 unavailable, lexical search degrades to substring matching")
		s.caps.Lexical = false
		return
	}
	s.caps.Lexical = true
}

func (s *Store) probeANN() {
	if s.cfg.DisableANN {
		s.logger.Info().Msg("ANN index disabled by configuration")
		s.caps.ANN = false
		return
	}
	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vec USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, s.cfg.Dim)

	if _, err := s.db.Exec(vectorSchema); err != nil {
		s.logger.Warn().Err(err).Msg("sqlite-vec unavailable, ANN search disabled")
		s.caps.ANN = false
		return
	}
	s.caps.ANN = true
}
