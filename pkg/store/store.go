// Package store persists memory objects, chunks, and the knowledge graph in
// SQLite, keeping each chunk searchable three ways: canonical JSON vector,
// native ANN vector column, and a lexical full-text index.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mnemohq/mnemo/internal/config"
	"github.com/mnemohq/mnemo/internal/observability"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Chunk vector states. A chunk is eligible for ANN search only once its
// native vector column is populated.
const (
	VecStateUnindexed     = "unindexed"
	VecStateJSONOnly      = "json_only"
	VecStateNativeIndexed = "native_indexed"
)

// Capabilities reports which index paths the underlying storage supports.
// An absent capability degrades retrieval, it is never an error.
type Capabilities struct {
	ANN     bool `json:"ann"`
	Lexical bool `json:"lexical"`
}

// Config holds store configuration
type Config struct {
	DBPath            string
	Dim               int // embedding dimensionality, bounded [128, 4096]
	BackfillBatchSize int
	SkipBackfill      bool
	DisableANN        bool // operator override, forces the lexical-only degraded mode
	DisableLexical    bool // operator override, forces the ANN-only degraded mode
	MaintenanceSpec   string // cron spec for periodic backfill sweeps, empty disables
	Logger            zerolog.Logger
}

// Store is the dual-index chunk store plus the knowledge graph tables.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
	caps   Capabilities

	mu               sync.RWMutex
	lastBackfillTime *time.Time

	cron *cron.Cron
}

// Status is a point-in-time snapshot of store contents.
type Status struct {
	Objects          int          `json:"objects"`
	Chunks           int          `json:"chunks"`
	ChunksNative     int          `json:"chunks_native"`
	Nodes            int          `json:"nodes"`
	Edges            int          `json:"edges"`
	Capabilities     Capabilities `json:"capabilities"`
	LastBackfillTime *time.Time   `json:"last_backfill_time,omitempty"`
}

// Open validates the configuration, opens the database, and provisions the
// schema. Dimension validation is fatal here, before any schema mutation.
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Dim < config.MinEmbedDim || cfg.Dim > config.MaxEmbedDim {
		return nil, fmt.Errorf("embedding dim %d out of bounds [%d, %d]", cfg.Dim, config.MinEmbedDim, config.MaxEmbedDim)
	}
	if cfg.BackfillBatchSize <= 0 {
		cfg.BackfillBatchSize = 1000
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1&_foreign_keys=1&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps long backfill transactions from blocking readers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().
		Int("dim", cfg.Dim).
		Bool("ann", s.caps.ANN).
		Bool("lexical", s.caps.Lexical).
		Msg("Memory store opened")

	return s, nil
}

// Capabilities returns the index capabilities probed at open time.
func (s *Store) Capabilities() Capabilities {
	return s.caps
}

// Dim returns the configured embedding dimensionality.
func (s *Store) Dim() int {
	return s.cfg.Dim
}

// StartMaintenance schedules periodic backfill sweeps using the configured
// cron spec. No-op when the spec is empty.
func (s *Store) StartMaintenance() error {
	if s.cfg.MaintenanceSpec == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(s.cfg.MaintenanceSpec, func() {
		ctx := context.Background()
		if _, err := s.BackfillNativeVectors(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Maintenance native-vector backfill failed")
		}
		if _, err := s.BackfillLexicalIndex(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Maintenance lexical backfill failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance spec %q: %w", s.cfg.MaintenanceSpec, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info().Str("spec", s.cfg.MaintenanceSpec).Msg("Backfill maintenance scheduled")
	return nil
}

// Status returns current store contents and capability flags.
func (s *Store) Status(ctx context.Context) Status {
	var st Status
	st.Capabilities = s.caps

	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_object").Scan(&st.Objects)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_chunk").Scan(&st.Chunks)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_chunk WHERE vec_state = ?", VecStateNativeIndexed).Scan(&st.ChunksNative)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_node").Scan(&st.Nodes)
	s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_edge").Scan(&st.Edges)

	s.mu.RLock()
	st.LastBackfillTime = s.lastBackfillTime
	s.mu.RUnlock()

	observability.SetChunksIndexed(st.Chunks)
	return st
}

// Close stops maintenance and closes the database.
func (s *Store) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	return s.db.Close()
}
