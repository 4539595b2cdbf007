// Package mnemo is a hybrid memory retrieval engine: it embeds text chunks,
// indexes them for vector and lexical search in SQLite, connects them through
// a typed knowledge graph, and answers ranked, graph-expanded queries.
package mnemo

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mnemohq/mnemo/internal/config"
	"github.com/mnemohq/mnemo/internal/logger"
	"github.com/mnemohq/mnemo/internal/tracing"
	"github.com/mnemohq/mnemo/pkg/embed"
	"github.com/mnemohq/mnemo/pkg/enrich"
	"github.com/mnemohq/mnemo/pkg/graph"
	"github.com/mnemohq/mnemo/pkg/retrieval"
	"github.com/mnemohq/mnemo/pkg/store"
)

// Engine wires the embedding service, dual-index store, searcher, and
// enricher into one lifecycle. Construct it once at process start and share
// it; every component is safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.Store
	embed    *embed.Service
	searcher *retrieval.Searcher
	enricher *enrich.Enricher
	watcher  *config.Watcher
	tracing  bool
}

// New validates cfg and assembles the engine. Configuration errors are fatal
// here, before any schema work.
func New(cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}

	var provider embed.Provider
	switch cfg.Embedding.Provider {
	case "mock":
		provider = embed.NewMockProvider(cfg.Embedding.Dim)
	default:
		provider = embed.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dim)
	}

	cache := embed.NewCache(cfg.Cache.Capacity, cfg.Cache.TTL)
	svc, err := embed.NewService(embed.ServiceConfig{
		Provider:    provider,
		Cache:       cache,
		Logger:      log,
		BatchWidth:  cfg.Embedding.BatchWidth,
		Concurrency: cfg.Embedding.Concurrency,
		MaxRetries:  cfg.Embedding.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{
		DBPath:            cfg.DBPath,
		Dim:               cfg.Embedding.Dim,
		BackfillBatchSize: cfg.Index.BackfillBatchSize,
		SkipBackfill:      cfg.Index.SkipBackfill,
		DisableANN:        cfg.Index.DisableANN,
		DisableLexical:    cfg.Index.DisableLexical,
		MaintenanceSpec:   cfg.Index.MaintenanceSpec,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}

	searcher := retrieval.NewSearcher(st, svc, retrieval.Config{
		VectorWeight:  cfg.Retrieval.VectorWeight,
		LexicalWeight: cfg.Retrieval.LexicalWeight,
		PoolFactor:    cfg.Retrieval.PoolFactor,
		GraphDepth:    cfg.Graph.MaxDepth,
		MinConfidence: cfg.Graph.MinConfidence,
		MaxNeighbors:  cfg.Graph.MaxNeighbors,
		Logger:        log,
	})

	e := &Engine{
		cfg:      cfg,
		logger:   log.With().Str("component", "engine").Logger(),
		store:    st,
		embed:    svc,
		searcher: searcher,
		enricher: enrich.New(st, enrich.Config{Logger: log}),
		tracing:  cfg.Tracing.Enabled,
	}

	if cfg.Index.MaintenanceSpec != "" {
		if err := st.StartMaintenance(); err != nil {
			st.Close()
			return nil, err
		}
	}
	return e, nil
}

// Open loads configuration from path (falling back to MNEMO_* environment
// variables and defaults) and assembles the engine.
func Open(path string) (*Engine, error) {
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, err
	}
	return New(cfg, log.Get())
}

// WatchConfig hot-reloads ranking weights when the config file changes. Only
// the merge weights are applied live; everything else needs a restart.
func (e *Engine) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, e.logger, func(cfg *config.Config) {
		e.searcher.SetWeights(cfg.Retrieval.VectorWeight, cfg.Retrieval.LexicalWeight)
	})
	if err != nil {
		return err
	}
	e.watcher = w
	return nil
}

// Ingest writes a source object and its pre-chunked text spans, embedding
// every chunk through the cache-backed batch service. Re-ingesting unchanged
// text is a no-op per chunk thanks to content-hash dedup.
func (e *Engine) Ingest(ctx context.Context, obj store.Object, chunks []string) (string, error) {
	if obj.OrgID == "" {
		return "", fmt.Errorf("org_id is required")
	}

	objID, err := e.store.UpsertObject(ctx, obj)
	if err != nil {
		return "", err
	}

	vectors, err := e.embed.EmbedBatch(ctx, chunks)
	if err != nil {
		return "", err
	}
	for seq, text := range chunks {
		if _, err := e.store.WriteChunk(ctx, obj.OrgID, objID, seq, text, vectors[seq]); err != nil {
			return "", fmt.Errorf("write chunk %d: %w", seq, err)
		}
	}
	return objID, nil
}

// Search answers a hybrid query. It always returns a response; degraded
// conditions are flagged on it rather than surfaced as errors.
func (e *Engine) Search(ctx context.Context, orgID, query string, filters retrieval.Filters, limit int) *retrieval.Response {
	return e.searcher.Search(ctx, orgID, query, filters, limit)
}

// EmbedBatch exposes the order-preserving batch embedding service.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed.EmbedBatch(ctx, texts)
}

// AddLink idempotently attaches a cross-source reference to an object.
func (e *Engine) AddLink(ctx context.Context, orgID, source, foreignID, linkType, url string) (bool, error) {
	return e.enricher.AddLink(ctx, orgID, source, foreignID, linkType, url)
}

// Store exposes the underlying dual-index store for object, chunk, and graph
// writes beyond the convenience methods above.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Graph returns a traverser over the knowledge graph.
func (e *Engine) Graph() *graph.Traverser {
	return graph.New(e.store, e.logger)
}

// Backfill runs the native vector and lexical index backfill sweeps once.
func (e *Engine) Backfill(ctx context.Context) (int, error) {
	native, err := e.store.BackfillNativeVectors(ctx)
	if err != nil {
		return native, err
	}
	lexical, err := e.store.BackfillLexicalIndex(ctx)
	return native + lexical, err
}

// Status reports a point-in-time snapshot of store contents and cache
// effectiveness.
func (e *Engine) Status(ctx context.Context) EngineStatus {
	return EngineStatus{
		Store: e.store.Status(ctx),
		Cache: e.embed.CacheStats(),
	}
}

// EngineStatus aggregates store and cache health.
type EngineStatus struct {
	Store store.Status     `json:"store"`
	Cache embed.CacheStats `json:"cache"`
}

// Close stops the watcher and maintenance scheduler, flushes tracing, and
// closes the store.
func (e *Engine) Close() error {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.tracing {
		if err := tracing.ShutdownOpenTelemetry(context.Background()); err != nil {
			e.logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}
	return e.store.Close()
}
