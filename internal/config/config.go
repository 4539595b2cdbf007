package config

import (
	"fmt"
	"time"
)

// Dimension bounds for the embedding space. Values outside this range
// produce pathological index sizes and are rejected before any schema work.
const (
	MinEmbedDim = 128
	MaxEmbedDim = 4096
)

// Config holds the full engine configuration
type Config struct {
	// Embedding
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Cache
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Index
	Index IndexConfig `json:"index" mapstructure:"index"`

	// Retrieval
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`

	// Graph
	Graph GraphConfig `json:"graph" mapstructure:"graph"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Database path
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// EmbeddingConfig holds upstream embedding provider settings
type EmbeddingConfig struct {
	Provider    string `json:"provider" mapstructure:"provider"` // openai, mock
	Model       string `json:"model" mapstructure:"model"`
	APIKey      string `json:"api_key" mapstructure:"api_key"`
	Dim         int    `json:"dim" mapstructure:"dim"`
	BatchWidth  int    `json:"batch_width" mapstructure:"batch_width"`   // max texts per upstream call
	Concurrency int    `json:"concurrency" mapstructure:"concurrency"`   // max in-flight sub-batches
	MaxRetries  int    `json:"max_retries" mapstructure:"max_retries"`   // rate-limit retries per sub-batch
	TimeoutSecs int    `json:"timeout_secs" mapstructure:"timeout_secs"` // per upstream call
}

// CacheConfig holds embedding cache settings
type CacheConfig struct {
	Capacity int           `json:"capacity" mapstructure:"capacity"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

// IndexConfig holds dual-index store settings
type IndexConfig struct {
	// ANN build parameters are validated up front but the vec0 backend scans
	// exhaustively and takes no build-time tuning; they become DDL inputs
	// only on backends that accept them.
	ANNNeighbors      int  `json:"ann_neighbors" mapstructure:"ann_neighbors"`             // graph degree for the ANN index
	ANNConstruction   int  `json:"ann_construction" mapstructure:"ann_construction"`       // construction quality factor
	BackfillBatchSize int  `json:"backfill_batch_size" mapstructure:"backfill_batch_size"` // rows per backfill transaction
	SkipBackfill      bool `json:"skip_backfill" mapstructure:"skip_backfill"`             // skip one-time backfill at deploy
	MaintenanceSpec   string `json:"maintenance_spec" mapstructure:"maintenance_spec"`     // cron spec for backfill sweeps, empty disables
	DisableANN        bool `json:"disable_ann" mapstructure:"disable_ann"`                 // operator override, lexical-only mode
	DisableLexical    bool `json:"disable_lexical" mapstructure:"disable_lexical"`         // operator override, ANN-only mode
}

// RetrievalConfig holds hybrid merge settings
type RetrievalConfig struct {
	VectorWeight  float64 `json:"vector_weight" mapstructure:"vector_weight"`
	LexicalWeight float64 `json:"lexical_weight" mapstructure:"lexical_weight"`
	PoolFactor    int     `json:"pool_factor" mapstructure:"pool_factor"` // candidate pool = factor * limit
}

// GraphConfig holds knowledge graph expansion settings
type GraphConfig struct {
	MaxDepth      int     `json:"max_depth" mapstructure:"max_depth"`
	MinConfidence float64 `json:"min_confidence" mapstructure:"min_confidence"`
	MaxNeighbors  int     `json:"max_neighbors" mapstructure:"max_neighbors"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"` // fraction of root traces sampled
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:    "openai",
			Model:       "text-embedding-3-small",
			Dim:         1536,
			BatchWidth:  100,
			Concurrency: 4,
			MaxRetries:  3,
			TimeoutSecs: 30,
		},
		Cache: CacheConfig{
			Capacity: 4096,
			TTL:      time.Hour,
		},
		Index: IndexConfig{
			ANNNeighbors:      16,
			ANNConstruction:   64,
			BackfillBatchSize: 1000,
		},
		Retrieval: RetrievalConfig{
			VectorWeight:  0.6,
			LexicalWeight: 0.4,
			PoolFactor:    3,
		},
		Graph: GraphConfig{
			MaxDepth:      1,
			MinConfidence: 0.5,
			MaxNeighbors:  5,
		},
		Tracing: TracingConfig{
			ServiceName: "mnemo",
			SampleRatio: 1.0,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate checks the configuration and fails fast on values that would
// build an internally inconsistent index. Must be called before any schema
// operation.
func (c *Config) Validate() error {
	if c.Embedding.Dim < MinEmbedDim || c.Embedding.Dim > MaxEmbedDim {
		return fmt.Errorf("embedding dim %d out of bounds [%d, %d]", c.Embedding.Dim, MinEmbedDim, MaxEmbedDim)
	}
	if c.Embedding.BatchWidth <= 0 {
		return fmt.Errorf("embedding batch width must be positive, got %d", c.Embedding.BatchWidth)
	}
	if c.Embedding.Concurrency <= 0 {
		return fmt.Errorf("embedding concurrency must be positive, got %d", c.Embedding.Concurrency)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Index.BackfillBatchSize <= 0 {
		return fmt.Errorf("backfill batch size must be positive, got %d", c.Index.BackfillBatchSize)
	}
	if c.Index.ANNNeighbors <= 0 || c.Index.ANNConstruction <= 0 {
		return fmt.Errorf("ann build parameters must be positive, got neighbors=%d construction=%d",
			c.Index.ANNNeighbors, c.Index.ANNConstruction)
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.LexicalWeight < 0 {
		return fmt.Errorf("merge weights must be non-negative")
	}
	sum := c.Retrieval.VectorWeight + c.Retrieval.LexicalWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("merge weights must sum to 1.0, got %.3f", sum)
	}
	if c.Retrieval.PoolFactor < 1 {
		return fmt.Errorf("pool factor must be at least 1, got %d", c.Retrieval.PoolFactor)
	}
	if c.Graph.MaxDepth < 0 {
		return fmt.Errorf("graph max depth must be non-negative, got %d", c.Graph.MaxDepth)
	}
	if c.Graph.MinConfidence < 0 || c.Graph.MinConfidence > 1 {
		return fmt.Errorf("graph min confidence must be in [0,1], got %.3f", c.Graph.MinConfidence)
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing sample ratio must be in (0,1], got %.3f", c.Tracing.SampleRatio)
	}
	return nil
}
