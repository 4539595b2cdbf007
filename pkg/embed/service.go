package embed

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mnemohq/mnemo/internal/observability"
	"github.com/mnemohq/mnemo/internal/tracing"
	"github.com/mnemohq/mnemo/pkg/vmath"
)

// Service deduplicates embedding requests against the cache and the batch
// itself, chunks cache misses into bounded upstream calls, and reassembles
// results in input order.
type Service struct {
	provider    Provider
	cache       *Cache
	logger      zerolog.Logger
	batchWidth  int
	concurrency int
	maxRetries  int
}

// ServiceConfig holds batch embedding service configuration
type ServiceConfig struct {
	Provider    Provider
	Cache       *Cache
	Logger      zerolog.Logger
	BatchWidth  int // max texts per upstream call
	Concurrency int // max in-flight sub-batches
	MaxRetries  int // rate-limit retries before degrading
}

// NewService creates a batch embedding service.
func NewService(cfg ServiceConfig) (*Service, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, errors.New("embedding provider is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("embedding cache is required")
	}
	if cfg.BatchWidth <= 0 {
		cfg.BatchWidth = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Service{
		provider:    cfg.Provider,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		batchWidth:  cfg.BatchWidth,
		concurrency: cfg.Concurrency,
		maxRetries:  cfg.MaxRetries,
	}, nil
}

// CacheStats reports the cache's hit/miss counters.
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

// Dimension returns the provider's output dimensionality.
func (s *Service) Dimension() int {
	return s.provider.Dimension()
}

// EmbedText embeds a single text through the same cache path.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input text, in input order. Cache hits
// skip the upstream call; misses are deduplicated, chunked into sub-batches,
// and issued concurrently. A failing sub-batch degrades to per-item calls,
// and a failing item degrades to a zero vector, so partial upstream trouble
// never fails the whole request. The only hard failure is cancellation.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.embed",
		"embed.batch",
		attribute.Int("texts", len(texts)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	results := make([][]float32, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	// Partition into cache hits and misses, keeping one slot per distinct
	// missing text regardless of how often it repeats in the batch.
	missKeys := make(map[string]string) // key -> text
	keys := make([]string, len(texts))
	for i, text := range texts {
		key := CacheKey(text)
		keys[i] = key
		if vec, ok := s.cache.Get(key); ok {
			results[i] = vec
			continue
		}
		missKeys[key] = text
	}

	if len(missKeys) == 0 {
		observability.RecordEmbedBatch(time.Since(start), true)
		return results, nil
	}

	missOrder := make([]string, 0, len(missKeys))
	missTexts := make([]string, 0, len(missKeys))
	for _, key := range keys {
		if text, ok := missKeys[key]; ok {
			missOrder = append(missOrder, key)
			missTexts = append(missTexts, text)
			delete(missKeys, key)
		}
	}

	computed, placeholders, err := s.embedMisses(ctx, logger, missOrder, missTexts)
	if err != nil {
		observability.RecordEmbedBatch(time.Since(start), false)
		return nil, err
	}

	// Zero-vector placeholders stand in for this response only. Caching one
	// would serve a failed embedding as a hit until TTL expiry.
	for key, vec := range computed {
		if placeholders[key] {
			continue
		}
		s.cache.Put(key, vec, 0)
	}

	for i, key := range keys {
		if results[i] == nil {
			results[i] = computed[key]
		}
	}

	observability.RecordEmbedBatch(time.Since(start), true)
	return results, nil
}

// embedMisses embeds distinct missing texts in bounded concurrent
// sub-batches. Returns vectors keyed by cache key, plus the set of keys whose
// vector is a zero placeholder rather than a real embedding.
func (s *Service) embedMisses(ctx context.Context, logger zerolog.Logger, keys, texts []string) (map[string][]float32, map[string]bool, error) {
	computed := make(map[string][]float32, len(keys))
	placeholders := make(map[string]bool)
	var mu sync.Mutex

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for lo := 0; lo < len(texts); lo += s.batchWidth {
		hi := lo + s.batchWidth
		if hi > len(texts) {
			hi = len(texts)
		}

		wg.Add(1)
		go func(keys, texts []string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			vectors, degraded := s.embedSubBatch(ctx, logger, texts)

			mu.Lock()
			for i, key := range keys {
				computed[key] = vectors[i]
				if degraded[i] {
					placeholders[key] = true
				}
			}
			mu.Unlock()
		}(keys[lo:hi], texts[lo:hi])
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return computed, placeholders, nil
}

// embedSubBatch always returns len(texts) vectors; degraded[i] marks slots
// that fell all the way through to a zero placeholder. Batch failure degrades
// to per-item calls; per-item failure degrades to a zero vector.
func (s *Service) embedSubBatch(ctx context.Context, logger zerolog.Logger, texts []string) ([][]float32, []bool) {
	degraded := make([]bool, len(texts))

	observability.RecordUpstreamCall("batch")
	vectors, err := s.embedWithBackoff(ctx, texts)
	if err == nil {
		return vectors, degraded
	}

	logger.Warn().
		Err(err).
		Int("texts", len(texts)).
		Msg("Sub-batch embedding failed, degrading to per-item calls")

	out := make([][]float32, len(texts))
	for i, text := range texts {
		observability.RecordUpstreamCall("single")
		single, err := s.embedWithBackoff(ctx, []string{text})
		if err != nil {
			logger.Warn().
				Err(err).
				Int("text_len", len(text)).
				Msg("Per-item embedding failed, substituting zero vector")
			observability.RecordZeroVector()
			out[i] = vmath.Zero(s.provider.Dimension())
			degraded[i] = true
			continue
		}
		out[i] = single[0]
	}
	return out, degraded
}

// embedWithBackoff calls the provider, retrying rate-limit rejections with
// jittered exponential backoff.
func (s *Service) embedWithBackoff(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vectors, err := s.provider.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		var rl *RateLimitError
		if !errors.As(err, &rl) {
			return nil, err
		}
	}
	return nil, lastErr
}
