// Package embed turns text into fixed-dimension vectors through an upstream
// provider, fronted by a deduplicating batch service and an LRU cache.
package embed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// Provider generates vector embeddings from text. Implementations return
// exactly one vector per input, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// RateLimitError marks an upstream rejection that callers should retry with
// backoff rather than treat as a hard failure.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("embedding provider rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// MockProvider is a deterministic in-process provider for tests. Vectors are
// derived from text content so identical inputs embed identically and
// near-identical inputs stay close.
type MockProvider struct {
	dim int

	mu       sync.Mutex
	calls    int
	failures map[string]error // per-text injected failures
	batchErr error            // injected whole-batch failure, consumed once
}

// NewMockProvider creates a mock provider of the given dimensionality.
func NewMockProvider(dim int) *MockProvider {
	return &MockProvider{dim: dim, failures: make(map[string]error)}
}

func (p *MockProvider) Dimension() int {
	return p.dim
}

// FailText makes embedding of the exact text fail with err. A nil err clears
// the failure, simulating a recovered provider.
func (p *MockProvider) FailText(text string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, text)
		return
	}
	p.failures[text] = err
}

// FailNextBatch makes the next multi-text call fail with err. Single-text
// calls are unaffected, which lets tests exercise the per-item fallback.
func (p *MockProvider) FailNextBatch(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchErr = err
}

// Calls returns the number of upstream calls made.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.calls++
	if len(texts) > 1 && p.batchErr != nil {
		err := p.batchErr
		p.batchErr = nil
		p.mu.Unlock()
		return nil, err
	}
	for _, text := range texts {
		if err, ok := p.failures[text]; ok {
			p.mu.Unlock()
			return nil, err
		}
	}
	p.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.vectorFor(text)
	}
	return out, nil
}

// vectorFor produces a stable pseudo-random unit-ish vector seeded by a
// token-level hash, so shared words pull embeddings together.
func (p *MockProvider) vectorFor(text string) []float32 {
	v := make([]float32, p.dim)

	var seed int64
	for _, r := range text {
		seed = seed*31 + int64(r)
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}

	// Blend in per-word components so lexically overlapping texts land near
	// each other in the space.
	for _, word := range splitWords(text) {
		var ws int64
		for _, r := range word {
			ws = ws*31 + int64(r)
		}
		wrng := rand.New(rand.NewSource(ws))
		for i := range v {
			v[i] += (wrng.Float32()*2 - 1) * 4
		}
	}

	return v
}

func splitWords(text string) []string {
	var words []string
	start := -1
	for i, r := range text {
		isWord := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isWord && start < 0 {
			start = i
		}
		if !isWord && start >= 0 {
			words = append(words, text[start:i])
			start = -1
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	return words
}
