package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider on the OpenAI embeddings API.
type OpenAIProvider struct {
	api   openai.Client
	model string
	dim   int
}

// NewOpenAIProvider creates an OpenAI embedding provider. dim must match the
// model's output dimensionality (1536 for text-embedding-3-small, 3072 for
// text-embedding-3-large).
func NewOpenAIProvider(apiKey, model string, dim int) *OpenAIProvider {
	return &OpenAIProvider{
		api:   openai.NewClient(option.WithAPIKey(apiKey)),
		model: model,
		dim:   dim,
	}
}

func (p *OpenAIProvider) Dimension() int {
	return p.dim
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return nil, &RateLimitError{Err: err}
		}
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}
