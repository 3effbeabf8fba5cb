package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// DefaultEmbeddingDimensions matches text-embedding-3-small.
const DefaultEmbeddingDimensions = 1536

type (
	// EmbeddingsClient captures the subset of the OpenAI SDK embedding
	// service used by the embedder. Satisfied by client.Embeddings.
	EmbeddingsClient interface {
		New(ctx context.Context, params sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// EmbedderOptions configures an Embedder.
	EmbedderOptions struct {
		Client EmbeddingsClient
		// Model defaults to text-embedding-3-small.
		Model string
		// Dimensions requests reduced-dimension vectors when positive.
		Dimensions int
	}

	// Embedder implements embed.DenseEmbedder over the OpenAI Embeddings API.
	Embedder struct {
		api   EmbeddingsClient
		model string
		dims  int
	}
)

// NewEmbedder builds an Embedder from the provided options.
func NewEmbedder(opts EmbedderOptions) (*Embedder, error) {
	if opts.Client == nil {
		return nil, errors.New("openai: embeddings client is required")
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = string(sdk.EmbeddingModelTextEmbedding3Small)
	}
	dims := opts.Dimensions
	if dims <= 0 {
		dims = DefaultEmbeddingDimensions
	}
	return &Embedder{api: opts.Client, model: modelID, dims: dims}, nil
}

// NewEmbedderFromAPIKey constructs an Embedder using the default SDK client.
func NewEmbedderFromAPIKey(apiKey string, opts EmbedderOptions) (*Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	opts.Client = &c.Embeddings
	return NewEmbedder(opts)
}

// Embed returns one dense vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := sdk.EmbeddingNewParams{
		Model:          sdk.EmbeddingModel(e.model),
		Input:          sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		EncodingFormat: sdk.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.dims != DefaultEmbeddingDimensions {
		params.Dimensions = sdk.Int(int64(e.dims))
	}
	resp, err := e.api.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: requested %d vectors, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(out) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", idx)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[idx] = vec
	}
	return out, nil
}

// Dimensions reports the configured vector width.
func (e *Embedder) Dimensions() int { return e.dims }
