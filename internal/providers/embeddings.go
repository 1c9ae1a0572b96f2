package providers

import (
	"context"
	"errors"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"
)

// maxEmbeddingBatch is the OpenAI per-request input limit.
const maxEmbeddingBatch = 2048

// EmbeddingAPI is the subset of the go-openai client used for
// embeddings. *openai.Client satisfies it.
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder implements Embedder on the OpenAI embeddings API.
type OpenAIEmbedder struct {
	api   EmbeddingAPI
	model openai.EmbeddingModel
}

// EmbedderConfig configures the embedder.
type EmbedderConfig struct {
	APIKey string
	// Model defaults to text-embedding-3-small.
	Model string
	// API overrides the SDK client, for tests.
	API EmbeddingAPI
}

// NewOpenAIEmbedder creates an embedder.
func NewOpenAIEmbedder(cfg EmbedderConfig) (*OpenAIEmbedder, error) {
	api := cfg.API
	if api == nil {
		if cfg.APIKey == "" {
			return nil, errors.New("embedder: api key is required")
		}
		api = openai.NewClient(cfg.APIKey)
	}
	model := openai.EmbeddingModel(cfg.Model)
	if cfg.Model == "" {
		model = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{api: api, model: model}, nil
}

// Embed returns one vector per input text, in input order. Inputs are
// chunked to stay under the provider's batch limit.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += maxEmbeddingBatch {
		end := min(start+maxEmbeddingBatch, len(texts))
		resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: e.model,
		})
		if err != nil {
			return nil, fmt.Errorf("embedder: %w", classifyOpenAIErr(err))
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedder: got %d vectors for %d inputs", len(resp.Data), end-start)
		}
		for _, data := range resp.Data {
			results[start+data.Index] = data.Embedding
		}
	}
	return results, nil
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either vector is empty or zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
