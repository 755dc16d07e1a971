package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Embedder computes a single embedding vector for text, used to enrich a
// response with the vectors semantic_similarity_to compares (§4.7, §4.8
// step 4).
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float64, error)
}

// OpenAIEmbedder calls the Embeddings API.
type OpenAIEmbedder struct {
	client openai.Client
}

// NewOpenAIEmbedder builds an Embedder backed by the OpenAI Embeddings API.
func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, model, text string) ([]float64, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings.new: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings response had no data")
	}
	return resp.Data[0].Embedding, nil
}
