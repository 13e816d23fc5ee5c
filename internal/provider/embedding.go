package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/ashureev/rag-support/internal/config"
	"github.com/ashureev/rag-support/internal/metrics"
)

// EmbeddingClient calls the OpenAI embeddings API.
type EmbeddingClient struct {
	model      string
	dimensions int
	timeout    time.Duration
	client     *lazy[*openai.Client]
}

// NewEmbeddingClient returns a client that connects on first use.
func NewEmbeddingClient(cfg config.EmbeddingConfig) *EmbeddingClient {
	return &EmbeddingClient{
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		timeout:    cfg.Timeout,
		client: newLazy(func() (*openai.Client, error) {
			if cfg.APIKey == "" {
				return nil, errors.New("OPENAI_API_KEY is not set")
			}
			opts := []option.RequestOption{
				option.WithAPIKey(cfg.APIKey),
				option.WithMaxRetries(0),
			}
			if cfg.BaseURL != "" {
				opts = append(opts, option.WithBaseURL(cfg.BaseURL))
			}
			c := openai.NewClient(opts...)
			return &c, nil
		}),
	}
}

// Embed returns the embedding of one text.
func (e *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one embedding per text, in input order.
func (e *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) (vecs [][]float32, err error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := e.client.get()
	if err != nil {
		return nil, unavailable(NameEmbedding, err)
	}

	start := time.Now()
	defer func() { metrics.ObserveProvider(NameEmbedding, start, err) }()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(e.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	resp, err := client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, unavailable(NameEmbedding, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, unavailable(NameEmbedding, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}

	vecs = make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(vecs) {
			idx = i
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vecs[idx] = vec
	}
	return vecs, nil
}
