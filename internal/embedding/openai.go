package embedding

import (
	"context"
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OpenAI embeds text through the OpenAI embeddings API or any server that
// speaks it.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAI returns a provider for model. An empty baseURL targets api.openai.com.
func NewOpenAI(apiKey, baseURL, model string, dim int) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model, dim: dim}
}

func (o *OpenAI) Dimension() int { return o.dim }

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	rsp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: o.dim,
	})
	if err != nil {
		pe := &ProviderError{Provider: o.Name(), Err: err}
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		switch {
		case errors.As(err, &apiErr):
			pe.StatusCode = apiErr.HTTPStatusCode
		case errors.As(err, &reqErr):
			pe.StatusCode = reqErr.HTTPStatusCode
		}
		return nil, pe
	}
	if len(rsp.Data) == 0 || len(rsp.Data[0].Embedding) == 0 {
		return nil, &ProviderError{Provider: o.Name(), Err: errors.New("empty embedding in response")}
	}
	return rsp.Data[0].Embedding, nil
}
