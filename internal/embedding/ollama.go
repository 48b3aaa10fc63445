package embedding

import (
	"context"
	"errors"

	"github.com/kalambet/recall/internal/ollama"
)

// DefaultOllamaURL is where a local Ollama listens by default.
const DefaultOllamaURL = "http://localhost:11434"

// DefaultOllamaModel is a 768-dimensional embedding model.
const DefaultOllamaModel = "nomic-embed-text"

// Ollama embeds text through a local Ollama server.
type Ollama struct {
	client *ollama.Client
	model  string
	dim    int
}

// NewOllama returns a provider for model served at baseURL.
func NewOllama(baseURL, model string, dim int) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &Ollama{client: ollama.New(baseURL), model: model, dim: dim}
}

// Client exposes the underlying HTTP client for readiness checks.
func (o *Ollama) Client() *ollama.Client { return o.client }

// Model returns the configured model name.
func (o *Ollama) Model() string { return o.model }

func (o *Ollama) Dimension() int { return o.dim }

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := o.client.Embed(ctx, o.model, text)
	if err != nil {
		pe := &ProviderError{Provider: o.Name(), Err: err}
		var se *ollama.StatusError
		if errors.As(err, &se) {
			pe.StatusCode = se.StatusCode
		}
		return nil, pe
	}
	return vec, nil
}
