// Package embedding adapts external embedding services to a single Provider
// interface used by search and the embedding pipeline.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDimension is returned when a provider produces a vector whose length
// differs from the configured dimension.
var ErrDimension = errors.New("embedding dimension mismatch")

// Provider turns text into a fixed-length vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Name() string
}

// ProviderError wraps a failed call to an embedding service. Every
// ProviderError is safe to retry.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s embedding (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s embedding: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Config selects and configures a provider.
type Config struct {
	Provider  string // "ollama" or "openai"
	BaseURL   string
	Model     string
	Dimension int
	APIKey    string
}

// New builds the configured provider wrapped in a dimension check.
func New(cfg Config) (Provider, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}
	var p Provider
	switch strings.ToLower(cfg.Provider) {
	case "ollama", "":
		p = NewOllama(cfg.BaseURL, cfg.Model, cfg.Dimension)
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, errors.New("openai provider requires an API key (RECALL_EMBEDDING_API_KEY)")
		}
		p = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	return Checked(p), nil
}

type checked struct {
	Provider
}

// Checked rejects vectors whose length differs from p.Dimension().
func Checked(p Provider) Provider {
	if _, ok := p.(checked); ok {
		return p
	}
	return checked{p}
}

func (c checked) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.Provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != c.Dimension() {
		return nil, fmt.Errorf("%s returned %d dimensions, want %d: %w", c.Name(), len(vec), c.Dimension(), ErrDimension)
	}
	return vec, nil
}
