// Package config loads recall's settings from a JSON file, environment
// variables and the platform secret store.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Retrieval RetrievalConfig
	Records   RecordsConfig
	Lexical   LexicalConfig
	Pipeline  PipelineConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// MCP serves the MCP tools over stdio alongside the HTTP API.
	MCP bool
	// DefaultOwner is used by MCP tools and CLI commands that name no owner.
	DefaultOwner string
	APIToken     string
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string
	DataDir     string
	PostgresDSN string
}

type EmbeddingConfig struct {
	Provider string
	// BaseURL and Model default per provider when empty.
	BaseURL         string
	Model           string
	Dimension       int
	QueryTimeoutSec int
	APIKey          string
}

type RetrievalConfig struct {
	DefaultLimit        int
	MaxLimit            int
	VectorWeight        float64
	TextWeight          float64
	CandidateMultiplier int
	CandidateCap        int
	MinSimilarity       float64
	Debug               bool
}

type RecordsConfig struct {
	// Categories is a comma-separated list.
	Categories      string
	DefaultCategory string
}

type LexicalConfig struct {
	Language string
}

type PipelineConfig struct {
	MaxAttempts    int
	PollIntervalMS int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         4100,
			DefaultOwner: "default",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			Provider:        "ollama",
			Dimension:       768,
			QueryTimeoutSec: 30,
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:        5,
			MaxLimit:            100,
			VectorWeight:        0.7,
			TextWeight:          0.3,
			CandidateMultiplier: 4,
			CandidateCap:        100,
		},
		Records: RecordsConfig{
			Categories:      "preference,behavior,context,fact",
			DefaultCategory: "fact",
		},
		Lexical: LexicalConfig{
			Language: "english",
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    3,
			PollIntervalMS: 500,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/recall/config.json, then environment variables
// (RECALL_*), which win. Secrets are read from the environment and fall back
// to the platform secret store (macOS Keychain, or a 0600 secrets file
// elsewhere). The result is validated.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), platformSecrets{})
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every setting that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Server.DefaultOwner) == "" {
		errs = append(errs, errors.New("server.default_owner must not be blank"))
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver; set RECALL_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be sqlite or postgres", c.Storage.Driver))
	}
	switch c.Embedding.Provider {
	case "ollama":
	case "openai":
		if c.Embedding.APIKey == "" && c.Embedding.BaseURL == "" {
			errs = append(errs, errors.New("embedding.api_key is required for the openai provider; set RECALL_EMBEDDING_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q must be ollama or openai", c.Embedding.Provider))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension))
	}
	if c.Embedding.QueryTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("embedding.query_timeout_sec must be positive, got %d", c.Embedding.QueryTimeoutSec))
	}
	r := c.Retrieval
	if r.DefaultLimit <= 0 || r.MaxLimit <= 0 || r.DefaultLimit > r.MaxLimit {
		errs = append(errs, fmt.Errorf("retrieval.default_limit (%d) must be positive and at most retrieval.max_limit (%d)", r.DefaultLimit, r.MaxLimit))
	}
	if r.VectorWeight < 0 || r.TextWeight < 0 || r.VectorWeight+r.TextWeight == 0 {
		errs = append(errs, fmt.Errorf("retrieval weights must be non-negative and not both zero (vector %v, text %v)", r.VectorWeight, r.TextWeight))
	}
	if r.CandidateMultiplier < 1 || r.CandidateCap < 1 {
		errs = append(errs, errors.New("retrieval.candidate_multiplier and retrieval.candidate_cap must be at least 1"))
	}
	if r.MinSimilarity < 0 || r.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_similarity %v must be within [0,1]", r.MinSimilarity))
	}
	if cats := c.CategoryList(); len(cats) == 0 {
		errs = append(errs, errors.New("records.categories must not be empty"))
	} else if !slices.Contains(cats, strings.ToLower(strings.TrimSpace(c.Records.DefaultCategory))) {
		errs = append(errs, fmt.Errorf("records.default_category %q is not one of %s", c.Records.DefaultCategory, c.Records.Categories))
	}
	if c.Pipeline.MaxAttempts < 1 || c.Pipeline.PollIntervalMS < 1 {
		errs = append(errs, errors.New("pipeline.max_attempts and pipeline.poll_interval_ms must be at least 1"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CategoryList splits Records.Categories.
func (c Config) CategoryList() []string {
	var out []string
	for _, s := range strings.Split(c.Records.Categories, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.Embedding.QueryTimeoutSec) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.PollIntervalMS) * time.Millisecond
}

// LogLevel returns the slog level for Log.Level.
func (c Config) LogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
	return l, nil
}
