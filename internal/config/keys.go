package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RECALL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp", typ: kBool, env: "RECALL_SERVER_MCP",
		apply:   func(cfg *Config, v any) { cfg.Server.MCP = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCP },
	},
	{
		key: "server.default_owner", typ: kString, env: "RECALL_DEFAULT_OWNER",
		apply:   func(cfg *Config, v any) { cfg.Server.DefaultOwner = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.DefaultOwner },
	},
	{
		key: "server.api_token", typ: kString, env: "RECALL_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.driver", typ: kString, env: "RECALL_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RECALL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "RECALL_POSTGRES_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "embedding.provider", typ: kString, env: "RECALL_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.base_url", typ: kString, env: "RECALL_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "RECALL_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimension", typ: kInt, env: "RECALL_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimension },
	},
	{
		key: "embedding.query_timeout_sec", typ: kInt, env: "RECALL_EMBEDDING_QUERY_TIMEOUT_SEC",
		apply:   func(cfg *Config, v any) { cfg.Embedding.QueryTimeoutSec = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.QueryTimeoutSec },
	},
	{
		key: "embedding.api_key", typ: kString, env: "RECALL_EMBEDDING_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "retrieval.default_limit", typ: kInt, env: "RECALL_RETRIEVAL_DEFAULT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.DefaultLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.DefaultLimit },
	},
	{
		key: "retrieval.max_limit", typ: kInt, env: "RECALL_RETRIEVAL_MAX_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxLimit },
	},
	{
		key: "retrieval.vector_weight", typ: kFloat, env: "RECALL_RETRIEVAL_VECTOR_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.VectorWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.VectorWeight },
	},
	{
		key: "retrieval.text_weight", typ: kFloat, env: "RECALL_RETRIEVAL_TEXT_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TextWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.TextWeight },
	},
	{
		key: "retrieval.candidate_multiplier", typ: kInt, env: "RECALL_RETRIEVAL_CANDIDATE_MULTIPLIER",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.CandidateMultiplier = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.CandidateMultiplier },
	},
	{
		key: "retrieval.candidate_cap", typ: kInt, env: "RECALL_RETRIEVAL_CANDIDATE_CAP",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.CandidateCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.CandidateCap },
	},
	{
		key: "retrieval.min_similarity", typ: kFloat, env: "RECALL_RETRIEVAL_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinSimilarity },
	},
	{
		key: "retrieval.debug", typ: kBool, env: "RECALL_RETRIEVAL_DEBUG",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Debug = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.Debug },
	},
	{
		key: "records.categories", typ: kString, env: "RECALL_RECORDS_CATEGORIES",
		apply:   func(cfg *Config, v any) { cfg.Records.Categories = v.(string) },
		extract: func(cfg Config) any { return cfg.Records.Categories },
	},
	{
		key: "records.default_category", typ: kString, env: "RECALL_RECORDS_DEFAULT_CATEGORY",
		apply:   func(cfg *Config, v any) { cfg.Records.DefaultCategory = v.(string) },
		extract: func(cfg Config) any { return cfg.Records.DefaultCategory },
	},
	{
		key: "lexical.language", typ: kString, env: "RECALL_LEXICAL_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.Lexical.Language = v.(string) },
		extract: func(cfg Config) any { return cfg.Lexical.Language },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "RECALL_PIPELINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.poll_interval_ms", typ: kInt, env: "RECALL_PIPELINE_POLL_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PollIntervalMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.PollIntervalMS },
	},
	{
		key: "log.level", typ: kString, env: "RECALL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secrets the environment left empty from the secret store.
func applySecrets(cfg *Config, store secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := store.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
