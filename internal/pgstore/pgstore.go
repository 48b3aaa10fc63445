// Package pgstore implements the record store and job queue on PostgreSQL
// with pgvector for cosine search and tsvector for lexical search.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/kalambet/recall/internal/lexical"
	"github.com/lib/pq"
	"go.nhat.io/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

// driverName is the otelsql-wrapped postgres driver.
var driverName string

func init() {
	driver, err := otelsql.Register(
		"postgres",
		otelsql.TraceQueryWithoutArgs(),
		otelsql.TraceRowsClose(),
		otelsql.TraceRowsAffected(),
		otelsql.WithSystem(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		panic(fmt.Sprintf("registering instrumented postgres driver: %v", err))
	}
	driverName = driver
}

// FallbackTextConfig is used when the requested text search configuration
// does not exist on the server.
const FallbackTextConfig = "simple"

// pqUndefinedObject is the SQLSTATE for an unknown text search configuration.
const pqUndefinedObject = "42704"

var textConfigPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Options configures a Store.
type Options struct {
	// Dimension is the embedding length declared on the vector column.
	Dimension int
	// TextConfig is the Postgres text search configuration, e.g. "english".
	TextConfig string
	// Analyzer decides whether a query has any searchable terms.
	Analyzer lexical.Analyzer
	Logger   *slog.Logger
}

// Store is a RecordStore and job queue over a PostgreSQL database.
type Store struct {
	db         *sql.DB
	dim        int
	textConfig string
	analyzer   lexical.Analyzer
	logger     *slog.Logger
}

// Open connects to dsn, records connection pool stats and ensures the schema.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := otelsql.RecordStats(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("recording postgres stats: %w", err)
	}

	s, err := New(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database without touching the schema.
func New(db *sql.DB, opts Options) (*Store, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", opts.Dimension)
	}
	if opts.TextConfig == "" {
		opts.TextConfig = "english"
	}
	if !textConfigPattern.MatchString(opts.TextConfig) {
		return nil, fmt.Errorf("invalid text search configuration name %q", opts.TextConfig)
	}
	if opts.Analyzer == nil {
		opts.Analyzer, _ = lexical.New(lexical.Simple)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		db:         db,
		dim:        opts.Dimension,
		textConfig: opts.TextConfig,
		analyzer:   opts.Analyzer,
		logger:     opts.Logger,
	}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// TextConfig returns the text search configuration in use.
func (s *Store) TextConfig() string { return s.textConfig }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the extension, tables and indexes. It falls back to
// the simple text configuration when the configured one is missing and
// refuses to run against a vector column of a different dimension.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("creating vector extension: %w", err)
	}
	if err := s.resolveTextConfig(ctx); err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS records (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			content       TEXT NOT NULL,
			category      TEXT NOT NULL DEFAULT 'fact',
			metadata      JSONB NOT NULL DEFAULT '{}',
			content_hash  TEXT NOT NULL,
			embedding     vector(%d),
			embedded_hash TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS records_owner_created_idx ON records (owner_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS records_owner_category_idx ON records (owner_id, category)`,
		`CREATE INDEX IF NOT EXISTS records_embedding_idx ON records
			USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS records_content_%s_idx ON records
			USING gin (to_tsvector('%s', content))`, s.textConfig, s.textConfig),
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			dedupe_key   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			run_after    TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_error   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_run_after_idx ON jobs (status, run_after)`,
		`CREATE INDEX IF NOT EXISTS jobs_dedupe_key_idx ON jobs (dedupe_key) WHERE dedupe_key <> ''`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return s.checkDimension(ctx)
}

func (s *Store) resolveTextConfig(ctx context.Context) error {
	var sample string
	err := s.db.QueryRowContext(ctx, `SELECT to_tsvector($1::regconfig, 'sample')::text`, s.textConfig).Scan(&sample)
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUndefinedObject && s.textConfig != FallbackTextConfig {
		s.logger.Warn("text search configuration not available, falling back",
			"requested", s.textConfig, "fallback", FallbackTextConfig)
		s.textConfig = FallbackTextConfig
		return nil
	}
	return fmt.Errorf("checking text search configuration %q: %w", s.textConfig, err)
}

// checkDimension compares the declared vector column length with the
// configured dimension.
func (s *Store) checkDimension(ctx context.Context) error {
	var declared int
	err := s.db.QueryRowContext(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'records'::regclass AND attname = 'embedding'`).Scan(&declared)
	if err != nil {
		return fmt.Errorf("reading embedding column: %w", err)
	}
	if declared > 0 && declared != s.dim {
		return fmt.Errorf("records.embedding has dimension %d but %d is configured; re-create the table or change embedding.dimension", declared, s.dim)
	}
	return nil
}
