package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/recall/internal/lexical"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const meterName = "github.com/kalambet/recall/internal/retrieval"

// Scheduler queues asynchronous embedding work for a record.
type Scheduler interface {
	Schedule(ctx context.Context, ownerID, recordID string, force bool) error
}

// Options tunes a Service. Zero values fall back to DefaultOptions.
type Options struct {
	Categories          Categories
	DefaultLimit        int
	MaxLimit            int
	Weights             Weights
	CandidateMultiplier int
	CandidateCap        int
	// MinSimilarity drops vector candidates below this similarity. 0 disables it.
	MinSimilarity float64
	// QueryTimeout bounds the query-time embedding call.
	QueryTimeout time.Duration
	// Debug attaches a SearchDebug payload to every search result.
	Debug bool
	// Analyzer is used to report query terms in debug payloads.
	Analyzer lexical.Analyzer
	Logger   *slog.Logger
	Meter    metric.Meter
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		Categories:          DefaultCategories(),
		DefaultLimit:        5,
		MaxLimit:            100,
		Weights:             DefaultWeights,
		CandidateMultiplier: 4,
		CandidateCap:        100,
		QueryTimeout:        30 * time.Second,
	}
}

// Service is the entry point for adding, searching and deleting records.
type Service struct {
	store     RecordStore
	embedder  Embedder
	scheduler Scheduler
	opts      Options
	logger    *slog.Logger

	degraded metric.Int64Counter
	searches metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewService wires a Service. scheduler may be nil, in which case records
// are only embedded by an explicit Backfill through another process.
func NewService(store RecordStore, embedder Embedder, scheduler Scheduler, opts Options) (*Service, error) {
	def := DefaultOptions()
	if len(opts.Categories.allowed) == 0 {
		opts.Categories = def.Categories
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = def.DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = def.MaxLimit
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = def.Weights
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = def.CandidateMultiplier
	}
	if opts.CandidateCap <= 0 {
		opts.CandidateCap = def.CandidateCap
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = def.QueryTimeout
	}
	if opts.Analyzer == nil {
		opts.Analyzer, _ = lexical.New(lexical.Simple)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(meterName)
	}

	s := &Service{
		store:     store,
		embedder:  embedder,
		scheduler: scheduler,
		opts:      opts,
		logger:    opts.Logger,
	}

	var err error
	if s.degraded, err = opts.Meter.Int64Counter("recall.search.degraded",
		metric.WithDescription("Searches that returned partial or empty results because a dependency failed.")); err != nil {
		return nil, fmt.Errorf("creating degraded counter: %w", err)
	}
	if s.searches, err = opts.Meter.Int64Counter("recall.search.requests",
		metric.WithDescription("Searches served.")); err != nil {
		return nil, fmt.Errorf("creating search counter: %w", err)
	}
	if s.latency, err = opts.Meter.Float64Histogram("recall.search.duration",
		metric.WithUnit("ms"), metric.WithDescription("Search latency.")); err != nil {
		return nil, fmt.Errorf("creating latency histogram: %w", err)
	}
	return s, nil
}

// Categories returns the category set the service validates against.
func (s *Service) Categories() Categories {
	return s.opts.Categories
}

// AddInput describes a new record.
type AddInput struct {
	OwnerID  string
	Content  string
	Category string
	Metadata map[string]any
}

// Add stores a record and schedules its embedding. The record is lexically
// searchable as soon as Add returns.
func (s *Service) Add(ctx context.Context, in AddInput) (Record, error) {
	category, err := s.opts.Categories.Resolve(in.Category)
	if err != nil {
		return Record{}, err
	}
	// Stored timestamps carry microseconds.
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := Record{
		OwnerID:   strings.TrimSpace(in.OwnerID),
		Content:   strings.TrimSpace(in.Content),
		Category:  category,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	if rec.ID, err = s.store.Insert(ctx, rec); err != nil {
		return Record{}, err
	}
	rec.ContentHash = ContentHash(rec.Content)

	s.schedule(ctx, rec.OwnerID, rec.ID, false)
	return rec, nil
}

// schedule queues embedding work. Failures leave the record without an
// embedding until the next Backfill.
func (s *Service) schedule(ctx context.Context, ownerID, id string, force bool) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Schedule(ctx, ownerID, id, force); err != nil {
		s.logger.Warn("scheduling embedding failed", "owner_id", ownerID, "record_id", id, "error", err)
	}
}

// UpdateInput changes an existing record. Nil fields are left as they are.
type UpdateInput struct {
	OwnerID  string
	ID       string
	Content  *string
	Category *string
	Metadata map[string]any
}

// Update applies in and re-embeds the record when its content changed.
func (s *Service) Update(ctx context.Context, in UpdateInput) (Record, error) {
	rec, err := s.store.Get(ctx, in.OwnerID, in.ID)
	if err != nil {
		return Record{}, err
	}
	if in.Content != nil {
		rec.Content = strings.TrimSpace(*in.Content)
	}
	if in.Category != nil {
		if rec.Category, err = s.opts.Categories.Resolve(*in.Category); err != nil {
			return Record{}, err
		}
	}
	if in.Metadata != nil {
		rec.Metadata = in.Metadata
	}

	changed, err := s.store.Update(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	if changed {
		s.schedule(ctx, rec.OwnerID, rec.ID, false)
	}
	return s.store.Get(ctx, in.OwnerID, in.ID)
}

// Get returns one of the owner's records.
func (s *Service) Get(ctx context.Context, ownerID, id string) (Record, error) {
	return s.store.Get(ctx, ownerID, id)
}

// Delete removes a record, reporting false when it did not exist.
func (s *Service) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	return s.store.Delete(ctx, ownerID, id)
}

// List returns a page of the owner's records, newest first, and the total
// number matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Record, int, error) {
	if f.Category != "" {
		category, err := s.opts.Categories.Resolve(f.Category)
		if err != nil {
			return nil, 0, err
		}
		f.Category = category
	}
	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.Limit > s.opts.MaxLimit {
		f.Limit = s.opts.MaxLimit
	}
	records, err := s.store.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Stats aggregates the owner's records.
func (s *Service) Stats(ctx context.Context, ownerID string) (Stats, error) {
	return s.store.Stats(ctx, ownerID)
}

// Reembed forces a fresh embedding for a record.
func (s *Service) Reembed(ctx context.Context, ownerID, id string) error {
	if _, err := s.store.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if s.scheduler == nil {
		return errors.New("embedding pipeline is not configured")
	}
	return s.scheduler.Schedule(ctx, ownerID, id, true)
}

// Backfill schedules embeddings for up to limit records that have none.
// An empty ownerID spans all owners.
func (s *Service) Backfill(ctx context.Context, ownerID string, limit int) (int, error) {
	if s.scheduler == nil {
		return 0, nil
	}
	pending, err := s.store.PendingEmbeddings(ctx, ownerID, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range pending {
		if err := s.scheduler.Schedule(ctx, rec.OwnerID, rec.ID, false); err != nil {
			return n, fmt.Errorf("scheduling %s: %w", rec.ID, err)
		}
		n++
	}
	return n, nil
}

// SearchQuery describes a hybrid search. Nil weights use the configured defaults.
type SearchQuery struct {
	OwnerID      string
	Text         string
	Limit        int
	VectorWeight *float64
	TextWeight   *float64
}

// SearchResult is the outcome of Search. Degraded is set when a dependency
// failed and the results are partial or empty.
type SearchResult struct {
	Query          string
	OwnerID        string
	Results        []ScoredRecord
	Degraded       bool
	DegradedReason string
	Debug          *SearchDebug
}

// SearchDebug explains how a result was produced.
type SearchDebug struct {
	QueryTerms        []string `json:"query_terms"`
	CandidateLimit    int      `json:"candidate_limit"`
	VectorCandidates  int      `json:"vector_candidates"`
	LexicalCandidates int      `json:"lexical_candidates"`
	Weights           Weights  `json:"weights"`
	EmbedMillis       int64    `json:"embed_ms"`
	VectorMillis      int64    `json:"vector_ms"`
	LexicalMillis     int64    `json:"lexical_ms"`
}

// Degradation reasons.
const (
	ReasonEmbeddingFailed = "embedding_failed"
	ReasonVectorFailed    = "vector_search_failed"
	ReasonLexicalFailed   = "lexical_search_failed"
	ReasonStoreFailed     = "store_failed"
)

// Search embeds the query, fetches vector and lexical candidates
// concurrently and fuses them. Only validation problems are returned as
// errors; dependency failures produce a degraded result.
func (s *Service) Search(ctx context.Context, q SearchQuery) (SearchResult, error) {
	start := time.Now()
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return SearchResult{}, &ValidationError{Field: "query", Reason: "must not be blank"}
	}
	if strings.TrimSpace(q.OwnerID) == "" {
		return SearchResult{}, &ValidationError{Field: "owner_id", Reason: "must not be blank"}
	}
	w := s.opts.Weights
	if q.VectorWeight != nil {
		w.Vector = *q.VectorWeight
	}
	if q.TextWeight != nil {
		w.Text = *q.TextWeight
	}
	if w.Vector < 0 || w.Text < 0 {
		return SearchResult{}, &ValidationError{Field: "weights", Reason: "must not be negative"}
	}
	if w.Vector == 0 && w.Text == 0 {
		return SearchResult{}, &ValidationError{Field: "weights", Reason: "vector and text weight must not both be zero"}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	if limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}

	res := SearchResult{Query: text, OwnerID: q.OwnerID, Results: []ScoredRecord{}}
	candidates := CandidateLimit(limit, s.opts.CandidateMultiplier, s.opts.CandidateCap)
	var dbg SearchDebug
	dbg.CandidateLimit = candidates
	dbg.Weights = w
	dbg.QueryTerms = s.opts.Analyzer.Terms(text)

	defer func() {
		s.searches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("degraded", res.Degraded)))
		s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}()

	// A zero weight makes that path irrelevant to the ranking, so it is skipped.
	var queryVec []float32
	if w.Vector > 0 {
		embedStart := time.Now()
		vec, err := embedWithTimeout(ctx, s.embedder, text, s.opts.QueryTimeout)
		dbg.EmbedMillis = time.Since(embedStart).Milliseconds()
		if err != nil {
			s.degrade(ctx, &res, ReasonEmbeddingFailed, err)
			s.attachDebug(&res, dbg)
			return res, nil
		}
		queryVec = vec
	}

	var (
		vectorHits  []VectorHit
		lexicalHits []LexicalHit
		vectorErr   error
		lexicalErr  error
	)
	// Plain Group: one path failing must not cancel the other.
	var g errgroup.Group
	if queryVec != nil {
		g.Go(func() error {
			t := time.Now()
			vectorHits, vectorErr = s.store.VectorSearch(ctx, q.OwnerID, queryVec, candidates)
			dbg.VectorMillis = time.Since(t).Milliseconds()
			return nil
		})
	}
	if w.Text > 0 {
		g.Go(func() error {
			t := time.Now()
			lexicalHits, lexicalErr = s.store.LexicalSearch(ctx, q.OwnerID, text, candidates)
			dbg.LexicalMillis = time.Since(t).Milliseconds()
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case vectorErr != nil && lexicalErr != nil:
		s.degrade(ctx, &res, ReasonStoreFailed, errors.Join(vectorErr, lexicalErr))
		s.attachDebug(&res, dbg)
		return res, nil
	case vectorErr != nil:
		s.degrade(ctx, &res, ReasonVectorFailed, vectorErr)
	case lexicalErr != nil:
		s.degrade(ctx, &res, ReasonLexicalFailed, lexicalErr)
	}

	if s.opts.MinSimilarity > 0 {
		kept := vectorHits[:0]
		for _, h := range vectorHits {
			if h.Similarity() >= s.opts.MinSimilarity {
				kept = append(kept, h)
			}
		}
		vectorHits = kept
	}

	dbg.VectorCandidates = len(vectorHits)
	dbg.LexicalCandidates = len(lexicalHits)
	res.Results = Fuse(vectorHits, lexicalHits, w, limit)
	s.attachDebug(&res, dbg)
	return res, nil
}

func (s *Service) degrade(ctx context.Context, res *SearchResult, reason string, err error) {
	res.Degraded = true
	res.DegradedReason = reason
	s.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	s.logger.Warn("search degraded", "owner_id", res.OwnerID, "reason", reason, "error", err)
}

func (s *Service) attachDebug(res *SearchResult, dbg SearchDebug) {
	if s.opts.Debug {
		res.Debug = &dbg
	}
}
