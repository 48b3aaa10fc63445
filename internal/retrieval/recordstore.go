package retrieval

import (
	"context"
	"time"
)

// RecordStore persists records and generates ranked candidates for fusion.
// Every read and write is scoped to an owner; implementations must never
// return or mutate rows of another owner.
//
// Two backends exist: SQLiteStore (embedded, brute-force vector scan plus
// FTS5) and pgstore.Store (pgvector plus tsvector).
type RecordStore interface {
	// Insert validates and persists a record, returning its id.
	Insert(ctx context.Context, r Record) (string, error)

	// Get returns a record or ErrNotFound.
	Get(ctx context.Context, ownerID, id string) (Record, error)

	// Update rewrites content, category and metadata. When the content
	// changed, the stored embedding is cleared and contentChanged is true.
	Update(ctx context.Context, r Record) (contentChanged bool, err error)

	// Delete removes a record. It reports false, not an error, when absent.
	Delete(ctx context.Context, ownerID, id string) (bool, error)

	// VectorSearch returns up to limit embedded records ordered by ascending
	// cosine distance. An empty query yields no hits.
	VectorSearch(ctx context.Context, ownerID string, query []float32, limit int) ([]VectorHit, error)

	// LexicalSearch returns up to limit records matching every query term,
	// ordered by descending rank in [0,1]. A blank query yields no hits.
	LexicalSearch(ctx context.Context, ownerID, query string, limit int) ([]LexicalHit, error)

	// UpdateEmbedding stores vec for the record if its content hash still
	// equals contentHash. It reports whether a row was written.
	UpdateEmbedding(ctx context.Context, id string, vec []float32, contentHash string) (bool, error)

	// List returns records newest first.
	List(ctx context.Context, f ListFilter) ([]Record, error)

	// Count returns the number of records matching f, ignoring Limit and Offset.
	Count(ctx context.Context, f ListFilter) (int, error)

	// Stats aggregates an owner's records.
	Stats(ctx context.Context, ownerID string) (Stats, error)

	// PendingEmbeddings returns records without a current embedding, oldest
	// first. An empty ownerID spans all owners.
	PendingEmbeddings(ctx context.Context, ownerID string, limit int) ([]Record, error)
}

// VectorHit is a vector-search candidate. Distance is cosine distance
// clamped to [0,1].
type VectorHit struct {
	Record   Record
	Distance float64
}

// Similarity returns 1 - Distance.
func (h VectorHit) Similarity() float64 {
	return 1 - clamp01(h.Distance)
}

// LexicalHit is a lexical-search candidate with Rank normalized into [0,1].
type LexicalHit struct {
	Record Record
	Rank   float64
}

// ListFilter selects records for List and Count.
type ListFilter struct {
	OwnerID  string
	Category string
	Limit    int
	Offset   int
}

// Stats is a read-only aggregate of an owner's records.
type Stats struct {
	Total      int
	ByCategory map[string]int
	// LastUpdated is the most recent created_at, nil when the owner has no records.
	LastUpdated *time.Time
	Embedded    int
	Pending     int
}

// CandidateLimit sizes the candidate sets requested from the store for a
// final result size of limit: limit*multiplier capped at ceiling, never below limit.
func CandidateLimit(limit, multiplier, ceiling int) int {
	if limit <= 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	n := limit * multiplier
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	if n < limit {
		n = limit
	}
	return n
}

// NormalizeRanks rescales raw relevance scores in place by dividing by the
// largest one, so the best match of a candidate set ranks 1 and order is kept.
// FTS5 bm25 shrinks every score towards zero when a term occurs in most of a
// small index; dividing by the maximum keeps those matches distinguishable.
// A set whose scores are all non-positive ranks every match 1.
func NormalizeRanks(hits []LexicalHit) {
	best := 0.0
	for _, h := range hits {
		if h.Rank > best {
			best = h.Rank
		}
	}
	for i := range hits {
		if best <= 0 {
			hits[i].Rank = 1
			continue
		}
		hits[i].Rank = clamp01(hits[i].Rank / best)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
