package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/recall/internal/retrieval"
	"github.com/pgvector/pgvector-go"
)

var _ retrieval.RecordStore = (*Store)(nil)

const recordColumns = `id, owner_id, content, category, metadata, content_hash, embedding::text, embedded_hash, created_at, updated_at`

func (s *Store) checkVector(vec []float32) error {
	if len(vec) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", retrieval.ErrDimension, len(vec), s.dim)
	}
	return nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Insert validates and stores r.
func (s *Store) Insert(ctx context.Context, r retrieval.Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return "", err
	}
	hash := retrieval.ContentHash(r.Content)

	var vec any // nil stores NULL
	var embeddedHash string
	if len(r.Embedding) > 0 {
		if err := s.checkVector(r.Embedding); err != nil {
			return "", err
		}
		vec = pgvector.NewVector(r.Embedding)
		embeddedHash = hash
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, content, category, metadata, content_hash, embedding, embedded_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.OwnerID, r.Content, r.Category, meta, hash, vec, embeddedHash, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("inserting record %s: %w", r.ID, err)
	}
	return r.ID, nil
}

// Get returns the owner's record with the given id.
func (s *Store) Get(ctx context.Context, ownerID, id string) (retrieval.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE owner_id = $1 AND id = $2`, ownerID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return retrieval.Record{}, retrieval.ErrNotFound
	}
	if err != nil {
		return retrieval.Record{}, fmt.Errorf("loading record %s: %w", id, err)
	}
	return rec, nil
}

// Update rewrites content, category and metadata, clearing the embedding
// when the content changed.
func (s *Store) Update(ctx context.Context, r retrieval.Record) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning update: %w", err)
	}
	defer tx.Rollback()

	var oldHash string
	err = tx.QueryRowContext(ctx, `SELECT content_hash FROM records WHERE owner_id = $1 AND id = $2 FOR UPDATE`,
		r.OwnerID, r.ID).Scan(&oldHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, retrieval.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("locking record %s: %w", r.ID, err)
	}

	hash := retrieval.ContentHash(r.Content)
	changed := hash != oldHash
	if changed {
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET content = $1, category = $2, metadata = $3, content_hash = $4,
				embedding = NULL, embedded_hash = '', updated_at = now()
			WHERE id = $5`, r.Content, r.Category, meta, hash, r.ID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET category = $1, metadata = $2, updated_at = now() WHERE id = $3`,
			r.Category, meta, r.ID)
	}
	if err != nil {
		return false, fmt.Errorf("updating record %s: %w", r.ID, err)
	}
	return changed, tx.Commit()
}

// Delete removes the owner's record, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return false, fmt.Errorf("deleting record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// VectorSearch orders the owner's embedded records by cosine distance. The
// query orders by the bare distance expression so the HNSW index can serve it;
// ties are broken afterwards by sortVectorHits.
func (s *Store) VectorSearch(ctx context.Context, ownerID string, query []float32, limit int) ([]retrieval.VectorHit, error) {
	if len(query) == 0 || limit <= 0 {
		return nil, nil
	}
	if err := s.checkVector(query); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`, embedding <=> $2 AS distance
		FROM records
		WHERE owner_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`,
		ownerID, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("querying vector index: %w", err)
	}
	defer rows.Close()

	var hits []retrieval.VectorHit
	for rows.Next() {
		var distance sql.NullFloat64
		rec, err := scanRecord(rows, &distance)
		if err != nil {
			return nil, fmt.Errorf("scanning vector hit: %w", err)
		}
		// A zero-norm vector yields NaN distance, which is treated as unrelated.
		d := 1.0
		if distance.Valid && !math.IsNaN(distance.Float64) {
			d = clamp01(distance.Float64)
		}
		hits = append(hits, retrieval.VectorHit{Record: rec, Distance: d})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortVectorHits(hits)
	return hits, nil
}

// sortVectorHits orders hits by distance, then newest first, then id.
func sortVectorHits(hits []retrieval.VectorHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
}

// LexicalSearch matches all query terms with plainto_tsquery and ranks by
// ts_rank_cd, rescaled with retrieval.NormalizeRanks.
func (s *Store) LexicalSearch(ctx context.Context, ownerID, query string, limit int) ([]retrieval.LexicalHit, error) {
	if limit <= 0 || len(s.analyzer.Terms(query)) == 0 {
		return nil, nil
	}
	cfg := s.textConfig
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`, ts_rank_cd(to_tsvector('`+cfg+`', content), q) AS score
		FROM records, plainto_tsquery('`+cfg+`', $2) AS q
		WHERE owner_id = $1 AND to_tsvector('`+cfg+`', content) @@ q
		ORDER BY score DESC, created_at DESC, id ASC
		LIMIT $3`,
		ownerID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying text index: %w", err)
	}
	defer rows.Close()

	var hits []retrieval.LexicalHit
	for rows.Next() {
		var score float64
		rec, err := scanRecord(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("scanning lexical hit: %w", err)
		}
		hits = append(hits, retrieval.LexicalHit{Record: rec, Rank: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	retrieval.NormalizeRanks(hits)
	return hits, nil
}

// UpdateEmbedding stores vec when the record content still hashes to
// contentHash. No other column changes, updated_at included.
func (s *Store) UpdateEmbedding(ctx context.Context, id string, vec []float32, contentHash string) (bool, error) {
	if len(vec) == 0 {
		return false, &retrieval.ValidationError{Field: "embedding", Reason: "must not be empty"}
	}
	if err := s.checkVector(vec); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET embedding = $1, embedded_hash = $2
		WHERE id = $3 AND content_hash = $2`,
		pgvector.NewVector(vec), contentHash, id)
	if err != nil {
		return false, fmt.Errorf("updating embedding for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func listWhere(f retrieval.ListFilter) (string, []any) {
	if f.Category != "" {
		return `WHERE owner_id = $1 AND category = $2`, []any{f.OwnerID, f.Category}
	}
	return `WHERE owner_id = $1`, []any{f.OwnerID}
}

// List returns the owner's records newest first.
func (s *Store) List(ctx context.Context, f retrieval.ListFilter) ([]retrieval.Record, error) {
	where, args := listWhere(f)
	var limit any // NULL means no limit
	if f.Limit > 0 {
		limit = f.Limit
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM records %s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`,
		recordColumns, where, n+1, n+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, max(f.Offset, 0))...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var out []retrieval.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records matching f.
func (s *Store) Count(ctx context.Context, f retrieval.ListFilter) (int, error) {
	where, args := listWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// Stats aggregates the owner's records per category.
func (s *Store) Stats(ctx context.Context, ownerID string) (retrieval.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*), COUNT(embedding), MAX(created_at)
		FROM records WHERE owner_id = $1
		GROUP BY category`, ownerID)
	if err != nil {
		return retrieval.Stats{}, fmt.Errorf("aggregating records: %w", err)
	}
	defer rows.Close()

	st := retrieval.Stats{ByCategory: map[string]int{}}
	var latest time.Time
	for rows.Next() {
		var category string
		var count, embedded int
		var newest time.Time
		if err := rows.Scan(&category, &count, &embedded, &newest); err != nil {
			return retrieval.Stats{}, fmt.Errorf("scanning stats: %w", err)
		}
		st.ByCategory[category] = count
		st.Total += count
		st.Embedded += embedded
		if newest.After(latest) {
			latest = newest
		}
	}
	if err := rows.Err(); err != nil {
		return retrieval.Stats{}, err
	}
	st.Pending = st.Total - st.Embedded
	if !latest.IsZero() {
		t := latest.UTC()
		st.LastUpdated = &t
	}
	return st, nil
}

// PendingEmbeddings returns records without an embedding, oldest first.
func (s *Store) PendingEmbeddings(ctx context.Context, ownerID string, limit int) ([]retrieval.Record, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE embedding IS NULL AND ($1 = '' OR owner_id = $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, ownerID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("listing pending embeddings: %w", err)
	}
	defer rows.Close()

	var out []retrieval.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, extra ...any) (retrieval.Record, error) {
	var r retrieval.Record
	var meta []byte
	var vec sql.NullString
	dest := []any{&r.ID, &r.OwnerID, &r.Content, &r.Category, &meta, &r.ContentHash, &vec, &r.EmbeddedHash, &r.CreatedAt, &r.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return retrieval.Record{}, err
	}

	r.Metadata = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return retrieval.Record{}, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
		}
	}
	if vec.Valid {
		var v pgvector.Vector
		if err := v.Scan(vec.String); err != nil {
			return retrieval.Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		r.Embedding = v.Slice()
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
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
