package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/recall/internal/lexical"
)

var _ RecordStore = (*SQLiteStore)(nil)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// ftsTokenizers are tried in order when the lexical index is created.
var ftsTokenizers = []string{
	"porter unicode61 remove_diacritics 2",
	"unicode61",
}

const recordColumns = `r.id, r.owner_id, r.content, r.category, r.metadata, r.content_hash, r.embedding, r.embedded_hash, r.created_at, r.updated_at`

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	// Dimension, when positive, is enforced on every stored embedding.
	Dimension int
	// Analyzer selects query terms for lexical search. Defaults to the simple analyzer.
	Analyzer lexical.Analyzer
	Logger   *slog.Logger
}

// SQLiteStore is a RecordStore backed by the records table of the SQLite
// database. Vector search is a brute-force cosine scan over the owner's
// embeddings; lexical search uses an FTS5 external-content index kept in
// sync by triggers.
type SQLiteStore struct {
	db        *sql.DB
	dim       int
	analyzer  lexical.Analyzer
	logger    *slog.Logger
	tokenizer string // empty when FTS5 is unavailable
}

// NewSQLiteStore wraps a migrated database (see storage.Open) and ensures the
// lexical index exists. If the primary tokenizer cannot be created the
// fallback tokenizer is used; if FTS5 is unavailable entirely, lexical search
// returns no hits and records are still stored.
func NewSQLiteStore(ctx context.Context, db *sql.DB, opts SQLiteOptions) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:       db,
		dim:      opts.Dimension,
		analyzer: opts.Analyzer,
		logger:   opts.Logger,
	}
	if s.analyzer == nil {
		s.analyzer, _ = lexical.New(lexical.Simple)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if err := s.ensureLexicalIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Tokenizer returns the FTS5 tokenizer in use, or "" when lexical search is disabled.
func (s *SQLiteStore) Tokenizer() string {
	return s.tokenizer
}

func (s *SQLiteStore) ensureLexicalIndex(ctx context.Context) error {
	var ddl string
	err := s.db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'records_fts'`).Scan(&ddl)
	switch {
	case err == nil:
		s.tokenizer = ftsTokenizers[len(ftsTokenizers)-1]
		for _, tok := range ftsTokenizers {
			if strings.Contains(ddl, tok) {
				s.tokenizer = tok
				break
			}
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("inspecting lexical index: %w", err)
	}

	for _, tok := range ftsTokenizers {
		if err := s.createLexicalIndex(ctx, tok); err != nil {
			s.logger.Warn("lexical tokenizer unavailable, trying fallback", "tokenizer", tok, "error", err)
			continue
		}
		s.tokenizer = tok
		return nil
	}
	s.logger.Warn("FTS5 unavailable, lexical search disabled")
	return nil
}

func (s *SQLiteStore) createLexicalIndex(ctx context.Context, tokenizer string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE records_fts USING fts5(
			content,
			content='records',
			content_rowid='seq',
			tokenize='%s'
		)`, tokenizer),
		`CREATE TRIGGER records_fts_ai AFTER INSERT ON records BEGIN
			INSERT INTO records_fts(rowid, content) VALUES (new.seq, new.content);
		END`,
		`CREATE TRIGGER records_fts_ad AFTER DELETE ON records BEGIN
			INSERT INTO records_fts(records_fts, rowid, content) VALUES ('delete', old.seq, old.content);
		END`,
		// Only a content change touches the index.
		`CREATE TRIGGER records_fts_au AFTER UPDATE OF content ON records
		WHEN old.content IS NOT new.content BEGIN
			INSERT INTO records_fts(records_fts, rowid, content) VALUES ('delete', old.seq, old.content);
			INSERT INTO records_fts(rowid, content) VALUES (new.seq, new.content);
		END`,
		`INSERT INTO records_fts(records_fts) VALUES ('rebuild')`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Insert validates and stores r. A zero ID gets a fresh UUID and a zero
// CreatedAt becomes now.
func (s *SQLiteStore) Insert(ctx context.Context, r Record) (string, error) {
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
	meta, _ := encodeMetadata(r.Metadata)
	hash := ContentHash(r.Content)

	var blob any // nil stores NULL
	var embeddedHash string
	if len(r.Embedding) > 0 {
		if err := s.checkDimension(r.Embedding); err != nil {
			return "", err
		}
		blob = encodeFloat32s(r.Embedding)
		embeddedHash = hash
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, content, category, metadata, content_hash, embedding, embedded_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.Content, r.Category, meta, hash, blob, embeddedHash,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("inserting record %s: %w", r.ID, err)
	}
	return r.ID, nil
}

// Get returns the owner's record with the given id.
func (s *SQLiteStore) Get(ctx context.Context, ownerID, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records r WHERE r.owner_id = ? AND r.id = ?`, ownerID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading record %s: %w", id, err)
	}
	return rec, nil
}

// Update rewrites content, category and metadata of an existing record.
func (s *SQLiteStore) Update(ctx context.Context, r Record) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	meta, _ := encodeMetadata(r.Metadata)
	hash := ContentHash(r.Content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT content_hash FROM records WHERE owner_id = ? AND id = ?`, r.OwnerID, r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("loading record %s: %w", r.ID, err)
	}

	now := formatTime(time.Now().UTC())
	changed := current != hash
	if changed {
		_, err = tx.ExecContext(ctx, `
			UPDATE records
			SET content = ?, category = ?, metadata = ?, content_hash = ?, embedding = NULL, embedded_hash = '', updated_at = ?
			WHERE owner_id = ? AND id = ?`,
			r.Content, r.Category, meta, hash, now, r.OwnerID, r.ID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET category = ?, metadata = ?, updated_at = ?
			WHERE owner_id = ? AND id = ?`,
			r.Category, meta, now, r.OwnerID, r.ID)
	}
	if err != nil {
		return false, fmt.Errorf("updating record %s: %w", r.ID, err)
	}
	return changed, tx.Commit()
}

// Delete removes the owner's record. A missing record is reported as false.
func (s *SQLiteStore) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return false, fmt.Errorf("deleting record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// candidate holds the scan-phase state of VectorSearch. Full records are
// fetched only for the winners.
type candidate struct {
	id        string
	distance  float64
	createdAt string
}

// better orders candidates by distance, then newest first, then id.
func (c candidate) better(o candidate) bool {
	if c.distance != o.distance {
		return c.distance < o.distance
	}
	if c.createdAt != o.createdAt {
		return c.createdAt > o.createdAt
	}
	return c.id < o.id
}

// candidateHeap keeps the worst retained candidate at the root.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// VectorSearch scans the owner's embeddings and returns the limit closest records.
func (s *SQLiteStore) VectorSearch(ctx context.Context, ownerID string, query []float32, limit int) ([]VectorHit, error) {
	if len(query) == 0 || limit <= 0 {
		return nil, nil
	}
	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, created_at FROM records
		WHERE owner_id = ? AND embedding IS NOT NULL`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	var buf []float32
	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.id, &blob, &c.createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.id, err)
		}
		dist, ok := cosineDistance(query, buf, queryNorm)
		if !ok {
			continue
		}
		c.distance = dist
		if h.Len() < limit {
			heap.Push(h, c)
		} else if c.better((*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	winners := make([]candidate, h.Len())
	for i := len(winners) - 1; i >= 0; i-- {
		winners[i] = heap.Pop(h).(candidate)
	}
	ids := make([]string, len(winners))
	for i, c := range winners {
		ids[i] = c.id
	}
	records, err := s.byIDs(ctx, ownerID, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]VectorHit, 0, len(winners))
	for _, c := range winners {
		rec, ok := records[c.id]
		if !ok {
			// Deleted between the scan and the fetch.
			continue
		}
		hits = append(hits, VectorHit{Record: rec, Distance: c.distance})
	}
	return hits, nil
}

func (s *SQLiteStore) byIDs(ctx context.Context, ownerID string, ids []string) (map[string]Record, error) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT ` + recordColumns + ` FROM records r
		WHERE r.owner_id = ? AND r.id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching records by id: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

// LexicalSearch matches every analyzed query term against the FTS5 index.
// FTS5 reports bm25 as a negative number where lower is better, so the raw
// rank is its negation, normalized with NormalizeRanks.
func (s *SQLiteStore) LexicalSearch(ctx context.Context, ownerID, query string, limit int) ([]LexicalHit, error) {
	if s.tokenizer == "" || limit <= 0 {
		return nil, nil
	}
	terms := s.analyzer.Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`, -bm25(records_fts) AS score
		FROM records_fts
		JOIN records r ON r.seq = records_fts.rowid
		WHERE records_fts MATCH ? AND r.owner_id = ?
		ORDER BY score DESC, r.created_at DESC, r.id ASC
		LIMIT ?`,
		ftsQuery(terms), ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying lexical index: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var score float64
		rec, err := scanRecord(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("scanning lexical hit: %w", err)
		}
		hits = append(hits, LexicalHit{Record: rec, Rank: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	NormalizeRanks(hits)
	return hits, nil
}

// ftsQuery quotes each term so FTS5 treats it as a plain token; adjacent
// quoted strings are combined with AND.
func ftsQuery(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

// UpdateEmbedding stores vec when the record's content still hashes to
// contentHash. No other column changes, updated_at included.
func (s *SQLiteStore) UpdateEmbedding(ctx context.Context, id string, vec []float32, contentHash string) (bool, error) {
	if len(vec) == 0 {
		return false, &ValidationError{Field: "embedding", Reason: "must not be empty"}
	}
	if err := s.checkDimension(vec); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET embedding = ?, embedded_hash = ?
		WHERE id = ? AND content_hash = ?`,
		encodeFloat32s(vec), contentHash, id, contentHash)
	if err != nil {
		return false, fmt.Errorf("updating embedding for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) checkDimension(vec []float32) error {
	if s.dim > 0 && len(vec) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), s.dim)
	}
	return nil
}

func listWhere(f ListFilter) (string, []any) {
	where := `WHERE r.owner_id = ?`
	args := []any{f.OwnerID}
	if f.Category != "" {
		where += ` AND r.category = ?`
		args = append(args, f.Category)
	}
	return where, args
}

// List returns the owner's records newest first.
func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]Record, error) {
	where, args := listWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records r `+where+`
		ORDER BY r.created_at DESC, r.id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var out []Record
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
func (s *SQLiteStore) Count(ctx context.Context, f ListFilter) (int, error) {
	where, args := listWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records r `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// Stats aggregates the owner's records per category.
func (s *SQLiteStore) Stats(ctx context.Context, ownerID string) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*), SUM(embedding IS NOT NULL), MAX(created_at)
		FROM records WHERE owner_id = ?
		GROUP BY category`, ownerID)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregating records: %w", err)
	}
	defer rows.Close()

	st := Stats{ByCategory: map[string]int{}}
	var latest string
	for rows.Next() {
		var category, newest string
		var count, embedded int
		if err := rows.Scan(&category, &count, &embedded, &newest); err != nil {
			return Stats{}, fmt.Errorf("scanning stats: %w", err)
		}
		st.ByCategory[category] = count
		st.Total += count
		st.Embedded += embedded
		if newest > latest {
			latest = newest
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	st.Pending = st.Total - st.Embedded
	if latest != "" {
		t, err := parseTime(latest)
		if err != nil {
			return Stats{}, err
		}
		st.LastUpdated = &t
	}
	return st, nil
}

// PendingEmbeddings returns records that have no embedding, oldest first.
func (s *SQLiteStore) PendingEmbeddings(ctx context.Context, ownerID string, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records r WHERE r.embedding IS NULL`
	var args []any
	if ownerID != "" {
		query += ` AND r.owner_id = ?`
		args = append(args, ownerID)
	}
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY r.created_at ASC, r.id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending embeddings: %w", err)
	}
	defer rows.Close()

	var out []Record
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

// scanRecord reads recordColumns followed by any extra destinations.
func scanRecord(row rowScanner, extra ...any) (Record, error) {
	var r Record
	var meta, createdAt, updatedAt string
	var blob []byte
	dest := []any{&r.ID, &r.OwnerID, &r.Content, &r.Category, &meta, &r.ContentHash, &blob, &r.EmbeddedHash, &createdAt, &updatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Record{}, err
	}

	var err error
	if r.Metadata, err = decodeMetadata(meta); err != nil {
		return Record{}, err
	}
	if len(blob) > 0 {
		if r.Embedding, err = decodeFloat32s(blob); err != nil {
			return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Record{}, err
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand (or older tooling) may use plain RFC3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2, nil
		}
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
