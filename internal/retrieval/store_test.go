package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/recall/internal/lexical"
	"github.com/kalambet/recall/internal/storage"
)

// openTestStore returns a SQLiteStore over a migrated in-memory database.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { db.Close() })

	analyzer, err := lexical.New("english")
	if err != nil {
		t.Fatalf("lexical.New: %v", err)
	}
	s, err := NewSQLiteStore(context.Background(), db.DB(), SQLiteOptions{Dimension: 3, Analyzer: analyzer})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// addRecord inserts a record created offset seconds after baseTime.
func addRecord(t *testing.T, s *SQLiteStore, owner, id, content string, vec []float32, offset int) Record {
	t.Helper()
	r := Record{
		ID:        id,
		OwnerID:   owner,
		Content:   content,
		Category:  CategoryFact,
		Embedding: vec,
		CreatedAt: baseTime.Add(time.Duration(offset) * time.Second),
	}
	if _, err := s.Insert(context.Background(), r); err != nil {
		t.Fatalf("Insert %s: %v", id, err)
	}
	got, err := s.Get(context.Background(), owner, id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return got
}

func hitIDs[T VectorHit | LexicalHit](hits []T) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		switch v := any(h).(type) {
		case VectorHit:
			ids[i] = v.Record.ID
		case LexicalHit:
			ids[i] = v.Record.ID
		}
	}
	return ids
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, Record{
		OwnerID:  "owner-1",
		Content:  "customer prefers email",
		Category: CategoryPreference,
		Metadata: map[string]any{"source": "chat", "confidence": 0.9},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == "" {
		t.Fatal("Insert returned empty id")
	}

	got, err := s.Get(ctx, "owner-1", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "customer prefers email" {
		t.Errorf("Content = %q", got.Content)
	}
	if got.Category != CategoryPreference {
		t.Errorf("Category = %q, want %q", got.Category, CategoryPreference)
	}
	if got.Metadata["source"] != "chat" {
		t.Errorf("Metadata[source] = %v, want chat", got.Metadata["source"])
	}
	if got.ContentHash != ContentHash("customer prefers email") {
		t.Errorf("ContentHash = %q", got.ContentHash)
	}
	if got.Embedding != nil || got.HasCurrentEmbedding() {
		t.Errorf("new record should have no embedding, got %v", got.Embedding)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}

	if _, err := s.Get(ctx, "owner-2", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get from other owner = %v, want ErrNotFound", err)
	}
}

func TestInsert_Validation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		rec   Record
		field string
	}{
		{"blank content", Record{OwnerID: "o", Content: "   ", Category: CategoryFact}, "content"},
		{"empty content", Record{OwnerID: "o", Content: "", Category: CategoryFact}, "content"},
		{"blank owner", Record{OwnerID: "", Content: "x", Category: CategoryFact}, "owner_id"},
		{"blank category", Record{OwnerID: "o", Content: "x"}, "category"},
		{"bad metadata", Record{OwnerID: "o", Content: "x", Category: CategoryFact, Metadata: map[string]any{"ch": make(chan int)}}, "metadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Insert(ctx, tt.rec)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Insert err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	n, err := s.Count(ctx, ListFilter{OwnerID: "o"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("Count = %d after rejected inserts, want 0", n)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	addRecord(t, s, "o1", "r1", "to be removed", nil, 0)

	if ok, err := s.Delete(ctx, "o2", "r1"); err != nil || ok {
		t.Fatalf("Delete from other owner = %v, %v; want false, nil", ok, err)
	}
	if ok, err := s.Delete(ctx, "o1", "r1"); err != nil || !ok {
		t.Fatalf("first Delete = %v, %v; want true, nil", ok, err)
	}
	if ok, err := s.Delete(ctx, "o1", "r1"); err != nil || ok {
		t.Fatalf("second Delete = %v, %v; want false, nil", ok, err)
	}
	hits, err := s.LexicalSearch(ctx, "o1", "removed", 10)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("deleted record still in lexical index: %v", hitIDs(hits))
	}
}

func TestVectorSearch_OrderAndOwnerIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addRecord(t, s, "o1", "near", "near", []float32{1, 0.1, 0}, 0)
	addRecord(t, s, "o1", "mid", "mid", []float32{1, 1, 0}, 1)
	addRecord(t, s, "o1", "far", "far", []float32{0, 0, 1}, 2)
	addRecord(t, s, "o2", "other", "other owner exact match", []float32{1, 0, 0}, 3)

	hits, err := s.VectorSearch(ctx, "o1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	got := hitIDs(hits)
	want := []string{"near", "mid", "far"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Distance < hits[i-1].Distance {
			t.Errorf("distances not ascending: %v then %v", hits[i-1].Distance, hits[i].Distance)
		}
	}
	for _, h := range hits {
		if h.Distance < 0 || h.Distance > 1 {
			t.Errorf("distance %v outside [0,1]", h.Distance)
		}
		if h.Record.OwnerID != "o1" {
			t.Errorf("hit %s belongs to %s", h.Record.ID, h.Record.OwnerID)
		}
	}

	top, err := s.VectorSearch(ctx, "o1", []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("VectorSearch limit 1: %v", err)
	}
	if len(top) != 1 || top[0].Record.ID != "near" {
		t.Errorf("limit 1 = %v, want [near]", hitIDs(top))
	}
}

func TestVectorSearch_ClampsOppositeVectors(t *testing.T) {
	s := openTestStore(t)
	addRecord(t, s, "o1", "opposite", "opposite", []float32{-1, 0, 0}, 0)

	hits, err := s.VectorSearch(context.Background(), "o1", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Distance != 1 || hits[0].Similarity() != 0 {
		t.Errorf("distance = %v similarity = %v, want 1 and 0", hits[0].Distance, hits[0].Similarity())
	}
}

func TestVectorSearch_TieBreakNewestFirst(t *testing.T) {
	s := openTestStore(t)
	vec := []float32{0.5, 0.5, 0}
	addRecord(t, s, "o1", "old", "old", vec, 0)
	addRecord(t, s, "o1", "new", "new", vec, 10)
	addRecord(t, s, "o1", "newer-b", "newer b", vec, 20)
	addRecord(t, s, "o1", "newer-a", "newer a", vec, 20)

	hits, err := s.VectorSearch(context.Background(), "o1", vec, 3)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	got := fmt.Sprint(hitIDs(hits))
	if want := "[newer-a newer-b new]"; got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestVectorSearch_EmptyAndUnembedded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	addRecord(t, s, "o1", "pending", "not embedded yet", nil, 0)

	hits, err := s.VectorSearch(ctx, "o1", nil, 5)
	if err != nil || len(hits) != 0 {
		t.Errorf("empty query = %v, %v; want no hits", hitIDs(hits), err)
	}
	hits, err = s.VectorSearch(ctx, "o1", []float32{0, 0, 0}, 5)
	if err != nil || len(hits) != 0 {
		t.Errorf("zero query = %v, %v; want no hits", hitIDs(hits), err)
	}
	hits, err = s.VectorSearch(ctx, "o1", []float32{1, 0, 0}, 5)
	if err != nil || len(hits) != 0 {
		t.Errorf("unembedded records = %v, %v; want no hits", hitIDs(hits), err)
	}
}

func TestLexicalSearch_AllTermsMustMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addRecord(t, s, "o1", "email", "customer prefers email", nil, 0)
	addRecord(t, s, "o1", "phone", "customer prefers phone", nil, 1)
	addRecord(t, s, "o2", "foreign", "customer prefers email too", nil, 2)

	hits, err := s.LexicalSearch(ctx, "o1", "prefers email", 10)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if got := fmt.Sprint(hitIDs(hits)); got != "[email]" {
		t.Fatalf("hits = %s, want [email]", got)
	}

	hits, err = s.LexicalSearch(ctx, "o1", "customer", 10)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	for _, h := range hits {
		if h.Rank < 0 || h.Rank > 1 {
			t.Errorf("rank %v outside [0,1]", h.Rank)
		}
		if h.Record.OwnerID != "o1" {
			t.Errorf("hit %s belongs to %s", h.Record.ID, h.Record.OwnerID)
		}
	}
}

func TestLexicalSearch_RanksRareTermsHigher(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		addRecord(t, s, "o1", fmt.Sprintf("filler-%d", i), fmt.Sprintf("routine note number %d about billing", i), nil, i)
	}
	addRecord(t, s, "o1", "target", "billing dispute escalated", nil, 20)

	hits, err := s.LexicalSearch(ctx, "o1", "dispute", 10)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].Record.ID != "target" {
		t.Fatalf("hits = %v, want [target]", hitIDs(hits))
	}
	if hits[0].Rank <= 0 {
		t.Errorf("rank = %v, want > 0", hits[0].Rank)
	}
}

// A term found in most records of a small index gets a near-zero bm25 weight;
// matches must still carry a non-zero text score in lexical order.
func TestLexicalSearch_CommonTermKeepsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addRecord(t, s, "o1", "strong", "email email email about billing", nil, 0)
	addRecord(t, s, "o1", "weak", "email about shipping address change", nil, 1)
	addRecord(t, s, "o1", "other", "phone call scheduled", nil, 2)

	hits, err := s.LexicalSearch(ctx, "o1", "email", 10)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if got := fmt.Sprint(hitIDs(hits)); got != "[strong weak]" {
		t.Fatalf("hits = %s, want [strong weak]", got)
	}
	if hits[0].Rank != 1 || hits[1].Rank <= 0 || hits[1].Rank >= 1 {
		t.Errorf("ranks = %v, %v; want 1 and (0,1)", hits[0].Rank, hits[1].Rank)
	}

	fused := Fuse(nil, hits, Weights{Vector: 0, Text: 1}, 10)
	if len(fused) != 2 || fused[0].ID != "strong" || fused[1].ID != "weak" {
		t.Fatalf("fused order = %v", fused)
	}
	for _, f := range fused {
		if f.TextScore <= 0 || f.FinalScore != f.TextScore {
			t.Errorf("%s: text %v final %v", f.ID, f.TextScore, f.FinalScore)
		}
	}
}

func TestLexicalSearch_StemmingAndDiacritics(t *testing.T) {
	s := openTestStore(t)
	if s.Tokenizer() != ftsTokenizers[0] {
		t.Skipf("primary tokenizer unavailable, using %q", s.Tokenizer())
	}
	ctx := context.Background()
	addRecord(t, s, "o1", "r1", "She preferred the café downtown", nil, 0)

	for _, q := range []string{"prefers", "cafe", "CAFÉ"} {
		hits, err := s.LexicalSearch(ctx, "o1", q, 5)
		if err != nil {
			t.Fatalf("LexicalSearch(%q): %v", q, err)
		}
		if len(hits) != 1 {
			t.Errorf("LexicalSearch(%q) = %v, want [r1]", q, hitIDs(hits))
		}
	}
}

func TestLexicalSearch_BlankQuery(t *testing.T) {
	s := openTestStore(t)
	addRecord(t, s, "o1", "r1", "anything", nil, 0)

	for _, q := range []string{"", "   ", "the of and", `"*()`} {
		hits, err := s.LexicalSearch(context.Background(), "o1", q, 5)
		if err != nil {
			t.Errorf("LexicalSearch(%q): %v", q, err)
		}
		if len(hits) != 0 {
			t.Errorf("LexicalSearch(%q) = %v, want none", q, hitIDs(hits))
		}
	}
}

func TestUpdate_ContentChangeReindexes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := addRecord(t, s, "o1", "r1", "likes tea", []float32{1, 0, 0}, 0)

	rec.Content = "likes coffee"
	changed, err := s.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !changed {
		t.Error("Update reported no content change")
	}

	got, err := s.Get(ctx, "o1", "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Embedding != nil || got.EmbeddedHash != "" {
		t.Errorf("stale embedding kept after content change: %v", got.Embedding)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", rec.CreatedAt, got.CreatedAt)
	}

	if hits, _ := s.LexicalSearch(ctx, "o1", "tea", 5); len(hits) != 0 {
		t.Errorf("old content still indexed: %v", hitIDs(hits))
	}
	if hits, _ := s.LexicalSearch(ctx, "o1", "coffee", 5); len(hits) != 1 {
		t.Errorf("new content not indexed: %v", hitIDs(hits))
	}
}

func TestUpdate_MetadataOnlyKeepsEmbedding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := addRecord(t, s, "o1", "r1", "likes tea", []float32{1, 0, 0}, 0)

	rec.Metadata = map[string]any{"source": "import"}
	rec.Category = CategoryPreference
	changed, err := s.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if changed {
		t.Error("metadata-only update reported a content change")
	}
	got, err := s.Get(ctx, "o1", "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.HasCurrentEmbedding() {
		t.Error("embedding dropped by metadata-only update")
	}
	if got.Category != CategoryPreference || got.Metadata["source"] != "import" {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Update(context.Background(), Record{ID: "nope", OwnerID: "o1", Content: "x", Category: CategoryFact})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateEmbedding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := addRecord(t, s, "o1", "r1", "content", nil, 0)

	ok, err := s.UpdateEmbedding(ctx, "r1", []float32{0, 1, 0}, rec.ContentHash)
	if err != nil || !ok {
		t.Fatalf("UpdateEmbedding = %v, %v; want true, nil", ok, err)
	}
	got, _ := s.Get(ctx, "o1", "r1")
	if !got.HasCurrentEmbedding() {
		t.Error("embedding not current after UpdateEmbedding")
	}
	if got.Content != "content" {
		t.Errorf("Content changed to %q", got.Content)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want unchanged %v", got.UpdatedAt, rec.UpdatedAt)
	}

	ok, err = s.UpdateEmbedding(ctx, "r1", []float32{1, 0, 0}, ContentHash("older content"))
	if err != nil {
		t.Fatalf("UpdateEmbedding stale: %v", err)
	}
	if ok {
		t.Error("stale embedding was written")
	}

	_, err = s.UpdateEmbedding(ctx, "r1", []float32{1, 0}, rec.ContentHash)
	if !errors.Is(err, ErrDimension) {
		t.Errorf("wrong dimension err = %v, want ErrDimension", err)
	}
}

func TestListAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		addRecord(t, s, "o1", fmt.Sprintf("f%d", i), "fact", nil, i)
	}
	if _, err := s.Insert(ctx, Record{ID: "p1", OwnerID: "o1", Content: "pref", Category: CategoryPreference, CreatedAt: baseTime.Add(time.Minute)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	page, err := s.List(ctx, ListFilter{OwnerID: "o1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := fmt.Sprint(recordIDs(page)); got != "[f4 f3]" {
		t.Errorf("page = %s, want [f4 f3]", got)
	}

	facts, err := s.List(ctx, ListFilter{OwnerID: "o1", Category: CategoryFact})
	if err != nil {
		t.Fatalf("List facts: %v", err)
	}
	if len(facts) != 5 {
		t.Errorf("got %d facts, want 5", len(facts))
	}

	n, err := s.Count(ctx, ListFilter{OwnerID: "o1", Category: CategoryPreference, Limit: 1})
	if err != nil || n != 1 {
		t.Errorf("Count(preference) = %d, %v; want 1", n, err)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	empty, err := s.Stats(ctx, "o1")
	if err != nil {
		t.Fatalf("Stats empty: %v", err)
	}
	if empty.Total != 0 || empty.LastUpdated != nil {
		t.Errorf("empty stats = %+v", empty)
	}

	addRecord(t, s, "o1", "a", "a fact", []float32{1, 0, 0}, 0)
	addRecord(t, s, "o1", "b", "another fact", nil, 30)
	if _, err := s.Insert(ctx, Record{ID: "c", OwnerID: "o1", Content: "pref", Category: CategoryPreference, CreatedAt: baseTime.Add(10 * time.Second)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	addRecord(t, s, "o2", "x", "someone else", nil, 100)

	st, err := s.Stats(ctx, "o1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 3 {
		t.Errorf("Total = %d, want 3", st.Total)
	}
	if st.ByCategory[CategoryFact] != 2 || st.ByCategory[CategoryPreference] != 1 {
		t.Errorf("ByCategory = %v", st.ByCategory)
	}
	if st.Embedded != 1 || st.Pending != 2 {
		t.Errorf("Embedded/Pending = %d/%d, want 1/2", st.Embedded, st.Pending)
	}
	if st.LastUpdated == nil || !st.LastUpdated.Equal(baseTime.Add(30*time.Second)) {
		t.Errorf("LastUpdated = %v, want %v", st.LastUpdated, baseTime.Add(30*time.Second))
	}
}

func TestPendingEmbeddings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addRecord(t, s, "o1", "done", "embedded", []float32{1, 0, 0}, 0)
	addRecord(t, s, "o1", "p1", "pending one", nil, 1)
	addRecord(t, s, "o2", "p2", "pending two", nil, 2)

	all, err := s.PendingEmbeddings(ctx, "", 0)
	if err != nil {
		t.Fatalf("PendingEmbeddings: %v", err)
	}
	if got := fmt.Sprint(recordIDs(all)); got != "[p1 p2]" {
		t.Errorf("pending = %s, want [p1 p2]", got)
	}

	own, err := s.PendingEmbeddings(ctx, "o2", 10)
	if err != nil {
		t.Fatalf("PendingEmbeddings(o2): %v", err)
	}
	if got := fmt.Sprint(recordIDs(own)); got != "[p2]" {
		t.Errorf("pending(o2) = %s, want [p2]", got)
	}
}

func TestNewSQLiteStore_ReusesExistingIndex(t *testing.T) {
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	first, err := NewSQLiteStore(ctx, db.DB(), SQLiteOptions{})
	if err != nil {
		t.Fatalf("first NewSQLiteStore: %v", err)
	}
	if _, err := first.Insert(ctx, Record{ID: "r1", OwnerID: "o", Content: "persisted words", Category: CategoryFact}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	second, err := NewSQLiteStore(ctx, db.DB(), SQLiteOptions{})
	if err != nil {
		t.Fatalf("second NewSQLiteStore: %v", err)
	}
	if second.Tokenizer() != first.Tokenizer() {
		t.Errorf("tokenizer = %q, want %q", second.Tokenizer(), first.Tokenizer())
	}
	hits, err := second.LexicalSearch(ctx, "o", "persisted", 5)
	if err != nil || len(hits) != 1 {
		t.Errorf("LexicalSearch after reopen = %v, %v", hitIDs(hits), err)
	}
}

func TestCandidateLimit(t *testing.T) {
	tests := []struct {
		limit, mult, ceiling, want int
	}{
		{5, 4, 100, 20},
		{50, 4, 100, 100},
		{200, 4, 100, 200},
		{0, 4, 100, 0},
		{3, 0, 100, 3},
		{3, 4, 0, 12},
	}
	for _, tt := range tests {
		if got := CandidateLimit(tt.limit, tt.mult, tt.ceiling); got != tt.want {
			t.Errorf("CandidateLimit(%d, %d, %d) = %d, want %d", tt.limit, tt.mult, tt.ceiling, got, tt.want)
		}
	}
}

func TestNormalizeRanks(t *testing.T) {
	hits := []LexicalHit{{Rank: 2e-6}, {Rank: 1e-6}, {Rank: 0}}
	NormalizeRanks(hits)
	if hits[0].Rank != 1 || hits[1].Rank != 0.5 || hits[2].Rank != 0 {
		t.Errorf("ranks = %v, %v, %v; want 1, 0.5, 0", hits[0].Rank, hits[1].Rank, hits[2].Rank)
	}

	flat := []LexicalHit{{Rank: 0}, {Rank: -1}}
	NormalizeRanks(flat)
	if flat[0].Rank != 1 || flat[1].Rank != 1 {
		t.Errorf("non-positive ranks = %v, %v; want 1, 1", flat[0].Rank, flat[1].Rank)
	}

	NormalizeRanks(nil)
}

func TestFloat32Codec(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fmt.Sprint(out) != fmt.Sprint(in) {
		t.Errorf("round trip = %v, want %v", out, in)
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func recordIDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
