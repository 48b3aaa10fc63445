package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/recall/internal/embedding"
	"github.com/kalambet/recall/internal/lexical"
	"github.com/kalambet/recall/internal/retrieval"
	"github.com/kalambet/recall/internal/storage"
)

type mockEmbedder struct {
	calls   atomic.Int32
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	return m.embedFn(ctx, text)
}

func fixedVector(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fixture struct {
	store    *storage.Store
	records  *retrieval.SQLiteStore
	embedder *mockEmbedder
	pipe     *Pipeline
}

func newFixture(t *testing.T, embedFn func(context.Context, string) ([]float32, error)) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	analyzer, _ := lexical.New("english")
	records, err := retrieval.NewSQLiteStore(context.Background(), store.DB(), retrieval.SQLiteOptions{Dimension: 3, Analyzer: analyzer})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	emb := &mockEmbedder{embedFn: embedFn}
	pipe, err := New(store, records, emb, Options{
		PollInterval: 10 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{store: store, records: records, embedder: emb, pipe: pipe}
}

func (f *fixture) insert(t *testing.T, id, content string) retrieval.Record {
	t.Helper()
	ctx := context.Background()
	if _, err := f.records.Insert(ctx, retrieval.Record{ID: id, OwnerID: "owner-1", Content: content, Category: retrieval.CategoryFact}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rec, err := f.records.Get(ctx, "owner-1", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return rec
}

func (f *fixture) schedule(t *testing.T, id string, force bool) {
	t.Helper()
	if err := f.pipe.Schedule(context.Background(), "owner-1", id, force); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
}

// onlyJob returns the single job in the queue.
func (f *fixture) onlyJob(t *testing.T) storage.Job {
	t.Helper()
	var id string
	if err := f.store.DB().QueryRow(`SELECT id FROM jobs`).Scan(&id); err != nil {
		t.Fatalf("selecting job: %v", err)
	}
	job, err := f.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return job
}

// resetRunAfter makes every backed-off job immediately claimable.
func resetRunAfter(t *testing.T, store *storage.Store) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ?`, now); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestPipeline_EmbedsRecord(t *testing.T) {
	f := newFixture(t, fixedVector)
	f.insert(t, "rec-1", "customer prefers email")
	f.schedule(t, "rec-1", false)

	didWork, err := f.pipe.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	rec, err := f.records.Get(context.Background(), "owner-1", "rec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.HasCurrentEmbedding() {
		t.Errorf("record has no current embedding: %+v", rec)
	}
	if job := f.onlyJob(t); job.Status != storage.JobCompleted {
		t.Errorf("job status = %q, want completed", job.Status)
	}
}

func TestPipeline_EmptyQueue(t *testing.T) {
	f := newFixture(t, fixedVector)
	didWork, err := f.pipe.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v, want false, nil", didWork, err)
	}
}

func TestPipeline_RetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, func(ctx context.Context, text string) ([]float32, error) {
		if attempts.Add(1) < 3 {
			return nil, &embedding.ProviderError{Provider: "test", StatusCode: 503, Err: errors.New("busy")}
		}
		return fixedVector(ctx, text)
	})
	f.insert(t, "rec-1", "customer prefers email")
	f.schedule(t, "rec-1", false)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.pipe.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		if i < 2 {
			job := f.onlyJob(t)
			if job.Status != storage.JobPending || job.Attempts != i+1 {
				t.Fatalf("after attempt %d: status %q attempts %d", i+1, job.Status, job.Attempts)
			}
			if !job.RunAfter.After(time.Now().Add(-time.Second)) {
				t.Errorf("run_after %v not pushed back", job.RunAfter)
			}
			resetRunAfter(t, f.store)
		}
	}

	if job := f.onlyJob(t); job.Status != storage.JobCompleted {
		t.Errorf("job status = %q, want completed", job.Status)
	}
	rec, _ := f.records.Get(ctx, "owner-1", "rec-1")
	if !rec.HasCurrentEmbedding() {
		t.Error("record not embedded after retry")
	}
}

func TestPipeline_ThreeFailuresLeaveRecordSearchable(t *testing.T) {
	f := newFixture(t, func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	})
	f.insert(t, "rec-1", "customer prefers email")
	f.schedule(t, "rec-1", false)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.pipe.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		resetRunAfter(t, f.store)
	}

	job := f.onlyJob(t)
	if job.Status != storage.JobFailed || job.Attempts != 3 {
		t.Errorf("job = %s after %d attempts, want failed after 3", job.Status, job.Attempts)
	}
	if job.LastError == "" {
		t.Error("last_error not recorded")
	}

	if didWork, _ := f.pipe.RunOnce(ctx); didWork {
		t.Error("failed job was claimed again")
	}

	hits, err := f.records.LexicalSearch(ctx, "owner-1", "email", 10)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].Record.ID != "rec-1" {
		t.Errorf("record not lexically searchable after failed embedding: %+v", hits)
	}
	if f.embedder.calls.Load() != 3 {
		t.Errorf("embedder called %d times, want 3", f.embedder.calls.Load())
	}
}

func TestPipeline_DimensionMismatchAbandons(t *testing.T) {
	f := newFixture(t, func(context.Context, string) ([]float32, error) {
		return []float32{1, 2}, nil
	})
	f.insert(t, "rec-1", "customer prefers email")
	f.schedule(t, "rec-1", false)

	if _, err := f.pipe.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	job := f.onlyJob(t)
	if job.Status != storage.JobFailed || job.Attempts != 1 {
		t.Errorf("job = %s after %d attempts, want failed after 1", job.Status, job.Attempts)
	}
}

func TestPipeline_ProviderDimensionErrorAbandons(t *testing.T) {
	f := newFixture(t, func(context.Context, string) ([]float32, error) {
		return nil, embedding.ErrDimension
	})
	f.insert(t, "rec-1", "customer prefers email")
	f.schedule(t, "rec-1", false)

	f.pipe.RunOnce(context.Background())
	if job := f.onlyJob(t); job.Status != storage.JobFailed {
		t.Errorf("job status = %q, want failed", job.Status)
	}
}

func TestPipeline_SkipsCurrentEmbedding(t *testing.T) {
	f := newFixture(t, fixedVector)
	rec := f.insert(t, "rec-1", "customer prefers email")
	if ok, err := f.records.UpdateEmbedding(context.Background(), rec.ID, []float32{1, 0, 0}, rec.ContentHash); err != nil || !ok {
		t.Fatalf("UpdateEmbedding = %v, %v", ok, err)
	}

	f.schedule(t, "rec-1", false)
	f.pipe.RunOnce(context.Background())
	if n := f.embedder.calls.Load(); n != 0 {
		t.Errorf("embedder called %d times for a current embedding", n)
	}

	f.schedule(t, "rec-1", true)
	f.pipe.RunOnce(context.Background())
	if n := f.embedder.calls.Load(); n != 1 {
		t.Errorf("forced re-embed called embedder %d times, want 1", n)
	}
	got, _ := f.records.Get(context.Background(), "owner-1", "rec-1")
	if got.Embedding[0] != 0.1 {
		t.Errorf("embedding not replaced: %v", got.Embedding)
	}
}

func TestPipeline_MissingRecordCompletes(t *testing.T) {
	f := newFixture(t, fixedVector)
	f.schedule(t, "ghost", false)

	if _, err := f.pipe.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if job := f.onlyJob(t); job.Status != storage.JobCompleted {
		t.Errorf("job status = %q, want completed", job.Status)
	}
	if f.embedder.calls.Load() != 0 {
		t.Error("embedder called for a missing record")
	}
}

func TestPipeline_ContentChangedWhileEmbedding(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(ctx context.Context, text string) ([]float32, error) {
		rec, err := f.records.Get(ctx, "owner-1", "rec-1")
		if err != nil {
			return nil, err
		}
		rec.Content = "customer now prefers phone"
		if _, err := f.records.Update(ctx, rec); err != nil {
			return nil, err
		}
		return fixedVector(ctx, text)
	})
	f.insert(t, "rec-1", "customer prefers email")
	f.schedule(t, "rec-1", false)

	if _, err := f.pipe.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	rec, _ := f.records.Get(context.Background(), "owner-1", "rec-1")
	if rec.Embedding != nil {
		t.Errorf("stale embedding stored for changed content")
	}
	if job := f.onlyJob(t); job.Status != storage.JobCompleted {
		t.Errorf("job status = %q, want completed", job.Status)
	}
}

func TestPipeline_ScheduleDedupes(t *testing.T) {
	f := newFixture(t, fixedVector)
	f.insert(t, "rec-1", "customer prefers email")
	f.schedule(t, "rec-1", false)
	f.schedule(t, "rec-1", false)

	counts, err := f.pipe.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[storage.JobPending] != 1 {
		t.Errorf("pending = %d, want 1", counts[storage.JobPending])
	}
}

func TestPipeline_MalformedPayloadAbandons(t *testing.T) {
	f := newFixture(t, fixedVector)
	if _, err := f.store.EnqueueJob(context.Background(), storage.Job{ID: "bad", Type: JobType, PayloadJSON: "{"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	f.pipe.RunOnce(context.Background())
	if job := f.onlyJob(t); job.Status != storage.JobFailed {
		t.Errorf("job status = %q, want failed", job.Status)
	}
}

func TestPipeline_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, fixedVector)
	f.insert(t, "rec-1", "customer prefers email")
	f.schedule(t, "rec-1", false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.pipe.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, _ := f.records.Get(context.Background(), "owner-1", "rec-1"); rec.HasCurrentEmbedding() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	rec, _ := f.records.Get(context.Background(), "owner-1", "rec-1")
	if !rec.HasCurrentEmbedding() {
		t.Error("Run did not process the job")
	}
}

func TestPipeline_Recover(t *testing.T) {
	f := newFixture(t, fixedVector)
	f.insert(t, "rec-1", "customer prefers email")
	f.schedule(t, "rec-1", false)
	if _, err := f.store.ClaimNextJob(context.Background(), []string{JobType}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	n, err := f.pipe.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v, want 1", n, err)
	}
	if job := f.onlyJob(t); job.Status != storage.JobPending {
		t.Errorf("job status = %q, want pending", job.Status)
	}
}
