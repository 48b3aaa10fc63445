// Package pipeline computes record embeddings asynchronously from a
// persistent job queue.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/recall/internal/embedding"
	"github.com/kalambet/recall/internal/retrieval"
	"github.com/kalambet/recall/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// JobType is the queue type of embedding jobs.
const JobType = "embed_record"

// JobQueue abstracts the persistent job queue. storage.Store and
// pgstore.Store implement it.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) (bool, error)
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (bool, error)
	AbandonJob(ctx context.Context, id, errMsg string) error
	CountJobs(ctx context.Context) (storage.JobCounts, error)
	ResetStaleJobs(ctx context.Context) (int, error)
}

// Records is the part of retrieval.RecordStore the pipeline needs.
type Records interface {
	Get(ctx context.Context, ownerID, id string) (retrieval.Record, error)
	UpdateEmbedding(ctx context.Context, id string, vec []float32, contentHash string) (bool, error)
}

// Options tunes a Pipeline.
type Options struct {
	// PollInterval is how long Run sleeps when the queue is empty. Default 500ms.
	PollInterval time.Duration
	// MaxAttempts bounds retries per job. Default storage.DefaultMaxAttempts.
	MaxAttempts int
	// EmbedTimeout bounds one provider call. Default 60s.
	EmbedTimeout time.Duration
	Logger       *slog.Logger
	Meter        metric.Meter
}

// Pipeline schedules and processes embed_record jobs.
type Pipeline struct {
	queue    JobQueue
	records  Records
	embedder retrieval.Embedder
	opts     Options
	logger   *slog.Logger
	outcomes metric.Int64Counter
}

// New creates a Pipeline.
func New(queue JobQueue, records Records, embedder retrieval.Embedder, opts Options) (*Pipeline, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = storage.DefaultMaxAttempts
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("github.com/kalambet/recall/internal/pipeline")
	}
	outcomes, err := opts.Meter.Int64Counter("recall.pipeline.jobs",
		metric.WithDescription("Embedding jobs processed, by outcome."))
	if err != nil {
		return nil, fmt.Errorf("creating job counter: %w", err)
	}
	return &Pipeline{
		queue:    queue,
		records:  records,
		embedder: embedder,
		opts:     opts,
		logger:   opts.Logger,
		outcomes: outcomes,
	}, nil
}

type payload struct {
	RecordID string `json:"record_id"`
	OwnerID  string `json:"owner_id"`
	Force    bool   `json:"force"`
}

// Schedule enqueues an embedding job for a record. A pending job for the
// same record absorbs the request.
func (p *Pipeline) Schedule(ctx context.Context, ownerID, recordID string, force bool) error {
	body, err := json.Marshal(payload{RecordID: recordID, OwnerID: ownerID, Force: force})
	if err != nil {
		return err
	}
	key := "embed:" + recordID
	if force {
		key += ":force"
	}
	inserted, err := p.queue.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(body),
		DedupeKey:   key,
		MaxAttempts: p.opts.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueueing embedding for %s: %w", recordID, err)
	}
	if !inserted {
		p.logger.Debug("embedding already pending", "record_id", recordID)
	}
	return nil
}

// Recover returns jobs left running by a previous process to the queue.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	return p.queue.ResetStaleJobs(ctx)
}

// Counts reports the queue size per job status.
func (p *Pipeline) Counts(ctx context.Context) (storage.JobCounts, error) {
	return p.queue.CountJobs(ctx)
}

// Run processes jobs until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("pipeline iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// claimed, whatever its outcome.
func (p *Pipeline) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	err = p.process(ctx, job)
	switch {
	case err == nil:
		if err := p.queue.CompleteJob(ctx, job.ID); err != nil {
			return true, fmt.Errorf("completing job %s: %w", job.ID, err)
		}
		p.count(ctx, "completed")

	case isPermanent(err):
		p.logger.Warn("embedding job abandoned", "job_id", job.ID, "error", err)
		if err := p.queue.AbandonJob(ctx, job.ID, err.Error()); err != nil {
			return true, fmt.Errorf("abandoning job %s: %w", job.ID, err)
		}
		p.count(ctx, "abandoned")

	default:
		terminal, failErr := p.queue.FailJob(ctx, job.ID, err.Error())
		if failErr != nil {
			p.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		if terminal {
			// The record stays lexically searchable; Backfill retries it later.
			p.logger.Warn("embedding job failed permanently", "job_id", job.ID, "attempts", job.Attempts+1, "error", err)
			p.count(ctx, "failed")
		} else {
			p.logger.Warn("embedding job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
			p.count(ctx, "retried")
		}
	}
	return true, nil
}

func (p *Pipeline) count(ctx context.Context, outcome string) {
	p.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (p *Pipeline) process(ctx context.Context, job *storage.Job) error {
	var pl payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &pl); err != nil {
		return permanent(fmt.Errorf("parsing payload: %w", err))
	}

	rec, err := p.records.Get(ctx, pl.OwnerID, pl.RecordID)
	if errors.Is(err, retrieval.ErrNotFound) {
		p.logger.Debug("record gone, skipping embedding", "record_id", pl.RecordID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading record %s: %w", pl.RecordID, err)
	}
	if rec.HasCurrentEmbedding() && !pl.Force {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, p.opts.EmbedTimeout)
	vec, err := p.embedder.Embed(embedCtx, rec.Content)
	cancel()
	if err != nil {
		if errors.Is(err, embedding.ErrDimension) {
			return permanent(err)
		}
		return fmt.Errorf("embedding record %s: %w", rec.ID, err)
	}

	ok, err := p.records.UpdateEmbedding(ctx, rec.ID, vec, rec.ContentHash)
	if errors.Is(err, retrieval.ErrDimension) {
		return permanent(err)
	}
	if err != nil {
		return fmt.Errorf("storing embedding for %s: %w", rec.ID, err)
	}
	if !ok {
		p.logger.Debug("record changed while embedding, result dropped", "record_id", rec.ID)
	}
	return nil
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return permanentError{err} }

func isPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

var _ retrieval.Scheduler = (*Pipeline)(nil)
