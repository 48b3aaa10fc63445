package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Job states.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// DefaultMaxAttempts is used when a job is enqueued without MaxAttempts.
const DefaultMaxAttempts = 3

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	// DedupeKey, when set, prevents a second pending job with the same key.
	DedupeKey   string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// JobCounts is a per-status tally of the job table.
type JobCounts map[string]int

// Backoff returns the delay before the next attempt after attempts failures.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		attempts = 16
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}
