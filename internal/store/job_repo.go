package store

import (
	"context"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts is the number of runs before a job is marked failed.
const DefaultJobMaxAttempts = 3

// Job is a durable unit of work such as sending one due reminder.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a job with that key
	// is queued, running or done, the existing job ID is returned instead.
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	CompleteJob(ctx context.Context, id string) error

	// FailJob stores the error and reschedules for nextRunAt while attempts remain;
	// otherwise the job is marked failed.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error

	CancelJob(ctx context.Context, id string) error

	// RequeueStaleRunningJobs resets jobs running since before staleBefore (crash recovery).
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	// GetJob returns nil, nil when the job does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)
}
