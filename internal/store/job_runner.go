package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes one job's work from its payload JSON.
type JobHandler func(ctx context.Context, payload string) error

type jobAttemptKey struct{}

// JobAttempt identifies which run of a job a handler is executing. Attempt counts earlier
// failed runs, so the first run is 0.
type JobAttempt struct {
	Attempt     int
	MaxAttempts int
}

// ContextWithJobAttempt returns a copy of ctx carrying a.
func ContextWithJobAttempt(ctx context.Context, a JobAttempt) context.Context {
	return context.WithValue(ctx, jobAttemptKey{}, a)
}

// FinalAttempt reports whether a failure of the current handler run exhausts the job's attempts.
// Outside a job run it returns false: the caller receives the error and decides.
func FinalAttempt(ctx context.Context) bool {
	a, ok := ctx.Value(jobAttemptKey{}).(JobAttempt)
	return ok && a.MaxAttempts > 0 && a.Attempt+1 >= a.MaxAttempts
}

// JobRunner periodically claims due jobs and dispatches them to registered handlers.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	baseBackoff    time.Duration
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		baseBackoff:    30 * time.Second,
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process stopped.
// Call it once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, time.Now().Add(-r.staleThreshold))
	if err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *JobRunner) poll(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := r.execute(ctx, handler, job); err != nil {
			slog.Error("JobRunner.poll: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
			// 30s, 60s, 120s, ...
			nextRun := now.Add(r.baseBackoff * time.Duration(1<<job.Attempt))
			if err := r.repo.FailJob(ctx, job.ID, err.Error(), nextRun); err != nil {
				slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.poll: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.poll: job completed", "id", job.ID, "kind", job.Kind)
	}
}

// execute runs handler, turning a panic into an error so one bad job cannot stop the runner.
func (r *JobRunner) execute(ctx context.Context, handler JobHandler, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, p)
		}
	}()
	return handler(ContextWithJobAttempt(ctx, JobAttempt{Attempt: job.Attempt, MaxAttempts: job.MaxAttempts}), job.PayloadJSON)
}
