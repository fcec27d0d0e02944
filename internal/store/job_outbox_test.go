package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

// --- Job repo tests ---

func TestJobRepo_EnqueueAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueJob(ctx, "send_reminder", time.Now().Add(time.Hour), `{"reminder_id":"rem_1"}`, "")
		if err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
		job, err := s.GetJob(ctx, id)
		if err != nil || job == nil {
			t.Fatalf("GetJob = %v, %v", job, err)
		}
		if job.Kind != "send_reminder" || job.Status != JobStatusQueued || job.PayloadJSON != `{"reminder_id":"rem_1"}` {
			t.Errorf("unexpected job %+v", job)
		}
		if missing, err := s.GetJob(ctx, "job_missing"); err != nil || missing != nil {
			t.Errorf("GetJob(missing) = %v, %v; want nil, nil", missing, err)
		}
	})
}

func TestJobRepo_DedupeKeyBlocksUntilFailed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		past := time.Now().Add(-time.Minute)
		key := "reminder:rem_1:2024-05-03"

		id1, err := s.EnqueueJob(ctx, "send_reminder", past, `{}`, key)
		if err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
		id2, _ := s.EnqueueJob(ctx, "send_reminder", past, `{}`, key)
		if id2 != id1 {
			t.Errorf("queued job: dedupe returned %q, want %q", id2, id1)
		}

		if err := s.CompleteJob(ctx, id1); err != nil {
			t.Fatalf("CompleteJob failed: %v", err)
		}
		id3, _ := s.EnqueueJob(ctx, "send_reminder", past, `{}`, key)
		if id3 != id1 {
			t.Errorf("done job: dedupe returned %q, want %q", id3, id1)
		}

		other, _ := s.EnqueueJob(ctx, "send_reminder", past, `{}`, "reminder:rem_1:2024-05-04")
		if other == id1 {
			t.Error("expected a new job for a different day")
		}
		if err := s.CancelJob(ctx, other); err != nil {
			t.Fatalf("CancelJob failed: %v", err)
		}
		again, _ := s.EnqueueJob(ctx, "send_reminder", past, `{}`, "reminder:rem_1:2024-05-04")
		if again == other {
			t.Error("expected canceled job to release its dedupe key")
		}
	})
}

func TestJobRepo_ClaimDueJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.EnqueueJob(ctx, "past_job", time.Now().Add(-time.Hour), `{}`, ""); err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
		if _, err := s.EnqueueJob(ctx, "future_job", time.Now().Add(time.Hour), `{}`, ""); err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}

		jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
		if err != nil {
			t.Fatalf("ClaimDueJobs failed: %v", err)
		}
		if len(jobs) != 1 || jobs[0].Kind != "past_job" || jobs[0].Status != JobStatusRunning {
			t.Fatalf("claimed %+v, want one running past_job", jobs)
		}
		if again, _ := s.ClaimDueJobs(ctx, time.Now(), 10); len(again) != 0 {
			t.Errorf("claimed %d jobs twice", len(again))
		}
	})
}

func TestJobRepo_FailUntilMaxAttempts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, _ := s.EnqueueJob(ctx, "retry_job", time.Now().Add(-time.Minute), `{}`, "")

		for i := 1; i <= DefaultJobMaxAttempts; i++ {
			s.ClaimDueJobs(ctx, time.Now(), 10)
			if err := s.FailJob(ctx, id, "gateway down", time.Now().Add(-time.Second)); err != nil {
				t.Fatalf("FailJob %d failed: %v", i, err)
			}
			job, _ := s.GetJob(ctx, id)
			if job.Attempt != i || job.LastError != "gateway down" {
				t.Fatalf("after failure %d: %+v", i, job)
			}
			wantStatus := JobStatusQueued
			if i == DefaultJobMaxAttempts {
				wantStatus = JobStatusFailed
			}
			if job.Status != wantStatus {
				t.Errorf("after failure %d: status %q, want %q", i, job.Status, wantStatus)
			}
		}
	})
}

func TestJobRepo_RequeueStale(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.EnqueueJob(ctx, "stale_job", time.Now().Add(-time.Hour), `{}`, "")
		jobs, _ := s.ClaimDueJobs(ctx, time.Now(), 10)
		if len(jobs) != 1 {
			t.Fatalf("expected 1 claimed job, got %d", len(jobs))
		}

		n, err := s.RequeueStaleRunningJobs(ctx, time.Now().Add(time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("RequeueStaleRunningJobs = %d, %v; want 1", n, err)
		}
		job, _ := s.GetJob(ctx, jobs[0].ID)
		if job.Status != JobStatusQueued {
			t.Errorf("status = %q, want queued", job.Status)
		}
	})
}

// --- Outbox repo tests ---

func TestOutboxRepo_EnqueueClaimSent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.EnqueueOutboxMessage(ctx, "6281111111", "ack", `{"body":"Terima kasih"}`, "ack:msg-1")
		if err != nil {
			t.Fatalf("EnqueueOutboxMessage failed: %v", err)
		}
		dup, _ := s.EnqueueOutboxMessage(ctx, "6281111111", "ack", `{"body":"Terima kasih"}`, "ack:msg-1")
		if dup != id {
			t.Errorf("dedupe returned %q, want %q", dup, id)
		}

		msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
		if err != nil {
			t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Recipient != "6281111111" || msgs[0].Status != OutboxStatusSending {
			t.Fatalf("claimed %+v", msgs)
		}
		if err := s.MarkOutboxMessageSent(ctx, id); err != nil {
			t.Fatalf("MarkOutboxMessageSent failed: %v", err)
		}
		if again, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10); len(again) != 0 {
			t.Errorf("expected no messages after sent, got %d", len(again))
		}
	})
}

func TestOutboxRepo_FailAndRequeue(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, _ := s.EnqueueOutboxMessage(ctx, "6281111111", "reminder", `{}`, "")
		s.ClaimDueOutboxMessages(ctx, time.Now(), 10)

		if err := s.FailOutboxMessage(ctx, id, "send error", time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("FailOutboxMessage failed: %v", err)
		}
		msgs, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
		if len(msgs) != 1 || msgs[0].Attempts != 1 {
			t.Fatalf("expected one retryable message with 1 attempt, got %+v", msgs)
		}

		n, err := s.RequeueStaleSendingMessages(ctx, time.Now().Add(time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("RequeueStaleSendingMessages = %d, %v; want 1", n, err)
		}
	})
}

// --- JobRunner and OutboxSender tests ---

func TestJobRunner_RunsDueJobOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := NewMemoryStore()
	runner := NewJobRunner(s, 20*time.Millisecond)

	var executed int32
	runner.RegisterHandler("send_reminder", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	id, err := s.EnqueueJob(context.Background(), "send_reminder", time.Now().Add(-time.Second), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	runner.Run(ctx)

	if got := atomic.LoadInt32(&executed); got != 1 {
		t.Errorf("executed %d times, want 1", got)
	}
	job, _ := s.GetJob(context.Background(), id)
	if job.Status != JobStatusDone {
		t.Errorf("status = %q, want done", job.Status)
	}
}

func TestJobRunner_MarksFinalAttempt(t *testing.T) {
	s := NewMemoryStore()
	runner := NewJobRunner(s, time.Hour)

	var finals []bool
	runner.RegisterHandler("send_reminder", func(ctx context.Context, payload string) error {
		finals = append(finals, FinalAttempt(ctx))
		return errors.New("gateway down")
	})
	id, _ := s.EnqueueJob(context.Background(), "send_reminder", time.Now().Add(-time.Second), `{}`, "")

	for i := 0; i < DefaultJobMaxAttempts; i++ {
		runner.poll(context.Background())
		if err := s.setJob(id, func(j *Job) { j.RunAt = time.Now().Add(-time.Second) }); err != nil {
			t.Fatalf("setJob: %v", err)
		}
	}

	if diff := cmp.Diff([]bool{false, false, true}, finals); diff != "" {
		t.Errorf("FinalAttempt per run mismatch (-want +got):\n%s", diff)
	}
	job, _ := s.GetJob(context.Background(), id)
	if job.Status != JobStatusFailed {
		t.Errorf("status = %q, want failed", job.Status)
	}
	if FinalAttempt(context.Background()) {
		t.Error("FinalAttempt outside a job run = true, want false")
	}
}

func TestJobRunner_RecoversHandlerPanic(t *testing.T) {
	s := NewMemoryStore()
	runner := NewJobRunner(s, time.Hour)
	runner.RegisterHandler("boom", func(ctx context.Context, payload string) error {
		panic("handler exploded")
	})
	id, _ := s.EnqueueJob(context.Background(), "boom", time.Now().Add(-time.Second), `{}`, "")

	runner.poll(context.Background())

	job, _ := s.GetJob(context.Background(), id)
	if job.Status != JobStatusQueued || job.Attempt != 1 {
		t.Fatalf("job after panic = %+v, want requeued with attempt 1", job)
	}
	if !job.RunAt.After(time.Now().Add(20 * time.Second)) {
		t.Errorf("expected backoff of about 30s, run_at %v", job.RunAt)
	}
}

func TestOutboxSender_RetriesFailedSend(t *testing.T) {
	s := NewMemoryStore()
	calls := 0
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		calls++
		return errors.New("gateway unavailable")
	}, time.Hour)
	id, _ := s.EnqueueOutboxMessage(context.Background(), "6281111111", "reminder", `{}`, "")

	sender.poll(context.Background())
	sender.poll(context.Background())

	if calls != 1 {
		t.Errorf("send called %d times, want 1 before backoff elapses", calls)
	}
	msgs := s.ListOutbox()
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Attempts != 1 || msgs[0].Status != OutboxStatusQueued {
		t.Errorf("outbox = %+v", msgs)
	}
}

// Simulates a crash while a message is mid-send: the next process requeues and sends it.
func TestOutboxSenderRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	ctx := context.Background()
	if _, err := s1.EnqueueOutboxMessage(ctx, "6281111111", "reminder", `{"body":"Minum obat"}`, "restart"); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if msgs, _ := s1.ClaimDueOutboxMessages(ctx, time.Now(), 10); len(msgs) != 1 {
		t.Fatalf("expected 1 claimed message, got %d", len(msgs))
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sent int32
	sender := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 20*time.Millisecond)
	sender.staleThreshold = 0
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	sender.Run(runCtx)

	if got := atomic.LoadInt32(&sent); got != 1 {
		t.Errorf("sent %d times after recovery, want 1", got)
	}
}

// Inbound dedup records survive a restart.
func TestDedupRepoRestartSafety(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if isNew, err := s1.RecordInbound(ctx, "msg-restart-1", "pat_1", time.Now()); err != nil || !isNew {
		t.Fatalf("RecordInbound = %v, %v", isNew, err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s2.Close()
	if isNew, err := s2.RecordInbound(ctx, "msg-restart-1", "pat_1", time.Now()); err != nil || isNew {
		t.Errorf("RecordInbound after restart = %v, %v; want duplicate", isNew, err)
	}
}
