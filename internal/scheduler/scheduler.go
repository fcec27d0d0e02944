// Package scheduler runs CarePipe's periodic work on cron schedules.
//
// Every minute it enqueues a send_reminder job for each reminder due at the current local
// HH:MM; every hour it purges retired conversation contexts and old inbound dedup records.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/CarePipe/internal/dispatch"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Cron expressions for the built-in jobs.
const (
	ReminderScanSchedule = "* * * * *"
	HousekeepingSchedule = "0 * * * *"
)

// Retention windows used by Housekeep.
const (
	ContextRetention = 7 * 24 * time.Hour
	DedupRetention   = 30 * 24 * time.Hour
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	loc  *time.Location
	ctx  context.Context
	stop context.CancelFunc
}

// NewScheduler creates a cron scheduler evaluating expressions in loc. Call Start to run it.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, loc: loc, ctx: ctx, stop: cancel}
}

// Location returns the scheduler's time zone.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// AddJob schedules task using the provided cron expression. The task's context is
// cancelled by Stop. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(expr, func() { task(s.ctx) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("Scheduler.Start: started", "location", s.loc, "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler, cancels running tasks and waits for them to finish.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Stop: stopped")
}

// ReminderLister lists reminders due at a time of day.
type ReminderLister interface {
	ListRemindersAt(ctx context.Context, hhmm string, day time.Time) ([]models.Reminder, error)
}

// ReminderEnqueuer enqueues a send_reminder job. *dispatch.Dispatcher implements it.
type ReminderEnqueuer interface {
	EnqueueReminder(ctx context.Context, reminderID string, runAt time.Time, dedupeKey string) (string, error)
}

// ContextCleaner hard-deletes retired contexts. *conversation.Manager implements it.
type ContextCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DedupPurger deletes old inbound idempotency records.
type DedupPurger interface {
	PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Jobs holds the built-in periodic tasks.
type Jobs struct {
	Reminders ReminderLister
	Enqueuer  ReminderEnqueuer
	Contexts  ContextCleaner
	Dedup     DedupPurger
	Location  *time.Location
	Now       func() time.Time
}

// ScanDueReminders enqueues one job per reminder due at now's local HH:MM. The dedupe key makes
// repeated scans within the same day harmless. It returns the number of reminders enqueued.
func (j *Jobs) ScanDueReminders(ctx context.Context, now time.Time) (int, error) {
	local := now.In(j.location())
	hhmm := local.Format(models.ScheduledTimeLayout)
	due, err := j.Reminders.ListRemindersAt(ctx, hhmm, local)
	if err != nil {
		return 0, fmt.Errorf("failed to list reminders due at %s: %w", hhmm, err)
	}

	n := 0
	for _, r := range due {
		if _, err := j.Enqueuer.EnqueueReminder(ctx, r.ID, now, dispatch.ReminderDedupeKey(r.ID, local)); err != nil {
			slog.Error("Jobs.ScanDueReminders: enqueue failed", "reminderID", r.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		slog.Info("Jobs.ScanDueReminders: reminders enqueued", "at", hhmm, "count", n)
	}
	return n, nil
}

// Housekeep removes contexts retired more than ContextRetention ago and dedup records older
// than DedupRetention.
func (j *Jobs) Housekeep(ctx context.Context, now time.Time) error {
	if _, err := j.Contexts.Cleanup(ctx, ContextRetention); err != nil {
		return err
	}
	n, err := j.Dedup.PurgeInboundBefore(ctx, now.Add(-DedupRetention))
	if err != nil {
		return fmt.Errorf("failed to purge inbound records: %w", err)
	}
	if n > 0 {
		slog.Info("Jobs.Housekeep: purged inbound records", "count", n)
	}
	return nil
}

// Register adds the reminder scan and housekeeping jobs to s.
func (j *Jobs) Register(s *Scheduler) error {
	if j.Location == nil {
		j.Location = s.Location()
	}
	if err := s.AddJob(ReminderScanSchedule, func(ctx context.Context) {
		if _, err := j.ScanDueReminders(ctx, j.now()); err != nil {
			slog.Error("Jobs: reminder scan failed", "error", err)
		}
	}); err != nil {
		return err
	}
	return s.AddJob(HousekeepingSchedule, func(ctx context.Context) {
		if err := j.Housekeep(ctx, j.now()); err != nil {
			slog.Error("Jobs: housekeeping failed", "error", err)
		}
	})
}

func (j *Jobs) location() *time.Location {
	if j.Location == nil {
		return time.Local
	}
	return j.Location
}

func (j *Jobs) now() time.Time {
	if j.Now == nil {
		return time.Now()
	}
	return j.Now()
}
