// Package notify forwards escalations to the human operator channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Notifier delivers one escalation to an operator-facing sink.
type Notifier interface {
	Notify(ctx context.Context, e models.Escalation) error
}

// LogNotifier writes escalations to the structured log. It never fails.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, e models.Escalation) error {
	level := slog.LevelInfo
	if e.Priority == models.PriorityUrgent {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "LogNotifier.Notify: escalation",
		"id", e.ID, "priority", e.Priority, "patientID", e.PatientID, "phone", e.Phone,
		"intent", e.Intent, "confidence", e.Confidence, "contextKind", e.ContextKind, "text", e.Text)
	return nil
}

// Multi fans an escalation out to every notifier concurrently.
type Multi []Notifier

// Notify waits for all sinks and returns their failures joined. One failing sink never
// stops the others.
func (m Multi) Notify(ctx context.Context, e models.Escalation) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, n := range m {
		g.Go(func() error {
			if err := n.Notify(ctx, e); err != nil {
				errs[i] = fmt.Errorf("%T: %w", n, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
