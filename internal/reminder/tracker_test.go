package reminder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/reminder"
	"github.com/BTreeMap/CarePipe/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T) (*store.MemoryStore, *reminder.Tracker, *fakeClock, *models.Reminder) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2024, 5, 3, 8, 0, 0, 0, time.UTC)}

	for _, p := range []*models.Patient{
		{ID: "pat_1", PhoneNumber: "6281111111", VerificationStatus: models.VerificationVerified},
		{ID: "pat_2", PhoneNumber: "6282222222", VerificationStatus: models.VerificationVerified},
	} {
		if err := s.UpsertPatient(ctx, p); err != nil {
			t.Fatalf("UpsertPatient failed: %v", err)
		}
	}
	r := &models.Reminder{PatientID: "pat_1", ScheduledTime: "08:00", StartDate: clock.t.Add(-24 * time.Hour), Message: "Minum obat"}
	if err := s.CreateReminder(ctx, r); err != nil {
		t.Fatalf("CreateReminder failed: %v", err)
	}
	return s, reminder.NewTracker(s, reminder.WithClock(clock.Now)), clock, r
}

func TestRecordDeliveryDuplicateIsNoop(t *testing.T) {
	s, tracker, _, r := setup(t)
	ctx := context.Background()

	first, err := tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionDelivered, "SM1", "", nil)
	if err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}
	if first.Duplicate || first.Status != models.ReminderStatusDelivered || first.Log.PatientID != "pat_1" {
		t.Fatalf("first delivery = %+v", first)
	}

	second, err := tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionDelivered, "SM1", "", nil)
	if err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}
	if !second.Duplicate {
		t.Error("expected duplicate delivery to be reported")
	}

	logs, _ := s.ListDeliveryLogs(ctx, r.ID)
	if len(logs) != 1 {
		t.Errorf("got %d logs, want 1", len(logs))
	}
}

func TestRecordDeliveryNeverRegresses(t *testing.T) {
	s, tracker, clock, r := setup(t)
	ctx := context.Background()

	steps := []struct {
		action models.DeliveryAction
		want   models.ReminderStatus
	}{
		{models.DeliveryActionSent, models.ReminderStatusSent},
		{models.DeliveryActionDelivered, models.ReminderStatusDelivered},
		{models.DeliveryActionSent, models.ReminderStatusDelivered},
		{models.DeliveryActionFailed, models.ReminderStatusFailed},
		{models.DeliveryActionDelivered, models.ReminderStatusFailed},
	}
	for i, step := range steps {
		clock.Advance(time.Second)
		res, err := tracker.RecordDelivery(ctx, r.ID, step.action, "", "", nil)
		if err != nil {
			t.Fatalf("step %d: RecordDelivery failed: %v", i, err)
		}
		if res.Status != step.want {
			t.Errorf("step %d: status %s, want %s", i, res.Status, step.want)
		}
	}

	got, _ := s.GetReminder(ctx, r.ID)
	if got.SentAt == nil || !got.SentAt.Equal(time.Date(2024, 5, 3, 8, 0, 1, 0, time.UTC)) {
		t.Errorf("SentAt = %v, want the first SENT time", got.SentAt)
	}
}

func TestRecordDeliveryRejectsConfirmationActions(t *testing.T) {
	_, tracker, _, r := setup(t)
	_, err := tracker.RecordDelivery(context.Background(), r.ID, models.DeliveryActionConfirmed, "", "", nil)
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestRecordDeliveryByGatewayID(t *testing.T) {
	_, tracker, clock, r := setup(t)
	ctx := context.Background()

	if _, err := tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionSent, "SM9", `{"sid":"SM9"}`, nil); err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}
	clock.Advance(time.Minute)
	res, err := tracker.RecordDeliveryByGatewayID(ctx, "SM9", models.DeliveryActionDelivered, "", map[string]string{"provider": "twilio"})
	if err != nil {
		t.Fatalf("RecordDeliveryByGatewayID failed: %v", err)
	}
	if res.Status != models.ReminderStatusDelivered {
		t.Errorf("status = %s, want DELIVERED", res.Status)
	}

	if _, err := tracker.RecordDeliveryByGatewayID(ctx, "SM-unknown", models.DeliveryActionDelivered, "", nil); !errors.Is(err, models.ErrReminderNotFound) {
		t.Errorf("expected ErrReminderNotFound, got %v", err)
	}
}

func TestRecordConfirmationLinksLatestLog(t *testing.T) {
	_, tracker, clock, r := setup(t)
	ctx := context.Background()

	tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionSent, "SM1", "", nil)
	clock.Advance(time.Minute)
	delivered, _ := tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionDelivered, "SM1", "", nil)
	clock.Advance(time.Minute)

	c, err := tracker.RecordConfirmation(ctx, "pat_1", r.ID, true, "sudah", models.ConfirmationSourcePatientReply)
	if err != nil {
		t.Fatalf("RecordConfirmation failed: %v", err)
	}
	if c.DeliveryLogID != delivered.Log.ID {
		t.Errorf("DeliveryLogID = %q, want %q", c.DeliveryLogID, delivered.Log.ID)
	}

	status, err := tracker.Status(ctx, r.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Status != models.DerivedCompletedTaken || status.Source != models.SourceLogConfirmation || status.IDSuffix != "c-"+c.ID {
		t.Errorf("status = %+v", status)
	}
}

func TestRecordConfirmationValidatesOwnership(t *testing.T) {
	s, tracker, _, r := setup(t)
	ctx := context.Background()

	_, err := tracker.RecordConfirmation(ctx, "pat_2", r.ID, true, "", models.ConfirmationSourceVolunteer)
	var ve *models.ValidationError
	if !errors.As(err, &ve) || ve.Field != "reminder_id" {
		t.Fatalf("expected reminder_id ValidationError, got %v", err)
	}
	got, _ := s.GetReminder(ctx, r.ID)
	if got.ConfirmationStatus != models.ConfirmationPending {
		t.Errorf("confirmation status changed to %s", got.ConfirmationStatus)
	}

	_, err = tracker.RecordConfirmation(ctx, "pat_1", "rem_missing", true, "", models.ConfirmationSourceVolunteer)
	if !errors.As(err, &ve) || ve.Reason != "does not exist" {
		t.Errorf("expected does-not-exist ValidationError, got %v", err)
	}
}

func TestStatusWithPatientOnlyConfirmation(t *testing.T) {
	_, tracker, clock, r := setup(t)
	ctx := context.Background()

	tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionDelivered, "SM1", "", nil)
	if st, _ := tracker.Status(ctx, r.ID); st.Status != models.DerivedPending {
		t.Fatalf("status = %s, want pending", st.Status)
	}

	clock.Advance(time.Hour)
	c, err := tracker.RecordConfirmation(ctx, "pat_1", "", false, "lupa", models.ConfirmationSourceVolunteer)
	if err != nil {
		t.Fatalf("RecordConfirmation failed: %v", err)
	}
	st, _ := tracker.Status(ctx, r.ID)
	if st.Status != models.DerivedCompletedNotTaken || st.Source != models.SourcePatientConfirmation || st.IDSuffix != "c-"+c.ID {
		t.Errorf("status = %+v", st)
	}
}

func TestStatusSurvivesLateDeliveryReceipt(t *testing.T) {
	_, tracker, clock, r := setup(t)
	ctx := context.Background()

	if _, err := tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionSent, "SM1", "", nil); err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := tracker.RecordConfirmation(ctx, "pat_1", r.ID, true, "sudah", models.ConfirmationSourcePatientReply); err != nil {
		t.Fatalf("RecordConfirmation failed: %v", err)
	}
	if st, _ := tracker.Status(ctx, r.ID); st.Status != models.DerivedCompletedTaken {
		t.Fatalf("status after reply = %s, want completed_taken", st.Status)
	}

	clock.Advance(time.Minute)
	if _, err := tracker.RecordDeliveryByGatewayID(ctx, "SM1", models.DeliveryActionDelivered, "", nil); err != nil {
		t.Fatalf("RecordDeliveryByGatewayID failed: %v", err)
	}
	st, err := tracker.Status(ctx, r.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Status != models.DerivedCompletedTaken || st.Source != models.SourceLogConfirmation {
		t.Errorf("status after late receipt = %+v, want completed_taken from the reply", st)
	}
}
