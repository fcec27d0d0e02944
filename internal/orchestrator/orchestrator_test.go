package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/BTreeMap/CarePipe/internal/conversation"
	"github.com/BTreeMap/CarePipe/internal/intent"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/reminder"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const patientPhone = "628123456789"

type fixture struct {
	store    *store.MemoryStore
	clock    *testutil.Clock
	contexts *conversation.Manager
	tracker  *reminder.Tracker
	sender   *testutil.FakeSender
	notifier *testutil.FakeNotifier
	handler  *Handler
	patient  *models.Patient
}

func newFixture(t *testing.T, status models.VerificationStatus) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		clock:    testutil.NewClock(),
		sender:   &testutil.FakeSender{},
		notifier: &testutil.FakeNotifier{},
	}
	f.contexts = conversation.NewManager(f.store, conversation.WithClock(f.clock.Now))
	f.tracker = reminder.NewTracker(f.store, reminder.WithClock(f.clock.Now))
	f.handler = NewHandler(f.store, f.contexts, f.tracker, f.sender, f.notifier, WithClock(f.clock.Now))
	f.patient = testutil.SeedPatient(t, f.store, "pat_1", patientPhone, status)
	return f
}

func (f *fixture) setContext(t *testing.T, kind models.ContextKind, related string) *models.ConversationContext {
	t.Helper()
	c, err := f.contexts.SetContext(context.Background(), f.patient.ID, kind, models.ShapeYesNo, related, 0)
	if err != nil {
		t.Fatalf("SetContext: %v", err)
	}
	return c
}

func (f *fixture) activeContext(t *testing.T) *models.ConversationContext {
	t.Helper()
	c, err := f.contexts.LoadActiveContext(context.Background(), f.patient.ID)
	if err != nil {
		t.Fatalf("LoadActiveContext: %v", err)
	}
	return c
}

func inbound(id, text string) models.InboundMessage {
	return models.InboundMessage{ProviderID: id, Sender: "whatsapp:+62 812-3456-789", Text: text, ReceivedAt: testutil.Epoch}
}

func TestVerificationAcceptVerifiesPatient(t *testing.T) {
	f := newFixture(t, models.VerificationPending)
	f.setContext(t, models.ContextVerification, "")

	res := f.handler.Handle(context.Background(), inbound("wamid.in1", "Iya"))
	if res.Err != nil {
		t.Fatalf("Handle: %v", res.Err)
	}
	if res.State != StateApplied || res.Intent != intent.Accept {
		t.Errorf("result = %+v, want APPLIED accept", res)
	}

	p, err := f.store.GetPatient(context.Background(), f.patient.ID)
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if p.VerificationStatus != models.VerificationVerified || p.VerifiedAt == nil {
		t.Errorf("patient = %+v, want VERIFIED", p)
	}
	if c := f.activeContext(t); c != nil {
		t.Errorf("context still active: %+v", c)
	}
	want := []testutil.SentMessage{{To: patientPhone, Body: DefaultMessages().Verified}}
	if diff := cmp.Diff(want, f.sender.Sent()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestVerificationOutcomes(t *testing.T) {
	tests := []struct {
		text string
		want models.VerificationStatus
	}{
		{"tidak mau", models.VerificationDeclined},
		{"stop", models.VerificationUnsubscribed},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f := newFixture(t, models.VerificationPending)
			f.setContext(t, models.ContextVerification, "")
			if res := f.handler.Handle(context.Background(), inbound("wamid.x", tt.text)); res.State != StateApplied {
				t.Fatalf("state = %s (%v), want APPLIED", res.State, res.Err)
			}
			p, _ := f.store.GetPatient(context.Background(), f.patient.ID)
			if p.VerificationStatus != tt.want {
				t.Errorf("status = %s, want %s", p.VerificationStatus, tt.want)
			}
		})
	}
}

func TestReminderMissedReply(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	ctx := context.Background()
	r := testutil.SeedReminder(t, f.store, f.patient.ID, "08:00")
	if _, err := f.tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionSent, "wamid.out1", "", nil); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	f.clock.Advance(time.Minute)
	if _, err := f.tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionDelivered, "wamid.out1", "", nil); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	f.setContext(t, models.ContextReminderConfirmation, r.ID)
	f.clock.Advance(time.Minute)

	res := f.handler.Handle(ctx, inbound("wamid.in2", "blm"))
	if res.State != StateApplied || res.Intent != intent.ConfirmMissed {
		t.Fatalf("result = %+v, want APPLIED confirm_missed", res)
	}

	confs, err := f.store.ListConfirmations(ctx, f.patient.ID, r.ID)
	if err != nil || len(confs) != 1 {
		t.Fatalf("confirmations = %+v, %v", confs, err)
	}
	if c := confs[0]; c.Taken || c.Source != models.ConfirmationSourcePatientReply || c.DeliveryLogID == "" {
		t.Errorf("confirmation = %+v, want untaken patient_reply linked to log", c)
	}

	status, err := f.tracker.Status(ctx, r.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != models.DerivedCompletedNotTaken || status.Source != models.SourceLogConfirmation {
		t.Errorf("derived = %+v, want completed_not_taken from log confirmation", status)
	}
	if c := f.activeContext(t); c != nil {
		t.Errorf("context still active: %+v", c)
	}
	if sent := f.sender.Sent(); len(sent) != 1 || sent[0].Body != DefaultMessages().Missed {
		t.Errorf("sent = %+v", sent)
	}
}

func TestReminderAcceptMeansTaken(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	r := testutil.SeedReminder(t, f.store, f.patient.ID, "08:00")
	f.setContext(t, models.ContextReminderConfirmation, r.ID)

	res := f.handler.Handle(context.Background(), inbound("wamid.in3", "iya"))
	if res.State != StateApplied {
		t.Fatalf("state = %s (%v), want APPLIED", res.State, res.Err)
	}
	got, _ := f.store.GetReminder(context.Background(), r.ID)
	if got.ConfirmationStatus != models.ConfirmationConfirmed {
		t.Errorf("confirmation status = %s, want CONFIRMED", got.ConfirmationStatus)
	}
}

func TestUnmatchedReplyClarifies(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	r := testutil.SeedReminder(t, f.store, f.patient.ID, "08:00")
	c := f.setContext(t, models.ContextReminderConfirmation, r.ID)

	res := f.handler.Handle(context.Background(), inbound("wamid.in4", "terserah"))
	if res.State != StateClarified || res.Attempts != 1 || res.ContextID != c.ID {
		t.Fatalf("result = %+v, want CLARIFIED attempt 1", res)
	}
	active := f.activeContext(t)
	if active == nil || active.ID != c.ID || active.Attempts != 1 {
		t.Errorf("context = %+v, want same context with 1 attempt", active)
	}
	msgs := DefaultMessages()
	if sent := f.sender.Sent(); len(sent) != 1 || sent[0].Body != msgs.ReminderClarifications[0] {
		t.Errorf("sent = %+v", sent)
	}

	for i, id := range []string{"wamid.in5", "wamid.in6", "wamid.in7"} {
		f.handler.Handle(context.Background(), inbound(id, "terserah"))
		if got := f.activeContext(t).Attempts; got != i+2 {
			t.Errorf("attempts = %d, want %d", got, i+2)
		}
	}
	sent := f.sender.Sent()
	if sent[1].Body != msgs.ReminderClarifications[1] || sent[2].Body != msgs.ReminderClarifications[2] || sent[3].Body != msgs.ReminderClarifications[2] {
		t.Errorf("clarification buckets wrong: %+v", sent)
	}
}

func TestConfirmLaterKeepsContext(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	r := testutil.SeedReminder(t, f.store, f.patient.ID, "08:00")
	f.setContext(t, models.ContextReminderConfirmation, r.ID)

	res := f.handler.Handle(context.Background(), inbound("wamid.in8", "nanti saja"))
	if res.State != StateClarified || res.Intent != intent.ConfirmLater {
		t.Fatalf("result = %+v", res)
	}
	if sent := f.sender.Sent(); len(sent) != 1 || sent[0].Body != DefaultMessages().Later {
		t.Errorf("sent = %+v", sent)
	}
}

func TestEmergencyEscalatesAndKeepsContext(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	r := testutil.SeedReminder(t, f.store, f.patient.ID, "08:00")
	c := f.setContext(t, models.ContextReminderConfirmation, r.ID)

	res := f.handler.Handle(context.Background(), inbound("wamid.in9", "sesak nafas tolong"))
	if res.State != StateEscalated || res.Intent != intent.Emergency {
		t.Fatalf("result = %+v, want ESCALATED emergency", res)
	}
	esc := f.notifier.Escalations()
	if len(esc) != 1 {
		t.Fatalf("escalations = %d, want 1", len(esc))
	}
	if e := esc[0]; e.Priority != models.PriorityUrgent || e.PatientID != f.patient.ID || e.ContextKind != models.ContextReminderConfirmation || e.ID == "" {
		t.Errorf("escalation = %+v", e)
	}
	active := f.activeContext(t)
	if active == nil || active.ID != c.ID || active.Attempts != 0 {
		t.Errorf("context = %+v, want untouched", active)
	}
	if sent := f.sender.Sent(); len(sent) != 1 || sent[0].Body != DefaultMessages().Emergency {
		t.Errorf("sent = %+v", sent)
	}
}

func TestNoContextGeneralInquiry(t *testing.T) {
	tests := []struct {
		text        string
		wantState   State
		escalations int
	}{
		{"kapan jadwal kontrol ?", StateEscalated, 1},
		{"terima kasih ok", StateAcknowledged, 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f := newFixture(t, models.VerificationVerified)
			res := f.handler.Handle(context.Background(), inbound("wamid.g", tt.text))
			if res.State != tt.wantState {
				t.Fatalf("state = %s (%v), want %s", res.State, res.Err, tt.wantState)
			}
			if got := f.notifier.Escalations(); len(got) != tt.escalations {
				t.Errorf("escalations = %d, want %d", len(got), tt.escalations)
			} else if tt.escalations > 0 && got[0].Priority != models.PriorityNormal {
				t.Errorf("priority = %s, want normal", got[0].Priority)
			}
			if sent := f.sender.Sent(); len(sent) != 1 || sent[0].Body != DefaultMessages().Default {
				t.Errorf("sent = %+v", sent)
			}
		})
	}
}

func TestGeneralInquiryContextClarifies(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	c := f.setContext(t, models.ContextGeneralInquiry, "")

	for i, text := range []string{"kapan jadwal kontrol ?", "iya"} {
		res := f.handler.Handle(context.Background(), inbound(fmt.Sprintf("wamid.q%d", i), text))
		if res.State != StateClarified || res.Attempts != i+1 {
			t.Fatalf("reply %q: state = %s attempts = %d (%v), want CLARIFIED with %d", text, res.State, res.Attempts, res.Err, i+1)
		}
	}

	active := f.activeContext(t)
	if active == nil || active.ID != c.ID || active.Attempts != 2 {
		t.Errorf("context = %+v, want the same context with 2 attempts", active)
	}
	if got := f.notifier.Escalations(); len(got) != 0 {
		t.Errorf("escalations = %+v, want none", got)
	}
	msgs := DefaultMessages()
	want := []testutil.SentMessage{
		{To: patientPhone, Body: msgs.InquiryClarifications[0]},
		{To: patientPhone, Body: msgs.InquiryClarifications[1]},
	}
	if diff := cmp.Diff(want, f.sender.Sent()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestTruncateNotes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"sudah", 10, "sudah"},
		{"sudah", 3, "sud"},
		{"sudah 👍", 8, "sudah "},
		{"née", 2, "n"},
		{"👍", 2, ""},
	}
	for _, tt := range tests {
		got := truncateNotes(tt.in, tt.n)
		if got != tt.want || !utf8.ValidString(got) {
			t.Errorf("truncateNotes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestLongMultibyteReplyIsRecorded(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	r := testutil.SeedReminder(t, f.store, f.patient.ID, "08:00")
	f.setContext(t, models.ContextReminderConfirmation, r.ID)

	text := "sudah " + strings.Repeat("🙏", models.MaxNotesLength)
	res := f.handler.Handle(context.Background(), inbound("wamid.long", text))
	if res.State != StateApplied {
		t.Fatalf("state = %s (%v), want APPLIED", res.State, res.Err)
	}
	confs, err := f.store.ListConfirmations(context.Background(), f.patient.ID, r.ID)
	if err != nil || len(confs) != 1 {
		t.Fatalf("confirmations = %+v, %v", confs, err)
	}
	if n := confs[0].Notes; len(n) > models.MaxNotesLength || !utf8.ValidString(n) {
		t.Errorf("notes length %d valid=%v, want at most %d bytes of valid UTF-8", len(n), utf8.ValidString(n), models.MaxNotesLength)
	}
}

func TestDuplicateMessageIsNotReprocessed(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	r := testutil.SeedReminder(t, f.store, f.patient.ID, "08:00")
	f.setContext(t, models.ContextReminderConfirmation, r.ID)

	first := f.handler.Handle(context.Background(), inbound("wamid.dup", "terserah"))
	second := f.handler.Handle(context.Background(), inbound("wamid.dup", "terserah"))
	if first.State != StateClarified {
		t.Fatalf("first state = %s", first.State)
	}
	if second.State != StateDuplicate || !errors.Is(second.Err, models.ErrDuplicateMessage) {
		t.Errorf("second = %+v, want duplicate", second)
	}
	if got := f.activeContext(t).Attempts; got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if len(f.sender.Sent()) != 1 {
		t.Errorf("sent %d replies, want 1", len(f.sender.Sent()))
	}
}

func TestIdempotencyKeyFallback(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 10, 0, time.UTC)
	msg := models.InboundMessage{Sender: "+62 812 3456 789", Text: "Sudah!!"}
	k1 := IdempotencyKey(msg, base)

	same := models.InboundMessage{Sender: "628123456789", Text: "  sudah "}
	if k2 := IdempotencyKey(same, base.Add(2*time.Minute)); k2 != k1 {
		t.Errorf("same sender/text inside window produced %q and %q", k1, k2)
	}
	if k3 := IdempotencyKey(msg, base.Add(DedupWindow)); k3 == k1 {
		t.Error("next window produced the same key")
	}
	if k := IdempotencyKey(models.InboundMessage{ProviderID: "SM123", Sender: "x"}, base); k != "SM123" {
		t.Errorf("provider id key = %q", k)
	}
}

func TestDroppedMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  models.InboundMessage
	}{
		{"unknown sender", models.InboundMessage{ProviderID: "a", Sender: "6299999999", Text: "iya"}},
		{"missing sender", models.InboundMessage{ProviderID: "b", Text: "iya"}},
		{"empty text", models.InboundMessage{ProviderID: "c", Sender: patientPhone, Text: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, models.VerificationVerified)
			res := f.handler.Handle(context.Background(), tt.msg)
			if res.State != StateDropped || res.Err == nil {
				t.Errorf("result = %+v, want DROPPED with error", res)
			}
			if len(f.sender.Sent()) != 0 {
				t.Error("dropped message produced a reply")
			}
		})
	}

	f := newFixture(t, models.VerificationVerified)
	var unknown *models.UnknownSenderError
	if res := f.handler.Handle(context.Background(), tests[0].msg); !errors.As(res.Err, &unknown) {
		t.Errorf("err = %v, want UnknownSenderError", res.Err)
	}
}

func TestFailedAckIsQueued(t *testing.T) {
	f := newFixture(t, models.VerificationPending)
	f.sender.Err = &models.GatewayTransientError{Gateway: "fake", Err: errors.New("down")}
	f.setContext(t, models.ContextVerification, "")

	res := f.handler.Handle(context.Background(), inbound("wamid.q", "iya"))
	if res.State != StateApplied || !res.ReplyQueued || res.Err != nil {
		t.Fatalf("result = %+v, want APPLIED with queued reply", res)
	}
	p, _ := f.store.GetPatient(context.Background(), f.patient.ID)
	if p.VerificationStatus != models.VerificationVerified {
		t.Errorf("status = %s, state change must survive send failure", p.VerificationStatus)
	}
	queued := f.store.ListOutbox()
	if len(queued) != 1 {
		t.Fatalf("outbox = %+v", queued)
	}
	if q := queued[0]; q.Recipient != patientPhone || q.Kind != messaging.OutboxKindText || q.PayloadJSON != messaging.TextPayload(DefaultMessages().Verified) {
		t.Errorf("outbox message = %+v", q)
	}
}

type panickingSender struct{}

func (panickingSender) Send(context.Context, string, string) (messaging.SendResult, error) {
	panic("boom")
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	h := NewHandler(f.store, f.contexts, f.tracker, panickingSender{}, f.notifier, WithClock(f.clock.Now))

	res := h.Handle(context.Background(), inbound("wamid.p", "halo apa kabar"))
	if res.State != StateFailed || res.Err == nil {
		t.Fatalf("result = %+v, want FAILED", res)
	}

	// The lock was released: the next message for the patient still runs.
	next := f.handler.Handle(context.Background(), inbound("wamid.p2", "terima kasih ok"))
	if next.State != StateAcknowledged {
		t.Errorf("next state = %s (%v)", next.State, next.Err)
	}
}

func TestConcurrentRepliesApplyOnce(t *testing.T) {
	f := newFixture(t, models.VerificationVerified)
	r := testutil.SeedReminder(t, f.store, f.patient.ID, "08:00")
	f.setContext(t, models.ContextReminderConfirmation, r.ID)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.handler.Handle(context.Background(), inbound("wamid.c"+string(rune('a'+i)), "sudah"))
		}()
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		if res.State == StateApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied = %d, want exactly 1", applied)
	}
	confs, _ := f.store.ListConfirmations(context.Background(), f.patient.ID, r.ID)
	if len(confs) != 1 {
		t.Errorf("confirmations = %d, want 1", len(confs))
	}
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Lock = %v, want deadline exceeded", err)
	}

	other, err := k.Lock(context.Background(), "b")
	if err != nil {
		t.Fatalf("Lock other key: %v", err)
	}
	other()

	unlock()
	unlock()
	if k.Len() != 0 {
		t.Errorf("Len = %d, want 0 after release", k.Len())
	}
}
