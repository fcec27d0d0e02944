// Package testutil provides common test fakes and helpers for CarePipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// Epoch is the default start time of a Clock.
var Epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SentMessage is one message recorded by FakeSender.
type SentMessage struct {
	To   string
	Body string
}

// FakeSender records sends. When Err is set every send fails with it.
type FakeSender struct {
	mu   sync.Mutex
	Err  error
	sent []SentMessage
	seq  int
}

// Send implements the Sender shape used by orchestrator, dispatch and notify.
func (f *FakeSender) Send(_ context.Context, to, body string) (messaging.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return messaging.SendResult{Attempts: 1, Err: f.Err}, f.Err
	}
	f.seq++
	f.sent = append(f.sent, SentMessage{To: to, Body: body})
	return messaging.SendResult{Success: true, ProviderMessageID: fmt.Sprintf("wamid.%04d", f.seq), Attempts: 1}, nil
}

// Sent returns a copy of the recorded messages.
func (f *FakeSender) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// FakeNotifier records escalations.
type FakeNotifier struct {
	mu          sync.Mutex
	Err         error
	escalations []models.Escalation
}

func (f *FakeNotifier) Notify(_ context.Context, e models.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations = append(f.escalations, e)
	return f.Err
}

// Escalations returns a copy of the recorded escalations.
func (f *FakeNotifier) Escalations() []models.Escalation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Escalation(nil), f.escalations...)
}

// SeedPatient stores a patient with the given verification status.
func SeedPatient(t *testing.T, s store.PatientRepo, id, phone string, status models.VerificationStatus) *models.Patient {
	t.Helper()
	p := &models.Patient{ID: id, Name: "Ibu " + id, PhoneNumber: phone, VerificationStatus: status}
	if err := s.UpsertPatient(context.Background(), p); err != nil {
		t.Fatalf("failed to seed patient: %v", err)
	}
	return p
}

// SeedReminder stores a daily reminder for patientID at hhmm, active from Epoch's date.
func SeedReminder(t *testing.T, s store.ReminderRepo, patientID, hhmm string) *models.Reminder {
	t.Helper()
	r := &models.Reminder{
		PatientID:     patientID,
		ScheduledTime: hhmm,
		StartDate:     time.Date(Epoch.Year(), Epoch.Month(), Epoch.Day(), 0, 0, 0, 0, time.UTC),
		Message:       "Waktunya minum obat morfin 10mg",
	}
	if err := s.CreateReminder(context.Background(), r); err != nil {
		t.Fatalf("failed to seed reminder: %v", err)
	}
	return r
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the response envelope and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); !ok || status != expectedStatus {
		t.Errorf("expected status '%s', got '%v'", expectedStatus, response["status"])
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals v and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
