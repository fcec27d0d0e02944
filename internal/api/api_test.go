package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/BTreeMap/CarePipe/internal/conversation"
	"github.com/BTreeMap/CarePipe/internal/dispatch"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/orchestrator"
	"github.com/BTreeMap/CarePipe/internal/reminder"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSecret = "s3cret"

type fakeHealth struct {
	breaker *messaging.CircuitBreaker
}

func (f fakeHealth) TransportName() string              { return "http" }
func (f fakeHealth) Breaker() *messaging.CircuitBreaker { return f.breaker }

type testServer struct {
	store    *store.MemoryStore
	clock    *testutil.Clock
	contexts *conversation.Manager
	tracker  *reminder.Tracker
	sender   *testutil.FakeSender
	handler  http.Handler
	patient  *models.Patient
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	ts := &testServer{
		store:  store.NewMemoryStore(),
		clock:  testutil.NewClock(),
		sender: &testutil.FakeSender{},
	}
	ts.contexts = conversation.NewManager(ts.store, conversation.WithClock(ts.clock.Now))
	ts.tracker = reminder.NewTracker(ts.store, reminder.WithClock(ts.clock.Now))
	inbound := orchestrator.NewHandler(ts.store, ts.contexts, ts.tracker, ts.sender, &testutil.FakeNotifier{}, orchestrator.WithClock(ts.clock.Now))
	d := dispatch.NewDispatcher(ts.store, ts.tracker, ts.contexts, ts.sender, dispatch.WithClock(ts.clock.Now))
	health := fakeHealth{breaker: messaging.NewCircuitBreaker("http")}

	opts = append([]Option{WithWebhookSecret(testSecret), WithClock(ts.clock.Now)}, opts...)
	ts.handler = NewServer(ts.store, inbound, ts.tracker, d, health, opts...).Handler()
	ts.patient = testutil.SeedPatient(t, ts.store, "pat_1", "628123456789", models.VerificationPending)
	return ts
}

func (ts *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(t *testing.T, path string, body []byte, contentType, signature string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if signature != "" {
		req.Header.Set(DefaultSignatureHeader, signature)
	}
	return req
}

func TestInboundWebhookVerifiesPatient(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.contexts.SetContext(context.Background(), ts.patient.ID, models.ContextVerification, models.ShapeYesNo, "", 0); err != nil {
		t.Fatalf("SetContext: %v", err)
	}

	body := []byte(`{"sender":"+62 812 3456 789","message":"Iya","id":"wamid.in1","timestamp":1714550400}`)
	rr := ts.serve(webhookRequest(t, "/webhooks/inbound", body, "application/json", "sha256="+sign(body)))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "inbound webhook")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result, _ := resp["result"].(map[string]interface{})
	if result["state"] != string(orchestrator.StateApplied) {
		t.Errorf("state = %v, want APPLIED", result["state"])
	}

	p, err := ts.store.GetPatient(context.Background(), ts.patient.ID)
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if p.VerificationStatus != models.VerificationVerified {
		t.Errorf("verification status = %s, want VERIFIED", p.VerificationStatus)
	}
	if sent := ts.sender.Sent(); len(sent) != 1 {
		t.Errorf("sent %d replies, want 1", len(sent))
	}
}

func TestInboundWebhookSignature(t *testing.T) {
	body := []byte(`{"sender":"628123456789","message":"halo"}`)
	tests := []struct {
		name      string
		signature string
		allow     bool
		want      int
	}{
		{"missing", "", false, http.StatusUnauthorized},
		{"mismatch", sign([]byte("other")), false, http.StatusUnauthorized},
		{"not hex", "zz", false, http.StatusUnauthorized},
		{"valid without prefix", sign(body), false, http.StatusOK},
		{"unsigned allowed", "", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, WithAllowUnsigned(tt.allow))
			rr := ts.serve(webhookRequest(t, "/webhooks/inbound", body, "application/json", tt.signature))
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}
}

func TestInboundWebhookCustomHeader(t *testing.T) {
	ts := newTestServer(t, WithSignatureHeader("X-Hub-Signature-256"))
	body := []byte(`{"sender":"628123456789","message":"halo"}`)
	req := webhookRequest(t, "/webhooks/inbound", body, "application/json", "")
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign(body))
	testutil.AssertHTTPStatus(t, http.StatusOK, ts.serve(req).Code, "custom signature header")
}

func TestInboundWebhookMalformedIsAcknowledged(t *testing.T) {
	ts := newTestServer(t)
	for _, body := range [][]byte{[]byte(`not json`), []byte(`["a"]`), []byte(`{"sender":"628123456789"}`)} {
		rr := ts.serve(webhookRequest(t, "/webhooks/inbound", body, "application/json", sign(body)))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, string(body))
		resp := testutil.AssertJSONResponse(t, rr, "ok")
		if resp["message"] != "Payload ignored" {
			t.Errorf("%s: message = %v, want Payload ignored", body, resp["message"])
		}
	}
	if sent := ts.sender.Sent(); len(sent) != 0 {
		t.Errorf("sent %d replies for malformed payloads", len(sent))
	}
}

func TestInboundWebhookTwilioForm(t *testing.T) {
	ts := newTestServer(t)
	body := []byte("From=whatsapp%3A%2B628123456789&Body=kapan+jadwal+kontrol%3F&MessageSid=SM123")
	rr := ts.serve(webhookRequest(t, "/webhooks/inbound", body, "application/x-www-form-urlencoded", sign(body)))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio form")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result, _ := resp["result"].(map[string]interface{})
	if result["idempotency_key"] != "SM123" || result["patient_id"] != ts.patient.ID {
		t.Errorf("result = %v, want key SM123 for %s", result, ts.patient.ID)
	}
}

func TestStatusWebhook(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	r := testutil.SeedReminder(t, ts.store, ts.patient.ID, "08:00")
	if _, err := ts.tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionSent, "wamid.0001", "", nil); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}

	tests := []struct {
		name    string
		body    string
		message string
		status  string
	}{
		{"delivered", `{"id":"wamid.0001","status":"delivered"}`, "", "recorded"},
		{"unknown status", `{"message_id":"wamid.0001","status":"typing"}`, "Status ignored", "ok"},
		{"unknown id", `{"msgId":"wamid.9999","status":"read"}`, "No matching reminder", "ok"},
		{"missing id", `{"status":"read"}`, "Payload ignored", "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			rr := ts.serve(webhookRequest(t, "/webhooks/status", body, "application/json", sign(body)))
			testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, tt.name)
			resp := testutil.AssertJSONResponse(t, rr, tt.status)
			if tt.message != "" && resp["message"] != tt.message {
				t.Errorf("message = %v, want %q", resp["message"], tt.message)
			}
		})
	}

	got, err := ts.store.GetReminder(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.Status != models.ReminderStatusDelivered {
		t.Errorf("reminder status = %s, want DELIVERED", got.Status)
	}
}

func TestStatusWebhookTwilioForm(t *testing.T) {
	ts := newTestServer(t)
	r := testutil.SeedReminder(t, ts.store, ts.patient.ID, "08:00")
	if _, err := ts.tracker.RecordDelivery(context.Background(), r.ID, models.DeliveryActionSent, "SM42", "", nil); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	body := []byte("MessageSid=SM42&MessageStatus=undelivered")
	rr := ts.serve(webhookRequest(t, "/webhooks/status", body, "application/x-www-form-urlencoded", sign(body)))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio status")

	logs, err := ts.store.ListDeliveryLogs(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("ListDeliveryLogs: %v", err)
	}
	var failed int
	for _, l := range logs {
		if l.Action == models.DeliveryActionFailed {
			failed++
		}
	}
	if len(logs) != 2 || failed != 1 {
		t.Errorf("logs = %+v, want one SENT and one FAILED", logs)
	}
}

func TestDispatchReminder(t *testing.T) {
	ts := newTestServer(t)
	r := testutil.SeedReminder(t, ts.store, ts.patient.ID, "08:00")

	rr := ts.serve(testutil.CreateHTTPRequest(t, http.MethodPost, "/reminders/"+r.ID+"/dispatch", nil))
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "dispatch")
	testutil.AssertJSONResponse(t, rr, "scheduled")

	ts.clock.Advance(1)
	rr = ts.serve(testutil.CreateHTTPRequest(t, http.MethodPost, "/reminders/"+r.ID+"/dispatch", nil))
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "second dispatch")

	jobs := ts.store.ListJobs(dispatch.JobKindSendReminder)
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2 manual dispatches", len(jobs))
	}
	if !strings.HasPrefix(jobs[0].DedupeKey, "manual:"+r.ID+":") {
		t.Errorf("dedupe key = %q", jobs[0].DedupeKey)
	}

	rr = ts.serve(testutil.CreateHTTPRequest(t, http.MethodPost, "/reminders/rem_missing/dispatch", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown reminder")
}

func TestReminderStatus(t *testing.T) {
	ts := newTestServer(t)
	r := testutil.SeedReminder(t, ts.store, ts.patient.ID, "08:00")

	rr := ts.serve(testutil.CreateHTTPRequest(t, http.MethodGet, "/reminders/"+r.ID+"/status", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "status")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result, _ := resp["result"].(map[string]interface{})
	if result["status"] != string(models.DerivedScheduled) {
		t.Errorf("derived status = %v, want scheduled", result["status"])
	}

	rr = ts.serve(testutil.CreateHTTPRequest(t, http.MethodGet, "/reminders/rem_missing/status", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown reminder")
}

func TestConfirmation(t *testing.T) {
	ts := newTestServer(t)
	r := testutil.SeedReminder(t, ts.store, ts.patient.ID, "08:00")
	taken := true

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"valid", models.ReminderConfirmationRequest{PatientID: ts.patient.ID, ReminderID: r.ID, Taken: &taken, Notes: "dicek keluarga"}, http.StatusCreated},
		{"patient only", models.ReminderConfirmationRequest{PatientID: ts.patient.ID, Taken: &taken}, http.StatusCreated},
		{"missing taken", map[string]string{"patient_id": ts.patient.ID}, http.StatusBadRequest},
		{"unknown patient", models.ReminderConfirmationRequest{PatientID: "pat_missing", Taken: &taken}, http.StatusNotFound},
		{"unknown reminder", models.ReminderConfirmationRequest{PatientID: ts.patient.ID, ReminderID: "rem_missing", Taken: &taken}, http.StatusBadRequest},
		{"bad json", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.serve(testutil.CreateHTTPRequest(t, http.MethodPost, "/confirmations", tt.body))
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}

	status, err := ts.tracker.Status(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != models.DerivedCompletedTaken {
		t.Errorf("derived status = %s, want completed_taken", status.Status)
	}
}

func TestVerificationEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.serve(testutil.CreateHTTPRequest(t, http.MethodPost, "/patients/"+ts.patient.ID+"/verification", nil))
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "verification")
	if jobs := ts.store.ListJobs(dispatch.JobKindSendVerification); len(jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(jobs))
	}

	rr = ts.serve(testutil.CreateHTTPRequest(t, http.MethodPost, "/patients/pat_missing/verification", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown patient")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.serve(testutil.CreateHTTPRequest(t, http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result, _ := resp["result"].(map[string]interface{})
	if result["breaker"] != string(messaging.BreakerClosed) || result["transport"] != "http" {
		t.Errorf("result = %v", result)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.serve(testutil.CreateHTTPRequest(t, http.MethodGet, "/webhooks/inbound", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET inbound webhook")
}
