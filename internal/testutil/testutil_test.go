package testutil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

func TestClock(t *testing.T) {
	c := NewClock()
	if !c.Now().Equal(Epoch) {
		t.Fatalf("Now = %v, want %v", c.Now(), Epoch)
	}
	c.Advance(90 * time.Minute)
	if got := c.Now().Sub(Epoch); got != 90*time.Minute {
		t.Errorf("advanced by %v, want 90m", got)
	}
}

func TestFakeSender(t *testing.T) {
	s := &FakeSender{}
	res, err := s.Send(context.Background(), "628123456789", "halo")
	if err != nil || !res.Success || res.ProviderMessageID != "wamid.0001" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	s.Err = errors.New("down")
	if _, err := s.Send(context.Background(), "628123456789", "lagi"); err == nil {
		t.Error("expected configured error")
	}
	if got := s.Sent(); len(got) != 1 || got[0].Body != "halo" {
		t.Errorf("Sent = %+v", got)
	}
}

func TestFakeNotifier(t *testing.T) {
	n := &FakeNotifier{}
	_ = n.Notify(context.Background(), models.Escalation{ID: "e1"})
	if got := n.Escalations(); len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("Escalations = %+v", got)
	}
}

func TestSeedHelpers(t *testing.T) {
	st := store.NewMemoryStore()
	p := SeedPatient(t, st, "pat_1", "628123456789", models.VerificationVerified)
	got, err := st.GetPatientByPhone(context.Background(), "628123456789")
	if err != nil || got.ID != p.ID {
		t.Fatalf("GetPatientByPhone = %+v, %v", got, err)
	}
	r := SeedReminder(t, st, p.ID, "08:00")
	if r.ID == "" {
		t.Error("expected reminder id to be assigned")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/confirmations", map[string]any{"patient_id": "pat_1"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", req.Header.Get("Content-Type"))
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"patient_id":"pat_1"}` {
		t.Errorf("body = %s", body)
	}

	req = CreateHTTPRequest(t, http.MethodGet, "/healthz", nil)
	if req.Header.Get("Content-Type") != "" {
		t.Error("GET without body should not set Content-Type")
	}
}
