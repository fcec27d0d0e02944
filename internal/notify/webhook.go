package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Webhook headers set on every escalation POST.
const (
	SignatureHeader = "X-CarePipe-Signature"
	EventIDHeader   = "X-CarePipe-Event-ID"
)

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookNotifier posts escalations as signed JSON.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookNotifier creates a notifier posting to url. An empty secret sends unsigned requests.
func NewWebhookNotifier(url, secret string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, secret: secret, client: client}
}

func (w *WebhookNotifier) Notify(ctx context.Context, e models.Escalation) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode escalation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, e.ID)
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("escalation webhook failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("escalation webhook responded %s", resp.Status)
	}
	return nil
}
