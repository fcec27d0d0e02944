// Package messaging delivers outbound WhatsApp texts through a pluggable gateway Transport,
// with retry, a per-transport circuit breaker and an optional rate limit.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	twilioclient "github.com/twilio/twilio-go/client"
	"go.mau.fi/whatsmeow"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarePipe/internal/whatsapp"
)

// Transport sends one text to a canonical phone number and returns the provider message id.
// Failures are *models.GatewayTransientError or *models.GatewayPermanentError.
type Transport interface {
	Name() string
	Send(ctx context.Context, to, body string) (string, error)
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// classifyStatus wraps err by HTTP status code.
func classifyStatus(gateway string, code int, err error) error {
	if transientStatus(code) {
		return &models.GatewayTransientError{Gateway: gateway, StatusCode: code, Err: err}
	}
	return &models.GatewayPermanentError{Gateway: gateway, StatusCode: code, Err: err}
}

// --- Twilio ---

// TwilioTransport sends through the Twilio WhatsApp API.
type TwilioTransport struct {
	client twiliowhatsapp.Sender
}

// NewTwilioTransport wraps a Twilio client (or twiliowhatsapp.MockClient).
func NewTwilioTransport(client twiliowhatsapp.Sender) *TwilioTransport {
	return &TwilioTransport{client: client}
}

func (t *TwilioTransport) Name() string { return "twilio" }

func (t *TwilioTransport) Send(ctx context.Context, to, body string) (string, error) {
	sid, err := t.client.SendMessage(ctx, to, body)
	if err != nil {
		return "", classifyTwilio(err)
	}
	return sid, nil
}

func classifyTwilio(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return classifyStatus("twilio", restErr.Status, err)
	}
	// No REST status means the request never got an answer: network error or abandoned call.
	return &models.GatewayTransientError{Gateway: "twilio", Err: err}
}

// --- WhatsApp (whatsmeow) ---

// WhatsAppTransport sends through a directly connected WhatsApp device.
type WhatsAppTransport struct {
	client whatsapp.Sender
}

// NewWhatsAppTransport wraps a whatsapp client (or whatsapp.MockClient).
func NewWhatsAppTransport(client whatsapp.Sender) *WhatsAppTransport {
	return &WhatsAppTransport{client: client}
}

func (t *WhatsAppTransport) Name() string { return "whatsapp" }

func (t *WhatsAppTransport) Send(ctx context.Context, to, body string) (string, error) {
	id, err := t.client.SendMessage(ctx, to, body)
	if err != nil {
		return "", classifyWhatsApp(err)
	}
	return id, nil
}

func classifyWhatsApp(err error) error {
	// A logged-out device needs a new QR login; retrying cannot help.
	if errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		return &models.GatewayPermanentError{Gateway: "whatsapp", Err: err}
	}
	return &models.GatewayTransientError{Gateway: "whatsapp", Err: err}
}

// --- Generic HTTP gateway ---

// providerIDPaths are the gjson paths searched for the provider message id, in order.
var providerIDPaths = []string{"id", "message_id", "messageId", "sid", "data.id"}

// HTTPTransport posts {"to","message"} as JSON to a generic WhatsApp gateway.
type HTTPTransport struct {
	url    string
	token  string
	client *http.Client
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// WithBearerToken sets the Authorization bearer token.
func WithBearerToken(token string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.token = token
	}
}

// NewHTTPTransport creates a transport posting to url.
func NewHTTPTransport(url string, opts ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{url: url, client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) Name() string { return "http" }

type gatewayRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (t *HTTPTransport) Send(ctx context.Context, to, body string) (string, error) {
	payload, err := json.Marshal(gatewayRequest{To: to, Message: body})
	if err != nil {
		return "", &models.GatewayPermanentError{Gateway: "http", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return "", &models.GatewayPermanentError{Gateway: "http", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// Network failures and timeouts never carry a status.
		return "", &models.GatewayTransientError{Gateway: "http", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &models.GatewayTransientError{Gateway: "http", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus("http", resp.StatusCode, fmt.Errorf("gateway responded %s: %s", resp.Status, truncate(string(respBody), 200)))
	}

	id := providerID(respBody)
	if id == "" {
		slog.Warn("HTTPTransport.Send: gateway response carried no message id", "to", to, "status", resp.StatusCode)
	}
	return id, nil
}

// providerID extracts the first non-empty id from a gateway JSON response.
func providerID(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range providerIDPaths {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
