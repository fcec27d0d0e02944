// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery in CarePipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends one WhatsApp text and returns the provider message SID.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID     string
	AuthToken      string
	FromWhats      string
	StatusCallback string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, e.g. "whatsapp:+14155238886".
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithStatusCallback asks Twilio to post delivery status updates to url.
func WithStatusCallback(url string) Option {
	return func(o *Opts) { o.StatusCallback = url }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client         *twilio.RestClient
	fromWhats      string
	statusCallback string
}

// NewClient creates a Client. Missing options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "",
		"StatusCallback_set", cfg.StatusCallback != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:         client,
		fromWhats:      cfg.FromWhats,
		statusCallback: cfg.StatusCallback,
	}, nil
}

// SendMessage sends a WhatsApp message to a canonical phone number and returns its SID.
// The Twilio SDK takes no context, so the call is abandoned (not cancelled) when ctx ends.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.client.Api.CreateMessage(params)
		if err != nil {
			done <- result{err: err}
			return
		}
		var sid string
		if resp != nil && resp.Sid != nil {
			sid = *resp.Sid
		}
		done <- result{sid: sid}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("send to %s abandoned: %w", to, ctx.Err())
	case res := <-done:
		if res.err != nil {
			slog.Error("Twilio SendMessage failed", "to", to, "error", res.err)
			return "", fmt.Errorf("failed to send message to %s: %w", to, res.err)
		}
		slog.Debug("Twilio message sent", "to", to, "sid", res.sid)
		return res.sid, nil
	}
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	// Err, when set, is returned by every SendMessage call.
	Err error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
	SID  string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	sid := fmt.Sprintf("SM%032d", len(m.SentMessages)+1)
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, SID: sid})
	return sid, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
