// Package whatsapp wraps the whatsmeow client for direct WhatsApp delivery in CarePipe.
//
// It sends text messages and turns whatsmeow message and receipt events into
// models.InboundMessage and models.StatusUpdate values.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

const (
	// DefaultSQLitePath is the default path for the whatsmeow device database.
	DefaultSQLitePath = "/var/lib/carepipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends one WhatsApp text and returns the provider message id.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// deviceDriver picks the database/sql driver for dsn and reports whether a SQLite DSN
// is missing the foreign key pragma whatsmeow expects.
func deviceDriver(dsn string) (driver string, missingForeignKeys bool) {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres", false
	}
	return "sqlite3", !strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store, logs in with a QR code when no session exists, and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver, missingFK := deviceDriver(dbDSN)
	if missingFK {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; consider adding '?_foreign_keys=on'",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(ctx)
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a text to a canonical phone number and returns the WhatsApp message id.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "id", resp.ID)
	return string(resp.ID), nil
}

// Connected reports whether the underlying websocket is up.
func (c *Client) Connected() bool {
	return c.waClient != nil && c.waClient.IsConnected()
}

// Disconnect closes the connection to WhatsApp.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// Subscribe forwards inbound text messages and delivery receipts to the given callbacks.
// Callbacks run on whatsmeow's event goroutine.
func (c *Client) Subscribe(onMessage func(models.InboundMessage), onStatus func(models.StatusUpdate)) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			if msg, ok := InboundFromEvent(v); ok && onMessage != nil {
				onMessage(msg)
			}
		case *events.Receipt:
			if onStatus == nil {
				return
			}
			for _, u := range StatusUpdatesFromReceipt(v) {
				onStatus(u)
			}
		}
	})
}

// InboundFromEvent converts a whatsmeow message event. Non-text and own messages are skipped.
func InboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return models.InboundMessage{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsApp ignoring non-text message", "from", evt.Info.Sender.User)
		return models.InboundMessage{}, false
	}
	return models.InboundMessage{
		ProviderID: string(evt.Info.ID),
		Sender:     evt.Info.Sender.User,
		Text:       text,
		ReceivedAt: evt.Info.Timestamp,
	}, true
}

// StatusUpdatesFromReceipt converts a whatsmeow receipt into one status update per message id.
func StatusUpdatesFromReceipt(evt *events.Receipt) []models.StatusUpdate {
	if evt == nil {
		return nil
	}
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return nil
	}
	updates := make([]models.StatusUpdate, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		updates = append(updates, models.StatusUpdate{ProviderID: string(id), Status: status})
	}
	return updates
}

// MockClient records messages instead of sending them.
type MockClient struct {
	Sent []string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.Sent = append(m.Sent, to)
	return fmt.Sprintf("3EB0%08d", len(m.Sent)), nil
}
