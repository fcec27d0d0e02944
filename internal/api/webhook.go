package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Field aliases accepted by the webhooks, in lookup order.
var (
	senderFields = []string{"sender", "phone", "from", "From"}
	textFields   = []string{"message", "text", "body", "Body"}
	idFields     = []string{"id", "message_id", "msgId", "MessageSid"}
	timeFields   = []string{"timestamp", "time", "created_at"}
	statusFields = []string{"status", "MessageStatus"}
)

// millisThreshold separates unix seconds from unix milliseconds.
const millisThreshold = 1_000_000_000_000

// VerifySignature checks signature against the hex HMAC-SHA256 of body. A "sha256=" prefix is accepted.
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" {
		return &models.SignatureError{Reason: "no webhook secret configured"}
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return &models.SignatureError{Reason: "missing signature"}
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return &models.SignatureError{Reason: "signature is not hex"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return &models.SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

// payload looks up webhook fields in a JSON or form-encoded body.
type payload func(key string) string

func parsePayload(body []byte, contentType string) (payload, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		return values.Get, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, errors.New("body is not a JSON object")
	}
	return func(key string) string {
		return root.Get(key).String()
	}, nil
}

func (p payload) first(keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(p(k)); v != "" {
			return v
		}
	}
	return ""
}

// ParseInbound normalizes a gateway reply payload. now is used when the payload carries no
// usable timestamp.
func ParseInbound(body []byte, contentType string, now time.Time) (models.InboundMessage, error) {
	p, err := parsePayload(body, contentType)
	if err != nil {
		return models.InboundMessage{}, err
	}
	msg := models.InboundMessage{
		ProviderID: p.first(idFields),
		Sender:     stripChannelPrefix(p.first(senderFields)),
		Text:       p.first(textFields),
		ReceivedAt: parseTimestamp(p.first(timeFields), now),
		Raw:        string(body),
	}
	if msg.Sender == "" {
		return models.InboundMessage{}, models.NewValidationError("sender", "is required")
	}
	if msg.Text == "" {
		return models.InboundMessage{}, models.NewValidationError("message", "is required")
	}
	return msg, nil
}

// ParseStatus normalizes a gateway delivery status callback.
func ParseStatus(body []byte, contentType string) (models.StatusUpdate, error) {
	p, err := parsePayload(body, contentType)
	if err != nil {
		return models.StatusUpdate{}, err
	}
	u := models.StatusUpdate{
		ProviderID: p.first(idFields),
		Status:     models.MessageStatus(strings.ToLower(p.first(statusFields))),
		Raw:        string(body),
	}
	if u.ProviderID == "" {
		return models.StatusUpdate{}, models.NewValidationError("id", "is required")
	}
	if u.Status == "" {
		return models.StatusUpdate{}, models.NewValidationError("status", "is required")
	}
	return u, nil
}

func stripChannelPrefix(sender string) string {
	if len(sender) >= len("whatsapp:") && strings.EqualFold(sender[:len("whatsapp:")], "whatsapp:") {
		return strings.TrimSpace(sender[len("whatsapp:"):])
	}
	return sender
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n >= millisThreshold {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return fallback
}
