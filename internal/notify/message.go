package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// TextSender sends a WhatsApp text. *messaging.Sender implements it.
type TextSender interface {
	Send(ctx context.Context, to, body string) (messaging.SendResult, error)
}

// MessageNotifier texts escalations to the operator's phone.
type MessageNotifier struct {
	sender TextSender
	phone  string
}

// NewMessageNotifier sends to operatorPhone through sender.
func NewMessageNotifier(sender TextSender, operatorPhone string) *MessageNotifier {
	return &MessageNotifier{sender: sender, phone: operatorPhone}
}

func (m *MessageNotifier) Notify(ctx context.Context, e models.Escalation) error {
	if _, err := m.sender.Send(ctx, m.phone, FormatText(e)); err != nil {
		return fmt.Errorf("failed to text operator: %w", err)
	}
	return nil
}

// FormatText renders an escalation as a short operator message.
func FormatText(e models.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", strings.ToUpper(string(e.Priority)))
	if e.PatientName != "" {
		fmt.Fprintf(&b, "%s (+%s)", e.PatientName, e.Phone)
	} else {
		fmt.Fprintf(&b, "+%s", e.Phone)
	}
	fmt.Fprintf(&b, ": %q\nintent=%s confidence=%.2f", e.Text, e.Intent, e.Confidence)
	if e.ContextKind != "" {
		fmt.Fprintf(&b, " context=%s", e.ContextKind)
	}
	return b.String()
}
