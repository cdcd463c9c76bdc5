package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/twiliosms"
	"github.com/BTreeMap/WaffleCafe/internal/whatsapp"
)

// LogTransport writes notifications to the log. It is the fallback when no
// push channel is configured.
type LogTransport struct{}

// Name implements Transport.
func (LogTransport) Name() string { return "log" }

// Send implements Transport.
func (LogTransport) Send(ctx context.Context, user models.User, p models.NotificationPayload) error {
	slog.Info("LogTransport.Send: notification", "userID", user.ID, "type", p.Type, "waffleID", p.WaffleID, "title", p.Title, "body", p.Body)
	return nil
}

// phoneTransport sends plain text to the user's phone number.
type phoneTransport struct {
	name   string
	sender interface {
		SendMessage(ctx context.Context, to string, body string) error
	}
}

func (t *phoneTransport) Name() string { return t.name }

func (t *phoneTransport) Send(ctx context.Context, user models.User, p models.NotificationPayload) error {
	to, err := CanonicalPhone(user.Phone)
	if err != nil {
		if errors.Is(err, ErrNoAddress) {
			return err
		}
		return fmt.Errorf("%s: user %s: %w", t.name, user.ID, err)
	}
	if err := t.sender.SendMessage(ctx, to, FormatText(p)); err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	slog.Debug("messaging.Send: delivered", "transport", t.name, "userID", user.ID, "type", p.Type)
	return nil
}

// NewTwilioTransport sends notifications as SMS (or Twilio WhatsApp) texts.
func NewTwilioTransport(sender twiliosms.Sender) Transport {
	return &phoneTransport{name: "twilio", sender: sender}
}

// NewWhatsAppTransport sends notifications from a linked WhatsApp account.
func NewWhatsAppTransport(sender whatsapp.WhatsAppSender) Transport {
	return &phoneTransport{name: "whatsapp", sender: sender}
}

// MultiTransport fans a notification out to every transport. It succeeds when
// at least one transport delivered it.
type MultiTransport struct {
	transports []Transport
}

// NewMultiTransport combines transports in order.
func NewMultiTransport(transports ...Transport) *MultiTransport {
	return &MultiTransport{transports: transports}
}

// Name implements Transport.
func (m *MultiTransport) Name() string { return "multi" }

// Send implements Transport.
func (m *MultiTransport) Send(ctx context.Context, user models.User, p models.NotificationPayload) error {
	var (
		errs      []error
		delivered int
	)
	for _, t := range m.transports {
		err := t.Send(ctx, user, p)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrNoAddress):
			slog.Debug("MultiTransport.Send: user not reachable", "transport", t.Name(), "userID", user.ID)
		default:
			slog.Warn("MultiTransport.Send: transport failed", "transport", t.Name(), "userID", user.ID, "error", err)
			errs = append(errs, err)
		}
	}
	if delivered > 0 {
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("user %s: %w", user.ID, ErrNoAddress)
	}
	return errors.Join(errs...)
}

// RecordingTransport keeps every notification in memory.
type RecordingTransport struct {
	mu   sync.Mutex
	sent []Delivery
	// Err, when set, is returned by Send and nothing is recorded.
	Err error
}

// Delivery is one notification captured by RecordingTransport.
type Delivery struct {
	UserID  string
	Payload models.NotificationPayload
}

// Name implements Transport.
func (r *RecordingTransport) Name() string { return "recording" }

// Send implements Transport.
func (r *RecordingTransport) Send(ctx context.Context, user models.User, p models.NotificationPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, Delivery{UserID: user.ID, Payload: p})
	return nil
}

// Deliveries returns a copy of the recorded notifications.
func (r *RecordingTransport) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.sent...)
}
