package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

// Constants shared by the transports.
const (
	// DefaultChannelBufferSize is the per-connection buffer of the websocket hub.
	DefaultChannelBufferSize = 64
	// DefaultChannelTimeout bounds how long a push waits on a slow connection.
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrNoAddress means the user has no address on this transport.
	ErrNoAddress = errors.New("user has no address on this transport")
	// ErrServiceStopped is returned by transports after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
)

var phoneNumberRegex = regexp.MustCompile(`[^\d]`)

// Transport is a pluggable push channel for notifications.
type Transport interface {
	// Name identifies the transport in logs.
	Name() string
	// Send delivers payload to user. It returns ErrNoAddress when the user
	// cannot be reached on this transport.
	Send(ctx context.Context, user models.User, payload models.NotificationPayload) error
}

// UserLookup resolves the contact details of a user.
type UserLookup interface {
	GetUser(id string) (*models.User, error)
}

// CanonicalPhone strips everything but digits and requires at least 6 of them.
func CanonicalPhone(phone string) (string, error) {
	if phone == "" {
		return "", ErrNoAddress
	}
	canonical := phoneNumberRegex.ReplaceAllString(phone, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", phone)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// FormatText renders a payload as a plain text message.
func FormatText(p models.NotificationPayload) string {
	if p.Title == "" {
		return p.Body
	}
	if p.Body == "" {
		return p.Title
	}
	return p.Title + "\n" + p.Body
}

// NewOutboxDelivery adapts a transport into the outbox sender's send function.
// Users without a stored profile are still handed to the transport by id.
func NewOutboxDelivery(users UserLookup, t Transport) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var payload models.NotificationPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("decode outbox payload %s: %w", msg.ID, err)
		}
		user := models.User{ID: msg.UserID}
		u, err := users.GetUser(msg.UserID)
		if err != nil {
			return fmt.Errorf("look up user %s: %w", msg.UserID, err)
		}
		if u != nil {
			user = *u
		}
		slog.Debug("messaging.OutboxDelivery: sending", "transport", t.Name(), "userID", user.ID, "type", payload.Type)
		return t.Send(ctx, user, payload)
	}
}
