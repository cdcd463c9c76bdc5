// Package dispatch bridges time and waffle state.
//
// The Dispatcher places new orders on the recipient's schedule, activates
// waffles when their trigger fires, routes replies through the lifecycle
// machine and asks the notification gateway to announce what changed.
// Gateway calls are made after every lock is released; their failures are
// retried once, recorded as failed receipts and never roll state back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/lifecycle"
	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/notify"
	"github.com/BTreeMap/WaffleCafe/internal/scheduler"
	"github.com/BTreeMap/WaffleCafe/internal/store"
	"github.com/BTreeMap/WaffleCafe/internal/util"
)

// DefaultGatewayRetryDelay is the pause before the single gateway retry.
const DefaultGatewayRetryDelay = 200 * time.Millisecond

// PromptSource resolves prompt ids. Get methods return (nil, nil) when the
// prompt does not exist.
type PromptSource interface {
	GetPrompt(id string) (*models.Prompt, error)
}

// FriendChecker reports whether two users hold an accepted friendship.
type FriendChecker interface {
	AreFriends(userID, friendID string) (bool, error)
}

// Dispatcher drives waffles from order to memory.
type Dispatcher struct {
	store      store.Store
	machine    *lifecycle.Machine
	gateway    notify.Gateway
	prompts    PromptSource
	friends    FriendChecker
	dedup      store.DedupRepo
	recipients *util.KeyedMutex
	now        func() time.Time
	retryDelay time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPromptSource resolves prompts through src instead of the store.
func WithPromptSource(src PromptSource) Option {
	return func(d *Dispatcher) {
		if src != nil {
			d.prompts = src
		}
	}
}

// WithFriendChecker requires an accepted friendship for every order.
func WithFriendChecker(fc FriendChecker) Option {
	return func(d *Dispatcher) {
		d.friends = fc
	}
}

// WithReplyDedup enables idempotency keys on replies.
func WithReplyDedup(repo store.DedupRepo) Option {
	return func(d *Dispatcher) {
		d.dedup = repo
	}
}

// WithClock overrides the time source used for orders.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithGatewayRetryDelay sets the pause before retrying a failed gateway call.
func WithGatewayRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.retryDelay = delay
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, machine *lifecycle.Machine, gateway notify.Gateway, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      st,
		machine:    machine,
		gateway:    gateway,
		prompts:    st,
		recipients: util.NewKeyedMutex(),
		now:        time.Now,
		retryDelay: DefaultGatewayRetryDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Now returns the dispatcher's current time.
func (d *Dispatcher) Now() time.Time {
	return d.now()
}

// OnOrder schedules promptID for recipientID and arms its delivery trigger.
// The returned waffle carries the promised delivery time.
func (d *Dispatcher) OnOrder(ctx context.Context, promptID, senderID, recipientID string) (*models.Waffle, error) {
	if strings.TrimSpace(senderID) == "" || strings.TrimSpace(recipientID) == "" {
		return nil, models.ErrEmptyUserID
	}
	if senderID == recipientID {
		return nil, models.ErrSelfAddressed
	}
	prompt, err := d.prompts.GetPrompt(promptID)
	if err != nil {
		return nil, fmt.Errorf("look up prompt %s: %w", promptID, err)
	}
	if prompt == nil {
		return nil, fmt.Errorf("prompt %s: %w", promptID, models.ErrNotFound)
	}
	if d.friends != nil {
		ok, err := d.friends.AreFriends(senderID, recipientID)
		if err != nil {
			return nil, fmt.Errorf("check friendship: %w", err)
		}
		if !ok {
			return nil, models.ErrNotFriends
		}
	}
	pref, err := d.preferenceOf(recipientID)
	if err != nil {
		return nil, err
	}

	w, err := d.place(prompt.ID, senderID, recipientID, pref)
	if err != nil {
		return nil, err
	}
	slog.Info("Dispatcher.OnOrder: waffle scheduled", "waffleID", w.ID, "senderID", senderID, "recipientID", recipientID, "scheduledAt", w.ScheduledAt)

	if err := d.arm(ctx, w, prompt.Preview); err != nil {
		slog.Warn("Dispatcher.OnOrder: trigger not armed", "waffleID", w.ID, "error", err)
	}
	return w, nil
}

// Rearm arms a new trigger for a pending waffle whose trigger was lost.
func (d *Dispatcher) Rearm(ctx context.Context, w *models.Waffle) error {
	if w.Status != models.StatusPending {
		return fmt.Errorf("%w: cannot arm %s waffle", models.ErrInvalidTransition, w.Status)
	}
	return d.arm(ctx, w, d.previewOf(w.PromptID))
}

func (d *Dispatcher) arm(ctx context.Context, w *models.Waffle, preview string) error {
	n := models.WaffleReceivedNotification(w, preview)
	var triggerID string
	err := d.callGateway(ctx, "Arm", n, func() error {
		id, err := d.gateway.Arm(ctx, w.ScheduledAt, n)
		triggerID = id
		return err
	})
	if err != nil {
		return err
	}
	if err := d.store.SetTriggerID(w.ID, triggerID); err != nil {
		return fmt.Errorf("record trigger %s of %s: %w", triggerID, w.ID, err)
	}
	w.TriggerID = triggerID
	return nil
}

// place computes the slot and creates the waffle under the recipient's lock.
func (d *Dispatcher) place(promptID, senderID, recipientID string, pref models.SchedulePreference) (*models.Waffle, error) {
	unlock := d.recipients.Lock(recipientID)
	defer unlock()

	scheduled, err := d.store.PendingSlots(recipientID)
	if err != nil {
		return nil, fmt.Errorf("load pending slots of %s: %w", recipientID, err)
	}
	now := d.now()
	at, err := scheduler.NextSlot(pref, now, scheduled)
	if err != nil {
		return nil, err
	}
	w := models.NewPendingWaffle(util.NewWaffleID(), promptID, senderID, recipientID, at, now)
	if err := d.store.CreateWaffle(w); err != nil {
		return nil, fmt.Errorf("create waffle: %w", err)
	}
	return w, nil
}

func (d *Dispatcher) preferenceOf(userID string) (models.SchedulePreference, error) {
	u, err := d.store.GetUser(userID)
	if err != nil {
		return models.SchedulePreference{}, fmt.Errorf("look up user %s: %w", userID, err)
	}
	if u == nil {
		slog.Debug("Dispatcher.preferenceOf: no profile, using defaults", "userID", userID)
		return models.DefaultPreference(), nil
	}
	return u.Preference, nil
}

// OnDue activates a waffle whose trigger fired and announces it to the
// recipient. A waffle that was cancelled meanwhile is ignored, and a second
// firing for an active waffle sends nothing.
func (d *Dispatcher) OnDue(ctx context.Context, waffleID string, now time.Time) error {
	res, err := d.machine.Activate(ctx, waffleID, now)
	if errors.Is(err, models.ErrNotFound) {
		slog.Info("Dispatcher.OnDue: waffle no longer exists, skipping", "waffleID", waffleID)
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Transition.Activated {
		slog.Debug("Dispatcher.OnDue: duplicate trigger ignored", "waffleID", waffleID)
		return nil
	}
	slog.Info("Dispatcher.OnDue: waffle delivered", "waffleID", waffleID, "recipientID", res.Waffle.RecipientID)

	n := models.WaffleReceivedNotification(res.Waffle, d.previewOf(res.Waffle.PromptID))
	_ = d.callGateway(ctx, "SendNow", n, func() error { return d.gateway.SendNow(ctx, n) })
	return nil
}

func (d *Dispatcher) previewOf(promptID string) string {
	p, err := d.prompts.GetPrompt(promptID)
	if err != nil || p == nil {
		return ""
	}
	return p.Preview
}

// OnReply appends a reply. When the reply uses the last slot and a video is
// recorded, both participants get one video_unlocked notification.
func (d *Dispatcher) OnReply(ctx context.Context, waffleID, authorID, text string, now time.Time) (*models.Reply, error) {
	res, err := d.machine.AppendReply(ctx, waffleID, authorID, text, now)
	if err != nil {
		return nil, err
	}
	if res.Transition.Closed {
		slog.Info("Dispatcher.OnReply: waffle closed", "waffleID", waffleID, "videoUnlocked", res.Transition.VideoUnlocked)
	}
	d.announceUnlock(ctx, res)
	return res.Reply, nil
}

// OnReplyOnce is OnReply guarded by a client supplied idempotency key. A key
// whose reply already landed returns duplicate=true without touching the
// waffle. A key whose first request is still running returns
// models.ErrReplyInFlight so the client retries later.
func (d *Dispatcher) OnReplyOnce(ctx context.Context, key, waffleID, authorID, text string, now time.Time) (reply *models.Reply, duplicate bool, err error) {
	if d.dedup == nil || key == "" {
		reply, err = d.OnReply(ctx, waffleID, authorID, text, now)
		return reply, false, err
	}
	scoped := "reply:" + waffleID + ":" + authorID + ":" + key
	isNew, err := d.dedup.RecordInbound(scoped, authorID)
	if err != nil {
		return nil, false, fmt.Errorf("record idempotency key: %w", err)
	}
	if !isNew {
		done, err := d.dedup.IsProcessed(scoped)
		if err != nil {
			return nil, false, fmt.Errorf("check idempotency key: %w", err)
		}
		if !done {
			slog.Info("Dispatcher.OnReplyOnce: reply still in flight", "waffleID", waffleID, "authorID", authorID)
			return nil, false, models.ErrReplyInFlight
		}
		slog.Info("Dispatcher.OnReplyOnce: duplicate reply ignored", "waffleID", waffleID, "authorID", authorID)
		return nil, true, nil
	}
	reply, err = d.OnReply(ctx, waffleID, authorID, text, now)
	if err != nil {
		if rerr := d.dedup.ReleaseInbound(scoped); rerr != nil {
			slog.Error("Dispatcher.OnReplyOnce: failed to release key", "waffleID", waffleID, "error", rerr)
		}
		return nil, false, err
	}
	if err := d.dedup.MarkProcessed(scoped); err != nil {
		slog.Error("Dispatcher.OnReplyOnce: failed to mark key processed", "waffleID", waffleID, "error", err)
	}
	return reply, false, nil
}

// OnClose ends an active waffle early on behalf of a participant.
func (d *Dispatcher) OnClose(ctx context.Context, waffleID, userID string, now time.Time) (*models.Waffle, error) {
	res, err := d.machine.Close(ctx, waffleID, userID, now)
	if err != nil {
		return nil, err
	}
	slog.Info("Dispatcher.OnClose: waffle closed early", "waffleID", waffleID, "byUser", userID)
	return res.Waffle, nil
}

// OnVideo attaches the sender's recorded video.
func (d *Dispatcher) OnVideo(ctx context.Context, waffleID, userID, url string, now time.Time) (*models.Waffle, error) {
	res, err := d.machine.AttachVideo(ctx, waffleID, userID, url, now)
	if err != nil {
		return nil, err
	}
	slog.Info("Dispatcher.OnVideo: video attached", "waffleID", waffleID, "unlocked", res.Transition.VideoUnlocked)
	d.announceUnlock(ctx, res)
	return res.Waffle, nil
}

func (d *Dispatcher) announceUnlock(ctx context.Context, res lifecycle.Result) {
	if !res.Transition.VideoUnlocked {
		return
	}
	n := models.VideoUnlockedNotification(res.Waffle)
	_ = d.callGateway(ctx, "SendNow", n, func() error { return d.gateway.SendNow(ctx, n) })
}

// OnCancel removes a pending waffle and disarms its trigger. It fails with
// ErrNotFound when the waffle is unknown or already delivered; in the latter
// case the error also matches ErrInvalidTransition.
func (d *Dispatcher) OnCancel(ctx context.Context, waffleID string) error {
	w, err := d.machine.Cancel(ctx, waffleID)
	if errors.Is(err, models.ErrInvalidTransition) {
		return fmt.Errorf("%w: %w", models.ErrNotFound, err)
	}
	if err != nil {
		return err
	}
	if w.TriggerID == "" {
		slog.Warn("Dispatcher.OnCancel: waffle had no recorded trigger", "waffleID", waffleID)
		return nil
	}
	n := models.Notification{To: []string{w.RecipientID}, Payload: models.NotificationPayload{Type: models.NotificationWaffleReceived, WaffleID: w.ID}}
	_ = d.callGateway(ctx, "Disarm", n, func() error { return d.gateway.Disarm(ctx, w.TriggerID) })
	return nil
}

// UpdatePreference validates and stores a user's schedule preference. Users
// without a profile get one.
func (d *Dispatcher) UpdatePreference(ctx context.Context, userID string, pref models.SchedulePreference) (*models.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.ErrEmptyUserID
	}
	if err := pref.Validate(); err != nil {
		return nil, err
	}
	u, err := d.store.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("look up user %s: %w", userID, err)
	}
	now := d.now()
	if u == nil {
		u = &models.User{ID: userID, CreatedAt: now}
	}
	u.Preference = pref
	u.UpdatedAt = now
	if err := d.store.SaveUser(*u); err != nil {
		return nil, fmt.Errorf("save user %s: %w", userID, err)
	}
	slog.Info("Dispatcher.UpdatePreference: preference saved", "userID", userID, "cadence", pref.Cadence, "window", pref.WindowStart+"-"+pref.WindowEnd)
	return u, nil
}

// callGateway runs fn, retries it once, and on a second failure logs a
// warning and records a failed receipt per addressee.
func (d *Dispatcher) callGateway(ctx context.Context, op string, n models.Notification, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	slog.Debug("Dispatcher.callGateway: retrying", "op", op, "waffleID", n.Payload.WaffleID, "error", err)
	if d.retryDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(d.retryDelay):
		}
	}
	if err = fn(); err == nil {
		return nil
	}
	slog.Warn("Dispatcher.callGateway: gateway failed after retry", "op", op, "type", n.Payload.Type, "waffleID", n.Payload.WaffleID, "error", err)
	for _, to := range n.To {
		r := models.Receipt{
			To:       to,
			Type:     n.Payload.Type,
			WaffleID: n.Payload.WaffleID,
			Status:   models.MessageStatusFailed,
			Error:    op + ": " + err.Error(),
			Time:     d.now().Unix(),
		}
		if rerr := d.store.AddReceipt(r); rerr != nil {
			slog.Error("Dispatcher.callGateway: failed to record receipt", "waffleID", n.Payload.WaffleID, "error", rerr)
		}
	}
	return fmt.Errorf("%w: %s: %v", models.ErrGatewayFailure, op, err)
}
