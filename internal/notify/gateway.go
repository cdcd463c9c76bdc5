// Package notify implements the notification gateway the dispatcher talks to.
//
// Arm stores a durable trigger in the job queue; the job runner fires it at
// its instant. SendNow writes one outbox message per addressee; the outbox
// sender hands them to a messaging transport. Both queues survive restarts.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

// JobKindWaffleDue is the job kind of an armed delivery trigger.
const JobKindWaffleDue = "waffle_due"

// Gateway schedules, cancels and sends notifications.
type Gateway interface {
	// Arm schedules n for delivery at at. Arming the same waffle again
	// replaces the earlier trigger.
	Arm(ctx context.Context, at time.Time, n models.Notification) (triggerID string, err error)
	// Disarm cancels a trigger. Unknown or already fired triggers are ignored.
	Disarm(ctx context.Context, triggerID string) error
	// SendNow queues n for immediate delivery to every addressee.
	SendNow(ctx context.Context, n models.Notification) error
}

// DuePayload is the job payload of an armed trigger.
type DuePayload struct {
	WaffleID     string              `json:"waffle_id"`
	Notification models.Notification `json:"notification"`
}

// ParseDuePayload decodes a waffle_due job payload.
func ParseDuePayload(payload string) (DuePayload, error) {
	var p DuePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", JobKindWaffleDue, err)
	}
	if p.WaffleID == "" {
		return p, fmt.Errorf("%s payload has no waffle id", JobKindWaffleDue)
	}
	return p, nil
}

// TriggerKey is the dedupe key shared by every trigger armed for a waffle.
func TriggerKey(waffleID string) string {
	return JobKindWaffleDue + ":" + waffleID
}

// JobGateway implements Gateway on the durable job queue and outbox.
type JobGateway struct {
	jobs   store.JobRepo
	outbox store.OutboxRepo
}

var _ Gateway = (*JobGateway)(nil)

// NewJobGateway creates a JobGateway.
func NewJobGateway(jobs store.JobRepo, outbox store.OutboxRepo) *JobGateway {
	return &JobGateway{jobs: jobs, outbox: outbox}
}

// Arm cancels any queued trigger of the same waffle and enqueues a new one.
func (g *JobGateway) Arm(ctx context.Context, at time.Time, n models.Notification) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	waffleID := n.Payload.WaffleID
	if waffleID == "" {
		return "", fmt.Errorf("%w: arm requires a waffle id", models.ErrGatewayFailure)
	}
	key := TriggerKey(waffleID)
	replaced, err := g.jobs.CancelJobsByDedupeKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: cancel previous trigger: %v", models.ErrGatewayFailure, err)
	}
	payload, err := json.Marshal(DuePayload{WaffleID: waffleID, Notification: n})
	if err != nil {
		return "", fmt.Errorf("%w: encode trigger: %v", models.ErrGatewayFailure, err)
	}
	id, err := g.jobs.EnqueueJob(JobKindWaffleDue, at, string(payload), key)
	if err != nil {
		return "", fmt.Errorf("%w: enqueue trigger: %v", models.ErrGatewayFailure, err)
	}
	slog.Debug("JobGateway.Arm: trigger armed", "waffleID", waffleID, "triggerID", id, "at", at, "replaced", replaced)
	return id, nil
}

// Disarm cancels the trigger if it has not fired yet.
func (g *JobGateway) Disarm(ctx context.Context, triggerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if triggerID == "" {
		return nil
	}
	job, err := g.jobs.GetJob(triggerID)
	if err != nil {
		return fmt.Errorf("%w: look up trigger %s: %v", models.ErrGatewayFailure, triggerID, err)
	}
	if job == nil || !job.Status.Live() {
		slog.Debug("JobGateway.Disarm: nothing to cancel", "triggerID", triggerID)
		return nil
	}
	if err := g.jobs.CancelJob(triggerID); err != nil {
		return fmt.Errorf("%w: cancel trigger %s: %v", models.ErrGatewayFailure, triggerID, err)
	}
	slog.Debug("JobGateway.Disarm: trigger cancelled", "triggerID", triggerID)
	return nil
}

// SendNow writes one outbox message per addressee.
func (g *JobGateway) SendNow(ctx context.Context, n models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(n.To) == 0 {
		return fmt.Errorf("%w: notification has no addressee", models.ErrGatewayFailure)
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode notification: %v", models.ErrGatewayFailure, err)
	}
	for _, userID := range n.To {
		key := outboxKey(n.Payload, userID)
		id, err := g.outbox.EnqueueOutboxMessage(userID, string(n.Payload.Type), string(payload), key)
		if err != nil {
			return fmt.Errorf("%w: enqueue %s for %s: %v", models.ErrGatewayFailure, n.Payload.Type, userID, err)
		}
		slog.Debug("JobGateway.SendNow: notification queued", "type", n.Payload.Type, "userID", userID, "outboxID", id)
	}
	return nil
}

func outboxKey(p models.NotificationPayload, userID string) string {
	subject := p.WaffleID
	if subject == "" {
		subject = p.FriendID
	}
	return fmt.Sprintf("%s:%s:%s", p.Type, subject, userID)
}
