package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

// Defaults for stale work detection.
const (
	DefaultJobStaleAfter    = 5 * time.Minute
	DefaultOutboxStaleAfter = 2 * time.Minute
	DefaultJobRetention     = 24 * time.Hour
)

// StaleWork requeues jobs and outbox messages left claimed by a process that
// died mid-flight, and prunes jobs that finished more than JobRetention ago.
type StaleWork struct {
	JobStaleAfter    time.Duration
	OutboxStaleAfter time.Duration
	JobRetention     time.Duration
}

// NewStaleWork returns a StaleWork with the default thresholds.
func NewStaleWork() *StaleWork {
	return &StaleWork{
		JobStaleAfter:    DefaultJobStaleAfter,
		OutboxStaleAfter: DefaultOutboxStaleAfter,
		JobRetention:     DefaultJobRetention,
	}
}

func (s *StaleWork) Name() string { return "stale-work" }

func (s *StaleWork) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	st := registry.GetStore()
	now := registry.Now()
	jobs, err := st.RequeueStaleRunningJobs(now.Add(-s.JobStaleAfter))
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	msgs, err := st.RequeueStaleSendingMessages(now.Add(-s.OutboxStaleAfter))
	if err != nil {
		return fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	if jobs > 0 || msgs > 0 {
		slog.Info("StaleWork.RecoverState: requeued stale work", "jobs", jobs, "outbox", msgs)
	}
	if s.JobRetention <= 0 {
		return nil
	}
	pruned, err := st.PruneFinishedJobs(now.Add(-s.JobRetention))
	if err != nil {
		return fmt.Errorf("prune finished jobs: %w", err)
	}
	if pruned > 0 {
		slog.Info("StaleWork.RecoverState: pruned finished jobs", "count", pruned)
	}
	return nil
}

// Delivery is the part of the dispatcher trigger reconciliation drives.
type Delivery interface {
	OnDue(ctx context.Context, waffleID string, now time.Time) error
	Rearm(ctx context.Context, w *models.Waffle) error
}

// Triggers makes sure every pending waffle either has a live trigger or is
// delivered. Waffles whose instant already passed are delivered right away;
// the others are re-armed when their trigger is missing or dead.
type Triggers struct {
	delivery Delivery
}

// NewTriggers creates a trigger reconciler.
func NewTriggers(d Delivery) *Triggers {
	return &Triggers{delivery: d}
}

func (t *Triggers) Name() string { return "waffle-triggers" }

func (t *Triggers) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	st := registry.GetStore()
	now := registry.Now()
	pending, err := st.ListWaffles(store.WaffleFilter{Status: models.StatusPending})
	if err != nil {
		return fmt.Errorf("list pending waffles: %w", err)
	}

	var errs []error
	delivered, rearmed := 0, 0
	for i := range pending {
		w := &pending[i]
		if !w.ScheduledAt.After(now) {
			if live, _ := liveTrigger(st, w.TriggerID); live {
				// The job runner will pick it up.
				continue
			}
			if err := t.delivery.OnDue(ctx, w.ID, now); err != nil {
				errs = append(errs, fmt.Errorf("deliver overdue %s: %w", w.ID, err))
				continue
			}
			delivered++
			continue
		}
		live, err := liveTrigger(st, w.TriggerID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if live {
			continue
		}
		slog.Warn("Triggers.RecoverState: pending waffle without live trigger", "waffleID", w.ID, "triggerID", w.TriggerID)
		if err := t.delivery.Rearm(ctx, w); err != nil {
			errs = append(errs, fmt.Errorf("rearm %s: %w", w.ID, err))
			continue
		}
		rearmed++
	}
	if delivered > 0 || rearmed > 0 {
		slog.Info("Triggers.RecoverState: reconciled pending waffles", "pending", len(pending), "delivered", delivered, "rearmed", rearmed)
	}
	return errors.Join(errs...)
}

func liveTrigger(jobs store.JobRepo, triggerID string) (bool, error) {
	if triggerID == "" {
		return false, nil
	}
	job, err := jobs.GetJob(triggerID)
	if err != nil {
		return false, fmt.Errorf("look up trigger %s: %w", triggerID, err)
	}
	return job != nil && job.Status.Live(), nil
}
