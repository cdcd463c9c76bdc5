// Package lifecycle applies waffle transitions atomically.
//
// The transition rules live on models.Waffle. Machine adds what they need to
// be safe under concurrent callers: a mutex per waffle around every
// read-modify-write, and a persisted write that only lands when the stored
// waffle still matches the state it was read in.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/store"
	"github.com/BTreeMap/WaffleCafe/internal/util"
)

// Machine serializes mutations per waffle.
type Machine struct {
	store store.Store
	locks *util.KeyedMutex
	newID func() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithReplyIDs overrides how reply ids are generated.
func WithReplyIDs(fn func() string) Option {
	return func(m *Machine) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewMachine creates a Machine over st.
func NewMachine(st store.Store, opts ...Option) *Machine {
	m := &Machine{
		store: st,
		locks: util.NewKeyedMutex(),
		newID: util.NewReplyID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result describes a committed transition.
type Result struct {
	Waffle     *models.Waffle
	Reply      *models.Reply
	Transition models.Transition
}

// mutateFunc changes w in place. Returning changed=false skips the write.
type mutateFunc func(w *models.Waffle) (reply *models.Reply, t models.Transition, changed bool, err error)

func (m *Machine) mutate(ctx context.Context, op, waffleID string, fn mutateFunc) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	unlock := m.locks.Lock(waffleID)
	defer unlock()

	w, err := m.store.GetWaffle(waffleID)
	if err != nil {
		return Result{}, fmt.Errorf("load waffle %s: %w", waffleID, err)
	}
	if w == nil {
		return Result{}, fmt.Errorf("waffle %s: %w", waffleID, models.ErrNotFound)
	}

	before := w.State()
	reply, t, changed, err := fn(w)
	if err != nil {
		slog.Debug("Machine."+op+": rejected", "waffleID", waffleID, "status", before.Status, "error", err)
		return Result{}, err
	}
	if !changed {
		return Result{Waffle: w, Transition: t}, nil
	}

	if err := m.store.SaveWaffleTransition(before, w, reply); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Warn("Machine."+op+": lost race to another writer", "waffleID", waffleID)
			return Result{}, fmt.Errorf("%w: %v", models.ErrInvalidTransition, err)
		}
		return Result{}, fmt.Errorf("save waffle %s: %w", waffleID, err)
	}
	slog.Debug("Machine."+op+": committed", "waffleID", waffleID, "from", before.Status, "to", w.Status, "replies", w.RepliesCount)
	return Result{Waffle: w, Reply: reply, Transition: t}, nil
}

// Activate moves a due waffle from pending to active. A waffle that is
// already active is returned unchanged with Transition.Activated false.
func (m *Machine) Activate(ctx context.Context, waffleID string, now time.Time) (Result, error) {
	return m.mutate(ctx, "Activate", waffleID, func(w *models.Waffle) (*models.Reply, models.Transition, bool, error) {
		changed, err := w.Activate(now)
		return nil, models.Transition{Activated: changed}, changed, err
	})
}

// AppendReply adds a reply from authorID. The quota check and the increment
// happen under the waffle's lock, so only one caller can take the last slot.
func (m *Machine) AppendReply(ctx context.Context, waffleID, authorID, text string, now time.Time) (Result, error) {
	return m.mutate(ctx, "AppendReply", waffleID, func(w *models.Waffle) (*models.Reply, models.Transition, bool, error) {
		t, err := w.AppendReply(models.Reply{ID: m.newID(), UserID: authorID, Text: text, CreatedAt: now})
		if err != nil {
			return nil, t, false, err
		}
		r := w.Replies[len(w.Replies)-1]
		return &r, t, true, nil
	})
}

// Close ends an active waffle on behalf of a participant.
func (m *Machine) Close(ctx context.Context, waffleID, byUser string, now time.Time) (Result, error) {
	return m.mutate(ctx, "Close", waffleID, func(w *models.Waffle) (*models.Reply, models.Transition, bool, error) {
		t, err := w.Close(byUser, now)
		return nil, t, err == nil, err
	})
}

// AttachVideo stores the sender's video and unlocks it when the quota is used.
func (m *Machine) AttachVideo(ctx context.Context, waffleID, byUser, url string, now time.Time) (Result, error) {
	return m.mutate(ctx, "AttachVideo", waffleID, func(w *models.Waffle) (*models.Reply, models.Transition, bool, error) {
		t, err := w.AttachVideo(byUser, url, now)
		return nil, t, err == nil, err
	})
}

// Cancel removes a pending waffle and returns it so the caller can disarm its
// trigger. It fails with ErrNotFound for unknown waffles and with
// ErrInvalidTransition once the waffle has been delivered.
func (m *Machine) Cancel(ctx context.Context, waffleID string) (*models.Waffle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(waffleID)
	defer unlock()

	w, err := m.store.GetWaffle(waffleID)
	if err != nil {
		return nil, fmt.Errorf("load waffle %s: %w", waffleID, err)
	}
	if w == nil {
		return nil, fmt.Errorf("waffle %s: %w", waffleID, models.ErrNotFound)
	}
	if err := w.CanCancel(); err != nil {
		return nil, err
	}
	deleted, err := m.store.DeletePendingWaffle(waffleID)
	if err != nil {
		return nil, fmt.Errorf("delete waffle %s: %w", waffleID, err)
	}
	if !deleted {
		// Another process delivered or removed it between the read and the delete.
		return nil, fmt.Errorf("%w: waffle %s is no longer pending", models.ErrInvalidTransition, waffleID)
	}
	slog.Info("Machine.Cancel: pending waffle removed", "waffleID", waffleID)
	return w, nil
}
