package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/scheduler"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

// WaffleView is a waffle with its references resolved at read time.
type WaffleView struct {
	*models.Waffle
	Prompt    *models.Prompt `json:"prompt,omitempty"`
	Sender    *models.User   `json:"sender,omitempty"`
	Recipient *models.User   `json:"recipient,omitempty"`
}

// Get returns a waffle with its replies.
func (d *Dispatcher) Get(ctx context.Context, waffleID string) (*models.Waffle, error) {
	w, err := d.store.GetWaffle(waffleID)
	if err != nil {
		return nil, fmt.Errorf("load waffle %s: %w", waffleID, err)
	}
	if w == nil {
		return nil, fmt.Errorf("waffle %s: %w", waffleID, models.ErrNotFound)
	}
	return w, nil
}

// Expand resolves the prompt and both participants of w. Missing references
// stay nil.
func (d *Dispatcher) Expand(ctx context.Context, w *models.Waffle) (*WaffleView, error) {
	v := &WaffleView{Waffle: w}
	var err error
	if v.Prompt, err = d.prompts.GetPrompt(w.PromptID); err != nil {
		return nil, fmt.Errorf("resolve prompt %s: %w", w.PromptID, err)
	}
	if v.Sender, err = d.store.GetUser(w.SenderID); err != nil {
		return nil, fmt.Errorf("resolve sender %s: %w", w.SenderID, err)
	}
	if v.Recipient, err = d.store.GetUser(w.RecipientID); err != nil {
		return nil, fmt.Errorf("resolve recipient %s: %w", w.RecipientID, err)
	}
	return v, nil
}

// ActiveFor lists delivered waffles the user takes part in.
func (d *Dispatcher) ActiveFor(ctx context.Context, userID string) ([]models.Waffle, error) {
	return d.list(store.WaffleFilter{ParticipantID: userID, Status: models.StatusActive})
}

// UpcomingFor lists the pending waffles the user sent. Recipients do not see
// a waffle before it is delivered.
func (d *Dispatcher) UpcomingFor(ctx context.Context, userID string) ([]models.Waffle, error) {
	return d.list(store.WaffleFilter{SenderID: userID, Status: models.StatusPending})
}

// MemoriesFor lists closed waffles the user took part in.
func (d *Dispatcher) MemoriesFor(ctx context.Context, userID string) ([]models.Waffle, error) {
	return d.list(store.WaffleFilter{ParticipantID: userID, Status: models.StatusClosed})
}

func (d *Dispatcher) list(f store.WaffleFilter) ([]models.Waffle, error) {
	if f.ParticipantID == "" && f.SenderID == "" {
		return nil, models.ErrEmptyUserID
	}
	ws, err := d.store.ListWaffles(f)
	if err != nil {
		return nil, fmt.Errorf("list waffles: %w", err)
	}
	if ws == nil {
		ws = []models.Waffle{}
	}
	return ws, nil
}

// UpcomingSlots previews the user's delivery slots within the next weeks.
func (d *Dispatcher) UpcomingSlots(ctx context.Context, userID string, weeks int) ([]time.Time, error) {
	pref, err := d.preferenceOf(userID)
	if err != nil {
		return nil, err
	}
	return scheduler.UpcomingSlots(pref, d.now(), weeks)
}
