package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxReplies is the reply quota of every waffle.
const DefaultMaxReplies = 2

// WaffleStatus is the lifecycle state of a waffle. The zero value is invalid.
type WaffleStatus string

const (
	// StatusPending waffles are scheduled but not yet delivered.
	StatusPending WaffleStatus = "pending"
	// StatusActive waffles are delivered and accept replies.
	StatusActive WaffleStatus = "active"
	// StatusClosed waffles are finished and kept as memories.
	StatusClosed WaffleStatus = "closed"
)

// Rank orders statuses; a waffle's rank never decreases.
func (s WaffleStatus) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusActive:
		return 2
	case StatusClosed:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s WaffleStatus) Valid() bool {
	return s.Rank() > 0
}

// ParseWaffleStatus converts a stored or user supplied string into a status.
func ParseWaffleStatus(s string) (WaffleStatus, error) {
	st := WaffleStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown waffle status %q", s)
	}
	return st, nil
}

// Reply is one message in a waffle. Replies are append-only.
type Reply struct {
	ID        string    `json:"id"`
	WaffleID  string    `json:"waffle_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Waffle is a scheduled prompt conversation between a sender and a recipient.
//
// Prompt, sender and recipient are references resolved through the store; the
// waffle never carries copies of them.
type Waffle struct {
	ID            string       `json:"id"`
	PromptID      string       `json:"prompt_id"`
	SenderID      string       `json:"sender_id"`
	RecipientID   string       `json:"recipient_id"`
	ScheduledAt   time.Time    `json:"scheduled_at"`
	Status        WaffleStatus `json:"status"`
	RepliesCount  int          `json:"replies_count"`
	MaxReplies    int          `json:"max_replies"`
	VideoURL      string       `json:"video_url,omitempty"`
	VideoUnlocked bool         `json:"video_unlocked"`
	TriggerID     string       `json:"trigger_id,omitempty"`
	Replies       []Reply      `json:"replies"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// WaffleState is the mutable triple guarded by the per-waffle lock, plus the
// reply count used as a version when persisting a transition.
type WaffleState struct {
	Status        WaffleStatus
	RepliesCount  int
	VideoUnlocked bool
	VideoURL      string
}

// Transition reports what a mutation changed so callers can notify exactly once.
type Transition struct {
	Activated     bool
	Closed        bool
	VideoUnlocked bool
}

// NewPendingWaffle builds a waffle awaiting delivery at scheduledAt.
func NewPendingWaffle(id, promptID, senderID, recipientID string, scheduledAt, now time.Time) *Waffle {
	return &Waffle{
		ID:          id,
		PromptID:    promptID,
		SenderID:    senderID,
		RecipientID: recipientID,
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
		MaxReplies:  DefaultMaxReplies,
		Replies:     []Reply{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// State snapshots the lifecycle fields.
func (w *Waffle) State() WaffleState {
	return WaffleState{Status: w.Status, RepliesCount: w.RepliesCount, VideoUnlocked: w.VideoUnlocked, VideoURL: w.VideoURL}
}

// Clone returns a deep copy safe to hand out of a store.
func (w *Waffle) Clone() *Waffle {
	c := *w
	c.Replies = append([]Reply(nil), w.Replies...)
	if c.Replies == nil {
		c.Replies = []Reply{}
	}
	return &c
}

// IsParticipant reports whether userID is the sender or the recipient.
func (w *Waffle) IsParticipant(userID string) bool {
	return userID != "" && (userID == w.SenderID || userID == w.RecipientID)
}

// Counterpart returns the other participant.
func (w *Waffle) Counterpart(userID string) string {
	if userID == w.SenderID {
		return w.RecipientID
	}
	return w.SenderID
}

// RepliesRemaining is the unused part of the reply quota.
func (w *Waffle) RepliesRemaining() int {
	if n := w.MaxReplies - w.RepliesCount; n > 0 {
		return n
	}
	return 0
}

// Activate delivers a pending waffle. Calling it again on an active waffle is
// a no-op so duplicate trigger fires are harmless.
func (w *Waffle) Activate(now time.Time) (bool, error) {
	switch w.Status {
	case StatusActive:
		return false, nil
	case StatusPending:
		if now.Before(w.ScheduledAt) {
			return false, fmt.Errorf("%w: waffle %s is not due until %s", ErrInvalidTransition, w.ID, w.ScheduledAt.Format(time.RFC3339))
		}
		w.Status = StatusActive
		w.UpdatedAt = now
		return true, nil
	default:
		return false, fmt.Errorf("%w: cannot activate %s waffle", ErrInvalidTransition, w.Status)
	}
}

// AppendReply adds a reply and closes the waffle when the quota is used. When
// the waffle closes with a recorded video, the video unlocks in the same step.
func (w *Waffle) AppendReply(r Reply) (Transition, error) {
	var t Transition
	if !w.IsParticipant(r.UserID) {
		return t, ErrNotParticipant
	}
	if err := validateReplyText(r.Text); err != nil {
		return t, err
	}
	switch w.Status {
	case StatusActive:
	case StatusClosed:
		return t, ErrReplyAfterClose
	default:
		return t, fmt.Errorf("%w: waffle %s has not been delivered", ErrInvalidTransition, w.ID)
	}
	if w.RepliesCount >= w.MaxReplies {
		return t, ErrQuotaExceeded
	}

	r.WaffleID = w.ID
	w.Replies = append(w.Replies, r)
	w.RepliesCount++
	w.UpdatedAt = r.CreatedAt
	if w.RepliesCount == w.MaxReplies {
		w.Status = StatusClosed
		t.Closed = true
		if w.VideoURL != "" {
			w.VideoUnlocked = true
			t.VideoUnlocked = true
		}
	}
	return t, nil
}

// Close ends an active waffle early. The video stays locked because the reply
// quota was not used.
func (w *Waffle) Close(byUser string, now time.Time) (Transition, error) {
	var t Transition
	if !w.IsParticipant(byUser) {
		return t, ErrNotParticipant
	}
	if w.Status != StatusActive {
		return t, fmt.Errorf("%w: cannot close %s waffle", ErrInvalidTransition, w.Status)
	}
	w.Status = StatusClosed
	w.UpdatedAt = now
	t.Closed = true
	return t, nil
}

// AttachVideo records the sender's video. A waffle that already used its full
// quota unlocks right away.
func (w *Waffle) AttachVideo(byUser, url string, now time.Time) (Transition, error) {
	var t Transition
	if byUser != w.SenderID {
		return t, fmt.Errorf("%w: only the sender can attach a video", ErrInvalidTransition)
	}
	if strings.TrimSpace(url) == "" {
		return t, fmt.Errorf("%w: video url is empty", ErrInvalidTransition)
	}
	if w.VideoURL != "" {
		return t, fmt.Errorf("%w: waffle %s already has a video", ErrInvalidTransition, w.ID)
	}
	w.VideoURL = url
	w.UpdatedAt = now
	if w.Status == StatusClosed && w.RepliesCount == w.MaxReplies {
		w.VideoUnlocked = true
		t.VideoUnlocked = true
	}
	return t, nil
}

// CanCancel reports whether the waffle may still be withdrawn.
func (w *Waffle) CanCancel() error {
	if w.Status != StatusPending {
		return fmt.Errorf("%w: cannot cancel %s waffle", ErrInvalidTransition, w.Status)
	}
	return nil
}

func validateReplyText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxReplyTextLength {
		return ErrTextTooLong
	}
	return nil
}
