package models

import (
	"errors"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func activeWaffle(t *testing.T) *Waffle {
	t.Helper()
	w := NewPendingWaffle("w_1", "prompt_1", "alice", "bob", fixedNow, fixedNow.Add(-time.Hour))
	if _, err := w.Activate(fixedNow); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return w
}

func reply(user, text string) Reply {
	return Reply{ID: "r_" + user, UserID: user, Text: text, CreatedAt: fixedNow}
}

func TestWaffleStatusRank(t *testing.T) {
	if !(StatusPending.Rank() < StatusActive.Rank() && StatusActive.Rank() < StatusClosed.Rank()) {
		t.Error("status ranks must increase pending < active < closed")
	}
	if WaffleStatus("open").Valid() {
		t.Error("unknown status should be invalid")
	}
	if _, err := ParseWaffleStatus(" Active "); err != nil {
		t.Errorf("ParseWaffleStatus failed: %v", err)
	}
}

func TestActivate(t *testing.T) {
	w := NewPendingWaffle("w_1", "prompt_1", "alice", "bob", fixedNow, fixedNow.Add(-time.Hour))

	if _, err := w.Activate(fixedNow.Add(-time.Minute)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("early Activate error = %v, want ErrInvalidTransition", err)
	}
	if w.Status != StatusPending {
		t.Fatalf("early Activate changed status to %s", w.Status)
	}

	changed, err := w.Activate(fixedNow)
	if err != nil || !changed {
		t.Fatalf("Activate = (%v, %v), want (true, nil)", changed, err)
	}
	changed, err = w.Activate(fixedNow.Add(time.Minute))
	if err != nil || changed {
		t.Fatalf("second Activate = (%v, %v), want (false, nil)", changed, err)
	}

	w.Status = StatusClosed
	if _, err := w.Activate(fixedNow); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Activate on closed error = %v", err)
	}
}

func TestAppendReplyClosesAtQuota(t *testing.T) {
	w := activeWaffle(t)
	w.VideoURL = "https://cdn.example/v.mp4"

	tr, err := w.AppendReply(reply("bob", "I ran a 10K"))
	if err != nil {
		t.Fatalf("first reply failed: %v", err)
	}
	if tr.Closed || w.Status != StatusActive || w.RepliesCount != 1 {
		t.Fatalf("after first reply: %+v status=%s count=%d", tr, w.Status, w.RepliesCount)
	}
	if w.VideoUnlocked {
		t.Fatal("video must stay locked while active")
	}

	tr, err = w.AppendReply(reply("alice", "So proud of you"))
	if err != nil {
		t.Fatalf("second reply failed: %v", err)
	}
	if !tr.Closed || !tr.VideoUnlocked {
		t.Fatalf("second reply transition = %+v, want closed and unlocked", tr)
	}
	if w.Status != StatusClosed || w.RepliesCount != 2 || !w.VideoUnlocked {
		t.Fatalf("after second reply: status=%s count=%d unlocked=%v", w.Status, w.RepliesCount, w.VideoUnlocked)
	}
	if len(w.Replies) != w.RepliesCount {
		t.Fatalf("len(replies)=%d, repliesCount=%d", len(w.Replies), w.RepliesCount)
	}
	if w.Replies[0].UserID != "bob" || w.Replies[1].UserID != "alice" {
		t.Error("replies must keep insertion order")
	}

	_, err = w.AppendReply(reply("bob", "one more"))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("third reply error = %v, want ErrInvalidTransition", err)
	}
	if w.RepliesCount != 2 {
		t.Fatalf("third reply changed count to %d", w.RepliesCount)
	}
}

func TestAppendReplyWithoutVideoKeepsLocked(t *testing.T) {
	w := activeWaffle(t)
	_, _ = w.AppendReply(reply("bob", "one"))
	tr, err := w.AppendReply(reply("bob", "two"))
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if !tr.Closed || tr.VideoUnlocked || w.VideoUnlocked {
		t.Fatalf("transition %+v unlocked=%v, want closed without unlock", tr, w.VideoUnlocked)
	}
}

func TestAppendReplyPreconditions(t *testing.T) {
	pending := NewPendingWaffle("w_2", "prompt_1", "alice", "bob", fixedNow, fixedNow)
	if _, err := pending.AppendReply(reply("bob", "hi")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reply on pending error = %v", err)
	}

	w := activeWaffle(t)
	if _, err := w.AppendReply(reply("mallory", "hi")); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger reply error = %v", err)
	}
	if _, err := w.AppendReply(reply("bob", "  ")); !errors.Is(err, ErrEmptyText) {
		t.Errorf("empty reply error = %v", err)
	}
	if w.RepliesCount != 0 {
		t.Errorf("rejected replies changed count to %d", w.RepliesCount)
	}
}

func TestCloseAndAttachVideo(t *testing.T) {
	w := activeWaffle(t)
	if _, err := w.Close("mallory", fixedNow); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("stranger close error = %v", err)
	}
	if _, err := w.Close("bob", fixedNow); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	tr, err := w.AttachVideo("alice", "https://cdn.example/v.mp4", fixedNow)
	if err != nil {
		t.Fatalf("AttachVideo failed: %v", err)
	}
	if tr.VideoUnlocked || w.VideoUnlocked {
		t.Error("early close must not unlock the video")
	}
}

func TestAttachVideoAfterFullQuotaUnlocks(t *testing.T) {
	w := activeWaffle(t)
	_, _ = w.AppendReply(reply("bob", "one"))
	_, _ = w.AppendReply(reply("alice", "two"))

	if _, err := w.AttachVideo("bob", "https://cdn.example/v.mp4", fixedNow); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("recipient AttachVideo error = %v", err)
	}
	tr, err := w.AttachVideo("alice", "https://cdn.example/v.mp4", fixedNow)
	if err != nil {
		t.Fatalf("AttachVideo failed: %v", err)
	}
	if !tr.VideoUnlocked || !w.VideoUnlocked {
		t.Error("video should unlock once the quota is already used")
	}
	if _, err := w.AttachVideo("alice", "https://cdn.example/other.mp4", fixedNow); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second AttachVideo error = %v", err)
	}
}

func TestCanCancel(t *testing.T) {
	w := NewPendingWaffle("w_3", "prompt_1", "alice", "bob", fixedNow, fixedNow)
	if err := w.CanCancel(); err != nil {
		t.Errorf("pending CanCancel = %v", err)
	}
	w.Status = StatusActive
	if err := w.CanCancel(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("active CanCancel = %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	w := activeWaffle(t)
	_, _ = w.AppendReply(reply("bob", "one"))
	c := w.Clone()
	c.Replies[0].Text = "changed"
	if w.Replies[0].Text == "changed" {
		t.Error("Clone shares the replies slice")
	}
}
