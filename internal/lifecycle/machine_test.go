package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

var now = time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)

func newMachine(t *testing.T) (*Machine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	var n int64
	m := NewMachine(st, WithReplyIDs(func() string {
		return fmt.Sprintf("r_%d", atomic.AddInt64(&n, 1))
	}))
	return m, st
}

func seedWaffle(t *testing.T, st store.Store, id string, active bool, videoURL string) {
	t.Helper()
	w := models.NewPendingWaffle(id, "prompt_1", "alice", "bob", now, now.Add(-48*time.Hour))
	w.VideoURL = videoURL
	if active {
		w.Status = models.StatusActive
	}
	if err := st.CreateWaffle(w); err != nil {
		t.Fatalf("CreateWaffle failed: %v", err)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	m, st := newMachine(t)
	seedWaffle(t, st, "w_1", false, "")
	ctx := context.Background()

	if _, err := m.Activate(ctx, "w_1", now.Add(-time.Minute)); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("early Activate error = %v, want ErrInvalidTransition", err)
	}
	res, err := m.Activate(ctx, "w_1", now)
	if err != nil || !res.Transition.Activated {
		t.Fatalf("Activate = %+v, %v", res.Transition, err)
	}
	res, err = m.Activate(ctx, "w_1", now.Add(time.Second))
	if err != nil || res.Transition.Activated {
		t.Fatalf("second Activate = %+v, %v; want no-op", res.Transition, err)
	}
	w, _ := st.GetWaffle("w_1")
	if w.Status != models.StatusActive {
		t.Errorf("stored status = %s", w.Status)
	}
	if _, err := m.Activate(ctx, "w_missing", now); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Activate(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTwoRepliesCloseAndUnlock(t *testing.T) {
	m, st := newMachine(t)
	seedWaffle(t, st, "w_1", true, "https://cdn.example/v.mp4")
	ctx := context.Background()

	res, err := m.AppendReply(ctx, "w_1", "bob", "first", now)
	if err != nil {
		t.Fatalf("first reply failed: %v", err)
	}
	if res.Transition.Closed || res.Waffle.Status != models.StatusActive || res.Waffle.RepliesCount != 1 {
		t.Fatalf("after first reply: %+v", res.Waffle)
	}
	if res.Reply == nil || res.Reply.ID != "r_1" || res.Reply.WaffleID != "w_1" {
		t.Errorf("reply = %+v", res.Reply)
	}

	res, err = m.AppendReply(ctx, "w_1", "alice", "second", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second reply failed: %v", err)
	}
	if !res.Transition.Closed || !res.Transition.VideoUnlocked {
		t.Fatalf("second transition = %+v", res.Transition)
	}

	_, err = m.AppendReply(ctx, "w_1", "bob", "third", now.Add(2*time.Minute))
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("third reply error = %v, want ErrInvalidTransition", err)
	}
	w, _ := st.GetWaffle("w_1")
	if w.RepliesCount != 2 || len(w.Replies) != 2 || !w.VideoUnlocked || w.Status != models.StatusClosed {
		t.Errorf("stored waffle = %+v", w)
	}
	if w.Replies[0].Text != "first" || w.Replies[1].Text != "second" {
		t.Errorf("replies out of order: %+v", w.Replies)
	}
}

func TestConcurrentRepliesOnLastSlot(t *testing.T) {
	for _, attempts := range []int{3, 8, 32} {
		t.Run(fmt.Sprintf("attempts=%d", attempts), func(t *testing.T) {
			m, st := newMachine(t)
			seedWaffle(t, st, "w_1", true, "https://cdn.example/v.mp4")
			ctx := context.Background()
			if _, err := m.AppendReply(ctx, "w_1", "bob", "first", now); err != nil {
				t.Fatalf("first reply failed: %v", err)
			}

			var wg sync.WaitGroup
			var ok, rejected, unlocked int32
			start := make(chan struct{})
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					author := "alice"
					if i%2 == 1 {
						author = "bob"
					}
					res, err := m.AppendReply(ctx, "w_1", author, "racing", now)
					switch {
					case err == nil:
						atomic.AddInt32(&ok, 1)
						if res.Transition.VideoUnlocked {
							atomic.AddInt32(&unlocked, 1)
						}
					case errors.Is(err, models.ErrInvalidTransition):
						atomic.AddInt32(&rejected, 1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			if ok != 1 || rejected != int32(attempts-1) || unlocked != 1 {
				t.Errorf("ok=%d rejected=%d unlocked=%d", ok, rejected, unlocked)
			}
			w, _ := st.GetWaffle("w_1")
			if w.RepliesCount != 2 || len(w.Replies) != 2 {
				t.Errorf("stored replies = %d/%d", w.RepliesCount, len(w.Replies))
			}
		})
	}
}

func TestRejectedReplyLeavesStateUntouched(t *testing.T) {
	m, st := newMachine(t)
	seedWaffle(t, st, "w_1", true, "")
	ctx := context.Background()

	cases := []struct {
		name   string
		author string
		text   string
		want   error
	}{
		{"stranger", "mallory", "hi", models.ErrNotParticipant},
		{"empty", "bob", "   ", models.ErrEmptyText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.AppendReply(ctx, "w_1", tc.author, tc.text, now); !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
	w, _ := st.GetWaffle("w_1")
	if w.RepliesCount != 0 || len(w.Replies) != 0 {
		t.Errorf("rejected replies were stored: %+v", w.Replies)
	}
}

func TestCloseKeepsVideoLocked(t *testing.T) {
	m, st := newMachine(t)
	seedWaffle(t, st, "w_1", true, "https://cdn.example/v.mp4")
	res, err := m.Close(context.Background(), "w_1", "bob", now)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !res.Transition.Closed || res.Transition.VideoUnlocked {
		t.Errorf("transition = %+v", res.Transition)
	}
	w, _ := st.GetWaffle("w_1")
	if w.Status != models.StatusClosed || w.VideoUnlocked {
		t.Errorf("stored waffle = %+v", w)
	}
}

func TestAttachVideoAfterQuotaUnlocks(t *testing.T) {
	m, st := newMachine(t)
	seedWaffle(t, st, "w_1", true, "")
	ctx := context.Background()
	m.AppendReply(ctx, "w_1", "bob", "one", now)
	res, err := m.AppendReply(ctx, "w_1", "alice", "two", now)
	if err != nil || res.Transition.VideoUnlocked {
		t.Fatalf("closing reply = %+v, %v", res.Transition, err)
	}

	if _, err := m.AttachVideo(ctx, "w_1", "bob", "https://cdn.example/v.mp4", now); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("recipient attach error = %v", err)
	}
	res, err = m.AttachVideo(ctx, "w_1", "alice", "https://cdn.example/v.mp4", now)
	if err != nil || !res.Transition.VideoUnlocked {
		t.Fatalf("AttachVideo = %+v, %v", res.Transition, err)
	}
	w, _ := st.GetWaffle("w_1")
	if !w.VideoUnlocked || w.VideoURL == "" {
		t.Errorf("stored waffle = %+v", w)
	}
}

func TestCancel(t *testing.T) {
	m, st := newMachine(t)
	seedWaffle(t, st, "w_pending", false, "")
	seedWaffle(t, st, "w_active", true, "")
	ctx := context.Background()

	w, err := m.Cancel(ctx, "w_pending")
	if err != nil || w.ID != "w_pending" {
		t.Fatalf("Cancel = %v, %v", w, err)
	}
	if got, _ := st.GetWaffle("w_pending"); got != nil {
		t.Error("cancelled waffle still stored")
	}
	if _, err := m.Cancel(ctx, "w_pending"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second Cancel error = %v, want ErrNotFound", err)
	}
	if _, err := m.Cancel(ctx, "w_active"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Cancel(active) error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelRacesActivate(t *testing.T) {
	for i := 0; i < 20; i++ {
		m, st := newMachine(t)
		seedWaffle(t, st, "w_1", false, "")
		ctx := context.Background()

		var wg sync.WaitGroup
		var cancelErr, activateErr error
		var activated bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = m.Cancel(ctx, "w_1")
		}()
		go func() {
			defer wg.Done()
			var res Result
			res, activateErr = m.Activate(ctx, "w_1", now)
			activated = res.Transition.Activated
		}()
		wg.Wait()

		switch {
		case cancelErr == nil:
			if !errors.Is(activateErr, models.ErrNotFound) || activated {
				t.Fatalf("cancel won but activate = %v, %v", activated, activateErr)
			}
		case activated:
			if !errors.Is(cancelErr, models.ErrInvalidTransition) {
				t.Fatalf("activate won but cancel error = %v", cancelErr)
			}
		default:
			t.Fatalf("neither side won: cancel=%v activate=%v", cancelErr, activateErr)
		}
	}
}
