package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/lifecycle"
	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/notify"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

// Monday 2026-03-02 20:00 UTC.
var orderTime = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

type gatewayCall struct {
	op        string
	at        time.Time
	n         models.Notification
	triggerID string
}

// fakeGateway records calls and fails the first failures calls.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []gatewayCall
	failures int
	armed    map[string]bool
	seq      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{armed: make(map[string]bool)}
}

func (g *fakeGateway) fail() error {
	if g.failures > 0 {
		g.failures--
		return errors.New("push service unavailable")
	}
	return nil
}

func (g *fakeGateway) Arm(ctx context.Context, at time.Time, n models.Notification) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{op: "Arm", at: at, n: n})
	if err := g.fail(); err != nil {
		return "", err
	}
	g.seq++
	id := fmt.Sprintf("trigger_%d", g.seq)
	g.armed[id] = true
	return id, nil
}

func (g *fakeGateway) Disarm(ctx context.Context, triggerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{op: "Disarm", triggerID: triggerID})
	if err := g.fail(); err != nil {
		return err
	}
	delete(g.armed, triggerID)
	return nil
}

func (g *fakeGateway) SendNow(ctx context.Context, n models.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{op: "SendNow", n: n})
	return g.fail()
}

func (g *fakeGateway) sent(typ models.NotificationType) []models.Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.Notification
	for _, c := range g.calls {
		if c.op == "SendNow" && c.n.Payload.Type == typ {
			out = append(out, c.n)
		}
	}
	return out
}

func (g *fakeGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type fixture struct {
	store   *store.InMemoryStore
	gateway *fakeGateway
	d       *Dispatcher
	clock   time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: store.NewInMemoryStore(), gateway: newFakeGateway(), clock: orderTime}
	mustSave(t, f.store.SavePrompt(models.Prompt{ID: "prompt_1", Category: models.CategoryProud, Text: "What made you proud this week?", Preview: "What made you proud this week?"}))
	mustSave(t, f.store.SaveUser(models.User{ID: "bob", Name: "Bob", Preference: models.SchedulePreference{Cadence: 3, WindowStart: "09:00", WindowEnd: "17:00"}}))
	mustSave(t, f.store.SaveUser(models.User{ID: "alice", Name: "Alice", Preference: models.DefaultPreference()}))
	opts = append([]Option{WithClock(func() time.Time { return f.clock }), WithGatewayRetryDelay(0)}, opts...)
	f.d = NewDispatcher(f.store, lifecycle.NewMachine(f.store), f.gateway, opts...)
	return f
}

func mustSave(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

// deliver orders a waffle from alice to bob and fires its trigger.
func (f *fixture) deliver(t *testing.T) *models.Waffle {
	t.Helper()
	ctx := context.Background()
	w, err := f.d.OnOrder(ctx, "prompt_1", "alice", "bob")
	if err != nil {
		t.Fatalf("OnOrder failed: %v", err)
	}
	if err := f.d.OnDue(ctx, w.ID, w.ScheduledAt); err != nil {
		t.Fatalf("OnDue failed: %v", err)
	}
	return w
}

func TestOnOrderSchedulesInsideRecipientWindow(t *testing.T) {
	f := newFixture(t)
	w, err := f.d.OnOrder(context.Background(), "prompt_1", "alice", "bob")
	if err != nil {
		t.Fatalf("OnOrder failed: %v", err)
	}
	if w.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", w.Status)
	}
	if w.ScheduledAt.Weekday() == time.Monday || w.ScheduledAt.Hour() < 9 || w.ScheduledAt.Hour() >= 17 {
		t.Errorf("scheduledAt = %s, want a later day inside 09:00-17:00", w.ScheduledAt)
	}
	if w.TriggerID == "" || f.gateway.count("Arm") != 1 {
		t.Errorf("trigger not armed: id=%q arms=%d", w.TriggerID, f.gateway.count("Arm"))
	}
	stored, _ := f.store.GetWaffle(w.ID)
	if stored.TriggerID != w.TriggerID {
		t.Errorf("stored trigger = %q, want %q", stored.TriggerID, w.TriggerID)
	}
	arm := f.gateway.calls[0]
	if !arm.at.Equal(w.ScheduledAt) || arm.n.Payload.Type != models.NotificationWaffleReceived || arm.n.To[0] != "bob" {
		t.Errorf("arm call = %+v", arm)
	}
}

func TestConcurrentOrdersGetDistinctDays(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	results := make(chan *models.Waffle, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := f.d.OnOrder(context.Background(), "prompt_1", "alice", "bob")
			if err != nil {
				t.Errorf("OnOrder failed: %v", err)
				return
			}
			results <- w
		}()
	}
	wg.Wait()
	close(results)
	days := map[string]bool{}
	for w := range results {
		day := w.ScheduledAt.Format("2006-01-02")
		if days[day] {
			t.Errorf("two deliveries on %s", day)
		}
		days[day] = true
	}
	if len(days) != 3 {
		t.Errorf("got %d distinct days, want 3", len(days))
	}
}

func TestOnOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name                     string
		prompt, sender, receiver string
		want                     error
	}{
		{"self", "prompt_1", "bob", "bob", models.ErrSelfAddressed},
		{"empty sender", "prompt_1", "", "bob", models.ErrEmptyUserID},
		{"unknown prompt", "prompt_x", "alice", "bob", models.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.d.OnOrder(ctx, tc.prompt, tc.sender, tc.receiver); !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
	if f.gateway.count("Arm") != 0 {
		t.Error("rejected orders must not arm triggers")
	}
}

type friendSet map[string]bool

func (s friendSet) AreFriends(a, b string) (bool, error) { return s[a+"|"+b], nil }

func TestOnOrderRequiresFriendship(t *testing.T) {
	f := newFixture(t, WithFriendChecker(friendSet{"carol|bob": true}))
	if _, err := f.d.OnOrder(context.Background(), "prompt_1", "alice", "bob"); !errors.Is(err, models.ErrNotFriends) {
		t.Errorf("error = %v, want ErrNotFriends", err)
	}
	if _, err := f.d.OnOrder(context.Background(), "prompt_1", "carol", "bob"); err != nil {
		t.Errorf("friend order failed: %v", err)
	}
}

func TestOnDueActivatesOnceAndNotifies(t *testing.T) {
	f := newFixture(t)
	w := f.deliver(t)
	if err := f.d.OnDue(context.Background(), w.ID, w.ScheduledAt.Add(time.Second)); err != nil {
		t.Fatalf("duplicate OnDue failed: %v", err)
	}
	sent := f.gateway.sent(models.NotificationWaffleReceived)
	if len(sent) != 1 || sent[0].To[0] != "bob" || sent[0].Payload.WaffleID != w.ID {
		t.Errorf("waffle_received notifications = %+v", sent)
	}
	stored, _ := f.store.GetWaffle(w.ID)
	if stored.Status != models.StatusActive {
		t.Errorf("status = %s, want active", stored.Status)
	}
	if err := f.d.OnDue(context.Background(), "w_gone", orderTime); err != nil {
		t.Errorf("OnDue(missing) = %v, want nil", err)
	}
}

func TestSecondReplyClosesAndUnlocksVideo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.deliver(t)
	if _, err := f.d.OnVideo(ctx, w.ID, "alice", "https://cdn.example/v.mp4", orderTime); err != nil {
		t.Fatalf("OnVideo failed: %v", err)
	}

	if _, err := f.d.OnReply(ctx, w.ID, "bob", "I finished my first marathon", orderTime); err != nil {
		t.Fatalf("first reply failed: %v", err)
	}
	got, _ := f.d.Get(ctx, w.ID)
	if got.Status != models.StatusActive || got.RepliesCount != 1 {
		t.Fatalf("after first reply: status=%s count=%d", got.Status, got.RepliesCount)
	}
	if len(f.gateway.sent(models.NotificationVideoUnlocked)) != 0 {
		t.Fatal("video_unlocked sent before quota was used")
	}

	r, err := f.d.OnReply(ctx, w.ID, "alice", "Amazing!", orderTime)
	if err != nil {
		t.Fatalf("second reply failed: %v", err)
	}
	if r.UserID != "alice" || r.WaffleID != w.ID {
		t.Errorf("reply = %+v", r)
	}
	got, _ = f.d.Get(ctx, w.ID)
	if got.Status != models.StatusClosed || got.RepliesCount != 2 || !got.VideoUnlocked {
		t.Errorf("after second reply: %+v", got)
	}
	unlocks := f.gateway.sent(models.NotificationVideoUnlocked)
	if len(unlocks) != 1 {
		t.Fatalf("video_unlocked notifications = %d, want 1", len(unlocks))
	}
	if to := unlocks[0].To; len(to) != 2 || to[0] != "alice" || to[1] != "bob" {
		t.Errorf("video_unlocked addressed to %v", to)
	}
}

func TestCancelTwiceReturnsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.d.OnOrder(ctx, "prompt_1", "alice", "bob")
	if err != nil {
		t.Fatalf("OnOrder failed: %v", err)
	}
	if err := f.d.OnCancel(ctx, w.ID); err != nil {
		t.Fatalf("OnCancel failed: %v", err)
	}
	if f.gateway.armed[w.TriggerID] {
		t.Error("trigger still armed after cancel")
	}
	if err := f.d.OnCancel(ctx, w.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second OnCancel error = %v, want ErrNotFound", err)
	}
	if _, err := f.d.Get(ctx, w.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get after cancel = %v, want ErrNotFound", err)
	}
}

func TestCancelAfterDeliveryFails(t *testing.T) {
	f := newFixture(t)
	w := f.deliver(t)
	err := f.d.OnCancel(context.Background(), w.ID)
	if !errors.Is(err, models.ErrNotFound) || !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("OnCancel(active) = %v, want ErrNotFound and ErrInvalidTransition", err)
	}
}

func TestThirdReplyRejectedAfterQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.deliver(t)
	f.d.OnReply(ctx, w.ID, "bob", "one", orderTime)
	f.d.OnReply(ctx, w.ID, "alice", "two", orderTime)

	if _, err := f.d.OnReply(ctx, w.ID, "bob", "three", orderTime); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("third reply error = %v, want ErrInvalidTransition", err)
	}
	got, _ := f.d.Get(ctx, w.ID)
	if got.RepliesCount != 2 {
		t.Errorf("RepliesCount = %d, want 2", got.RepliesCount)
	}
	if len(f.gateway.sent(models.NotificationVideoUnlocked)) != 0 {
		t.Error("no video was recorded, nothing should unlock")
	}
}

func TestGatewayFailureIsRetriedOnceThenRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.failures = 1
	w, err := f.d.OnOrder(ctx, "prompt_1", "alice", "bob")
	if err != nil {
		t.Fatalf("OnOrder failed: %v", err)
	}
	if f.gateway.count("Arm") != 2 || w.TriggerID == "" {
		t.Errorf("arm attempts = %d, trigger = %q", f.gateway.count("Arm"), w.TriggerID)
	}

	f.gateway.failures = 2
	if err := f.d.OnDue(ctx, w.ID, w.ScheduledAt); err != nil {
		t.Fatalf("OnDue must swallow gateway failures, got %v", err)
	}
	if f.gateway.count("SendNow") != 2 {
		t.Errorf("SendNow attempts = %d, want 2", f.gateway.count("SendNow"))
	}
	got, _ := f.d.Get(ctx, w.ID)
	if got.Status != models.StatusActive {
		t.Errorf("state rolled back to %s", got.Status)
	}
	receipts, _ := f.store.GetReceipts()
	if len(receipts) != 1 || receipts[0].Status != models.MessageStatusFailed || receipts[0].To != "bob" || receipts[0].WaffleID != w.ID {
		t.Errorf("receipts = %+v", receipts)
	}
}

func TestOnReplyOnceIgnoresRepeatedKey(t *testing.T) {
	f := newFixture(t, WithReplyDedup(store.NewInMemoryStore()))
	ctx := context.Background()
	w := f.deliver(t)

	r, dup, err := f.d.OnReplyOnce(ctx, "key-1", w.ID, "bob", "hello", orderTime)
	if err != nil || dup || r == nil {
		t.Fatalf("first OnReplyOnce = %v, %v, %v", r, dup, err)
	}
	_, dup, err = f.d.OnReplyOnce(ctx, "key-1", w.ID, "bob", "hello", orderTime)
	if err != nil || !dup {
		t.Fatalf("repeat OnReplyOnce = %v, %v", dup, err)
	}
	got, _ := f.d.Get(ctx, w.ID)
	if got.RepliesCount != 1 {
		t.Errorf("RepliesCount = %d, want 1", got.RepliesCount)
	}

	// A rejected reply releases its key so the client can retry.
	if _, _, err := f.d.OnReplyOnce(ctx, "key-2", w.ID, "bob", "   ", orderTime); !errors.Is(err, models.ErrEmptyText) {
		t.Fatalf("blank reply error = %v, want ErrEmptyText", err)
	}
	if _, dup, err := f.d.OnReplyOnce(ctx, "key-2", w.ID, "bob", "hi", orderTime); err != nil || dup {
		t.Errorf("retry with released key = %v, %v", dup, err)
	}
}

func TestOnReplyOnceKeyInFlight(t *testing.T) {
	dedup := store.NewInMemoryStore()
	f := newFixture(t, WithReplyDedup(dedup))
	ctx := context.Background()
	w := f.deliver(t)

	// Another request holds the key but has not finished.
	if _, err := dedup.RecordInbound("reply:"+w.ID+":bob:key-1", "bob"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	_, dup, err := f.d.OnReplyOnce(ctx, "key-1", w.ID, "bob", "hello", orderTime)
	if !errors.Is(err, models.ErrReplyInFlight) || dup {
		t.Fatalf("OnReplyOnce while in flight = %v, %v, want ErrReplyInFlight", dup, err)
	}
	got, _ := f.d.Get(ctx, w.ID)
	if got.RepliesCount != 0 {
		t.Errorf("RepliesCount = %d, want 0", got.RepliesCount)
	}

	// The first request fails and releases the key; the retry lands.
	if err := dedup.ReleaseInbound("reply:" + w.ID + ":bob:key-1"); err != nil {
		t.Fatalf("ReleaseInbound failed: %v", err)
	}
	r, dup, err := f.d.OnReplyOnce(ctx, "key-1", w.ID, "bob", "hello", orderTime)
	if err != nil || dup || r == nil {
		t.Fatalf("retry OnReplyOnce = %v, %v, %v", r, dup, err)
	}
}

func TestUpdatePreference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		pref models.SchedulePreference
		want error
	}{
		{models.SchedulePreference{Cadence: 0, WindowStart: "09:00", WindowEnd: "17:00"}, models.ErrInvalidCadence},
		{models.SchedulePreference{Cadence: 8, WindowStart: "09:00", WindowEnd: "17:00"}, models.ErrInvalidCadence},
		{models.SchedulePreference{Cadence: 3, WindowStart: "17:00", WindowEnd: "09:00"}, models.ErrInvalidWindow},
		{models.SchedulePreference{Cadence: 3, WindowStart: "12:00", WindowEnd: "12:00"}, models.ErrInvalidWindow},
	}
	for _, tc := range cases {
		if _, err := f.d.UpdatePreference(ctx, "bob", tc.pref); !errors.Is(err, tc.want) {
			t.Errorf("UpdatePreference(%+v) = %v, want %v", tc.pref, err, tc.want)
		}
	}
	u, _ := f.store.GetUser("bob")
	if u.Preference.Cadence != 3 {
		t.Errorf("invalid update changed the stored preference: %+v", u.Preference)
	}

	pref := models.SchedulePreference{Cadence: 7, WindowStart: "07:00", WindowEnd: "08:00"}
	if _, err := f.d.UpdatePreference(ctx, "dave", pref); err != nil {
		t.Fatalf("UpdatePreference(new user) failed: %v", err)
	}
	u, _ = f.store.GetUser("dave")
	if u == nil || u.Preference != pref {
		t.Errorf("stored user = %+v", u)
	}
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active := f.deliver(t)
	closed := f.deliver(t)
	f.d.OnClose(ctx, closed.ID, "bob", orderTime)
	pending, err := f.d.OnOrder(ctx, "prompt_1", "alice", "bob")
	if err != nil {
		t.Fatalf("OnOrder failed: %v", err)
	}

	check := func(name string, got []models.Waffle, err error, want ...string) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s failed: %v", name, err)
		}
		if len(got) != len(want) {
			t.Fatalf("%s = %d waffles, want %d", name, len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Errorf("%s[%d] = %s, want %s", name, i, got[i].ID, want[i])
			}
		}
	}
	ws, err := f.d.ActiveFor(ctx, "bob")
	check("ActiveFor(bob)", ws, err, active.ID)
	ws, err = f.d.UpcomingFor(ctx, "alice")
	check("UpcomingFor(alice)", ws, err, pending.ID)
	ws, err = f.d.UpcomingFor(ctx, "bob")
	check("UpcomingFor(bob)", ws, err)
	ws, err = f.d.MemoriesFor(ctx, "alice")
	check("MemoriesFor(alice)", ws, err, closed.ID)

	view, err := f.d.Expand(ctx, active)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if view.Prompt == nil || view.Sender.Name != "Alice" || view.Recipient.Name != "Bob" {
		t.Errorf("view = %+v", view)
	}
}

func TestUpcomingSlots(t *testing.T) {
	f := newFixture(t)
	slots, err := f.d.UpcomingSlots(context.Background(), "bob", 1)
	if err != nil {
		t.Fatalf("UpcomingSlots failed: %v", err)
	}
	if len(slots) != 3 {
		t.Errorf("got %d slots in the next week, want 3", len(slots))
	}
}

func TestEndToEndWithJobQueue(t *testing.T) {
	st := store.NewInMemoryStore()
	mustSave(t, st.SavePrompt(models.Prompt{ID: "prompt_1", Category: models.CategoryFun, Text: "Best snack?", Preview: "Best snack?"}))
	clock := orderTime
	d := NewDispatcher(st, lifecycle.NewMachine(st), notify.NewJobGateway(st, st), WithClock(func() time.Time { return clock }), WithGatewayRetryDelay(0))
	runner := store.NewJobRunner(st, time.Hour)
	d.RegisterJobs(runner)
	ctx := context.Background()

	w, err := d.OnOrder(ctx, "prompt_1", "alice", "bob")
	if err != nil {
		t.Fatalf("OnOrder failed: %v", err)
	}
	// The trigger lives in the job queue until its instant passes in real time.
	job, _ := st.GetJob(w.TriggerID)
	if job == nil || job.Kind != notify.JobKindWaffleDue || !job.RunAt.Equal(w.ScheduledAt) {
		t.Fatalf("trigger job = %+v", job)
	}

	clock = w.ScheduledAt
	if err := d.HandleDueJob(ctx, job.PayloadJSON); err != nil {
		t.Fatalf("HandleDueJob failed: %v", err)
	}
	got, _ := d.Get(ctx, w.ID)
	if got.Status != models.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	msgs := st.OutboxMessages()
	if len(msgs) != 1 || msgs[0].UserID != "bob" || msgs[0].Kind != string(models.NotificationWaffleReceived) {
		t.Errorf("outbox = %+v", msgs)
	}
}

func TestRearmReplacesLostTrigger(t *testing.T) {
	f := newFixture(t)
	f.gateway.failures = 2
	w, err := f.d.OnOrder(context.Background(), "prompt_1", "alice", "bob")
	if err != nil {
		t.Fatalf("OnOrder should survive a gateway outage: %v", err)
	}
	if w.TriggerID != "" {
		t.Fatalf("trigger recorded despite failure: %q", w.TriggerID)
	}

	if err := f.d.Rearm(context.Background(), w); err != nil {
		t.Fatalf("Rearm failed: %v", err)
	}
	stored, _ := f.store.GetWaffle(w.ID)
	if stored.TriggerID == "" || stored.TriggerID != w.TriggerID {
		t.Errorf("stored trigger = %q, want %q", stored.TriggerID, w.TriggerID)
	}

	if err := f.d.OnDue(context.Background(), w.ID, w.ScheduledAt); err != nil {
		t.Fatalf("OnDue failed: %v", err)
	}
	active, _ := f.store.GetWaffle(w.ID)
	if err := f.d.Rearm(context.Background(), active); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Rearm of an active waffle error = %v", err)
	}
}
