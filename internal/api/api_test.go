package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/WaffleCafe/internal/catalog"
	"github.com/BTreeMap/WaffleCafe/internal/dispatch"
	"github.com/BTreeMap/WaffleCafe/internal/friends"
	"github.com/BTreeMap/WaffleCafe/internal/lifecycle"
	"github.com/BTreeMap/WaffleCafe/internal/messaging"
	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/notify"
	"github.com/BTreeMap/WaffleCafe/internal/store"
	"github.com/BTreeMap/WaffleCafe/internal/testutil"
)

// orderTime is Monday 2026-03-02 20:00 UTC, after bob's window closed.
var orderTime = testutil.Monday.Add(20 * time.Hour)

type testEnv struct {
	st      *store.InMemoryStore
	d       *dispatch.Dispatcher
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	clock := testutil.FixedClock(orderTime)
	cat, err := catalog.New(st, catalog.WithClock(clock))
	if err != nil {
		t.Fatalf("catalog.New failed: %v", err)
	}
	gw := notify.NewJobGateway(st, st)
	fr := friends.NewService(st, gw, friends.WithClock(clock))
	d := dispatch.NewDispatcher(st, lifecycle.NewMachine(st), gw,
		dispatch.WithPromptSource(cat),
		dispatch.WithFriendChecker(fr),
		dispatch.WithReplyDedup(st),
		dispatch.WithClock(clock),
		dispatch.WithGatewayRetryDelay(0),
	)
	hub := messaging.NewHub()
	t.Cleanup(func() { _ = hub.Stop() })
	srv := NewServer(st, d, cat, fr, WithFeed(hub))

	testutil.SeedUsers(t, st, "alice", "bob", "carol")
	testutil.SeedFriends(t, st, "alice", "bob")
	return &testEnv{st: st, d: d, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, url string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, method, url, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// order creates a waffle from alice to bob and returns it.
func (e *testEnv) order(t *testing.T) models.Waffle {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/waffles", models.OrderRequest{PromptID: "fun_1", SenderID: "alice", RecipientID: "bob"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "order")
	var w models.Waffle
	resp := testutil.DecodeResult(t, rr, &w)
	if resp.Status != string(models.APIStatusScheduled) {
		t.Errorf("order status = %q, want scheduled", resp.Status)
	}
	return w
}

func TestHealthAndRequestID(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/healthz", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	if _, err := uuid.Parse(rr.Header().Get(RequestIDHeader)); err != nil {
		t.Errorf("expected a generated request id, got %q", rr.Header().Get(RequestIDHeader))
	}

	id := uuid.NewString()
	rr = e.do(t, http.MethodGet, "/healthz", nil, RequestIDHeader, id)
	if got := rr.Header().Get(RequestIDHeader); got != id {
		t.Errorf("request id = %q, want the client's %q", got, id)
	}
	rr = e.do(t, http.MethodGet, "/healthz", nil, RequestIDHeader, "not-a-uuid")
	if got := rr.Header().Get(RequestIDHeader); got == "not-a-uuid" {
		t.Error("malformed request ids should be replaced")
	}
}

func TestCreateAndGetUser(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPost, "/users", models.CreateUserRequest{Name: "Dana", Phone: "+1 (555) 010-9999"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create user")
	var u models.User
	testutil.DecodeResult(t, rr, &u)
	if u.ID == "" || u.Phone != "15550109999" {
		t.Errorf("unexpected user %+v", u)
	}
	if u.Preference != models.DefaultPreference() {
		t.Errorf("preference = %+v, want defaults", u.Preference)
	}

	rr = e.do(t, http.MethodGet, "/users/"+u.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get user")
	rr = e.do(t, http.MethodGet, "/users/nobody", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get missing user")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusError))
}

func TestCreateUserValidation(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		body interface{}
	}{
		{"bad cadence", models.CreateUserRequest{Name: "x", Preference: &models.SchedulePreference{Cadence: 9, WindowStart: "09:00", WindowEnd: "17:00"}}},
		{"inverted window", models.CreateUserRequest{Name: "x", Preference: &models.SchedulePreference{Cadence: 2, WindowStart: "18:00", WindowEnd: "08:00"}}},
		{"short phone", models.CreateUserRequest{Name: "x", Phone: "123"}},
		{"unknown field", map[string]string{"nickname": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/users", tt.body)
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
		})
	}
}

func TestUpdatePreferenceAndSlots(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPut, "/users/bob/preference", models.SchedulePreference{Cadence: 0, WindowStart: "09:00", WindowEnd: "17:00"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid cadence")
	rr = e.do(t, http.MethodPut, "/users/bob/preference", models.SchedulePreference{Cadence: 2, WindowStart: "10:00", WindowEnd: "10:00"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty window")

	rr = e.do(t, http.MethodPut, "/users/bob/preference", models.SchedulePreference{Cadence: 2, WindowStart: "08:00", WindowEnd: "12:00"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid preference")

	rr = e.do(t, http.MethodGet, "/users/bob/slots?weeks=2", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "slots")
	var slots []time.Time
	testutil.DecodeResult(t, rr, &slots)
	if len(slots) == 0 {
		t.Fatal("expected upcoming slots")
	}
	for _, s := range slots {
		if s.Hour() < 8 || s.Hour() >= 12 {
			t.Errorf("slot %s outside 08:00-12:00", s)
		}
	}
	rr = e.do(t, http.MethodGet, "/users/bob/slots?weeks=0", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "zero weeks")
}

func TestPrompts(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/prompts", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list prompts")
	var prompts []models.Prompt
	testutil.DecodeResult(t, rr, &prompts)
	if len(prompts) != 18 {
		t.Errorf("got %d prompts, want 18", len(prompts))
	}

	rr = e.do(t, http.MethodGet, "/prompts?category=DeepThought", nil)
	testutil.DecodeResult(t, rr, &prompts)
	if len(prompts) != 3 {
		t.Errorf("got %d deep thought prompts, want 3", len(prompts))
	}
	rr = e.do(t, http.MethodGet, "/prompts?category=Spooky", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad category")

	rr = e.do(t, http.MethodPost, "/prompts/custom", models.CustomPromptRequest{UserID: "alice", Text: "What did you cook last night?"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "custom prompt")
	var p models.Prompt
	testutil.DecodeResult(t, rr, &p)
	if p.Category != models.CategoryCustom || p.Preview != "What did you cook last night?" {
		t.Errorf("unexpected custom prompt %+v", p)
	}

	rr = e.do(t, http.MethodPost, "/waffles", models.OrderRequest{PromptID: p.ID, SenderID: "alice", RecipientID: "bob"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "order custom prompt")

	rr = e.do(t, http.MethodPost, "/prompts/custom", models.CustomPromptRequest{UserID: "alice", Text: " "})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "blank custom prompt")
}

func TestOrderWaffle(t *testing.T) {
	e := newTestEnv(t)
	w := e.order(t)
	want := time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)
	if !w.ScheduledAt.Equal(want) {
		t.Errorf("scheduled_at = %s, want %s", w.ScheduledAt, want)
	}
	if w.Status != models.StatusPending || w.TriggerID == "" {
		t.Errorf("unexpected waffle %+v", w)
	}

	rr := e.do(t, http.MethodGet, "/waffles/"+w.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get waffle")
	var view dispatch.WaffleView
	testutil.DecodeResult(t, rr, &view)
	if view.Prompt == nil || view.Prompt.ID != "fun_1" || view.Sender == nil || view.Recipient == nil {
		t.Errorf("waffle view not expanded: %+v", view)
	}

	rr = e.do(t, http.MethodGet, "/users/alice/waffles/upcoming", nil)
	var upcoming []models.Waffle
	testutil.DecodeResult(t, rr, &upcoming)
	if len(upcoming) != 1 {
		t.Errorf("alice has %d upcoming waffles, want 1", len(upcoming))
	}
	rr = e.do(t, http.MethodGet, "/users/bob/waffles/upcoming", nil)
	testutil.DecodeResult(t, rr, &upcoming)
	if len(upcoming) != 0 {
		t.Errorf("bob must not see undelivered waffles, got %d", len(upcoming))
	}
	rr = e.do(t, http.MethodGet, "/users/bob/waffles/everything", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown list")
}

func TestOrderRejections(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		req  models.OrderRequest
		want int
	}{
		{"not friends", models.OrderRequest{PromptID: "fun_1", SenderID: "carol", RecipientID: "bob"}, http.StatusForbidden},
		{"unknown prompt", models.OrderRequest{PromptID: "nope", SenderID: "alice", RecipientID: "bob"}, http.StatusNotFound},
		{"self", models.OrderRequest{PromptID: "fun_1", SenderID: "bob", RecipientID: "bob"}, http.StatusBadRequest},
		{"missing sender", models.OrderRequest{PromptID: "fun_1", RecipientID: "bob"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/waffles", tt.req)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}
}

func TestReplyLifecycle(t *testing.T) {
	e := newTestEnv(t)
	w := e.order(t)
	url := "/waffles/" + w.ID

	rr := e.do(t, http.MethodPost, url+"/replies", models.ReplyRequest{AuthorID: "bob", Text: "too early"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "reply before delivery")

	if err := e.d.OnDue(context.Background(), w.ID, w.ScheduledAt); err != nil {
		t.Fatalf("OnDue failed: %v", err)
	}

	rr = e.do(t, http.MethodPost, url+"/replies", models.ReplyRequest{AuthorID: "carol", Text: "hi"})
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "stranger reply")

	rr = e.do(t, http.MethodPost, url+"/replies", models.ReplyRequest{AuthorID: "bob", Text: "a juggling unicycle"}, IdempotencyKeyHeader, "k1")
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "first reply")
	rr = e.do(t, http.MethodPost, url+"/replies", models.ReplyRequest{AuthorID: "bob", Text: "a juggling unicycle"}, IdempotencyKeyHeader, "k1")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "retried reply")

	if _, err := e.st.RecordInbound("reply:"+w.ID+":bob:k2", "bob"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	rr = e.do(t, http.MethodPost, url+"/replies", models.ReplyRequest{AuthorID: "bob", Text: "still sending"}, IdempotencyKeyHeader, "k2")
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "reply whose key is in flight")

	rr = e.do(t, http.MethodPost, url+"/video", models.VideoRequest{UserID: "bob", VideoURL: "https://videos.example/1.mp4"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "recipient video")

	rr = e.do(t, http.MethodPost, url+"/replies", models.ReplyRequest{AuthorID: "alice", Text: "ha, same"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "second reply")
	rr = e.do(t, http.MethodPost, url+"/replies", models.ReplyRequest{AuthorID: "bob", Text: "one more"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "reply after quota")

	rr = e.do(t, http.MethodPost, url+"/video", models.VideoRequest{UserID: "alice", VideoURL: "https://videos.example/1.mp4"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "sender video")
	var got models.Waffle
	testutil.DecodeResult(t, rr, &got)
	if got.Status != models.StatusClosed || got.RepliesCount != 2 || !got.VideoUnlocked {
		t.Errorf("unexpected final waffle %+v", got)
	}

	rr = e.do(t, http.MethodGet, "/users/bob/waffles/memories", nil)
	var memories []models.Waffle
	testutil.DecodeResult(t, rr, &memories)
	if len(memories) != 1 {
		t.Errorf("bob has %d memories, want 1", len(memories))
	}

	outbox, err := e.st.ClaimDueOutboxMessages(time.Now().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	// waffle_received for bob plus video_unlocked for both.
	if len(outbox) != 3 {
		t.Errorf("outbox has %d messages, want 3", len(outbox))
	}
}

func TestCloseEarly(t *testing.T) {
	e := newTestEnv(t)
	w := e.order(t)
	if err := e.d.OnDue(context.Background(), w.ID, w.ScheduledAt); err != nil {
		t.Fatalf("OnDue failed: %v", err)
	}
	rr := e.do(t, http.MethodPost, "/waffles/"+w.ID+"/close", models.CloseRequest{UserID: "carol"})
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "stranger close")
	rr = e.do(t, http.MethodPost, "/waffles/"+w.ID+"/close", models.CloseRequest{UserID: "bob"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "close")
	var got models.Waffle
	testutil.DecodeResult(t, rr, &got)
	if got.Status != models.StatusClosed || got.VideoUnlocked {
		t.Errorf("unexpected closed waffle %+v", got)
	}
}

func TestCancel(t *testing.T) {
	e := newTestEnv(t)
	w := e.order(t)
	rr := e.do(t, http.MethodDelete, "/waffles/"+w.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel")
	rr = e.do(t, http.MethodDelete, "/waffles/"+w.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "cancel twice")

	delivered := e.order(t)
	if err := e.d.OnDue(context.Background(), delivered.ID, delivered.ScheduledAt); err != nil {
		t.Fatalf("OnDue failed: %v", err)
	}
	rr = e.do(t, http.MethodDelete, "/waffles/"+delivered.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "cancel delivered")
}

func TestFriendsEndpoints(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPost, "/friends/invite", models.FriendInviteRequest{UserID: "carol", FriendID: "bob"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "invite")
	rr = e.do(t, http.MethodPost, "/friends/respond", models.FriendRespondRequest{UserID: "bob", FriendID: "carol", Accept: true})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "accept")
	rr = e.do(t, http.MethodPost, "/friends/respond", models.FriendRespondRequest{UserID: "bob", FriendID: "carol", Accept: true})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "accept twice")
	rr = e.do(t, http.MethodPost, "/friends/invite", models.FriendInviteRequest{UserID: "carol", FriendID: "carol"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "self invite")

	rr = e.do(t, http.MethodGet, "/users/bob/friends", nil)
	var list []models.Friend
	testutil.DecodeResult(t, rr, &list)
	if len(list) != 2 {
		t.Errorf("bob has %d relations, want 2", len(list))
	}

	rr = e.do(t, http.MethodPost, "/waffles", models.OrderRequest{PromptID: "sad_1", SenderID: "carol", RecipientID: "bob"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "order after accepting")
}

func TestReceiptsAndRouting(t *testing.T) {
	e := newTestEnv(t)
	if err := e.st.AddReceipt(models.Receipt{To: "bob", Status: models.MessageStatusSent, Time: 1}); err != nil {
		t.Fatalf("AddReceipt failed: %v", err)
	}
	rr := e.do(t, http.MethodGet, "/receipts", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "receipts")
	var receipts []models.Receipt
	testutil.DecodeResult(t, rr, &receipts)
	if len(receipts) != 1 {
		t.Errorf("got %d receipts, want 1", len(receipts))
	}

	rr = e.do(t, http.MethodPost, "/receipts", nil)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "wrong method")
	rr = e.do(t, http.MethodGet, "/ws", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "feed without user")
	rr = e.do(t, http.MethodPost, "/waffles", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty body")
}

func TestServerShutdownBeforeStart(t *testing.T) {
	st := store.NewInMemoryStore()
	srv := NewServer(st, nil, nil, nil, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown before Start returned %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Errorf("Start after Shutdown returned %v", err)
	}
}
