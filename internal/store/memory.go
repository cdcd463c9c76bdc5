package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
)

// InMemoryStore keeps everything in process memory. It is safe for
// concurrent use and is the backend of tests and DSN ":memory:".
type InMemoryStore struct {
	mu sync.Mutex

	users    map[string]models.User
	prompts  map[string]models.Prompt
	waffles  map[string]*models.Waffle
	friends  map[friendKey]models.Friend
	receipts []models.Receipt

	jobs     map[string]*Job
	jobQueue jobHeap
	// liveJobs maps a dedupe key to its queued or running job.
	liveJobs map[string]string
	outbox   map[string]*OutboxMessage
	outSeq   []string
	dedup    map[string]DedupRecord
}

type friendKey struct{ user, friend string }

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]models.User),
		prompts:  make(map[string]models.Prompt),
		waffles:  make(map[string]*models.Waffle),
		friends:  make(map[friendKey]models.Friend),
		jobs:     make(map[string]*Job),
		liveJobs: make(map[string]string),
		outbox:   make(map[string]*OutboxMessage),
		dedup:    make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) SaveUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) GetUser(id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) SavePrompt(p models.Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetPrompt(id string) (*models.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) CreateWaffle(w *models.Waffle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waffles[w.ID] = w.Clone()
	slog.Debug("InMemoryStore.CreateWaffle", "waffleID", w.ID, "scheduledAt", w.ScheduledAt)
	return nil
}

func (s *InMemoryStore) GetWaffle(id string) (*models.Waffle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waffles[id]
	if !ok {
		return nil, nil
	}
	return w.Clone(), nil
}

func (s *InMemoryStore) SaveWaffleTransition(before models.WaffleState, after *models.Waffle, reply *models.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.waffles[after.ID]
	if !ok || cur.Status != before.Status || cur.RepliesCount != before.RepliesCount || cur.VideoURL != before.VideoURL {
		return ErrConflict
	}
	cur.Status = after.Status
	cur.RepliesCount = after.RepliesCount
	cur.VideoURL = after.VideoURL
	cur.VideoUnlocked = after.VideoUnlocked
	cur.UpdatedAt = after.UpdatedAt
	if reply != nil {
		r := *reply
		r.WaffleID = after.ID
		cur.Replies = append(cur.Replies, r)
	}
	return nil
}

func (s *InMemoryStore) DeletePendingWaffle(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waffles[id]
	if !ok || w.Status != models.StatusPending {
		return false, nil
	}
	delete(s.waffles, id)
	return true, nil
}

func (s *InMemoryStore) SetTriggerID(waffleID, triggerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.waffles[waffleID]; ok {
		w.TriggerID = triggerID
	}
	return nil
}

func (s *InMemoryStore) PendingSlots(recipientID string) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Time
	for _, w := range s.waffles {
		if w.RecipientID == recipientID && w.Status == models.StatusPending {
			out = append(out, w.ScheduledAt)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Before(out[k]) })
	return out, nil
}

func (s *InMemoryStore) ListWaffles(f WaffleFilter) ([]models.Waffle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Waffle
	for _, w := range s.waffles {
		if !f.matches(w) {
			continue
		}
		c := *w
		c.Replies = []models.Reply{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].ScheduledAt.Equal(out[k].ScheduledAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].ScheduledAt.Before(out[k].ScheduledAt)
	})
	return out, nil
}

func (s *InMemoryStore) SaveFriend(f models.Friend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := friendKey{f.UserID, f.FriendID}
	if prev, ok := s.friends[k]; ok {
		f.CreatedAt = prev.CreatedAt
	}
	s.friends[k] = f
	return nil
}

func (s *InMemoryStore) GetFriend(userID, friendID string) (*models.Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.friends[friendKey{userID, friendID}]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) ListFriends(userID string) ([]models.Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Friend
	for k, f := range s.friends {
		if k.user == userID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
