// Package friends manages friend invitations and accepted relations.
//
// A relation is stored per direction. An invite stores the inviter's side as
// pending; accepting stores both sides as accepted, declining marks the
// inviter's side declined. Each user may hold at most
// models.MaxAcceptedFriends accepted relations.
package friends

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/notify"
	"github.com/BTreeMap/WaffleCafe/internal/store"
)

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used to stamp relations.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements invitations and the friendship check used when ordering.
type Service struct {
	store   store.Store
	gateway notify.Gateway
	now     func() time.Time
	// mu serializes acceptances so the per-user limit holds under concurrency.
	mu sync.Mutex
}

// NewService creates a friends Service. gateway may be nil, in which case
// invitations are stored without a notification.
func NewService(st store.Store, gateway notify.Gateway, opts ...Option) *Service {
	s := &Service{store: st, gateway: gateway, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validatePair(userID, friendID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(friendID) == "" {
		return models.ErrEmptyUserID
	}
	if userID == friendID {
		return models.ErrSelfAddressed
	}
	return nil
}

// Invite records userID's request to befriend friendID and notifies
// friendID. Inviting an existing friend returns the accepted relation; an
// invite that crosses a pending one from friendID accepts both.
func (s *Service) Invite(ctx context.Context, userID, friendID string) (*models.Friend, error) {
	if err := validatePair(userID, friendID); err != nil {
		return nil, err
	}
	inviter, err := s.requireUser(userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireUser(friendID); err != nil {
		return nil, err
	}

	existing, err := s.store.GetFriend(userID, friendID)
	if err != nil {
		return nil, fmt.Errorf("get friend %s/%s: %w", userID, friendID, err)
	}
	if existing != nil && existing.Status == models.FriendAccepted {
		return existing, nil
	}
	reverse, err := s.store.GetFriend(friendID, userID)
	if err != nil {
		return nil, fmt.Errorf("get friend %s/%s: %w", friendID, userID, err)
	}
	if reverse != nil && reverse.Status == models.FriendPending {
		slog.Info("Friends.Invite: crossing invitations, accepting", "userID", userID, "friendID", friendID)
		return s.Respond(ctx, userID, friendID, true)
	}

	now := s.now()
	f := models.Friend{UserID: userID, FriendID: friendID, Status: models.FriendPending, CreatedAt: now, UpdatedAt: now}
	if err := s.store.SaveFriend(f); err != nil {
		return nil, fmt.Errorf("save invitation: %w", err)
	}
	slog.Info("Friends.Invite: invitation stored", "userID", userID, "friendID", friendID)

	if s.gateway != nil {
		n := models.FriendRequestNotification(userID, inviter.Name, friendID)
		if err := s.gateway.SendNow(ctx, n); err != nil {
			slog.Warn("Friends.Invite: notification failed", "userID", userID, "friendID", friendID, "error", err)
			r := models.Receipt{To: friendID, Type: n.Payload.Type, Status: models.MessageStatusFailed, Error: err.Error(), Time: now.Unix()}
			if rerr := s.store.AddReceipt(r); rerr != nil {
				slog.Error("Friends.Invite: failed to record receipt", "friendID", friendID, "error", rerr)
			}
		}
	}
	return &f, nil
}

// Respond answers the pending invitation fromID sent to userID. It returns
// userID's side of the relation: accepted, or declined from fromID's side.
// A missing invitation is ErrNotFound; accepting beyond the friend limit of
// either user is ErrFriendLimit.
func (s *Service) Respond(ctx context.Context, userID, fromID string, accept bool) (*models.Friend, error) {
	if err := validatePair(userID, fromID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	invite, err := s.store.GetFriend(fromID, userID)
	if err != nil {
		return nil, fmt.Errorf("get invitation %s/%s: %w", fromID, userID, err)
	}
	if invite == nil || invite.Status != models.FriendPending {
		return nil, fmt.Errorf("%w: no pending invitation from %s to %s", models.ErrNotFound, fromID, userID)
	}
	now := s.now()

	if !accept {
		invite.Status = models.FriendDeclined
		invite.UpdatedAt = now
		if err := s.store.SaveFriend(*invite); err != nil {
			return nil, fmt.Errorf("save declined invitation: %w", err)
		}
		slog.Info("Friends.Respond: invitation declined", "userID", userID, "fromID", fromID)
		return invite, nil
	}

	for _, id := range []string{userID, fromID} {
		n, err := s.acceptedCount(id)
		if err != nil {
			return nil, err
		}
		if n >= models.MaxAcceptedFriends {
			slog.Warn("Friends.Respond: friend limit reached", "userID", id)
			return nil, fmt.Errorf("%w: user %s", models.ErrFriendLimit, id)
		}
	}

	invite.Status = models.FriendAccepted
	invite.UpdatedAt = now
	if err := s.store.SaveFriend(*invite); err != nil {
		return nil, fmt.Errorf("save accepted invitation: %w", err)
	}
	mine := models.Friend{UserID: userID, FriendID: fromID, Status: models.FriendAccepted, CreatedAt: now, UpdatedAt: now}
	if err := s.store.SaveFriend(mine); err != nil {
		return nil, fmt.Errorf("save accepted relation: %w", err)
	}
	slog.Info("Friends.Respond: invitation accepted", "userID", userID, "fromID", fromID)
	return &mine, nil
}

// List returns the relations owned by userID: accepted friends and the
// invitations the user sent.
func (s *Service) List(userID string) ([]models.Friend, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.ErrEmptyUserID
	}
	out, err := s.store.ListFriends(userID)
	if err != nil {
		return nil, fmt.Errorf("list friends of %s: %w", userID, err)
	}
	if out == nil {
		out = []models.Friend{}
	}
	return out, nil
}

// AreFriends reports whether userID holds an accepted relation with friendID.
func (s *Service) AreFriends(userID, friendID string) (bool, error) {
	f, err := s.store.GetFriend(userID, friendID)
	if err != nil {
		return false, fmt.Errorf("get friend %s/%s: %w", userID, friendID, err)
	}
	return f != nil && f.Status == models.FriendAccepted, nil
}

func (s *Service) acceptedCount(userID string) (int, error) {
	all, err := s.store.ListFriends(userID)
	if err != nil {
		return 0, fmt.Errorf("list friends of %s: %w", userID, err)
	}
	n := 0
	for _, f := range all {
		if f.Status == models.FriendAccepted {
			n++
		}
	}
	return n, nil
}

func (s *Service) requireUser(id string) (*models.User, error) {
	u, err := s.store.GetUser(id)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	if u == nil {
		return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, id)
	}
	return u, nil
}
