// Package store provides storage backends for WaffleCafe.
//
// Three backends implement the same contracts: an in-memory store used by
// tests and ephemeral runs, SQLite (the default) and PostgreSQL. Besides
// users, prompts, waffles, friends and receipts, every backend carries the
// durable job queue that holds armed delivery triggers, the outbox of pending
// notifications, and the inbound dedup table used for reply idempotency.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
)

// ErrConflict is returned by SaveWaffleTransition when the stored waffle no
// longer matches the state the caller mutated from.
var ErrConflict = errors.New("waffle was modified concurrently")

// WaffleFilter narrows ListWaffles. Empty fields match everything.
type WaffleFilter struct {
	SenderID    string
	RecipientID string
	// ParticipantID matches either side of the waffle.
	ParticipantID string
	Status        models.WaffleStatus
}

func (f WaffleFilter) matches(w *models.Waffle) bool {
	if f.SenderID != "" && w.SenderID != f.SenderID {
		return false
	}
	if f.RecipientID != "" && w.RecipientID != f.RecipientID {
		return false
	}
	if f.ParticipantID != "" && !w.IsParticipant(f.ParticipantID) {
		return false
	}
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	return true
}

// Store defines the domain persistence used by WaffleCafe. Get methods return
// (nil, nil) when the record does not exist.
type Store interface {
	SaveUser(u models.User) error
	GetUser(id string) (*models.User, error)

	// SavePrompt stores a custom prompt. Catalog prompts are not persisted.
	SavePrompt(p models.Prompt) error
	GetPrompt(id string) (*models.Prompt, error)

	CreateWaffle(w *models.Waffle) error
	// GetWaffle returns the waffle with its replies in insertion order.
	GetWaffle(id string) (*models.Waffle, error)
	// SaveWaffleTransition persists after (and reply, when non-nil) only if the
	// stored status and reply count still equal before; otherwise ErrConflict.
	SaveWaffleTransition(before models.WaffleState, after *models.Waffle, reply *models.Reply) error
	// DeletePendingWaffle removes a waffle that is still pending. It reports
	// false when the waffle is missing or no longer pending.
	DeletePendingWaffle(id string) (bool, error)
	SetTriggerID(waffleID, triggerID string) error
	// PendingSlots lists the scheduled instants of a recipient's pending waffles.
	PendingSlots(recipientID string) ([]time.Time, error)
	// ListWaffles returns matching waffles ordered by ScheduledAt, without replies.
	ListWaffles(f WaffleFilter) ([]models.Waffle, error)

	SaveFriend(f models.Friend) error
	GetFriend(userID, friendID string) (*models.Friend, error)
	ListFriends(userID string) ([]models.Friend, error)

	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)

	Close() error
}

// Backend is a Store that also carries the durable job queue, the outbox and
// the inbound dedup table.
type Backend interface {
	Store
	JobRepo
	OutboxRepo
	DedupRepo
}

var (
	_ Backend = (*InMemoryStore)(nil)
	_ Backend = (*SQLiteStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN string // data source name (file path for SQLite, connection string for Postgres)
}

// Option defines a functional option for configuring a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN types returned by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// DetectDSNType guesses the backend from a DSN. An empty DSN or ":memory:"
// selects the in-memory store; postgres URLs and key/value strings select
// Postgres; anything else is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case d == "" || d == ":memory:":
		return DSNTypeMemory
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open creates the backend the DSN points at.
func Open(dsn string) (Backend, error) {
	kind := DetectDSNType(dsn)
	slog.Info("store.Open: opening backend", "type", kind)
	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypePostgres:
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}
