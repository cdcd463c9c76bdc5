package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the backend for multi-instance deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveUser inserts or replaces a user.
func (s *PostgresStore) SaveUser(u models.User) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO users (id, name, email, phone, cadence, window_start, window_end, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, phone = EXCLUDED.phone,
			cadence = EXCLUDED.cadence, window_start = EXCLUDED.window_start, window_end = EXCLUDED.window_end,
			timezone = EXCLUDED.timezone, updated_at = EXCLUDED.updated_at`,
		u.ID, u.Name, nilIfEmpty(u.Email), nilIfEmpty(u.Phone), u.Preference.Cadence, u.Preference.WindowStart,
		u.Preference.WindowEnd, nilIfEmpty(u.Preference.Timezone), u.CreatedAt, now)
	if err != nil {
		slog.Error("PostgresStore.SaveUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns the user or nil when missing.
func (s *PostgresStore) GetUser(id string) (*models.User, error) {
	var u models.User
	var email, phone, tz sql.NullString
	err := s.db.QueryRow(`SELECT id, name, email, phone, cadence, window_start, window_end, timezone, created_at, updated_at
		FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name, &email, &phone, &u.Preference.Cadence,
		&u.Preference.WindowStart, &u.Preference.WindowEnd, &tz, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetUser failed", "error", err, "userID", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	u.Email, u.Phone, u.Preference.Timezone = email.String, phone.String, tz.String
	return &u, nil
}

// SavePrompt stores a custom prompt.
func (s *PostgresStore) SavePrompt(p models.Prompt) error {
	_, err := s.db.Exec(`INSERT INTO prompts (id, category, text, preview, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, string(p.Category), p.Text, p.Preview, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save prompt %s: %w", p.ID, err)
	}
	return nil
}

// GetPrompt returns a stored custom prompt or nil.
func (s *PostgresStore) GetPrompt(id string) (*models.Prompt, error) {
	var p models.Prompt
	var category string
	err := s.db.QueryRow(`SELECT id, category, text, preview, created_at FROM prompts WHERE id = $1`, id).
		Scan(&p.ID, &category, &p.Text, &p.Preview, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt %s: %w", id, err)
	}
	p.Category = models.Category(category)
	return &p, nil
}

// CreateWaffle inserts a new waffle.
func (s *PostgresStore) CreateWaffle(w *models.Waffle) error {
	_, err := s.db.Exec(`INSERT INTO waffles (`+waffleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.PromptID, w.SenderID, w.RecipientID, w.ScheduledAt, string(w.Status), w.RepliesCount,
		w.MaxReplies, nilIfEmpty(w.VideoURL), w.VideoUnlocked, nilIfEmpty(w.TriggerID), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.CreateWaffle failed", "error", err, "waffleID", w.ID)
		return fmt.Errorf("failed to create waffle %s: %w", w.ID, err)
	}
	return nil
}

// GetWaffle returns the waffle with its replies, or nil when missing.
func (s *PostgresStore) GetWaffle(id string) (*models.Waffle, error) {
	w, err := scanWaffle(s.db.QueryRow(`SELECT `+waffleColumns+` FROM waffles WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get waffle %s: %w", id, err)
	}
	rows, err := s.db.Query(`SELECT id, waffle_id, user_id, text, created_at FROM replies WHERE waffle_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query replies of %s: %w", id, err)
	}
	if w.Replies, err = scanReplies(rows); err != nil {
		return nil, err
	}
	return w, nil
}

// SaveWaffleTransition applies a lifecycle transition if nobody else did first.
// The conditional UPDATE takes a row lock, so concurrent instances serialise.
func (s *PostgresStore) SaveWaffleTransition(before models.WaffleState, after *models.Waffle, reply *models.Reply) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE waffles SET status = $1, replies_count = $2, video_url = $3, video_unlocked = $4, updated_at = $5
		WHERE id = $6 AND status = $7 AND replies_count = $8 AND COALESCE(video_url, '') = $9`,
		string(after.Status), after.RepliesCount, nilIfEmpty(after.VideoURL), after.VideoUnlocked, after.UpdatedAt,
		after.ID, string(before.Status), before.RepliesCount, before.VideoURL)
	if err != nil {
		return fmt.Errorf("update waffle %s: %w", after.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	if reply != nil {
		if _, err := tx.Exec(`INSERT INTO replies (id, waffle_id, user_id, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
			reply.ID, after.ID, reply.UserID, reply.Text, reply.CreatedAt); err != nil {
			return fmt.Errorf("insert reply for %s: %w", after.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition of %s: %w", after.ID, err)
	}
	return nil
}

// DeletePendingWaffle removes the waffle if it is still pending.
func (s *PostgresStore) DeletePendingWaffle(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM waffles WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("delete waffle %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetTriggerID records the armed trigger of a waffle.
func (s *PostgresStore) SetTriggerID(waffleID, triggerID string) error {
	if _, err := s.db.Exec(`UPDATE waffles SET trigger_id = $1 WHERE id = $2`, nilIfEmpty(triggerID), waffleID); err != nil {
		return fmt.Errorf("set trigger of %s: %w", waffleID, err)
	}
	return nil
}

// PendingSlots lists scheduled instants of the recipient's pending waffles.
func (s *PostgresStore) PendingSlots(recipientID string) ([]time.Time, error) {
	rows, err := s.db.Query(`SELECT scheduled_at FROM waffles WHERE recipient_id = $1 AND status = 'pending' ORDER BY scheduled_at`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("query pending slots: %w", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan pending slot: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListWaffles returns waffles matching f ordered by scheduled time.
func (s *PostgresStore) ListWaffles(f WaffleFilter) ([]models.Waffle, error) {
	query := `SELECT ` + waffleColumns + ` FROM waffles WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SenderID != "" {
		query += ` AND sender_id = ` + arg(f.SenderID)
	}
	if f.RecipientID != "" {
		query += ` AND recipient_id = ` + arg(f.RecipientID)
	}
	if f.ParticipantID != "" {
		p := arg(f.ParticipantID)
		query += ` AND (sender_id = ` + p + ` OR recipient_id = ` + p + `)`
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	query += ` ORDER BY scheduled_at, id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore.ListWaffles query failed", "error", err)
		return nil, fmt.Errorf("failed to list waffles: %w", err)
	}
	return scanWaffles(rows)
}

// SaveFriend inserts or updates one direction of a friend relation.
func (s *PostgresStore) SaveFriend(f models.Friend) error {
	_, err := s.db.Exec(`INSERT INTO friends (user_id, friend_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, friend_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		f.UserID, f.FriendID, string(f.Status), f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save friend %s->%s: %w", f.UserID, f.FriendID, err)
	}
	return nil
}

// GetFriend returns one direction of a relation or nil.
func (s *PostgresStore) GetFriend(userID, friendID string) (*models.Friend, error) {
	var f models.Friend
	err := s.db.QueryRow(`SELECT user_id, friend_id, status, created_at, updated_at FROM friends WHERE user_id = $1 AND friend_id = $2`,
		userID, friendID).Scan(&f.UserID, &f.FriendID, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get friend %s->%s: %w", userID, friendID, err)
	}
	return &f, nil
}

// ListFriends returns every relation owned by userID.
func (s *PostgresStore) ListFriends(userID string) ([]models.Friend, error) {
	rows, err := s.db.Query(`SELECT user_id, friend_id, status, created_at, updated_at FROM friends WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list friends of %s: %w", userID, err)
	}
	return scanFriends(rows)
}

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, kind, waffle_id, status, error, time) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.To, nilIfEmpty(string(r.Type)), nilIfEmpty(r.WaffleID), string(r.Status), nilIfEmpty(r.Error), r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, kind, waffle_id, status, error, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	return scanReceipts(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
