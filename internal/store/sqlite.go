package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the default persistent backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", sqliteConnString(dsn))
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serialises writers and keeps transactions simple.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

// sqliteConnString appends the busy timeout and foreign key pragmas unless
// the caller already set connection parameters.
func sqliteConnString(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_foreign_keys=on"
}

// SaveUser inserts or replaces a user.
func (s *SQLiteStore) SaveUser(u models.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO users (id, name, email, phone, cadence, window_start, window_end, timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email, phone = excluded.phone,
			cadence = excluded.cadence, window_start = excluded.window_start, window_end = excluded.window_end,
			timezone = excluded.timezone, updated_at = excluded.updated_at`,
		u.ID, u.Name, nilIfEmpty(u.Email), nilIfEmpty(u.Phone), u.Preference.Cadence, u.Preference.WindowStart,
		u.Preference.WindowEnd, nilIfEmpty(u.Preference.Timezone), utc(u.CreatedAt), now)
	if err != nil {
		slog.Error("SQLiteStore.SaveUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	slog.Debug("SQLiteStore.SaveUser succeeded", "userID", u.ID)
	return nil
}

// GetUser returns the user or nil when missing.
func (s *SQLiteStore) GetUser(id string) (*models.User, error) {
	var u models.User
	var email, phone, tz sql.NullString
	err := s.db.QueryRow(`SELECT id, name, email, phone, cadence, window_start, window_end, timezone, created_at, updated_at
		FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name, &email, &phone, &u.Preference.Cadence,
		&u.Preference.WindowStart, &u.Preference.WindowEnd, &tz, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetUser failed", "error", err, "userID", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	u.Email, u.Phone, u.Preference.Timezone = email.String, phone.String, tz.String
	return &u, nil
}

// SavePrompt stores a custom prompt.
func (s *SQLiteStore) SavePrompt(p models.Prompt) error {
	_, err := s.db.Exec(`INSERT INTO prompts (id, category, text, preview, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, string(p.Category), p.Text, p.Preview, utc(p.CreatedAt))
	if err != nil {
		slog.Error("SQLiteStore.SavePrompt failed", "error", err, "promptID", p.ID)
		return fmt.Errorf("failed to save prompt %s: %w", p.ID, err)
	}
	return nil
}

// GetPrompt returns a stored custom prompt or nil.
func (s *SQLiteStore) GetPrompt(id string) (*models.Prompt, error) {
	var p models.Prompt
	var category string
	err := s.db.QueryRow(`SELECT id, category, text, preview, created_at FROM prompts WHERE id = ?`, id).
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
func (s *SQLiteStore) CreateWaffle(w *models.Waffle) error {
	_, err := s.db.Exec(`INSERT INTO waffles (`+waffleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.PromptID, w.SenderID, w.RecipientID, utc(w.ScheduledAt), string(w.Status), w.RepliesCount,
		w.MaxReplies, nilIfEmpty(w.VideoURL), w.VideoUnlocked, nilIfEmpty(w.TriggerID), utc(w.CreatedAt), utc(w.UpdatedAt))
	if err != nil {
		slog.Error("SQLiteStore.CreateWaffle failed", "error", err, "waffleID", w.ID)
		return fmt.Errorf("failed to create waffle %s: %w", w.ID, err)
	}
	slog.Debug("SQLiteStore.CreateWaffle succeeded", "waffleID", w.ID, "scheduledAt", w.ScheduledAt)
	return nil
}

// GetWaffle returns the waffle with its replies, or nil when missing.
func (s *SQLiteStore) GetWaffle(id string) (*models.Waffle, error) {
	w, err := scanWaffle(s.db.QueryRow(`SELECT `+waffleColumns+` FROM waffles WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetWaffle failed", "error", err, "waffleID", id)
		return nil, fmt.Errorf("failed to get waffle %s: %w", id, err)
	}
	rows, err := s.db.Query(`SELECT id, waffle_id, user_id, text, created_at FROM replies WHERE waffle_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query replies of %s: %w", id, err)
	}
	if w.Replies, err = scanReplies(rows); err != nil {
		return nil, err
	}
	return w, nil
}

// SaveWaffleTransition applies a lifecycle transition if nobody else did first.
func (s *SQLiteStore) SaveWaffleTransition(before models.WaffleState, after *models.Waffle, reply *models.Reply) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE waffles SET status = ?, replies_count = ?, video_url = ?, video_unlocked = ?, updated_at = ?
		WHERE id = ? AND status = ? AND replies_count = ? AND COALESCE(video_url, '') = ?`,
		string(after.Status), after.RepliesCount, nilIfEmpty(after.VideoURL), after.VideoUnlocked, utc(after.UpdatedAt),
		after.ID, string(before.Status), before.RepliesCount, before.VideoURL)
	if err != nil {
		return fmt.Errorf("update waffle %s: %w", after.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("SQLiteStore.SaveWaffleTransition: conflict", "waffleID", after.ID, "expectedStatus", before.Status)
		return ErrConflict
	}
	if reply != nil {
		if _, err := tx.Exec(`INSERT INTO replies (id, waffle_id, user_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
			reply.ID, after.ID, reply.UserID, reply.Text, utc(reply.CreatedAt)); err != nil {
			return fmt.Errorf("insert reply for %s: %w", after.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition of %s: %w", after.ID, err)
	}
	slog.Debug("SQLiteStore.SaveWaffleTransition succeeded", "waffleID", after.ID, "status", after.Status, "replies", after.RepliesCount)
	return nil
}

// DeletePendingWaffle removes the waffle if it is still pending.
func (s *SQLiteStore) DeletePendingWaffle(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM waffles WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("delete waffle %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetTriggerID records the armed trigger of a waffle.
func (s *SQLiteStore) SetTriggerID(waffleID, triggerID string) error {
	_, err := s.db.Exec(`UPDATE waffles SET trigger_id = ? WHERE id = ?`, nilIfEmpty(triggerID), waffleID)
	if err != nil {
		return fmt.Errorf("set trigger of %s: %w", waffleID, err)
	}
	return nil
}

// PendingSlots lists scheduled instants of the recipient's pending waffles.
func (s *SQLiteStore) PendingSlots(recipientID string) ([]time.Time, error) {
	rows, err := s.db.Query(`SELECT scheduled_at FROM waffles WHERE recipient_id = ? AND status = 'pending' ORDER BY scheduled_at`, recipientID)
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
func (s *SQLiteStore) ListWaffles(f WaffleFilter) ([]models.Waffle, error) {
	query := `SELECT ` + waffleColumns + ` FROM waffles WHERE 1 = 1`
	var args []any
	if f.SenderID != "" {
		query += ` AND sender_id = ?`
		args = append(args, f.SenderID)
	}
	if f.RecipientID != "" {
		query += ` AND recipient_id = ?`
		args = append(args, f.RecipientID)
	}
	if f.ParticipantID != "" {
		query += ` AND (sender_id = ? OR recipient_id = ?)`
		args = append(args, f.ParticipantID, f.ParticipantID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY scheduled_at, id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore.ListWaffles query failed", "error", err)
		return nil, fmt.Errorf("failed to list waffles: %w", err)
	}
	return scanWaffles(rows)
}

// SaveFriend inserts or updates one direction of a friend relation.
func (s *SQLiteStore) SaveFriend(f models.Friend) error {
	_, err := s.db.Exec(`INSERT INTO friends (user_id, friend_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, friend_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		f.UserID, f.FriendID, string(f.Status), utc(f.CreatedAt), utc(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save friend %s->%s: %w", f.UserID, f.FriendID, err)
	}
	return nil
}

// GetFriend returns one direction of a relation or nil.
func (s *SQLiteStore) GetFriend(userID, friendID string) (*models.Friend, error) {
	var f models.Friend
	err := s.db.QueryRow(`SELECT user_id, friend_id, status, created_at, updated_at FROM friends WHERE user_id = ? AND friend_id = ?`,
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
func (s *SQLiteStore) ListFriends(userID string) ([]models.Friend, error) {
	rows, err := s.db.Query(`SELECT user_id, friend_id, status, created_at, updated_at FROM friends WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list friends of %s: %w", userID, err)
	}
	return scanFriends(rows)
}

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, kind, waffle_id, status, error, time) VALUES (?, ?, ?, ?, ?, ?)`,
		r.To, nilIfEmpty(string(r.Type)), nilIfEmpty(r.WaffleID), string(r.Status), nilIfEmpty(r.Error), r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("SQLiteStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, kind, waffle_id, status, error, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	return scanReceipts(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
