package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// utc normalises timestamps before they are written so that SQLite's
// text comparison of DATETIME columns orders them correctly.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// qualify prefixes each column of a comma separated list with alias.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, c := range parts {
		parts[i] = alias + "." + c
	}
	return strings.Join(parts, ", ")
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// sortJobsByRunAt restores run_at order, which UPDATE ... RETURNING does not keep.
func sortJobsByRunAt(jobs []Job) {
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].RunAt.Before(jobs[k].RunAt) })
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job iteration failed: %w", err)
	}
	return jobs, nil
}

const outboxColumns = `id, user_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.UserID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

func scanOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return msgs, nil
}

const waffleColumns = `id, prompt_id, sender_id, recipient_id, scheduled_at, status, replies_count, max_replies, video_url, video_unlocked, trigger_id, created_at, updated_at`

func scanWaffle(row rowScanner) (*models.Waffle, error) {
	var w models.Waffle
	var status string
	var videoURL, triggerID sql.NullString
	err := row.Scan(
		&w.ID, &w.PromptID, &w.SenderID, &w.RecipientID, &w.ScheduledAt, &status,
		&w.RepliesCount, &w.MaxReplies, &videoURL, &w.VideoUnlocked, &triggerID,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st, err := models.ParseWaffleStatus(status)
	if err != nil {
		return nil, err
	}
	w.Status = st
	w.VideoURL = videoURL.String
	w.TriggerID = triggerID.String
	w.Replies = []models.Reply{}
	return &w, nil
}

func scanWaffles(rows *sql.Rows) ([]models.Waffle, error) {
	defer rows.Close()
	var out []models.Waffle
	for rows.Next() {
		w, err := scanWaffle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waffle failed: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("waffle iteration failed: %w", err)
	}
	return out, nil
}

func scanReplies(rows *sql.Rows) ([]models.Reply, error) {
	defer rows.Close()
	replies := []models.Reply{}
	for rows.Next() {
		var r models.Reply
		if err := rows.Scan(&r.ID, &r.WaffleID, &r.UserID, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reply failed: %w", err)
		}
		replies = append(replies, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reply iteration failed: %w", err)
	}
	return replies, nil
}

func scanFriends(rows *sql.Rows) ([]models.Friend, error) {
	defer rows.Close()
	var out []models.Friend
	for rows.Next() {
		var f models.Friend
		if err := rows.Scan(&f.UserID, &f.FriendID, &f.Status, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan friend failed: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("friend iteration failed: %w", err)
	}
	return out, nil
}

func scanReceipts(rows *sql.Rows) ([]models.Receipt, error) {
	defer rows.Close()
	var out []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var kind, waffleID, errMsg sql.NullString
		if err := rows.Scan(&r.To, &kind, &waffleID, &r.Status, &errMsg, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		r.Type = models.NotificationType(kind.String)
		r.WaffleID = waffleID.String
		r.Error = errMsg.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return out, nil
}
