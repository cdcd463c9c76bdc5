package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/util"
)

const liveOutbox = `dedupe_key IS NOT NULL AND status IN ('queued', 'sending')`

func (s *PostgresStore) EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error) {
	now := time.Now()
	id, existed, err := s.insertDeduped(
		`INSERT INTO outbox_messages (id, user_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $6)
		 ON CONFLICT (dedupe_key) WHERE `+liveOutbox+` DO NOTHING
		 RETURNING id`,
		[]any{util.GenerateRandomID("outbox_", 32), userID, kind, payloadJSON, nilIfEmpty(dedupeKey), now},
		`SELECT id FROM outbox_messages WHERE dedupe_key = $1 AND `+liveOutbox,
		dedupeKey,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s notification for %s: %w", kind, userID, err)
	}
	if existed {
		slog.Debug("PostgresStore.EnqueueOutboxMessage: already pending", "dedupeKey", dedupeKey, "id", id)
	} else {
		slog.Debug("PostgresStore.EnqueueOutboxMessage: queued", "id", id, "userID", userID, "kind", kind)
	}
	return id, nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`WITH due AS (
		   SELECT id FROM outbox_messages
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at LIMIT $2 FOR UPDATE SKIP LOCKED
		 )
		 UPDATE outbox_messages o SET status = 'sending', locked_at = $1, updated_at = $1
		 FROM due WHERE o.id = due.id
		 RETURNING `+qualify("o", outboxColumns),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}
	return scanOutboxMessages(rows)
}

// finishOutbox moves a claimed message to a terminal or retry state and
// counts the attempt.
func (s *PostgresStore) finishOutbox(id string, status OutboxStatus, errMsg string, nextAttemptAt *time.Time) error {
	_, err := s.execCount(
		`UPDATE outbox_messages SET status = $2, attempts = attempts + 1, last_error = COALESCE($3, last_error),
		   next_attempt_at = COALESCE($4, next_attempt_at), locked_at = NULL, updated_at = $5
		 WHERE id = $1`,
		id, string(status), nilIfEmpty(errMsg), nextAttemptAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("mark notification %s %s: %w", id, status, err)
	}
	return nil
}

func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	return s.finishOutbox(id, OutboxStatusSent, "", nil)
}

func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.finishOutbox(id, OutboxStatusQueued, errMsg, &nextAttemptAt)
}

func (s *PostgresStore) MarkOutboxMessageFailed(id string, errMsg string) error {
	return s.finishOutbox(id, OutboxStatusFailed, errMsg, nil)
}

func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	n, err := s.execCount(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $2 WHERE status = 'sending' AND locked_at < $1`,
		staleBefore, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications: %w", err)
	}
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages: requeued", "count", n)
	}
	return n, nil
}
