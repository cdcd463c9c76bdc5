package store

import (
	"fmt"
	"time"
)

func (s *PostgresStore) IsDuplicate(key string) (bool, error) {
	var seen bool
	if err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM inbound_dedup WHERE message_id = $1)`, key).Scan(&seen); err != nil {
		return false, fmt.Errorf("look up request key %s: %w", key, err)
	}
	return seen, nil
}

func (s *PostgresStore) RecordInbound(key, userID string) (bool, error) {
	n, err := s.execCount(
		`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		key, userID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record request key %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) IsProcessed(key string) (bool, error) {
	var done bool
	err := s.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM inbound_dedup WHERE message_id = $1 AND processed_at IS NOT NULL)`, key,
	).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("look up processed request key %s: %w", key, err)
	}
	return done, nil
}

func (s *PostgresStore) MarkProcessed(key string) error {
	if _, err := s.execCount(`UPDATE inbound_dedup SET processed_at = $2 WHERE message_id = $1`, key, time.Now()); err != nil {
		return fmt.Errorf("mark request key %s processed: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ReleaseInbound(key string) error {
	if _, err := s.execCount(`DELETE FROM inbound_dedup WHERE message_id = $1`, key); err != nil {
		return fmt.Errorf("release request key %s: %w", key, err)
	}
	return nil
}
