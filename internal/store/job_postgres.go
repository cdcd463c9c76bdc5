package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/util"
)

const liveJob = `dedupe_key IS NOT NULL AND status IN ('queued', 'running')`

// insertDeduped runs an INSERT ... ON CONFLICT DO NOTHING RETURNING id. When
// the insert is swallowed by a live row with the same key, lookup finds that
// row instead. A conflicting row can finish between the two statements, so
// the pair is retried.
func (s *PostgresStore) insertDeduped(insert string, args []any, lookup, key string) (id string, existed bool, err error) {
	for range 3 {
		err = s.db.QueryRow(insert, args...).Scan(&id)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, err
		}
		err = s.db.QueryRow(lookup, key).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, err
		}
	}
	return "", false, fmt.Errorf("dedupe key %q changed hands while inserting", key)
}

// execCount runs an update and reports the affected rows.
func (s *PostgresStore) execCount(query string, args ...any) (int, error) {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	now := time.Now()
	id, existed, err := s.insertDeduped(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $7)
		 ON CONFLICT (dedupe_key) WHERE `+liveJob+` DO NOTHING
		 RETURNING id`,
		[]any{util.GenerateRandomID("job_", 32), kind, runAt, payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now},
		`SELECT id FROM jobs WHERE dedupe_key = $1 AND `+liveJob,
		dedupeKey,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	if existed {
		slog.Debug("PostgresStore.EnqueueJob: live job already holds key", "dedupeKey", dedupeKey, "id", id)
	} else {
		slog.Debug("PostgresStore.EnqueueJob: queued", "id", id, "kind", kind, "runAt", runAt)
	}
	return id, nil
}

func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(
		`WITH due AS (
		   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
		   ORDER BY run_at LIMIT $2 FOR UPDATE SKIP LOCKED
		 )
		 UPDATE jobs j SET status = 'running', locked_at = $1, updated_at = $1
		 FROM due WHERE j.id = due.id
		 RETURNING `+qualify("j", jobColumns),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE order.
	sortJobsByRunAt(jobs)
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id string) error {
	if _, err := s.execCount(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = $2 WHERE id = $1`, id, time.Now()); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	n, err := s.execCount(
		`UPDATE jobs SET attempt = attempt + 1, last_error = $2, locked_at = NULL, updated_at = $4,
		   status = CASE WHEN attempt + 1 < max_attempts THEN 'queued' ELSE 'failed' END,
		   run_at = CASE WHEN attempt + 1 < max_attempts THEN $3 ELSE run_at END
		 WHERE id = $1`,
		id, errMsg, nextRunAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if n == 0 {
		slog.Warn("PostgresStore.FailJob: unknown job", "id", id)
	}
	return nil
}

func (s *PostgresStore) CancelJob(id string) error {
	if _, err := s.execCount(
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = $2 WHERE id = $1 AND status IN ('queued', 'running')`,
		id, time.Now(),
	); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CancelJobsByDedupeKey(dedupeKey string) (int, error) {
	n, err := s.execCount(
		`UPDATE jobs SET status = 'canceled', updated_at = $2 WHERE dedupe_key = $1 AND status = 'queued'`,
		dedupeKey, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs keyed %s: %w", dedupeKey, err)
	}
	return n, nil
}

func (s *PostgresStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	n, err := s.execCount(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = $2 WHERE status = 'running' AND locked_at < $1`,
		staleBefore, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleRunningJobs: requeued", "count", n)
	}
	return n, nil
}

func (s *PostgresStore) PruneFinishedJobs(finishedBefore time.Time) (int, error) {
	n, err := s.execCount(
		`DELETE FROM jobs WHERE status IN ('done', 'failed', 'canceled') AND updated_at < $1`,
		finishedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("prune finished jobs: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}
