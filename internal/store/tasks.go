package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const taskColumns = `id, kind, payload_json, status, due_at_ms, claimed_until_ms, attempts, max_attempts, last_error, created_at, updated_at`

// InsertTask stores a pending task. A zero MaxAttempts defaults to 5.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	now := s.now()
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 5
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	payload := string(t.Payload)
	if payload == "" {
		payload = "{}"
	}
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.exec(ctx, `INSERT INTO scheduled_tasks (id, kind, payload_json, status, due_at_ms, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, payload, string(t.Status), toMillis(t.DueAt), t.MaxAttempts, now, now)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return t, nil
}

// ClaimDueTasks marks up to limit due tasks as running until now+claimFor and
// returns them. Pending tasks are due at due_at; running tasks whose claim
// lapsed (a crashed worker) are claimable again. Each claim bumps attempts.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, claimFor time.Duration, limit int) ([]Task, error) {
	ctx, span := s.span(ctx, "store.claim_tasks", attribute.Int("limit", limit))
	defer span.End()

	nowMs := now.UnixMilli()
	until := now.Add(claimFor)
	var claimed []Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
			WHERE (status = 'pending' AND due_at_ms <= ?) OR (status = 'running' AND claimed_until_ms <= ?)
			ORDER BY due_at_ms ASC LIMIT ?`, nowMs, nowMs, limit)
		if err != nil {
			return err
		}
		var due []*Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, t)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, t := range due {
			res, err := tx.ExecContext(ctx, `UPDATE scheduled_tasks
				SET status = 'running', claimed_until_ms = ?, attempts = attempts + 1, updated_at = ?
				WHERE id = ? AND status = ? AND claimed_until_ms = ?`,
				until.UnixMilli(), s.now(), t.ID, string(t.Status), toMillis(t.ClaimedUntil))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			t.Status = TaskRunning
			t.ClaimedUntil = until.UTC()
			t.Attempts++
			claimed = append(claimed, *t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming due tasks: %w", err)
	}
	span.SetAttributes(attribute.Int("claimed", len(claimed)))
	return claimed, nil
}

// CompleteTask marks a claimed task done.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE scheduled_tasks SET status = 'done', claimed_until_ms = 0, last_error = '', updated_at = ? WHERE id = ?`,
		s.now(), id)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	return nil
}

// FailTask records a handler failure. With a zero retryAt the task is dead,
// otherwise it goes back to pending and becomes due at retryAt.
func (s *Store) FailTask(ctx context.Context, id, errMsg string, retryAt time.Time) error {
	status := TaskPending
	if retryAt.IsZero() {
		status = TaskDead
	}
	_, err := s.exec(ctx, `UPDATE scheduled_tasks SET status = ?, due_at_ms = CASE WHEN ? > 0 THEN ? ELSE due_at_ms END,
		claimed_until_ms = 0, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(retryAt), toMillis(retryAt), errMsg, s.now(), id)
	if err != nil {
		return fmt.Errorf("failing task: %w", err)
	}
	return nil
}

// ListTasks returns tasks in the given status, oldest due first.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE status = ? ORDER BY due_at_ms ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var payload, status string
	var dueMs, claimedMs int64
	if err := row.Scan(&t.ID, &t.Kind, &payload, &status, &dueMs, &claimedMs, &t.Attempts, &t.MaxAttempts,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	t.Payload = []byte(payload)
	t.Status = TaskStatus(status)
	t.DueAt = fromMillis(dueMs)
	t.ClaimedUntil = fromMillis(claimedMs)
	return &t, nil
}
