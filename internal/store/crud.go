package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `id, prompt, project_path, status, priority, result, error, error_type,
	session_id, iteration, max_iterations, retry_count, max_retries, retry_after,
	created_at, started_at, completed_at, created_by, source, depends_on,
	progress_tool_calls, progress_last_tool, progress_last_message, progress_updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var retryAfter, startedAt, completedAt, progressUpdatedAt sql.NullTime
	var dependsOn sql.NullInt64

	err := row.Scan(
		&t.ID, &t.Prompt, &t.ProjectPath, &t.Status, &t.Priority, &t.Result, &t.Error, &t.ErrorType,
		&t.SessionID, &t.Iteration, &t.MaxIterations, &t.RetryCount, &t.MaxRetries, &retryAfter,
		&t.CreatedAt, &startedAt, &completedAt, &t.CreatedBy, &t.Source, &dependsOn,
		&t.ProgressToolCalls, &t.ProgressLastTool, &t.ProgressLastMessage, &progressUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if retryAfter.Valid {
		t.RetryAfter = &retryAfter.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if progressUpdatedAt.Valid {
		t.ProgressUpdatedAt = &progressUpdatedAt.Time
	}
	if dependsOn.Valid {
		t.DependsOn = &dependsOn.Int64
	}
	return &t, nil
}

// InsertTask creates a new task row and returns it, fully populated with its
// assigned ID and creation timestamp.
func (s *Store) InsertTask(ctx context.Context, t Task) (*Task, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (prompt, project_path, status, priority, max_iterations,
				max_retries, created_by, source, depends_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.Prompt, t.ProjectPath, t.Status, t.Priority, t.MaxIterations,
			t.MaxRetries, t.CreatedBy, t.Source, t.DependsOn)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: insert task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask fetches a task by ID, returning ErrNotFound if it does not exist.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %d: %w", id, err)
	}
	return t, nil
}

// NextRetryable returns the highest-priority pending task that is eligible to
// run now: status pending, retry_after unset or in the past, and either no
// dependency or a dependency that has already completed successfully.
// Ordering is priority rank, then creation order (FIFO within a priority).
func (s *Store) NextRetryable(ctx context.Context, now time.Time) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.status = ?
		  AND (t.retry_after IS NULL OR t.retry_after <= ?)
		  AND (t.depends_on IS NULL OR EXISTS (
			SELECT 1 FROM tasks dep WHERE dep.id = t.depends_on AND dep.status = ?
		  ))
		ORDER BY
			CASE t.priority
				WHEN 'urgent' THEN 0
				WHEN 'high' THEN 1
				WHEN 'medium' THEN 2
				WHEN 'low' THEN 3
				ELSE 2
			END ASC,
			t.created_at ASC,
			t.id ASC
		LIMIT 1
	`, StatusPending, now, StatusDone)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: next retryable task: %w", err)
	}
	return t, nil
}

// Running returns the task currently in the running status, if any. The
// scheduler is single-flight so at most one row should ever match.
func (s *Store) Running(ctx context.Context) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY started_at ASC LIMIT 1`, StatusRunning)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: running task: %w", err)
	}
	return t, nil
}

// TransitionToRunning conditionally moves a pending task to running, setting
// started_at and the runner session ID. Returns false if the task was not in
// the pending status (already claimed by a concurrent caller).
func (s *Store) TransitionToRunning(ctx context.Context, id int64, sessionID string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, session_id = ?, started_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?
		`, StatusRunning, sessionID, id, StatusPending)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: transition to running: %w", err)
	}
	return ok, nil
}

// SetDone marks a running task complete, recording its result.
func (s *Store) SetDone(ctx context.Context, id int64, result string) (bool, error) {
	return s.transitionFromRunning(ctx, id, `
		UPDATE tasks SET status = ?, result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, StatusDone, result, id, StatusRunning)
}

// SetFailed marks a running task permanently failed.
func (s *Store) SetFailed(ctx context.Context, id int64, errMsg string, errType ErrorType) (bool, error) {
	return s.transitionFromRunning(ctx, id, `
		UPDATE tasks SET status = ?, error = ?, error_type = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, StatusFailed, errMsg, errType, id, StatusRunning)
}

func (s *Store) transitionFromRunning(ctx context.Context, id int64, query string, args ...any) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: transition from running: %w", err)
	}
	return ok, nil
}

// ScheduleRetry moves a running task back to pending with retry_count
// incremented and retry_after set to now+delay, clearing its session,
// iteration, started_at and error fields so a retried task starts clean.
// The WHERE clause enforces retry_count < max_retries atomically, so the
// caller needs no separate check-then-act.
func (s *Store) ScheduleRetry(ctx context.Context, id int64, delay time.Duration) (bool, error) {
	retryAfter := time.Now().UTC().Add(delay)
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, retry_count = retry_count + 1, retry_after = ?,
				session_id = '', iteration = 0, started_at = NULL,
				error = '', error_type = ''
			WHERE id = ? AND status = ? AND retry_count < max_retries
		`, StatusPending, retryAfter, id, StatusRunning)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: schedule retry: %w", err)
	}
	return ok, nil
}

// ResetToPending clears a single task's session, started_at and iteration
// and returns it to pending, regardless of its current status. Used for
// targeted recovery distinct from the bulk orphan sweep at startup.
func (s *Store) ResetToPending(ctx context.Context, id int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, session_id = '', started_at = NULL, iteration = 0
			WHERE id = ?
		`, StatusPending, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: reset to pending: %w", err)
	}
	return nil
}

// CancelTask cancels a task that is pending or running. Terminal tasks
// (done, failed, cancelled) are left untouched and this returns false.
func (s *Store) CancelTask(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?)
		`, StatusCancelled, id, StatusPending, StatusRunning)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: cancel task: %w", err)
	}
	return ok, nil
}

// SetSessionID updates a task's runner session handle, independent of its
// status transition. Used once the Executor has created (or resumed) the
// actual runner session for an iteration, distinct from the placeholder
// session token the Scheduler writes when first marking the task running.
func (s *Store) SetSessionID(ctx context.Context, id int64, sessionID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET session_id = ? WHERE id = ?`, sessionID, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: set session id: %w", err)
	}
	return nil
}

// IncrementIteration bumps a running task's iteration counter and returns
// the new value.
func (s *Store) IncrementIteration(ctx context.Context, id int64) (int, error) {
	var iteration int
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET iteration = iteration + 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx, `SELECT iteration FROM tasks WHERE id = ?`, id).Scan(&iteration)
	})
	if err != nil {
		return 0, fmt.Errorf("store: increment iteration: %w", err)
	}
	return iteration, nil
}

// UpdateProgress records the latest tool-call count and message seen from the
// runner, for observers polling task state mid-run.
func (s *Store) UpdateProgress(ctx context.Context, id int64, toolCalls int, lastTool, lastMessage string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET progress_tool_calls = ?, progress_last_tool = ?, progress_last_message = ?,
				progress_updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, toolCalls, lastTool, lastMessage, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: update progress: %w", err)
	}
	return nil
}

// DependentTasks returns all tasks whose depends_on points at parentID.
func (s *Store) DependentTasks(ctx context.Context, parentID int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE depends_on = ?`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: dependent tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// FailDependentTasks marks every pending task depending on parentID as
// failed with error_type dependency_failed, cascading a parent's failure.
func (s *Store) FailDependentTasks(ctx context.Context, parentID int64, reason string) (int, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, error_type = ?, completed_at = CURRENT_TIMESTAMP
			WHERE depends_on = ? AND status = ?
		`, StatusFailed, reason, ErrorDependencyFailed, parentID, StatusPending)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: fail dependent tasks: %w", err)
	}
	return int(n), nil
}

// ListTasks returns tasks optionally filtered by status, most recent first.
func (s *Store) ListTasks(ctx context.Context, status *Status, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id DESC LIMIT ?`, *status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// Stats aggregates task counts per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("store: stats scan: %w", err)
		}
		switch status {
		case StatusPending:
			st.Pending = count
		case StatusRunning:
			st.Running = count
		case StatusDone:
			st.Done = count
		case StatusFailed:
			st.Failed = count
		case StatusCancelled:
			st.Cancelled = count
		}
	}
	return st, rows.Err()
}

// RecoverOrphanedRunning resets any task left in running to pending. Called
// once at startup: a running task found at boot means the previous process
// died mid-iteration and the runner session backing it no longer exists.
func (s *Store) RecoverOrphanedRunning(ctx context.Context) (int, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, session_id = '' WHERE status = ?
		`, StatusPending, StatusRunning)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: recover orphaned running: %w", err)
	}
	return int(n), nil
}
