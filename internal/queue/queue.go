// Package queue exposes the task queue's business-rule operations: the
// pure, validated surface that ingress adapters and the Scheduler call.
// Every method is a thin layer over internal/store, responsible for input
// validation and backoff/eligibility computation, not for SQL.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskloopd/internal/guard"
	"github.com/basket/taskloopd/internal/store"
)

const (
	minPromptLen = 1
	maxPromptLen = 10000
	maxMessageLen = 1000

	defaultMaxIterations = 10
	defaultMaxRetries    = 3
)

// Queue is a validated facade over a Store.
type Queue struct {
	store *store.Store
}

// New wraps a Store in a Queue.
func New(s *store.Store) *Queue {
	return &Queue{store: s}
}

// CreateFields is the validated input to Create.
type CreateFields struct {
	Prompt        string
	ProjectPath   string
	Priority      store.Priority
	MaxIterations int
	MaxRetries    int
	CreatedBy     string
	Source        string
	DependsOn     *int64
}

// Create validates fields and inserts a new pending task.
func (q *Queue) Create(ctx context.Context, fields CreateFields) (*store.Task, error) {
	trimmed := strings.TrimSpace(fields.Prompt)
	if trimmed == "" {
		return nil, fmt.Errorf("queue: prompt must not be blank")
	}
	if len(fields.Prompt) < minPromptLen || len(fields.Prompt) > maxPromptLen {
		return nil, fmt.Errorf("queue: prompt must be between %d and %d characters", minPromptLen, maxPromptLen)
	}
	if err := guard.ProjectPath(fields.ProjectPath); err != nil {
		return nil, err
	}

	priority := fields.Priority
	if priority == "" {
		priority = store.PriorityMedium
	}
	maxIterations := fields.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	maxRetries := fields.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}

	if fields.DependsOn != nil {
		if _, err := q.store.GetTask(ctx, *fields.DependsOn); err != nil {
			return nil, fmt.Errorf("queue: depends_on references unknown task %d: %w", *fields.DependsOn, err)
		}
	}

	return q.store.InsertTask(ctx, store.Task{
		Prompt:        fields.Prompt,
		ProjectPath:   fields.ProjectPath,
		Status:        store.StatusPending,
		Priority:      priority,
		MaxIterations: maxIterations,
		MaxRetries:    maxRetries,
		CreatedBy:     fields.CreatedBy,
		Source:        fields.Source,
		DependsOn:     fields.DependsOn,
	})
}

// Get fetches a task by ID. Returns store.ErrNotFound if absent.
func (q *Queue) Get(ctx context.Context, id int64) (*store.Task, error) {
	return q.store.GetTask(ctx, id)
}

// GetNextRetryable returns the best eligible pending task, or
// store.ErrNotFound if none is eligible right now.
func (q *Queue) GetNextRetryable(ctx context.Context) (*store.Task, error) {
	return q.store.NextRetryable(ctx, time.Now().UTC())
}

// GetRunning returns the currently running task, or store.ErrNotFound.
func (q *Queue) GetRunning(ctx context.Context) (*store.Task, error) {
	return q.store.Running(ctx)
}

// SetRunning transitions a pending task to running under the given runner
// session ID. Returns false if the task was not pending.
func (q *Queue) SetRunning(ctx context.Context, id int64, sessionID string) (bool, error) {
	return q.store.TransitionToRunning(ctx, id, sessionID)
}

// SetDone marks a running task done with its final result.
func (q *Queue) SetDone(ctx context.Context, id int64, result string) (bool, error) {
	return q.store.SetDone(ctx, id, result)
}

// SetFailed marks a running task permanently failed.
func (q *Queue) SetFailed(ctx context.Context, id int64, errMsg string, errType store.ErrorType) (bool, error) {
	return q.store.SetFailed(ctx, id, errMsg, errType)
}

// Cancel cancels a task. Returns true iff the row was pending.
func (q *Queue) Cancel(ctx context.Context, id int64) (bool, error) {
	return q.store.CancelTask(ctx, id)
}

// ResetToPending clears a task's session/progress and returns it to pending.
// Used for orphan recovery of a specific task.
func (q *Queue) ResetToPending(ctx context.Context, id int64) error {
	return q.store.ResetToPending(ctx, id)
}

// ScheduleRetry schedules a retry delaySeconds from now if retry_count is
// below max_retries, incrementing retry_count and clearing per-run state.
// Returns false (no-op) once max_retries would be exceeded.
func (q *Queue) ScheduleRetry(ctx context.Context, id int64, delaySeconds int) (bool, error) {
	return q.store.ScheduleRetry(ctx, id, time.Duration(delaySeconds)*time.Second)
}

// SetSessionID persists the runner session handle currently backing a
// task's iterations.
func (q *Queue) SetSessionID(ctx context.Context, id int64, sessionID string) error {
	return q.store.SetSessionID(ctx, id, sessionID)
}

// IncrementIteration bumps and returns the new iteration count.
func (q *Queue) IncrementIteration(ctx context.Context, id int64) (int, error) {
	return q.store.IncrementIteration(ctx, id)
}

// ProgressUpdate is the observational progress payload for UpdateProgress.
type ProgressUpdate struct {
	ToolCalls   int
	LastTool    string
	LastMessage string
}

// UpdateProgress records runner progress, truncating LastMessage to 1000
// characters per the data model.
func (q *Queue) UpdateProgress(ctx context.Context, id int64, update ProgressUpdate) error {
	msg := update.LastMessage
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	return q.store.UpdateProgress(ctx, id, update.ToolCalls, update.LastTool, msg)
}

// GetDependentTasks returns tasks whose depends_on points at parentID.
func (q *Queue) GetDependentTasks(ctx context.Context, parentID int64) ([]store.Task, error) {
	return q.store.DependentTasks(ctx, parentID)
}

// FailDependentTasks cascades a parent's failure to its pending children.
func (q *Queue) FailDependentTasks(ctx context.Context, parentID int64, reason string) (int, error) {
	return q.store.FailDependentTasks(ctx, parentID, reason)
}

// List returns tasks optionally filtered by status.
func (q *Queue) List(ctx context.Context, status *store.Status, limit int) ([]store.Task, error) {
	return q.store.ListTasks(ctx, status, limit)
}

// Stats aggregates task counts per status.
func (q *Queue) Stats(ctx context.Context) (store.Stats, error) {
	return q.store.Stats(ctx)
}

// RecoverOrphans resets every running task to pending. Called once at
// Scheduler startup to restore the at-most-one-running invariant after a
// crash.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	return q.store.RecoverOrphanedRunning(ctx)
}
