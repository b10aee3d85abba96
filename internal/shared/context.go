// Package shared holds small cross-cutting helpers used by more than one
// package: context-propagated identifiers and log/error redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const (
	traceIDKey contextKey = iota
	runIDKey
	taskIDKey
)

// WithTraceID attaches a trace_id to the context. A trace_id is stable for
// the lifetime of a single task across all of its iterations.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRunID attaches a run_id to the context. A run_id identifies a single
// task-level execution attempt (one Scheduler pick-and-run cycle).
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID extracts run_id from context. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithTaskID attaches the task_id under execution to the context.
func WithTaskID(ctx context.Context, taskID int64) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskID extracts task_id from context. Returns 0 if absent.
func TaskID(ctx context.Context) int64 {
	if v, ok := ctx.Value(taskIDKey).(int64); ok {
		return v
	}
	return 0
}
