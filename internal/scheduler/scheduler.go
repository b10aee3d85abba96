// Package scheduler drives the single task-processing loop: pick the
// next eligible task, run it to completion through the Executor, and
// turn the result into a terminal state or a scheduled retry. There is
// never more than one task in flight.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/basket/taskloopd/internal/classify"
	"github.com/basket/taskloopd/internal/queue"
	"github.com/basket/taskloopd/internal/runner"
	"github.com/basket/taskloopd/internal/shared"
	"github.com/basket/taskloopd/internal/sink"
	"github.com/basket/taskloopd/internal/store"
	"github.com/basket/taskloopd/internal/telemetry"
)

// runFunc executes one task to completion, returning its final output.
// Satisfied by *executor.Executor; kept as a function type here so the
// Scheduler does not import the executor package directly.
type runFunc func(ctx context.Context, task *store.Task) (string, error)

// Config holds the Scheduler's tunables.
type Config struct {
	PollInterval time.Duration // default 5s, matches poll_interval_ms
	TaskTimeout  time.Duration // default 1800s (30m), bounds one task across all its iterations

	// Telemetry is optional; a nil Provider means no spans are recorded.
	Telemetry *telemetry.Provider
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 1800 * time.Second
	}
	return c
}

// Scheduler is the daemon's single worker loop.
type Scheduler struct {
	queue  *queue.Queue
	runner runner.Runner
	sink   *sink.Sink
	logger *zap.Logger
	run    runFunc
	cfg    Config

	stopOnce sync.Once
	stopc    chan struct{}
}

// New builds a Scheduler. run is normally (*executor.Executor).Run.
func New(q *queue.Queue, r runner.Runner, s *sink.Sink, logger *zap.Logger, run func(ctx context.Context, task *store.Task) (string, error), cfg Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{queue: q, runner: r, sink: s, logger: logger, run: run, cfg: cfg.withDefaults(), stopc: make(chan struct{})}
}

// Stop tells Run to stop picking new tasks once its current loop
// iteration finishes. It does not cancel a task already in flight; that
// is ctx's job. Safe to call more than once or concurrently with Run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopc) })
}

// Run recovers orphaned tasks from a previous crash, then loops picking
// and executing tasks until ctx is cancelled or Stop is called. Task
// execution itself is always bound by ctx, so cancelling ctx aborts
// whatever is currently in flight; calling Stop alone lets the in-flight
// task finish naturally and only prevents picking the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	recovered, err := s.queue.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Warn("recovered orphaned running tasks", zap.Int("count", recovered))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopc:
			return nil
		default:
		}

		if _, err := s.queue.GetRunning(ctx); err == nil {
			// A running task should never coexist with this loop picking a
			// new one; the invariant should hold by construction. Treat it
			// as a transient race and re-check rather than double-execute.
			s.sleep(ctx)
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("check running task failed", zap.Error(err))
			s.sleep(ctx)
			continue
		}

		s.recordQueueDepth(ctx)

		task, err := s.queue.GetNextRetryable(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.sleep(ctx)
				continue
			}
			s.logger.Error("get next retryable task failed", zap.Error(err))
			s.sleep(ctx)
			continue
		}

		s.execute(ctx, task)
	}
}

// execute runs a single task through the Executor and settles its state.
func (s *Scheduler) execute(ctx context.Context, task *store.Task) {
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithRunID(ctx, shared.NewRunID())
	if task.SessionID != "" {
		ctx = shared.WithTraceID(ctx, task.SessionID)
	} else {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}

	if s.cfg.Telemetry != nil {
		var span trace.Span
		ctx, span = s.cfg.Telemetry.StartTaskLifecycle(ctx, task.ID)
		defer span.End()
	}
	start := time.Now()

	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = "loop-" + time.Now().UTC().Format("20060102T150405.000000000")
	}
	if _, err := s.queue.SetRunning(ctx, task.ID, sessionID); err != nil {
		s.logger.Error("set running failed", zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	task.Status = store.StatusRunning
	task.SessionID = sessionID

	s.emit(ctx, sink.Event{Kind: sink.KindStarted, Task: *task})

	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	output, err := s.run(taskCtx, task)
	if err == nil {
		output = shared.Redact(output)
		if _, serr := s.queue.SetDone(ctx, task.ID, output); serr != nil {
			s.logger.Error("set done failed", zap.Int64("task_id", task.ID), zap.Error(serr))
			return
		}
		task.Status = store.StatusDone
		task.Result = output
		telemetry.RecordTaskCompletion("done", time.Since(start).Seconds(), task.Iteration)
		s.emit(ctx, sink.Event{Kind: sink.KindCompleted, Task: *task, Result: output})
		return
	}

	s.handleFailure(ctx, task, err, start)
}

// handleFailure classifies a runner failure and either recovers in place
// (tool_result_missing), schedules a retry, or fails the task for good.
func (s *Scheduler) handleFailure(ctx context.Context, task *store.Task, runErr error, start time.Time) {
	errMsg := shared.Redact(runErr.Error())
	errType := classify.Classify(errMsg)

	if errType == store.ErrorToolResultMissing {
		if s.recoverToolResultMissing(ctx, task) {
			telemetry.RecordToolResultRecovery()
			return
		}
	}

	if classify.IsPermanent(errType) {
		s.failTask(ctx, task, errMsg, errType, start)
		return
	}

	delaySeconds := classify.BackoffSeconds(task.RetryCount, 0)
	ok, err := s.queue.ScheduleRetry(ctx, task.ID, delaySeconds)
	if err != nil {
		s.logger.Error("schedule retry failed", zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	if !ok {
		// retry_count has reached max_retries; no budget left.
		s.failTask(ctx, task, errMsg, errType, start)
		return
	}

	task.Status = store.StatusPending
	task.Error = ""
	task.ErrorType = ""
	telemetry.RecordRetry(string(errType))
	s.emit(ctx, sink.Event{Kind: sink.KindFailed, Task: *task, Error: errMsg})
}

// recoverToolResultMissing attempts the one-shot in-place recovery: if the
// runner accepts synthetic tool results, the task goes back to pending
// without consuming a retry.
func (s *Scheduler) recoverToolResultMissing(ctx context.Context, task *store.Task) bool {
	if err := s.runner.InjectToolResults(ctx, task.SessionID, task.ProjectPath, nil); err != nil {
		s.logger.Warn("tool_result_missing recovery failed",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return false
	}
	if err := s.queue.ResetToPending(ctx, task.ID); err != nil {
		s.logger.Error("reset to pending after recovery failed",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return false
	}
	s.logger.Info("recovered tool_result_missing in place", zap.Int64("task_id", task.ID))
	return true
}

// failTask marks a task permanently failed and cascades to its dependents.
func (s *Scheduler) failTask(ctx context.Context, task *store.Task, errMsg string, errType store.ErrorType, start time.Time) {
	if _, err := s.queue.SetFailed(ctx, task.ID, errMsg, errType); err != nil {
		s.logger.Error("set failed failed", zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	task.Status = store.StatusFailed
	task.Error = errMsg
	task.ErrorType = errType
	telemetry.RecordTaskCompletion("failed", time.Since(start).Seconds(), task.Iteration)
	s.emit(ctx, sink.Event{Kind: sink.KindFailed, Task: *task, Error: errMsg})

	cascaded, err := s.queue.FailDependentTasks(ctx, task.ID, "dependency_failed")
	if err != nil {
		s.logger.Error("cascade dependent failure failed", zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	if cascaded > 0 {
		s.logger.Info("cascaded failure to dependent tasks",
			zap.Int64("parent_task_id", task.ID), zap.Int("count", cascaded))
	}
}

func (s *Scheduler) emit(ctx context.Context, event sink.Event) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(ctx, event)
}

// recordQueueDepth refreshes the queue-depth gauge per status. Best
// effort: a failed Stats call just skips this tick's sample.
func (s *Scheduler) recordQueueDepth(ctx context.Context) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return
	}
	telemetry.RecordQueueDepth(string(store.StatusPending), float64(stats.Pending))
	telemetry.RecordQueueDepth(string(store.StatusRunning), float64(stats.Running))
	telemetry.RecordQueueDepth(string(store.StatusDone), float64(stats.Done))
	telemetry.RecordQueueDepth(string(store.StatusFailed), float64(stats.Failed))
	telemetry.RecordQueueDepth(string(store.StatusCancelled), float64(stats.Cancelled))
}

func (s *Scheduler) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.stopc:
	case <-time.After(s.cfg.PollInterval):
	}
}
