// Package executor drives one task through potentially multiple
// continuation iterations over a single runner session, until genuine
// completion, an unrecoverable error, or the iteration/task timeout fires.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/basket/taskloopd/internal/queue"
	"github.com/basket/taskloopd/internal/runner"
	"github.com/basket/taskloopd/internal/store"
	"github.com/basket/taskloopd/internal/telemetry"
)

const stableIdlePollsToTrip = 3

// Config bounds one task's execution. The poll/grace/floor durations default
// to the spec's production values (2s poll, 5s premature-idle guard, 10s
// stability floor) but are overridable so tests can run against a
// compressed clock.
type Config struct {
	IterationTimeout  time.Duration // default 600s
	PollInterval      time.Duration // default 2s
	SessionCreateGrace time.Duration // default 5s
	StabilityFloor    time.Duration // default 10s
	AvailableAgents   []string
	Agent             string

	// Workspace is the default working directory used when a task carries
	// no project_path of its own.
	Workspace string

	// Telemetry is optional; a nil Provider means no spans are recorded.
	Telemetry *telemetry.Provider
}

func (c Config) withDefaults() Config {
	if c.IterationTimeout <= 0 {
		c.IterationTimeout = 600 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SessionCreateGrace <= 0 {
		c.SessionCreateGrace = 5 * time.Second
	}
	if c.StabilityFloor <= 0 {
		c.StabilityFloor = 10 * time.Second
	}
	return c
}

// Executor runs tasks to completion against a Runner, persisting progress
// and iteration state via the Queue API as it goes.
type Executor struct {
	runner runner.Runner
	queue  *queue.Queue
	logger *zap.Logger
	cfg    Config
}

// New builds an Executor.
func New(r runner.Runner, q *queue.Queue, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{runner: r, queue: q, logger: logger, cfg: cfg.withDefaults()}
}

// iterationResult is what one call to runIteration produces.
type iterationResult struct {
	output            string
	sessionID         string
	isComplete        bool
	needsContinuation bool
}

// Run executes task.max_iterations worth of continuation rounds (at most),
// returning the final output text. The caller (Scheduler) is responsible
// for turning a returned error into a retry or permanent failure via the
// error classifier; Run itself never calls Queue.SetDone/SetFailed.
func (e *Executor) Run(ctx context.Context, task *store.Task) (string, error) {
	sessionID := task.SessionID
	var lastOutput string

	for {
		iteration, err := e.queue.IncrementIteration(ctx, task.ID)
		if err != nil {
			return "", fmt.Errorf("executor: increment iteration: %w", err)
		}
		if iteration > task.MaxIterations {
			return "Max iterations reached. Last output:\n" + lastOutput, nil
		}

		prompt := continuationPrompt
		if iteration == 1 {
			prompt = initialPrompt(task.Prompt, e.cfg.AvailableAgents)
		}

		result, err := e.runIteration(ctx, task, iteration, sessionID, prompt)
		if err != nil {
			return "", err
		}
		lastOutput = result.output
		if result.sessionID != sessionID {
			if err := e.queue.SetSessionID(ctx, task.ID, result.sessionID); err != nil {
				return "", fmt.Errorf("executor: persist session id: %w", err)
			}
		}
		sessionID = result.sessionID

		if result.isComplete || !result.needsContinuation {
			return result.output, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// runIteration runs exactly one send-prompt-then-poll round.
func (e *Executor) runIteration(ctx context.Context, task *store.Task, iteration int, sessionID, prompt string) (iterationResult, error) {
	if e.cfg.Telemetry != nil {
		var span trace.Span
		ctx, span = e.cfg.Telemetry.StartTaskIteration(ctx, task.ID, iteration)
		defer span.End()
	}

	workDir := task.ProjectPath
	if workDir == "" {
		workDir = e.cfg.Workspace
	}

	var sessionCreatedAt time.Time
	if sessionID == "" {
		title := fmt.Sprintf("Task #%d", task.ID)
		newSessionID, err := e.runner.CreateSession(ctx, workDir, title)
		if err != nil {
			return iterationResult{}, fmt.Errorf("executor: create session: %w", err)
		}
		sessionID = newSessionID
		sessionCreatedAt = time.Now()
	} else {
		sessionCreatedAt = time.Now().Add(-e.cfg.StabilityFloor) // already warm
	}

	if err := e.runner.SendPrompt(ctx, sessionID, workDir, e.cfg.Agent, prompt); err != nil {
		return iterationResult{}, fmt.Errorf("executor: send prompt: %w", err)
	}

	deadline := time.Now().Add(e.cfg.IterationTimeout)
	stablePolls := 0
	var prevMessageCount int

	for {
		if time.Now().After(deadline) {
			return iterationResult{}, fmt.Errorf("executor: iteration %d timed out after %s", iteration, e.cfg.IterationTimeout)
		}

		select {
		case <-ctx.Done():
			return iterationResult{}, ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}

		status, err := e.runner.GetStatus(ctx, sessionID, workDir)
		if err != nil {
			return iterationResult{}, fmt.Errorf("executor: get status: %w", err)
		}

		if status == runner.StatusIdle {
			if time.Since(sessionCreatedAt) < e.cfg.SessionCreateGrace {
				continue
			}
			result, ok, err := e.evaluateSession(ctx, task, sessionID, workDir)
			if err != nil {
				return iterationResult{}, err
			}
			if !ok {
				continue
			}
			return result, nil
		}

		// Busy: capture progress, then run the stability heuristic.
		messages, err := e.runner.GetMessages(ctx, sessionID, workDir)
		if err != nil {
			return iterationResult{}, fmt.Errorf("executor: get messages: %w", err)
		}
		e.recordProgress(ctx, task.ID, messages)

		if time.Since(sessionCreatedAt) >= e.cfg.StabilityFloor && len(messages) == prevMessageCount {
			stablePolls++
		} else {
			stablePolls = 0
		}
		prevMessageCount = len(messages)

		if stablePolls >= stableIdlePollsToTrip {
			result, ok, err := e.evaluateSession(ctx, task, sessionID, workDir)
			if err != nil {
				return iterationResult{}, err
			}
			if ok {
				return result, nil
			}
		}
	}
}

// evaluateSession runs the output-validation, todo, completion and
// continuation checks shared by the idle branch and the implicit-idle
// stability branch. ok=false means "keep polling".
func (e *Executor) evaluateSession(ctx context.Context, task *store.Task, sessionID, workDir string) (iterationResult, bool, error) {
	messages, err := e.runner.GetMessages(ctx, sessionID, workDir)
	if err != nil {
		return iterationResult{}, false, fmt.Errorf("executor: get messages: %w", err)
	}
	if !hasRealOutput(messages) {
		return iterationResult{}, false, nil
	}

	todos, err := e.runner.GetTodos(ctx, sessionID)
	if err != nil {
		return iterationResult{}, false, fmt.Errorf("executor: get todos: %w", err)
	}
	if todosOutstanding(todos) {
		output := extractOutput(messages)
		return iterationResult{output: output, sessionID: sessionID, isComplete: false, needsContinuation: true}, true, nil
	}

	output := extractOutput(messages)
	complete := isComplete(output)
	continuation := needsContinuation(output, messages, complete)
	return iterationResult{output: output, sessionID: sessionID, isComplete: complete, needsContinuation: continuation}, true, nil
}

// recordProgress updates tool-call counters and the last tool/message seen,
// tolerating a failed write since progress is observational only.
func (e *Executor) recordProgress(ctx context.Context, taskID int64, messages []runner.Message) {
	toolCalls := 0
	var lastTool, lastMessage string
	for _, msg := range messages {
		if msg.Role != runner.RoleAssistant {
			continue
		}
		for _, p := range msg.Parts {
			switch p.Kind {
			case runner.PartToolUse:
				toolCalls++
				lastTool = p.ToolName
			case runner.PartText:
				if p.Text != "" {
					lastMessage = p.Text
				}
			}
		}
	}
	if err := e.queue.UpdateProgress(ctx, taskID, queue.ProgressUpdate{
		ToolCalls:   toolCalls,
		LastTool:    lastTool,
		LastMessage: lastMessage,
	}); err != nil {
		e.logger.Warn("update progress failed", zap.Int64("task_id", taskID), zap.Error(err))
	}
}
