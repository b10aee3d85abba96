// Package runner defines the Executor's view of the external agent: a
// small session-oriented contract that treats the agent as an opaque
// black box. Two implementations exist (processrunner, httprunner); the
// Executor never inspects which one it was given.
package runner

import "context"

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind identifies the shape of a Part. Kinds outside this set are
// ignored by the Executor, so Runner implementations are free to surface
// additional part kinds without breaking it.
type PartKind string

const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
)

// Part is one piece of a Message's content.
type Part struct {
	Kind PartKind

	Text string // for text, reasoning

	ToolUseID string // for tool_use, tool_result
	ToolName  string // for tool_use

	ToolResultContent string // for tool_result
}

// Message is one turn in a runner session.
type Message struct {
	Role  Role
	Parts []Part
}

// TodoStatus is a todo item's lifecycle state. Anything other than
// Completed or Cancelled counts as non-terminal to the Executor.
type TodoStatus string

const (
	TodoPending    TodoStatus = "todo"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// Todo is one item the agent is tracking against the task.
type Todo struct {
	Status TodoStatus
}

// Status is a session's busy/idle state, as reported by getStatus.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Runner is the Executor's contract with the external agent. Every method
// takes the session's working directory alongside its session_id because
// some implementations need it to route requests (the subprocess runner
// keys sessions by both).
type Runner interface {
	// CreateSession starts a fresh agent conversation and returns its
	// session_id.
	CreateSession(ctx context.Context, workDir, title string) (string, error)

	// SendPrompt delivers text to an existing session. It does not wait
	// for a reply; callers poll GetStatus/GetMessages separately.
	SendPrompt(ctx context.Context, sessionID, workDir, agent, text string) error

	// GetStatus reports whether the session is currently producing output.
	GetStatus(ctx context.Context, sessionID, workDir string) (Status, error)

	// GetMessages returns the session's messages in chronological order.
	GetMessages(ctx context.Context, sessionID, workDir string) ([]Message, error)

	// GetTodos returns the agent's current todo list for the session.
	GetTodos(ctx context.Context, sessionID string) ([]Todo, error)

	// InjectToolResults is the tool_result_missing recovery path: it
	// supplies results for tool_use calls the agent is still waiting on,
	// without starting a new iteration.
	InjectToolResults(ctx context.Context, sessionID, workDir string, pendingToolIDs []string) error
}
