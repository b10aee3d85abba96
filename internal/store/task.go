package store

import "time"

// Status is the task state machine's set of legal values.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Priority orders pending tasks. Rank 0 is serviced first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the ordering key used by getNextRetryable: smaller sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2 // unknown priorities behave like medium
	}
}

// ErrorType is the closed classification taxonomy from the error classifier.
type ErrorType string

const (
	ErrorRateLimit        ErrorType = "rate_limit"
	ErrorContextExceeded  ErrorType = "context_exceeded"
	ErrorAgentNotFound    ErrorType = "agent_not_found"
	ErrorToolResultMissing ErrorType = "tool_result_missing"
	ErrorThinkingBlock    ErrorType = "thinking_block_error"
	ErrorTimeout          ErrorType = "timeout"
	ErrorDependencyFailed ErrorType = "dependency_failed"
	ErrorUnknown          ErrorType = "unknown"
)

// Task is the system's single durable entity: one unit of work submitted to
// the queue, tracked from creation through a terminal status.
type Task struct {
	ID          int64
	Prompt      string
	ProjectPath string // empty means absent
	Status      Status
	Priority    Priority

	Result    string // empty means absent
	Error     string // empty means absent
	ErrorType ErrorType

	SessionID string // empty means absent

	Iteration     int
	MaxIterations int

	RetryCount int
	MaxRetries int
	RetryAfter *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	CreatedBy string
	Source    string // discord, slack, cli, ...

	DependsOn *int64

	ProgressToolCalls    int
	ProgressLastTool     string
	ProgressLastMessage  string
	ProgressUpdatedAt    *time.Time
}

// Stats is the read-only aggregate view returned by Queue.Stats.
type Stats struct {
	Pending   int
	Running   int
	Done      int
	Failed    int
	Cancelled int
}
