package executor

import (
	"strings"

	"github.com/basket/taskloopd/internal/runner"
)

// strongCompletionSignals, any of which immediately mark output complete
// regardless of anything else in the text.
var strongCompletionSignals = []string{
	"[task_complete]",
	"todos completed:",
	"all todos completed",
}

// weakCompletionSignals only count as complete when no planning phrase
// appears after the last mention of "complete" in the output.
var weakCompletionSignals = []string{
	"task complete",
	"task completed",
	"successfully completed",
	"all done",
	"finished successfully",
	"completed successfully",
	"nothing left to do",
	"all steps completed",
}

// planningPhrases indicate the agent is about to do more work. Their
// presence after the last "complete" substring overrides a weak signal.
var planningPhrases = []string{
	"i will",
	"i'll",
	"let me",
	"next i",
	"then i",
}

// stoppingPhrases indicate the task is blocked on the user, not finished.
var stoppingPhrases = []string{
	"waiting for",
	"need more information",
	"please provide",
	"could you clarify",
	"what would you like",
	"should i proceed",
}

// workPhrases, together with tool activity, indicate more work is pending.
var workPhrases = []string{
	"i will",
	"i'll",
	"let me",
	"first,",
	"next,",
	"then,",
	"step 1",
	"step 2",
	"here's my plan",
	"i need to",
	"working on",
	"processing",
	"executing",
	"creating",
	"todo",
	"in_progress",
	"pending",
}

// isComplete runs the case-insensitive textual completion test over output.
func isComplete(output string) bool {
	lower := strings.ToLower(output)

	for _, sig := range strongCompletionSignals {
		if strings.Contains(lower, sig) {
			return true
		}
	}

	weakIdx := -1
	for _, sig := range weakCompletionSignals {
		if idx := strings.Index(lower, sig); idx >= 0 && idx > weakIdx {
			weakIdx = idx
		}
	}
	if weakIdx < 0 {
		return false
	}

	lastComplete := strings.LastIndex(lower, "complete")
	if lastComplete < 0 {
		return true
	}
	after := lower[lastComplete:]
	for _, phrase := range planningPhrases {
		if strings.Contains(after, phrase) {
			return false
		}
	}
	return true
}

// hasToolActivity reports whether any message contains a tool_use or
// tool_result part.
func hasToolActivity(messages []runner.Message) bool {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if part.Kind == runner.PartToolUse || part.Kind == runner.PartToolResult {
				return true
			}
		}
	}
	return false
}

// needsContinuation decides whether another iteration should run.
func needsContinuation(output string, messages []runner.Message, complete bool) bool {
	if complete {
		return false
	}
	lower := strings.ToLower(output)
	for _, phrase := range stoppingPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	if hasToolActivity(messages) {
		return true
	}
	for _, phrase := range workPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// extractOutput concatenates every assistant text part, blank-line
// separated, falling back to a sentinel when nothing was captured.
func extractOutput(messages []runner.Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role != runner.RoleAssistant {
			continue
		}
		for _, p := range msg.Parts {
			if p.Kind == runner.PartText && p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
	}
	if len(parts) == 0 {
		return "Task completed (no output captured)"
	}
	return strings.Join(parts, "\n\n")
}

// hasRealOutput reports whether messages contain at least one message with
// role assistant or tool carrying a non-empty text/reasoning part, or any
// tool_use/tool_result part at all.
func hasRealOutput(messages []runner.Message) bool {
	for _, msg := range messages {
		if msg.Role != runner.RoleAssistant && msg.Role != runner.RoleTool {
			continue
		}
		for _, p := range msg.Parts {
			switch p.Kind {
			case runner.PartText, runner.PartReasoning:
				if strings.TrimSpace(p.Text) != "" {
					return true
				}
			case runner.PartToolUse, runner.PartToolResult:
				return true
			}
		}
	}
	return false
}

// todosOutstanding reports whether any todo has not reached a terminal
// state (completed or cancelled).
func todosOutstanding(todos []runner.Todo) bool {
	for _, t := range todos {
		if t.Status != runner.TodoCompleted && t.Status != runner.TodoCancelled {
			return true
		}
	}
	return false
}
