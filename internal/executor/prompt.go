package executor

import (
	"fmt"
	"strings"
)

// continuationPrompt is sent verbatim on every iteration after the first.
const continuationPrompt = `Resume your pending todos without asking for permission. When every todo is completed, emit the literal marker [TASK_COMPLETE] followed by a short summary.`

// initialPrompt wraps the user's request with the operating instructions
// the agent needs to run unattended: use a todo list, never ask
// permission, and signal genuine completion with the literal marker.
func initialPrompt(userPrompt string, availableAgents []string) string {
	var b strings.Builder
	b.WriteString(userPrompt)
	b.WriteString("\n\n---\n")
	b.WriteString("Track your work with a todo list. Do not ask for permission before taking action; proceed autonomously. ")
	b.WriteString("When every objective has been met, emit the literal marker [TASK_COMPLETE] followed by a brief summary of what was done.")
	if len(availableAgents) > 0 {
		b.WriteString(fmt.Sprintf("\n\nSpecialist agents available for delegation: %s.", strings.Join(availableAgents, ", ")))
	}
	return b.String()
}
