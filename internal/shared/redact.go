// Package shared holds cross-cutting helpers threaded through every
// taskloopd component: context-propagated trace/run/task IDs and the
// secret-redaction routines in this file.
package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactionRule pairs a pattern with the index of the capture group that
// should be kept (the prefix) when a match is collapsed to the
// placeholder. A keepGroup of 0 means the whole match is replaced.
type redactionRule struct {
	pattern    *regexp.Regexp
	keepGroup  int
}

// redactionRules covers the shapes of credential taskloopd's runner output
// and error text might echo back: the agent process is an opaque black
// box (internal/runner) that can be handed API keys, repo tokens or
// webhook secrets as part of a task's project environment, and anything
// it prints is persisted verbatim into task.result/task.error unless
// scrubbed first.
var redactionRules = []redactionRule{
	{ // key = value / key: "value" style assignments
		pattern:   regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|access[_-]?key|auth[_-]?token|client[_-]?secret)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		keepGroup: 1,
	},
	{ // Authorization: Bearer <token> / Basic <b64>
		pattern:   regexp.MustCompile(`(?i)(Authorization:\s*(?:Bearer|Basic)\s+)([A-Za-z0-9_\-./+=]{12,})`),
		keepGroup: 1,
	},
	{ // GitHub personal access / fine-grained tokens
		pattern:   regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	},
	{ // AWS access key IDs
		pattern:   regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	},
	{ // Anthropic/OpenAI style sk- secret keys
		pattern:   regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	},
	{ // PEM private key blocks, collapsed to a single placeholder
		pattern:   regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
	},
}

// Redact scrubs credential-shaped substrings from runner output and error
// text before it is persisted (Scheduler.execute) or logged
// (cmd/taskloopd's loggingObserver), since the external agent runner can
// be configured with secrets for the project it's working in and nothing
// stops it echoing them back in a message or a failure trace.
func Redact(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, rule := range redactionRules {
		out = rule.pattern.ReplaceAllStringFunc(out, func(match string) string {
			if rule.keepGroup == 0 {
				return redactedPlaceholder
			}
			groups := rule.pattern.FindStringSubmatch(match)
			if len(groups) <= rule.keepGroup {
				return redactedPlaceholder
			}
			return groups[rule.keepGroup] + redactedPlaceholder
		})
	}
	return out
}

// sensitiveEnvSubstrings flags a config key as secret-bearing by name
// alone, independent of what its value looks like.
var sensitiveEnvSubstrings = []string{"token", "secret", "password", "key", "credential"}

// RedactEnvValue returns value unchanged unless key looks like it names a
// secret, in which case it returns the placeholder instead. Used when
// logging the daemon's effective configuration at startup (cmd/taskloopd)
// so operator-supplied values like TASKLOOPD_RUNNER_TOKEN never land in
// the log stream even though they came from the environment, not from
// runner output Redact already covers.
func RedactEnvValue(key, value string) string {
	if value == "" {
		return value
	}
	lower := strings.ToLower(key)
	for _, substr := range sensitiveEnvSubstrings {
		if strings.Contains(lower, substr) {
			return redactedPlaceholder
		}
	}
	return value
}
