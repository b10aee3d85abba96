// Package classify turns opaque runner failures into the closed error
// taxonomy the Store records against a task, and decides what the
// Scheduler should do about each one: retry with backoff, a one-shot
// recovery attempt, or a permanent failure.
package classify

import (
	"strings"
	"time"

	"github.com/basket/taskloopd/internal/store"
)

// rule is one first-match substring test in the classification table.
type rule struct {
	errType  store.ErrorType
	matches  func(msg string) bool
}

// rules is evaluated in order; the first match wins. Order matters because
// several taxonomy values could plausibly match the same message (e.g. a
// timeout inside a rate-limited call).
var rules = []rule{
	{
		errType: store.ErrorRateLimit,
		matches: func(m string) bool {
			return strings.Contains(m, "rate") && strings.Contains(m, "limit")
		},
	},
	{
		errType: store.ErrorContextExceeded,
		matches: func(m string) bool {
			if !strings.Contains(m, "context") {
				return false
			}
			return strings.Contains(m, "length") || strings.Contains(m, "window") || strings.Contains(m, "exceeded")
		},
	},
	{
		errType: store.ErrorAgentNotFound,
		matches: func(m string) bool {
			if !strings.Contains(m, "agent") {
				return false
			}
			return strings.Contains(m, "not found") || strings.Contains(m, "undefined")
		},
	},
	{
		errType: store.ErrorToolResultMissing,
		matches: func(m string) bool {
			return strings.Contains(m, "tool_use") && strings.Contains(m, "tool_result")
		},
	},
	{
		errType: store.ErrorThinkingBlock,
		matches: func(m string) bool {
			if !strings.Contains(m, "thinking") {
				return false
			}
			return strings.Contains(m, "block") || strings.Contains(m, "disabled")
		},
	},
	{
		errType: store.ErrorTimeout,
		matches: func(m string) bool {
			return strings.Contains(m, "timeout") || strings.Contains(m, "timed out")
		},
	},
}

// permanentTypes are never retried regardless of remaining retry budget.
var permanentTypes = map[store.ErrorType]bool{
	store.ErrorContextExceeded: true,
	store.ErrorAgentNotFound:   true,
}

const (
	backoffBase = 30 * time.Second
	backoffCap  = 600 * time.Second
)

// Normalize reduces an opaque runner error into a single lowercase string
// for classification. Runner errors may surface as a plain string, as an
// object carrying message/data/error fields, or nested combinations of
// those; callers should flatten whatever shape they have into msg before
// calling Classify, preferring the deepest human-readable text available.
func Normalize(msg string) string {
	return strings.ToLower(msg)
}

// Classify maps a raw (non-normalized) error message to a taxonomy value
// using first-match substring rules.
func Classify(rawMessage string) store.ErrorType {
	normalized := Normalize(rawMessage)
	for _, r := range rules {
		if r.matches(normalized) {
			return r.errType
		}
	}
	return store.ErrorUnknown
}

// IsPermanent reports whether errType should never be retried.
func IsPermanent(errType store.ErrorType) bool {
	return permanentTypes[errType]
}

// Backoff computes the retry delay for a given retry_count:
// min(30 * 2^retry_count, 600) seconds. retryAfterHint, when nonzero,
// overrides the formula — used for a server-reported Retry-After on
// rate_limit errors.
func Backoff(retryCount int, retryAfterHint time.Duration) time.Duration {
	if retryAfterHint > 0 {
		return retryAfterHint
	}
	delay := backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// BackoffSeconds is Backoff truncated to whole seconds, matching the
// integer delay_seconds contract of Queue.ScheduleRetry.
func BackoffSeconds(retryCount int, retryAfterHint time.Duration) int {
	return int(Backoff(retryCount, retryAfterHint).Seconds())
}
