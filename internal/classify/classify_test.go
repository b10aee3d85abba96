package classify

import (
	"testing"
	"time"

	"github.com/basket/taskloopd/internal/store"
)

func TestClassifyRateLimit(t *testing.T) {
	if got := Classify("Rate Limit exceeded, try later"); got != store.ErrorRateLimit {
		t.Fatalf("expected rate_limit, got %q", got)
	}
}

func TestClassifyContextExceeded(t *testing.T) {
	if got := Classify("context length exceeded"); got != store.ErrorContextExceeded {
		t.Fatalf("expected context_exceeded, got %q", got)
	}
	if got := Classify("context window too small"); got != store.ErrorContextExceeded {
		t.Fatalf("expected context_exceeded, got %q", got)
	}
}

func TestClassifyAgentNotFound(t *testing.T) {
	if got := Classify("agent 'reviewer' not found"); got != store.ErrorAgentNotFound {
		t.Fatalf("expected agent_not_found, got %q", got)
	}
	if got := Classify("agent undefined in registry"); got != store.ErrorAgentNotFound {
		t.Fatalf("expected agent_not_found, got %q", got)
	}
}

func TestClassifyToolResultMissing(t *testing.T) {
	if got := Classify("missing tool_result for tool_use id abc"); got != store.ErrorToolResultMissing {
		t.Fatalf("expected tool_result_missing, got %q", got)
	}
}

func TestClassifyThinkingBlockError(t *testing.T) {
	if got := Classify("thinking block is disabled for this model"); got != store.ErrorThinkingBlock {
		t.Fatalf("expected thinking_block_error, got %q", got)
	}
}

func TestClassifyTimeout(t *testing.T) {
	if got := Classify("request timed out after 30s"); got != store.ErrorTimeout {
		t.Fatalf("expected timeout, got %q", got)
	}
	if got := Classify("operation timeout"); got != store.ErrorTimeout {
		t.Fatalf("expected timeout, got %q", got)
	}
}

func TestClassifyUnknown(t *testing.T) {
	if got := Classify("the sky fell down"); got != store.ErrorUnknown {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// Contains both a rate/limit phrase and a timeout phrase; rate_limit
	// is checked first and must win.
	if got := Classify("rate limit hit, request timed out"); got != store.ErrorRateLimit {
		t.Fatalf("expected first rule (rate_limit) to win, got %q", got)
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(store.ErrorContextExceeded) {
		t.Fatal("expected context_exceeded to be permanent")
	}
	if !IsPermanent(store.ErrorAgentNotFound) {
		t.Fatal("expected agent_not_found to be permanent")
	}
	for _, et := range []store.ErrorType{store.ErrorRateLimit, store.ErrorToolResultMissing, store.ErrorThinkingBlock, store.ErrorTimeout, store.ErrorUnknown} {
		if IsPermanent(et) {
			t.Fatalf("expected %q to be retryable, not permanent", et)
		}
	}
}

func TestBackoffSequence(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 600 * time.Second},
		{10, 600 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(c.retryCount, 0); got != c.want {
			t.Fatalf("Backoff(%d): want %v, got %v", c.retryCount, c.want, got)
		}
	}
}

func TestBackoffHonorsRetryAfterHint(t *testing.T) {
	if got := Backoff(0, 5*time.Second); got != 5*time.Second {
		t.Fatalf("expected retry-after hint to override formula, got %v", got)
	}
}

func TestBackoffSecondsMatchesScenario(t *testing.T) {
	want := []int{30, 60, 120}
	for i, w := range want {
		if got := BackoffSeconds(i, 0); got != w {
			t.Fatalf("BackoffSeconds(%d): want %d, got %d", i, w, got)
		}
	}
}
