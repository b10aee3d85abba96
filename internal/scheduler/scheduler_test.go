package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskloopd/internal/queue"
	"github.com/basket/taskloopd/internal/runner"
	"github.com/basket/taskloopd/internal/sink"
	"github.com/basket/taskloopd/internal/store"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return queue.New(s)
}

type stubRunner struct {
	injectErr error
	injected  int
}

func (r *stubRunner) CreateSession(ctx context.Context, workDir, title string) (string, error) {
	return "sess", nil
}
func (r *stubRunner) SendPrompt(ctx context.Context, sessionID, workDir, agent, text string) error {
	return nil
}
func (r *stubRunner) GetStatus(ctx context.Context, sessionID, workDir string) (runner.Status, error) {
	return runner.StatusIdle, nil
}
func (r *stubRunner) GetMessages(ctx context.Context, sessionID, workDir string) ([]runner.Message, error) {
	return nil, nil
}
func (r *stubRunner) GetTodos(ctx context.Context, sessionID string) ([]runner.Todo, error) {
	return nil, nil
}
func (r *stubRunner) InjectToolResults(ctx context.Context, sessionID, workDir string, pendingToolIDs []string) error {
	r.injected++
	return r.injectErr
}

type recordingObserver struct {
	mu     sync.Mutex
	events []sink.Event
}

func (o *recordingObserver) Notify(ctx context.Context, event sink.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *recordingObserver) kinds() []sink.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	var kinds []sink.Kind
	for _, e := range o.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func runOnce(t *testing.T, sched *Scheduler, q *queue.Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			if _, err := q.GetRunning(ctx); errors.Is(err, store.ErrNotFound) {
				if _, err := q.GetNextRetryable(ctx); errors.Is(err, store.ErrNotFound) {
					cancel()
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()
	_ = sched.Run(ctx)
}

func TestSchedulerCompletesTaskAndEmitsEvents(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Create(context.Background(), queue.CreateFields{Prompt: "do it"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	obs := &recordingObserver{}
	sk := sink.New(nil)
	sk.Register(obs)

	runCalls := 0
	run := func(ctx context.Context, t *store.Task) (string, error) {
		runCalls++
		return "done", nil
	}

	sched := New(q, &stubRunner{}, sk, nil, run, Config{PollInterval: time.Millisecond})
	runOnce(t, sched, q)

	if runCalls != 1 {
		t.Fatalf("expected run to be called once, got %d", runCalls)
	}
	got, err := q.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusDone {
		t.Fatalf("expected status done, got %s", got.Status)
	}
	kinds := obs.kinds()
	if len(kinds) != 2 || kinds[0] != sink.KindStarted || kinds[1] != sink.KindCompleted {
		t.Fatalf("expected [started completed], got %v", kinds)
	}
}

func TestSchedulerSchedulesRetryOnTransientFailure(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Create(context.Background(), queue.CreateFields{Prompt: "do it", MaxRetries: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sk := sink.New(nil)
	run := func(ctx context.Context, t *store.Task) (string, error) {
		return "", errors.New("request timed out")
	}

	sched := New(q, &stubRunner{}, sk, nil, run, Config{PollInterval: time.Millisecond})
	runOnce(t, sched, q)

	got, err := q.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Fatalf("expected status pending after transient failure, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", got.RetryCount)
	}
	if got.Error != "" || got.ErrorType != "" {
		t.Fatalf("expected error fields cleared on retried task, got error=%q error_type=%q", got.Error, got.ErrorType)
	}
	if got.RetryAfter == nil {
		t.Fatal("expected retry_after to be set")
	}
}

func TestSchedulerFailsPermanentlyOnContextExceeded(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Create(context.Background(), queue.CreateFields{Prompt: "do it"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	child, err := q.Create(context.Background(), queue.CreateFields{Prompt: "depends", DependsOn: &task.ID})
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}

	sk := sink.New(nil)
	run := func(ctx context.Context, t *store.Task) (string, error) {
		return "", errors.New("context window exceeded")
	}

	sched := New(q, &stubRunner{}, sk, nil, run, Config{PollInterval: time.Millisecond})
	runOnce(t, sched, q)

	got, err := q.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("expected status failed, got %s", got.Status)
	}
	if got.ErrorType != store.ErrorContextExceeded {
		t.Fatalf("expected error_type context_exceeded, got %s", got.ErrorType)
	}

	gotChild, err := q.Get(context.Background(), child.ID)
	if err != nil {
		t.Fatalf("Get child: %v", err)
	}
	if gotChild.Status != store.StatusFailed {
		t.Fatalf("expected child cascaded to failed, got %s", gotChild.Status)
	}
	if gotChild.ErrorType != store.ErrorDependencyFailed {
		t.Fatalf("expected child error_type dependency_failed, got %s", gotChild.ErrorType)
	}
}

func TestSchedulerRecoversToolResultMissingWithoutConsumingRetry(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Create(context.Background(), queue.CreateFields{Prompt: "do it", MaxRetries: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r := &stubRunner{}
	callCount := 0
	run := func(ctx context.Context, t *store.Task) (string, error) {
		callCount++
		if callCount == 1 {
			return "", errors.New("tool_use without matching tool_result")
		}
		return "recovered", nil
	}

	sk := sink.New(nil)
	sched := New(q, r, sk, nil, run, Config{PollInterval: time.Millisecond})
	runOnce(t, sched, q)

	if r.injected != 1 {
		t.Fatalf("expected InjectToolResults called once, got %d", r.injected)
	}

	got, err := q.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusDone {
		t.Fatalf("expected eventual completion after recovery, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("expected retry_count untouched by recovery, got %d", got.RetryCount)
	}
}
