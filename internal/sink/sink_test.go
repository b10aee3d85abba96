package sink

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskloopd/internal/store"
)

type recordingObserver struct {
	notified atomic.Int32
	err      error
	delay    time.Duration
}

func (o *recordingObserver) Notify(ctx context.Context, event Event) error {
	if o.delay > 0 {
		select {
		case <-time.After(o.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.notified.Add(1)
	return o.err
}

func TestEmitReachesAllObservers(t *testing.T) {
	s := New(nil)
	a := &recordingObserver{}
	b := &recordingObserver{}
	s.Register(a)
	s.Register(b)

	s.Emit(context.Background(), Event{Kind: KindStarted, Task: store.Task{ID: 1}})

	if a.notified.Load() != 1 {
		t.Fatalf("expected observer a notified once, got %d", a.notified.Load())
	}
	if b.notified.Load() != 1 {
		t.Fatalf("expected observer b notified once, got %d", b.notified.Load())
	}
}

func TestEmitFailingObserverDoesNotBlockOthers(t *testing.T) {
	s := New(nil)
	failing := &recordingObserver{err: errors.New("boom")}
	healthy := &recordingObserver{}
	s.Register(failing)
	s.Register(healthy)

	s.Emit(context.Background(), Event{Kind: KindFailed, Task: store.Task{ID: 2}})

	if failing.notified.Load() != 1 {
		t.Fatal("expected failing observer to still be invoked")
	}
	if healthy.notified.Load() != 1 {
		t.Fatal("expected healthy observer to be notified despite the other's failure")
	}
}

func TestEmitBoundedBySlowestObserverTimeout(t *testing.T) {
	s := New(nil)
	s.timeout = 20 * time.Millisecond
	slow := &recordingObserver{delay: time.Second}
	s.Register(slow)

	start := time.Now()
	s.Emit(context.Background(), Event{Kind: KindCompleted, Task: store.Task{ID: 3}})
	elapsed := time.Since(start)

	if elapsed > 200*time.Millisecond {
		t.Fatalf("Emit took %s, expected to return near the observer timeout", elapsed)
	}
	if slow.notified.Load() != 0 {
		t.Fatal("expected the slow observer's context to have been cancelled before it finished")
	}
}
