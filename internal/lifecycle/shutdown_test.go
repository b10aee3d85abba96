package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSupervisee struct {
	stopped   atomic.Bool
	running   chan struct{}
	unblock   chan struct{}
	runErr    error
	ignoreCtx bool
}

func newFakeSupervisee() *fakeSupervisee {
	return &fakeSupervisee{running: make(chan struct{}), unblock: make(chan struct{})}
}

func (f *fakeSupervisee) Run(ctx context.Context) error {
	close(f.running)
	if f.ignoreCtx {
		<-f.unblock
		return f.runErr
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.unblock:
		return f.runErr
	}
}

func (f *fakeSupervisee) Stop() {
	f.stopped.Store(true)
}

func TestSuperviseReturnsWhenRunFinishesOnItsOwn(t *testing.T) {
	f := newFakeSupervisee()
	f.runErr = errors.New("done")
	sigCh := make(chan os.Signal, 1)

	go func() {
		<-f.running
		close(f.unblock)
	}()

	err := supervise(context.Background(), f, time.Second, nil, sigCh)
	if !errors.Is(err, f.runErr) {
		t.Fatalf("expected run's own error, got %v", err)
	}
	if f.stopped.Load() {
		t.Fatal("Stop should not be called when no shutdown signal arrives")
	}
}

func TestSuperviseLetsInFlightTaskFinishAfterSignal(t *testing.T) {
	f := newFakeSupervisee()
	f.runErr = errors.New("finished gracefully")
	sigCh := make(chan os.Signal, 1)

	go func() {
		<-f.running
		sigCh <- os.Interrupt
		time.Sleep(20 * time.Millisecond)
		close(f.unblock)
	}()

	err := supervise(context.Background(), f, time.Second, nil, sigCh)
	if !f.stopped.Load() {
		t.Fatal("expected Stop to be called after the first signal")
	}
	if !errors.Is(err, f.runErr) {
		t.Fatalf("expected the in-flight task's own result, got %v", err)
	}
}

func TestSuperviseAbortsOnGraceTimeout(t *testing.T) {
	f := newFakeSupervisee()
	f.ignoreCtx = true // simulate a task that does not respond to ctx cancellation quickly
	sigCh := make(chan os.Signal, 1)

	go func() {
		<-f.running
		sigCh <- os.Interrupt
	}()
	go func() {
		time.Sleep(200 * time.Millisecond)
		close(f.unblock)
	}()

	start := time.Now()
	_ = supervise(context.Background(), f, 30*time.Millisecond, nil, sigCh)
	elapsed := time.Since(start)
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected Supervise to wait at least the grace period, got %s", elapsed)
	}
	if elapsed > time.Second {
		t.Fatalf("Supervise took too long to return after grace timeout: %s", elapsed)
	}
}

func TestSuperviseForcesOnSecondSignal(t *testing.T) {
	f := newFakeSupervisee()
	f.ignoreCtx = true
	sigCh := make(chan os.Signal, 2)

	go func() {
		<-f.running
		sigCh <- os.Interrupt
		time.Sleep(10 * time.Millisecond)
		sigCh <- os.Interrupt
	}()
	go func() {
		time.Sleep(500 * time.Millisecond)
		close(f.unblock)
	}()

	start := time.Now()
	_ = supervise(context.Background(), f, 10*time.Second, nil, sigCh)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected the second signal to force an early return, took %s", elapsed)
	}
}
