// Package sink fans task lifecycle events out to registered observers.
// Unlike the teacher's internal/bus, which drops events non-blockingly
// under backpressure, every observer here is guaranteed to see every
// event: delivery is synchronous and a slow or failing observer can
// never block or hide the event from the others.
package sink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/basket/taskloopd/internal/store"
)

// Kind identifies the lifecycle moment an Event describes.
type Kind string

const (
	KindStarted   Kind = "started"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Event is what observers receive. Result is set on KindCompleted, Error
// on KindFailed; both are optional elsewhere.
type Event struct {
	Kind   Kind
	Task   store.Task
	Result string
	Error  string
}

// Observer reacts to lifecycle events. It must return promptly; Emit
// bounds each call by a per-observer timeout and does not wait past it.
type Observer interface {
	Notify(ctx context.Context, event Event) error
}

// defaultObserverTimeout bounds how long Emit waits on a single observer.
const defaultObserverTimeout = 5 * time.Second

// Sink is a synchronous fan-out point: every registered observer is
// guaranteed a delivery attempt for every event.
type Sink struct {
	logger    *zap.Logger
	timeout   time.Duration
	observers []Observer
}

// New builds a Sink. A nil logger is replaced with a no-op logger.
func New(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger, timeout: defaultObserverTimeout}
}

// Register adds an observer. Not safe to call concurrently with Emit.
func (s *Sink) Register(o Observer) {
	s.observers = append(s.observers, o)
}

// Emit invokes every observer concurrently with the event, bounding each
// by its own timeout, and collects errors without propagating them: a
// broken or slow observer never prevents another from receiving the
// event, and Emit never blocks past the slowest observer's own timeout.
func (s *Sink) Emit(ctx context.Context, event Event) {
	var wg sync.WaitGroup
	for _, o := range s.observers {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			obsCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if err := o.Notify(obsCtx, event); err != nil {
				s.logger.Warn("observer failed",
					zap.String("event_kind", string(event.Kind)),
					zap.Int64("task_id", event.Task.ID),
					zap.Error(err),
				)
			}
		}()
	}
	wg.Wait()
}
