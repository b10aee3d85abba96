// Package cronfeed is a recurring-task producer: it reads a YAML file of
// named cron schedules, each mapped to a prompt template, and turns due
// schedules into ordinary queue.Create calls. It is just another task
// producer alongside the (out-of-scope) chat/CLI ingress adapters and
// has no special standing with the Queue API or Executor.
package cronfeed

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/basket/taskloopd/internal/queue"
	"github.com/basket/taskloopd/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow), matching the teacher's own cron scheduler.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is one named recurring task definition, as authored in the
// schedule YAML file.
type Schedule struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Prompt   string `yaml:"prompt"`
	Project  string `yaml:"project_path"`
	Priority string `yaml:"priority"`

	nextRun time.Time
}

// File is the top-level shape of the schedule YAML document.
type File struct {
	Schedules []Schedule `yaml:"schedules"`
}

// LoadFile parses a schedule file from disk.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("cronfeed: read schedule file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("cronfeed: parse schedule file: %w", err)
	}
	for i := range f.Schedules {
		if _, err := cronParser.Parse(f.Schedules[i].Cron); err != nil {
			return File{}, fmt.Errorf("cronfeed: schedule %q: invalid cron expression %q: %w", f.Schedules[i].Name, f.Schedules[i].Cron, err)
		}
	}
	return f, nil
}

// Config holds the Feed's dependencies.
type Config struct {
	Queue    *queue.Queue
	Logger   *zap.Logger
	Interval time.Duration // tick interval; defaults to 1 minute
}

// Feed polls its schedule list at Interval and enqueues a task for each
// schedule whose next run time has passed, exactly once per due tick.
type Feed struct {
	queue    *queue.Queue
	logger   *zap.Logger
	interval time.Duration

	mu        sync.Mutex
	schedules []Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Feed from an already-parsed File. Every schedule's first
// next-run is computed relative to now.
func New(cfg Config, file File) *Feed {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	now := time.Now()
	schedules := make([]Schedule, len(file.Schedules))
	copy(schedules, file.Schedules)
	for i := range schedules {
		schedules[i].nextRun = nextRunAfter(schedules[i].Cron, now)
	}

	return &Feed{queue: cfg.Queue, logger: logger, interval: interval, schedules: schedules}
}

// Start runs the feed's tick loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.loop(ctx)
	f.logger.Info("cron feed started", zap.Duration("interval", f.interval), zap.Int("schedule_count", len(f.schedules)))
}

// Stop cancels the feed's loop and waits for it to exit.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Feed) loop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *Feed) tick(ctx context.Context) {
	now := time.Now()
	f.mu.Lock()
	due := make([]int, 0)
	for i, s := range f.schedules {
		if !s.nextRun.After(now) {
			due = append(due, i)
		}
	}
	f.mu.Unlock()

	for _, idx := range due {
		f.fire(ctx, idx, now)
	}
}

func (f *Feed) fire(ctx context.Context, idx int, now time.Time) {
	f.mu.Lock()
	sched := f.schedules[idx]
	f.mu.Unlock()

	priority := store.Priority(sched.Priority)
	if priority == "" {
		priority = store.PriorityMedium
	}

	task, err := f.queue.Create(ctx, queue.CreateFields{
		Prompt:      sched.Prompt,
		ProjectPath: sched.Project,
		Priority:    priority,
		CreatedBy:   "cronfeed",
		Source:      "cron",
	})

	f.mu.Lock()
	f.schedules[idx].nextRun = nextRunAfter(sched.Cron, now)
	f.mu.Unlock()

	if err != nil {
		f.logger.Error("cron feed: failed to enqueue scheduled task",
			zap.String("schedule_name", sched.Name), zap.Error(err))
		return
	}
	f.logger.Info("cron feed: schedule fired",
		zap.String("schedule_name", sched.Name),
		zap.Int64("task_id", task.ID),
		zap.Time("next_run_at", f.schedules[idx].nextRun),
	)
}

func nextRunAfter(cronExpr string, after time.Time) time.Time {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		// Validated at load time; a parse failure here would mean the
		// schedule was mutated after LoadFile, which nothing does.
		return after.Add(24 * time.Hour)
	}
	return sched.Next(after)
}
