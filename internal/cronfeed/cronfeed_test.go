package cronfeed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskloopd/internal/queue"
	"github.com/basket/taskloopd/internal/store"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return queue.New(s)
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestLoadFileRejectsInvalidCron(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedules.yaml")
	writeFile(t, path, `
schedules:
  - name: bad
    cron: "not a cron expression"
    prompt: "do it"
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected invalid cron expression to be rejected")
	}
}

func TestLoadFileParsesSchedules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedules.yaml")
	writeFile(t, path, `
schedules:
  - name: nightly-report
    cron: "0 2 * * *"
    prompt: "Generate the nightly report"
    priority: high
`)
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(f.Schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(f.Schedules))
	}
	if f.Schedules[0].Name != "nightly-report" {
		t.Fatalf("unexpected name %q", f.Schedules[0].Name)
	}
}

func TestFeedFiresDueScheduleAndEnqueuesTask(t *testing.T) {
	q := newTestQueue(t)
	file := File{Schedules: []Schedule{
		{Name: "every-minute", Cron: "* * * * *", Prompt: "say hi", Priority: "low"},
	}}

	feed := New(Config{Queue: q, Interval: 10 * time.Millisecond}, file)
	// Force the schedule immediately due regardless of wall-clock minute
	// boundaries, so the test does not depend on when it happens to run.
	feed.schedules[0].nextRun = time.Now().Add(-time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed.Start(ctx)
	defer feed.Stop()

	waitFor(t, 2*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		if err != nil {
			return false
		}
		return stats.Pending >= 1
	})
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write schedule file: %v", err)
	}
}
