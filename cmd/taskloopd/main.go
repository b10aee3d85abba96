// Command taskloopd is the single-host background daemon: it accepts
// durably queued natural-language tasks and drives an external
// conversational coding agent to completion, one task at a time.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/basket/taskloopd/internal/config"
	"github.com/basket/taskloopd/internal/cronfeed"
	"github.com/basket/taskloopd/internal/executor"
	"github.com/basket/taskloopd/internal/lifecycle"
	"github.com/basket/taskloopd/internal/logging"
	"github.com/basket/taskloopd/internal/queue"
	"github.com/basket/taskloopd/internal/runner"
	"github.com/basket/taskloopd/internal/runner/httprunner"
	"github.com/basket/taskloopd/internal/runner/processrunner"
	"github.com/basket/taskloopd/internal/scheduler"
	"github.com/basket/taskloopd/internal/shared"
	"github.com/basket/taskloopd/internal/sink"
	"github.com/basket/taskloopd/internal/store"
	"github.com/basket/taskloopd/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskloopd: load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.MustNew(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("taskloopd exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	lockPath := cfg.LockPath
	if lockPath == "" {
		lockPath = filepath.Join(cfg.DataDir, "taskloopd.lock")
	}
	lock := lifecycle.NewLock(lockPath)
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("acquire single-instance lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release lock file failed", zap.Error(err))
		}
	}()

	dbPath := filepath.Join(cfg.DataDir, "taskloopd.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	q := queue.New(st)

	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("build telemetry provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	r, closeRunner, err := buildRunner(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}
	if closeRunner != nil {
		defer closeRunner()
	}

	observerSink := sink.New(logger)
	observerSink.Register(loggingObserver{logger: logger})

	exec := executor.New(r, q, executor.Config{
		IterationTimeout: cfg.IterationTimeout(),
		Agent:            cfg.Agent,
		Workspace:        cfg.Workspace,
		Telemetry:        tracer,
	}, logger)

	sched := scheduler.New(q, r, observerSink, logger, exec.Run, scheduler.Config{
		PollInterval: cfg.PollInterval(),
		TaskTimeout:  cfg.TaskTimeout(),
		Telemetry:    tracer,
	})

	if cfg.CronScheduleFile != "" {
		file, err := cronfeed.LoadFile(cfg.CronScheduleFile)
		if err != nil {
			return fmt.Errorf("load cron schedule file: %w", err)
		}
		feed := cronfeed.New(cronfeed.Config{Queue: q, Logger: logger}, file)
		feed.Start(ctx)
		defer feed.Stop()
	}

	if cfg.MetricsAddr != "" {
		metricsServer := startMetricsServer(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("taskloopd starting",
		zap.String("data_dir", cfg.DataDir),
		zap.String("workspace", cfg.Workspace),
		zap.String("runner_mode", cfg.RunnerMode),
		zap.Duration("poll_interval", cfg.PollInterval()),
		zap.String("runner_token", shared.RedactEnvValue("TASKLOOPD_RUNNER_TOKEN", cfg.RunnerToken)),
	)

	return lifecycle.Supervise(ctx, sched, cfg.ShutdownTimeout(), logger)
}

// buildRunner constructs the Runner implementation selected by
// cfg.RunnerMode. The returned close func, if non-nil, should run at
// process exit to tear down persistent connections.
func buildRunner(ctx context.Context, cfg config.Config) (runner.Runner, func(), error) {
	switch cfg.RunnerMode {
	case "http":
		if cfg.RunnerURL == "" {
			return nil, nil, errors.New("TASKLOOPD_RUNNER_URL is required when TASKLOOPD_RUNNER_MODE=http")
		}
		r, err := httprunner.New(ctx, cfg.RunnerURL, cfg.RunnerToken)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case "process", "":
		if cfg.RunnerDocker {
			r, err := processrunner.NewDockerIsolated(cfg.AgentBin, cfg.RunnerImage)
			if err != nil {
				return nil, nil, err
			}
			return r, nil, nil
		}
		return processrunner.New(cfg.AgentBin), nil, nil
	default:
		return nil, nil, fmt.Errorf("unrecognized TASKLOOPD_RUNNER_MODE %q", cfg.RunnerMode)
	}
}

// startMetricsServer serves Prometheus metrics on cfg.MetricsAddr in the
// background, logging (never failing startup) if the listener dies.
func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

// loggingObserver satisfies sink.Observer with a structured-log fallback
// so lifecycle events are always visible even with no ingress adapter
// attached.
type loggingObserver struct {
	logger *zap.Logger
}

func (o loggingObserver) Notify(ctx context.Context, event sink.Event) error {
	fields := []zap.Field{
		zap.Int64("task_id", event.Task.ID),
		zap.String("status", string(event.Task.Status)),
	}
	switch event.Kind {
	case sink.KindStarted:
		o.logger.Info("task started", fields...)
	case sink.KindCompleted:
		o.logger.Info("task completed", append(fields, zap.String("result_preview", preview(event.Result)))...)
	case sink.KindFailed:
		fields = append(fields, zap.String("error_type", string(event.Task.ErrorType)), zap.String("error", event.Error))
		o.logger.Warn("task failed", fields...)
	}
	return nil
}

func preview(s string) string {
	const maxLen = 200
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
