package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"POLL_INTERVAL_MS", "TASK_TIMEOUT_MS", "ITERATION_TIMEOUT_MS", "SHUTDOWN_TIMEOUT_MS",
		"WORKSPACE", "DATA_DIR", "AGENT", "TASKLOOPD_LOG_LEVEL", "TASKLOOPD_LOG_FORMAT",
		"TASKLOOPD_METRICS_ADDR", "TASKLOOPD_OTLP_ENDPOINT", "TASKLOOPD_RUNNER_DOCKER",
		"TASKLOOPD_RUNNER_IMAGE",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalMS != 5000 {
		t.Fatalf("expected default poll interval 5000, got %d", cfg.PollIntervalMS)
	}
	if cfg.TaskTimeoutMS != 1800000 {
		t.Fatalf("expected default task timeout 1800000, got %d", cfg.TaskTimeoutMS)
	}
	if cfg.IterationTimeoutMS != 600000 {
		t.Fatalf("expected default iteration timeout 600000, got %d", cfg.IterationTimeoutMS)
	}
	if cfg.ShutdownTimeoutMS != 60000 {
		t.Fatalf("expected default shutdown timeout 60000, got %d", cfg.ShutdownTimeoutMS)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Fatalf("expected PollInterval() 5s, got %s", cfg.PollInterval())
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLL_INTERVAL_MS", "1000")
	t.Setenv("DATA_DIR", "/tmp/taskloopd")
	t.Setenv("AGENT", "reviewer")
	t.Setenv("TASKLOOPD_RUNNER_DOCKER", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalMS != 1000 {
		t.Fatalf("expected overridden poll interval 1000, got %d", cfg.PollIntervalMS)
	}
	if cfg.DataDir != "/tmp/taskloopd" {
		t.Fatalf("expected overridden data dir, got %q", cfg.DataDir)
	}
	if cfg.Agent != "reviewer" {
		t.Fatalf("expected overridden agent, got %q", cfg.Agent)
	}
	if !cfg.RunnerDocker {
		t.Fatal("expected RunnerDocker true")
	}
}

func TestLoadRejectsUnparsableInteger(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLL_INTERVAL_MS", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unparsable POLL_INTERVAL_MS")
	}
}
