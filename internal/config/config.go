// Package config loads the daemon's configuration purely from the
// process environment: a typed struct populated by explicit os.Getenv
// reads with defaults, no config file, following the teacher's own
// env-override convention for operator-tunable values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full set of environment-tunable daemon settings.
type Config struct {
	PollIntervalMS     int
	TaskTimeoutMS      int
	IterationTimeoutMS int
	ShutdownTimeoutMS  int

	Workspace string
	DataDir   string
	Agent     string

	LogLevel  string
	LogFormat string

	MetricsAddr   string
	OTLPEndpoint  string

	RunnerDocker bool
	RunnerImage  string
	RunnerMode   string // "process" (default) or "http"
	RunnerURL    string // ws(s):// endpoint, required when RunnerMode is "http"
	RunnerToken  string
	AgentBin     string

	CronScheduleFile string
	LockPath         string

	TracingEnabled bool
}

// Load reads Config from the environment, applying the spec's defaults
// for anything unset or unparsable.
func Load() (Config, error) {
	cfg := Config{
		PollIntervalMS:     5000,
		TaskTimeoutMS:      1800000,
		IterationTimeoutMS: 600000,
		ShutdownTimeoutMS:  60000,
		Workspace:          "/root/projects",
		DataDir:            "./data",
		Agent:              "default",
		LogLevel:           "info",
		LogFormat:          "json",
		RunnerMode:         "process",
		AgentBin:           "agent-runner",
	}

	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: POLL_INTERVAL_MS: %w", err)
		}
		cfg.PollIntervalMS = n
	}
	if v := os.Getenv("TASK_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: TASK_TIMEOUT_MS: %w", err)
		}
		cfg.TaskTimeoutMS = n
	}
	if v := os.Getenv("ITERATION_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: ITERATION_TIMEOUT_MS: %w", err)
		}
		cfg.IterationTimeoutMS = n
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: SHUTDOWN_TIMEOUT_MS: %w", err)
		}
		cfg.ShutdownTimeoutMS = n
	}
	if v := os.Getenv("WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENT"); v != "" {
		cfg.Agent = v
	}
	if v := os.Getenv("TASKLOOPD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TASKLOOPD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("TASKLOOPD_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("TASKLOOPD_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("TASKLOOPD_RUNNER_DOCKER"); v == "1" || v == "true" {
		cfg.RunnerDocker = true
	}
	if v := os.Getenv("TASKLOOPD_RUNNER_IMAGE"); v != "" {
		cfg.RunnerImage = v
	}
	if v := os.Getenv("TASKLOOPD_RUNNER_MODE"); v != "" {
		cfg.RunnerMode = v
	}
	if v := os.Getenv("TASKLOOPD_RUNNER_URL"); v != "" {
		cfg.RunnerURL = v
	}
	if v := os.Getenv("TASKLOOPD_RUNNER_TOKEN"); v != "" {
		cfg.RunnerToken = v
	}
	if v := os.Getenv("TASKLOOPD_AGENT_BIN"); v != "" {
		cfg.AgentBin = v
	}
	if v := os.Getenv("TASKLOOPD_CRON_SCHEDULE_FILE"); v != "" {
		cfg.CronScheduleFile = v
	}
	if v := os.Getenv("TASKLOOPD_LOCK_PATH"); v != "" {
		cfg.LockPath = v
	}
	if v := os.Getenv("TASKLOOPD_TRACING_ENABLED"); v == "1" || v == "true" {
		cfg.TracingEnabled = true
	}

	return cfg, nil
}

// PollInterval, TaskTimeout, IterationTimeout and ShutdownTimeout expose
// the millisecond fields as time.Duration for callers that wire them
// straight into Scheduler/Executor/Lifecycle config structs.
func (c Config) PollInterval() time.Duration     { return time.Duration(c.PollIntervalMS) * time.Millisecond }
func (c Config) TaskTimeout() time.Duration      { return time.Duration(c.TaskTimeoutMS) * time.Millisecond }
func (c Config) IterationTimeout() time.Duration { return time.Duration(c.IterationTimeoutMS) * time.Millisecond }
func (c Config) ShutdownTimeout() time.Duration  { return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond }
