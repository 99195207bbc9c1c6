// Package config holds taskforge's configuration, loaded from YAML
// (gopkg.in/yaml.v3), with DefaultConfig() supplying every default so a
// zero-value or missing file is always usable.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"taskforge/internal/logging"
)

// Config holds all taskforge configuration.
type Config struct {
	// RuntimeDir is where checkpoints, logs, and per-task log files live.
	// Defaults to $HOME/.agent/background-tasks.
	RuntimeDir string `yaml:"runtime_dir" json:"runtime_dir"`

	Background BackgroundConfig `yaml:"background" json:"background"`
	Stage      StageConfig      `yaml:"agent_longagent_parallel" json:"agent_longagent_parallel"`
	Logging    logging.Config   `yaml:"logging" json:"logging"`
}

// BackgroundConfig configures the Background Manager.
type BackgroundConfig struct {
	// Mode is the default launch mode when no inline run closure is given.
	// One of "worker_process" or "inline".
	Mode string `yaml:"mode" json:"mode"`

	// MaxParallel is the starter's soft parallelism cap.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel"`

	// WorkerTimeoutMs is the default per-task timeout and reaper threshold.
	WorkerTimeoutMs int64 `yaml:"worker_timeout_ms" json:"worker_timeout_ms"`
}

// StageConfig configures the Stage Scheduler. It is read from the
// top-level agent_longagent_parallel key of the YAML file; a nested
// agent: longagent: parallel: block is not read.
type StageConfig struct {
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	TaskMaxRetries int `yaml:"task_max_retries" json:"task_max_retries"`
	PollIntervalMs int `yaml:"poll_interval_ms" json:"poll_interval_ms"`
}

// Package-wide defaults.
const (
	DefaultBackgroundMode      = "worker_process"
	DefaultMaxParallel         = 2
	DefaultWorkerTimeoutMs     = 900000
	MinWorkerTimeoutMs         = 1000
	DefaultStageConcurrency    = 3
	DefaultStageTaskMaxRetries = 2
	DefaultPollIntervalMs      = 50
	ReaperGraceMs              = 5000
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		RuntimeDir: fmt.Sprintf("%s/.agent/background-tasks", home),
		Background: BackgroundConfig{
			Mode:            DefaultBackgroundMode,
			MaxParallel:     DefaultMaxParallel,
			WorkerTimeoutMs: DefaultWorkerTimeoutMs,
		},
		Stage: StageConfig{
			MaxConcurrency: DefaultStageConcurrency,
			TaskMaxRetries: DefaultStageTaskMaxRetries,
			PollIntervalMs: DefaultPollIntervalMs,
		},
		Logging: logging.Config{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads a YAML config file, applying defaults for any zero-valued
// field the file leaves unset.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RuntimeDir == "" {
		home, _ := os.UserHomeDir()
		cfg.RuntimeDir = fmt.Sprintf("%s/.agent/background-tasks", home)
	}
	if cfg.Background.Mode == "" {
		cfg.Background.Mode = DefaultBackgroundMode
	}
	if cfg.Background.MaxParallel <= 0 {
		cfg.Background.MaxParallel = DefaultMaxParallel
	}
	if cfg.Background.WorkerTimeoutMs <= 0 {
		cfg.Background.WorkerTimeoutMs = DefaultWorkerTimeoutMs
	}
	if cfg.Background.WorkerTimeoutMs < MinWorkerTimeoutMs {
		cfg.Background.WorkerTimeoutMs = MinWorkerTimeoutMs
	}
	if cfg.Stage.MaxConcurrency <= 0 {
		cfg.Stage.MaxConcurrency = DefaultStageConcurrency
	}
	if cfg.Stage.TaskMaxRetries < 0 {
		cfg.Stage.TaskMaxRetries = DefaultStageTaskMaxRetries
	}
	if cfg.Stage.PollIntervalMs <= 0 {
		cfg.Stage.PollIntervalMs = DefaultPollIntervalMs
	}
}

// WorkerTimeoutMs resolves the effective timeout for a task given its
// payload override: payload value if set, else the configured default,
// clamped to a sane minimum.
func (c *Config) WorkerTimeoutMs(payloadOverride int64) int64 {
	ms := c.Background.WorkerTimeoutMs
	if payloadOverride > 0 {
		ms = payloadOverride
	}
	if ms <= 0 {
		ms = DefaultWorkerTimeoutMs
	}
	if ms < MinWorkerTimeoutMs {
		ms = MinWorkerTimeoutMs
	}
	return ms
}
