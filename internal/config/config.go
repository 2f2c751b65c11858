// Package config handles stagehand configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure for stagehand. It is built once
// by the loader and injected explicitly into every component constructor, so
// tests can run isolated instances side by side.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Events settings
	Events EventLogConfig `yaml:"events" mapstructure:"events"`

	// Locks settings
	Locks LockConfig `yaml:"locks" mapstructure:"locks"`

	// Heartbeats settings
	Heartbeats HeartbeatConfig `yaml:"heartbeats" mapstructure:"heartbeats"`

	// Pipeline settings
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
}

// GlobalConfig contains global stagehand settings.
type GlobalConfig struct {
	// DataDir is where stagehand stores its state
	// (default: ~/.local/share/stagehand).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// RepoPath is the repository the pipeline operates on (default: cwd).
	RepoPath string `yaml:"repo_path" mapstructure:"repo_path"`

	// BaseBranch is the main line worktrees sync with and merge into.
	BaseBranch string `yaml:"base_branch" mapstructure:"base_branch"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// EventLogConfig contains event log retention settings. Both thresholds are
// configurable; compaction never drops an event still ahead of a tracked
// consumer offset regardless of these values.
type EventLogConfig struct {
	// RetentionMaxAge is how long events are kept before compaction may
	// remove them. Zero keeps events indefinitely.
	RetentionMaxAge time.Duration `yaml:"retention_max_age" mapstructure:"retention_max_age"`

	// RetentionMaxCount caps the number of retained events. Zero means
	// unlimited.
	RetentionMaxCount int `yaml:"retention_max_count" mapstructure:"retention_max_count"`
}

// LockConfig contains advisory lock settings.
type LockConfig struct {
	// DefaultTTL is the lock time-to-live when the caller does not specify one.
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
}

// HeartbeatConfig contains heartbeat registry settings.
type HeartbeatConfig struct {
	// DefaultTimeout is the staleness threshold when the caller does not
	// specify one.
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
}

// PipelineConfig contains stage sequencer settings.
type PipelineConfig struct {
	// DefaultMaxIterations bounds the self-healing loop for stages that do
	// not set their own budget.
	DefaultMaxIterations int `yaml:"default_max_iterations" mapstructure:"default_max_iterations"`

	// IterationDelay is the pause between self-healing attempts.
	IterationDelay time.Duration `yaml:"iteration_delay" mapstructure:"iteration_delay"`

	// CheckpointMaxAgeHours is the default threshold for checkpoint expiry.
	CheckpointMaxAgeHours int `yaml:"checkpoint_max_age_hours" mapstructure:"checkpoint_max_age_hours"`

	// WorkerCommand is the agent invocation command; the stage prompt is
	// written to its stdin.
	WorkerCommand []string `yaml:"worker_command" mapstructure:"worker_command"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			DataDir:    "~/.local/share/stagehand",
			RepoPath:   ".",
			BaseBranch: "main",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Events: EventLogConfig{
			RetentionMaxAge:   7 * 24 * time.Hour,
			RetentionMaxCount: 0,
		},
		Locks: LockConfig{
			DefaultTTL: 5 * time.Minute,
		},
		Heartbeats: HeartbeatConfig{
			DefaultTimeout: 2 * time.Minute,
		},
		Pipeline: PipelineConfig{
			DefaultMaxIterations:  3,
			IterationDelay:        0,
			CheckpointMaxAgeHours: 72,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Global.DataDir == "" {
		return fmt.Errorf("global.data_dir is required")
	}
	if c.Global.BaseBranch == "" {
		return fmt.Errorf("global.base_branch is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console; got %q", c.Logging.Format)
	}
	if c.Events.RetentionMaxAge < 0 {
		return fmt.Errorf("events.retention_max_age must not be negative")
	}
	if c.Events.RetentionMaxCount < 0 {
		return fmt.Errorf("events.retention_max_count must not be negative")
	}
	if c.Locks.DefaultTTL <= 0 {
		return fmt.Errorf("locks.default_ttl must be positive")
	}
	if c.Heartbeats.DefaultTimeout <= 0 {
		return fmt.Errorf("heartbeats.default_timeout must be positive")
	}
	if c.Pipeline.DefaultMaxIterations < 1 {
		return fmt.Errorf("pipeline.default_max_iterations must be at least 1")
	}
	return nil
}

// RunsDir is where pipeline run records live.
func (c *Config) RunsDir() string {
	return filepath.Join(c.Global.DataDir, "runs")
}

// CheckpointsDir is where stage checkpoints and build contexts live.
func (c *Config) CheckpointsDir() string {
	return filepath.Join(c.Global.DataDir, "checkpoints")
}

// EventsDir is the event log root.
func (c *Config) EventsDir() string {
	return filepath.Join(c.Global.DataDir, "events")
}

// LocksDir is where lock records live.
func (c *Config) LocksDir() string {
	return filepath.Join(c.Global.DataDir, "locks")
}

// HeartbeatsDir is where heartbeat records live.
func (c *Config) HeartbeatsDir() string {
	return filepath.Join(c.Global.DataDir, "heartbeats")
}

// WorktreesDir is where per-agent worktrees are created.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.Global.DataDir, "worktrees")
}

// ApprovalsDir is where manual-gate approval markers are dropped.
func (c *Config) ApprovalsDir() string {
	return filepath.Join(c.Global.DataDir, "approvals")
}

// EnsureDirectories creates the state directories if missing.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.RunsDir(),
		c.CheckpointsDir(),
		c.EventsDir(),
		filepath.Join(c.EventsDir(), "offsets"),
		filepath.Join(c.EventsDir(), "dlq"),
		c.LocksDir(),
		c.HeartbeatsDir(),
		c.WorktreesDir(),
		c.ApprovalsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}
