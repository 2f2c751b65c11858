package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ConfigFileUsed returns the path of the config file that was loaded, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setupViper(cfg *Config) {
	l.v.SetDefault("global.data_dir", cfg.Global.DataDir)
	l.v.SetDefault("global.repo_path", cfg.Global.RepoPath)
	l.v.SetDefault("global.base_branch", cfg.Global.BaseBranch)
	l.v.SetDefault("logging.level", cfg.Logging.Level)
	l.v.SetDefault("logging.format", cfg.Logging.Format)
	l.v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)
	l.v.SetDefault("events.retention_max_age", cfg.Events.RetentionMaxAge)
	l.v.SetDefault("events.retention_max_count", cfg.Events.RetentionMaxCount)
	l.v.SetDefault("locks.default_ttl", cfg.Locks.DefaultTTL)
	l.v.SetDefault("heartbeats.default_timeout", cfg.Heartbeats.DefaultTimeout)
	l.v.SetDefault("pipeline.default_max_iterations", cfg.Pipeline.DefaultMaxIterations)
	l.v.SetDefault("pipeline.iteration_delay", cfg.Pipeline.IterationDelay)
	l.v.SetDefault("pipeline.checkpoint_max_age_hours", cfg.Pipeline.CheckpointMaxAgeHours)
	l.v.SetDefault("pipeline.worker_command", cfg.Pipeline.WorkerCommand)

	l.v.SetEnvPrefix("STAGEHAND")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		return l.v.ReadInConfig()
	}

	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")

	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(home, ".config", "stagehand"))
	}
	l.v.AddConfigPath(".")

	err := l.v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
	}
	return err
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.RepoPath = expandTilde(cfg.Global.RepoPath)
}
