package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseDir string `yaml:"base_dir"`
	LogFile string `yaml:"log_file"`

	LockStaleTimeout time.Duration `yaml:"-"`
	RawStaleTimeout  string        `yaml:"lock_stale_timeout"`

	Batch BatchConfig `yaml:"batch"`
	Audit AuditConfig `yaml:"audit"`
	Sync  SyncConfig  `yaml:"sync"`
	Log   LogConfig   `yaml:"log"`
}

type BatchConfig struct {
	PollInterval time.Duration `yaml:"-"`
	RawInterval  string        `yaml:"poll_interval"`
	PollDeadline time.Duration `yaml:"-"`
	RawDeadline  string        `yaml:"poll_deadline"`
}

type AuditConfig struct {
	RetentionDays     int `yaml:"retention_days"`
	LockRetentionDays int `yaml:"lock_retention_days"`
}

// SyncConfig holds the defaults applied by sync_backlog_labels in update mode.
type SyncConfig struct {
	DefaultPriority string `yaml:"default_priority"`
	DefaultType     string `yaml:"default_type"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the config file at path. A missing file is fine: the engine
// runs on defaults plus environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() error {
	if c.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		c.BaseDir = filepath.Join(home, ".wrangle")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.BaseDir, "logs", "wrangle.log")
	}

	if c.RawStaleTimeout == "" {
		c.RawStaleTimeout = "30m"
	}
	d, err := time.ParseDuration(c.RawStaleTimeout)
	if err != nil {
		return fmt.Errorf("parse lock_stale_timeout %q: %w", c.RawStaleTimeout, err)
	}
	c.LockStaleTimeout = d

	if c.Batch.RawInterval == "" {
		c.Batch.RawInterval = "60s"
	}
	interval, err := time.ParseDuration(c.Batch.RawInterval)
	if err != nil {
		return fmt.Errorf("parse batch.poll_interval %q: %w", c.Batch.RawInterval, err)
	}
	c.Batch.PollInterval = interval

	if c.Batch.RawDeadline == "" {
		c.Batch.RawDeadline = "30m"
	}
	deadline, err := time.ParseDuration(c.Batch.RawDeadline)
	if err != nil {
		return fmt.Errorf("parse batch.poll_deadline %q: %w", c.Batch.RawDeadline, err)
	}
	c.Batch.PollDeadline = deadline

	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 30
	}
	if c.Audit.LockRetentionDays == 0 {
		c.Audit.LockRetentionDays = 90
	}

	if c.Sync.DefaultPriority == "" {
		c.Sync.DefaultPriority = "medium"
	}
	if c.Sync.DefaultType == "" {
		c.Sync.DefaultType = "feature"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	return nil
}

func (c *Config) validate() error {
	if c.LockStaleTimeout <= 0 {
		return fmt.Errorf("lock_stale_timeout must be positive, got %s", c.RawStaleTimeout)
	}
	if c.Batch.PollInterval <= 0 {
		return fmt.Errorf("batch.poll_interval must be positive, got %s", c.Batch.RawInterval)
	}
	if c.Batch.PollDeadline <= 0 {
		return fmt.Errorf("batch.poll_deadline must be positive, got %s", c.Batch.RawDeadline)
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit.retention_days must be at least 1, got %d", c.Audit.RetentionDays)
	}
	if c.Audit.LockRetentionDays < c.Audit.RetentionDays {
		return fmt.Errorf("audit.lock_retention_days must be >= retention_days")
	}
	return nil
}

// Directory layout under BaseDir.
func (c *Config) LocksDir() string     { return filepath.Join(c.BaseDir, "locks") }
func (c *Config) WorkflowsDir() string { return filepath.Join(c.BaseDir, "workflow") }
func (c *Config) BatchesDir() string   { return filepath.Join(c.BaseDir, "batches") }
func (c *Config) LogsDir() string      { return filepath.Join(c.BaseDir, "logs") }

// EnsureDirs creates the base directory and its four subdirectories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.LocksDir(), c.WorkflowsDir(), c.BatchesDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ResolveRepo resolves an owner/repo pair: explicit argument first, then
// GITHUB_REPOSITORY, then the GITHUB_OWNER + GITHUB_REPO pair.
func ResolveRepo(explicit string) (owner, repo string, err error) {
	candidate := explicit
	if candidate == "" {
		candidate = os.Getenv("GITHUB_REPOSITORY")
	}
	if candidate != "" {
		parts := strings.SplitN(candidate, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid repository %q, want owner/repo", candidate)
		}
		return parts[0], parts[1], nil
	}

	owner = os.Getenv("GITHUB_OWNER")
	repo = os.Getenv("GITHUB_REPO")
	if owner != "" && repo != "" {
		return owner, repo, nil
	}
	return "", "", fmt.Errorf("repository not specified and GITHUB_REPOSITORY/GITHUB_OWNER+GITHUB_REPO unset")
}

// ResolveToken resolves the GitHub credential: explicit value first, then
// GITHUB_TOKEN, then the gh CLI helper.
func ResolveToken(explicit string, helper func() (string, error)) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		return tok, nil
	}
	if helper != nil {
		tok, err := helper()
		if err == nil && tok != "" {
			return tok, nil
		}
	}
	return "", fmt.Errorf("no GitHub token: pass --token, set GITHUB_TOKEN, or run `gh auth login`")
}
