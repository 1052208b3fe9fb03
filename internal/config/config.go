package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full foreman configuration.
type Config struct {
	// Machine identifies this worker in the fleet. Queued jobs carry a
	// target_machine; the queue controller only admits jobs targeted here.
	Machine string `yaml:"machine"`

	// AuthToken is the bearer token required on all non-health HTTP routes.
	AuthToken string `yaml:"auth_token"`

	// HTTPAddr is the listen address for the HTTP server. Default: ":8080".
	HTTPAddr string `yaml:"http_addr"`

	// DBPath is the sqlite database file shared by the fleet.
	// Default: ~/.foreman/foreman.db
	DBPath string `yaml:"db_path"`

	// ReposDir holds bare mirror clones ({owner}__{repo}.git).
	// Default: ~/.foreman/repos
	ReposDir string `yaml:"repos_dir"`

	// WorktreesDir holds per-job worktrees. Default: ~/.foreman/worktrees
	WorktreesDir string `yaml:"worktrees_dir"`

	// ClaudeBin is the agent CLI binary. Default: ~/.local/bin/claude
	ClaudeBin string `yaml:"claude_bin"`

	// MaxConcurrentJobs caps jobs running on this machine. Default: 2.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// FeedbackTimeout bounds each feedback command invocation. Default: 120s.
	FeedbackTimeout time.Duration `yaml:"feedback_timeout"`

	// GitHubToken authenticates mirror clones and gh PR creation.
	// Usually provided via GITHUB_TOKEN rather than the config file.
	GitHubToken string `yaml:"github_token,omitempty"`
}

// Default returns a Config with defaults resolved against the home directory.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	base := filepath.Join(home, ".foreman")
	host, _ := os.Hostname()

	return &Config{
		Machine:           host,
		HTTPAddr:          ":8080",
		DBPath:            filepath.Join(base, "foreman.db"),
		ReposDir:          filepath.Join(base, "repos"),
		WorktreesDir:      filepath.Join(base, "worktrees"),
		ClaudeBin:         filepath.Join(home, ".local", "bin", "claude"),
		MaxConcurrentJobs: 2,
		FeedbackTimeout:   120 * time.Second,
	}, nil
}

// Load reads the config file at path (if it exists), applies env overrides,
// and validates the result. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.AuthToken == "" {
		return fmt.Errorf("auth_token is required (set FOREMAN_AUTH_TOKEN)")
	}
	if c.Machine == "" {
		return fmt.Errorf("machine identifier is required")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be >= 1, got %d", c.MaxConcurrentJobs)
	}
	if !filepath.IsAbs(c.DBPath) {
		return fmt.Errorf("db_path must be absolute, got %s", c.DBPath)
	}
	if !filepath.IsAbs(c.ReposDir) {
		return fmt.Errorf("repos_dir must be absolute, got %s", c.ReposDir)
	}
	if !filepath.IsAbs(c.WorktreesDir) {
		return fmt.Errorf("worktrees_dir must be absolute, got %s", c.WorktreesDir)
	}
	if c.FeedbackTimeout <= 0 {
		return fmt.Errorf("feedback_timeout must be positive, got %v", c.FeedbackTimeout)
	}
	return nil
}

// EnsureDirectories creates the directories foreman writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.DBPath), c.ReposDir, c.WorktreesDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
