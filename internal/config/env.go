package config

import (
	"os"
	"strconv"
	"time"
)

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "FOREMAN_AUTH_TOKEN",
		apply: func(c *Config, v string) {
			c.AuthToken = v
		},
	},
	{
		envVar: "FOREMAN_MACHINE",
		apply: func(c *Config, v string) {
			c.Machine = v
		},
	},
	{
		envVar: "FOREMAN_HTTP_ADDR",
		apply: func(c *Config, v string) {
			c.HTTPAddr = v
		},
	},
	{
		envVar: "FOREMAN_DB_PATH",
		apply: func(c *Config, v string) {
			c.DBPath = v
		},
	},
	{
		envVar: "FOREMAN_REPOS_DIR",
		apply: func(c *Config, v string) {
			c.ReposDir = v
		},
	},
	{
		envVar: "FOREMAN_WORKTREES_DIR",
		apply: func(c *Config, v string) {
			c.WorktreesDir = v
		},
	},
	{
		envVar: "CLAUDE_BIN",
		apply: func(c *Config, v string) {
			c.ClaudeBin = v
		},
	},
	{
		envVar: "MAX_CONCURRENT_JOBS",
		apply: func(c *Config, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				c.MaxConcurrentJobs = n
			}
		},
	},
	{
		envVar: "FOREMAN_FEEDBACK_TIMEOUT",
		apply: func(c *Config, v string) {
			if d, err := time.ParseDuration(v); err == nil {
				c.FeedbackTimeout = d
			}
		},
	},
	{
		envVar: "GITHUB_TOKEN",
		apply: func(c *Config, v string) {
			c.GitHubToken = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
