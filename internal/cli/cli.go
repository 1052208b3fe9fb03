// Package cli wires the foreman commands: the serve daemon plus local
// administration of clients, repositories, features, and jobs.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildforge/foreman/internal/config"
)

// App is the CLI application with its wired dependencies.
type App struct {
	rootCmd *cobra.Command

	configPath string

	version string
	commit  string
	date    string
}

// New creates the CLI application.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the build identity for the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "foreman",
		Short: "Multi-tenant agent job orchestrator",
		Long: `Foreman drives coding-agent jobs through durable queues, git
worktrees, and a multi-phase spec pipeline, exposing everything over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Path to the config file (default: built-in defaults plus env overrides)")

	a.rootCmd.AddCommand(a.serveCmd())
	a.rootCmd.AddCommand(a.clientCmd())
	a.rootCmd.AddCommand(a.featureCmd())
	a.rootCmd.AddCommand(a.jobsCmd())
	a.rootCmd.AddCommand(a.versionCmd())
}

// loadConfig resolves the effective configuration for a command run.
func (a *App) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *App) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("foreman %s (commit %s, built %s)\n", a.version, a.commit, a.date)
		},
	}
}
