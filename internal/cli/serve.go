package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/config"
	"github.com/buildforge/foreman/internal/events"
	"github.com/buildforge/foreman/internal/gitx"
	"github.com/buildforge/foreman/internal/queue"
	"github.com/buildforge/foreman/internal/runner"
	"github.com/buildforge/foreman/internal/sched"
	"github.com/buildforge/foreman/internal/server"
	"github.com/buildforge/foreman/internal/store"
)

// eventRingCapacity bounds the in-memory event history behind /health.
const eventRingCapacity = 1000

func (a *App) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Starts the queue controller and the HTTP server, recovering any
jobs orphaned by a previous run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus(256)
	defer bus.Close()
	ring := events.NewRing(eventRingCapacity)
	bus.Subscribe(ring.Handler())
	bus.Subscribe(func(e events.Event) {
		if e.IsFailure() {
			log.Printf("event %s", e)
		}
	})

	scheduler := sched.New(st)
	scheduler.Capacity = func() (running, max int) {
		n, err := st.CountRunning(cfg.Machine)
		if err != nil {
			return 0, cfg.MaxConcurrentJobs
		}
		return n, cfg.MaxConcurrentJobs
	}

	git := gitx.NewManager(cfg.ReposDir, cfg.WorktreesDir)
	r := &runner.Runner{
		Store:   st,
		Git:     git,
		Agent:   agent.NewCLIRunner(cfg.ClaudeBin),
		Bus:     bus,
		Cfg:     cfg,
		Handles: runner.NewHandles(),
		Usage:   scheduler.RecordActualUsage,
	}

	controller := queue.New(st, r, bus, cfg)

	srv := server.New(cfg, st, controller, scheduler, git, bus, ring)
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controllerDone := make(chan error, 1)
	go func() {
		controllerDone <- controller.Start(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	controllerStopped := false
	select {
	case sig := <-sigs:
		log.Printf("received %s, shutting down", sig)
	case err := <-controllerDone:
		controllerStopped = true
		if err != nil && err != context.Canceled {
			log.Printf("queue controller stopped: %v", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	// Wait for in-flight jobs to wind down.
	if !controllerStopped {
		select {
		case <-controllerDone:
		case <-shutdownCtx.Done():
			log.Printf("gave up waiting for in-flight jobs")
		}
	}
	return nil
}
