// Package queue admits queued jobs for this machine and tracks their
// in-flight handles.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/buildforge/foreman/internal/config"
	"github.com/buildforge/foreman/internal/events"
	"github.com/buildforge/foreman/internal/runner"
	"github.com/buildforge/foreman/internal/store"
)

// defaultPollInterval drives the periodic admission pass; enqueue paths
// nudge Process directly so the ticker is only a safety net.
const defaultPollInterval = 5 * time.Second

// Controller owns job admission for one machine. Per-job execution
// runs on independent goroutines; the controller itself only moves
// rows from queued to running and hands them to the dispatcher.
type Controller struct {
	store   *store.Store
	runner  *runner.Runner
	handles *runner.Handles
	bus     *events.Bus
	cfg     *config.Config

	// admitMu serializes admission passes; claims are conditional in
	// the store, so this only prevents redundant work.
	admitMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a controller sharing the runner's handle registry.
func New(st *store.Store, r *runner.Runner, bus *events.Bus, cfg *config.Config) *Controller {
	return &Controller{
		store:   st,
		runner:  r,
		handles: r.Handles,
		bus:     bus,
		cfg:     cfg,
	}
}

// Init recovers jobs orphaned by a previous process, then runs one
// admission pass.
func (c *Controller) Init(ctx context.Context) error {
	n, err := c.store.ResetRunningJobs(c.cfg.Machine)
	if err != nil {
		return fmt.Errorf("failed to reset orphaned jobs: %w", err)
	}
	if n > 0 {
		log.Printf("queue: requeued %d orphaned job(s) from a previous run", n)
		c.bus.Emit(events.NewEvent(events.QueueRecovered, "").WithPayload(n))
	}
	c.bus.Emit(events.NewEvent(events.QueueStarted, "").WithPayload(c.cfg.Machine))
	return c.Process(ctx)
}

// Process is the idempotent admission pass: claim up to the free
// capacity of the oldest queued jobs for this machine and dispatch
// each on its own goroutine. Safe to call from timers, the enqueue
// path, or job completion.
func (c *Controller) Process(ctx context.Context) error {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	available := c.cfg.MaxConcurrentJobs - c.handles.Len()
	if available <= 0 {
		return nil
	}

	jobs, err := c.store.ClaimQueuedJobs(c.cfg.Machine, available)
	if err != nil {
		return fmt.Errorf("failed to claim queued jobs: %w", err)
	}

	for _, job := range jobs {
		c.dispatch(job)
	}
	return nil
}

// dispatch registers a handle and runs the job to a terminal state on
// its own goroutine. The job context is independent of the admission
// caller's so an HTTP request ending does not kill the job.
func (c *Controller) dispatch(job *store.AgentJob) {
	jobCtx, cancel := context.WithCancel(context.Background())
	c.handles.Register(job.ID, cancel)

	c.bus.Emit(events.NewEvent(events.JobAdmitted, job.ID).WithPayload(string(job.JobType)))
	log.Printf("queue: dispatching job %s (%s)", job.ID, job.JobType)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.bus.Emit(events.NewEvent(events.JobStarted, job.ID))
		c.runner.Run(jobCtx, job)
		// A finished job frees a slot; admit the next in line.
		if err := c.Process(context.Background()); err != nil {
			log.Printf("queue: admission pass after job %s failed: %v", job.ID, err)
		}
	}()
}

// Start runs Init and then periodic admission passes until ctx ends,
// waiting for in-flight jobs before returning.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := c.Process(ctx); err != nil {
				log.Printf("queue: admission pass failed: %v", err)
			}
		}
	}
}

// Status is the queue as observed from the store, not just local
// handles, so every machine reports the same picture.
type Status struct {
	Running       []*store.AgentJob `json:"running"`
	Queued        []*store.AgentJob `json:"queued"`
	MaxConcurrent int               `json:"maxConcurrent"`
}

// Status reports running and queued jobs for this machine.
func (c *Controller) Status() (*Status, error) {
	running, err := c.store.ListJobs(store.JobFilter{
		Status:  store.StatusRunning,
		Machine: c.cfg.Machine,
	})
	if err != nil {
		return nil, err
	}
	queued, err := c.store.ListJobs(store.JobFilter{
		Status:  store.StatusQueued,
		Machine: c.cfg.Machine,
	})
	if err != nil {
		return nil, err
	}
	return &Status{
		Running:       running,
		Queued:        queued,
		MaxConcurrent: c.cfg.MaxConcurrentJobs,
	}, nil
}

// Cancel terminates a job's subprocess (when it runs here) and marks
// the row cancelled. Terminal jobs are a no-op; the boolean reports
// whether anything changed.
func (c *Controller) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := c.store.CancelJob(jobID)
	if err != nil {
		return false, err
	}
	c.handles.Terminate(ctx, jobID)
	if cancelled {
		c.bus.Emit(events.NewEvent(events.JobCancelled, jobID))
	}
	return cancelled, nil
}

// Send writes a user frame to an interactive job's stdin and records
// it in the transcript.
func (c *Controller) Send(jobID, text string) error {
	proc, err := c.liveProcess(jobID)
	if err != nil {
		return err
	}
	if err := proc.SendUser(text); err != nil {
		return err
	}
	if err := c.store.AppendMessage(jobID, store.MessageUserInput, text); err != nil {
		log.Printf("queue: failed to record user input for %s: %v", jobID, err)
	}
	c.bus.Emit(events.NewEvent(events.AgentStdinSent, jobID))
	return nil
}

// End closes an interactive job's stdin so the agent finishes its turn
// and exits.
func (c *Controller) End(jobID string) error {
	proc, err := c.liveProcess(jobID)
	if err != nil {
		return err
	}
	return proc.CloseStdin()
}

func (c *Controller) liveProcess(jobID string) (agentProcess, error) {
	h := c.handles.Get(jobID)
	if h == nil {
		return nil, fmt.Errorf("job %s is not running on this machine", jobID)
	}
	proc := h.Process()
	if proc == nil {
		return nil, fmt.Errorf("job %s has no attached process yet", jobID)
	}
	return proc, nil
}

// agentProcess is the slice of agent.Process the controller touches.
type agentProcess interface {
	SendUser(text string) error
	CloseStdin() error
}
