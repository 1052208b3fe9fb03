package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/events"
	"github.com/buildforge/foreman/internal/gitx"
	"github.com/buildforge/foreman/internal/store"
)

// defaultMaxIterations bounds ralph jobs created without a limit.
const defaultMaxIterations = 10

// outputCollector fans subprocess output into the transcript while
// buffering it for sentinel detection and summary extraction.
type outputCollector struct {
	sink     func(string)
	sentinel string

	mu    sync.Mutex
	buf   strings.Builder
	found bool
}

func (c *outputCollector) onLine(line string) {
	if c.sink != nil {
		c.sink(line)
	}
	c.mu.Lock()
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
	if c.sentinel != "" && strings.Contains(line, c.sentinel) {
		c.found = true
	}
	c.mu.Unlock()
}

func (c *outputCollector) promiseDetected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.found
}

func (c *outputCollector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return agent.CollectText(c.buf.String())
}

// runRalph drives the agent through up to max_iterations passes over
// one worktree, carrying context between passes in the progress file.
func (r *Runner) runRalph(ctx context.Context, job *store.AgentJob) error {
	repo, err := r.resolveRepository(job)
	if err != nil {
		return err
	}
	wt, err := r.prepareWorktree(ctx, job, repo)
	if err != nil {
		return err
	}
	if err := initProgressFile(wt.Path, job, wt.Branch); err != nil {
		return err
	}

	maxIter := job.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	sentinel := completionPromise(job)
	tally := &usageTally{}

	reason := store.ReasonMaxIterations
	for i := 1; i <= maxIter; i++ {
		cur, err := r.Store.GetJob(job.ID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status == store.StatusCancelled {
			return nil // cancel path already recorded manual_stop
		}

		prompt := buildRalphPrompt(job, i, readProgressFile(wt.Path))
		iterID, err := r.Store.StartIteration(job.ID, i, prompt)
		if err != nil {
			return err
		}
		r.Bus.Emit(events.NewEvent(events.IterationStarted, job.ID).WithIteration(i))

		exitCode, collector, err := r.runIterationOnce(ctx, job, wt, prompt, sentinel, tally)
		if err != nil {
			return err
		}

		// One retry when the agent crashed without finishing.
		if exitCode != 0 && !collector.promiseDetected() {
			r.Bus.Emit(events.NewEvent(events.AgentRetried, job.ID).WithIteration(i))
			r.logSystem(job.ID, fmt.Sprintf("iteration %d: agent exited %d, retrying once", i, exitCode))
			exitCode, collector, err = r.runIterationOnce(ctx, job, wt, prompt, sentinel, tally)
			if err != nil {
				return err
			}
		}

		promise := collector.promiseDetected()
		if promise {
			r.Bus.Emit(events.NewEvent(events.PromiseDetected, job.ID).WithIteration(i))
		}

		if exitCode != 0 && !promise {
			errMsg := fmt.Sprintf("agent exited with code %d after retry", exitCode)
			_ = r.Store.FinishIteration(iterID, store.IterationResult{
				ExitCode: &exitCode,
				Error:    errMsg,
			})
			_ = r.Store.UpdateJobIteration(job.ID, i, i)
			r.Bus.Emit(events.NewEvent(events.IterationFailed, job.ID).WithIteration(i))
			reason = store.ReasonIterationError
			break
		}

		var feedbackText string
		if len(job.FeedbackCommands) > 0 {
			results := runFeedbackCommands(ctx, wt.Path, job.FeedbackCommands, r.Cfg.FeedbackTimeout)
			feedbackText = formatFeedback(i, results)
			if err := appendProgress(wt.Path, feedbackText); err != nil {
				r.logSystem(job.ID, "failed to append feedback results: "+err.Error())
			}
			r.Bus.Emit(events.NewEvent(events.FeedbackRan, job.ID).WithIteration(i))
		}

		summary := extractSummary(collector.text())
		entry := fmt.Sprintf("\n## Iteration %d\n\n%s\n", i, summary)
		if err := appendProgress(wt.Path, entry); err != nil {
			r.logSystem(job.ID, "failed to append iteration summary: "+err.Error())
		}

		if err := r.Store.FinishIteration(iterID, store.IterationResult{
			ExitCode:        &exitCode,
			PromiseDetected: promise,
			OutputSummary:   summary,
			FeedbackResults: feedbackText,
		}); err != nil {
			return err
		}
		if err := r.Store.UpdateJobIteration(job.ID, i, i); err != nil {
			return err
		}
		r.Bus.Emit(events.NewEvent(events.IterationCompleted, job.ID).WithIteration(i))

		if promise {
			reason = store.ReasonPromiseDetected
			break
		}
	}

	r.recordUsage(job, tally.sum())
	return r.publishResult(ctx, job, repo, wt, reason)
}

// runIterationOnce spawns the agent for a single pass and waits it out.
func (r *Runner) runIterationOnce(ctx context.Context, job *store.AgentJob, wt *gitx.Worktree, prompt, sentinel string, tally *usageTally) (int, *outputCollector, error) {
	collector := &outputCollector{
		sink:     r.messageSink(job.ID, store.MessageStdout),
		sentinel: sentinel,
	}

	proc, err := r.Agent.Start(ctx, agent.Options{
		Mode:     agent.ModePrint,
		Prompt:   prompt,
		WorkDir:  wt.Path,
		Binary:   r.Cfg.ClaudeBin,
		OnStdout: tally.tap(collector.onLine),
		OnStderr: r.messageSink(job.ID, store.MessageStderr),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to start agent: %w", err)
	}
	r.attachProcess(job, proc, wt)
	r.Bus.Emit(events.NewEvent(events.AgentInvoked, job.ID))

	code, err := proc.Wait()
	if err != nil {
		return 0, nil, err
	}
	r.Bus.Emit(events.NewEvent(events.AgentExited, job.ID).WithPayload(fmt.Sprintf("exit=%d", code)))
	return code, collector, nil
}
