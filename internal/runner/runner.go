// Package runner executes admitted jobs: it prepares worktrees, drives
// the agent subprocess, and publishes results through git and the store.
package runner

import (
	"context"
	"fmt"
	"log"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/config"
	"github.com/buildforge/foreman/internal/events"
	"github.com/buildforge/foreman/internal/gitx"
	"github.com/buildforge/foreman/internal/sched"
	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

// Runner dispatches jobs to their type-specific execution path.
type Runner struct {
	Store   *store.Store
	Git     *gitx.Manager
	Agent   agent.Runner
	Bus     *events.Bus
	Cfg     *config.Config
	Handles *Handles

	// Judge and Improver drive the analyze phase. Either may be nil;
	// a nil judge passes every plan.
	Judge    spec.Judge
	Improver spec.Improver

	// Usage, when set, receives the token totals observed on each
	// job's stream output so the scheduler can retune its weights.
	Usage func(sched.UsageRecord)
}

// Run executes one claimed job to a terminal state. The job row is
// already status=running when Run is called.
func (r *Runner) Run(ctx context.Context, job *store.AgentJob) {
	r.Bus.Emit(events.NewEvent(events.JobDispatched, job.ID).WithPayload(string(job.JobType)))

	var err error
	switch {
	case job.JobType == store.JobTypeCode:
		err = r.runSingleShot(ctx, job, false)
	case job.JobType == store.JobTypeTask:
		err = r.runSingleShot(ctx, job, true)
	case job.JobType == store.JobTypeRalph && job.PRDMode:
		err = r.runRalphPRD(ctx, job)
	case job.JobType == store.JobTypeRalph:
		err = r.runRalph(ctx, job)
	case job.JobType == store.JobTypeSpec:
		err = r.runSpecPhase(ctx, job)
	case job.JobType == store.JobTypePRDGeneration:
		err = r.runPRDGeneration(ctx, job)
	default:
		err = fmt.Errorf("no runner for job type %q", job.JobType)
	}

	r.Handles.Remove(job.ID)

	if err != nil {
		log.Printf("job %s failed: %v", job.ID, err)
		if ferr := r.Store.FailJob(job.ID, nil, err.Error()); ferr != nil {
			log.Printf("job %s: failed to record failure: %v", job.ID, ferr)
		}
		r.Bus.Emit(events.NewEvent(events.JobFailed, job.ID).WithError(err))
		return
	}

	// A runner may have completed or cancelled the job itself; only
	// announce completion when the row is actually terminal.
	final, gerr := r.Store.GetJob(job.ID)
	if gerr == nil && final != nil && final.Status == store.StatusCompleted {
		r.Bus.Emit(events.NewEvent(events.JobCompleted, job.ID))
	}
}

// logSystem appends a system message to the job transcript, logging
// rather than failing when the write does not land.
func (r *Runner) logSystem(jobID, msg string) {
	if err := r.Store.AppendMessage(jobID, store.MessageSystem, msg); err != nil {
		log.Printf("job %s: failed to append system message: %v", jobID, err)
	}
}

// resolveRepository loads the job's repository row.
func (r *Runner) resolveRepository(job *store.AgentJob) (*store.Repository, error) {
	if job.RepositoryID == nil {
		return nil, fmt.Errorf("job %s has no repository", job.ID)
	}
	repo, err := r.Store.GetRepository(*job.RepositoryID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("repository %s not found", *job.RepositoryID)
	}
	return repo, nil
}

// prepareWorktree ensures the mirror is fresh and checks the job's
// branch out into a dedicated worktree.
func (r *Runner) prepareWorktree(ctx context.Context, job *store.AgentJob, repo *store.Repository) (*gitx.Worktree, error) {
	mirror, err := r.Git.EnsureMirror(ctx, repo.MirrorKey(), repo.URL)
	if err != nil {
		return nil, err
	}

	branch := job.BranchName
	if branch == "" {
		branch = gitx.BranchName("job", job.Title)
	}
	wt, err := r.Git.CreateWorktree(ctx, mirror, job.ID, branch, repo.DefaultBranch)
	if err != nil {
		return nil, err
	}

	r.Bus.Emit(events.NewEvent(events.WorktreeCreated, job.ID).WithPayload(wt.Path))
	return wt, nil
}
