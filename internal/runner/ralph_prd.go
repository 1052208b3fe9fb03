package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/buildforge/foreman/internal/events"
	"github.com/buildforge/foreman/internal/gitx"
	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

// prdFileName is the plan of record the agent edits in the worktree.
const prdFileName = "prd.json"

func prdPath(worktree string) string {
	return filepath.Join(worktree, prdFileName)
}

func readPRDFile(worktree string) (*store.PRD, error) {
	data, err := os.ReadFile(prdPath(worktree))
	if err != nil {
		return nil, err
	}
	var prd store.PRD
	if err := json.Unmarshal(data, &prd); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", prdFileName, err)
	}
	return &prd, nil
}

func writePRDFile(worktree string, prd *store.PRD) error {
	data, err := json.MarshalIndent(prd, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", prdFileName, err)
	}
	if err := os.WriteFile(prdPath(worktree), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", prdFileName, err)
	}
	return nil
}

// setupPRDFile writes the job's PRD into the worktree. An existing
// file with the same title is the surviving state of a retried job:
// completed stories are reconciled from it instead of reset. A stale
// file from another job is overwritten.
func setupPRDFile(worktree string, job *store.AgentJob, progress *store.PRDProgress) (*store.PRD, error) {
	existing, err := readPRDFile(worktree)
	if err == nil && existing.Title == job.PRD.Title {
		for _, st := range existing.Stories {
			if st.Passes {
				progress.MarkCompleted(st.ID)
			}
		}
		return existing, nil
	}

	if err := writePRDFile(worktree, job.PRD); err != nil {
		return nil, err
	}
	return job.PRD, nil
}

// runRalphPRD is the per-story ralph variant: the agent works one
// story per iteration, flipping passes flags in prd.json as it goes.
func (r *Runner) runRalphPRD(ctx context.Context, job *store.AgentJob) error {
	if job.PRD == nil {
		return fmt.Errorf("prd_mode job %s has no prd", job.ID)
	}
	if err := job.PRD.Validate(); err != nil {
		return err
	}

	repo, err := r.resolveRepository(job)
	if err != nil {
		return err
	}
	wt, err := r.prepareWorktree(ctx, job, repo)
	if err != nil {
		return err
	}

	progress := job.PRDProgress
	if progress == nil {
		progress = &store.PRDProgress{}
	}

	prd, err := setupPRDFile(wt.Path, job, progress)
	if err != nil {
		return err
	}
	if err := initProgressFile(wt.Path, job, wt.Branch); err != nil {
		return err
	}
	if err := r.Store.UpdateJobPRDProgress(job.ID, progress); err != nil {
		return err
	}

	maxIter := job.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	tally := &usageTally{}

	reason := store.ReasonMaxIterations
	for i := 1; i <= maxIter; i++ {
		cur, err := r.Store.GetJob(job.ID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status == store.StatusCancelled {
			return nil
		}

		prd, err = readPRDFile(wt.Path)
		if err != nil {
			return err
		}
		story := prd.NextIncomplete()
		if story == nil {
			reason = store.ReasonAllStories
			break
		}

		prompt := buildPRDPrompt(job, story, i, readProgressFile(wt.Path))
		iterID, err := r.Store.StartIteration(job.ID, i, prompt)
		if err != nil {
			return err
		}
		r.Bus.Emit(events.NewEvent(events.IterationStarted, job.ID).WithIteration(i))

		exitCode, collector, err := r.runIterationOnce(ctx, job, wt, prompt, prdCompletionPromise, tally)
		if err != nil {
			return err
		}
		if exitCode != 0 && !collector.promiseDetected() {
			r.Bus.Emit(events.NewEvent(events.AgentRetried, job.ID).WithIteration(i))
			exitCode, collector, err = r.runIterationOnce(ctx, job, wt, prompt, prdCompletionPromise, tally)
			if err != nil {
				return err
			}
		}

		promise := collector.promiseDetected()

		if exitCode != 0 && !promise {
			errMsg := fmt.Sprintf("agent exited with code %d after retry", exitCode)
			_ = r.Store.FinishIteration(iterID, store.IterationResult{
				ExitCode: &exitCode,
				StoryID:  &story.ID,
				Error:    errMsg,
			})
			_ = r.Store.UpdateJobIteration(job.ID, i, i)
			r.Bus.Emit(events.NewEvent(events.IterationFailed, job.ID).WithIteration(i))
			reason = store.ReasonIterationError
			break
		}

		// Read back the plan and account for whatever the agent
		// finished, whether or not it stuck to one story.
		after, err := readPRDFile(wt.Path)
		if err != nil {
			return err
		}
		prd = after

		completedSHA := r.recordCompletedStories(ctx, job, wt, prd, progress)
		if err := r.Store.UpdateJobPRDProgress(job.ID, progress); err != nil {
			return err
		}

		// Push now so partial progress survives anything after this.
		if committed, err := r.Git.CommitAll(ctx, wt, fmt.Sprintf("chore: record story progress for %s", job.ID)); err == nil && committed {
			r.Bus.Emit(events.NewEvent(events.CommitCreated, job.ID))
		}
		if err := r.Git.PushBranch(ctx, wt); err != nil {
			r.logSystem(job.ID, "failed to push story progress: "+err.Error())
		} else {
			r.Bus.Emit(events.NewEvent(events.BranchPushed, job.ID).WithPayload(wt.Branch))
		}

		summary := extractSummary(collector.text())
		if err := r.Store.FinishIteration(iterID, store.IterationResult{
			ExitCode:        &exitCode,
			PromiseDetected: promise,
			OutputSummary:   summary,
			StoryID:         &story.ID,
			CommitSHA:       completedSHA,
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
	return r.finishPRDJob(ctx, job, repo, wt, reason)
}

// recordCompletedStories discovers commits for stories newly marked
// passing and syncs their todo rows. Returns the SHA of the last
// discovered commit, for the iteration row.
func (r *Runner) recordCompletedStories(ctx context.Context, job *store.AgentJob, wt *gitx.Worktree, prd *store.PRD, progress *store.PRDProgress) string {
	done := make(map[int]bool, len(progress.CompletedStoryIDs))
	for _, id := range progress.CompletedStoryIDs {
		done[id] = true
	}

	var lastSHA string
	for _, story := range prd.Stories {
		if !story.Passes || done[story.ID] {
			continue
		}

		sha, subject, when := "", "", wt.CreatedAt
		entries, err := r.Git.LogGrep(ctx, wt, fmt.Sprintf("story-%d", story.ID))
		if err == nil && len(entries) > 0 {
			sha, subject, when = entries[0].SHA, entries[0].Subject, entries[0].When
		} else if head, herr := r.Git.HeadSHA(ctx, wt); herr == nil {
			// Fall back to whatever the agent committed last.
			sha = head
		}

		if sha == "" {
			r.logSystem(job.ID, fmt.Sprintf("story %d marked passing but no commit found", story.ID))
		} else {
			progress.Commits = append(progress.Commits, store.StoryCommit{
				StoryID: story.ID, SHA: sha, Message: subject, Timestamp: when,
			})
			lastSHA = sha
		}

		progress.MarkCompleted(story.ID)
		progress.CurrentStoryID = story.ID
		r.Bus.Emit(events.NewEvent(events.StoryCompleted, job.ID).WithPayload(story.ID))

		if job.FeatureID != nil {
			if err := r.Store.SetTodoStatus(*job.FeatureID, story.ID-1, "done"); err != nil {
				log.Printf("job %s: failed to update todo for story %d: %v", job.ID, story.ID, err)
			}
		}
	}
	return lastSHA
}

// finishPRDJob syncs final state, publishes, and moves the feature to
// review.
func (r *Runner) finishPRDJob(ctx context.Context, job *store.AgentJob, repo *store.Repository, wt *gitx.Worktree, reason store.CompletionReason) error {
	final, err := readPRDFile(wt.Path)
	if err != nil {
		final = job.PRD
	}

	progress := &store.PRDProgress{}
	for _, story := range final.Stories {
		if story.Passes {
			progress.MarkCompleted(story.ID)
		}
	}
	if cur, err := r.Store.GetJob(job.ID); err == nil && cur != nil && cur.PRDProgress != nil {
		progress.Commits = cur.PRDProgress.Commits
		progress.CurrentStoryID = cur.PRDProgress.CurrentStoryID
	}
	if err := r.Store.UpdateJobPRD(job.ID, final); err != nil {
		return err
	}
	if err := r.Store.UpdateJobPRDProgress(job.ID, progress); err != nil {
		return err
	}

	if job.FeatureID != nil {
		if err := r.Store.SyncTodos(*job.FeatureID, final); err != nil {
			log.Printf("job %s: failed to sync todos: %v", job.ID, err)
		}
	}

	if err := r.publishResult(ctx, job, repo, wt, reason); err != nil {
		return err
	}

	// Only a published job moves the feature to review.
	if job.FeatureID != nil {
		cur, err := r.Store.GetJob(job.ID)
		if err == nil && cur != nil && cur.PRURL != nil {
			if err := r.Store.SetFeatureStage(*job.FeatureID, spec.StageReadyForReview); err != nil {
				log.Printf("job %s: failed to set feature stage: %v", job.ID, err)
			}
		}
	}
	return nil
}
