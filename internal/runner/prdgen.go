package runner

import (
	"context"
	"fmt"

	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

// runPRDGeneration turns a free-text request into a validated PRD on
// the job and its feature. Execution of the stories is a separate
// ralph job the caller enqueues once the PRD is reviewed.
func (r *Runner) runPRDGeneration(ctx context.Context, job *store.AgentJob) error {
	repo, err := r.resolveRepository(job)
	if err != nil {
		return err
	}
	wt, err := r.prepareWorktree(ctx, job, repo)
	if err != nil {
		return err
	}

	raw, code, err := r.runTextAgent(ctx, job, wt, buildPRDGenerationPrompt(job))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("agent exited with code %d during PRD generation", code)
	}

	prd, parseErr := decodePRD(raw)
	if parseErr != nil {
		r.logSystem(job.ID, "PRD output unparseable, attempting recovery: "+parseErr.Error())
		recovery := buildPRDGenerationPrompt(job) +
			"\n\nYour previous response could not be parsed. Re-emit ONLY the JSON payload, complete and valid. The tail of your previous response was:\n\n" +
			spec.Tail(raw, recoveryTailBytes)
		raw, code, err = r.runTextAgent(ctx, job, wt, recovery)
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("agent exited with code %d during PRD recovery", code)
		}
		prd, parseErr = decodePRD(raw)
		if parseErr != nil {
			return fmt.Errorf("PRD generation produced no valid document after recovery: %w", parseErr)
		}
	}

	if err := r.Store.UpdateJobPRD(job.ID, prd); err != nil {
		return err
	}
	if job.FeatureID != nil {
		if err := r.Store.SetFeaturePRD(*job.FeatureID, prd); err != nil {
			return err
		}
	}
	return r.Store.CompleteJob(job.ID, 0, "")
}

// decodePRD extracts and validates a PRD document from agent output.
func decodePRD(raw string) (*store.PRD, error) {
	candidate, err := spec.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var prd store.PRD
	if err := spec.ParseJSON(candidate, &prd); err != nil {
		return nil, err
	}
	if err := prd.Validate(); err != nil {
		return nil, err
	}
	return &prd, nil
}
