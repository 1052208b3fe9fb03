package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/events"
	"github.com/buildforge/foreman/internal/gitx"
	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

// recoveryTailBytes is how much of a malformed response gets echoed
// back into the recovery prompt.
const recoveryTailBytes = 15 * 1024

// runSpecPhase executes one phase of the spec pipeline and enqueues
// its successor. Each phase is its own job row so a crash resumes at
// phase granularity.
func (r *Runner) runSpecPhase(ctx context.Context, job *store.AgentJob) error {
	client, err := r.Store.GetClient(job.ClientID)
	if err != nil {
		return err
	}

	phase := spec.PhaseConstitution
	if job.SpecPhase != nil && *job.SpecPhase != "" {
		phase, err = spec.ParsePhase(*job.SpecPhase)
		if err != nil {
			return err
		}
	}

	// A feature-less spec job is a client-scoped constitution regen.
	if job.FeatureID == nil {
		if phase != spec.PhaseConstitution {
			return fmt.Errorf("spec job %s has no feature", job.ID)
		}
		return r.regenerateConstitution(ctx, job, client)
	}

	feature, err := r.Store.GetFeature(*job.FeatureID)
	if err != nil {
		return err
	}
	if feature == nil {
		return fmt.Errorf("feature %s not found", *job.FeatureID)
	}

	existing, err := decodeSpecOutput(feature.SpecOutput)
	if err != nil {
		return err
	}

	if err := r.Store.SetFeatureStage(feature.ID, spec.StageRunning(phase)); err != nil {
		return err
	}
	r.Bus.Emit(events.NewEvent(events.SpecPhaseStarted, job.ID).WithPayload(string(phase)))

	var parsed *spec.Output
	if phase == spec.PhaseConstitution && reusableConstitution(client, existing) {
		parsed = &spec.Output{Constitution: *client.Constitution}
		r.logSystem(job.ID, "reusing existing client constitution")
	} else {
		parsed, err = r.runPhaseAgent(ctx, job, feature, client, existing, phase)
		if err != nil {
			return err
		}
	}

	merged := spec.Merge(existing, phase, parsed)

	if phase == spec.PhaseAnalyze {
		return r.finishAnalyzePhase(ctx, job, feature, merged)
	}

	if phase == spec.PhaseConstitution && merged.Constitution != "" {
		if err := r.Store.SetClientConstitution(job.ClientID, merged.Constitution); err != nil {
			return err
		}
	}

	if err := r.persistSpecState(job, feature, phase, merged); err != nil {
		return err
	}

	// Clarify gates on human answers; the job completes and the answer
	// endpoint enqueues the plan phase once the last response lands.
	if phase == spec.PhaseClarify && len(merged.Unanswered()) > 0 {
		if err := r.Store.SetFeatureStage(feature.ID, spec.StageClarifyWaiting); err != nil {
			return err
		}
		r.Bus.Emit(events.NewEvent(events.SpecClarifyWaiting, job.ID).WithPayload(len(merged.Unanswered())))
		return r.Store.CompleteJob(job.ID, 0, "")
	}

	if err := r.Store.SetFeatureStage(feature.ID, spec.StageComplete(phase)); err != nil {
		return err
	}
	r.Bus.Emit(events.NewEvent(events.SpecPhaseCompleted, job.ID).WithPayload(string(phase)))

	if phase == spec.PhaseTasks {
		if err := r.Store.SetFeatureStage(feature.ID, spec.StageSpecComplete); err != nil {
			return err
		}
		return r.Store.CompleteJob(job.ID, 0, "")
	}

	if err := r.enqueueNextPhase(job, phase); err != nil {
		return err
	}
	return r.Store.CompleteJob(job.ID, 0, "")
}

// regenerateConstitution serves a spec job with no feature: generate a
// fresh constitution for the client, persist it, and stop without
// enqueueing a successor phase.
func (r *Runner) regenerateConstitution(ctx context.Context, job *store.AgentJob, client *store.Client) error {
	existing, err := decodeSpecOutput(job.SpecOutput)
	if err != nil {
		return err
	}

	name := job.ClientID
	if client != nil {
		name = client.Name
	}
	synthetic := &store.Feature{ClientID: job.ClientID, Title: name + " constitution"}

	var parsed *spec.Output
	if reusableConstitution(client, existing) {
		parsed = &spec.Output{Constitution: *client.Constitution}
		r.logSystem(job.ID, "reusing existing client constitution")
	} else {
		parsed, err = r.runPhaseAgent(ctx, job, synthetic, client, existing, spec.PhaseConstitution)
		if err != nil {
			return err
		}
	}

	merged := spec.Merge(existing, spec.PhaseConstitution, parsed)
	if merged.Constitution != "" {
		if err := r.Store.SetClientConstitution(job.ClientID, merged.Constitution); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode spec output: %w", err)
	}
	if err := r.Store.UpdateJobSpecState(job.ID, string(spec.PhaseConstitution), string(raw)); err != nil {
		return err
	}
	r.Bus.Emit(events.NewEvent(events.SpecPhaseCompleted, job.ID).WithPayload(string(spec.PhaseConstitution)))
	return r.Store.CompleteJob(job.ID, 0, "")
}

// runPhaseAgent runs the agent over the feature's worktree and parses
// the phase payload, with one recovery round on malformed output.
func (r *Runner) runPhaseAgent(ctx context.Context, job *store.AgentJob, feature *store.Feature, client *store.Client, existing *spec.Output, phase spec.Phase) (*spec.Output, error) {
	repo, err := r.resolveRepository(job)
	if err != nil {
		return nil, err
	}
	wt, err := r.prepareWorktree(ctx, job, repo)
	if err != nil {
		return nil, err
	}

	prompt := buildSpecPrompt(phase, feature, client, existing)
	raw, code, err := r.runTextAgent(ctx, job, wt, prompt)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("agent exited with code %d during %s phase", code, phase)
	}

	parsed, parseErr := decodePhasePayload(phase, raw)
	if parseErr == nil {
		return parsed, nil
	}

	r.logSystem(job.ID, fmt.Sprintf("%s phase output unparseable, attempting recovery: %v", phase, parseErr))
	tail := spec.Tail(raw, recoveryTailBytes)
	raw, code, err = r.runTextAgent(ctx, job, wt, buildRecoveryPrompt(phase, tail))
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("agent exited with code %d during %s recovery", code, phase)
	}

	parsed, parseErr = decodePhasePayload(phase, raw)
	if parseErr != nil {
		msg := fmt.Sprintf("%s phase produced no valid payload after recovery: %v", phase, parseErr)
		if spec.LikelyTruncated(raw) {
			msg += " (output appears truncated)"
		}
		return nil, fmt.Errorf("%s\noutput tail:\n%s", msg, spec.Tail(raw, recoveryTailBytes))
	}
	r.Bus.Emit(events.NewEvent(events.SpecParseRecovered, job.ID).WithPayload(string(phase)))
	return parsed, nil
}

// finishAnalyzePhase runs the judge loop over the merged document and
// either advances to tasks or parks the feature in analyze_failed.
func (r *Runner) finishAnalyzePhase(ctx context.Context, job *store.AgentJob, feature *store.Feature, merged *spec.Output) error {
	if doc := r.judgePlan(ctx, job, merged); doc != nil {
		merged.Analysis = doc
	}

	if err := r.persistSpecState(job, feature, spec.PhaseAnalyze, merged); err != nil {
		return err
	}

	if merged.Analysis == nil || !merged.Analysis.Passed {
		if err := r.Store.SetFeatureStage(feature.ID, spec.StageAnalyzeFailed); err != nil {
			return err
		}
		r.logSystem(job.ID, "analysis did not pass; pipeline halted for review")
		return r.Store.CompleteJob(job.ID, 0, "")
	}

	if err := r.Store.SetFeatureStage(feature.ID, spec.StageComplete(spec.PhaseAnalyze)); err != nil {
		return err
	}
	r.Bus.Emit(events.NewEvent(events.SpecPhaseCompleted, job.ID).WithPayload(string(spec.PhaseAnalyze)))

	if err := r.enqueueNextPhase(job, spec.PhaseAnalyze); err != nil {
		return err
	}
	return r.Store.CompleteJob(job.ID, 0, "")
}

// judgePlan evaluates the plan, auto-improving on failure up to the
// cap. A nil judge, or a judge error, yields a passing verdict so the
// pipeline is not wedged by evaluator outages.
func (r *Runner) judgePlan(ctx context.Context, job *store.AgentJob, out *spec.Output) *spec.AnalysisDoc {
	if r.Judge == nil {
		return nil
	}

	var result *spec.JudgeResult
	for i := 0; i < spec.MaxImproveIterations; i++ {
		res, err := r.Judge.Judge(ctx, out.Constitution, out.Spec, out.Plan)
		if err != nil {
			r.logSystem(job.ID, "judge error, accepting plan as-is: "+err.Error())
			return spec.AnalysisFromJudge(nil)
		}
		result = res
		r.Bus.Emit(events.NewEvent(events.SpecJudgeRan, job.ID).WithPayload(res.Passed))

		if res.Passed || r.Improver == nil {
			break
		}
		improved, err := r.Improver.Improve(ctx, out.Plan, res)
		if err != nil || improved == nil {
			r.logSystem(job.ID, "improver failed, keeping current plan")
			break
		}
		out.Plan = improved
		r.logSystem(job.ID, "Auto-improve succeeded")
		r.Bus.Emit(events.NewEvent(events.SpecImproveApplied, job.ID).WithIteration(i+1))
	}
	return spec.AnalysisFromJudge(result)
}

// persistSpecState writes the merged document onto both the feature
// and the job row.
func (r *Runner) persistSpecState(job *store.AgentJob, feature *store.Feature, phase spec.Phase, merged *spec.Output) error {
	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode spec output: %w", err)
	}
	if err := r.Store.SetFeatureSpecState(feature.ID, string(phase), string(raw)); err != nil {
		return err
	}
	return r.Store.UpdateJobSpecState(job.ID, string(phase), string(raw))
}

// enqueueNextPhase creates the successor phase's job row in the queue.
func (r *Runner) enqueueNextPhase(job *store.AgentJob, phase spec.Phase) error {
	next, ok := spec.NextPhase(phase)
	if !ok {
		return nil
	}
	nextStr := string(next)
	nj := &store.AgentJob{
		ID:            ulid.Make().String(),
		ClientID:      job.ClientID,
		FeatureID:     job.FeatureID,
		RepositoryID:  job.RepositoryID,
		BranchName:    job.BranchName,
		Title:         job.Title,
		JobType:       store.JobTypeSpec,
		Status:        store.StatusQueued,
		TargetMachine: job.TargetMachine,
		SpecPhase:     &nextStr,
	}
	if err := r.Store.CreateJob(nj); err != nil {
		return fmt.Errorf("failed to enqueue %s phase: %w", next, err)
	}
	r.Bus.Emit(events.NewEvent(events.SpecPhaseEnqueued, nj.ID).WithPayload(nextStr))
	return nil
}

// runTextAgent runs one text-mode agent pass and returns its collected
// output.
func (r *Runner) runTextAgent(ctx context.Context, job *store.AgentJob, wt *gitx.Worktree, prompt string) (string, int, error) {
	collector := &outputCollector{sink: r.messageSink(job.ID, store.MessageStdout)}

	proc, err := r.Agent.Start(ctx, agent.Options{
		Mode:     agent.ModeText,
		Prompt:   prompt,
		WorkDir:  wt.Path,
		Binary:   r.Cfg.ClaudeBin,
		OnStdout: collector.onLine,
		OnStderr: r.messageSink(job.ID, store.MessageStderr),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to start agent: %w", err)
	}
	r.attachProcess(job, proc, wt)
	r.Bus.Emit(events.NewEvent(events.AgentInvoked, job.ID))

	code, err := proc.Wait()
	if err != nil {
		return "", 0, err
	}
	r.Bus.Emit(events.NewEvent(events.AgentExited, job.ID).WithPayload(fmt.Sprintf("exit=%d", code)))
	return collector.text(), code, nil
}

// decodePhasePayload extracts, validates, and unmarshals one phase
// payload from raw agent output.
func decodePhasePayload(phase spec.Phase, raw string) (*spec.Output, error) {
	candidate, err := spec.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	payload := []byte(candidate)
	if !json.Valid(payload) {
		payload = []byte(spec.FixJSONString(candidate))
	}
	if err := spec.ValidatePayload(phase, payload); err != nil {
		return nil, err
	}
	var out spec.Output
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", phase, err)
	}
	return &out, nil
}

// decodeSpecOutput parses the accumulated document stored on a feature.
func decodeSpecOutput(raw *string) (*spec.Output, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var out spec.Output
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil, fmt.Errorf("failed to parse stored spec output: %w", err)
	}
	return &out, nil
}

func reusableConstitution(client *store.Client, existing *spec.Output) bool {
	if client == nil || client.Constitution == nil || *client.Constitution == "" {
		return false
	}
	return existing == nil || !existing.ForceRegenerate
}
