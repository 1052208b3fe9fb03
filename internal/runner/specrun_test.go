package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

func seedSpecFeature(t *testing.T, env *testEnv, out *spec.Output) *store.Feature {
	t.Helper()
	f := &store.Feature{
		ID:       ulid.Make().String(),
		ClientID: env.client.ID,
		Title:    "Search autocomplete",
	}
	if out != nil {
		raw, err := json.Marshal(out)
		require.NoError(t, err)
		s := string(raw)
		f.SpecOutput = &s
	}
	require.NoError(t, env.store.CreateFeature(f))
	return f
}

func newSpecJob(t *testing.T, env *testEnv, featureID string, phase spec.Phase) *store.AgentJob {
	t.Helper()
	return env.newJob(t, store.JobTypeSpec, func(j *store.AgentJob) {
		j.FeatureID = &featureID
		p := string(phase)
		j.SpecPhase = &p
	})
}

func queuedSpecJobs(t *testing.T, env *testEnv) []*store.AgentJob {
	t.Helper()
	jobs, err := env.store.ListJobs(store.JobFilter{
		ClientID: env.client.ID,
		JobType:  store.JobTypeSpec,
		Status:   store.StatusQueued,
	})
	require.NoError(t, err)
	return jobs
}

func TestRunSpecPhase_ConstitutionGeneratesAndEnqueues(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(agent.FakeRun{StdoutLines: []string{
		"Here it is:",
		"```json",
		`{"constitution": "prefer boring technology"}`,
		"```",
	}})

	feature := seedSpecFeature(t, env, nil)
	job := newSpecJob(t, env, feature.ID, spec.PhaseConstitution)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	client, err := env.store.GetClient(env.client.ID)
	require.NoError(t, err)
	require.NotNil(t, client.Constitution)
	assert.Equal(t, "prefer boring technology", *client.Constitution)

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	require.NotNil(t, f.StageCode)
	assert.Equal(t, "constitution_complete", *f.StageCode)
	require.NotNil(t, f.SpecOutput)
	stored, err := decodeSpecOutput(f.SpecOutput)
	require.NoError(t, err)
	assert.Equal(t, "prefer boring technology", stored.Constitution)

	queued := queuedSpecJobs(t, env)
	require.Len(t, queued, 1)
	require.NotNil(t, queued[0].SpecPhase)
	assert.Equal(t, string(spec.PhaseSpecify), *queued[0].SpecPhase)
	assert.Equal(t, feature.ID, *queued[0].FeatureID)
}

func TestRunSpecPhase_ConstitutionReusesExisting(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SetClientConstitution(env.client.ID, "keep modules small"))

	feature := seedSpecFeature(t, env, nil)
	job := newSpecJob(t, env, feature.ID, spec.PhaseConstitution)
	env.runner.Run(context.Background(), job)

	// No agent invocation: the stored constitution was reused.
	assert.Empty(t, env.fake.Calls())

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	stored, err := decodeSpecOutput(f.SpecOutput)
	require.NoError(t, err)
	assert.Equal(t, "keep modules small", stored.Constitution)

	require.Len(t, queuedSpecJobs(t, env), 1)
}

func TestRunSpecPhase_ParseRecovery(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(
		agent.FakeRun{StdoutLines: []string{"sorry, I forgot the payload"}},
		agent.FakeRun{StdoutLines: []string{
			"```json",
			`{"spec": {"overview": "autocomplete", "requirements": ["fast"], "acceptanceCriteria": ["p95 < 100ms"]}}`,
			"```",
		}},
	)

	feature := seedSpecFeature(t, env, &spec.Output{Constitution: "c"})
	job := newSpecJob(t, env, feature.ID, spec.PhaseSpecify)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	calls := env.fake.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "could not be parsed")

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	stored, err := decodeSpecOutput(f.SpecOutput)
	require.NoError(t, err)
	require.NotNil(t, stored.Spec)
	assert.Equal(t, "autocomplete", stored.Spec.Overview)
	// Earlier slices survive the merge.
	assert.Equal(t, "c", stored.Constitution)
}

func TestRunSpecPhase_UnparseableAfterRecoveryFails(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(agent.FakeRun{StdoutLines: []string{"no json here either"}})

	feature := seedSpecFeature(t, env, nil)
	job := newSpecJob(t, env, feature.ID, spec.PhaseSpecify)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "no valid payload after recovery")
	assert.Empty(t, queuedSpecJobs(t, env))
}

func TestRunSpecPhase_ClarifyGatesOnOpenQuestions(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(agent.FakeRun{StdoutLines: []string{
		"```json",
		`{"clarifications": [{"id": "CLR-001", "question": "Which locales must be supported?"}]}`,
		"```",
	}})

	feature := seedSpecFeature(t, env, &spec.Output{
		Spec: &spec.SpecDoc{Overview: "autocomplete"},
	})
	job := newSpecJob(t, env, feature.ID, spec.PhaseClarify)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	require.NotNil(t, f.StageCode)
	assert.Equal(t, spec.StageClarifyWaiting, *f.StageCode)

	// The plan phase waits for the answers; nothing enqueued.
	assert.Empty(t, queuedSpecJobs(t, env))
}

func TestRunSpecPhase_ClarifyWithNoQuestionsProceeds(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(agent.FakeRun{StdoutLines: []string{
		"```json",
		`{"clarifications": []}`,
		"```",
	}})

	feature := seedSpecFeature(t, env, &spec.Output{
		Spec: &spec.SpecDoc{Overview: "autocomplete"},
	})
	job := newSpecJob(t, env, feature.ID, spec.PhaseClarify)
	env.runner.Run(context.Background(), job)

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	require.NotNil(t, f.StageCode)
	assert.Equal(t, "clarify_complete", *f.StageCode)

	queued := queuedSpecJobs(t, env)
	require.Len(t, queued, 1)
	assert.Equal(t, string(spec.PhasePlan), *queued[0].SpecPhase)
}

type fakeJudge struct {
	results []*spec.JudgeResult
	calls   int
}

func (f *fakeJudge) Judge(ctx context.Context, constitution string, doc *spec.SpecDoc, plan *spec.PlanDoc) (*spec.JudgeResult, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i], nil
}

type fakeImprover struct {
	calls int
}

func (f *fakeImprover) Improve(ctx context.Context, plan *spec.PlanDoc, result *spec.JudgeResult) (*spec.PlanDoc, error) {
	f.calls++
	improved := *plan
	improved.TechDecisions = append(improved.TechDecisions, "improved")
	return &improved, nil
}

func analyzePayloadRun() agent.FakeRun {
	return agent.FakeRun{StdoutLines: []string{
		"```json",
		`{"analysis": {"passed": true, "issues": [], "suggestions": [], "existingPatterns": []}}`,
		"```",
	}}
}

func TestRunSpecPhase_AnalyzeImprovesUntilJudgePasses(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(analyzePayloadRun())

	judge := &fakeJudge{results: []*spec.JudgeResult{
		{Passed: false, Criteria: []string{"missing caching"}, Improvements: []string{"add cache"}},
		{Passed: true},
	}}
	improver := &fakeImprover{}
	env.runner.Judge = judge
	env.runner.Improver = improver

	feature := seedSpecFeature(t, env, &spec.Output{
		Constitution: "c",
		Spec:         &spec.SpecDoc{Overview: "autocomplete"},
		Plan:         &spec.PlanDoc{Architecture: "trie service"},
	})
	job := newSpecJob(t, env, feature.ID, spec.PhaseAnalyze)
	env.runner.Run(context.Background(), job)

	assert.Equal(t, 2, judge.calls)
	assert.Equal(t, 1, improver.calls)

	msgs, err := env.store.ListMessages(job.ID, 0)
	require.NoError(t, err)
	var improveLogged bool
	for _, m := range msgs {
		if m.Type == store.MessageSystem && m.Content == "Auto-improve succeeded" {
			improveLogged = true
		}
	}
	assert.True(t, improveLogged, "transcript should record the successful improve")

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	require.NotNil(t, f.StageCode)
	assert.Equal(t, "analyze_complete", *f.StageCode)

	stored, err := decodeSpecOutput(f.SpecOutput)
	require.NoError(t, err)
	require.NotNil(t, stored.Analysis)
	assert.True(t, stored.Analysis.Passed)
	require.NotNil(t, stored.Plan)
	assert.Contains(t, stored.Plan.TechDecisions, "improved")

	queued := queuedSpecJobs(t, env)
	require.Len(t, queued, 1)
	assert.Equal(t, string(spec.PhaseTasks), *queued[0].SpecPhase)
}

func TestRunSpecPhase_AnalyzeFailureHaltsPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(analyzePayloadRun())

	env.runner.Judge = &fakeJudge{results: []*spec.JudgeResult{
		{Passed: false, Criteria: []string{"plan ignores the spec"}},
	}}

	feature := seedSpecFeature(t, env, &spec.Output{
		Spec: &spec.SpecDoc{Overview: "autocomplete"},
		Plan: &spec.PlanDoc{Architecture: "trie service"},
	})
	job := newSpecJob(t, env, feature.ID, spec.PhaseAnalyze)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	require.NotNil(t, f.StageCode)
	assert.Equal(t, spec.StageAnalyzeFailed, *f.StageCode)

	stored, err := decodeSpecOutput(f.SpecOutput)
	require.NoError(t, err)
	require.NotNil(t, stored.Analysis)
	assert.False(t, stored.Analysis.Passed)
	assert.Contains(t, stored.Analysis.Issues, "plan ignores the spec")

	assert.Empty(t, queuedSpecJobs(t, env))
}

func TestRunSpecPhase_TasksCompletesPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(agent.FakeRun{StdoutLines: []string{
		"```json",
		`{"tasks": [{"id": "T1", "title": "Build the trie", "files": ["trie.go"]}]}`,
		"```",
	}})

	feature := seedSpecFeature(t, env, &spec.Output{
		Spec: &spec.SpecDoc{Overview: "autocomplete"},
		Plan: &spec.PlanDoc{Architecture: "trie service"},
	})
	job := newSpecJob(t, env, feature.ID, spec.PhaseTasks)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	require.NotNil(t, f.StageCode)
	assert.Equal(t, spec.StageSpecComplete, *f.StageCode)

	stored, err := decodeSpecOutput(f.SpecOutput)
	require.NoError(t, err)
	require.Len(t, stored.Tasks, 1)
	assert.Equal(t, "T1", stored.Tasks[0].ID)

	// Tasks is terminal; nothing to enqueue.
	assert.Empty(t, queuedSpecJobs(t, env))
}

func TestRunSpecPhase_SchemaRejection(t *testing.T) {
	env := newTestEnv(t)
	// Valid JSON, wrong shape for the phase, both rounds.
	env.fake.Append(agent.FakeRun{StdoutLines: []string{
		"```json",
		`{"plan": {"architecture": "oops"}}`,
		"```",
	}})

	feature := seedSpecFeature(t, env, nil)
	job := newSpecJob(t, env, feature.ID, spec.PhaseSpecify)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
}

func TestRunPRDGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(agent.FakeRun{StdoutLines: []string{
		"```json",
		`{"title": "Checkout", "description": "d", "stories": [{"id": 1, "title": "Cart", "passes": false}]}`,
		"```",
	}})

	feature := seedSpecFeature(t, env, nil)
	job := env.newJob(t, store.JobTypePRDGeneration, func(j *store.AgentJob) {
		j.FeatureID = &feature.ID
	})
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.PRD)
	assert.Equal(t, "Checkout", got.PRD.Title)
	require.Len(t, got.PRD.Stories, 1)
	assert.False(t, got.PRD.Stories[0].Passes)

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	require.NotNil(t, f.PRD)
	assert.Equal(t, "Checkout", f.PRD.Title)
}

func TestRunPRDGeneration_RecoversFromBadOutput(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(
		agent.FakeRun{StdoutLines: []string{"not a document"}},
		agent.FakeRun{StdoutLines: []string{
			`{"title": "Checkout", "description": "d", "stories": [{"id": 1, "title": "Cart"}]}`,
		}},
	)

	job := env.newJob(t, store.JobTypePRDGeneration, nil)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.PRD)

	calls := env.fake.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "could not be parsed")
}

func TestRunSpecPhase_FeatureLessConstitutionRegen(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SetClientConstitution(env.client.ID, "old rules"))
	env.fake.Append(agent.FakeRun{StdoutLines: []string{
		"```json",
		`{"constitution": "new rules"}`,
		"```",
	}})

	force, err := json.Marshal(&spec.Output{ForceRegenerate: true})
	require.NoError(t, err)
	job := env.newJob(t, store.JobTypeSpec, func(j *store.AgentJob) {
		p := string(spec.PhaseConstitution)
		j.SpecPhase = &p
		s := string(force)
		j.SpecOutput = &s
	})
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	client, err := env.store.GetClient(env.client.ID)
	require.NoError(t, err)
	require.NotNil(t, client.Constitution)
	assert.Equal(t, "new rules", *client.Constitution)

	// Client-scoped regen terminates the pipeline.
	assert.Empty(t, queuedSpecJobs(t, env))
}

func TestDecodePhasePayload_FixesBareNewlines(t *testing.T) {
	raw := "```json\n{\"constitution\": \"line one\nline two\"}\n```"
	out, err := decodePhasePayload(spec.PhaseConstitution, raw)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", out.Constitution)
}
