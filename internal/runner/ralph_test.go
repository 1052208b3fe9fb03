package runner

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oklog/ulid/v2"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

func TestRunRalph_PromiseStopsLoop(t *testing.T) {
	env := newTestEnv(t)
	env.stubPublish()
	env.fake.Append(
		agent.FakeRun{StdoutLines: []string{"## Summary", "built half of it"}},
		agent.FakeRun{StdoutLines: []string{"## Summary", "finished", "RALPH_COMPLETE"}},
	)

	job := env.newJob(t, store.JobTypeRalph, func(j *store.AgentJob) {
		j.MaxIterations = 5
	})
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, store.ReasonPromiseDetected, *got.CompletionReason)
	assert.Equal(t, 2, got.CurrentIteration)

	iters, err := env.store.ListIterations(job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 2)
	assert.False(t, iters[0].PromiseDetected)
	assert.True(t, iters[1].PromiseDetected)
	require.NotNil(t, iters[0].OutputSummary)
	assert.Equal(t, "built half of it", *iters[0].OutputSummary)

	progress, err := os.ReadFile(env.worktreePath(job) + "/" + progressFileName)
	require.NoError(t, err)
	assert.Contains(t, string(progress), "## Iteration 1")
	assert.Contains(t, string(progress), "built half of it")
}

func TestRunRalph_MaxIterations(t *testing.T) {
	env := newTestEnv(t)
	env.stubPublish()
	env.fake.Append(agent.FakeRun{StdoutLines: []string{"still going"}})

	job := env.newJob(t, store.JobTypeRalph, func(j *store.AgentJob) {
		j.MaxIterations = 2
	})
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, store.ReasonMaxIterations, *got.CompletionReason)
	assert.Equal(t, 2, got.CurrentIteration)
}

func TestRunRalph_CustomPromise(t *testing.T) {
	env := newTestEnv(t)
	env.stubPublish()
	env.fake.Append(agent.FakeRun{StdoutLines: []string{"ALL_DONE_HERE"}})

	promise := "ALL_DONE_HERE"
	job := env.newJob(t, store.JobTypeRalph, func(j *store.AgentJob) {
		j.CompletionPromise = &promise
	})
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, store.ReasonPromiseDetected, *got.CompletionReason)
	assert.Equal(t, 1, got.CurrentIteration)
}

func TestRunRalph_RetriesCrashedIterationOnce(t *testing.T) {
	env := newTestEnv(t)
	env.stubPublish()
	env.fake.Append(
		agent.FakeRun{ExitCode: 1, StderrLines: []string{"crash"}},
		agent.FakeRun{StdoutLines: []string{"recovered", "RALPH_COMPLETE"}},
	)

	job := env.newJob(t, store.JobTypeRalph, nil)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, store.ReasonPromiseDetected, *got.CompletionReason)

	iters, err := env.store.ListIterations(job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 1)
	require.NotNil(t, iters[0].ExitCode)
	assert.Equal(t, 0, *iters[0].ExitCode)
}

func TestRunRalph_IterationErrorStillPublishes(t *testing.T) {
	env := newTestEnv(t)
	env.stubPublish()
	env.fake.Append(agent.FakeRun{ExitCode: 1, StderrLines: []string{"broken"}})

	job := env.newJob(t, store.JobTypeRalph, nil)
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, store.ReasonIterationError, *got.CompletionReason)
	// The partial work still went out as a PR.
	require.NotNil(t, got.PRURL)

	iters, err := env.store.ListIterations(job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 1)
	require.NotNil(t, iters[0].Error)
	assert.Contains(t, *iters[0].Error, "after retry")
}

func TestRunRalph_CancelledJobStopsBetweenIterations(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Append(agent.FakeRun{StdoutLines: []string{"working"}})

	job := env.newJob(t, store.JobTypeRalph, nil)
	cancelled, err := env.store.CancelJob(job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Zero(t, env.git.called("gh pr create"))
}

func TestRunRalph_FeedbackCommandsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.stubPublish()
	env.fake.Append(agent.FakeRun{StdoutLines: []string{"done", "RALPH_COMPLETE"}})

	job := env.newJob(t, store.JobTypeRalph, func(j *store.AgentJob) {
		j.FeedbackCommands = []string{"true", "exit 3"}
	})
	env.runner.Run(context.Background(), job)

	iters, err := env.store.ListIterations(job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 1)
	require.NotNil(t, iters[0].FeedbackResults)
	assert.Contains(t, *iters[0].FeedbackResults, "`true`: PASS")
	assert.Contains(t, *iters[0].FeedbackResults, "`exit 3`: FAIL (exit 3)")
}

func seedPRDFeature(t *testing.T, env *testEnv) *store.Feature {
	t.Helper()
	f := &store.Feature{
		ID:       ulid.Make().String(),
		ClientID: env.client.ID,
		Title:    "Checkout flow",
	}
	require.NoError(t, env.store.CreateFeature(f))
	return f
}

func twoStoryPRD() *store.PRD {
	return &store.PRD{
		Title:       "Checkout flow",
		Description: "Ship the checkout flow",
		Stories: []store.Story{
			{ID: 1, Title: "Add cart page", AcceptanceCriteria: []string{"cart renders"}},
			{ID: 2, Title: "Add payment form", AcceptanceCriteria: []string{"payment posts"}},
		},
	}
}

func markStoryPassing(t *testing.T, path string, id int) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var prd store.PRD
	require.NoError(t, json.Unmarshal(data, &prd))
	for i := range prd.Stories {
		if prd.Stories[i].ID == id {
			prd.Stories[i].Passes = true
		}
	}
	out, err := json.Marshal(&prd)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

func TestRunRalphPRD_CompletesStories(t *testing.T) {
	env := newTestEnv(t)
	env.stubPublish()
	env.git.on("git log --grep=story-1", "sha1\x00feat(story-1): Add cart page\x002026-08-01T10:00:00Z\n", nil)
	env.git.on("git log --grep=story-2", "sha2\x00feat(story-2): Add payment form\x002026-08-01T11:00:00Z\n", nil)

	feature := seedPRDFeature(t, env)
	job := env.newJob(t, store.JobTypeRalph, func(j *store.AgentJob) {
		j.PRDMode = true
		j.PRD = twoStoryPRD()
		j.FeatureID = &feature.ID
		j.MaxIterations = 5
	})

	prdFile := prdPath(env.worktreePath(job))
	hooked := &hookAgent{runs: []hookedRun{
		{hook: func() { markStoryPassing(t, prdFile, 1) }, lines: []string{"## Summary", "cart done"}},
		{hook: func() { markStoryPassing(t, prdFile, 2) }, lines: []string{"## Summary", "payment done", "<promise>COMPLETE</promise>"}},
	}}
	env.runner.Agent = hooked

	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, store.ReasonPromiseDetected, *got.CompletionReason)

	require.NotNil(t, got.PRDProgress)
	assert.ElementsMatch(t, []int{1, 2}, got.PRDProgress.CompletedStoryIDs)
	require.Len(t, got.PRDProgress.Commits, 2)
	assert.Equal(t, "sha1", got.PRDProgress.Commits[0].SHA)
	assert.Equal(t, "feat(story-1): Add cart page", got.PRDProgress.Commits[0].Message)

	require.NotNil(t, got.PRD)
	assert.True(t, got.PRD.AllPass())

	todos, err := env.store.ListTodos(feature.ID)
	require.NoError(t, err)
	require.Len(t, todos, 2)
	assert.Equal(t, "done", todos[0].Status)
	assert.Equal(t, "done", todos[1].Status)

	f, err := env.store.GetFeature(feature.ID)
	require.NoError(t, err)
	require.NotNil(t, f.StageCode)
	assert.Equal(t, spec.StageReadyForReview, *f.StageCode)

	iters, err := env.store.ListIterations(job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 2)
	require.NotNil(t, iters[0].StoryID)
	assert.Equal(t, 1, *iters[0].StoryID)
	require.NotNil(t, iters[1].StoryID)
	assert.Equal(t, 2, *iters[1].StoryID)

	// Progress was pushed each iteration, not only at the end.
	assert.GreaterOrEqual(t, env.git.called("git push -u origin"), 2)
}

func TestRunRalphPRD_AllStoriesAlreadyPassing(t *testing.T) {
	env := newTestEnv(t)
	env.stubPublish()

	prd := twoStoryPRD()
	prd.Stories[0].Passes = true
	prd.Stories[1].Passes = true

	job := env.newJob(t, store.JobTypeRalph, func(j *store.AgentJob) {
		j.PRDMode = true
		j.PRD = prd
	})
	env.runner.Agent = &hookAgent{}

	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, store.ReasonAllStories, *got.CompletionReason)

	iters, err := env.store.ListIterations(job.ID)
	require.NoError(t, err)
	assert.Empty(t, iters)
}

func TestRunRalphPRD_ReconcilesExistingFile(t *testing.T) {
	env := newTestEnv(t)
	env.stubPublish()
	env.git.on("git log --grep=story-2", "sha2\x00feat(story-2): Add payment form\x002026-08-01T11:00:00Z\n", nil)

	job := env.newJob(t, store.JobTypeRalph, func(j *store.AgentJob) {
		j.PRDMode = true
		j.PRD = twoStoryPRD()
		j.MaxIterations = 4
	})

	// A previous attempt left a prd.json with story 1 done.
	wt := env.worktreePath(job)
	require.NoError(t, os.MkdirAll(wt, 0o755))
	left := twoStoryPRD()
	left.Stories[0].Passes = true
	data, err := json.Marshal(left)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(prdPath(wt), data, 0o644))

	prdFile := prdPath(wt)
	env.runner.Agent = &hookAgent{runs: []hookedRun{
		{hook: func() { markStoryPassing(t, prdFile, 2) }, lines: []string{"<promise>COMPLETE</promise>"}},
	}}

	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.PRDProgress)
	assert.ElementsMatch(t, []int{1, 2}, got.PRDProgress.CompletedStoryIDs)
	// Only story 2 was completed this run, so only it has a commit.
	require.Len(t, got.PRDProgress.Commits, 1)
	assert.Equal(t, 2, got.PRDProgress.Commits[0].StoryID)

	iters, err := env.store.ListIterations(job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 1)
	require.NotNil(t, iters[0].StoryID)
	assert.Equal(t, 2, *iters[0].StoryID)
}

func TestRunRalphPRD_RejectsInvalidPRD(t *testing.T) {
	env := newTestEnv(t)
	job := env.newJob(t, store.JobTypeRalph, func(j *store.AgentJob) {
		j.PRDMode = true
		j.PRD = &store.PRD{Title: "broken"}
	})
	env.runner.Run(context.Background(), job)

	got, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
}
