package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

func TestMCPInfoAndDiscovery(t *testing.T) {
	e := newEnv(t)

	var info map[string]any
	require.Equal(t, http.StatusOK, e.get("/mcp/info", &info))
	assert.Equal(t, "foreman", info["name"])

	var tools struct {
		Tools []mcpTool `json:"tools"`
	}
	require.Equal(t, http.StatusOK, e.get("/mcp/tools", &tools))
	require.Len(t, tools.Tools, 9)

	names := make(map[string]bool)
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"create_spec", "get_job_status", "list_jobs", "get_spec_output",
		"answer_clarify", "approve_spec", "get_capacity", "list_phases", "run_phase",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}

	var resources struct {
		Resources []mcpResource `json:"resources"`
	}
	require.Equal(t, http.StatusOK, e.get("/mcp/resources", &resources))
	assert.Len(t, resources.Resources, 4)
}

func TestMCPToolCall_CreateSpec(t *testing.T) {
	e := newEnv(t)
	client := e.seedClient("acme")
	e.seedRepo(client)
	feature := e.seedFeature(client, "")

	var resp struct {
		RequestID string          `json:"requestId"`
		Tool      string          `json:"tool"`
		Result    *store.AgentJob `json:"result"`
	}
	status := e.post("/mcp/tools/create_spec", map[string]string{"featureId": feature.ID}, &resp)
	require.Equal(t, http.StatusOK, status)

	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "create_spec", resp.Tool)
	require.NotNil(t, resp.Result)
	assert.Equal(t, store.JobTypeSpec, resp.Result.JobType)
	assert.Equal(t, "constitution", *resp.Result.SpecPhase)
}

func TestMCPToolCall_GetCapacity(t *testing.T) {
	e := newEnv(t)

	var resp struct {
		Result map[string]any `json:"result"`
	}
	require.Equal(t, http.StatusOK, e.post("/mcp/tools/get_capacity", nil, &resp))
	assert.Equal(t, float64(e.cfg.MaxConcurrentJobs), resp.Result["maxConcurrent"])
	assert.Equal(t, float64(0), resp.Result["running"])
}

func TestMCPToolCall_AnswerClarifyAndApprove(t *testing.T) {
	e := newEnv(t)
	client := e.seedClient("acme")
	e.seedRepo(client)
	feature := e.seedFeature(client, "")
	e.seedSpecState(feature, &spec.Output{
		Phase: spec.PhaseClarify,
		Clarifications: []spec.Clarification{
			{ID: "c1", Question: "Which provider?"},
		},
	})

	var resp struct {
		Result map[string]any `json:"result"`
	}
	status := e.post("/mcp/tools/answer_clarify", map[string]string{
		"featureId": feature.ID, "clarificationId": "c1", "response": "Stripe",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), resp.Result["remaining"])

	status = e.post("/mcp/tools/approve_spec", map[string]string{"featureId": feature.ID}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "spec_complete", resp.Result["stage"])

	stored, err := e.store.GetFeature(feature.ID)
	require.NoError(t, err)
	assert.Equal(t, "spec_complete", *stored.StageCode)
}

func TestMCPToolCall_ListJobsAndStatus(t *testing.T) {
	e := newEnv(t)
	client := e.seedClient("acme")
	e.seedRepo(client)

	var created store.AgentJob
	require.Equal(t, http.StatusCreated, e.post("/jobs", map[string]any{
		"clientId": client.ID, "jobType": "code", "prompt": "x",
	}, &created))

	var list struct {
		Result []*store.AgentJob `json:"result"`
	}
	require.Equal(t, http.StatusOK, e.post("/mcp/tools/list_jobs",
		map[string]any{"status": "queued"}, &list))
	require.Len(t, list.Result, 1)

	var one struct {
		Result *store.AgentJob `json:"result"`
	}
	require.Equal(t, http.StatusOK, e.post("/mcp/tools/get_job_status",
		map[string]string{"jobId": created.ID}, &one))
	assert.Equal(t, created.ID, one.Result.ID)

	status := e.post("/mcp/tools/get_job_status", map[string]string{"jobId": "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMCPToolCall_UnknownTool(t *testing.T) {
	e := newEnv(t)

	var body map[string]string
	status := e.post("/mcp/tools/frobnicate", map[string]string{}, &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body["error"], "unknown tool")
}

func TestMCPResources(t *testing.T) {
	e := newEnv(t)
	client := e.seedClient("acme")
	e.seedRepo(client)
	feature := e.seedFeature(client, "")
	e.seedSpecState(feature, &spec.Output{Phase: spec.PhaseSpecify, Constitution: "rules"})

	var created store.AgentJob
	require.Equal(t, http.StatusCreated, e.post("/jobs", map[string]any{
		"clientId": client.ID, "jobType": "code", "prompt": "x",
	}, &created))

	var active struct {
		Jobs []*store.AgentJob `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, e.get("/mcp/resources/jobs/active", &active))
	assert.Empty(t, active.Jobs, "nothing is running")

	var job store.AgentJob
	require.Equal(t, http.StatusOK, e.get("/mcp/resources/jobs/"+created.ID, &job))
	assert.Equal(t, created.ID, job.ID)

	var featureSpec struct {
		SpecOutput *spec.Output `json:"specOutput"`
	}
	require.Equal(t, http.StatusOK, e.get("/mcp/resources/features/"+feature.ID+"/spec", &featureSpec))
	require.NotNil(t, featureSpec.SpecOutput)
	assert.Equal(t, "rules", featureSpec.SpecOutput.Constitution)

	var phases struct {
		Phases []spec.PhaseInfo `json:"phases"`
	}
	require.Equal(t, http.StatusOK, e.get("/mcp/resources/phases/list", &phases))
	assert.Len(t, phases.Phases, 6)

	assert.Equal(t, http.StatusNotFound, e.get("/mcp/resources/widgets/x", nil))
}
