package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

const (
	mcpServerName    = "foreman"
	mcpServerVersion = "1.0.0"
)

// mcpTool describes one callable tool for discovery.
type mcpTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

var mcpTools = []mcpTool{
	{
		Name:        "create_spec",
		Description: "Start the spec pipeline for a feature (enqueues the constitution phase)",
		InputSchema: objectSchema([]string{"featureId"}, map[string]any{
			"featureId": strProp("Feature to generate a spec for"),
		}),
	},
	{
		Name:        "get_job_status",
		Description: "Fetch one job's current status and results",
		InputSchema: objectSchema([]string{"jobId"}, map[string]any{
			"jobId": strProp("Job id"),
		}),
	},
	{
		Name:        "list_jobs",
		Description: "List jobs, optionally filtered by status and client",
		InputSchema: objectSchema(nil, map[string]any{
			"status":   strProp("Filter by job status"),
			"clientId": strProp("Filter by client"),
			"limit":    map[string]any{"type": "integer", "description": "Max rows"},
		}),
	},
	{
		Name:        "get_spec_output",
		Description: "Fetch a feature's accumulated spec output",
		InputSchema: objectSchema([]string{"featureId"}, map[string]any{
			"featureId": strProp("Feature id"),
		}),
	},
	{
		Name:        "answer_clarify",
		Description: "Answer one clarification question; the last answer unblocks the plan phase",
		InputSchema: objectSchema([]string{"featureId", "clarificationId", "response"}, map[string]any{
			"featureId":       strProp("Feature id"),
			"clarificationId": strProp("Clarification id"),
			"response":        strProp("Answer text"),
		}),
	},
	{
		Name:        "approve_spec",
		Description: "Mark a feature's spec approved and ready to implement",
		InputSchema: objectSchema([]string{"featureId"}, map[string]any{
			"featureId": strProp("Feature id"),
		}),
	},
	{
		Name:        "get_capacity",
		Description: "Report queue capacity on this machine",
		InputSchema: objectSchema(nil, map[string]any{}),
	},
	{
		Name:        "list_phases",
		Description: "List the spec pipeline phases and their gates",
		InputSchema: objectSchema(nil, map[string]any{}),
	},
	{
		Name:        "run_phase",
		Description: "Enqueue one spec phase for a feature",
		InputSchema: objectSchema([]string{"featureId", "phase"}, map[string]any{
			"featureId": strProp("Feature id"),
			"phase":     strProp("Phase name"),
		}),
	},
}

// mcpResource describes one readable resource for discovery.
type mcpResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var mcpResources = []mcpResource{
	{URI: "jobs://active", Name: "Active jobs", Description: "Jobs currently running on this machine"},
	{URI: "jobs://{id}", Name: "Job", Description: "One job by id"},
	{URI: "features://{id}/spec", Name: "Feature spec", Description: "A feature's accumulated spec output"},
	{URI: "phases://list", Name: "Spec phases", Description: "Static spec pipeline phase metadata"},
}

func (s *Server) handleMCPInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    mcpServerName,
		"version": mcpServerVersion,
		"capabilities": map[string]bool{
			"tools":     true,
			"resources": true,
		},
	})
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": mcpTools})
}

func (s *Server) handleMCPResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"resources": mcpResources})
}

// mcpToolArgs is the union of every tool's arguments.
type mcpToolArgs struct {
	FeatureID       string `json:"featureId"`
	ClientID        string `json:"clientId"`
	JobID           string `json:"jobId"`
	ClarificationID string `json:"clarificationId"`
	Response        string `json:"response"`
	Phase           string `json:"phase"`
	Status          string `json:"status"`
	Limit           int    `json:"limit"`
}

func (s *Server) handleMCPToolCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var args mcpToolArgs
	if r.ContentLength != 0 {
		if err := decodeBody(r, &args); err != nil {
			writeErr(w, err)
			return
		}
	}

	result, err := s.callTool(name, &args)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": uuid.NewString(),
		"tool":      name,
		"result":    result,
	})
}

func (s *Server) callTool(name string, args *mcpToolArgs) (any, error) {
	switch name {
	case "create_spec":
		feature, err := s.lookupFeature(args.FeatureID)
		if err != nil {
			return nil, err
		}
		return s.enqueueSpecJob(feature, spec.PhaseConstitution)

	case "get_job_status":
		return s.lookupJob(args.JobID)

	case "list_jobs":
		limit := args.Limit
		if limit <= 0 {
			limit = 50
		}
		return s.store.ListJobs(store.JobFilter{
			Status:   store.JobStatus(args.Status),
			ClientID: args.ClientID,
			Limit:    limit,
		})

	case "get_spec_output":
		feature, err := s.lookupFeature(args.FeatureID)
		if err != nil {
			return nil, err
		}
		out, err := decodeFeatureSpec(feature)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"specOutput":      out,
			"specPhase":       feature.SpecPhase,
			"stage":           feature.StageCode,
			"unansweredCount": len(out.Unanswered()),
		}, nil

	case "answer_clarify":
		return s.answerClarification(args.FeatureID, args.ClarificationID, args.Response)

	case "approve_spec":
		feature, err := s.lookupFeature(args.FeatureID)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetFeatureStage(feature.ID, spec.StageSpecComplete); err != nil {
			return nil, err
		}
		return map[string]any{"featureId": feature.ID, "stage": spec.StageSpecComplete}, nil

	case "get_capacity":
		status, err := s.queue.Status()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"maxConcurrent": status.MaxConcurrent,
			"running":       len(status.Running),
			"available":     status.MaxConcurrent - len(status.Running),
		}, nil

	case "list_phases":
		return spec.PhaseInfos(), nil

	case "run_phase":
		return s.runPhaseForFeature(args.FeatureID, args.Phase)

	default:
		return nil, errNotFound("unknown tool %q", name)
	}
}

// handleMCPResource resolves a resource URI of the form
// {type}/{id}[/{sub}] mapped onto the path.
func (s *Server) handleMCPResource(w http.ResponseWriter, r *http.Request) {
	rtype := r.PathValue("rtype")
	id := r.PathValue("id")
	sub := r.PathValue("sub")

	switch {
	case rtype == "jobs" && id == "active" && sub == "":
		jobs, err := s.store.ListJobs(store.JobFilter{
			Status:  store.StatusRunning,
			Machine: s.cfg.Machine,
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})

	case rtype == "jobs" && id != "" && sub == "":
		job, err := s.lookupJob(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)

	case rtype == "features" && id != "" && sub == "spec":
		feature, err := s.lookupFeature(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		out, err := decodeFeatureSpec(feature)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"specOutput": out,
			"specPhase":  feature.SpecPhase,
			"stage":      feature.StageCode,
		})

	case rtype == "phases" && (id == "list" || id == ""):
		writeJSON(w, http.StatusOK, map[string]any{"phases": spec.PhaseInfos()})

	default:
		writeError(w, http.StatusNotFound, "unknown resource %s/%s/%s", rtype, id, sub)
	}
}
