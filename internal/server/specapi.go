package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/buildforge/foreman/internal/events"
	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

// decodeFeatureSpec parses the feature's stored spec output; a feature
// with no output yet decodes to nil.
func decodeFeatureSpec(feature *store.Feature) (*spec.Output, error) {
	if feature.SpecOutput == nil || *feature.SpecOutput == "" {
		return nil, nil
	}
	var out spec.Output
	if err := json.Unmarshal([]byte(*feature.SpecOutput), &out); err != nil {
		return nil, errBadRequest("feature %s has unreadable spec output: %v", feature.ID, err)
	}
	return &out, nil
}

// enqueueSpecJob creates a queued spec job for one phase of a feature's
// pipeline.
func (s *Server) enqueueSpecJob(feature *store.Feature, phase spec.Phase) (*store.AgentJob, error) {
	repo, err := s.clientRepository(feature.ClientID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errBadRequest("client %s has no repository to run against", feature.ClientID)
	}

	phaseName := string(phase)
	job := &store.AgentJob{
		ID:            ulid.Make().String(),
		ClientID:      feature.ClientID,
		FeatureID:     &feature.ID,
		RepositoryID:  &repo.ID,
		Title:         feature.Title,
		JobType:       store.JobTypeSpec,
		Status:        store.StatusQueued,
		TargetMachine: s.cfg.Machine,
		SpecPhase:     &phaseName,
	}
	if err := s.store.CreateJob(job); err != nil {
		return nil, err
	}
	s.bus.Emit(events.NewEvent(events.SpecPhaseEnqueued, job.ID).WithPayload(phaseName))
	s.nudgeQueue()
	return job, nil
}

func (s *Server) handleSpecStart(w http.ResponseWriter, r *http.Request) {
	feature, err := s.lookupFeature(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.enqueueSpecJob(feature, spec.PhaseConstitution)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleSpecPhase enqueues an arbitrary phase. The plan phase is gated
// on every clarification having an answer.
func (s *Server) handleSpecPhase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase string `json:"phase"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	job, err := s.runPhaseForFeature(r.PathValue("id"), req.Phase)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// runPhaseForFeature validates and enqueues one phase, shared between
// the HTTP route and the MCP run_phase tool.
func (s *Server) runPhaseForFeature(featureID, phaseName string) (*store.AgentJob, error) {
	feature, err := s.lookupFeature(featureID)
	if err != nil {
		return nil, err
	}
	phase, err := spec.ParsePhase(phaseName)
	if err != nil {
		return nil, errBadRequest("%s", err.Error())
	}

	if phase == spec.PhasePlan {
		out, err := decodeFeatureSpec(feature)
		if err != nil {
			return nil, err
		}
		if open := out.Unanswered(); len(open) > 0 {
			return nil, errBadRequest("plan phase is blocked by %d unanswered clarification(s)", len(open))
		}
	}
	return s.enqueueSpecJob(feature, phase)
}

func (s *Server) handleGetSpec(w http.ResponseWriter, r *http.Request) {
	feature, err := s.lookupFeature(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	out, err := decodeFeatureSpec(feature)
	if err != nil {
		writeErr(w, err)
		return
	}
	jobs, err := s.store.ListJobs(store.JobFilter{
		FeatureID: feature.ID,
		JobType:   store.JobTypeSpec,
		Limit:     10,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"specOutput":      out,
		"specPhase":       feature.SpecPhase,
		"stage":           feature.StageCode,
		"unansweredCount": len(out.Unanswered()),
		"jobs":            jobs,
	})
}

// handleAnswerClarification records a response. Answering the last open
// question advances the workflow stage and enqueues the plan phase.
func (s *Server) handleAnswerClarification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response string `json:"response"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	resp, err := s.answerClarification(r.PathValue("id"), r.PathValue("cid"), req.Response)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// answerClarification is shared between the HTTP route and the MCP
// answer_clarify tool.
func (s *Server) answerClarification(featureID, cid, response string) (map[string]any, error) {
	if response == "" {
		return nil, errBadRequest("response is required")
	}
	feature, err := s.lookupFeature(featureID)
	if err != nil {
		return nil, err
	}
	out, err := decodeFeatureSpec(feature)
	if err != nil {
		return nil, err
	}

	var answered *spec.Clarification
	if out != nil {
		for i := range out.Clarifications {
			c := &out.Clarifications[i]
			if c.ID == cid {
				now := time.Now().UTC()
				c.Response = response
				c.RespondedAt = &now
				answered = c
				break
			}
		}
	}
	if answered == nil {
		return nil, errNotFound("clarification %s not found on feature %s", cid, feature.ID)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetFeatureSpecState(feature.ID, string(out.Phase), string(raw)); err != nil {
		return nil, err
	}
	s.bus.Emit(events.NewEvent(events.SpecClarifyAnswered, "").WithPayload(cid))

	remaining := len(out.Unanswered())
	resp := map[string]any{
		"clarification": answered,
		"remaining":     remaining,
	}

	if remaining == 0 {
		if err := s.store.SetFeatureStage(feature.ID, spec.StageComplete(spec.PhaseClarify)); err != nil {
			return nil, err
		}
		job, err := s.enqueueSpecJob(feature, spec.PhasePlan)
		if err != nil {
			return nil, err
		}
		resp["planJob"] = job
	}
	return resp, nil
}

// handlePatchSpecOutput replaces one named section of the feature's
// spec output, leaving the rest intact.
func (s *Server) handlePatchSpecOutput(w http.ResponseWriter, r *http.Request) {
	feature, err := s.lookupFeature(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	var req struct {
		Section string          `json:"section"`
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	out, err := decodeFeatureSpec(feature)
	if err != nil {
		writeErr(w, err)
		return
	}
	if out == nil {
		out = &spec.Output{}
	}

	var target any
	switch req.Section {
	case "constitution":
		target = &out.Constitution
	case "spec":
		target = &out.Spec
	case "clarifications":
		target = &out.Clarifications
	case "plan":
		target = &out.Plan
	case "analysis":
		target = &out.Analysis
	case "tasks":
		target = &out.Tasks
	default:
		writeError(w, http.StatusBadRequest, "unknown spec output section %q", req.Section)
		return
	}
	if err := json.Unmarshal(req.Content, target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid %s content: %v", req.Section, err)
		return
	}

	raw, err := json.Marshal(out)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.SetFeatureSpecState(feature.ID, string(out.Phase), string(raw)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSpecPhases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"phases": spec.PhaseInfos()})
}

// handleGenerateTasks enqueues a PRD generation job that turns the
// feature description into a story breakdown.
func (s *Server) handleGenerateTasks(w http.ResponseWriter, r *http.Request) {
	feature, err := s.lookupFeature(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	repo, err := s.clientRepository(feature.ClientID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if repo == nil {
		writeError(w, http.StatusBadRequest, "client %s has no repository to run against", feature.ClientID)
		return
	}

	prompt := feature.Title
	if feature.Notes != nil && *feature.Notes != "" {
		prompt += "\n\n" + *feature.Notes
	}

	job := &store.AgentJob{
		ID:            ulid.Make().String(),
		ClientID:      feature.ClientID,
		FeatureID:     &feature.ID,
		RepositoryID:  &repo.ID,
		Prompt:        prompt,
		Title:         feature.Title,
		JobType:       store.JobTypePRDGeneration,
		Status:        store.StatusQueued,
		TargetMachine: s.cfg.Machine,
	}
	if err := s.store.CreateJob(job); err != nil {
		writeErr(w, err)
		return
	}
	s.nudgeQueue()
	writeJSON(w, http.StatusAccepted, job)
}
