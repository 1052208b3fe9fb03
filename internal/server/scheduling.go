package server

import (
	"net/http"
	"strconv"

	"github.com/buildforge/foreman/internal/sched"
)

type predictRequest struct {
	ClientID      string   `json:"clientId"`
	Description   string   `json:"description"`
	FilesToModify []string `json:"filesToModify"`
	TechStack     string   `json:"techStack"`
}

func (s *Server) handleSchedPredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	features := s.sched.Extract(req.ClientID, req.Description, req.FilesToModify, req.TechStack)
	prediction := s.sched.Predict(features)
	writeJSON(w, http.StatusOK, map[string]any{
		"features":   features,
		"prediction": prediction,
	})
}

func (s *Server) handleSchedSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		predictRequest
		JobID        string   `json:"jobId"`
		Dependencies []string `json:"dependencies"`
		Urgency      float64  `json:"urgency"`
		Tier         string   `json:"tier"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	job, err := s.lookupJob(req.JobID)
	if err != nil {
		writeErr(w, err)
		return
	}

	description := req.Description
	if description == "" {
		description = job.Prompt
	}
	features := s.sched.Extract(job.ClientID, description, req.FilesToModify, req.TechStack)
	prediction := s.sched.Predict(features)

	scheduling, err := s.sched.ScheduleJob(job.ID, features, prediction, req.Dependencies)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := map[string]any{
		"scheduling": scheduling,
		"features":   features,
		"prediction": prediction,
	}
	if req.Urgency > 0 || req.Tier != "" {
		urgency := req.Urgency
		if urgency == 0 {
			urgency = 1.0
		}
		tier := req.Tier
		if tier == "" {
			tier = "pro"
		}
		resp["priority"] = s.sched.SchedulePriority(features, prediction, urgency, tier)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSchedNext(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		limit = n
	}
	jobs, err := s.sched.GetNextJobs(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleSchedMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.GetPredictionMetrics())
}

func (s *Server) handleSchedUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID           string  `json:"jobId"`
		ClientID        string  `json:"clientId"`
		ComplexityScore float64 `json:"complexityScore"`
		FilesToModify   int     `json:"filesToModify"`
		Predicted       int     `json:"predicted"`
		Actual          int     `json:"actual"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Actual <= 0 {
		writeError(w, http.StatusBadRequest, "actual token count must be positive")
		return
	}

	s.sched.RecordActualUsage(sched.UsageRecord{
		JobID:           req.JobID,
		ClientID:        req.ClientID,
		ComplexityScore: req.ComplexityScore,
		FilesToModify:   req.FilesToModify,
		Predicted:       req.Predicted,
		Actual:          req.Actual,
	})
	writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

func (s *Server) handleSchedGetWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.ExportWeights())
}

func (s *Server) handleSchedPutWeights(w http.ResponseWriter, r *http.Request) {
	var weights sched.Weights
	if err := decodeBody(r, &weights); err != nil {
		writeErr(w, err)
		return
	}
	s.sched.ImportWeights(weights)
	writeJSON(w, http.StatusOK, weights)
}
