package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/buildforge/foreman/internal/gitx"
	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

// branchPrefixes maps feature types to branch name prefixes.
var branchPrefixes = map[string]string{
	"feature":  "feature",
	"fix":      "fix",
	"chore":    "chore",
	"cosmetic": "style",
}

func branchPrefix(featureType *string) (string, error) {
	if featureType == nil || *featureType == "" {
		return "feature", nil
	}
	prefix, ok := branchPrefixes[*featureType]
	if !ok {
		return "", errBadRequest("unknown feature type %q", *featureType)
	}
	return prefix, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		ClientID:  q.Get("clientId"),
		FeatureID: q.Get("featureId"),
		Status:    store.JobStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset %q", v)
			return
		}
		filter.Offset = n
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	jobs, err := s.store.ListJobs(filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := map[string]any{"job": job}

	if client, err := s.store.GetClient(job.ClientID); err == nil && client != nil {
		resp["client"] = client
	}
	if job.FeatureID != nil {
		if feature, err := s.store.GetFeature(*job.FeatureID); err == nil && feature != nil {
			resp["feature"] = feature
		}
	}
	if job.RepositoryID != nil {
		if repo, err := s.store.GetRepository(*job.RepositoryID); err == nil && repo != nil {
			resp["repository"] = repo
		}
	}
	if r.URL.Query().Get("includeMessages") == "true" {
		messages, err := s.store.ListMessages(job.ID, 0)
		if err != nil {
			writeErr(w, err)
			return
		}
		resp["messages"] = messages
	}
	writeJSON(w, http.StatusOK, resp)
}

type createJobRequest struct {
	ClientID              string     `json:"clientId"`
	FeatureID             string     `json:"featureId"`
	RepositoryID          string     `json:"repositoryId"`
	GitHubOrg             string     `json:"githubOrg"`
	GitHubRepo            string     `json:"githubRepo"`
	Prompt                string     `json:"prompt"`
	BranchName            string     `json:"branchName"`
	Title                 string     `json:"title"`
	JobType               string     `json:"jobType"`
	CreatedByTeamMemberID string     `json:"createdByTeamMemberId"`
	MaxIterations         *int       `json:"maxIterations"`
	CompletionPromise     string     `json:"completionPromise"`
	FeedbackCommands      []string   `json:"feedbackCommands"`
	PRDMode               bool       `json:"prdMode"`
	PRD                   *store.PRD `json:"prd"`
	SpecMode              bool       `json:"specMode"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	job, err := s.buildJob(&req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.CreateJob(job); err != nil {
		writeErr(w, err)
		return
	}
	s.nudgeQueue()
	writeJSON(w, http.StatusCreated, job)
}

// buildJob validates a create request and resolves its references into
// a queued job row.
func (s *Server) buildJob(req *createJobRequest) (*store.AgentJob, error) {
	jobType := store.JobType(req.JobType)
	if !store.ValidJobType(jobType) {
		return nil, errBadRequest("unknown job type %q", req.JobType)
	}

	var feature *store.Feature
	if req.FeatureID != "" {
		var err error
		feature, err = s.lookupFeature(req.FeatureID)
		if err != nil {
			return nil, err
		}
	}

	clientID := req.ClientID
	if clientID == "" && feature != nil {
		clientID = feature.ClientID
	}
	if clientID == "" {
		return nil, errBadRequest("clientId or featureId is required")
	}
	if _, err := s.lookupClient(clientID); err != nil {
		return nil, err
	}

	repo, err := s.resolveJobRepository(req, clientID)
	if err != nil {
		return nil, err
	}

	if req.MaxIterations != nil && (*req.MaxIterations < 1 || *req.MaxIterations > 100) {
		return nil, errBadRequest("maxIterations must be between 1 and 100, got %d", *req.MaxIterations)
	}

	title := req.Title
	if title == "" && feature != nil {
		title = feature.Title
	}
	if title == "" {
		title = "agent job"
	}

	branch := req.BranchName
	if branch == "" {
		var featureType *string
		if feature != nil {
			featureType = feature.FeatureType
		}
		prefix, err := branchPrefix(featureType)
		if err != nil {
			return nil, err
		}
		branch = gitx.BranchName(prefix, title)
	}

	prd, err := s.resolvePRD(req, feature)
	if err != nil {
		return nil, err
	}

	job := &store.AgentJob{
		ID:            ulid.Make().String(),
		ClientID:      clientID,
		Prompt:        req.Prompt,
		BranchName:    branch,
		Title:         title,
		JobType:       jobType,
		Status:        store.StatusQueued,
		TargetMachine: s.cfg.Machine,
		PRDMode:       req.PRDMode,
		PRD:           prd,
	}
	if feature != nil {
		job.FeatureID = &feature.ID
	}
	if repo != nil {
		job.RepositoryID = &repo.ID
	}
	if req.CreatedByTeamMemberID != "" {
		job.CreatedBy = &req.CreatedByTeamMemberID
	}
	if req.MaxIterations != nil {
		job.MaxIterations = *req.MaxIterations
	}
	if req.CompletionPromise != "" {
		job.CompletionPromise = &req.CompletionPromise
	}
	job.FeedbackCommands = req.FeedbackCommands
	return job, nil
}

// resolveJobRepository picks the repository for a new job: an explicit
// id, then an owner/name pair, then the client's first repository.
func (s *Server) resolveJobRepository(req *createJobRequest, clientID string) (*store.Repository, error) {
	if req.RepositoryID != "" {
		repo, err := s.store.GetRepository(req.RepositoryID)
		if err != nil {
			return nil, err
		}
		if repo == nil {
			return nil, errNotFound("repository %s not found", req.RepositoryID)
		}
		return repo, nil
	}
	if req.GitHubOrg != "" && req.GitHubRepo != "" {
		repo, err := s.store.FindRepository(req.GitHubOrg, req.GitHubRepo)
		if err != nil {
			return nil, err
		}
		if repo == nil {
			return nil, errNotFound("repository %s/%s is not registered", req.GitHubOrg, req.GitHubRepo)
		}
		return repo, nil
	}
	return s.clientRepository(clientID)
}

// resolvePRD validates the PRD for PRD-mode jobs. specMode synthesizes
// one from the feature's task breakdown instead of taking it verbatim.
func (s *Server) resolvePRD(req *createJobRequest, feature *store.Feature) (*store.PRD, error) {
	if !req.PRDMode {
		return nil, nil
	}

	var prd *store.PRD
	if req.SpecMode {
		if feature == nil {
			return nil, errBadRequest("specMode requires a featureId")
		}
		var err error
		prd, err = prdFromSpecOutput(feature)
		if err != nil {
			return nil, err
		}
	} else {
		prd = req.PRD
	}

	if err := prd.Validate(); err != nil {
		return nil, errBadRequest("invalid prd: %v", err)
	}
	return prd, nil
}

// prdFromSpecOutput turns the feature's stored task breakdown into a
// PRD: one story per task, acceptance criteria from the task text.
func prdFromSpecOutput(feature *store.Feature) (*store.PRD, error) {
	if feature.SpecOutput == nil || *feature.SpecOutput == "" {
		return nil, errBadRequest("feature %s has no spec output", feature.ID)
	}
	var out spec.Output
	if err := json.Unmarshal([]byte(*feature.SpecOutput), &out); err != nil {
		return nil, errBadRequest("feature %s has unreadable spec output: %v", feature.ID, err)
	}
	if len(out.Tasks) == 0 {
		return nil, errBadRequest("feature %s has no task breakdown to build a PRD from", feature.ID)
	}

	prd := &store.PRD{Title: feature.Title}
	if out.Spec != nil {
		prd.Description = out.Spec.Overview
	}
	for i, task := range out.Tasks {
		story := store.Story{
			ID:          i + 1,
			Title:       task.Title,
			Description: task.Description,
		}
		if len(task.Files) > 0 {
			story.AcceptanceCriteria = append(story.AcceptanceCriteria,
				fmt.Sprintf("Changes are confined to: %v", task.Files))
		}
		prd.Stories = append(prd.Stories, story)
	}
	return prd, nil
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	cancelled, err := s.queue.Cancel(r.Context(), job.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "cancelled": cancelled})
}

// handleRetryJob copies a job into a fresh queued row on a suffixed
// branch, leaving the original untouched.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	retry := &store.AgentJob{
		ID:                ulid.Make().String(),
		ClientID:          job.ClientID,
		FeatureID:         job.FeatureID,
		RepositoryID:      job.RepositoryID,
		Prompt:            job.Prompt,
		BranchName:        fmt.Sprintf("%s-retry-%d", job.BranchName, time.Now().Unix()),
		Title:             job.Title,
		JobType:           job.JobType,
		Status:            store.StatusQueued,
		TargetMachine:     s.cfg.Machine,
		CreatedBy:         job.CreatedBy,
		MaxIterations:     job.MaxIterations,
		CompletionPromise: job.CompletionPromise,
		FeedbackCommands:  job.FeedbackCommands,
		PRDMode:           job.PRDMode,
		PRD:               job.PRD,
		SpecPhase:         job.SpecPhase,
		SpecOutput:        job.SpecOutput,
	}
	if err := s.store.CreateJob(retry); err != nil {
		writeErr(w, err)
		return
	}
	s.nudgeQueue()
	writeJSON(w, http.StatusCreated, retry)
}

func (s *Server) handleJobMessage(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := s.queue.Send(job.ID, req.Message); err != nil {
		writeError(w, http.StatusConflict, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "sent": true})
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.queue.End(job.ID); err != nil {
		writeError(w, http.StatusConflict, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "completing": true})
}

func (s *Server) handleJobIterations(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	iterations, err := s.store.ListIterations(job.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"iterations": iterations})
}

// handleJobStop marks a ralph job cancelled without killing the
// subprocess; the loop notices between iterations and winds down.
func (s *Server) handleJobStop(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.JobType != store.JobTypeRalph {
		writeError(w, http.StatusBadRequest, "stop applies to ralph jobs only, job %s is %s", job.ID, job.JobType)
		return
	}
	stopped, err := s.store.CancelJob(job.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "stopped": stopped})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.Status()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
