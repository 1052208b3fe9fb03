package server

import (
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

func (s *Server) lookupClient(id string) (*store.Client, error) {
	client, err := s.store.GetClient(id)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errNotFound("client %s not found", id)
	}
	return client, nil
}

func (s *Server) lookupFeature(id string) (*store.Feature, error) {
	feature, err := s.store.GetFeature(id)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, errNotFound("feature %s not found", id)
	}
	return feature, nil
}

func (s *Server) lookupJob(id string) (*store.AgentJob, error) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errNotFound("job %s not found", id)
	}
	return job, nil
}

// clientRepository picks the client's first registered repository, or
// nil when none exists.
func (s *Server) clientRepository(clientID string) (*store.Repository, error) {
	repos, err := s.store.ListRepositories(clientID)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, nil
	}
	return repos[0], nil
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.lookupClient(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	repos, err := s.store.ListRepositories(client.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client":       client,
		"repositories": repos,
	})
}

func (s *Server) handleAttachRepository(w http.ResponseWriter, r *http.Request) {
	client, err := s.lookupClient(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	var req struct {
		GitHubOrg     string `json:"githubOrg"`
		GitHubRepo    string `json:"githubRepo"`
		DefaultBranch string `json:"defaultBranch"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.GitHubOrg == "" || req.GitHubRepo == "" {
		writeError(w, http.StatusBadRequest, "githubOrg and githubRepo are required")
		return
	}

	repo := &store.Repository{
		ID:            ulid.Make().String(),
		ClientID:      client.ID,
		GitHubOrg:     req.GitHubOrg,
		GitHubRepo:    req.GitHubRepo,
		DefaultBranch: req.DefaultBranch,
	}
	if err := s.store.CreateRepository(repo); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleGetConstitution(w http.ResponseWriter, r *http.Request) {
	client, err := s.lookupClient(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"constitution": client.Constitution,
		"generatedAt":  client.ConstitutionGeneratedAt,
	})
}

// handleRegenConstitution enqueues a client-scoped spec job that
// regenerates the constitution even when one already exists.
func (s *Server) handleRegenConstitution(w http.ResponseWriter, r *http.Request) {
	client, err := s.lookupClient(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	repo, err := s.clientRepository(client.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if repo == nil {
		writeError(w, http.StatusBadRequest, "client %s has no repository to run against", client.ID)
		return
	}

	phase := string(spec.PhaseConstitution)
	output := `{"forceRegenerate":true}`
	job := &store.AgentJob{
		ID:            ulid.Make().String(),
		ClientID:      client.ID,
		RepositoryID:  &repo.ID,
		Title:         client.Name + " constitution",
		JobType:       store.JobTypeSpec,
		Status:        store.StatusQueued,
		TargetMachine: s.cfg.Machine,
		SpecPhase:     &phase,
		SpecOutput:    &output,
	}
	if err := s.store.CreateJob(job); err != nil {
		writeErr(w, err)
		return
	}
	s.nudgeQueue()
	writeJSON(w, http.StatusAccepted, job)
}
