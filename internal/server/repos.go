package server

import (
	"net/http"

	"github.com/buildforge/foreman/internal/store"
)

// handleSync refreshes the bare mirror of every registered repository.
// Per-repo failures are reported, not fatal.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients()
	if err != nil {
		writeErr(w, err)
		return
	}

	synced := 0
	failures := map[string]string{}
	for _, client := range clients {
		repos, err := s.store.ListRepositories(client.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		for _, repo := range repos {
			if _, err := s.git.EnsureMirror(r.Context(), repo.MirrorKey(), repo.URL); err != nil {
				failures[repo.Slug()] = err.Error()
				continue
			}
			synced++
		}
	}

	resp := map[string]any{"synced": synced}
	if len(failures) > 0 {
		resp["failures"] = failures
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloneByName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GitHubOrg  string `json:"githubOrg"`
		GitHubRepo string `json:"githubRepo"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.GitHubOrg == "" || req.GitHubRepo == "" {
		writeError(w, http.StatusBadRequest, "githubOrg and githubRepo are required")
		return
	}

	repo, err := s.store.FindRepository(req.GitHubOrg, req.GitHubRepo)
	if err != nil {
		writeErr(w, err)
		return
	}
	if repo == nil {
		writeError(w, http.StatusNotFound, "repository %s/%s is not registered", req.GitHubOrg, req.GitHubRepo)
		return
	}
	s.cloneRepo(w, r, repo)
}

func (s *Server) handleCloneByID(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if repo == nil {
		writeError(w, http.StatusNotFound, "repository %s not found", r.PathValue("id"))
		return
	}
	s.cloneRepo(w, r, repo)
}

func (s *Server) cloneRepo(w http.ResponseWriter, r *http.Request, repo *store.Repository) {
	path, err := s.git.EnsureMirror(r.Context(), repo.MirrorKey(), repo.URL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"repository": repo,
		"mirrorPath": path,
	})
}
