package server

import (
	"context"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/events"
)

// GitStatus reports whether the git binary is usable.
type GitStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
}

func probeGit(ctx context.Context) GitStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "--version").Output()
	if err != nil {
		return GitStatus{Available: false}
	}
	return GitStatus{Available: true, Version: strings.TrimSpace(string(out))}
}

type queueCounts struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"maxConcurrent"`
}

type healthResponse struct {
	Status       string           `json:"status"`
	Machine      string           `json:"machine"`
	Queue        queueCounts      `json:"queue"`
	Claude       agent.AuthStatus `json:"claude"`
	Git          GitStatus        `json:"git"`
	RecentEvents []events.Event   `json:"recentEvents,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Machine: s.cfg.Machine,
		Claude:  s.agentAuth(r.Context()),
		Git:     s.gitProbe(r.Context()),
	}

	status, err := s.queue.Status()
	if err != nil {
		resp.Status = "degraded"
	} else {
		resp.Queue = queueCounts{
			Running:       len(status.Running),
			Queued:        len(status.Queued),
			MaxConcurrent: status.MaxConcurrent,
		}
	}

	if !resp.Claude.Authenticated || !resp.Git.Available {
		resp.Status = "degraded"
	}
	if s.ring != nil {
		resp.RecentEvents = s.ring.Recent(20)
	}
	writeJSON(w, http.StatusOK, resp)
}
