// Package server exposes the orchestrator over HTTP: the job and spec
// pipeline API, the queue view, the MCP transport, and the scheduling
// surface. All routes except /health require bearer-token auth.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/config"
	"github.com/buildforge/foreman/internal/events"
	"github.com/buildforge/foreman/internal/gitx"
	"github.com/buildforge/foreman/internal/queue"
	"github.com/buildforge/foreman/internal/sched"
	"github.com/buildforge/foreman/internal/store"
)

// Server is the HTTP front end. Start is non-blocking; Stop drains
// in-flight requests.
type Server struct {
	cfg   *config.Config
	store *store.Store
	queue *queue.Controller
	sched *sched.Scheduler
	git   *gitx.Manager
	bus   *events.Bus
	ring  *events.Ring

	// Probes behind /health, replaceable in tests.
	agentAuth func(ctx context.Context) agent.AuthStatus
	gitProbe  func(ctx context.Context) GitStatus

	httpServer *http.Server
	listener   net.Listener
	addr       string
}

// New wires the server against its collaborators.
func New(cfg *config.Config, st *store.Store, q *queue.Controller, sc *sched.Scheduler, git *gitx.Manager, bus *events.Bus, ring *events.Ring) *Server {
	s := &Server{
		cfg:   cfg,
		store: st,
		queue: q,
		sched: sc,
		git:   git,
		bus:   bus,
		ring:  ring,
	}
	s.agentAuth = func(ctx context.Context) agent.AuthStatus {
		return agent.CheckAuth(ctx, cfg.ClaudeBin)
	}
	s.gitProbe = probeGit
	return s
}

// Handler builds the full route table wrapped in auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /clients", s.handleListClients)
	mux.HandleFunc("GET /clients/{id}", s.handleGetClient)
	mux.HandleFunc("POST /clients/{id}/repository", s.handleAttachRepository)
	mux.HandleFunc("GET /clients/{id}/constitution", s.handleGetConstitution)
	mux.HandleFunc("POST /clients/{id}/constitution", s.handleRegenConstitution)

	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("POST /jobs/{id}/message", s.handleJobMessage)
	mux.HandleFunc("POST /jobs/{id}/complete", s.handleJobComplete)
	mux.HandleFunc("GET /jobs/{id}/iterations", s.handleJobIterations)
	mux.HandleFunc("POST /jobs/{id}/stop", s.handleJobStop)

	mux.HandleFunc("GET /queue", s.handleQueue)

	mux.HandleFunc("POST /features/{id}/generate-tasks", s.handleGenerateTasks)
	mux.HandleFunc("POST /features/{id}/spec/start", s.handleSpecStart)
	mux.HandleFunc("POST /features/{id}/spec/phase", s.handleSpecPhase)
	mux.HandleFunc("GET /features/{id}/spec", s.handleGetSpec)
	mux.HandleFunc("POST /features/{id}/spec/clarifications/{cid}", s.handleAnswerClarification)
	mux.HandleFunc("PUT /features/{id}/spec/output", s.handlePatchSpecOutput)
	mux.HandleFunc("GET /spec/phases", s.handleSpecPhases)

	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("POST /repos/clone", s.handleCloneByName)
	mux.HandleFunc("POST /repos/{id}/clone", s.handleCloneByID)

	mux.HandleFunc("GET /mcp/info", s.handleMCPInfo)
	mux.HandleFunc("GET /mcp/tools", s.handleMCPTools)
	mux.HandleFunc("POST /mcp/tools/{name}", s.handleMCPToolCall)
	mux.HandleFunc("GET /mcp/resources", s.handleMCPResources)
	mux.HandleFunc("GET /mcp/resources/{rtype}", s.handleMCPResource)
	mux.HandleFunc("GET /mcp/resources/{rtype}/{id}", s.handleMCPResource)
	mux.HandleFunc("GET /mcp/resources/{rtype}/{id}/{sub}", s.handleMCPResource)

	mux.HandleFunc("POST /scheduling/predict", s.handleSchedPredict)
	mux.HandleFunc("POST /scheduling/schedule", s.handleSchedSchedule)
	mux.HandleFunc("GET /scheduling/next", s.handleSchedNext)
	mux.HandleFunc("GET /scheduling/metrics", s.handleSchedMetrics)
	mux.HandleFunc("POST /scheduling/usage", s.handleSchedUsage)
	mux.HandleFunc("GET /scheduling/weights", s.handleSchedGetWeights)
	mux.HandleFunc("PUT /scheduling/weights", s.handleSchedPutWeights)

	return s.withAuth(mux)
}

// withAuth enforces the bearer token on everything but /health.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token != s.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	log.Printf("http server listening on %s", s.addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, useful with ephemeral ports.
func (s *Server) Addr() string {
	return s.addr
}

// nudgeQueue triggers an admission pass after an enqueue without
// blocking the request.
func (s *Server) nudgeQueue() {
	if s.queue == nil {
		return
	}
	go func() {
		if err := s.queue.Process(context.Background()); err != nil {
			log.Printf("admission pass after enqueue failed: %v", err)
		}
	}()
}

// httpError carries a status code through the shared handler helpers.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func errBadRequest(format string, args ...any) *httpError {
	return &httpError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func errNotFound(format string, args ...any) *httpError {
	return &httpError{status: http.StatusNotFound, msg: fmt.Sprintf(format, args...)}
}

func errConflict(format string, args ...any) *httpError {
	return &httpError{status: http.StatusConflict, msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// writeErr maps an error to its HTTP shape; unknown errors are 500s.
func writeErr(w http.ResponseWriter, err error) {
	var he *httpError
	if errors.As(err, &he) {
		writeError(w, he.status, "%s", he.msg)
		return
	}
	writeError(w, http.StatusInternalServerError, "%s", err.Error())
}

// decodeBody parses a JSON request body into v. An empty body is an
// error; handlers with optional bodies check ContentLength first.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errBadRequest("invalid request body: %v", err)
	}
	return nil
}
