package runner

import (
	"context"
	"sync"

	"github.com/buildforge/foreman/internal/agent"
)

// Handle is the local view of an in-flight job: its subprocess and the
// cancel function for its runner context.
type Handle struct {
	JobID  string
	Cancel context.CancelFunc

	mu   sync.Mutex
	proc agent.Process
}

// SetProcess attaches the live subprocess once it has started.
func (h *Handle) SetProcess(p agent.Process) {
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
}

// Process returns the attached subprocess, or nil before start.
func (h *Handle) Process() agent.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

// Handles tracks in-flight job handles for this machine. A job is
// in-flight exactly while its handle is registered.
type Handles struct {
	mu sync.Mutex
	m  map[string]*Handle
}

// NewHandles creates an empty registry.
func NewHandles() *Handles {
	return &Handles{m: make(map[string]*Handle)}
}

// Register creates and stores a handle for a job.
func (hs *Handles) Register(jobID string, cancel context.CancelFunc) *Handle {
	h := &Handle{JobID: jobID, Cancel: cancel}
	hs.mu.Lock()
	hs.m[jobID] = h
	hs.mu.Unlock()
	return h
}

// Get returns the handle for a job, or nil.
func (hs *Handles) Get(jobID string) *Handle {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.m[jobID]
}

// Remove drops a job's handle.
func (hs *Handles) Remove(jobID string) {
	hs.mu.Lock()
	delete(hs.m, jobID)
	hs.mu.Unlock()
}

// Len returns the number of in-flight handles.
func (hs *Handles) Len() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.m)
}

// Terminate kills a job's subprocess and cancels its runner context.
// Returns false when no handle is registered.
func (hs *Handles) Terminate(ctx context.Context, jobID string) bool {
	h := hs.Get(jobID)
	if h == nil {
		return false
	}
	if p := h.Process(); p != nil {
		_ = p.Terminate(ctx)
	}
	if h.Cancel != nil {
		h.Cancel()
	}
	return true
}
