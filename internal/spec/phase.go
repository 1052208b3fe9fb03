package spec

import (
	"fmt"
	"strings"
)

// Phase identifies a step in the spec generation pipeline. Phases form a
// linear DAG; each phase runs as its own job and enqueues its successor
// unless a gate blocks.
type Phase string

const (
	PhaseConstitution Phase = "constitution"
	PhaseSpecify      Phase = "specify"
	PhaseClarify      Phase = "clarify"
	PhasePlan         Phase = "plan"
	PhaseAnalyze      Phase = "analyze"
	PhaseTasks        Phase = "tasks"
)

// phaseOrder is the canonical execution order.
var phaseOrder = []Phase{
	PhaseConstitution,
	PhaseSpecify,
	PhaseClarify,
	PhasePlan,
	PhaseAnalyze,
	PhaseTasks,
}

// Phases returns all phases in execution order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// NextPhase returns the successor of p, or "" and false when p is terminal
// (tasks) or unknown.
func NextPhase(p Phase) (Phase, bool) {
	for i, cur := range phaseOrder {
		if cur == p {
			if i+1 < len(phaseOrder) {
				return phaseOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// ParsePhase parses a phase name from string.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	for _, cur := range phaseOrder {
		if cur == p {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown spec phase: %q", s)
}

// RequiresHumanInput reports whether the phase gates on out-of-band input.
// Only clarify waits on a human.
func RequiresHumanInput(p Phase) bool {
	return p == PhaseClarify
}

// PhaseInfo describes a phase for the static metadata endpoint.
type PhaseInfo struct {
	Phase              Phase  `json:"phase"`
	Description        string `json:"description"`
	RequiresHumanInput bool   `json:"requiresHumanInput"`
	Gate               string `json:"gate,omitempty"`
}

// PhaseInfos returns static metadata for every phase.
func PhaseInfos() []PhaseInfo {
	return []PhaseInfo{
		{Phase: PhaseConstitution, Description: "Generate or reuse the client constitution"},
		{Phase: PhaseSpecify, Description: "Produce overview, requirements, acceptance criteria, and out-of-scope items"},
		{Phase: PhaseClarify, Description: "Surface clarifying questions for the requester", RequiresHumanInput: true, Gate: "all clarifications answered"},
		{Phase: PhasePlan, Description: "Produce architecture, tech decisions, file structure, and dependencies"},
		{Phase: PhaseAnalyze, Description: "Judge the plan against the spec and auto-improve on failure", Gate: "judge verdict passes"},
		{Phase: PhaseTasks, Description: "Break the plan into implementable tasks"},
	}
}

// StageRunning returns the workflow stage code for a phase in progress.
func StageRunning(p Phase) string { return string(p) + "_running" }

// StageComplete returns the workflow stage code for a finished phase.
func StageComplete(p Phase) string { return string(p) + "_complete" }

// Workflow stage codes not derived from a phase.
const (
	StageClarifyWaiting = "clarify_waiting"
	StageAnalyzeFailed  = "analyze_failed"
	StageSpecComplete   = "spec_complete"
	StageReadyForReview = "ready_for_review"
)
