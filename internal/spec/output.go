package spec

import "time"

// Output is the single mutable spec document stored on a feature. Each
// phase fills exactly one slice; later phases must preserve earlier fields.
type Output struct {
	Phase           Phase           `json:"phase,omitempty"`
	ForceRegenerate bool            `json:"forceRegenerate,omitempty"`
	Constitution    string          `json:"constitution,omitempty"`
	Spec            *SpecDoc        `json:"spec,omitempty"`
	Clarifications  []Clarification `json:"clarifications,omitempty"`
	Plan            *PlanDoc        `json:"plan,omitempty"`
	Analysis        *AnalysisDoc    `json:"analysis,omitempty"`
	Tasks           []TaskDef       `json:"tasks,omitempty"`
}

// SpecDoc is the specify-phase slice.
type SpecDoc struct {
	Overview           string   `json:"overview"`
	Requirements       []string `json:"requirements"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	OutOfScope         []string `json:"outOfScope"`
}

// Clarification is a single question raised during the clarify phase.
// Response and RespondedAt are filled out-of-band by the requester.
type Clarification struct {
	ID          string     `json:"id"`
	Question    string     `json:"question"`
	Context     string     `json:"context,omitempty"`
	Response    string     `json:"response,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

// PlanDoc is the plan-phase slice.
type PlanDoc struct {
	Architecture  string   `json:"architecture"`
	TechDecisions []string `json:"techDecisions"`
	FileStructure []string `json:"fileStructure"`
	Dependencies  []string `json:"dependencies"`
}

// AnalysisDoc is the analyze-phase slice, recording the final judge outcome.
type AnalysisDoc struct {
	Passed           bool     `json:"passed"`
	Issues           []string `json:"issues"`
	Suggestions      []string `json:"suggestions"`
	ExistingPatterns []string `json:"existingPatterns"`
}

// TaskDef is one implementable task from the tasks phase.
type TaskDef struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Files        []string `json:"files,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Merge overwrites only the slice owned by phase (plus Phase itself) on a
// copy of existing, preserving all earlier-phase fields.
func Merge(existing *Output, phase Phase, parsed *Output) *Output {
	out := &Output{}
	if existing != nil {
		*out = *existing
	}
	out.Phase = phase

	switch phase {
	case PhaseConstitution:
		out.Constitution = parsed.Constitution
	case PhaseSpecify:
		out.Spec = parsed.Spec
	case PhaseClarify:
		out.Clarifications = parsed.Clarifications
	case PhasePlan:
		out.Plan = parsed.Plan
	case PhaseAnalyze:
		out.Analysis = parsed.Analysis
	case PhaseTasks:
		out.Tasks = parsed.Tasks
	}
	return out
}

// Unanswered returns the clarifications that have no response yet.
func (o *Output) Unanswered() []Clarification {
	if o == nil {
		return nil
	}
	var open []Clarification
	for _, c := range o.Clarifications {
		if c.Response == "" {
			open = append(open, c)
		}
	}
	return open
}

// HasSlice reports whether the field owned by phase is present.
func (o *Output) HasSlice(p Phase) bool {
	if o == nil {
		return false
	}
	switch p {
	case PhaseConstitution:
		return o.Constitution != ""
	case PhaseSpecify:
		return o.Spec != nil
	case PhaseClarify:
		return o.Clarifications != nil
	case PhasePlan:
		return o.Plan != nil
	case PhaseAnalyze:
		return o.Analysis != nil
	case PhaseTasks:
		return o.Tasks != nil
	}
	return false
}
