package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_OverwritesOnlyOwnedSlice(t *testing.T) {
	existing := &Output{
		Phase:        PhaseSpecify,
		Constitution: "be kind to reviewers",
		Spec:         &SpecDoc{Overview: "v1"},
	}

	merged := Merge(existing, PhasePlan, &Output{
		Plan: &PlanDoc{Architecture: "hexagonal"},
	})

	assert.Equal(t, PhasePlan, merged.Phase)
	assert.Equal(t, "be kind to reviewers", merged.Constitution)
	require.NotNil(t, merged.Spec)
	assert.Equal(t, "v1", merged.Spec.Overview)
	require.NotNil(t, merged.Plan)
	assert.Equal(t, "hexagonal", merged.Plan.Architecture)

	// Original untouched.
	assert.Nil(t, existing.Plan)
}

func TestMerge_NilExisting(t *testing.T) {
	merged := Merge(nil, PhaseConstitution, &Output{Constitution: "text"})
	assert.Equal(t, "text", merged.Constitution)
	assert.Equal(t, PhaseConstitution, merged.Phase)
}

func TestMerge_EarlierSlicesPresentAfterEachPhase(t *testing.T) {
	var out *Output
	payloads := map[Phase]*Output{
		PhaseConstitution: {Constitution: "c"},
		PhaseSpecify:      {Spec: &SpecDoc{Overview: "o"}},
		PhaseClarify:      {Clarifications: []Clarification{{ID: "CLR-001", Question: "q"}}},
		PhasePlan:         {Plan: &PlanDoc{Architecture: "a"}},
		PhaseAnalyze:      {Analysis: &AnalysisDoc{Passed: true}},
		PhaseTasks:        {Tasks: []TaskDef{{ID: "T1", Title: "t"}}},
	}

	for i, p := range Phases() {
		out = Merge(out, p, payloads[p])
		for _, earlier := range Phases()[:i+1] {
			assert.True(t, out.HasSlice(earlier), "after %s, slice for %s must be present", p, earlier)
		}
	}
}

func TestUnanswered(t *testing.T) {
	out := &Output{Clarifications: []Clarification{
		{ID: "CLR-001", Question: "a", Response: "yes"},
		{ID: "CLR-002", Question: "b"},
	}}

	open := out.Unanswered()
	require.Len(t, open, 1)
	assert.Equal(t, "CLR-002", open[0].ID)

	var nilOut *Output
	assert.Empty(t, nilOut.Unanswered())
}

func TestAnalysisFromJudge(t *testing.T) {
	failed := AnalysisFromJudge(&JudgeResult{
		Passed:       false,
		Criteria:     []string{"missing error handling"},
		Improvements: []string{"add retries"},
	})
	assert.False(t, failed.Passed)
	assert.Equal(t, []string{"missing error handling"}, failed.Issues)

	passed := AnalysisFromJudge(&JudgeResult{Passed: true, Criteria: []string{"ok"}})
	assert.True(t, passed.Passed)
	assert.Empty(t, passed.Issues)

	fallback := AnalysisFromJudge(nil)
	assert.True(t, fallback.Passed)
}
