package spec

import "context"

// JudgeResult is the verdict from evaluating a plan against its spec.
type JudgeResult struct {
	Passed       bool     `json:"passed"`
	Criteria     []string `json:"criteria"`
	Improvements []string `json:"improvements"`
}

// Judge evaluates a plan against the constitution and spec.
type Judge interface {
	Judge(ctx context.Context, constitution string, doc *SpecDoc, plan *PlanDoc) (*JudgeResult, error)
}

// Improver rewrites a plan to address a failing judge verdict.
type Improver interface {
	Improve(ctx context.Context, plan *PlanDoc, result *JudgeResult) (*PlanDoc, error)
}

// MaxImproveIterations caps the judge + auto-improve loop.
const MaxImproveIterations = 3

// AnalysisFromJudge converts the final judge verdict into the analysis
// slice recorded on the feature.
func AnalysisFromJudge(result *JudgeResult) *AnalysisDoc {
	if result == nil {
		return &AnalysisDoc{Passed: true, Issues: []string{}, Suggestions: []string{}, ExistingPatterns: []string{}}
	}
	issues := result.Criteria
	if result.Passed {
		issues = []string{}
	}
	return &AnalysisDoc{
		Passed:           result.Passed,
		Issues:           issues,
		Suggestions:      result.Improvements,
		ExistingPatterns: []string{},
	}
}
