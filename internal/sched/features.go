// Package sched implements the opt-in predictive scheduler: feature
// extraction from free-text job descriptions, token prediction,
// priority scoring, and online adjustment of the prediction weights
// from observed usage.
package sched

import (
	"regexp"
	"strings"
)

// Features summarizes a job description for prediction.
type Features struct {
	DescriptionLength int     `json:"descriptionLength"`
	FilesToModify     int     `json:"filesToModify"`
	ComplexityScore   float64 `json:"complexityScore"`
	ClientAvgTokens   float64 `json:"clientAvgTokens"`
	TechStackFactor   float64 `json:"techStackFactor"`
	HasTests          bool    `json:"hasTests"`
	HasDatabase       bool    `json:"hasDatabase"`
	IsRefactor        bool    `json:"isRefactor"`
}

// complexityPatterns maps case-insensitive patterns to score deltas.
// Positive terms signal harder work, negative terms trivial work.
var complexityPatterns = []struct {
	re     *regexp.Regexp
	weight float64
}{
	{regexp.MustCompile(`(?i)integrat`), 0.3},
	{regexp.MustCompile(`(?i)migrat`), 0.4},
	{regexp.MustCompile(`(?i)security`), 0.3},
	{regexp.MustCompile(`(?i)authenticat`), 0.4},
	{regexp.MustCompile(`(?i)real-?time`), 0.4},
	{regexp.MustCompile(`(?i)websocket`), 0.4},
	{regexp.MustCompile(`(?i)concurren`), 0.4},
	{regexp.MustCompile(`(?i)payment`), 0.4},
	{regexp.MustCompile(`(?i)performance`), 0.3},
	{regexp.MustCompile(`(?i)distributed`), 0.4},
	{regexp.MustCompile(`(?i)simple`), -0.2},
	{regexp.MustCompile(`(?i)basic`), -0.2},
	{regexp.MustCompile(`(?i)minor`), -0.3},
	{regexp.MustCompile(`(?i)typo`), -0.4},
	{regexp.MustCompile(`(?i)comment`), -0.3},
}

var (
	testsRe    = regexp.MustCompile(`(?i)\btests?\b|testing|coverage`)
	databaseRe = regexp.MustCompile(`(?i)database|\bsql\b|schema|migration|\bdb\b`)
	refactorRe = regexp.MustCompile(`(?i)refactor`)
)

// techStackFactors adjusts output estimates per stack. Unknown stacks
// get 1.0.
var techStackFactors = map[string]float64{
	"node":       1.0,
	"typescript": 1.0,
	"python":     1.0,
	"go":         0.9,
	"rust":       1.2,
	"java":       1.1,
	"cpp":        1.2,
}

// ExtractFeatures derives prediction features from a free-text
// description. clientAvgTokens comes from the scheduler's usage
// history; pass 0 when no history exists.
func ExtractFeatures(description string, filesToModify []string, techStack string, clientAvgTokens float64) Features {
	score := 1.0
	for _, p := range complexityPatterns {
		if p.re.MatchString(description) {
			score += p.weight
		}
	}
	if score < 0.5 {
		score = 0.5
	}
	if score > 3.0 {
		score = 3.0
	}

	factor, ok := techStackFactors[strings.ToLower(techStack)]
	if !ok {
		factor = 1.0
	}

	if clientAvgTokens == 0 {
		clientAvgTokens = defaultClientAvgTokens
	}

	return Features{
		DescriptionLength: len(description),
		FilesToModify:     len(filesToModify),
		ComplexityScore:   score,
		ClientAvgTokens:   clientAvgTokens,
		TechStackFactor:   factor,
		HasTests:          testsRe.MatchString(description),
		HasDatabase:       databaseRe.MatchString(description),
		IsRefactor:        refactorRe.MatchString(description),
	}
}

// defaultClientAvgTokens is assumed for clients with no usage history.
const defaultClientAvgTokens = 5000
