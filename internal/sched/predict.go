package sched

import "math"

// Weights are the tunable parameters of the token model. They start at
// calibrated defaults and drift via AdjustWeights as actuals arrive.
type Weights struct {
	BaseInputTokens      float64 `json:"baseInputTokens"`
	BaseOutputTokens     float64 `json:"baseOutputTokens"`
	TokensPerChar        float64 `json:"tokensPerChar"`
	TokensPerFile        float64 `json:"tokensPerFile"`
	ComplexityMultiplier float64 `json:"complexityMultiplier"`
	TestsMultiplier      float64 `json:"testsMultiplier"`
	DatabaseMultiplier   float64 `json:"databaseMultiplier"`
	RefactorMultiplier   float64 `json:"refactorMultiplier"`
}

// DefaultWeights returns the starting parameters.
func DefaultWeights() Weights {
	return Weights{
		BaseInputTokens:      500,
		BaseOutputTokens:     2000,
		TokensPerChar:        0.5,
		TokensPerFile:        800,
		ComplexityMultiplier: 1.5,
		TestsMultiplier:      1.3,
		DatabaseMultiplier:   1.4,
		RefactorMultiplier:   1.2,
	}
}

// Prediction is a token estimate with its derivation.
type Prediction struct {
	InputTokens  int                `json:"inputTokens"`
	OutputTokens int                `json:"outputTokens"`
	TotalTokens  int                `json:"totalTokens"`
	Confidence   float64            `json:"confidence"`
	Breakdown    map[string]float64 `json:"breakdown"`
}

// historyBlendWeight is how much a client's historical average pulls
// the fresh estimate toward past reality.
const historyBlendWeight = 0.3

// PredictTokens estimates input/output tokens for a job. pastCount is
// the number of predictions already recorded, used only for confidence.
func (w Weights) PredictTokens(f Features, pastCount int) Prediction {
	input := w.BaseInputTokens + w.TokensPerChar*float64(f.DescriptionLength)
	output := w.BaseOutputTokens

	fileTokens := w.TokensPerFile * float64(f.FilesToModify)
	input += fileTokens * 0.3
	output += fileTokens * 0.7

	breakdown := map[string]float64{
		"base":        w.BaseInputTokens + w.BaseOutputTokens,
		"description": w.TokensPerChar * float64(f.DescriptionLength),
		"files":       fileTokens,
	}

	complexityFactor := 1 + (f.ComplexityScore-1)*(w.ComplexityMultiplier-1)
	output *= complexityFactor
	breakdown["complexity"] = complexityFactor

	if f.HasTests {
		output *= w.TestsMultiplier
	}
	if f.HasDatabase {
		output *= w.DatabaseMultiplier
	}
	if f.IsRefactor {
		output *= w.RefactorMultiplier
	}
	output *= f.TechStackFactor

	// Pull toward the client's historical average, keeping the
	// input/output split.
	if f.ClientAvgTokens > 0 {
		total := input + output
		blended := total*(1-historyBlendWeight) + f.ClientAvgTokens*historyBlendWeight
		ratio := blended / total
		input *= ratio
		output *= ratio
		breakdown["historicalBlend"] = f.ClientAvgTokens
	}

	confidence := 0.7
	if f.ClientAvgTokens > 0 && f.ClientAvgTokens != defaultClientAvgTokens {
		confidence += 0.1
	}
	if f.FilesToModify > 0 {
		confidence += 0.1
	}
	if pastCount >= 50 {
		confidence += 0.1
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	in := int(math.Round(input))
	out := int(math.Round(output))
	return Prediction{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		Confidence:   confidence,
		Breakdown:    breakdown,
	}
}

// tierMultipliers scales priority by subscription tier.
var tierMultipliers = map[string]float64{
	"free":       0.8,
	"pro":        1.0,
	"enterprise": 1.5,
}

// CalculatePriority scores a job for ordering. Higher runs sooner.
func CalculatePriority(f Features, p Prediction, urgency float64, tier string) int {
	if urgency == 0 {
		urgency = 1.0
	}
	mult, ok := tierMultipliers[tier]
	if !ok {
		mult = 1.0
	}

	score := 100.0
	if p.TotalTokens <= 5000 {
		score += 20
	} else if p.TotalTokens >= 20000 {
		score -= 10
	}
	score *= urgency
	score *= mult
	if f.ComplexityScore < 1.2 {
		score += 10
	} else if f.ComplexityScore > 2.0 {
		score -= 5
	}
	return int(math.Round(score))
}
