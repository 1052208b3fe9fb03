package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buildforge/foreman/internal/spec"
	"github.com/buildforge/foreman/internal/store"
)

// defaultCompletionPromise is the sentinel a ralph agent emits when the
// whole task is done.
const defaultCompletionPromise = "RALPH_COMPLETE"

// prdCompletionPromise is the sentinel for PRD-mode jobs: emitted only
// when every story passes.
const prdCompletionPromise = "<promise>COMPLETE</promise>"

func completionPromise(job *store.AgentJob) string {
	if job.CompletionPromise != nil && *job.CompletionPromise != "" {
		return *job.CompletionPromise
	}
	return defaultCompletionPromise
}

// buildRalphPrompt composes one ralph iteration prompt: the base
// prompt, the iteration header, the accumulated progress log, and the
// fixed working instructions.
func buildRalphPrompt(job *store.AgentJob, iteration int, progress string) string {
	sentinel := completionPromise(job)

	var b strings.Builder
	b.WriteString(job.Prompt)
	b.WriteString("\n\n---\n\n")
	fmt.Fprintf(&b, "Iteration %d of %d.\n", iteration, job.MaxIterations)
	fmt.Fprintf(&b, "When the entire task is fully complete, output the exact string %s on its own line.\n\n", sentinel)

	if progress != "" {
		b.WriteString("## Progress so far\n\n")
		b.WriteString(progress)
		b.WriteString("\n\n")
	}

	b.WriteString(`Instructions:
- Continue from where the previous iteration stopped; do not redo finished work.
- Commit your changes as you go.
- End your response with a "## Summary" section describing what you did this iteration and what remains.
`)
	fmt.Fprintf(&b, "- Only output %s if there is truly nothing left to do.\n", sentinel)
	return b.String()
}

// buildPRDPrompt composes one PRD-mode iteration prompt, pinned to a
// single story.
func buildPRDPrompt(job *store.AgentJob, story *store.Story, iteration int, progress string) string {
	var b strings.Builder
	if job.Prompt != "" {
		b.WriteString(job.Prompt)
		b.WriteString("\n\n---\n\n")
	}
	fmt.Fprintf(&b, "Iteration %d of %d. The file prd.json in this directory is the plan of record.\n\n", iteration, job.MaxIterations)
	fmt.Fprintf(&b, "Work on exactly ONE story this iteration: story %d — %q.\n", story.ID, story.Title)
	if story.Description != "" {
		b.WriteString(story.Description)
		b.WriteString("\n")
	}
	if len(story.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range story.AcceptanceCriteria {
			b.WriteString("- " + c + "\n")
		}
	}

	fmt.Fprintf(&b, `
Rules:
- Implement only this story. Do not start other stories.
- Commit with the message "feat(story-%d): %s".
- When the story's acceptance criteria are met, set "passes": true for story %d (and only story %d) in prd.json.
- Only output %s when EVERY story in prd.json has "passes": true.
- End with a "## Summary" section.
`, story.ID, story.Title, story.ID, story.ID, prdCompletionPromise)

	if progress != "" {
		b.WriteString("\n## Progress so far\n\n")
		b.WriteString(progress)
	}
	return b.String()
}

// buildSpecPrompt composes the per-phase prompt with the accumulated
// output inlined so later phases can build on earlier ones.
func buildSpecPrompt(phase spec.Phase, feature *store.Feature, client *store.Client, out *spec.Output) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are running the %q phase of a specification pipeline for the feature below.\n\n", phase)
	fmt.Fprintf(&b, "Feature: %s\n", feature.Title)
	if feature.Notes != nil && *feature.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", *feature.Notes)
	}
	b.WriteString("\n")

	if out != nil {
		if out.Constitution != "" && phase != spec.PhaseConstitution {
			b.WriteString("## Constitution\n\n" + out.Constitution + "\n\n")
		}
		inline := func(label string, v any) {
			if v == nil {
				return
			}
			raw, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return
			}
			b.WriteString("## " + label + "\n\n```json\n" + string(raw) + "\n```\n\n")
		}
		switch phase {
		case spec.PhaseClarify:
			inline("Spec", out.Spec)
		case spec.PhasePlan:
			inline("Spec", out.Spec)
			inline("Clarifications", out.Clarifications)
		case spec.PhaseAnalyze, spec.PhaseTasks:
			inline("Spec", out.Spec)
			inline("Plan", out.Plan)
		}
	}

	switch phase {
	case spec.PhaseConstitution:
		name := "the client"
		if client != nil {
			name = client.Name
		}
		fmt.Fprintf(&b, "Write an engineering constitution for %s: the durable conventions, quality bars, and review standards every feature must follow. Study the codebase in this directory first.\n", name)
	case spec.PhaseSpecify:
		b.WriteString("Write the specification: an overview, concrete requirements, acceptance criteria, and what is explicitly out of scope. Ground it in the codebase in this directory.\n")
	case spec.PhaseClarify:
		b.WriteString("List the questions a careful implementer would need answered before planning. Give each an id like CLR-001 and enough context to answer it. If nothing is ambiguous, return an empty list.\n")
	case spec.PhasePlan:
		b.WriteString("Write the implementation plan: architecture, technology decisions, the file structure to create or change, and dependencies.\n")
	case spec.PhaseAnalyze:
		b.WriteString("Analyze the plan against the spec and this codebase: does it satisfy every requirement? List issues, suggestions, and existing patterns the plan should reuse.\n")
	case spec.PhaseTasks:
		b.WriteString("Break the plan into ordered implementation tasks with ids, touched files, and dependencies between tasks.\n")
	}

	b.WriteString("\nRespond with a single ```json block matching this schema:\n\n```json\n")
	b.WriteString(spec.SchemaSource(phase))
	b.WriteString("\n```\n")
	return b.String()
}

// buildRecoveryPrompt asks the agent to re-emit a parseable payload
// after a failed parse.
func buildRecoveryPrompt(phase spec.Phase, tail string) string {
	var b strings.Builder
	b.WriteString("Your previous response could not be parsed as JSON. ")
	b.WriteString("Re-emit ONLY the JSON payload, complete and valid, inside a single ```json block. ")
	b.WriteString("Escape newlines inside strings.\n\nExpected schema:\n\n```json\n")
	b.WriteString(spec.SchemaSource(phase))
	b.WriteString("\n```\n\nThe tail of your previous response was:\n\n")
	b.WriteString(tail)
	return b.String()
}

// buildPRDGenerationPrompt asks for a PRD document from a free-text
// description.
func buildPRDGenerationPrompt(job *store.AgentJob) string {
	var b strings.Builder
	b.WriteString("Produce a product requirements document for the work below, broken into small independently verifiable stories.\n\n")
	b.WriteString(job.Prompt)
	b.WriteString(`

Respond with a single ` + "```json" + ` block of the form:

{
  "title": "...",
  "description": "...",
  "stories": [
    {"id": 1, "title": "...", "description": "...", "acceptanceCriteria": ["..."], "passes": false}
  ]
}

Story ids are unique integers starting at 1. Every story starts with "passes": false.
`)
	return b.String()
}
