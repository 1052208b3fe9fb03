package events

import (
	"fmt"
	"strings"
	"time"
)

// Event represents a single occurrence in the orchestrator lifecycle
type Event struct {
	// Time is when the event occurred (set by bus on emit)
	Time time.Time `json:"time"`

	// Type identifies what happened
	Type EventType `json:"type"`

	// Job is the job ID this event relates to (empty for process-level events)
	Job string `json:"job,omitempty"`

	// Iteration is the ralph iteration number (nil if not iteration-related)
	Iteration *int `json:"iteration,omitempty"`

	// Payload contains event-specific data (type varies by event)
	Payload any `json:"payload,omitempty"`

	// Error contains error message if this is a failure event
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category
type EventType string

// Queue lifecycle events
const (
	QueueStarted   EventType = "queue.started"
	QueueRecovered EventType = "queue.recovered"
	JobAdmitted    EventType = "job.admitted"
	JobDispatched  EventType = "job.dispatched"
)

// Job lifecycle events
const (
	JobStarted   EventType = "job.started"
	JobCompleted EventType = "job.completed"
	JobFailed    EventType = "job.failed"
	JobCancelled EventType = "job.cancelled"
)

// Agent subprocess events
const (
	AgentInvoked    EventType = "agent.invoked"
	AgentExited     EventType = "agent.exited"
	AgentKilled     EventType = "agent.killed"
	AgentStdinSent  EventType = "agent.stdin.sent"
	AgentRetried    EventType = "agent.retried"
	PromiseDetected EventType = "agent.promise.detected"
)

// Ralph iteration events
const (
	IterationStarted   EventType = "iteration.started"
	IterationCompleted EventType = "iteration.completed"
	IterationFailed    EventType = "iteration.failed"
	FeedbackRan        EventType = "feedback.ran"
	StoryCompleted     EventType = "story.completed"
)

// Spec pipeline events
const (
	SpecPhaseStarted    EventType = "spec.phase.started"
	SpecPhaseCompleted  EventType = "spec.phase.completed"
	SpecPhaseEnqueued   EventType = "spec.phase.enqueued"
	SpecParseRecovered  EventType = "spec.parse.recovered"
	SpecJudgeRan        EventType = "spec.judge.ran"
	SpecImproveApplied  EventType = "spec.improve.applied"
	SpecClarifyWaiting  EventType = "spec.clarify.waiting"
	SpecClarifyAnswered EventType = "spec.clarify.answered"
)

// Git events
const (
	WorktreeCreated EventType = "worktree.created"
	BranchPushed    EventType = "branch.pushed"
	CommitCreated   EventType = "commit.created"
	PROpened        EventType = "pr.opened"
)

// NewEvent creates an event with the given type and job
func NewEvent(eventType EventType, job string) Event {
	return Event{
		Type: eventType,
		Job:  job,
	}
}

// WithIteration returns a copy of the event with the iteration number set
func (e Event) WithIteration(n int) Event {
	e.Iteration = &n
	return e
}

// WithPayload returns a copy of the event with the payload set
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure returns true if this is a failure event type
func (e Event) IsFailure() bool {
	return strings.HasSuffix(string(e.Type), ".failed")
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.Job != "" {
		parts = append(parts, e.Job)
	}
	if e.Iteration != nil {
		parts = append(parts, fmt.Sprintf("iteration=%d", *e.Iteration))
	}
	return strings.Join(parts, " ")
}
