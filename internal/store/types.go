package store

import "time"

// JobType selects which runner processes a job.
type JobType string

const (
	JobTypeCode          JobType = "code"
	JobTypeTask          JobType = "task"
	JobTypeRalph         JobType = "ralph"
	JobTypeSpec          JobType = "spec"
	JobTypePRDGeneration JobType = "prd_generation"
)

// ValidJobType reports whether t names a known runner.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeCode, JobTypeTask, JobTypeRalph, JobTypeSpec, JobTypePRDGeneration:
		return true
	}
	return false
}

// JobStatus is the queue lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CompletionReason records why an iterating job stopped.
type CompletionReason string

const (
	ReasonPromiseDetected CompletionReason = "promise_detected"
	ReasonMaxIterations   CompletionReason = "max_iterations"
	ReasonIterationError  CompletionReason = "iteration_error"
	ReasonAllStories      CompletionReason = "all_stories_complete"
	ReasonManualStop      CompletionReason = "manual_stop"
	ReasonError           CompletionReason = "error"
)

// Message types for the per-job transcript.
const (
	MessageStdout    = "stdout"
	MessageStderr    = "stderr"
	MessageSystem    = "system"
	MessageUserInput = "user_input"
)

// AgentJob is a queued unit of agent work.
type AgentJob struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"clientId"`
	FeatureID     *string   `json:"featureId,omitempty"`
	RepositoryID  *string   `json:"repositoryId,omitempty"`
	Prompt        string    `json:"prompt"`
	BranchName    string    `json:"branchName"`
	Title         string    `json:"title"`
	JobType       JobType   `json:"jobType"`
	Status        JobStatus `json:"status"`
	TargetMachine string    `json:"targetMachine"`
	CreatedBy     *string   `json:"createdByTeamMemberId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ExitCode     *int    `json:"exitCode,omitempty"`
	Error        *string `json:"error,omitempty"`
	WorktreePath *string `json:"worktreePath,omitempty"`
	PID          *int    `json:"pid,omitempty"`

	PRURL        *string `json:"prUrl,omitempty"`
	PRNumber     *int    `json:"prNumber,omitempty"`
	FilesChanged *int    `json:"filesChanged,omitempty"`

	// Iterating-runner fields
	MaxIterations     int               `json:"maxIterations,omitempty"`
	CompletionPromise *string           `json:"completionPromise,omitempty"`
	FeedbackCommands  []string          `json:"feedbackCommands,omitempty"`
	CurrentIteration  int               `json:"currentIteration,omitempty"`
	TotalIterations   int               `json:"totalIterations,omitempty"`
	CompletionReason  *CompletionReason `json:"completionReason,omitempty"`

	// PRD-mode fields
	PRDMode     bool         `json:"prdMode,omitempty"`
	PRD         *PRD         `json:"prd,omitempty"`
	PRDProgress *PRDProgress `json:"prdProgress,omitempty"`

	// Spec-pipeline fields
	SpecPhase  *string `json:"specPhase,omitempty"`
	SpecOutput *string `json:"specOutput,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Client is a tenant that owns repositories, features, and jobs.
type Client struct {
	ID                      string     `json:"id"`
	Name                    string     `json:"name"`
	Tier                    string     `json:"tier,omitempty"`
	Constitution            *string    `json:"constitution,omitempty"`
	ConstitutionGeneratedAt *time.Time `json:"constitutionGeneratedAt,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
}

// ClientTool is an MCP tool allowance scoped to one client.
type ClientTool struct {
	ID       int64          `json:"id"`
	ClientID string         `json:"clientId"`
	Name     string         `json:"name"`
	Config   map[string]any `json:"config,omitempty"`
	Enabled  bool           `json:"enabled"`
}

// Repository is a remote git repository a job can target.
type Repository struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"clientId"`
	GitHubOrg     string    `json:"githubOrg"`
	GitHubRepo    string    `json:"githubRepo"`
	DefaultBranch string    `json:"defaultBranch"`
	Provider      string    `json:"provider"`
	URL           string    `json:"url"`
	CreatedAt     time.Time `json:"createdAt"`
}

// MirrorKey names the bare mirror directory for the repository.
func (r *Repository) MirrorKey() string {
	return r.GitHubOrg + "__" + r.GitHubRepo + ".git"
}

// Slug is the owner/name form used by hosting APIs.
func (r *Repository) Slug() string {
	return r.GitHubOrg + "/" + r.GitHubRepo
}

// Feature is a unit of product work tracked through workflow stages.
type Feature struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId"`
	Title       string    `json:"title"`
	Notes       *string   `json:"notes,omitempty"`
	FeatureType *string   `json:"featureType,omitempty"`
	PRD         *PRD      `json:"prd,omitempty"`
	SpecOutput  *string   `json:"specOutput,omitempty"`
	SpecPhase   *string   `json:"specPhase,omitempty"`
	StageCode   *string   `json:"stageCode,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Branch records a pushed branch.
type Branch struct {
	ID           int64     `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Name         string    `json:"name"`
	JobID        *string   `json:"jobId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PullRequest records an opened pull request.
type PullRequest struct {
	ID           int64     `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Number       int       `json:"number"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	JobID        *string   `json:"jobId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Todo mirrors one PRD story on its feature.
type Todo struct {
	ID         int64  `json:"id"`
	FeatureID  string `json:"featureId"`
	OrderIndex int    `json:"orderIndex"`
	Title      string `json:"title"`
	Status     string `json:"status"`
}

// Message is one entry in a job's transcript.
type Message struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"jobId"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Iteration is one pass of an iterating runner.
type Iteration struct {
	ID              int64      `json:"id"`
	JobID           string     `json:"jobId"`
	IterationNumber int        `json:"iterationNumber"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ExitCode        *int       `json:"exitCode,omitempty"`
	PromptUsed      *string    `json:"promptUsed,omitempty"`
	PromiseDetected bool       `json:"promiseDetected"`
	OutputSummary   *string    `json:"outputSummary,omitempty"`
	FeedbackResults *string    `json:"feedbackResults,omitempty"`
	StoryID         *int       `json:"storyId,omitempty"`
	CommitSHA       *string    `json:"commitSha,omitempty"`
	Error           *string    `json:"error,omitempty"`
}

// Attachment records an artifact collected from a job's worktree.
type Attachment struct {
	ID        string    `json:"id"`
	FeatureID *string   `json:"featureId,omitempty"`
	JobID     *string   `json:"jobId,omitempty"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// PRD is a product requirements document broken into verifiable stories.
type PRD struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Stories     []Story `json:"stories"`
}

// Story is one independently completable slice of a PRD.
type Story struct {
	ID                 int      `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Passes             bool     `json:"passes"`
}

// Validate checks structural requirements on a parsed PRD.
func (p *PRD) Validate() error {
	if p == nil {
		return errEmptyPRD
	}
	if len(p.Stories) == 0 {
		return errNoStories
	}
	seen := make(map[int]bool, len(p.Stories))
	for _, st := range p.Stories {
		if st.Title == "" {
			return errUntitledStory
		}
		if st.ID < 1 {
			return errInvalidStoryID
		}
		if seen[st.ID] {
			return errDuplicateStoryID
		}
		seen[st.ID] = true
	}
	return nil
}

// NextIncomplete returns the first story with passes=false, or nil when
// every story passes.
func (p *PRD) NextIncomplete() *Story {
	if p == nil {
		return nil
	}
	for i := range p.Stories {
		if !p.Stories[i].Passes {
			return &p.Stories[i]
		}
	}
	return nil
}

// AllPass reports whether every story is marked passing.
func (p *PRD) AllPass() bool {
	return p != nil && len(p.Stories) > 0 && p.NextIncomplete() == nil
}

// PRDProgress is the durable cursor for PRD-mode execution.
type PRDProgress struct {
	CurrentStoryID    int           `json:"currentStoryId"`
	CompletedStoryIDs []int         `json:"completedStoryIds"`
	Commits           []StoryCommit `json:"commits"`
}

// StoryCommit links a discovered commit to the story it completed.
type StoryCommit struct {
	StoryID   int       `json:"storyId"`
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MarkCompleted records a story completion exactly once.
func (p *PRDProgress) MarkCompleted(storyID int) {
	for _, id := range p.CompletedStoryIDs {
		if id == storyID {
			return
		}
	}
	p.CompletedStoryIDs = append(p.CompletedStoryIDs, storyID)
}

type prdError string

func (e prdError) Error() string { return string(e) }

const (
	errEmptyPRD         = prdError("prd is empty")
	errNoStories        = prdError("prd has no stories")
	errUntitledStory    = prdError("prd story is missing a title")
	errInvalidStoryID   = prdError("prd story ids must be positive")
	errDuplicateStoryID = prdError("prd contains duplicate story ids")
)
