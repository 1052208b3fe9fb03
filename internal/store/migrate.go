package store

import "fmt"

// migrate creates or updates the schema and seeds the workflow stage
// code table. Table and column names match the shared store contract.
func (s *Store) migrate() error {
	schema := `
-- Tenants
CREATE TABLE IF NOT EXISTS clients (
    id                          TEXT PRIMARY KEY,
    name                        TEXT NOT NULL,
    tier                        TEXT NOT NULL DEFAULT 'pro',
    constitution                TEXT,
    constitution_generated_at   DATETIME,
    created_at                  DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Remote git repositories owned by a tenant
CREATE TABLE IF NOT EXISTS code_repositories (
    id              TEXT PRIMARY KEY,
    client_id       TEXT NOT NULL REFERENCES clients(id),
    github_org      TEXT NOT NULL,
    github_repo     TEXT NOT NULL,
    default_branch  TEXT NOT NULL DEFAULT 'main',
    provider        TEXT NOT NULL DEFAULT 'github',
    url             TEXT NOT NULL,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(github_org, github_repo)
);

-- Workflow stage code lookup
CREATE TABLE IF NOT EXISTS workflow_stages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    code        TEXT NOT NULL UNIQUE,
    label       TEXT NOT NULL,
    sort_order  INTEGER NOT NULL DEFAULT 0
);

-- Units of work belonging to a client
CREATE TABLE IF NOT EXISTS features (
    id                          TEXT PRIMARY KEY,
    client_id                   TEXT NOT NULL REFERENCES clients(id),
    title                       TEXT NOT NULL,
    notes                       TEXT,
    feature_type                TEXT,
    prd                         TEXT,
    spec_output                 TEXT,
    spec_phase                  TEXT,
    feature_workflow_stage_id   INTEGER REFERENCES workflow_stages(id),
    created_at                  DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- The unit the queue processes
CREATE TABLE IF NOT EXISTS agent_jobs (
    id                          TEXT PRIMARY KEY,
    client_id                   TEXT NOT NULL REFERENCES clients(id),
    feature_id                  TEXT REFERENCES features(id),
    repository_id               TEXT REFERENCES code_repositories(id),
    prompt                      TEXT NOT NULL DEFAULT '',
    branch_name                 TEXT NOT NULL DEFAULT '',
    title                       TEXT NOT NULL DEFAULT '',
    job_type                    TEXT NOT NULL,
    status                      TEXT NOT NULL,
    target_machine              TEXT NOT NULL,
    created_by_team_member_id   TEXT,
    created_at                  DATETIME DEFAULT CURRENT_TIMESTAMP,
    started_at                  DATETIME,
    completed_at                DATETIME,
    exit_code                   INTEGER,
    error                       TEXT,
    worktree_path               TEXT,
    pid                         INTEGER,
    pr_url                      TEXT,
    pr_number                   INTEGER,
    files_changed               INTEGER,
    max_iterations              INTEGER NOT NULL DEFAULT 0,
    completion_promise          TEXT,
    feedback_commands           TEXT,
    current_iteration           INTEGER NOT NULL DEFAULT 0,
    total_iterations            INTEGER NOT NULL DEFAULT 0,
    completion_reason           TEXT,
    prd_mode                    INTEGER NOT NULL DEFAULT 0,
    prd                         TEXT,
    prd_progress                TEXT,
    spec_phase                  TEXT,
    spec_output                 TEXT,
    metadata                    TEXT
);

-- Append-only subprocess/message log
CREATE TABLE IF NOT EXISTS agent_job_messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id      TEXT NOT NULL REFERENCES agent_jobs(id) ON DELETE CASCADE,
    type        TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per ralph iteration
CREATE TABLE IF NOT EXISTS agent_job_iterations (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id              TEXT NOT NULL REFERENCES agent_jobs(id) ON DELETE CASCADE,
    iteration_number    INTEGER NOT NULL,
    started_at          DATETIME,
    completed_at        DATETIME,
    exit_code           INTEGER,
    prompt_used         TEXT,
    promise_detected    INTEGER NOT NULL DEFAULT 0,
    output_summary      TEXT,
    feedback_results    TEXT,
    story_id            INTEGER,
    commit_sha          TEXT,
    error               TEXT,
    UNIQUE(job_id, iteration_number)
);

-- Outputs recorded after push / PR creation
CREATE TABLE IF NOT EXISTS code_branches (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    repository_id   TEXT NOT NULL REFERENCES code_repositories(id),
    name            TEXT NOT NULL,
    job_id          TEXT,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(repository_id, name)
);

CREATE TABLE IF NOT EXISTS code_pull_requests (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    repository_id   TEXT NOT NULL REFERENCES code_repositories(id),
    number          INTEGER NOT NULL,
    url             TEXT,
    title           TEXT,
    job_id          TEXT,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(repository_id, number)
);

-- Per-feature task checklist mirrored from PRD stories
CREATE TABLE IF NOT EXISTS todos (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    feature_id  TEXT NOT NULL REFERENCES features(id),
    order_index INTEGER NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'pending',
    UNIQUE(feature_id, order_index)
);

-- Per-client MCP tool allowances
CREATE TABLE IF NOT EXISTS client_tools (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id   TEXT NOT NULL REFERENCES clients(id),
    name        TEXT NOT NULL,
    config      TEXT,
    enabled     INTEGER NOT NULL DEFAULT 1,
    UNIQUE(client_id, name)
);

-- Screenshot and artifact records (upload mechanics live elsewhere)
CREATE TABLE IF NOT EXISTS attachments (
    id          TEXT PRIMARY KEY,
    feature_id  TEXT REFERENCES features(id),
    job_id      TEXT REFERENCES agent_jobs(id),
    kind        TEXT NOT NULL,
    path        TEXT NOT NULL,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes for common queries
CREATE INDEX IF NOT EXISTS idx_agent_jobs_status_machine ON agent_jobs(status, target_machine);
CREATE INDEX IF NOT EXISTS idx_agent_jobs_client ON agent_jobs(client_id);
CREATE INDEX IF NOT EXISTS idx_agent_jobs_feature ON agent_jobs(feature_id);
CREATE INDEX IF NOT EXISTS idx_messages_job ON agent_job_messages(job_id);
CREATE INDEX IF NOT EXISTS idx_iterations_job ON agent_job_iterations(job_id, iteration_number);
CREATE INDEX IF NOT EXISTS idx_todos_feature ON todos(feature_id);
`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return s.seedWorkflowStages()
}

// workflowStageSeed is the fixed stage code table. Transitions between
// these codes are authored by the runners.
var workflowStageSeed = []struct {
	code  string
	label string
}{
	{"backlog", "Backlog"},
	{"constitution_running", "Constitution running"},
	{"constitution_complete", "Constitution complete"},
	{"specify_running", "Specify running"},
	{"specify_complete", "Specify complete"},
	{"clarify_running", "Clarify running"},
	{"clarify_waiting", "Waiting on clarifications"},
	{"clarify_complete", "Clarify complete"},
	{"plan_running", "Plan running"},
	{"plan_complete", "Plan complete"},
	{"analyze_running", "Analyze running"},
	{"analyze_failed", "Analyze failed"},
	{"analyze_complete", "Analyze complete"},
	{"tasks_running", "Tasks running"},
	{"tasks_complete", "Tasks complete"},
	{"spec_complete", "Spec complete"},
	{"ready_for_review", "Ready for review"},
	{"done", "Done"},
}

func (s *Store) seedWorkflowStages() error {
	for i, stage := range workflowStageSeed {
		_, err := s.conn.Exec(
			`INSERT INTO workflow_stages (code, label, sort_order) VALUES (?, ?, ?)
			 ON CONFLICT(code) DO UPDATE SET label = excluded.label, sort_order = excluded.sort_order`,
			stage.code, stage.label, i,
		)
		if err != nil {
			return fmt.Errorf("failed to seed workflow stage %s: %w", stage.code, err)
		}
	}
	return nil
}
