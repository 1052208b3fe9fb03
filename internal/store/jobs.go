package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, client_id, feature_id, repository_id, prompt, branch_name, title,
	job_type, status, target_machine, created_by_team_member_id,
	created_at, started_at, completed_at, exit_code, error, worktree_path, pid,
	pr_url, pr_number, files_changed,
	max_iterations, completion_promise, feedback_commands,
	current_iteration, total_iterations, completion_reason,
	prd_mode, prd, prd_progress, spec_phase, spec_output, metadata`

// CreateJob inserts a new job in the queued state.
func (s *Store) CreateJob(job *AgentJob) error {
	if !ValidJobType(job.JobType) {
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}

	feedback, err := marshalJSON(nilIfEmptySlice(job.FeedbackCommands))
	if err != nil {
		return err
	}
	prd, err := marshalJSON(nilIfNilPRD(job.PRD))
	if err != nil {
		return err
	}
	progress, err := marshalJSON(nilIfNilProgress(job.PRDProgress))
	if err != nil {
		return err
	}
	meta, err := marshalJSON(nilIfEmptyMap(job.Metadata))
	if err != nil {
		return err
	}

	_, err = s.conn.Exec(`
		INSERT INTO agent_jobs (
			id, client_id, feature_id, repository_id, prompt, branch_name, title,
			job_type, status, target_machine, created_by_team_member_id,
			max_iterations, completion_promise, feedback_commands,
			prd_mode, prd, prd_progress, spec_phase, spec_output, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ClientID, job.FeatureID, job.RepositoryID, job.Prompt,
		job.BranchName, job.Title, job.JobType, job.Status, job.TargetMachine,
		job.CreatedBy, job.MaxIterations, job.CompletionPromise, feedback,
		boolToInt(job.PRDMode), prd, progress, job.SpecPhase, job.SpecOutput, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob returns the job with the given id, or nil if it does not exist.
func (s *Store) GetJob(id string) (*AgentJob, error) {
	row := s.conn.QueryRow(`SELECT `+jobColumns+` FROM agent_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Zero values are ignored.
type JobFilter struct {
	ClientID  string
	FeatureID string
	Status    JobStatus
	JobType   JobType
	Machine   string
	Limit     int
	Offset    int
}

// ListJobs returns jobs matching the filter, most recent first.
func (s *Store) ListJobs(f JobFilter) ([]*AgentJob, error) {
	var conds []string
	var args []any
	if f.ClientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.FeatureID != "" {
		conds = append(conds, "feature_id = ?")
		args = append(args, f.FeatureID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.JobType != "" {
		conds = append(conds, "job_type = ?")
		args = append(args, f.JobType)
	}
	if f.Machine != "" {
		conds = append(conds, "target_machine = ?")
		args = append(args, f.Machine)
	}

	query := `SELECT ` + jobColumns + ` FROM agent_jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ClaimQueuedJobs atomically flips up to limit queued jobs for the given
// machine into the running state and returns them. Each claim is a
// conditional update keyed on the queued status, so two pollers cannot
// both claim the same job.
func (s *Store) ClaimQueuedJobs(machine string, limit int) ([]*AgentJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(`
		SELECT id FROM agent_jobs
		WHERE status = ? AND target_machine = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, StatusQueued, machine, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queued job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queued jobs: %w", err)
	}

	var claimed []*AgentJob
	for _, id := range ids {
		res, err := s.conn.Exec(`
			UPDATE agent_jobs
			SET status = ?, started_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`, StatusRunning, id, StatusQueued)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("failed to read claim result for %s: %w", id, err)
		}
		if n == 0 {
			continue // someone else got it
		}
		job, err := s.GetJob(id)
		if err != nil {
			return claimed, err
		}
		if job != nil {
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// ResetRunningJobs requeues jobs left in the running state by a crashed
// process on this machine. Returns the number of jobs recovered.
func (s *Store) ResetRunningJobs(machine string) (int, error) {
	res, err := s.conn.Exec(`
		UPDATE agent_jobs
		SET status = ?, started_at = NULL, pid = NULL
		WHERE status = ? AND target_machine = ?`,
		StatusQueued, StatusRunning, machine)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset jobs: %w", err)
	}
	return int(n), nil
}

// CountRunning returns the number of running jobs on a machine.
func (s *Store) CountRunning(machine string) (int, error) {
	var n int
	err := s.conn.QueryRow(`
		SELECT COUNT(*) FROM agent_jobs WHERE status = ? AND target_machine = ?`,
		StatusRunning, machine).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return n, nil
}

// SetJobProcess records the subprocess pid and worktree for a running job.
func (s *Store) SetJobProcess(id string, pid int, worktree string) error {
	_, err := s.conn.Exec(`
		UPDATE agent_jobs SET pid = ?, worktree_path = ? WHERE id = ?`,
		pid, worktree, id)
	if err != nil {
		return fmt.Errorf("failed to set job process: %w", err)
	}
	return nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string, exitCode int, reason CompletionReason) error {
	return s.finishJob(id, StatusCompleted, &exitCode, nil, reason)
}

// FailJob marks a job failed with an error message.
func (s *Store) FailJob(id string, exitCode *int, errMsg string) error {
	return s.finishJob(id, StatusFailed, exitCode, &errMsg, ReasonError)
}

// CancelJob marks a job cancelled. Only queued and running jobs can be
// cancelled; returns false when the job was already terminal or missing.
func (s *Store) CancelJob(id string) (bool, error) {
	res, err := s.conn.Exec(`
		UPDATE agent_jobs
		SET status = ?, completed_at = CURRENT_TIMESTAMP, completion_reason = ?, pid = NULL
		WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, ReasonManualStop, id, StatusQueued, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return n > 0, nil
}

// finishJob moves a job to a terminal status. Already-terminal rows
// are left untouched so a late writer cannot overwrite a cancellation.
func (s *Store) finishJob(id string, status JobStatus, exitCode *int, errMsg *string, reason CompletionReason) error {
	var reasonArg *string
	if reason != "" {
		r := string(reason)
		reasonArg = &r
	}
	_, err := s.conn.Exec(`
		UPDATE agent_jobs
		SET status = ?, completed_at = CURRENT_TIMESTAMP, exit_code = ?,
		    error = ?, completion_reason = ?, pid = NULL
		WHERE id = ? AND status IN (?, ?)`,
		status, exitCode, errMsg, reasonArg, id, StatusQueued, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", id, err)
	}
	return nil
}

// CompleteJobWithError marks a job completed while recording a
// descriptive error, used when the agent exits cleanly but produced no
// publishable result.
func (s *Store) CompleteJobWithError(id string, exitCode int, reason CompletionReason, errMsg string) error {
	return s.finishJob(id, StatusCompleted, &exitCode, &errMsg, reason)
}

// SetJobPR records PR metadata after the review request is opened.
func (s *Store) SetJobPR(id, url string, number, filesChanged int) error {
	_, err := s.conn.Exec(`
		UPDATE agent_jobs SET pr_url = ?, pr_number = ?, files_changed = ? WHERE id = ?`,
		url, number, filesChanged, id)
	if err != nil {
		return fmt.Errorf("failed to set job PR: %w", err)
	}
	return nil
}

// UpdateJobIteration persists the iteration counters after each pass.
func (s *Store) UpdateJobIteration(id string, current, total int) error {
	_, err := s.conn.Exec(`
		UPDATE agent_jobs SET current_iteration = ?, total_iterations = ? WHERE id = ?`,
		current, total, id)
	if err != nil {
		return fmt.Errorf("failed to update job iteration: %w", err)
	}
	return nil
}

// UpdateJobPRD replaces the stored PRD, preserving progress.
func (s *Store) UpdateJobPRD(id string, prd *PRD) error {
	raw, err := marshalJSON(nilIfNilPRD(prd))
	if err != nil {
		return err
	}
	if _, err := s.conn.Exec(`UPDATE agent_jobs SET prd = ? WHERE id = ?`, raw, id); err != nil {
		return fmt.Errorf("failed to update job PRD: %w", err)
	}
	return nil
}

// UpdateJobPRDProgress persists the durable story cursor.
func (s *Store) UpdateJobPRDProgress(id string, progress *PRDProgress) error {
	raw, err := marshalJSON(nilIfNilProgress(progress))
	if err != nil {
		return err
	}
	if _, err := s.conn.Exec(`UPDATE agent_jobs SET prd_progress = ? WHERE id = ?`, raw, id); err != nil {
		return fmt.Errorf("failed to update job PRD progress: %w", err)
	}
	return nil
}

// UpdateJobSpecState persists the accumulated pipeline output and phase.
func (s *Store) UpdateJobSpecState(id string, phase string, output string) error {
	_, err := s.conn.Exec(`
		UPDATE agent_jobs SET spec_phase = ?, spec_output = ? WHERE id = ?`,
		phase, output, id)
	if err != nil {
		return fmt.Errorf("failed to update job spec state: %w", err)
	}
	return nil
}

// UpdateJobMetadata replaces the metadata blob.
func (s *Store) UpdateJobMetadata(id string, meta map[string]any) error {
	raw, err := marshalJSON(nilIfEmptyMap(meta))
	if err != nil {
		return err
	}
	if _, err := s.conn.Exec(`UPDATE agent_jobs SET metadata = ? WHERE id = ?`, raw, id); err != nil {
		return fmt.Errorf("failed to update job metadata: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*AgentJob, error) {
	var job AgentJob
	var createdAt string
	var startedAt, completedAt sql.NullString
	var feedback, prd, progress, meta *string
	var prdMode int
	var reason sql.NullString

	err := row.Scan(
		&job.ID, &job.ClientID, &job.FeatureID, &job.RepositoryID, &job.Prompt,
		&job.BranchName, &job.Title, &job.JobType, &job.Status, &job.TargetMachine,
		&job.CreatedBy, &createdAt, &startedAt, &completedAt, &job.ExitCode,
		&job.Error, &job.WorktreePath, &job.PID,
		&job.PRURL, &job.PRNumber, &job.FilesChanged,
		&job.MaxIterations, &job.CompletionPromise, &feedback,
		&job.CurrentIteration, &job.TotalIterations, &reason,
		&prdMode, &prd, &progress, &job.SpecPhase, &job.SpecOutput, &meta,
	)
	if err != nil {
		return nil, err
	}

	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = parseNullTime(startedAt)
	job.CompletedAt = parseNullTime(completedAt)
	job.PRDMode = prdMode != 0
	if reason.Valid {
		r := CompletionReason(reason.String)
		job.CompletionReason = &r
	}
	if err := unmarshalJSON(feedback, &job.FeedbackCommands); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(prd, &job.PRD); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(progress, &job.PRDProgress); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &job.Metadata); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*AgentJob, error) {
	var jobs []*AgentJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return jobs, nil
}

// sqlite stores DATETIME defaults as "2006-01-02 15:04:05" text.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nilIfEmptySlice(s []string) any {
	if len(s) == 0 {
		return nil
	}
	return s
}

func nilIfEmptyMap(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func nilIfNilPRD(p *PRD) any {
	if p == nil {
		return nil
	}
	return p
}

func nilIfNilProgress(p *PRDProgress) any {
	if p == nil {
		return nil
	}
	return p
}
