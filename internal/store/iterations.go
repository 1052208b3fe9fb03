package store

import (
	"database/sql"
	"fmt"
)

// StartIteration opens the row for one runner pass. The unique key on
// (job_id, iteration_number) makes a duplicate start an error.
func (s *Store) StartIteration(jobID string, number int, prompt string) (int64, error) {
	res, err := s.conn.Exec(`
		INSERT INTO agent_job_iterations (job_id, iteration_number, started_at, prompt_used)
		VALUES (?, ?, CURRENT_TIMESTAMP, ?)`,
		jobID, number, prompt)
	if err != nil {
		return 0, fmt.Errorf("failed to start iteration %d: %w", number, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read iteration id: %w", err)
	}
	return id, nil
}

// IterationResult carries the outcome of one runner pass.
type IterationResult struct {
	ExitCode        *int
	PromiseDetected bool
	OutputSummary   string
	FeedbackResults string
	StoryID         *int
	CommitSHA       string
	Error           string
}

// FinishIteration closes an iteration row with its outcome.
func (s *Store) FinishIteration(id int64, r IterationResult) error {
	_, err := s.conn.Exec(`
		UPDATE agent_job_iterations
		SET completed_at = CURRENT_TIMESTAMP, exit_code = ?, promise_detected = ?,
		    output_summary = ?, feedback_results = ?, story_id = ?, commit_sha = ?, error = ?
		WHERE id = ?`,
		r.ExitCode, boolToInt(r.PromiseDetected),
		nullIfEmpty(r.OutputSummary), nullIfEmpty(r.FeedbackResults),
		r.StoryID, nullIfEmpty(r.CommitSHA), nullIfEmpty(r.Error), id)
	if err != nil {
		return fmt.Errorf("failed to finish iteration: %w", err)
	}
	return nil
}

// ListIterations returns a job's iterations in order.
func (s *Store) ListIterations(jobID string) ([]*Iteration, error) {
	rows, err := s.conn.Query(`
		SELECT id, job_id, iteration_number, started_at, completed_at, exit_code,
		       prompt_used, promise_detected, output_summary, feedback_results,
		       story_id, commit_sha, error
		FROM agent_job_iterations
		WHERE job_id = ? ORDER BY iteration_number ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list iterations: %w", err)
	}
	defer rows.Close()

	var iters []*Iteration
	for rows.Next() {
		var it Iteration
		var startedAt, completedAt sql.NullString
		var promise int
		if err := rows.Scan(&it.ID, &it.JobID, &it.IterationNumber, &startedAt, &completedAt,
			&it.ExitCode, &it.PromptUsed, &promise, &it.OutputSummary, &it.FeedbackResults,
			&it.StoryID, &it.CommitSHA, &it.Error); err != nil {
			return nil, fmt.Errorf("failed to scan iteration row: %w", err)
		}
		it.StartedAt = parseNullTime(startedAt)
		it.CompletedAt = parseNullTime(completedAt)
		it.PromiseDetected = promise != 0
		iters = append(iters, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate iteration rows: %w", err)
	}
	return iters, nil
}
