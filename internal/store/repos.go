package store

import (
	"database/sql"
	"fmt"
)

// CreateRepository registers a remote repository for a client.
func (s *Store) CreateRepository(r *Repository) error {
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	if r.Provider == "" {
		r.Provider = "github"
	}
	if r.URL == "" {
		r.URL = fmt.Sprintf("https://github.com/%s/%s.git", r.GitHubOrg, r.GitHubRepo)
	}
	_, err := s.conn.Exec(`
		INSERT INTO code_repositories (id, client_id, github_org, github_repo, default_branch, provider, url)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ClientID, r.GitHubOrg, r.GitHubRepo, r.DefaultBranch, r.Provider, r.URL)
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}
	return nil
}

// GetRepository returns the repository with the given id, or nil if absent.
func (s *Store) GetRepository(id string) (*Repository, error) {
	row := s.conn.QueryRow(`
		SELECT id, client_id, github_org, github_repo, default_branch, provider, url, created_at
		FROM code_repositories WHERE id = ?`, id)
	return scanRepository(row)
}

// FindRepository looks a repository up by its owner/name pair.
func (s *Store) FindRepository(org, repo string) (*Repository, error) {
	row := s.conn.QueryRow(`
		SELECT id, client_id, github_org, github_repo, default_branch, provider, url, created_at
		FROM code_repositories WHERE github_org = ? AND github_repo = ?`, org, repo)
	return scanRepository(row)
}

// ListRepositories returns a client's repositories.
func (s *Store) ListRepositories(clientID string) ([]*Repository, error) {
	rows, err := s.conn.Query(`
		SELECT id, client_id, github_org, github_repo, default_branch, provider, url, created_at
		FROM code_repositories WHERE client_id = ? ORDER BY github_org, github_repo`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate repository rows: %w", err)
	}
	return repos, nil
}

func scanRepository(row rowScanner) (*Repository, error) {
	var r Repository
	var createdAt string
	err := row.Scan(&r.ID, &r.ClientID, &r.GitHubOrg, &r.GitHubRepo,
		&r.DefaultBranch, &r.Provider, &r.URL, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan repository: %w", err)
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// RecordBranch upserts a pushed branch for a repository.
func (s *Store) RecordBranch(repositoryID, name, jobID string) error {
	_, err := s.conn.Exec(`
		INSERT INTO code_branches (repository_id, name, job_id) VALUES (?, ?, ?)
		ON CONFLICT(repository_id, name) DO UPDATE SET job_id = excluded.job_id`,
		repositoryID, name, nullIfEmpty(jobID))
	if err != nil {
		return fmt.Errorf("failed to record branch: %w", err)
	}
	return nil
}

// RecordPullRequest upserts an opened pull request for a repository.
func (s *Store) RecordPullRequest(repositoryID string, number int, url, title, jobID string) error {
	_, err := s.conn.Exec(`
		INSERT INTO code_pull_requests (repository_id, number, url, title, job_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repository_id, number) DO UPDATE SET
			url = excluded.url, title = excluded.title, job_id = excluded.job_id`,
		repositoryID, number, url, title, nullIfEmpty(jobID))
	if err != nil {
		return fmt.Errorf("failed to record pull request: %w", err)
	}
	return nil
}

// ListPullRequests returns recorded PRs for a repository, newest first.
func (s *Store) ListPullRequests(repositoryID string) ([]*PullRequest, error) {
	rows, err := s.conn.Query(`
		SELECT id, repository_id, number, url, title, job_id, created_at
		FROM code_pull_requests WHERE repository_id = ? ORDER BY number DESC`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests: %w", err)
	}
	defer rows.Close()

	var prs []*PullRequest
	for rows.Next() {
		var pr PullRequest
		var url, title sql.NullString
		var createdAt string
		if err := rows.Scan(&pr.ID, &pr.RepositoryID, &pr.Number, &url, &title, &pr.JobID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pull request row: %w", err)
		}
		pr.URL = url.String
		pr.Title = title.String
		pr.CreatedAt = parseTime(createdAt)
		prs = append(prs, &pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pull request rows: %w", err)
	}
	return prs, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
