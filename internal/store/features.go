package store

import (
	"database/sql"
	"fmt"
)

// CreateFeature inserts a feature in the backlog stage.
func (s *Store) CreateFeature(f *Feature) error {
	prd, err := marshalJSON(nilIfNilPRD(f.PRD))
	if err != nil {
		return err
	}
	stage := f.StageCode
	if stage == nil {
		backlog := "backlog"
		stage = &backlog
	}
	_, err = s.conn.Exec(`
		INSERT INTO features (id, client_id, title, notes, feature_type, prd, spec_output, spec_phase, feature_workflow_stage_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT id FROM workflow_stages WHERE code = ?))`,
		f.ID, f.ClientID, f.Title, f.Notes, f.FeatureType, prd, f.SpecOutput, f.SpecPhase, *stage)
	if err != nil {
		return fmt.Errorf("failed to create feature: %w", err)
	}
	return nil
}

const featureColumns = `f.id, f.client_id, f.title, f.notes, f.feature_type,
	f.prd, f.spec_output, f.spec_phase, ws.code, f.created_at`

// GetFeature returns the feature with the given id, or nil if absent.
func (s *Store) GetFeature(id string) (*Feature, error) {
	row := s.conn.QueryRow(`
		SELECT `+featureColumns+`
		FROM features f
		LEFT JOIN workflow_stages ws ON ws.id = f.feature_workflow_stage_id
		WHERE f.id = ?`, id)
	f, err := scanFeature(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature %s: %w", id, err)
	}
	return f, nil
}

// ListFeatures returns a client's features, newest first.
func (s *Store) ListFeatures(clientID string) ([]*Feature, error) {
	rows, err := s.conn.Query(`
		SELECT `+featureColumns+`
		FROM features f
		LEFT JOIN workflow_stages ws ON ws.id = f.feature_workflow_stage_id
		WHERE f.client_id = ?
		ORDER BY f.created_at DESC, f.id DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	var features []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature row: %w", err)
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feature rows: %w", err)
	}
	return features, nil
}

func scanFeature(row rowScanner) (*Feature, error) {
	var f Feature
	var prd *string
	var createdAt string
	err := row.Scan(&f.ID, &f.ClientID, &f.Title, &f.Notes, &f.FeatureType,
		&prd, &f.SpecOutput, &f.SpecPhase, &f.StageCode, &createdAt)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = parseTime(createdAt)
	if err := unmarshalJSON(prd, &f.PRD); err != nil {
		return nil, err
	}
	return &f, nil
}

// SetFeatureStage moves a feature to the workflow stage named by code.
func (s *Store) SetFeatureStage(id, code string) error {
	res, err := s.conn.Exec(`
		UPDATE features
		SET feature_workflow_stage_id = (SELECT id FROM workflow_stages WHERE code = ?)
		WHERE id = ?`, code, id)
	if err != nil {
		return fmt.Errorf("failed to set feature stage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("feature %s not found", id)
	}
	return nil
}

// SetFeatureSpecState persists the accumulated pipeline output on the feature.
func (s *Store) SetFeatureSpecState(id, phase, output string) error {
	_, err := s.conn.Exec(`
		UPDATE features SET spec_phase = ?, spec_output = ? WHERE id = ?`,
		phase, output, id)
	if err != nil {
		return fmt.Errorf("failed to set feature spec state: %w", err)
	}
	return nil
}

// SetFeaturePRD stores a generated PRD on the feature.
func (s *Store) SetFeaturePRD(id string, prd *PRD) error {
	raw, err := marshalJSON(nilIfNilPRD(prd))
	if err != nil {
		return err
	}
	if _, err := s.conn.Exec(`UPDATE features SET prd = ? WHERE id = ?`, raw, id); err != nil {
		return fmt.Errorf("failed to set feature PRD: %w", err)
	}
	return nil
}

// SyncTodos mirrors PRD stories onto the feature's todo checklist. Rows
// are keyed by order_index, so repeated syncs update in place.
func (s *Store) SyncTodos(featureID string, prd *PRD) error {
	if prd == nil {
		return nil
	}
	for i, story := range prd.Stories {
		status := "pending"
		if story.Passes {
			status = "done"
		}
		_, err := s.conn.Exec(`
			INSERT INTO todos (feature_id, order_index, title, status) VALUES (?, ?, ?, ?)
			ON CONFLICT(feature_id, order_index) DO UPDATE SET
				title = excluded.title, status = excluded.status`,
			featureID, i, story.Title, status)
		if err != nil {
			return fmt.Errorf("failed to sync todo %d: %w", i, err)
		}
	}
	return nil
}

// SetTodoStatus updates one checklist row by its position.
func (s *Store) SetTodoStatus(featureID string, orderIndex int, status string) error {
	_, err := s.conn.Exec(`
		UPDATE todos SET status = ? WHERE feature_id = ? AND order_index = ?`,
		status, featureID, orderIndex)
	if err != nil {
		return fmt.Errorf("failed to set todo status: %w", err)
	}
	return nil
}

// ListTodos returns a feature's checklist in order.
func (s *Store) ListTodos(featureID string) ([]*Todo, error) {
	rows, err := s.conn.Query(`
		SELECT id, feature_id, order_index, title, status
		FROM todos WHERE feature_id = ? ORDER BY order_index ASC`, featureID)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	defer rows.Close()

	var todos []*Todo
	for rows.Next() {
		var td Todo
		if err := rows.Scan(&td.ID, &td.FeatureID, &td.OrderIndex, &td.Title, &td.Status); err != nil {
			return nil, fmt.Errorf("failed to scan todo row: %w", err)
		}
		todos = append(todos, &td)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate todo rows: %w", err)
	}
	return todos, nil
}

// CreateAttachment records a collected artifact.
func (s *Store) CreateAttachment(a *Attachment) error {
	_, err := s.conn.Exec(`
		INSERT INTO attachments (id, feature_id, job_id, kind, path) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.FeatureID, a.JobID, a.Kind, a.Path)
	if err != nil {
		return fmt.Errorf("failed to create attachment: %w", err)
	}
	return nil
}

// ListAttachments returns artifacts recorded for a job.
func (s *Store) ListAttachments(jobID string) ([]*Attachment, error) {
	rows, err := s.conn.Query(`
		SELECT id, feature_id, job_id, kind, path, created_at
		FROM attachments WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		var a Attachment
		var createdAt string
		if err := rows.Scan(&a.ID, &a.FeatureID, &a.JobID, &a.Kind, &a.Path, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan attachment row: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attachment rows: %w", err)
	}
	return out, nil
}
