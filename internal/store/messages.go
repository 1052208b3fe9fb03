package store

import "fmt"

// AppendMessage adds one entry to a job's transcript.
func (s *Store) AppendMessage(jobID, msgType, content string) error {
	_, err := s.conn.Exec(`
		INSERT INTO agent_job_messages (job_id, type, content) VALUES (?, ?, ?)`,
		jobID, msgType, content)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a job's transcript in insertion order. afterID
// skips entries already seen; pass 0 for the full transcript.
func (s *Store) ListMessages(jobID string, afterID int64) ([]*Message, error) {
	rows, err := s.conn.Query(`
		SELECT id, job_id, type, content, created_at
		FROM agent_job_messages
		WHERE job_id = ? AND id > ?
		ORDER BY id ASC`, jobID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.JobID, &m.Type, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}
