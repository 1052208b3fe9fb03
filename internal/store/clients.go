package store

import (
	"database/sql"
	"fmt"
)

// CreateClient inserts a tenant. Tier defaults to "pro" when empty.
func (s *Store) CreateClient(c *Client) error {
	if c.Tier == "" {
		c.Tier = "pro"
	}
	_, err := s.conn.Exec(`
		INSERT INTO clients (id, name, tier) VALUES (?, ?, ?)`,
		c.ID, c.Name, c.Tier)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// GetClient returns the client with the given id, or nil if absent.
func (s *Store) GetClient(id string) (*Client, error) {
	var c Client
	var createdAt string
	var genAt sql.NullString
	err := s.conn.QueryRow(`
		SELECT id, name, tier, constitution, constitution_generated_at, created_at
		FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Tier, &c.Constitution, &genAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client %s: %w", id, err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.ConstitutionGeneratedAt = parseNullTime(genAt)
	return &c, nil
}

// ListClients returns all tenants ordered by name.
func (s *Store) ListClients() ([]*Client, error) {
	rows, err := s.conn.Query(`
		SELECT id, name, tier, constitution, constitution_generated_at, created_at
		FROM clients ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		var c Client
		var createdAt string
		var genAt sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Tier, &c.Constitution, &genAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan client row: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		c.ConstitutionGeneratedAt = parseNullTime(genAt)
		clients = append(clients, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate client rows: %w", err)
	}
	return clients, nil
}

// SetClientConstitution stores a freshly generated constitution. Every
// feature under the client sees the new text on its next spec run.
func (s *Store) SetClientConstitution(id, constitution string) error {
	_, err := s.conn.Exec(`
		UPDATE clients
		SET constitution = ?, constitution_generated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, constitution, id)
	if err != nil {
		return fmt.Errorf("failed to set client constitution: %w", err)
	}
	return nil
}

// UpsertClientTool enables or reconfigures a tool allowance for a client.
func (s *Store) UpsertClientTool(clientID, name string, config map[string]any, enabled bool) error {
	raw, err := marshalJSON(nilIfEmptyMap(config))
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(`
		INSERT INTO client_tools (client_id, name, config, enabled) VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, name) DO UPDATE SET config = excluded.config, enabled = excluded.enabled`,
		clientID, name, raw, boolToInt(enabled))
	if err != nil {
		return fmt.Errorf("failed to upsert client tool: %w", err)
	}
	return nil
}

// ListClientTools returns the enabled tool allowances for a client.
func (s *Store) ListClientTools(clientID string) ([]*ClientTool, error) {
	rows, err := s.conn.Query(`
		SELECT id, client_id, name, config, enabled
		FROM client_tools WHERE client_id = ? AND enabled = 1 ORDER BY name ASC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list client tools: %w", err)
	}
	defer rows.Close()

	var tools []*ClientTool
	for rows.Next() {
		var t ClientTool
		var config *string
		var enabled int
		if err := rows.Scan(&t.ID, &t.ClientID, &t.Name, &config, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan client tool row: %w", err)
		}
		t.Enabled = enabled != 0
		if err := unmarshalJSON(config, &t.Config); err != nil {
			return nil, err
		}
		tools = append(tools, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate client tool rows: %w", err)
	}
	return tools, nil
}
