package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// APIKeys retrieves all stored credentials in creation order
func (s *SQLiteStore) APIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT data FROM api_keys ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	keys := []*APIKey{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		var key APIKey
		if err := json.Unmarshal([]byte(data), &key); err != nil {
			return nil, fmt.Errorf("failed to decode api key: %w", err)
		}
		keys = append(keys, &key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api keys: %w", err)
	}

	return keys, nil
}

// SaveAPIKey upserts a credential, assigning an id on first save
func (s *SQLiteStore) SaveAPIKey(ctx context.Context, key *APIKey) (string, error) {
	prepareAPIKey(key)

	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode api key: %w", err)
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, provider, created_at, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, provider = excluded.provider, data = excluded.data`,
		key.ID, key.Name, string(key.Provider), key.CreatedAt.UnixMilli(), string(data),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save api key: %w", err)
	}
	return key.ID, nil
}

// DeleteAPIKey deletes a credential
func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM api_keys WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return nil
}
