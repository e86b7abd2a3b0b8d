package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Conversations retrieves all conversations in creation order
func (s *SQLiteStore) Conversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT data FROM conversations ORDER BY created_at ASC, id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := []*Conversation{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		var conv Conversation
		if err := json.Unmarshal([]byte(data), &conv); err != nil {
			return nil, fmt.Errorf("failed to decode conversation: %w", err)
		}
		conversations = append(conversations, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	return conversations, nil
}

// Conversation retrieves a conversation by ID
func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var data string
	err := s.conn.QueryRowContext(ctx, "SELECT data FROM conversations WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}

// SaveConversation upserts the whole conversation record in one transaction
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *Conversation, opts ...SaveOption) (string, error) {
	prepareConversation(conv, opts)

	data, err := json.Marshal(conv)
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, model_id, created_at, updated_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			model_id = excluded.model_id,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		conv.ID, conv.Title, conv.ModelID, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(), string(data),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit conversation: %w", err)
	}

	return conv.ID, nil
}

// DeleteConversation deletes a conversation and, with it, all its messages
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// CountConversations returns the total number of conversations
func (s *SQLiteStore) CountConversations(ctx context.Context) (int64, error) {
	var count int64
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}
