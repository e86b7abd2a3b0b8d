package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// KV is a flat, synchronous key-value space used by the secondary backend
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error) // ErrNotFound when absent
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Keys used by KVStore. Each record kind is one value holding the whole list.
const (
	keyConversations = "streamwise_conversations"
	keyAPIKeys       = "streamwise_api_keys"
	keyConfig        = "streamwise_config"
	keySettingPrefix = "streamwise_setting_"
)

// KVStore is the best-effort secondary backend. It has no transactional
// guarantees: every write rewrites the whole list for its record kind.
type KVStore struct {
	mu sync.Mutex
	kv KV
}

// NewKVStore creates a store over kv
func NewKVStore(kv KV) *KVStore {
	return &KVStore{kv: kv}
}

// Close closes the underlying key-value space
func (s *KVStore) Close() error {
	return s.kv.Close()
}

func (s *KVStore) getJSON(ctx context.Context, key string, dst interface{}) error {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) setJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) loadConversations(ctx context.Context) ([]*Conversation, error) {
	conversations := []*Conversation{}
	err := s.getJSON(ctx, keyConversations, &conversations)
	if errors.Is(err, ErrNotFound) {
		return []*Conversation{}, nil
	}
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

// Conversations returns all conversations in creation order
func (s *KVStore) Conversations(ctx context.Context) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations, err := s.loadConversations(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.Before(conversations[j].CreatedAt)
	})
	return conversations, nil
}

// Conversation returns the conversation with the given id
func (s *KVStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations, err := s.loadConversations(ctx)
	if err != nil {
		return nil, err
	}
	for _, conv := range conversations {
		if conv.ID == id {
			return conv, nil
		}
	}
	return nil, ErrNotFound
}

// SaveConversation upserts the conversation into the stored list
func (s *KVStore) SaveConversation(ctx context.Context, conv *Conversation, opts ...SaveOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations, err := s.loadConversations(ctx)
	if err != nil {
		return "", err
	}

	prepareConversation(conv, opts)
	stored := conv.Clone()

	replaced := false
	for i := range conversations {
		if conversations[i].ID == conv.ID {
			conversations[i] = stored
			replaced = true
			break
		}
	}
	if !replaced {
		conversations = append(conversations, stored)
	}

	if err := s.setJSON(ctx, keyConversations, conversations); err != nil {
		return "", err
	}
	return conv.ID, nil
}

// DeleteConversation removes the conversation from the stored list
func (s *KVStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations, err := s.loadConversations(ctx)
	if err != nil {
		return err
	}

	kept := conversations[:0]
	for _, conv := range conversations {
		if conv.ID != id {
			kept = append(kept, conv)
		}
	}
	return s.setJSON(ctx, keyConversations, kept)
}

func (s *KVStore) loadAPIKeys(ctx context.Context) ([]*APIKey, error) {
	keys := []*APIKey{}
	err := s.getJSON(ctx, keyAPIKeys, &keys)
	if errors.Is(err, ErrNotFound) {
		return []*APIKey{}, nil
	}
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// APIKeys returns all stored credentials
func (s *KVStore) APIKeys(ctx context.Context) ([]*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAPIKeys(ctx)
}

// SaveAPIKey upserts a credential
func (s *KVStore) SaveAPIKey(ctx context.Context, key *APIKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadAPIKeys(ctx)
	if err != nil {
		return "", err
	}

	prepareAPIKey(key)
	stored := *key

	replaced := false
	for i := range keys {
		if keys[i].ID == key.ID {
			keys[i] = &stored
			replaced = true
			break
		}
	}
	if !replaced {
		keys = append(keys, &stored)
	}

	if err := s.setJSON(ctx, keyAPIKeys, keys); err != nil {
		return "", err
	}
	return key.ID, nil
}

// DeleteAPIKey removes a credential
func (s *KVStore) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadAPIKeys(ctx)
	if err != nil {
		return err
	}

	kept := keys[:0]
	for _, key := range keys {
		if key.ID != id {
			kept = append(kept, key)
		}
	}
	return s.setJSON(ctx, keyAPIKeys, kept)
}

// Config returns the app config
func (s *KVStore) Config(ctx context.Context) (*AppConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg AppConfig
	if err := s.getJSON(ctx, keyConfig, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig replaces the app config
func (s *KVStore) SaveConfig(ctx context.Context, cfg *AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setJSON(ctx, keyConfig, cfg)
}

// Setting decodes the value stored under key into dst
func (s *KVStore) Setting(ctx context.Context, key string, dst interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getJSON(ctx, keySettingPrefix+key, dst)
}

// SetSetting stores value under key
func (s *KVStore) SetSetting(ctx context.Context, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setJSON(ctx, keySettingPrefix+key, value)
}

// RemoveSetting deletes the value stored under key
func (s *KVStore) RemoveSetting(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(ctx, keySettingPrefix+key)
}
