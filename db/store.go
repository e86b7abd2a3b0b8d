package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store is the durable persistence boundary. Conversations are saved as
// whole records: a save replaces the previous version atomically.
type Store interface {
	Conversations(ctx context.Context) ([]*Conversation, error)
	Conversation(ctx context.Context, id string) (*Conversation, error)
	SaveConversation(ctx context.Context, conv *Conversation, opts ...SaveOption) (string, error)
	DeleteConversation(ctx context.Context, id string) error

	APIKeys(ctx context.Context) ([]*APIKey, error)
	SaveAPIKey(ctx context.Context, key *APIKey) (string, error)
	DeleteAPIKey(ctx context.Context, id string) error

	Config(ctx context.Context) (*AppConfig, error)
	SaveConfig(ctx context.Context, cfg *AppConfig) error

	// Setting decodes the value stored under key into dst
	Setting(ctx context.Context, key string, dst interface{}) error
	SetSetting(ctx context.Context, key string, value interface{}) error
	RemoveSetting(ctx context.Context, key string) error

	Close() error
}

// Well-known keys in the settings space
const (
	SettingSystemMessage   = "system_message"
	SettingWebSearchConfig = "web_search_config"
)

type saveOptions struct {
	preserveTimestamp bool
}

// SaveOption tweaks SaveConversation
type SaveOption func(*saveOptions)

// PreserveTimestamp keeps the caller's UpdatedAt instead of refreshing it
func PreserveTimestamp() SaveOption {
	return func(o *saveOptions) {
		o.preserveTimestamp = true
	}
}

// now is the clock used for assigned timestamps
var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewID returns a fresh random identifier
func NewID() string {
	return uuid.New().String()
}

// prepareConversation assigns identity and timestamps the way every backend must
func prepareConversation(conv *Conversation, opts []SaveOption) {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	t := now()
	if conv.ID == "" {
		conv.ID = NewID()
		conv.CreatedAt = t
		conv.UpdatedAt = t
	} else if !o.preserveTimestamp {
		conv.UpdatedAt = t
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
}

func prepareAPIKey(key *APIKey) {
	if key.ID == "" {
		key.ID = NewID()
		key.CreatedAt = now()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now()
	}
}

// configMu serializes load-modify-save of the single config record
var configMu sync.Mutex

// EnsureConfig returns the app config, creating the default record if absent
func EnsureConfig(ctx context.Context, s Store) (*AppConfig, error) {
	configMu.Lock()
	defer configMu.Unlock()
	return ensureConfig(ctx, s)
}

func ensureConfig(ctx context.Context, s Store) (*AppConfig, error) {
	cfg, err := s.Config(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg = DefaultConfig()
	if err := s.SaveConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to create default config: %w", err)
	}
	return cfg, nil
}

// UpdateConfig loads (or creates) the config, applies mutate and saves it
func UpdateConfig(ctx context.Context, s Store, mutate func(*AppConfig)) error {
	configMu.Lock()
	defer configMu.Unlock()

	cfg, err := ensureConfig(ctx, s)
	if err != nil {
		return err
	}
	mutate(cfg)
	if err := s.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}
