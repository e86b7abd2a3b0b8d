package db

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Backend identifies which store served a call
type Backend int32

const (
	BackendPrimary Backend = iota
	BackendSecondary
)

func (b Backend) String() string {
	switch b {
	case BackendPrimary:
		return "primary"
	case BackendSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("backend(%d)", int32(b))
	}
}

// Logger is the logging surface the fallback policy needs
type Logger interface {
	Warn(format string, v ...interface{})
}

// Fallback tries the primary store first and, when it fails, the secondary.
// A write goes to exactly one backend; results of the two are never merged.
type Fallback struct {
	primary   Store
	secondary Store
	logger    Logger
	served    atomic.Int32
}

// NewFallback combines primary and secondary under the fallback policy
func NewFallback(primary, secondary Store, logger Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

// Served reports the backend that served the most recent call
func (f *Fallback) Served() Backend {
	return Backend(f.served.Load())
}

func (f *Fallback) mark(b Backend) {
	f.served.Store(int32(b))
}

func (f *Fallback) warn(op string, err error) {
	if f.logger != nil {
		f.logger.Warn("Primary store failed for %s, using secondary: %v", op, err)
	}
}

// write runs op against the primary and, on failure, against the secondary
func (f *Fallback) write(name string, op func(Store) error) error {
	err := op(f.primary)
	if err == nil {
		f.mark(BackendPrimary)
		return nil
	}
	f.warn(name, err)

	if err2 := op(f.secondary); err2 != nil {
		return fmt.Errorf("failed to %s on both backends: %w", name, errors.Join(err, err2))
	}
	f.mark(BackendSecondary)
	return nil
}

// get reads from the primary; a missing record or failure falls through to the secondary
func (f *Fallback) get(name string, op func(Store) error) error {
	err := op(f.primary)
	if err == nil {
		f.mark(BackendPrimary)
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		f.warn(name, err)
	}

	err2 := op(f.secondary)
	if err2 == nil {
		f.mark(BackendSecondary)
		return nil
	}
	if errors.Is(err, ErrNotFound) && errors.Is(err2, ErrNotFound) {
		f.mark(BackendPrimary)
		return ErrNotFound
	}
	return fmt.Errorf("failed to %s on both backends: %w", name, errors.Join(err, err2))
}

// Conversations lists from the primary, or from the secondary when the
// primary fails or holds nothing
func (f *Fallback) Conversations(ctx context.Context) ([]*Conversation, error) {
	convs, err := f.primary.Conversations(ctx)
	if err == nil && len(convs) > 0 {
		f.mark(BackendPrimary)
		return convs, nil
	}
	if err != nil {
		f.warn("list conversations", err)
	}

	secondary, err2 := f.secondary.Conversations(ctx)
	if err2 == nil && (len(secondary) > 0 || err != nil) {
		f.mark(BackendSecondary)
		return secondary, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations on both backends: %w", errors.Join(err, err2))
	}
	f.mark(BackendPrimary)
	return convs, nil
}

// Conversation reads one conversation
func (f *Fallback) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var conv *Conversation
	err := f.get("get conversation", func(s Store) error {
		var err error
		conv, err = s.Conversation(ctx, id)
		return err
	})
	return conv, err
}

// SaveConversation writes to one backend
func (f *Fallback) SaveConversation(ctx context.Context, conv *Conversation, opts ...SaveOption) (string, error) {
	var id string
	err := f.write("save conversation", func(s Store) error {
		var err error
		id, err = s.SaveConversation(ctx, conv, opts...)
		return err
	})
	return id, err
}

// DeleteConversation deletes from one backend
func (f *Fallback) DeleteConversation(ctx context.Context, id string) error {
	return f.write("delete conversation", func(s Store) error {
		return s.DeleteConversation(ctx, id)
	})
}

// APIKeys lists from the primary, or from the secondary when the primary
// fails or holds nothing
func (f *Fallback) APIKeys(ctx context.Context) ([]*APIKey, error) {
	keys, err := f.primary.APIKeys(ctx)
	if err == nil && len(keys) > 0 {
		f.mark(BackendPrimary)
		return keys, nil
	}
	if err != nil {
		f.warn("list api keys", err)
	}

	secondary, err2 := f.secondary.APIKeys(ctx)
	if err2 == nil && (len(secondary) > 0 || err != nil) {
		f.mark(BackendSecondary)
		return secondary, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys on both backends: %w", errors.Join(err, err2))
	}
	f.mark(BackendPrimary)
	return keys, nil
}

// SaveAPIKey writes to one backend
func (f *Fallback) SaveAPIKey(ctx context.Context, key *APIKey) (string, error) {
	var id string
	err := f.write("save api key", func(s Store) error {
		var err error
		id, err = s.SaveAPIKey(ctx, key)
		return err
	})
	return id, err
}

// DeleteAPIKey deletes from one backend
func (f *Fallback) DeleteAPIKey(ctx context.Context, id string) error {
	return f.write("delete api key", func(s Store) error {
		return s.DeleteAPIKey(ctx, id)
	})
}

// Config reads the app config
func (f *Fallback) Config(ctx context.Context) (*AppConfig, error) {
	var cfg *AppConfig
	err := f.get("get config", func(s Store) error {
		var err error
		cfg, err = s.Config(ctx)
		return err
	})
	return cfg, err
}

// SaveConfig writes to one backend
func (f *Fallback) SaveConfig(ctx context.Context, cfg *AppConfig) error {
	return f.write("save config", func(s Store) error {
		return s.SaveConfig(ctx, cfg)
	})
}

// Setting reads a setting
func (f *Fallback) Setting(ctx context.Context, key string, dst interface{}) error {
	return f.get("get setting "+key, func(s Store) error {
		return s.Setting(ctx, key, dst)
	})
}

// SetSetting writes to one backend
func (f *Fallback) SetSetting(ctx context.Context, key string, value interface{}) error {
	return f.write("set setting "+key, func(s Store) error {
		return s.SetSetting(ctx, key, value)
	})
}

// RemoveSetting deletes from one backend
func (f *Fallback) RemoveSetting(ctx context.Context, key string) error {
	return f.write("remove setting "+key, func(s Store) error {
		return s.RemoveSetting(ctx, key)
	})
}

// Close closes both backends
func (f *Fallback) Close() error {
	return errors.Join(f.primary.Close(), f.secondary.Close())
}
