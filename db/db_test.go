package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestKV(t *testing.T) *KVStore {
	t.Helper()
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)
	s := NewKVStore(kv)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConversation() *Conversation {
	return &Conversation{
		Title:   "Trip planning",
		ModelID: "gpt-4o",
		ModelSettings: ModelSettings{
			Temperature: 0.7,
			MaxTokens:   1000,
		},
		Messages: []Message{
			{
				ID:        "m1",
				Role:      RoleUser,
				Content:   TextContent("Where should I go?"),
				Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			},
			{
				ID:   "m2",
				Role: RoleUser,
				Content: PartsContent(
					ContentPart{Type: PartInputText, Text: "What is this?"},
					ContentPart{Type: PartInputImage, ImageURL: "data:image/png;base64,AAAA"},
				),
				Timestamp: time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC),
			},
		},
		WebSearchEnabled: true,
		SystemMessage:    "Be brief.",
		LastResponseID:   "resp_1",
	}
}

// Both backends must satisfy the same contract
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
	t.Run("kv", func(t *testing.T) { fn(t, newTestKV(t)) })
}

func TestSaveConversationRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := sampleConversation()

		id, err := s.SaveConversation(ctx, conv)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		assert.Equal(t, id, conv.ID)
		assert.False(t, conv.CreatedAt.IsZero())
		assert.Equal(t, conv.CreatedAt, conv.UpdatedAt)

		got, err := s.Conversation(ctx, id)
		require.NoError(t, err)
		if diff := cmp.Diff(conv, got); diff != "" {
			t.Errorf("conversation mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSaveConversationIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := sampleConversation()

		_, err := s.SaveConversation(ctx, conv)
		require.NoError(t, err)
		_, err = s.SaveConversation(ctx, conv, PreserveTimestamp())
		require.NoError(t, err)
		_, err = s.SaveConversation(ctx, conv, PreserveTimestamp())
		require.NoError(t, err)

		all, err := s.Conversations(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		if diff := cmp.Diff(conv, all[0]); diff != "" {
			t.Errorf("conversation mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSaveConversationTimestamps(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	orig := now
	now = func() time.Time { return clock }
	t.Cleanup(func() { now = orig })

	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock = base

		conv := sampleConversation()
		_, err := s.SaveConversation(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, base, conv.CreatedAt)

		clock = base.Add(time.Minute)
		_, err = s.SaveConversation(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, base, conv.CreatedAt)
		assert.Equal(t, clock, conv.UpdatedAt)

		pinned := base.Add(30 * time.Second)
		conv.UpdatedAt = pinned
		clock = base.Add(time.Hour)
		_, err = s.SaveConversation(ctx, conv, PreserveTimestamp())
		require.NoError(t, err)

		got, err := s.Conversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, pinned, got.UpdatedAt)
	})
}

func TestConversationsOrderedByCreation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		// saved out of order on purpose
		for _, c := range []struct {
			id      string
			created time.Time
		}{
			{"c3", base.Add(3 * time.Hour)},
			{"c1", base.Add(1 * time.Hour)},
			{"c2", base.Add(2 * time.Hour)},
		} {
			_, err := s.SaveConversation(ctx, &Conversation{
				ID:        c.id,
				CreatedAt: c.created,
				UpdatedAt: c.created,
			}, PreserveTimestamp())
			require.NoError(t, err)
		}

		all, err := s.Conversations(ctx)
		require.NoError(t, err)
		var ids []string
		for _, c := range all {
			ids = append(ids, c.ID)
		}
		assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
	})
}

func TestDeleteConversation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv := sampleConversation()
		_, err := s.SaveConversation(ctx, conv)
		require.NoError(t, err)

		require.NoError(t, s.DeleteConversation(ctx, conv.ID))

		_, err = s.Conversation(ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		// deleting again is not an error
		assert.NoError(t, s.DeleteConversation(ctx, conv.ID))
	})
}

func TestAPIKeys(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		keys, err := s.APIKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		key := &APIKey{Name: "work", Key: "sk-test", Provider: ProviderOpenAI}
		id, err := s.SaveAPIKey(ctx, key)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		custom := &APIKey{Name: "local", Key: "x", Provider: ProviderCustom, BaseURL: "http://localhost:8080/v1"}
		_, err = s.SaveAPIKey(ctx, custom)
		require.NoError(t, err)

		keys, err = s.APIKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 2)

		require.NoError(t, s.DeleteAPIKey(ctx, id))
		keys, err = s.APIKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		if diff := cmp.Diff(custom, keys[0]); diff != "" {
			t.Errorf("api key mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestConfigAndSettings(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Config(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		cfg, err := EnsureConfig(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)

		require.NoError(t, UpdateConfig(ctx, s, func(c *AppConfig) {
			c.ActiveConversationID = "abc"
		}))
		cfg, err = s.Config(ctx)
		require.NoError(t, err)
		assert.Equal(t, "abc", cfg.ActiveConversationID)
		assert.Equal(t, DefaultModelID, cfg.DefaultModelID)

		var prompt string
		assert.ErrorIs(t, s.Setting(ctx, SettingSystemMessage, &prompt), ErrNotFound)

		require.NoError(t, s.SetSetting(ctx, SettingSystemMessage, "You are helpful."))
		require.NoError(t, s.Setting(ctx, SettingSystemMessage, &prompt))
		assert.Equal(t, "You are helpful.", prompt)

		ws := DefaultWebSearchSettings()
		ws.Location.City = "Berlin"
		require.NoError(t, s.SetSetting(ctx, SettingWebSearchConfig, ws))
		var gotWS WebSearchSettings
		require.NoError(t, s.Setting(ctx, SettingWebSearchConfig, &gotWS))
		assert.Equal(t, ws, gotWS)

		require.NoError(t, s.RemoveSetting(ctx, SettingSystemMessage))
		assert.ErrorIs(t, s.Setting(ctx, SettingSystemMessage, &prompt), ErrNotFound)
	})
}

func TestContentJSONShape(t *testing.T) {
	text, err := TextContent("hi").MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(text))

	parts, err := PartsContent(ContentPart{Type: PartInputText, Text: "hi"}).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"input_text","text":"hi"}]`, string(parts))

	var c Content
	assert.Error(t, c.UnmarshalJSON([]byte(`{"text":"hi"}`)))
}

func TestVacuum(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.SaveConversation(context.Background(), sampleConversation())
	require.NoError(t, err)
	assert.NoError(t, s.Vacuum())

	n, err := s.CountConversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// brokenStore fails every call
type brokenStore struct{ err error }

func (b brokenStore) Conversations(context.Context) ([]*Conversation, error) { return nil, b.err }
func (b brokenStore) Conversation(context.Context, string) (*Conversation, error) {
	return nil, b.err
}
func (b brokenStore) SaveConversation(context.Context, *Conversation, ...SaveOption) (string, error) {
	return "", b.err
}
func (b brokenStore) DeleteConversation(context.Context, string) error        { return b.err }
func (b brokenStore) APIKeys(context.Context) ([]*APIKey, error)              { return nil, b.err }
func (b brokenStore) SaveAPIKey(context.Context, *APIKey) (string, error)     { return "", b.err }
func (b brokenStore) DeleteAPIKey(context.Context, string) error              { return b.err }
func (b brokenStore) Config(context.Context) (*AppConfig, error)              { return nil, b.err }
func (b brokenStore) SaveConfig(context.Context, *AppConfig) error            { return b.err }
func (b brokenStore) Setting(context.Context, string, interface{}) error      { return b.err }
func (b brokenStore) SetSetting(context.Context, string, interface{}) error   { return b.err }
func (b brokenStore) RemoveSetting(context.Context, string) error             { return b.err }
func (b brokenStore) Close() error                                            { return nil }

type recordingLogger struct{ warnings int }

func (l *recordingLogger) Warn(string, ...interface{}) { l.warnings++ }

func TestFallbackUsesPrimaryWhenHealthy(t *testing.T) {
	ctx := context.Background()
	primary := newTestSQLite(t)
	secondary := newTestKV(t)
	f := NewFallback(primary, secondary, nil)

	conv := sampleConversation()
	_, err := f.SaveConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, BackendPrimary, f.Served())

	// never written to both
	_, err = secondary.Conversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, BackendPrimary, f.Served())
}

func TestFallbackToSecondaryOnFailure(t *testing.T) {
	ctx := context.Background()
	secondary := newTestKV(t)
	logger := &recordingLogger{}
	f := NewFallback(brokenStore{err: errors.New("disk I/O error")}, secondary, logger)

	conv := sampleConversation()
	_, err := f.SaveConversation(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, BackendSecondary, f.Served())

	all, err := f.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, BackendSecondary, f.Served())

	cfg, err := EnsureConfig(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, DefaultModelID, cfg.DefaultModelID)
	assert.Equal(t, BackendSecondary, f.Served())

	assert.Positive(t, logger.warnings)
}

func TestFallbackReadsSecondaryWhenPrimaryEmpty(t *testing.T) {
	ctx := context.Background()
	primary := newTestSQLite(t)
	secondary := newTestKV(t)

	conv := sampleConversation()
	_, err := secondary.SaveConversation(ctx, conv)
	require.NoError(t, err)

	f := NewFallback(primary, secondary, nil)
	all, err := f.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, BackendSecondary, f.Served())

	// both empty: the primary's empty answer stands
	keys, err := f.APIKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, BackendPrimary, f.Served())
}

func TestFallbackBothFail(t *testing.T) {
	ctx := context.Background()
	f := NewFallback(brokenStore{err: errors.New("primary down")}, brokenStore{err: errors.New("secondary down")}, nil)

	_, err := f.SaveConversation(ctx, sampleConversation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary down")
	assert.Contains(t, err.Error(), "secondary down")

	_, err = f.Conversations(ctx)
	assert.Error(t, err)
}

func TestFallbackNotFoundOnBoth(t *testing.T) {
	f := NewFallback(newTestSQLite(t), newTestKV(t), nil)
	_, err := f.Conversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// slowConfigStore widens the window between reading and saving the config
type slowConfigStore struct {
	Store
}

func (s slowConfigStore) Config(ctx context.Context) (*AppConfig, error) {
	time.Sleep(2 * time.Millisecond)
	return s.Store.Config(ctx)
}

func TestUpdateConfigSerializesWriters(t *testing.T) {
	store := slowConfigStore{Store: newTestSQLite(t)}
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, UpdateConfig(ctx, store, func(cfg *AppConfig) {
				n := 0
				fmt.Sscanf(cfg.ActiveConversationID, "%d", &n)
				cfg.ActiveConversationID = fmt.Sprint(n + 1)
			}))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, UpdateConfig(ctx, store, func(cfg *AppConfig) {
			cfg.CurrentAPIKeyID = "key-1"
		}))
	}()
	wg.Wait()

	cfg, err := store.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(writers), cfg.ActiveConversationID, "no update lost")
	assert.Equal(t, "key-1", cfg.CurrentAPIKeyID)
}
