package chat

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"streamwise/db"
	"streamwise/llm"
	"streamwise/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSettings struct {
	key       *db.APIKey
	webSearch db.WebSearchSettings
}

func (s *fakeSettings) CurrentAPIKey() *db.APIKey {
	if s.key == nil {
		return nil
	}
	k := *s.key
	return &k
}

func (s *fakeSettings) WebSearchConfig() db.WebSearchSettings {
	return s.webSearch
}

// scriptedClient replays events for every call. When hold is set the stream
// stays open after the events until hold is closed or the call is cancelled.
type scriptedClient struct {
	mu       sync.Mutex
	calls    []llm.Request
	events   []llm.StreamResponse
	startErr error
	hold     chan struct{}
}

func (c *scriptedClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	events := c.events
	hold := c.hold
	startErr := c.startErr
	c.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	out := make(chan llm.StreamResponse)
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (c *scriptedClient) Calls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.calls...)
}

func delta(text string) llm.StreamResponse {
	return llm.StreamResponse{Event: llm.Event{Type: llm.EventDelta, Text: text}}
}

func final(text, responseID string) llm.StreamResponse {
	return llm.StreamResponse{Event: llm.Event{Type: llm.EventFinal, Text: text, ResponseID: responseID}}
}

func newTestStore(t *testing.T) db.Store {
	t.Helper()
	s, err := db.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey() *db.APIKey {
	return &db.APIKey{ID: "k1", Name: "test", Key: "sk-test", Provider: db.ProviderOpenAI}
}

type harness struct {
	engine   *Engine
	store    db.Store
	client   *scriptedClient
	settings *fakeSettings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newTestStore(t),
		client:   &scriptedClient{},
		settings: &fakeSettings{key: testKey(), webSearch: db.DefaultWebSearchSettings()},
	}
	h.engine = NewEngine(h.store, h.client, h.settings, utils.NewNopLogger())
	return h
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.LoadAll(context.Background()))
}

func (h *harness) persisted(t *testing.T, id string) *db.Conversation {
	t.Helper()
	conv, err := h.store.Conversation(context.Background(), id)
	require.NoError(t, err)
	return conv
}

func userDraft(text string) db.MessageDraft {
	return db.MessageDraft{Role: db.RoleUser, Content: db.TextContent(text)}
}

func TestLoadAllCreatesDefaultConversation(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.engine.IsLoading())
	h.load(t)
	assert.False(t, h.engine.IsLoading())

	convs := h.engine.Conversations()
	require.Len(t, convs, 1)
	current := h.engine.CurrentConversation()
	require.NotNil(t, current)
	assert.Equal(t, convs[0].ID, current.ID)
	assert.Equal(t, DefaultTitle, current.Title)
	assert.Equal(t, llm.DefaultModel().ID, current.ModelID)
	assert.Equal(t, DefaultModelSettings(), current.ModelSettings)
	assert.Empty(t, current.Messages)

	stored := h.persisted(t, current.ID)
	assert.Equal(t, current.Title, stored.Title)

	cfg, err := h.store.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, current.ID, cfg.ActiveConversationID)
}

func TestLoadAllRestoresActiveConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := &db.Conversation{Title: "first", ModelID: "gpt-4o"}
	second := &db.Conversation{Title: "second", ModelID: "gpt-4o"}
	_, err := h.store.SaveConversation(ctx, first)
	require.NoError(t, err)
	_, err = h.store.SaveConversation(ctx, second)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveConfig(ctx, &db.AppConfig{ActiveConversationID: second.ID, DefaultModelID: "gpt-4o"}))

	h.load(t)
	assert.Len(t, h.engine.Conversations(), 2)
	require.NotNil(t, h.engine.CurrentConversation())
	assert.Equal(t, second.ID, h.engine.CurrentConversation().ID)
}

func TestLoadAllLeavesDanglingActiveUnset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.SaveConversation(ctx, &db.Conversation{Title: "only", ModelID: "gpt-4o"})
	require.NoError(t, err)
	require.NoError(t, h.store.SaveConfig(ctx, &db.AppConfig{ActiveConversationID: "gone"}))

	h.load(t)
	assert.Len(t, h.engine.Conversations(), 1)
	assert.Nil(t, h.engine.CurrentConversation())
}

func TestCreateConversationClampsSettings(t *testing.T) {
	h := newHarness(t)
	h.load(t)
	ctx := context.Background()

	ws := &db.WebSearchSettings{ContextSize: "high"}
	conv, err := h.engine.CreateConversation(ctx, "gpt-4o-mini", db.ModelSettings{Temperature: 3, MaxTokens: 1_000_000}, "Be brief.", ws)
	require.NoError(t, err)
	assert.Equal(t, 1.0, conv.ModelSettings.Temperature)
	assert.Equal(t, 4096, conv.ModelSettings.MaxTokens)
	assert.Equal(t, "Be brief.", conv.SystemMessage)
	require.NotNil(t, conv.ModelSettings.WebSearchSettings)
	assert.Equal(t, "high", conv.ModelSettings.WebSearchSettings.ContextSize)
	assert.Equal(t, conv.ID, h.engine.CurrentConversation().ID)

	_, err = h.engine.CreateConversation(ctx, "gpt-2", DefaultModelSettings(), "", nil)
	assert.ErrorIs(t, err, llm.ErrUnknownModel)
	assert.Len(t, h.engine.Conversations(), 2)
}

func TestSetCurrentConversationByID(t *testing.T) {
	h := newHarness(t)
	h.load(t)
	ctx := context.Background()

	first := h.engine.CurrentConversation()
	second, err := h.engine.CreateConversation(ctx, "gpt-4o", DefaultModelSettings(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, h.engine.CurrentConversation().ID)

	require.NoError(t, h.engine.SetCurrentConversationByID(ctx, first.ID))
	assert.Equal(t, first.ID, h.engine.CurrentConversation().ID)

	assert.ErrorIs(t, h.engine.SetCurrentConversationByID(ctx, "unknown"), ErrConversationNotFound)
	assert.Equal(t, first.ID, h.engine.CurrentConversation().ID)

	cfg, err := h.store.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, cfg.ActiveConversationID)
}

func TestActiveConversationInvariant(t *testing.T) {
	h := newHarness(t)
	h.load(t)
	ctx := context.Background()

	checkActive := func() {
		t.Helper()
		current := h.engine.CurrentConversation()
		require.NotNil(t, current)
		found := 0
		for _, c := range h.engine.Conversations() {
			if c.ID == current.ID {
				found++
			}
		}
		assert.Equal(t, 1, found)
	}

	var ids []string
	for i := 0; i < 4; i++ {
		conv, err := h.engine.CreateConversation(ctx, "gpt-4o", DefaultModelSettings(), "", nil)
		require.NoError(t, err)
		ids = append(ids, conv.ID)
		checkActive()
	}

	// Delete the active one, then a non-active one, then everything
	require.NoError(t, h.engine.DeleteConversation(ctx, ids[3]))
	checkActive()
	require.NoError(t, h.engine.DeleteConversation(ctx, ids[0]))
	checkActive()
	for _, c := range h.engine.Conversations() {
		require.NoError(t, h.engine.DeleteConversation(ctx, c.ID))
		checkActive()
	}
	assert.Len(t, h.engine.Conversations(), 1)
}

func TestDeleteOnlyConversation(t *testing.T) {
	h := newHarness(t)
	h.load(t)
	ctx := context.Background()

	only := h.engine.CurrentConversation()
	require.NoError(t, h.engine.DeleteConversation(ctx, only.ID))

	convs := h.engine.Conversations()
	require.Len(t, convs, 1)
	assert.NotEqual(t, only.ID, convs[0].ID)
	assert.Equal(t, convs[0].ID, h.engine.CurrentConversation().ID)

	_, err := h.store.Conversation(ctx, only.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.ErrorIs(t, h.engine.DeleteConversation(ctx, only.ID), ErrConversationNotFound)
}

func TestMessageOrderAfterEditAndDelete(t *testing.T) {
	h := newHarness(t)
	h.load(t)
	ctx := context.Background()

	var msgs []*db.Message
	for _, text := range []string{"one", "two", "three", "four"} {
		m, err := h.engine.AddMessage(ctx, userDraft(text))
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	edited := *msgs[1]
	edited.Content = db.TextContent("two, edited")
	require.NoError(t, h.engine.UpdateMessage(ctx, edited))
	require.NoError(t, h.engine.DeleteMessage(ctx, msgs[2].ID))

	want := []string{"one", "two, edited", "four"}
	current := h.engine.CurrentConversation()
	stored := h.persisted(t, current.ID)
	for _, conv := range []*db.Conversation{current, stored} {
		var got []string
		for _, m := range conv.Messages {
			got = append(got, m.Content.Text)
		}
		assert.Equal(t, want, got)
		assert.Equal(t, msgs[1].ID, conv.Messages[1].ID)
	}

	assert.ErrorIs(t, h.engine.DeleteMessage(ctx, "missing"), ErrMessageNotFound)
	assert.ErrorIs(t, h.engine.UpdateMessage(ctx, db.Message{ID: "missing"}), ErrMessageNotFound)
}

func TestMessageEditClearsContinuation(t *testing.T) {
	h := newHarness(t)
	h.load(t)
	ctx := context.Background()

	m, err := h.engine.AddMessage(ctx, userDraft("hi"))
	require.NoError(t, err)

	conv := h.engine.CurrentConversation()
	conv.LastResponseID = "resp_1"
	require.NoError(t, h.engine.UpdateConversation(ctx, conv))

	require.NoError(t, h.engine.DeleteMessage(ctx, m.ID))
	assert.Empty(t, h.engine.CurrentConversation().LastResponseID)
	assert.Empty(t, h.persisted(t, conv.ID).LastResponseID)
}

func TestAddMessageWithoutActiveConversation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.AddMessage(context.Background(), userDraft("hi"))
	assert.ErrorIs(t, err, ErrNoActiveConversation)

	_, err = h.engine.AddMessage(context.Background(), db.MessageDraft{Role: "robot", Content: db.TextContent("x")})
	assert.Error(t, err)
}

func TestUpdateConversationIdempotent(t *testing.T) {
	h := newHarness(t)
	h.load(t)
	ctx := context.Background()

	_, err := h.engine.AddMessage(ctx, userDraft("hello"))
	require.NoError(t, err)

	conv := h.engine.CurrentConversation()
	conv.Title = "Renamed"
	conv.WebSearchEnabled = true

	require.NoError(t, h.engine.UpdateConversation(ctx, conv))
	once := h.persisted(t, conv.ID)
	require.NoError(t, h.engine.UpdateConversation(ctx, conv))
	twice := h.persisted(t, conv.ID)

	assert.True(t, twice.UpdatedAt.After(once.UpdatedAt))
	if diff := cmp.Diff(once, twice, cmpopts.IgnoreFields(db.Conversation{}, "UpdatedAt")); diff != "" {
		t.Errorf("second update changed the record (-once +twice):\n%s", diff)
	}

	assert.ErrorIs(t, h.engine.UpdateConversation(ctx, &db.Conversation{ID: "missing"}), ErrConversationNotFound)
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	h := newHarness(t)
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return fixed }
	h.load(t)
	ctx := context.Background()

	prev := h.engine.CurrentConversation().UpdatedAt
	for i := 0; i < 3; i++ {
		_, err := h.engine.AddMessage(ctx, userDraft("tick"))
		require.NoError(t, err)
		next := h.engine.CurrentConversation().UpdatedAt
		assert.True(t, next.After(prev), "updatedAt did not advance: %v -> %v", prev, next)
		prev = next
	}
	assert.True(t, prev.Equal(h.persisted(t, h.engine.CurrentConversation().ID).UpdatedAt))
}

func TestRenameConversation(t *testing.T) {
	h := newHarness(t)
	h.load(t)
	ctx := context.Background()

	id := h.engine.CurrentConversation().ID
	require.NoError(t, h.engine.RenameConversation(ctx, id, "  Groceries "))
	assert.Equal(t, "Groceries", h.persisted(t, id).Title)
	assert.Error(t, h.engine.RenameConversation(ctx, id, " "))
}

func TestExportImport(t *testing.T) {
	h := newHarness(t)
	h.load(t)
	ctx := context.Background()

	_, err := h.engine.AddMessage(ctx, userDraft("What is a monad?"))
	require.NoError(t, err)
	_, err = h.engine.AddMessage(ctx, db.MessageDraft{Role: db.RoleAssistant, Content: db.TextContent("A monoid in the category of endofunctors.")})
	require.NoError(t, err)
	source := h.engine.CurrentConversation()

	var buf bytes.Buffer
	require.NoError(t, h.engine.ExportConversation(&buf, source.ID, utils.FormatJSON))

	imported, err := h.engine.ImportConversations(ctx, &buf)
	require.NoError(t, err)
	require.Len(t, imported, 1)
	assert.NotEqual(t, source.ID, imported[0].ID)
	if diff := cmp.Diff(source.Messages, imported[0].Messages); diff != "" {
		t.Errorf("imported messages differ (-want +got):\n%s", diff)
	}
	assert.Equal(t, source.ID, h.engine.CurrentConversation().ID)
	assert.Len(t, h.engine.Conversations(), 2)

	stored := h.persisted(t, imported[0].ID)
	assert.Len(t, stored.Messages, 2)

	var md bytes.Buffer
	require.NoError(t, h.engine.ExportConversation(&md, source.ID, utils.FormatMarkdown))
	assert.Contains(t, md.String(), "What is a monad?")

	assert.ErrorIs(t, h.engine.ExportConversation(&md, "missing", utils.FormatJSON), ErrConversationNotFound)
}

func TestTitleFrom(t *testing.T) {
	tests := []struct {
		name    string
		content db.Content
		want    string
	}{
		{"plain", db.TextContent("Plan a trip"), "Plan a trip"},
		{"whitespace", db.TextContent("  Plan a\n trip   to Lisbon "), "Plan a trip to Lisbon"},
		{"long", db.TextContent("aaaaaaaaaa bbbbbbbbbb cccccccccc dddddddddd eeeeeeeeee ffff"), "aaaaaaaaaa bbbbbbbbbb cccccccccc dddddddddd eeeeee"},
		{"parts", db.PartsContent(db.ContentPart{Type: db.PartInputImage, ImageURL: "data:image/png;base64,AA"}, db.ContentPart{Type: db.PartInputText, Text: "What is this?"}), "What is this?"},
		{"image only", db.PartsContent(db.ContentPart{Type: db.PartInputImage, ImageURL: "data:image/png;base64,AA"}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := titleFrom(tt.content)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len([]rune(got)), maxTitleRunes)
		})
	}
}
