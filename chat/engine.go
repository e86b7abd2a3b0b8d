package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"streamwise/db"
	"streamwise/llm"
	"streamwise/utils"
)

var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrSendInFlight         = errors.New("a reply is already streaming in this conversation")
	ErrInvalidMessage       = errors.New("invalid message")
)

const (
	// DefaultTitle is given to new conversations until the first user message names them
	DefaultTitle = "New Conversation"

	NoAPIKeyText    = "No API key configured. Add an API key in settings to start chatting."
	StreamErrorText = "Sorry, something went wrong while generating a response. Please try again."

	maxTitleRunes = 50
)

// DefaultModelSettings returns the generation parameters of a fresh conversation
func DefaultModelSettings() db.ModelSettings {
	return db.ModelSettings{
		Temperature: 0.7,
		MaxTokens:   llm.DefaultMaxTokens,
	}
}

// SettingsProvider is the part of the settings service the engine reads per request
type SettingsProvider interface {
	CurrentAPIKey() *db.APIKey
	WebSearchConfig() db.WebSearchSettings
}

// inflight tracks the assistant placeholder of a send that has not settled
type inflight struct {
	placeholderID string
	cancel        context.CancelFunc
}

// Engine owns the conversation list and the current conversation. All
// methods are safe for concurrent use; readers get deep copies.
type Engine struct {
	store    db.Store
	client   llm.Client
	settings SettingsProvider
	logger   *utils.Logger
	now      func() time.Time

	mu            sync.RWMutex
	conversations []*db.Conversation
	currentID     string
	loading       bool
	inflight      map[string]*inflight

	// saveMu orders snapshots so the store never goes back in time
	saveMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

// NewEngine creates an engine; call LoadAll before use
func NewEngine(store db.Store, client llm.Client, settings SettingsProvider, logger *utils.Logger) *Engine {
	return &Engine{
		store:    store,
		client:   client,
		settings: settings,
		logger:   logger,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Millisecond)
		},
		loading:  true,
		inflight: make(map[string]*inflight),
		subs:     make(map[int]chan Update),
	}
}

// LoadAll hydrates the conversation list and restores the active conversation.
// When nothing is stored a default conversation is created and activated.
func (e *Engine) LoadAll(ctx context.Context) error {
	e.mu.Lock()
	e.loading = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.loading = false
		e.mu.Unlock()
	}()

	conversations, err := e.store.Conversations(ctx)
	if err != nil {
		e.logger.Warn("Failed to load conversations: %v", err)
		conversations = nil
	}

	activeID := ""
	if cfg, err := db.EnsureConfig(ctx, e.store); err != nil {
		e.logger.Warn("Failed to load app config: %v", err)
	} else {
		activeID = cfg.ActiveConversationID
	}

	e.mu.Lock()
	e.conversations = conversations
	e.currentID = ""
	if e.indexOf(activeID) >= 0 {
		e.currentID = activeID
	}
	e.mu.Unlock()

	e.logger.Info("Loaded %d conversations", len(conversations))

	if len(conversations) == 0 {
		if _, err := e.CreateConversation(ctx, llm.DefaultModel().ID, DefaultModelSettings(), "", nil); err != nil {
			return fmt.Errorf("failed to create default conversation: %w", err)
		}
	}
	return nil
}

// indexOf returns the position of conversation id; callers hold e.mu
func (e *Engine) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, c := range e.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) find(id string) *db.Conversation {
	if i := e.indexOf(id); i >= 0 {
		return e.conversations[i]
	}
	return nil
}

// touch bumps UpdatedAt, keeping it strictly increasing
func (e *Engine) touch(conv *db.Conversation) {
	t := e.now()
	if !t.After(conv.UpdatedAt) {
		t = conv.UpdatedAt.Add(time.Millisecond)
	}
	conv.UpdatedAt = t
}

// snapshot copies conv without its unsettled assistant placeholder; callers hold e.mu
func (e *Engine) snapshot(conv *db.Conversation) *db.Conversation {
	out := conv.Clone()
	if f, ok := e.inflight[conv.ID]; ok {
		if i := out.MessageIndex(f.placeholderID); i >= 0 {
			out.Messages = append(out.Messages[:i], out.Messages[i+1:]...)
		}
	}
	for i := range out.Messages {
		out.Messages[i].Status = db.StatusNone
	}
	return out
}

// persist writes the current state of conversation id. A failure is logged
// and the in-memory state stands.
func (e *Engine) persist(ctx context.Context, id string) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.RLock()
	conv := e.find(id)
	var snap *db.Conversation
	if conv != nil {
		snap = e.snapshot(conv)
	}
	e.mu.RUnlock()

	if snap == nil {
		return
	}
	if _, err := e.store.SaveConversation(ctx, snap, db.PreserveTimestamp()); err != nil {
		e.logger.Error("Failed to save conversation %s: %v", id, err)
	}
}

// persistActive records the active pointer in the app config
func (e *Engine) persistActive(ctx context.Context, id string) {
	err := db.UpdateConfig(ctx, e.store, func(cfg *db.AppConfig) {
		cfg.ActiveConversationID = id
	})
	if err != nil {
		e.logger.Warn("Failed to update active conversation in config: %v", err)
	}
}

// Conversations returns copies of every conversation in creation order
func (e *Engine) Conversations() []*db.Conversation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*db.Conversation, len(e.conversations))
	for i, c := range e.conversations {
		out[i] = c.Clone()
	}
	return out
}

// Conversation returns a copy of the live view of conversation id
func (e *Engine) Conversation(id string) (*db.Conversation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	conv := e.find(id)
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

// CurrentConversation returns a copy of the active conversation, or nil
func (e *Engine) CurrentConversation() *db.Conversation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.find(e.currentID).Clone()
}

// IsLoading reports whether LoadAll is still running
func (e *Engine) IsLoading() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loading
}

// Streaming reports whether conversation id has a reply in flight
func (e *Engine) Streaming(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.inflight[id]
	return ok
}

// SetCurrentConversationByID activates an existing conversation. Unknown ids
// change nothing.
func (e *Engine) SetCurrentConversationByID(ctx context.Context, id string) error {
	e.mu.Lock()
	conv := e.find(id)
	if conv == nil {
		e.mu.Unlock()
		return ErrConversationNotFound
	}
	e.currentID = id
	snap := conv.Clone()
	e.mu.Unlock()

	e.notify(snap)
	e.persistActive(ctx, id)
	return nil
}

// CreateConversation creates, persists and activates a conversation. Model
// settings are clamped to the model's limits.
func (e *Engine) CreateConversation(ctx context.Context, modelID string, settings db.ModelSettings, systemPrompt string, webSearch *db.WebSearchSettings) (*db.Conversation, error) {
	model, ok := llm.FindModel(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", llm.ErrUnknownModel, modelID)
	}
	if settings.MaxTokens == 0 {
		settings.MaxTokens = DefaultModelSettings().MaxTokens
	}
	settings.Temperature, settings.MaxTokens = model.Clamp(settings.Temperature, settings.MaxTokens)
	if webSearch != nil {
		ws := *webSearch
		settings.WebSearchSettings = &ws
	}

	t := e.now()
	conv := &db.Conversation{
		ID:            db.NewID(),
		Title:         DefaultTitle,
		Messages:      []db.Message{},
		CreatedAt:     t,
		UpdatedAt:     t,
		ModelID:       model.ID,
		ModelSettings: settings,
		SystemMessage: systemPrompt,
	}

	e.mu.Lock()
	e.conversations = append(e.conversations, conv)
	e.currentID = conv.ID
	snap := conv.Clone()
	e.mu.Unlock()

	e.persist(ctx, conv.ID)
	e.notify(snap)
	e.persistActive(ctx, conv.ID)

	e.logger.Info("Created conversation %s with model %s", conv.ID, model.ID)
	return snap, nil
}

// UpdateConversation replaces a conversation record. A reply in flight keeps
// its placeholder in the live view.
func (e *Engine) UpdateConversation(ctx context.Context, conv *db.Conversation) error {
	if conv == nil {
		return ErrConversationNotFound
	}

	e.mu.Lock()
	i := e.indexOf(conv.ID)
	if i < 0 {
		e.mu.Unlock()
		return ErrConversationNotFound
	}
	old := e.conversations[i]
	next := conv.Clone()
	next.CreatedAt = old.CreatedAt
	if next.Messages == nil {
		next.Messages = []db.Message{}
	}
	if f, ok := e.inflight[next.ID]; ok && next.MessageIndex(f.placeholderID) < 0 {
		if j := old.MessageIndex(f.placeholderID); j >= 0 {
			next.Messages = append(next.Messages, old.Messages[j].Clone())
		}
	}
	next.UpdatedAt = old.UpdatedAt
	e.touch(next)
	e.conversations[i] = next
	snap := next.Clone()
	e.mu.Unlock()

	e.persist(ctx, snap.ID)
	e.notify(snap)
	return nil
}

// RenameConversation sets the title of conversation id
func (e *Engine) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidMessage)
	}
	return e.mutate(ctx, id, func(conv *db.Conversation) error {
		conv.Title = title
		return nil
	})
}

// DeleteConversation removes a conversation. If it was active, the first
// remaining conversation is activated, or a fresh default one is created when
// none remain.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	e.mu.Lock()
	i := e.indexOf(id)
	if i < 0 {
		e.mu.Unlock()
		return ErrConversationNotFound
	}
	if f, ok := e.inflight[id]; ok {
		f.cancel()
		delete(e.inflight, id)
	}
	e.conversations = append(e.conversations[:i:i], e.conversations[i+1:]...)

	wasActive := e.currentID == id
	next := ""
	if wasActive {
		e.currentID = ""
		if len(e.conversations) > 0 {
			next = e.conversations[0].ID
			e.currentID = next
		}
	}
	remaining := len(e.conversations)
	e.mu.Unlock()

	e.saveMu.Lock()
	err := e.store.DeleteConversation(ctx, id)
	e.saveMu.Unlock()
	if err != nil {
		e.logger.Error("Failed to delete conversation %s: %v", id, err)
	}
	e.notifyDeleted(id)
	e.logger.Info("Deleted conversation %s", id)

	if remaining == 0 {
		_, err := e.CreateConversation(ctx, llm.DefaultModel().ID, DefaultModelSettings(), "", nil)
		return err
	}
	if wasActive {
		e.persistActive(ctx, next)
		e.mu.RLock()
		snap := e.find(next).Clone()
		e.mu.RUnlock()
		if snap != nil {
			e.notify(snap)
		}
	}
	return nil
}

// mutate applies fn to conversation id, bumps UpdatedAt, persists and notifies
func (e *Engine) mutate(ctx context.Context, id string, fn func(*db.Conversation) error) error {
	e.mu.Lock()
	conv := e.find(id)
	if conv == nil {
		e.mu.Unlock()
		return ErrConversationNotFound
	}
	if err := fn(conv); err != nil {
		e.mu.Unlock()
		return err
	}
	e.touch(conv)
	snap := conv.Clone()
	e.mu.Unlock()

	e.persist(ctx, id)
	e.notify(snap)
	return nil
}

// mutateCurrent is mutate for the active conversation
func (e *Engine) mutateCurrent(ctx context.Context, fn func(*db.Conversation) error) error {
	e.mu.RLock()
	id := e.currentID
	e.mu.RUnlock()
	if id == "" {
		return ErrNoActiveConversation
	}
	err := e.mutate(ctx, id, fn)
	if errors.Is(err, ErrConversationNotFound) {
		return ErrNoActiveConversation
	}
	return err
}

func newMessage(draft db.MessageDraft, t time.Time) db.Message {
	return db.Message{
		ID:        db.NewID(),
		Role:      draft.Role,
		Content:   draft.Content.Clone(),
		Timestamp: t,
	}
}

func validateDraft(draft db.MessageDraft) error {
	switch draft.Role {
	case db.RoleUser, db.RoleAssistant, db.RoleSystem:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, draft.Role)
	}
	if draft.Content.IsEmpty() {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	return nil
}

// AddMessage appends a message to the active conversation without calling the model
func (e *Engine) AddMessage(ctx context.Context, draft db.MessageDraft) (*db.Message, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	msg := newMessage(draft, e.now())
	err := e.mutateCurrent(ctx, func(conv *db.Conversation) error {
		conv.Messages = append(conv.Messages, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage replaces a message of the active conversation in place
func (e *Engine) UpdateMessage(ctx context.Context, msg db.Message) error {
	return e.mutateCurrent(ctx, func(conv *db.Conversation) error {
		i := conv.MessageIndex(msg.ID)
		if i < 0 {
			return ErrMessageNotFound
		}
		if f, ok := e.inflight[conv.ID]; ok && f.placeholderID == msg.ID {
			return ErrSendInFlight
		}
		updated := msg.Clone()
		updated.Status = db.StatusNone
		if updated.Timestamp.IsZero() {
			updated.Timestamp = conv.Messages[i].Timestamp
		}
		conv.Messages[i] = updated
		// The provider's stored context no longer matches the history
		conv.LastResponseID = ""
		return nil
	})
}

// DeleteMessage removes a message of the active conversation
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	return e.mutateCurrent(ctx, func(conv *db.Conversation) error {
		i := conv.MessageIndex(id)
		if i < 0 {
			return ErrMessageNotFound
		}
		if f, ok := e.inflight[conv.ID]; ok && f.placeholderID == id {
			return ErrSendInFlight
		}
		conv.Messages = append(conv.Messages[:i:i], conv.Messages[i+1:]...)
		conv.LastResponseID = ""
		return nil
	})
}

// titleFrom derives a conversation title from the first user message
func titleFrom(content db.Content) string {
	text := strings.Join(strings.Fields(content.PlainText()), " ")
	if runes := []rune(text); len(runes) > maxTitleRunes {
		text = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return text
}
