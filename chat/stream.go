package chat

import (
	"context"
	"strings"

	"streamwise/db"
	"streamwise/llm"
	"streamwise/utils"
)

// turn is one send in progress
type turn struct {
	convID        string
	placeholderID string
	ctx           context.Context
	cancel        context.CancelFunc
	logger        *utils.Logger
}

// begin appends the user message and the in-memory assistant placeholder,
// then persists the conversation without the placeholder
func (e *Engine) begin(ctx context.Context, draft db.MessageDraft) (*turn, *db.Message, error) {
	if err := validateDraft(draft); err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	conv := e.find(e.currentID)
	if conv == nil {
		e.mu.Unlock()
		return nil, nil, ErrNoActiveConversation
	}
	if _, busy := e.inflight[conv.ID]; busy {
		e.mu.Unlock()
		return nil, nil, ErrSendInFlight
	}

	userMsg := newMessage(draft, e.now())
	conv.Messages = append(conv.Messages, userMsg)
	if conv.Title == DefaultTitle && draft.Role == db.RoleUser {
		if title := titleFrom(draft.Content); title != "" {
			conv.Title = title
		}
	}
	e.touch(conv)

	placeholder := db.Message{
		ID:        db.NewID(),
		Role:      db.RoleAssistant,
		Content:   db.TextContent(""),
		Timestamp: e.now(),
	}
	conv.Messages = append(conv.Messages, placeholder)

	streamCtx, cancel := context.WithCancel(ctx)
	t := &turn{
		convID:        conv.ID,
		placeholderID: placeholder.ID,
		ctx:           streamCtx,
		cancel:        cancel,
		logger:        e.logger.With("conversation", conv.ID),
	}
	e.inflight[conv.ID] = &inflight{placeholderID: placeholder.ID, cancel: cancel}
	snap := conv.Clone()
	e.mu.Unlock()

	e.persist(ctx, t.convID)
	e.notify(snap)
	return t, &placeholder, nil
}

// request resolves everything the streaming client needs for t. It returns
// false when no credential is configured.
func (e *Engine) request(t *turn) (llm.Request, db.MessageStatus, bool) {
	key := e.settings.CurrentAPIKey()
	if key == nil || key.Key == "" {
		return llm.Request{}, db.StatusNone, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	conv := e.find(t.convID)
	if conv == nil {
		return llm.Request{}, db.StatusNone, true
	}

	req := llm.Request{
		APIKey:             key.Key,
		Provider:           string(key.Provider),
		BaseURL:            key.BaseURL,
		Model:              conv.ModelID,
		Temperature:        conv.ModelSettings.Temperature,
		MaxTokens:          conv.ModelSettings.MaxTokens,
		SystemPrompt:       conv.SystemMessage,
		PreviousResponseID: conv.LastResponseID,
	}
	if model, ok := llm.FindModel(conv.ModelID); ok {
		req.Temperature, req.MaxTokens = model.Clamp(req.Temperature, req.MaxTokens)
	}

	for _, m := range conv.Messages {
		if m.ID == t.placeholderID {
			break
		}
		req.Messages = append(req.Messages, toLLMMessage(m))
	}

	status := db.StatusThinking
	if model, ok := llm.FindModel(conv.ModelID); ok && model.SupportsWebSearch && conv.WebSearchEnabled {
		ws := e.settings.WebSearchConfig()
		if conv.ModelSettings.WebSearchSettings != nil {
			ws = *conv.ModelSettings.WebSearchSettings
		}
		req.Tools = append(req.Tools, llm.NewWebSearchTool(ws.ContextSize, llm.UserLocation{
			Type:     ws.Location.Type,
			Country:  strings.TrimSpace(ws.Location.Country),
			City:     strings.TrimSpace(ws.Location.City),
			Region:   strings.TrimSpace(ws.Location.Region),
			Timezone: strings.TrimSpace(ws.Location.Timezone),
		}))
		status = db.StatusSearching
	}
	return req, status, true
}

func toLLMMessage(m db.Message) llm.Message {
	out := llm.Message{Role: string(m.Role)}
	if !m.Content.IsParts() {
		out.Parts = []llm.Part{{Type: llm.PartText, Text: m.Content.Text}}
		return out
	}
	for _, p := range m.Content.Parts {
		switch p.Type {
		case db.PartInputImage:
			out.Parts = append(out.Parts, llm.Part{Type: llm.PartImage, ImageURL: p.ImageURL})
		default:
			out.Parts = append(out.Parts, llm.Part{Type: llm.PartText, Text: p.Text})
		}
	}
	return out
}

// setPlaceholder updates the live assistant message of t
func (e *Engine) setPlaceholder(t *turn, fn func(*db.Message)) {
	e.mu.Lock()
	conv := e.find(t.convID)
	if conv == nil {
		e.mu.Unlock()
		return
	}
	i := conv.MessageIndex(t.placeholderID)
	if i < 0 {
		e.mu.Unlock()
		return
	}
	fn(&conv.Messages[i])
	snap := conv.Clone()
	e.mu.Unlock()

	e.notify(snap)
}

// settle writes the final assistant content into the conversation and persists it.
// A reply that came from a provider always replaces the continuation token:
// a provider that issues none leaves nothing to continue from.
func (e *Engine) settle(t *turn, text, responseID string, replied bool) (*db.Message, error) {
	e.mu.Lock()
	conv := e.find(t.convID)
	f, ok := e.inflight[t.convID]
	if conv == nil || !ok || f.placeholderID != t.placeholderID {
		e.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	delete(e.inflight, t.convID)

	i := conv.MessageIndex(t.placeholderID)
	if i < 0 {
		conv.Messages = append(conv.Messages, db.Message{
			ID:        t.placeholderID,
			Role:      db.RoleAssistant,
			Timestamp: e.now(),
		})
		i = len(conv.Messages) - 1
	}
	conv.Messages[i].Content = db.TextContent(text)
	conv.Messages[i].Status = db.StatusNone
	if replied {
		conv.LastResponseID = responseID
	}
	e.touch(conv)
	msg := conv.Messages[i].Clone()
	snap := conv.Clone()
	e.mu.Unlock()

	e.persist(context.WithoutCancel(t.ctx), t.convID)
	e.notify(snap)
	return &msg, nil
}

// abandon drops the placeholder of an unsettled turn; nothing is persisted
func (e *Engine) abandon(t *turn) {
	e.mu.Lock()
	f, ok := e.inflight[t.convID]
	if !ok || f.placeholderID != t.placeholderID {
		e.mu.Unlock()
		return
	}
	delete(e.inflight, t.convID)

	conv := e.find(t.convID)
	if conv == nil {
		e.mu.Unlock()
		return
	}
	if i := conv.MessageIndex(t.placeholderID); i >= 0 {
		conv.Messages = append(conv.Messages[:i:i], conv.Messages[i+1:]...)
	}
	snap := conv.Clone()
	e.mu.Unlock()

	e.notify(snap)
}

// run streams the reply for t and settles it
func (e *Engine) run(t *turn) (*db.Message, error) {
	defer t.cancel()
	defer e.abandon(t)

	req, status, ok := e.request(t)
	if !ok {
		t.logger.Warn("No API key configured")
		return e.settle(t, NoAPIKeyText, "", false)
	}

	t.logger.Info("Sending message with model %s", req.Model)
	e.setPlaceholder(t, func(m *db.Message) { m.Status = status })

	stream, err := e.client.Stream(t.ctx, req)
	if err != nil {
		if t.ctx.Err() != nil {
			return nil, e.abandoned(t)
		}
		t.logger.Error("Failed to start stream: %v", err)
		return e.settle(t, StreamErrorText, "", false)
	}

	var (
		acc        strings.Builder
		final      string
		gotFinal   bool
		responseID string
		streamErr  error
	)
	for resp := range stream {
		if resp.Error != nil {
			streamErr = resp.Error
			break
		}
		switch resp.Event.Type {
		case llm.EventDelta:
			if resp.Event.Text == "" {
				continue
			}
			acc.WriteString(resp.Event.Text)
			text := acc.String()
			e.setPlaceholder(t, func(m *db.Message) {
				m.Content = db.TextContent(text)
				m.Status = db.StatusNone
			})
		case llm.EventFinal:
			final = resp.Event.Text
			gotFinal = true
			responseID = resp.Event.ResponseID
		}
	}

	if t.ctx.Err() != nil && !gotFinal {
		return nil, e.abandoned(t)
	}
	if streamErr != nil && !gotFinal {
		t.logger.Error("Stream error: %v", streamErr)
		return e.settle(t, StreamErrorText, "", false)
	}

	text := acc.String()
	if gotFinal {
		text = final
	}
	return e.settle(t, text, responseID, true)
}

// abandoned reports why t stopped without settling
func (e *Engine) abandoned(t *turn) error {
	t.logger.Info("Stream abandoned")
	e.mu.RLock()
	exists := e.find(t.convID) != nil
	e.mu.RUnlock()
	if !exists {
		return ErrConversationNotFound
	}
	if err := context.Cause(t.ctx); err != nil {
		return err
	}
	return context.Canceled
}

// SendMessageAndStream appends a message to the active conversation, streams
// the model's reply into an assistant message and persists the settled reply.
// Expected failures end up as assistant content; the returned error is only
// set for guard conditions and abandoned streams.
func (e *Engine) SendMessageAndStream(ctx context.Context, draft db.MessageDraft) (*db.Message, error) {
	t, _, err := e.begin(ctx, draft)
	if err != nil {
		return nil, err
	}
	return e.run(t)
}

// SendMessageAndStreamAsync starts SendMessageAndStream on a background
// goroutine and returns the assistant placeholder. onSettled receives the
// settled reply or the reason the turn ended without one.
func (e *Engine) SendMessageAndStreamAsync(ctx context.Context, draft db.MessageDraft, onSettled func(*db.Message, error)) (*db.Message, error) {
	t, placeholder, err := e.begin(ctx, draft)
	if err != nil {
		return nil, err
	}

	utils.SafeGoWithError(e.logger, "SendMessageAndStream", func() error {
		msg, err := e.run(t)
		if err != nil {
			return err
		}
		if onSettled != nil {
			onSettled(msg, nil)
		}
		return nil
	}, func(err error) {
		if onSettled != nil {
			onSettled(nil, err)
		}
	})
	return placeholder, nil
}
