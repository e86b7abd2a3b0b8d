package chat

import (
	"context"
	"fmt"
	"io"

	"streamwise/db"
	"streamwise/llm"
	"streamwise/utils"
)

// ExportConversation writes the persisted form of conversation id to w
func (e *Engine) ExportConversation(w io.Writer, id string, format utils.ExportFormat) error {
	e.mu.RLock()
	conv := e.find(id)
	var snap *db.Conversation
	if conv != nil {
		snap = e.snapshot(conv)
	}
	e.mu.RUnlock()

	if snap == nil {
		return ErrConversationNotFound
	}
	return utils.ExportConversation(w, snap, format)
}

// ExportAll writes every conversation to w as one JSON document
func (e *Engine) ExportAll(w io.Writer) error {
	e.mu.RLock()
	snaps := make([]*db.Conversation, 0, len(e.conversations))
	for _, c := range e.conversations {
		snaps = append(snaps, e.snapshot(c))
	}
	e.mu.RUnlock()

	return utils.ExportAllConversations(w, snaps)
}

// ImportConversations reads a JSON export and adds each conversation it holds
// as a new conversation. The active conversation does not change.
func (e *Engine) ImportConversations(ctx context.Context, r io.Reader) ([]*db.Conversation, error) {
	decoded, err := utils.DecodeExport(r)
	if err != nil {
		return nil, fmt.Errorf("failed to import conversations: %w", err)
	}

	imported := make([]*db.Conversation, 0, len(decoded))
	for _, conv := range decoded {
		conv.ID = db.NewID()
		// Provider-side context belongs to whoever exported it
		conv.LastResponseID = ""
		if conv.Title == "" {
			conv.Title = DefaultTitle
		}
		model, ok := llm.FindModel(conv.ModelID)
		if !ok {
			e.logger.Warn("Imported conversation uses unknown model %q, using %s", conv.ModelID, llm.DefaultModel().ID)
			model = llm.DefaultModel()
			conv.ModelID = model.ID
		}
		conv.ModelSettings.Temperature, conv.ModelSettings.MaxTokens = model.Clamp(conv.ModelSettings.Temperature, conv.ModelSettings.MaxTokens)

		seen := make(map[string]bool, len(conv.Messages))
		for i := range conv.Messages {
			m := &conv.Messages[i]
			m.Status = db.StatusNone
			if m.ID == "" || seen[m.ID] {
				m.ID = db.NewID()
			}
			seen[m.ID] = true
		}

		t := e.now()
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = t
		}
		conv.UpdatedAt = t

		e.mu.Lock()
		e.conversations = append(e.conversations, conv)
		snap := conv.Clone()
		e.mu.Unlock()

		e.persist(ctx, conv.ID)
		e.notify(snap)
		imported = append(imported, snap)
	}

	e.logger.Info("Imported %d conversations", len(imported))
	return imported, nil
}
