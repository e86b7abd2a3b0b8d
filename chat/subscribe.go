package chat

import "streamwise/db"

// Update is a snapshot of a conversation after an in-memory change.
// Conversation is nil when ConversationID was deleted.
type Update struct {
	ConversationID string           `json:"conversationId"`
	Conversation   *db.Conversation `json:"conversation"`
	Streaming      bool             `json:"streaming"`
}

// Subscribe returns a channel of updates and a function that ends the
// subscription. Delivery never blocks the engine: when the buffer is full the
// update is dropped and the subscriber should re-read the conversation.
func (e *Engine) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	unsubscribe := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

func (e *Engine) publish(u Update) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (e *Engine) notify(conv *db.Conversation) {
	e.mu.RLock()
	_, streaming := e.inflight[conv.ID]
	e.mu.RUnlock()

	e.publish(Update{ConversationID: conv.ID, Conversation: conv, Streaming: streaming})
}

func (e *Engine) notifyDeleted(id string) {
	e.publish(Update{ConversationID: id})
}
