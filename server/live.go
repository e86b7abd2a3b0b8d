package server

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"streamwise/chat"
	"streamwise/db"
)

const (
	updateBuffer = 64
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameHost,
}

// sameHost accepts non-browser clients and pages served from this host
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

type settledResult struct {
	msg *db.Message
	err error
}

// streamMessage sends a message and streams live snapshots of its
// conversation as server-sent events until the reply settles. Closing the
// connection abandons the reply.
func (s *Server) streamMessage(c *gin.Context) {
	var draft db.MessageDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	updates, unsubscribe := s.engine.Subscribe(updateBuffer)
	defer unsubscribe()

	settled := make(chan settledResult, 1)
	placeholder, err := s.engine.SendMessageAndStreamAsync(c.Request.Context(), draft, func(m *db.Message, err error) {
		settled <- settledResult{msg: m, err: err}
	})
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-updates:
			if !ok {
				return false
			}
			if u.Conversation != nil && u.Conversation.MessageIndex(placeholder.ID) >= 0 {
				c.SSEvent("update", u)
			}
			return true
		case r := <-settled:
			if r.err != nil {
				c.SSEvent("error", gin.H{"message": r.err.Error()})
			} else {
				c.SSEvent("settled", r.msg)
			}
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// live pushes every engine update to a websocket client
func (s *Server) live(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.engine.Subscribe(updateBuffer)
	defer unsubscribe()

	// The read side only watches for the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if current := s.engine.CurrentConversation(); current != nil {
		if err := writeUpdate(conn, chat.Update{
			ConversationID: current.ID,
			Conversation:   current,
			Streaming:      s.engine.Streaming(current.ID),
		}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := writeUpdate(conn, u); err != nil {
				s.logger.Debug("WebSocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeUpdate(conn *websocket.Conn, u chat.Update) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(gin.H{
		"type":           "update",
		"conversationId": u.ConversationID,
		"conversation":   u.Conversation,
		"streaming":      u.Streaming,
		"deleted":        u.Conversation == nil,
	})
}
