package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"streamwise/chat"
	"streamwise/db"
	"streamwise/llm"
	"streamwise/utils"
)

type conversationView struct {
	*db.Conversation
	Streaming bool            `json:"streaming"`
	Active    bool            `json:"active"`
	Rendered  []chat.Rendered `json:"rendered,omitempty"`
}

func (s *Server) view(conv *db.Conversation) conversationView {
	current := s.engine.CurrentConversation()
	return conversationView{
		Conversation: conv,
		Streaming:    s.engine.Streaming(conv.ID),
		Active:       current != nil && current.ID == conv.ID,
	}
}

func (s *Server) listConversations(c *gin.Context) {
	convs := s.engine.Conversations()
	views := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		views = append(views, s.view(conv))
	}
	respond(c, http.StatusOK, gin.H{
		"conversations": views,
		"loading":       s.engine.IsLoading(),
	})
}

type createConversationRequest struct {
	ModelID           string                `json:"modelId"`
	ModelSettings     *db.ModelSettings     `json:"modelSettings"`
	SystemMessage     *string               `json:"systemMessage"`
	WebSearchSettings *db.WebSearchSettings `json:"webSearchSettings"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req createConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
	}

	if req.ModelID == "" {
		req.ModelID = s.settings.SelectedModel().ID
	}
	modelSettings := chat.DefaultModelSettings()
	if req.ModelSettings != nil {
		modelSettings = *req.ModelSettings
	}
	systemMessage := s.settings.SystemMessage()
	if req.SystemMessage != nil {
		systemMessage = *req.SystemMessage
	}

	conv, err := s.engine.CreateConversation(c.Request.Context(), req.ModelID, modelSettings, systemMessage, req.WebSearchSettings)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, http.StatusCreated, s.view(conv))
}

// getConversation returns one conversation; ?render=1 adds display parts per message
func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.engine.Conversation(c.Param("id"))
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	view := s.view(conv)
	if render, _ := strconv.ParseBool(c.Query("render")); render {
		view.Rendered = make([]chat.Rendered, 0, len(conv.Messages))
		for _, msg := range conv.Messages {
			view.Rendered = append(view.Rendered, chat.RenderMessage(msg))
		}
	}
	respond(c, http.StatusOK, view)
}

func (s *Server) currentConversation(c *gin.Context) {
	conv := s.engine.CurrentConversation()
	if conv == nil {
		respond(c, http.StatusOK, nil)
		return
	}
	respond(c, http.StatusOK, s.view(conv))
}

func (s *Server) updateConversation(c *gin.Context) {
	var conv db.Conversation
	if err := c.ShouldBindJSON(&conv); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	conv.ID = c.Param("id")

	if err := s.engine.UpdateConversation(c.Request.Context(), &conv); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	updated, err := s.engine.Conversation(conv.ID)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, http.StatusOK, s.view(updated))
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.engine.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, http.StatusOK, gin.H{"current": s.engine.CurrentConversation()})
}

func (s *Server) activateConversation(c *gin.Context) {
	if err := s.engine.SetCurrentConversationByID(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	s.currentConversation(c)
}

func (s *Server) exportConversation(c *gin.Context) {
	format, err := utils.ParseExportFormat(c.DefaultQuery("format", "json"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	conv, err := s.engine.Conversation(c.Param("id"))
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}

	contentType := "application/json"
	if format == utils.FormatMarkdown {
		contentType = "text/markdown; charset=utf-8"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", utils.GenerateExportFilename(conv.Title, format)))
	c.Status(http.StatusOK)
	if err := s.engine.ExportConversation(c.Writer, conv.ID, format); err != nil {
		s.logger.Error("Failed to export conversation %s: %v", conv.ID, err)
	}
}

func (s *Server) importConversations(c *gin.Context) {
	imported, err := s.engine.ImportConversations(c.Request.Context(), c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	respond(c, http.StatusCreated, imported)
}

func (s *Server) addMessage(c *gin.Context) {
	var draft db.MessageDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	msg, err := s.engine.AddMessage(c.Request.Context(), draft)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, http.StatusCreated, msg)
}

func (s *Server) updateMessage(c *gin.Context) {
	var msg db.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	msg.ID = c.Param("id")
	if err := s.engine.UpdateMessage(c.Request.Context(), msg); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, http.StatusOK, msg)
}

func (s *Server) deleteMessage(c *gin.Context) {
	if err := s.engine.DeleteMessage(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, http.StatusOK, nil)
}

type keyView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Provider  db.Provider `json:"provider"`
	BaseURL   string      `json:"baseUrl,omitempty"`
	Masked    string      `json:"key"`
	Current   bool        `json:"current"`
	CreatedAt string      `json:"createdAt"`
}

// MaskKey keeps only enough of a secret to tell keys apart
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:3] + "..." + key[len(key)-4:]
}

func (s *Server) listKeys(c *gin.Context) {
	current := s.settings.CurrentAPIKey()
	keys := s.settings.APIKeys()
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView{
			ID:        k.ID,
			Name:      k.Name,
			Provider:  k.Provider,
			BaseURL:   k.BaseURL,
			Masked:    MaskKey(k.Key),
			Current:   current != nil && current.ID == k.ID,
			CreatedAt: k.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	respond(c, http.StatusOK, views)
}

type addKeyRequest struct {
	Name     string      `json:"name"`
	Key      string      `json:"key" binding:"required"`
	Provider db.Provider `json:"provider"`
	BaseURL  string      `json:"baseUrl"`
}

func (s *Server) addKey(c *gin.Context) {
	var req addKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	key, err := s.settings.AddAPIKey(c.Request.Context(), req.Name, req.Key, req.Provider, req.BaseURL)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"id": key.ID, "name": key.Name, "provider": key.Provider})
}

func (s *Server) deleteKey(c *gin.Context) {
	if err := s.settings.RemoveAPIKey(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (s *Server) useKey(c *gin.Context) {
	if err := s.settings.SetCurrentAPIKey(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, http.StatusOK, nil)
}

func (s *Server) listModels(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"models":   s.settings.AvailableModels(),
		"selected": s.settings.SelectedModel().ID,
	})
}

func (s *Server) selectModel(c *gin.Context) {
	var req struct {
		ModelID string `json:"modelId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.settings.SetSelectedModel(c.Request.Context(), req.ModelID); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	respond(c, http.StatusOK, gin.H{"selected": req.ModelID})
}

type settingsView struct {
	SystemMessage   string               `json:"systemMessage"`
	WebSearchConfig db.WebSearchSettings `json:"webSearchConfig"`
	SelectedModel   llm.AIModel          `json:"selectedModel"`
}

func (s *Server) getSettings(c *gin.Context) {
	respond(c, http.StatusOK, settingsView{
		SystemMessage:   s.settings.SystemMessage(),
		WebSearchConfig: s.settings.WebSearchConfig(),
		SelectedModel:   s.settings.SelectedModel(),
	})
}

func (s *Server) updateSettings(c *gin.Context) {
	var req struct {
		SystemMessage   *string               `json:"systemMessage"`
		WebSearchConfig *db.WebSearchSettings `json:"webSearchConfig"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	if req.SystemMessage != nil {
		if err := s.settings.SetSystemMessage(ctx, *req.SystemMessage); err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
	}
	if req.WebSearchConfig != nil {
		if err := s.settings.SetWebSearchConfig(ctx, *req.WebSearchConfig); err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
	}
	s.getSettings(c)
}
