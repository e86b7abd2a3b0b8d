package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"streamwise/chat"
	"streamwise/llm"
	"streamwise/settings"
	"streamwise/utils"
)

// Server exposes the conversation engine and settings over local HTTP
type Server struct {
	engine   *chat.Engine
	settings *settings.Service
	logger   *utils.Logger
	router   *gin.Engine
}

// New builds the router. mode is a gin mode: "debug", "release" or "test".
func New(engine *chat.Engine, settings *settings.Service, logger *utils.Logger, mode string) *Server {
	if mode != "" {
		gin.SetMode(mode)
	}

	s := &Server{
		engine:   engine,
		settings: settings,
		logger:   logger,
		router:   gin.New(),
	}
	s.router.Use(requestLogger(logger), gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.Group("/api")
	{
		conversations := api.Group("/conversations")
		conversations.GET("", s.listConversations)
		conversations.POST("", s.createConversation)
		conversations.GET("/:id", s.getConversation)
		conversations.PUT("/:id", s.updateConversation)
		conversations.DELETE("/:id", s.deleteConversation)
		conversations.POST("/:id/activate", s.activateConversation)
		conversations.GET("/:id/export", s.exportConversation)
		conversations.POST("/import", s.importConversations)

		api.GET("/current", s.currentConversation)

		messages := api.Group("/messages")
		messages.POST("", s.addMessage)
		messages.PUT("/:id", s.updateMessage)
		messages.DELETE("/:id", s.deleteMessage)
		messages.POST("/stream", s.streamMessage)

		api.GET("/live", s.live)

		keys := api.Group("/keys")
		keys.GET("", s.listKeys)
		keys.POST("", s.addKey)
		keys.DELETE("/:id", s.deleteKey)
		keys.POST("/:id/use", s.useKey)

		api.GET("/models", s.listModels)
		api.PUT("/models/selected", s.selectModel)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.updateSettings)
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	utils.SafeGo(s.logger, "http server", func() {
		s.logger.Info("Listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": "success",
		"data":    data,
	})
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": err.Error(),
		"data":    nil,
	})
}

// statusFor maps engine and settings errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound),
		errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, settings.ErrUnknownAPIKey):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNoActiveConversation),
		errors.Is(err, chat.ErrSendInFlight):
		return http.StatusConflict
	case errors.Is(err, chat.ErrInvalidMessage),
		errors.Is(err, llm.ErrUnknownModel):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// requestLogger logs one line per request
func requestLogger(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
