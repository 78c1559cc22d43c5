package orchestrator

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/metrics"
	"github.com/maice/maice/internal/session"
)

// Handlers wires the chat API onto gin.
type Handlers struct {
	service *Service
	relay   *Relay
	store   *session.Store
	log     *logger.Logger
}

func NewHandlers(service *Service, relay *Relay, store *session.Store, log *logger.Logger) *Handlers {
	return &Handlers{
		service: service,
		relay:   relay,
		store:   store,
		log:     log.WithFields(zap.String("component", "chat-handlers")),
	}
}

func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/chat", h.chat)
	api.POST("/chat/:session_id/clarification", h.clarification)
	api.GET("/sessions/:session_id", h.getSession)
	api.GET("/sessions/:session_id/messages", h.getMessages)

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// chat validates the turn, kicks off the pipeline, and relays the session
// egress as SSE. Validation failures are plain 4xx responses; the SSE stream
// only opens once the turn is admitted.
func (h *Handlers) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	turn, err := h.service.StartTurn(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrTurnInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		default:
			h.log.WithError(err).Error("Failed to start chat turn")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start chat"})
		}
		return
	}
	defer h.service.EndTurn(turn)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	err = h.relay.Run(c.Request.Context(), turn, func(frame Frame) bool {
		// gin recovers a panicking writer; report a dead client instead.
		ok := true
		func() {
			defer func() {
				if recover() != nil {
					ok = false
				}
			}()
			c.SSEvent(frame.Event, frame.Data)
			c.Writer.Flush()
		}()
		return ok && !c.IsAborted()
	})
	if err != nil {
		h.log.WithError(err).WithSessionID(turn.SessionID).Debug("Relay ended early")
	}
}

type clarificationRequest struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

// clarification accepts the student's reply to a pending probe and feeds it
// back into the pipeline. The original SSE stream picks up from there.
func (h *Handlers) clarification(c *gin.Context) {
	sessionID := c.Param("session_id")
	var req clarificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(req.RequestID) == "" || strings.TrimSpace(req.Answer) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id and answer are required"})
		return
	}

	err := h.service.SubmitClarification(c.Request.Context(), sessionID, req.RequestID, req.Answer)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.log.WithError(err).Error("Failed to submit clarification")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit clarification"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handlers) getSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) getMessages(c *gin.Context) {
	msgs, err := h.store.Messages(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
