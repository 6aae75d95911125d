package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/lifecycle"
	"relay-server/services/conversation-api/internal/interfaces/httpserver/requests"
	"relay-server/services/conversation-api/internal/interfaces/httpserver/responses"
)

// ConversationHandler exposes HTTP entrypoints for the Conversations API.
type ConversationHandler struct {
	service lifecycle.Service
	log     zerolog.Logger
}

// NewConversationHandler constructs the handler.
func NewConversationHandler(service lifecycle.Service, log zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: service,
		log:     log.With().Str("handler", "conversation").Logger(),
	}
}

// Start handles POST /v1/conversations. It resolves the participant
// pair's active conversation or creates one, so repeated calls with the
// same pair return the same record.
func (h *ConversationHandler) Start(c *gin.Context) {
	var req requests.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.service.FindOrCreate(c.Request.Context(), req.OwnerID, req.ParticipantA, req.ParticipantB)
	if err != nil {
		responses.HandleError(c, err, "failed to resolve conversation")
		return
	}

	c.JSON(http.StatusOK, responses.MapConversationToResponse(conv))
}

// Get handles GET /v1/conversations/:conversation_id
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.service.Get(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		responses.HandleError(c, err, "failed to get conversation")
		return
	}

	c.JSON(http.StatusOK, responses.MapConversationToResponse(conv))
}

// List handles GET /v1/conversations
func (h *ConversationHandler) List(c *gin.Context) {
	filter := conversation.Filter{}
	if ownerID := c.Query("owner_id"); ownerID != "" {
		filter.OwnerID = &ownerID
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		status, err := conversation.ParseStatus(rawStatus)
		if err != nil {
			responses.HandleError(c, err, "invalid status filter")
			return
		}
		filter.Status = &status
	}
	if agentID := c.Query("agent_id"); agentID != "" {
		filter.AgentID = &agentID
	}

	items, err := h.service.List(c.Request.Context(), filter, 100)
	if err != nil {
		responses.HandleError(c, err, "failed to list conversations")
		return
	}

	c.JSON(http.StatusOK, responses.MapConversationsToList(items))
}

// AddMessage handles POST /v1/conversations/:conversation_id/messages
func (h *ConversationHandler) AddMessage(c *gin.Context) {
	var req requests.AddMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, conv, err := h.service.AddMessage(c.Request.Context(), c.Param("conversation_id"), conversation.MessageParams{
		Direction: conversation.Direction(req.Direction),
		Sender:    conversation.SenderKind(req.Sender),
		Body:      req.Body,
		Metadata:  req.Metadata,
	})
	if err != nil {
		responses.HandleError(c, err, "failed to add message")
		return
	}

	c.JSON(http.StatusCreated, responses.AddMessageResponse{
		Message:      responses.MapMessageToResponse(msg),
		Conversation: responses.MapConversationToResponse(conv),
	})
}

// ListMessages handles GET /v1/conversations/:conversation_id/messages
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	msgs, err := h.service.ListMessages(c.Request.Context(), c.Param("conversation_id"), 50)
	if err != nil {
		responses.HandleError(c, err, "failed to list messages")
		return
	}

	c.JSON(http.StatusOK, responses.MapMessagesToList(msgs))
}

// Close handles POST /v1/conversations/:conversation_id/close
func (h *ConversationHandler) Close(c *gin.Context) {
	var req requests.CloseConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target, err := conversation.ParseStatus(req.Status)
	if err != nil {
		responses.HandleError(c, err, "invalid close status")
		return
	}
	actor := conversation.SenderKind(req.Actor)
	if req.Actor == "" {
		actor = conversation.SenderSystem
	}
	reason := req.Reason
	if reason == "" {
		reason = "closed via api"
	}

	conv, err := h.service.Close(c.Request.Context(), c.Param("conversation_id"), target, actor, reason)
	if err != nil {
		responses.HandleError(c, err, "failed to close conversation")
		return
	}

	c.JSON(http.StatusOK, responses.MapConversationToResponse(conv))
}

// Extend handles POST /v1/conversations/:conversation_id/extend
func (h *ConversationHandler) Extend(c *gin.Context) {
	var req requests.ExtendConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	extendBy, err := time.ParseDuration(req.ExtendBy)
	if err != nil {
		responses.HandleError(c, conversation.ErrValidation, "extend_by must be a duration like 2h30m")
		return
	}

	conv, err := h.service.ExtendExpiration(c.Request.Context(), c.Param("conversation_id"), extendBy)
	if err != nil {
		responses.HandleError(c, err, "failed to extend conversation")
		return
	}

	c.JSON(http.StatusOK, responses.MapConversationToResponse(conv))
}
