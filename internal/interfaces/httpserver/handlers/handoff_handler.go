package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/handoff"
	"relay-server/services/conversation-api/internal/interfaces/httpserver/requests"
	"relay-server/services/conversation-api/internal/interfaces/httpserver/responses"
	"relay-server/services/conversation-api/internal/utils/platformerrors"
)

// HandoffHandler exposes the operator-facing lifecycle endpoints.
type HandoffHandler struct {
	service handoff.Service
	log     zerolog.Logger
}

// NewHandoffHandler constructs the handler.
func NewHandoffHandler(service handoff.Service, log zerolog.Logger) *HandoffHandler {
	return &HandoffHandler{
		service: service,
		log:     log.With().Str("handler", "handoff").Logger(),
	}
}

// Request handles POST /v1/conversations/:conversation_id/handoff
func (h *HandoffHandler) Request(c *gin.Context) {
	var req requests.RequestHandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Empty body means an unattributed escalation.
		req = requests.RequestHandoffRequest{}
	}
	actor := conversation.SenderKind(req.Actor)
	if req.Actor == "" {
		actor = conversation.SenderSystem
	}
	reason := req.Reason
	if reason == "" {
		reason = "handoff requested"
	}

	conv, err := h.service.RequestHandoff(c.Request.Context(), c.Param("conversation_id"), actor, reason)
	if err != nil {
		responses.HandleError(c, err, "failed to request handoff")
		return
	}

	c.JSON(http.StatusOK, responses.MapConversationToResponse(conv))
}

// Assign handles POST /v1/conversations/:conversation_id/handoff/assign
func (h *HandoffHandler) Assign(c *gin.Context) {
	var req requests.AssignAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.service.AssignAgent(c.Request.Context(), c.Param("conversation_id"), req.AgentID)
	if err != nil {
		responses.HandleError(c, err, "failed to assign operator")
		return
	}

	c.JSON(http.StatusOK, responses.MapConversationToResponse(conv))
}

// Release handles POST /v1/conversations/:conversation_id/handoff/release
func (h *HandoffHandler) Release(c *gin.Context) {
	conv, err := h.service.ReleaseToAutomation(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		responses.HandleError(c, err, "failed to release conversation")
		return
	}

	c.JSON(http.StatusOK, responses.MapConversationToResponse(conv))
}

// WorkQueue handles GET /v1/handoffs
func (h *HandoffHandler) WorkQueue(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		responses.HandleNewError(c, platformerrors.ErrorTypeValidation, "owner_id query parameter is required", "")
		return
	}
	var agentID *string
	if agent := c.Query("agent_id"); agent != "" {
		agentID = &agent
	}

	items, err := h.service.ListWorkQueue(c.Request.Context(), ownerID, agentID, 100)
	if err != nil {
		responses.HandleError(c, err, "failed to list handoff queue")
		return
	}

	c.JSON(http.StatusOK, responses.MapConversationsToList(items))
}
