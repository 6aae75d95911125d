package v1

import (
	"github.com/gin-gonic/gin"

	"relay-server/services/conversation-api/internal/interfaces/httpserver/handlers"
)

func registerHandoffRoutes(router gin.IRoutes, handler *handlers.HandoffHandler) {
	// Handoff routes nested under conversations
	router.POST("/conversations/:conversation_id/handoff", handler.Request)
	router.POST("/conversations/:conversation_id/handoff/assign", handler.Assign)
	router.POST("/conversations/:conversation_id/handoff/release", handler.Release)
	router.GET("/handoffs", handler.WorkQueue)
}
