package v1

import (
	"github.com/gin-gonic/gin"

	"relay-server/services/conversation-api/internal/interfaces/httpserver/handlers"
)

func registerConversationRoutes(router gin.IRoutes, handler *handlers.ConversationHandler) {
	router.POST("/conversations", handler.Start)
	router.GET("/conversations", handler.List)
	router.GET("/conversations/:conversation_id", handler.Get)
	router.POST("/conversations/:conversation_id/messages", handler.AddMessage)
	router.GET("/conversations/:conversation_id/messages", handler.ListMessages)
	router.POST("/conversations/:conversation_id/close", handler.Close)
	router.POST("/conversations/:conversation_id/extend", handler.Extend)
}
