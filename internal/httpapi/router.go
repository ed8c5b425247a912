// Package httpapi is the REST surface next to the WebSocket channels.
package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chatcore/internal/httpapi/handlers"
	"github.com/suPer8Hu/chatcore/internal/httpapi/middleware"
)

// Routes mounts the JWT-protected API under /api.
func Routes(jwtSecret string, h *handlers.Handler) func(r *gin.Engine) {
	return func(r *gin.Engine) {
		api := r.Group("/api")
		api.Use(middleware.AuthRequired(jwtSecret))

		api.GET("/conversations/:conversation_id/messages", h.ListMessages)
		api.GET("/conversations/:conversation_id/unread", h.GetUnread)

		api.GET("/ai/chats", h.ListAIChats)
		api.POST("/ai/chats", h.CreateAIChat)
		api.GET("/ai/chats/:chat_id", h.GetAIChat)
		api.POST("/ai/chats/:chat_id/messages/stream", h.StreamCompletion)
	}
}
