package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chatcore/internal/chat"
	"github.com/suPer8Hu/chatcore/internal/gateway"
	"github.com/suPer8Hu/chatcore/internal/httpapi/middleware"
	"github.com/suPer8Hu/chatcore/internal/logger"
)

type UnreadReader interface {
	Unread(ctx context.Context, conversationID, userID string) (int64, error)
}

type Handler struct {
	Messages  *chat.Repo
	Store     *gateway.Store
	Completer *gateway.Completer
	// Unread is nil when no counter store is configured.
	Unread UnreadReader
	Log    *logger.Logger
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func userID(c *gin.Context) (string, bool) {
	uid, okk := middleware.UserID(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, okk
}
