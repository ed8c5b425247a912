package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chatcore/internal/chat"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

// requireMember aborts unless the caller belongs to the conversation.
func (h *Handler) requireMember(c *gin.Context) (conversationID, uid string, okk bool) {
	uid, okk = userID(c)
	if !okk {
		return "", "", false
	}
	conversationID = c.Param("conversation_id")
	member, err := h.Store.IsMember(c.Request.Context(), conversationID, uid)
	if err != nil {
		h.Log.Error("membership lookup", "conversation_id", conversationID, "error", err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return "", "", false
	}
	if !member {
		// hide existence
		fail(c, http.StatusNotFound, 40404, "conversation not found")
		return "", "", false
	}
	return conversationID, uid, true
}

// ListMessages returns one page in ascending order. next_before_id is the
// oldest id of the page and fetches the page before it.
func (h *Handler) ListMessages(c *gin.Context) {
	conversationID, _, okk := h.requireMember(c)
	if !okk {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	beforeID := c.Query("before_id")

	msgs, err := h.Messages.GetMessages(c.Request.Context(), conversationID, limit, beforeID)
	if err != nil {
		h.Log.Error("list messages", "conversation_id", conversationID, "error", err)
		fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}

	var nextBeforeID string
	if len(msgs) > 0 {
		nextBeforeID = msgs[0].ID
	}
	ok(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
		"has_more":       len(msgs) == limit,
	})
}

func (h *Handler) GetUnread(c *gin.Context) {
	conversationID, uid, okk := h.requireMember(c)
	if !okk {
		return
	}
	var n int64
	if h.Unread != nil {
		var err error
		n, err = h.Unread.Unread(c.Request.Context(), conversationID, uid)
		if err != nil {
			h.Log.Warn("read unread counter", "conversation_id", conversationID, "error", err)
			fail(c, http.StatusInternalServerError, 50003, "unread unavailable")
			return
		}
	}
	ok(c, gin.H{"conversation_id": conversationID, "unread": n})
}
