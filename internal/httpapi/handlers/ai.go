package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chatcore/internal/common"
	"github.com/suPer8Hu/chatcore/internal/gateway"
	"github.com/suPer8Hu/chatcore/internal/protocol"
)

func (h *Handler) ListAIChats(c *gin.Context) {
	uid, okk := userID(c)
	if !okk {
		return
	}
	chats, err := h.Store.ListChats(c.Request.Context(), uid)
	if err != nil {
		h.Log.Error("list ai chats", "error", err)
		fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	out := make([]protocol.AIChat, 0, len(chats))
	for _, ch := range chats {
		out = append(out, gateway.ToProtoChat(ch, nil))
	}
	ok(c, gin.H{"chats": out})
}

type createChatReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateAIChat(c *gin.Context) {
	uid, okk := userID(c)
	if !okk {
		return
	}
	var req createChatReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	id, err := common.NewULID()
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New chat"
	}
	ch := &gateway.AIChat{
		ChatID:   id,
		UserID:   uid,
		Title:    title,
		Provider: h.Completer.DefaultProvider,
	}
	if err := h.Store.CreateChat(c.Request.Context(), ch); err != nil {
		h.Log.Error("create ai chat", "error", err)
		fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}
	ok(c, gin.H{"chat": gateway.ToProtoChat(*ch, nil)})
}

func (h *Handler) loadChat(c *gin.Context, uid string) (*gateway.AIChat, bool) {
	ch, err := h.Store.GetChat(c.Request.Context(), uid, c.Param("chat_id"))
	if errors.Is(err, gateway.ErrChatNotFound) {
		fail(c, http.StatusNotFound, 40004, "chat not found")
		return nil, false
	}
	if err != nil {
		h.Log.Error("get ai chat", "error", err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return nil, false
	}
	return ch, true
}

func (h *Handler) GetAIChat(c *gin.Context) {
	uid, okk := userID(c)
	if !okk {
		return
	}
	ch, okk := h.loadChat(c, uid)
	if !okk {
		return
	}
	msgs, err := h.Store.ListMessages(c.Request.Context(), ch.ChatID)
	if err != nil {
		h.Log.Error("list ai messages", "chat_id", ch.ChatID, "error", err)
		fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	ok(c, gin.H{"chat": gateway.ToProtoChat(*ch, msgs)})
}

type streamReq struct {
	Message  string `json:"message" binding:"required"`
	UniqueID string `json:"unique_id"`
}

// StreamCompletion answers over server-sent events: chunk events carry
// deltas, done carries the stored reply, error ends the stream early.
func (h *Handler) StreamCompletion(c *gin.Context) {
	uid, okk := userID(c)
	if !okk {
		return
	}
	var req streamReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		fail(c, http.StatusBadRequest, 10001, "message is required")
		return
	}
	ch, okk := h.loadChat(c, uid)
	if !okk {
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		fail(c, http.StatusInternalServerError, 50004, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		reply, err := h.Completer.Complete(c.Request.Context(), ch, req.UniqueID, req.Message, func(text string) {
			events <- sseEvent{name: "chunk", payload: gin.H{"type": "chunk", "delta": text}}
		})
		if err != nil {
			msg := err.Error()
			if !errors.Is(err, gateway.ErrProvider) {
				h.Log.Error("stream completion", "chat_id", ch.ChatID, "error", err)
				msg = "storage error"
			}
			events <- sseEvent{name: "error", payload: gin.H{"type": "error", "message": msg}}
			return
		}
		events <- sseEvent{name: "done", payload: gin.H{"type": "done", "message": gateway.ToProtoMessage(*reply)}}
	}()

	// heartbeat keeps idle proxies from closing the stream
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(c.Writer, flusher, ev)
		case <-ticker.C:
			writeSSE(c.Writer, flusher, sseEvent{name: "ping", payload: gin.H{"type": "ping", "ts": time.Now().Unix()}})
		}
	}
}

type sseEvent struct {
	name    string
	payload any
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) {
	b, err := json.Marshal(ev.payload)
	if err != nil {
		// keep SSE framing intact
		fmt.Fprintf(w, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
		flusher.Flush()
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, b)
	flusher.Flush()
}
