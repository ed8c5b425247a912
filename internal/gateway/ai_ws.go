package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chatcore/internal/common"
	"github.com/suPer8Hu/chatcore/internal/protocol"
)

const defaultChatTitle = "New chat"

// handleAIWS serves the assistant channel of one user.
func (s *Server) handleAIWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	hello, userID, err := s.hello(ws)
	if err != nil {
		s.rejectHandshake(ws, hello.RequestID, err)
		return
	}

	conn := s.hub.NewConnection(ws)
	conn.UserID = userID
	_ = s.hub.SendJSON(conn, protocol.HelloAckMessage{
		BaseMessage: newBase(protocol.TypeHelloAck, hello.RequestID),
		UserID:      userID,
	})
	s.hub.Register(conn)
	go s.writePump(conn)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	s.readLoop(conn, func(data []byte) { s.handleAIFrame(ctx, &wg, conn, data) })
	cancel()
	wg.Wait()
	s.hub.Unregister(conn)
}

func (s *Server) handleAIFrame(ctx context.Context, wg *sync.WaitGroup, conn *Connection, data []byte) {
	var b protocol.BaseMessage
	if err := json.Unmarshal(data, &b); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch b.Type {
	case protocol.TypeGetChats:
		chats, err := s.store.ListChats(ctx, conn.UserID)
		if err != nil {
			s.storeError(conn, b.RequestID, err)
			return
		}
		out := make([]protocol.AIChat, 0, len(chats))
		for _, c := range chats {
			out = append(out, ToProtoChat(c, nil))
		}
		_ = s.hub.SendJSON(conn, protocol.ChatsMessage{BaseMessage: newBase(protocol.TypeChats, b.RequestID), Chats: out})

	case protocol.TypeGetChat:
		var msg protocol.GetChatMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.ChatID == "" {
			s.sendError(conn, b.RequestID, protocol.ErrorCodeInvalidMessage, "chat_id is required")
			return
		}
		c, err := s.store.GetChat(ctx, conn.UserID, msg.ChatID)
		if err != nil {
			s.storeError(conn, b.RequestID, err)
			return
		}
		msgs, err := s.store.ListMessages(ctx, c.ChatID)
		if err != nil {
			s.storeError(conn, b.RequestID, err)
			return
		}
		pc := ToProtoChat(*c, msgs)
		_ = s.hub.SendJSON(conn, protocol.ChatEnvelope{BaseMessage: newBase(protocol.TypeChat, b.RequestID), Chat: &pc})

	case protocol.TypeCreateChat:
		var msg protocol.CreateChatMessage
		_ = json.Unmarshal(data, &msg)
		s.handleCreateChat(ctx, conn, b.RequestID, msg.Title)

	case protocol.TypeUpdateTitle:
		var msg protocol.UpdateTitleMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.ChatID == "" || strings.TrimSpace(msg.Title) == "" {
			s.sendError(conn, b.RequestID, protocol.ErrorCodeInvalidMessage, "chat_id and title are required")
			return
		}
		c, err := s.store.UpdateTitle(ctx, conn.UserID, msg.ChatID, strings.TrimSpace(msg.Title))
		if err != nil {
			s.storeError(conn, b.RequestID, err)
			return
		}
		pc := ToProtoChat(*c, nil)
		_ = s.hub.SendJSON(conn, protocol.ChatEnvelope{BaseMessage: newBase(protocol.TypeTitleUpdated, b.RequestID), Chat: &pc})

	case protocol.TypeChatCompletion:
		var msg protocol.ChatCompletionMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.ChatID == "" || strings.TrimSpace(msg.Message) == "" {
			s.sendError(conn, b.RequestID, protocol.ErrorCodeInvalidMessage, "chat_id and message are required")
			return
		}
		c, err := s.store.GetChat(ctx, conn.UserID, msg.ChatID)
		if err != nil {
			s.storeError(conn, b.RequestID, err)
			return
		}
		// streaming runs off the read loop so pongs keep flowing
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.completeChat(ctx, conn, b.RequestID, c, msg)
		}()

	default:
		s.sendError(conn, b.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+b.Type)
	}
}

func (s *Server) handleCreateChat(ctx context.Context, conn *Connection, requestID, title string) {
	id, err := common.NewULID()
	if err != nil {
		s.sendError(conn, requestID, protocol.ErrorCodeInternal, "id generation failed")
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultChatTitle
	}
	c := &AIChat{
		ChatID:   id,
		UserID:   conn.UserID,
		Title:    title,
		Provider: s.cfg.AIProvider,
	}
	if err := s.store.CreateChat(ctx, c); err != nil {
		s.storeError(conn, requestID, err)
		return
	}
	pc := ToProtoChat(*c, nil)
	_ = s.hub.SendJSON(conn, protocol.ChatEnvelope{BaseMessage: newBase(protocol.TypeChatCreated, requestID), Chat: &pc})
}

// completeChat streams the reply to conn as completion_chunk frames and
// ends with completion_done.
func (s *Server) completeChat(ctx context.Context, conn *Connection, requestID string, c *AIChat, req protocol.ChatCompletionMessage) {
	log := s.log.With("chat_id", c.ChatID, "request_id", requestID)
	reply, err := s.completer.Complete(ctx, c, req.UniqueID, req.Message, func(text string) {
		if err := s.hub.SendJSON(conn, protocol.CompletionChunkMessage{
			BaseMessage: newBase(protocol.TypeCompletionChunk, requestID),
			ChatID:      c.ChatID,
			Text:        text,
		}); err != nil {
			log.Warn("send chunk", "error", err)
		}
	})
	if errors.Is(err, ErrProvider) {
		log.Warn("provider stream failed", "error", err)
		s.sendError(conn, requestID, protocol.ErrorCodeProviderFailed, err.Error())
		return
	}
	if err != nil {
		s.storeError(conn, requestID, err)
		return
	}

	m := ToProtoMessage(*reply)
	_ = s.hub.SendJSON(conn, protocol.CompletionDoneMessage{
		BaseMessage: newBase(protocol.TypeCompletionDone, requestID),
		ChatID:      c.ChatID,
		Message:     &m,
	})
}

func (s *Server) storeError(conn *Connection, requestID string, err error) {
	if errors.Is(err, ErrChatNotFound) {
		s.sendError(conn, requestID, protocol.ErrorCodeNotFound, err.Error())
		return
	}
	s.log.Error("ai store", "error", err)
	s.sendError(conn, requestID, protocol.ErrorCodeInternal, "storage error")
}

func ToProtoChat(c AIChat, msgs []AIMessage) protocol.AIChat {
	out := protocol.AIChat{ID: c.ChatID, Title: c.Title, UserID: c.UserID}
	for _, m := range msgs {
		out.Messages = append(out.Messages, ToProtoMessage(m))
	}
	return out
}

func ToProtoMessage(m AIMessage) protocol.AIMessage {
	return protocol.AIMessage{
		UniqueID:  m.UniqueID,
		Role:      m.Role,
		Message:   m.Content,
		Timestamp: m.CreatedAt.UnixMilli(),
	}
}
