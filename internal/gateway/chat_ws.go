package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chatcore/internal/chat"
	"github.com/suPer8Hu/chatcore/internal/common"
	"github.com/suPer8Hu/chatcore/internal/protocol"
	"github.com/suPer8Hu/chatcore/internal/store/rabbitmq"
)

// handleChatWS serves one conversation connection.
func (s *Server) handleChatWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hello, userID, err := s.hello(ws)
	if err == nil && strings.TrimSpace(hello.ConversationID) == "" {
		err = &protocol.RemoteError{Code: protocol.ErrorCodeInvalidMessage, Message: "conversation_id is required"}
	}
	if err == nil {
		if joinErr := s.store.Join(ctx, hello.ConversationID, userID); joinErr != nil {
			if errors.Is(joinErr, ErrNotMember) {
				err = &protocol.RemoteError{Code: protocol.ErrorCodeUnauthorized, Message: joinErr.Error()}
			} else {
				s.log.Error("join conversation", "error", joinErr)
				err = &protocol.RemoteError{Code: protocol.ErrorCodeInternal, Message: "join failed"}
			}
		}
	}
	if err != nil {
		s.rejectHandshake(ws, hello.RequestID, err)
		return
	}

	conn := s.hub.NewConnection(ws)
	conn.UserID = userID
	conn.ConversationID = hello.ConversationID

	// the ack is queued before registration so it is the first frame out
	_ = s.hub.SendJSON(conn, protocol.HelloAckMessage{
		BaseMessage:    newBase(protocol.TypeHelloAck, hello.RequestID),
		UserID:         userID,
		ConversationID: conn.ConversationID,
	})
	s.hub.Register(conn)
	go s.writePump(conn)

	log := s.log.With("conn_id", conn.ID, "user_id", userID, "conversation_id", conn.ConversationID)
	log.Info("chat connection opened")

	s.readLoop(conn, func(data []byte) { s.handleChatFrame(ctx, conn, data) })

	s.hub.Unregister(conn)
	// peers should not see a stale typing indicator
	s.broadcast(ctx, conn.ConversationID, userID, protocol.TypingMessage{
		BaseMessage:    newBase(protocol.TypeTypingStopped, ""),
		ConversationID: conn.ConversationID,
		UserID:         userID,
	})
	log.Info("chat connection closed")
}

func (s *Server) handleChatFrame(ctx context.Context, conn *Connection, data []byte) {
	var b protocol.BaseMessage
	if err := json.Unmarshal(data, &b); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch b.Type {
	case protocol.TypeSendMessage:
		var msg protocol.SendMessageMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, b.RequestID, protocol.ErrorCodeInvalidMessage, "invalid send_message")
			return
		}
		s.handleSend(ctx, conn, b.RequestID, msg.Message)

	case protocol.TypeQueryMessages:
		var msg protocol.QueryMessagesMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, b.RequestID, protocol.ErrorCodeInvalidMessage, "invalid query_messages")
			return
		}
		s.handleQuery(ctx, conn, b.RequestID, msg)

	case protocol.TypeMarkSeen:
		var msg protocol.MarkSeenMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, b.RequestID, protocol.ErrorCodeInvalidMessage, "invalid mark_seen")
			return
		}
		s.handleMarkSeen(ctx, conn, msg.MessageIDs)

	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		typ := protocol.TypeTypingStarted
		if b.Type == protocol.TypeTypingStop {
			typ = protocol.TypeTypingStopped
		}
		s.broadcast(ctx, conn.ConversationID, conn.UserID, protocol.TypingMessage{
			BaseMessage:    newBase(typ, ""),
			ConversationID: conn.ConversationID,
			UserID:         conn.UserID,
		})

	default:
		s.sendError(conn, b.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+b.Type)
	}
}

// handleSend stores the draft under a server id and echoes it to the room.
// The echo carries the draft's content and sender so the client can
// reconcile its pending copy.
func (s *Server) handleSend(ctx context.Context, conn *Connection, requestID string, draft chat.Message) {
	if !chat.IsDisplayable(draft) {
		s.sendError(conn, requestID, protocol.ErrorCodeInvalidMessage, chat.ErrEmptyMessage.Error())
		return
	}
	id, err := common.NewULID()
	if err != nil {
		s.sendError(conn, requestID, protocol.ErrorCodeInternal, "id generation failed")
		return
	}

	msg := draft
	msg.ID = id
	msg.SenderID = conn.UserID
	msg.Received = true
	msg.Seen = false
	msg.CreatedAt = time.Now().UTC()
	msg.UpdatedAt = nil
	if msg.Type == "" {
		msg.Type = chat.TypeText
		if len(msg.Media) > 0 {
			msg.Type = chat.TypeMedia
		}
	}

	if err := s.messages.SaveMessage(ctx, conn.ConversationID, msg); err != nil {
		s.log.Error("save message", "conversation_id", conn.ConversationID, "error", err)
		s.sendError(conn, requestID, protocol.ErrorCodeInternal, "failed to store message")
		return
	}

	s.broadcast(ctx, conn.ConversationID, "", protocol.ChatMessageMessage{
		BaseMessage:    newBase(protocol.TypeMessage, requestID),
		ConversationID: conn.ConversationID,
		Message:        msg,
	})
	s.notifyOffline(ctx, conn, msg.ID)
}

// notifyOffline queues an unread job for members with no live connection.
func (s *Server) notifyOffline(ctx context.Context, conn *Connection, messageID string) {
	if s.unread == nil {
		return
	}
	others, err := s.store.Others(ctx, conn.ConversationID, conn.UserID)
	if err != nil {
		s.log.Warn("list members", "error", err)
		return
	}
	for _, uid := range others {
		if s.hub.Online(conn.ConversationID, uid) {
			continue
		}
		if err := s.unread.PublishUnread(ctx, rabbitmq.UnreadJob{
			ConversationID: conn.ConversationID,
			RecipientID:    uid,
			MessageID:      messageID,
		}); err != nil {
			s.log.Warn("publish unread job", "recipient_id", uid, "error", err)
		}
	}
}

func (s *Server) handleQuery(ctx context.Context, conn *Connection, requestID string, q protocol.QueryMessagesMessage) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	msgs, err := s.messages.GetMessages(ctx, conn.ConversationID, limit, q.BeforeID)
	if err != nil {
		s.log.Error("query messages", "conversation_id", conn.ConversationID, "error", err)
		s.sendError(conn, requestID, protocol.ErrorCodeInternal, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	if err := s.hub.SendJSON(conn, protocol.MessagesPageMessage{
		BaseMessage:    newBase(protocol.TypeMessagesPage, requestID),
		ConversationID: conn.ConversationID,
		Messages:       msgs,
		Limit:          limit,
		BeforeID:       q.BeforeID,
	}); err != nil {
		s.log.Warn("send page", "conn_id", conn.ID, "error", err)
	}
}

// handleMarkSeen applies the viewer's watermark and re-broadcasts the
// watermark message so the sender sees the receipt.
func (s *Server) handleMarkSeen(ctx context.Context, conn *Connection, ids []string) {
	for _, id := range ids {
		n, err := s.messages.MarkSeenBy(ctx, conn.ConversationID, id, conn.UserID)
		if err != nil {
			s.log.Warn("mark seen", "message_id", id, "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		msg, err := s.messages.GetMessage(ctx, conn.ConversationID, id)
		if err != nil {
			continue
		}
		s.broadcast(ctx, conn.ConversationID, "", protocol.ChatMessageMessage{
			BaseMessage:    newBase(protocol.TypeMessage, ""),
			ConversationID: conn.ConversationID,
			Message:        *msg,
		})
	}
	if s.counters != nil {
		if err := s.counters.ResetUnread(ctx, conn.ConversationID, conn.UserID); err != nil {
			s.log.Warn("reset unread", "error", err)
		}
	}
}
