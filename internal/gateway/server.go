// Package gateway is a development server for the chat and AI channels.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/chatcore/internal/ai"
	"github.com/suPer8Hu/chatcore/internal/auth"
	"github.com/suPer8Hu/chatcore/internal/chat"
	"github.com/suPer8Hu/chatcore/internal/config"
	"github.com/suPer8Hu/chatcore/internal/httpapi/middleware"
	"github.com/suPer8Hu/chatcore/internal/logger"
	"github.com/suPer8Hu/chatcore/internal/protocol"
	"github.com/suPer8Hu/chatcore/internal/store/rabbitmq"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
	helloWait       = 10 * time.Second
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = 50 * time.Second
	maxMessageSize  = 1 << 20
	devTokenTTL     = 24 * time.Hour
)

// MatchmakerPrompt is the system turn of every AI chat.
const MatchmakerPrompt = "You are a warm, thoughtful matchmaking assistant. " +
	"Help the user reflect on what they value in a partner, suggest conversation openers, " +
	"and keep answers short and kind."

type UnreadPublisher interface {
	PublishUnread(ctx context.Context, job rabbitmq.UnreadJob) error
}

type UnreadCounter interface {
	ResetUnread(ctx context.Context, conversationID, userID string) error
}

type Deps struct {
	Config   config.Config
	Messages *chat.Repo
	Store    *Store
	Registry *ai.Registry
	Bus      Bus
	// Unread and Counters are optional.
	Unread   UnreadPublisher
	Counters UnreadCounter
	Log      *logger.Logger
}

type Server struct {
	cfg       config.Config
	messages  *chat.Repo
	store     *Store
	bus       Bus
	unread    UnreadPublisher
	counters  UnreadCounter
	hub       *Hub
	completer *Completer
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	bus := d.Bus
	if bus == nil {
		bus = NewLocalBus()
	}
	return &Server{
		cfg:      d.Config,
		messages: d.Messages,
		store:    d.Store,
		bus:      bus,
		unread:   d.Unread,
		counters: d.Counters,
		hub:      NewHub(log),
		completer: &Completer{
			Store:           d.Store,
			Registry:        d.Registry,
			DefaultProvider: d.Config.AIProvider,
			WindowSize:      d.Config.ChatContextWindowSize,
			Log:             log.With("component", "completer"),
		},
		log: log.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the hub and subscribes it to the bus until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	return s.bus.StartForwarder(ctx, s.hub.Deliver)
}

func (s *Server) Hub() *Hub { return s.hub }

// Completer is shared with the HTTP surface.
func (s *Server) Completer() *Completer { return s.completer }

// Router serves the WebSocket endpoints. mounts add further route groups.
func (s *Server) Router(mounts ...func(r *gin.Engine)) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(s.log))
	r.Use(middleware.AccessLog(s.log))

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", s.ping)
	r.POST("/dev/token", s.devToken)
	r.GET("/ws/chat", s.handleChatWS)
	r.GET("/ws/ai", s.handleAIWS)

	for _, mount := range mounts {
		mount(r)
	}
	return r
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

func (s *Server) ping(c *gin.Context) {
	ok(c, gin.H{
		"pong":        true,
		"connections": s.hub.ConnectionCount(),
		"rooms":       s.hub.RoomCount(),
	})
}

type devTokenReq struct {
	UserID string `json:"user_id" binding:"required"`
}

// devToken issues a token for any user id; it stands in for the real
// auth service.
func (s *Server) devToken(c *gin.Context) {
	var req devTokenReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		fail(c, http.StatusBadRequest, 40001, "user_id is required")
		return
	}
	token, err := auth.SignJWT(strings.TrimSpace(req.UserID), s.cfg.JWTSecret, devTokenTTL)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to sign token")
		return
	}
	ok(c, gin.H{"token": token})
}

// hello reads and authenticates the first frame of a connection.
func (s *Server) hello(ws *websocket.Conn) (protocol.HelloMessage, string, error) {
	var msg protocol.HelloMessage
	_ = ws.SetReadDeadline(time.Now().Add(helloWait))
	if err := ws.ReadJSON(&msg); err != nil {
		return msg, "", &protocol.RemoteError{Code: protocol.ErrorCodeInvalidMessage, Message: "invalid hello message"}
	}
	_ = ws.SetReadDeadline(time.Time{})
	if msg.Type != protocol.TypeHello {
		return msg, "", &protocol.RemoteError{Code: protocol.ErrorCodeSessionRequired, Message: "must send hello first"}
	}
	userID, err := auth.ParseJWT(msg.Token, s.cfg.JWTSecret)
	if err != nil {
		return msg, "", &protocol.RemoteError{Code: protocol.ErrorCodeUnauthorized, Message: "invalid token"}
	}
	return msg, userID, nil
}

// rejectHandshake writes an error frame directly and closes the socket.
func (s *Server) rejectHandshake(ws *websocket.Conn, requestID string, err error) {
	code, text := protocol.ErrorCodeInternal, err.Error()
	var re *protocol.RemoteError
	if errors.As(err, &re) {
		code, text = re.Code, re.Message
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteJSON(errorFrame(requestID, code, text))
	_ = ws.Close()
}

func newBase(typ, requestID string) protocol.BaseMessage {
	return protocol.BaseMessage{Type: typ, Ts: time.Now().UnixMilli(), RequestID: requestID}
}

func errorFrame(requestID, code, text string) protocol.ErrorMessage {
	return protocol.ErrorMessage{
		BaseMessage: newBase(protocol.TypeError, requestID),
		Code:        code,
		Message:     text,
	}
}

func (s *Server) sendError(conn *Connection, requestID, code, text string) {
	if err := s.hub.SendJSON(conn, errorFrame(requestID, code, text)); err != nil {
		s.log.Warn("send error frame failed", "conn_id", conn.ID, "error", err)
	}
}

// broadcast publishes v to every connection of the conversation.
func (s *Server) broadcast(ctx context.Context, conversationID, excludeUserID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal broadcast", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, Envelope{
		ConversationID: conversationID,
		ExcludeUserID:  excludeUserID,
		Data:           data,
	}); err != nil {
		s.log.Warn("bus publish failed", "conversation_id", conversationID, "error", err)
	}
}

// readLoop reads frames until the socket fails, handing each to handle.
func (s *Server) readLoop(conn *Connection, handle func(data []byte)) {
	conn.Conn.SetReadLimit(maxMessageSize)
	_ = conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read error", "conn_id", conn.ID, "error", err)
			}
			return
		}
		_ = conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Conn.Close()
	}()

	for {
		select {
		case message, open := <-conn.Send:
			if !open {
				// hub closed the channel
				_ = conn.writeMessage(websocket.CloseMessage, []byte{}, writeWait)
				return
			}
			if err := conn.writeMessage(websocket.TextMessage, message, writeWait); err != nil {
				s.log.Warn("websocket write failed", "conn_id", conn.ID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.writeMessage(websocket.PingMessage, nil, writeWait); err != nil {
				return
			}
		}
	}
}
