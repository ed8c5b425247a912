// Package chatws implements the live transport session of one conversation
// over a WebSocket.
package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/chatcore/internal/chat"
	"github.com/suPer8Hu/chatcore/internal/common"
	"github.com/suPer8Hu/chatcore/internal/logger"
	"github.com/suPer8Hu/chatcore/internal/protocol"
)

var (
	ErrNotConnected = errors.New("chat session not connected")
	ErrBufferFull   = errors.New("chat session send buffer full")
	ErrClosed       = errors.New("chat session closed")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL            string
	Token          string
	ConversationID string
	// PageSize is the size of the backfill query issued right after connecting.
	PageSize       int
	Dialer         *websocket.Dialer
	HandshakeWait  time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func (c *Config) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 30
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.HandshakeWait <= 0 {
		c.HandshakeWait = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
}

// Session is one duplex channel for an open conversation. Incoming traffic
// is delivered on Events; outbound commands are fire-and-forget.
type Session struct {
	cfg Config
	log *logger.Logger

	state  atomic.Int32
	events chan chat.Event

	mu     sync.Mutex
	link   *link
	userID string

	// emitMu guards events against sends after close
	emitMu       sync.RWMutex
	eventsClosed bool

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// link is one physical connection.
type link struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	doneOnce     sync.Once
	disconnected atomic.Bool
}

func (l *link) stop() {
	l.doneOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func New(cfg Config, log *logger.Logger) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		log:     log.With("component", "chatws", "conversation_id", cfg.ConversationID),
		events:  make(chan chat.Event, 64),
		closing: make(chan struct{}),
	}
}

// Events is closed after Disconnect.
func (s *Session) Events() <-chan chat.Event { return s.events }

func (s *Session) State() State { return State(s.state.Load()) }

// UserID is the authenticated user reported by the server handshake.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Connect opens the channel and performs the hello handshake. On success
// it emits Connected and queries the newest page. Failures emit Error and
// are not retried.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect: session is %s", s.State())
	}

	l, userID, err := s.dial(ctx)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		s.emit(chat.Event{Kind: chat.EventError, Err: err})
		return err
	}

	s.mu.Lock()
	select {
	case <-s.closing:
		s.mu.Unlock()
		l.stop()
		s.state.Store(int32(StateDisconnected))
		return ErrClosed
	default:
	}
	s.link = l
	s.userID = userID
	s.state.Store(int32(StateConnected))
	s.wg.Add(2)
	s.mu.Unlock()

	s.emit(chat.Event{Kind: chat.EventConnected})
	s.log.Info("chat session connected", "user_id", userID)

	go s.writePump(l)
	go s.readPump(l)

	if err := s.QueryMessages(s.cfg.PageSize, ""); err != nil {
		s.log.Warn("initial backfill query failed", "error", err)
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (*link, string, error) {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	hello := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHello,
			Ts:        time.Now().UnixMilli(),
			RequestID: common.NewRequestID(),
		},
		Token:          s.cfg.Token,
		ConversationID: s.cfg.ConversationID,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("write hello: %w", err)
	}

	// Wait for hello_ack
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("read hello_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	switch base.Type {
	case protocol.TypeHelloAck:
	case protocol.TypeError:
		var errMsg protocol.ErrorMessage
		_ = json.Unmarshal(data, &errMsg)
		_ = conn.Close()
		return nil, "", fmt.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message)
	default:
		_ = conn.Close()
		return nil, "", fmt.Errorf("expected hello_ack, got: %s", base.Type)
	}

	var ack protocol.HelloAckMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("unmarshal hello_ack: %w", err)
	}

	return &link{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}, ack.UserID, nil
}

// SendMessage transmits a draft; the echoed server copy arrives as a
// Message event.
func (s *Session) SendMessage(draft chat.Message) error {
	return s.write(protocol.SendMessageMessage{
		BaseMessage: s.base(protocol.TypeSendMessage),
		Message:     draft,
	})
}

// QueryMessages requests a backfill page, delivered later as a Page event.
func (s *Session) QueryMessages(limit int, beforeID string) error {
	return s.write(protocol.QueryMessagesMessage{
		BaseMessage: s.base(protocol.TypeQueryMessages),
		Limit:       limit,
		BeforeID:    beforeID,
	})
}

func (s *Session) MarkMessagesSeen(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.write(protocol.MarkSeenMessage{
		BaseMessage: s.base(protocol.TypeMarkSeen),
		MessageIDs:  ids,
	})
}

func (s *Session) StartTyping() error {
	return s.write(protocol.TypingMessage{BaseMessage: s.base(protocol.TypeTypingStart)})
}

func (s *Session) StopTyping() error {
	return s.write(protocol.TypingMessage{BaseMessage: s.base(protocol.TypeTypingStop)})
}

// Disconnect closes the channel and disposes the session. It is safe to
// call any number of times from any state.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.closing)

		s.mu.Lock()
		l := s.link
		s.link = nil
		s.mu.Unlock()

		if l != nil {
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			l.stop()
		}
		s.wg.Wait()

		if l != nil && l.disconnected.CompareAndSwap(false, true) {
			s.emitFinal(chat.Event{Kind: chat.EventDisconnected})
		}
		s.state.Store(int32(StateDisconnected))

		s.emitMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.emitMu.Unlock()
		s.log.Info("chat session closed")
	})
}

func (s *Session) base(typ string) protocol.BaseMessage {
	return protocol.BaseMessage{
		Type:      typ,
		Ts:        time.Now().UnixMilli(),
		RequestID: common.NewRequestID(),
	}
}

func (s *Session) write(v any) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	select {
	case <-l.done:
		return ErrNotConnected
	case l.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

func (s *Session) readPump(l *link) {
	defer s.wg.Done()
	defer func() {
		l.stop()
		s.connectionLost(l)
	}()

	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	})
	_ = l.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Warn("chat session read failed", "error", err)
				}
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
		s.handleFrame(data)
	}
}

func (s *Session) writePump(l *link) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		l.stop()
	}()

	for {
		select {
		case <-l.done:
			return
		case data := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn("chat session write failed", "error", err)
				s.emit(chat.Event{Kind: chat.EventError, Err: fmt.Errorf("send: %w", err)})
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// connectionLost handles a link that ended without Disconnect; the owner
// may call Connect again.
func (s *Session) connectionLost(l *link) {
	select {
	case <-s.closing:
		return
	default:
	}
	s.mu.Lock()
	if s.link == l {
		s.link = nil
		s.state.Store(int32(StateDisconnected))
	}
	s.mu.Unlock()
	if l.disconnected.CompareAndSwap(false, true) {
		s.emit(chat.Event{Kind: chat.EventDisconnected})
		s.log.Info("chat session disconnected")
	}
}

func (s *Session) handleFrame(data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.log.Warn("bad chat frame", "error", err)
		return
	}

	switch base.Type {
	case protocol.TypeMessage:
		var msg protocol.ChatMessageMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("bad message frame", "error", err)
			return
		}
		s.emit(chat.Event{Kind: chat.EventMessage, Message: msg.Message})

	case protocol.TypeMessagesPage:
		var msg protocol.MessagesPageMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("bad page frame", "error", err)
			return
		}
		s.emit(chat.Event{Kind: chat.EventPage, Page: chat.Page{
			Messages: msg.Messages,
			Limit:    msg.Limit,
			BeforeID: msg.BeforeID,
		}})

	case protocol.TypeTypingStarted, protocol.TypeTypingStopped:
		var msg protocol.TypingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		kind := chat.EventTypingStarted
		if base.Type == protocol.TypeTypingStopped {
			kind = chat.EventTypingStopped
		}
		s.emit(chat.Event{Kind: kind, UserID: msg.UserID})

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		_ = json.Unmarshal(data, &msg)
		s.emit(chat.Event{Kind: chat.EventError, Err: &protocol.RemoteError{Code: msg.Code, Message: msg.Message}})

	default:
		s.log.Debug("ignoring chat frame", "type", base.Type)
	}
}

// emit blocks until the event is consumed or the session is disposed.
func (s *Session) emit(ev chat.Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case <-s.closing:
	case s.events <- ev:
	}
}

// emitFinal is used on teardown, when the consumer may have stopped reading.
func (s *Session) emitFinal(ev chat.Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Debug("event buffer full, dropping", "kind", ev.Kind.String())
	}
}
