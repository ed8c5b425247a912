package aichat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/chatcore/internal/common"
	"github.com/suPer8Hu/chatcore/internal/logger"
	"github.com/suPer8Hu/chatcore/internal/protocol"
)

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
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
	URL   string
	Token string

	ReconnectBase time.Duration
	MaxReconnect  int

	Dialer        *websocket.Dialer
	HandshakeWait time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration

	// AfterFunc schedules a reconnect attempt and returns its cancel
	// function. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

func (c *Config) withDefaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = 5
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
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
}

// Session owns the AI channel and folds its frames into a Store.
type Session struct {
	cfg   Config
	log   *logger.Logger
	store *Store

	state atomic.Int32

	mu          sync.Mutex
	link        *link
	userID      string
	attempts    int
	cancelRetry func() bool
	closed      bool

	wg sync.WaitGroup
}

type link struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
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
		cfg:   cfg,
		log:   log.With("component", "aichat"),
		store: NewStore(),
	}
}

func (s *Session) Store() *Store { return s.store }

func (s *Session) State() ConnState { return ConnState(s.state.Load()) }

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Connect opens the channel. It is the explicit user action that resets
// the reconnect counter and clears a terminal error. A failed dial is
// retried with backoff.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	s.attempts = 0
	s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect: session is %s", s.State())
	}
	s.store.clearErr()
	return s.open(ctx)
}

func (s *Session) open(ctx context.Context) error {
	l, userID, err := s.dial(ctx)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		s.log.Warn("ai channel connect failed", "error", err)
		s.failed(err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.stop()
		s.state.Store(int32(StateDisconnected))
		return ErrClosed
	}
	s.link = l
	s.userID = userID
	s.attempts = 0
	s.state.Store(int32(StateConnected))
	s.wg.Add(2)
	s.mu.Unlock()

	s.log.Info("ai channel connected", "user_id", userID)
	s.store.notify()

	go s.writePump(l)
	go s.readPump(l)
	return nil
}

// failed counts one consecutive failure and schedules the next attempt,
// or surfaces ErrReconnectExhausted once the limit is reached.
func (s *Session) failed(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.attempts++
	n := s.attempts
	if n >= s.cfg.MaxReconnect {
		s.cancelRetry = nil
		s.log.Error("ai channel giving up", "attempts", n, "error", cause)
		s.store.fail(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, n, cause), newMessageID)
		return
	}
	delay := Backoff(s.cfg.ReconnectBase, n)
	s.log.Info("ai channel reconnect scheduled", "attempt", n, "delay", delay)
	s.cancelRetry = s.cfg.AfterFunc(delay, s.retry)
}

func (s *Session) retry() {
	s.mu.Lock()
	closed := s.closed
	s.cancelRetry = nil
	s.mu.Unlock()
	if closed || !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeWait)
	defer cancel()
	_ = s.open(ctx)
}

func (s *Session) dial(ctx context.Context) (*link, string, error) {
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(protocol.HelloMessage{
		BaseMessage: base(protocol.TypeHello, common.NewRequestID()),
		Token:       s.cfg.Token,
	}); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("write hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeWait))
	var ack struct {
		protocol.HelloAckMessage
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("read hello_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch ack.Type {
	case protocol.TypeHelloAck:
	case protocol.TypeError:
		_ = conn.Close()
		return nil, "", &protocol.RemoteError{Code: ack.Code, Message: ack.Message}
	default:
		_ = conn.Close()
		return nil, "", fmt.Errorf("expected hello_ack, got: %s", ack.Type)
	}

	return &link{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}, ack.UserID, nil
}

// Close tears the channel down without reconnecting. Safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
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
	s.state.Store(int32(StateDisconnected))
	s.log.Info("ai session closed")
}

// ListChats requests the chat list. Each command returns its request id.
func (s *Session) ListChats() (string, error) {
	id := common.NewRequestID()
	s.store.begin(flagLoadingChats, id)
	if err := s.write(base(protocol.TypeGetChats, id)); err != nil {
		s.store.abort(flagLoadingChats, id)
		return "", err
	}
	return id, nil
}

func (s *Session) GetChat(chatID string) (string, error) {
	id := common.NewRequestID()
	s.store.begin(flagLoadingChat, id)
	if err := s.write(protocol.GetChatMessage{BaseMessage: base(protocol.TypeGetChat, id), ChatID: chatID}); err != nil {
		s.store.abort(flagLoadingChat, id)
		return "", err
	}
	return id, nil
}

// SelectChat makes chatID current right away from the known list and
// fetches its full history.
func (s *Session) SelectChat(chatID string) (string, error) {
	s.store.selectLocal(chatID)
	return s.GetChat(chatID)
}

func (s *Session) CreateChat(title string) (string, error) {
	id := common.NewRequestID()
	s.store.begin(flagCreating, id)
	if err := s.write(protocol.CreateChatMessage{BaseMessage: base(protocol.TypeCreateChat, id), Title: title}); err != nil {
		s.store.abort(flagCreating, id)
		return "", err
	}
	return id, nil
}

// SendMessage appends the user turn to the current chat and requests a
// streamed completion.
func (s *Session) SendMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrMalformedPayload
	}
	chatID := s.store.currentID()
	if chatID == "" {
		return "", ErrNoChat
	}
	if s.State() != StateConnected {
		return "", ErrNotConnected
	}

	id := common.NewRequestID()
	user := Message{
		UniqueID:  newMessageID(),
		Role:      RoleUser,
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
	}
	s.store.beginStream(id, user)
	if err := s.write(protocol.ChatCompletionMessage{
		BaseMessage: base(protocol.TypeChatCompletion, id),
		ChatID:      chatID,
		UniqueID:    user.UniqueID,
		Message:     text,
	}); err != nil {
		s.store.fail(err, newMessageID)
		return "", err
	}
	return id, nil
}

func (s *Session) UpdateTitle(chatID, title string) (string, error) {
	id := common.NewRequestID()
	if err := s.write(protocol.UpdateTitleMessage{
		BaseMessage: base(protocol.TypeUpdateTitle, id),
		ChatID:      chatID,
		Title:       title,
	}); err != nil {
		return "", err
	}
	return id, nil
}

func base(typ, requestID string) protocol.BaseMessage {
	return protocol.BaseMessage{Type: typ, Ts: time.Now().UnixMilli(), RequestID: requestID}
}

func newMessageID() string {
	id, err := common.NewULID()
	if err != nil {
		return common.NewRequestID()
	}
	return id
}

func (s *Session) write(v any) error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil || s.State() != StateConnected {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrNotConnected
	case l.send <- data:
		return nil
	default:
		return fmt.Errorf("ai channel send buffer full")
	}
}

func (s *Session) readPump(l *link) {
	defer s.wg.Done()
	var readErr error
	defer func() {
		l.stop()
		s.connectionLost(l, readErr)
	}()

	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	})
	_ = l.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			readErr = err
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
				s.log.Warn("ai channel write failed", "error", err)
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

// connectionLost runs when a link ends without Close. Outstanding work is
// failed once and a reconnect is scheduled.
func (s *Session) connectionLost(l *link, cause error) {
	s.mu.Lock()
	if s.closed || s.link != l {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.state.Store(int32(StateDisconnected))
	s.mu.Unlock()

	if cause == nil {
		cause = ErrNotConnected
	}
	s.log.Warn("ai channel lost", "error", cause)
	if s.store.busy() {
		s.store.fail(fmt.Errorf("ai channel lost: %w", cause), newMessageID)
	} else {
		s.store.notify()
	}
	s.failed(cause)
}

func (s *Session) handleFrame(data []byte) {
	var b protocol.BaseMessage
	if err := json.Unmarshal(data, &b); err != nil {
		s.log.Warn("bad ai frame", "error", err)
		return
	}

	switch b.Type {
	case protocol.TypeChats:
		var msg protocol.ChatsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.malformed(b.Type, err)
			return
		}
		chats := make([]Chat, 0, len(msg.Chats))
		for _, c := range msg.Chats {
			chats = append(chats, fromProtoChat(c))
		}
		if !s.store.setChats(b.RequestID, chats) {
			s.log.Debug("dropping stale chats reply", "request_id", b.RequestID)
		}

	case protocol.TypeChat:
		var msg protocol.ChatEnvelope
		if err := json.Unmarshal(data, &msg); err != nil || msg.Chat == nil || msg.Chat.ID == "" {
			s.malformed(b.Type, err)
			return
		}
		if !s.store.setCurrent(b.RequestID, fromProtoChat(*msg.Chat)) {
			s.log.Debug("dropping stale chat reply", "request_id", b.RequestID, "chat_id", msg.Chat.ID)
		}

	case protocol.TypeChatCreated:
		var msg protocol.ChatEnvelope
		if err := json.Unmarshal(data, &msg); err != nil || msg.Chat == nil || msg.Chat.ID == "" {
			s.malformed(b.Type, err)
			return
		}
		if !s.store.chatCreated(b.RequestID, fromProtoChat(*msg.Chat)) {
			s.log.Debug("dropping stale chat_created reply", "request_id", b.RequestID)
		}

	case protocol.TypeTitleUpdated:
		var msg protocol.ChatEnvelope
		if err := json.Unmarshal(data, &msg); err != nil || msg.Chat == nil || msg.Chat.ID == "" {
			s.malformed(b.Type, err)
			return
		}
		s.store.titleUpdated(msg.Chat.ID, msg.Chat.Title)

	case protocol.TypeCompletionChunk:
		var msg protocol.CompletionChunkMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.malformed(b.Type, err)
			return
		}
		s.applyChunk(b.RequestID, msg)

	case protocol.TypeCompletionDone:
		var msg protocol.CompletionDoneMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.malformed(b.Type, err)
			return
		}
		var done *Message
		if msg.Message != nil {
			m := fromProtoMessage(*msg.Message)
			done = &m
		}
		s.store.finalize(done, newMessageID)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		_ = json.Unmarshal(data, &msg)
		s.log.Warn("ai channel error frame", "code", msg.Code, "message", msg.Message, "request_id", b.RequestID)
		s.store.fail(&protocol.RemoteError{Code: msg.Code, Message: msg.Message}, newMessageID)

	default:
		s.log.Debug("ignoring ai frame", "type", b.Type)
	}
}

// applyChunk accumulates streamed text. done=true is authoritative; an
// empty chunk for the in-flight request also ends the stream.
func (s *Session) applyChunk(requestID string, msg protocol.CompletionChunkMessage) {
	streamID, streaming := s.store.streamState()
	if !streaming {
		return
	}
	if requestID != "" && streamID != "" && requestID != streamID {
		s.log.Debug("chunk for stale request", "request_id", requestID)
		return
	}
	if msg.Text != "" {
		s.store.appendChunk(msg.Text)
	}
	switch {
	case msg.Done:
		s.store.finalize(nil, newMessageID)
	case msg.Text == "" && requestID != "" && requestID == streamID:
		s.store.finalize(nil, newMessageID)
	}
}

func (s *Session) malformed(typ string, err error) {
	s.log.Warn("malformed ai frame", "type", typ, "error", err)
	s.store.fail(fmt.Errorf("%w: %s", ErrMalformedPayload, typ), newMessageID)
}
