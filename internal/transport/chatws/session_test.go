package chatws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/chatcore/internal/chat"
	"github.com/suPer8Hu/chatcore/internal/logger"
	"github.com/suPer8Hu/chatcore/internal/protocol"
)

type testServer struct {
	*httptest.Server
	frames chan map[string]any
	conns  chan *websocket.Conn
}

func newTestServer(t *testing.T, rejectHello bool) *testServer {
	t.Helper()
	ts := &testServer{
		frames: make(chan map[string]any, 32),
		conns:  make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello protocol.HelloMessage
		if err := conn.ReadJSON(&hello); err != nil {
			_ = conn.Close()
			return
		}
		if rejectHello {
			_ = conn.WriteJSON(protocol.ErrorMessage{
				BaseMessage: protocol.BaseMessage{Type: protocol.TypeError},
				Code:        protocol.ErrorCodeUnauthorized,
				Message:     "invalid token",
			})
			_ = conn.Close()
			return
		}
		_ = conn.WriteJSON(protocol.HelloAckMessage{
			BaseMessage:    protocol.BaseMessage{Type: protocol.TypeHelloAck},
			UserID:         "me",
			ConversationID: hello.ConversationID,
		})
		ts.conns <- conn
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			ts.frames <- frame
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func nextFrame(t *testing.T, ch <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return nil
}

func nextEvent(t *testing.T, ch <-chan chat.Event) chat.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return chat.Event{}
}

func TestSession_ConnectIssuesBackfillQuery(t *testing.T) {
	ts := newTestServer(t, false)
	s := New(Config{URL: ts.wsURL(), Token: "tok", ConversationID: "c1", PageSize: 25}, logger.Nop())
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, StateConnected, s.State())
	require.Equal(t, "me", s.UserID())

	ev := nextEvent(t, s.Events())
	require.Equal(t, chat.EventConnected, ev.Kind)

	frame := nextFrame(t, ts.frames)
	require.Equal(t, protocol.TypeQueryMessages, frame["type"])
	require.EqualValues(t, 25, frame["limit"])
	require.NotEmpty(t, frame["request_id"])
}

func TestSession_TranslatesServerFrames(t *testing.T) {
	ts := newTestServer(t, false)
	s := New(Config{URL: ts.wsURL(), ConversationID: "c1"}, logger.Nop())
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, chat.EventConnected, nextEvent(t, s.Events()).Kind)
	conn := <-ts.conns

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, conn.WriteJSON(protocol.ChatMessageMessage{
		BaseMessage:    protocol.BaseMessage{Type: protocol.TypeMessage},
		ConversationID: "c1",
		Message:        chat.Message{ID: "srv-1", Content: "hey", SenderID: "peer", CreatedAt: created},
	}))
	require.NoError(t, conn.WriteJSON(protocol.MessagesPageMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeMessagesPage},
		Messages:    []chat.Message{{ID: "srv-0", Content: "older", SenderID: "peer", CreatedAt: created.Add(-time.Minute)}},
		Limit:       30,
	}))
	require.NoError(t, conn.WriteJSON(protocol.TypingMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeTypingStarted},
		UserID:      "peer",
	}))
	require.NoError(t, conn.WriteJSON(protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeError},
		Code:        protocol.ErrorCodeInternal,
		Message:     "db down",
	}))

	ev := nextEvent(t, s.Events())
	require.Equal(t, chat.EventMessage, ev.Kind)
	require.Equal(t, "srv-1", ev.Message.ID)
	require.True(t, ev.Message.CreatedAt.Equal(created))

	ev = nextEvent(t, s.Events())
	require.Equal(t, chat.EventPage, ev.Kind)
	require.Len(t, ev.Page.Messages, 1)
	require.Equal(t, 30, ev.Page.Limit)

	ev = nextEvent(t, s.Events())
	require.Equal(t, chat.EventTypingStarted, ev.Kind)
	require.Equal(t, "peer", ev.UserID)

	ev = nextEvent(t, s.Events())
	require.Equal(t, chat.EventError, ev.Kind)
	var remote *protocol.RemoteError
	require.ErrorAs(t, ev.Err, &remote)
	require.Equal(t, protocol.ErrorCodeInternal, remote.Code)
}

func TestSession_OutboundCommands(t *testing.T) {
	ts := newTestServer(t, false)
	s := New(Config{URL: ts.wsURL(), ConversationID: "c1"}, logger.Nop())
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, protocol.TypeQueryMessages, nextFrame(t, ts.frames)["type"])

	require.NoError(t, s.SendMessage(chat.Message{ID: "temp-1", Content: "hi", SenderID: "me"}))
	frame := nextFrame(t, ts.frames)
	require.Equal(t, protocol.TypeSendMessage, frame["type"])
	raw, _ := json.Marshal(frame["message"])
	var draft chat.Message
	require.NoError(t, json.Unmarshal(raw, &draft))
	require.Equal(t, "temp-1", draft.ID)

	require.NoError(t, s.MarkMessagesSeen([]string{"srv-3"}))
	frame = nextFrame(t, ts.frames)
	require.Equal(t, protocol.TypeMarkSeen, frame["type"])
	require.Equal(t, []any{"srv-3"}, frame["message_ids"])

	require.NoError(t, s.StartTyping())
	require.Equal(t, protocol.TypeTypingStart, nextFrame(t, ts.frames)["type"])
	require.NoError(t, s.StopTyping())
	require.Equal(t, protocol.TypeTypingStop, nextFrame(t, ts.frames)["type"])

	require.NoError(t, s.QueryMessages(10, "srv-0"))
	frame = nextFrame(t, ts.frames)
	require.Equal(t, "srv-0", frame["before_id"])
}

func TestSession_CommandsBeforeConnect(t *testing.T) {
	s := New(Config{URL: "ws://127.0.0.1:1/ws"}, logger.Nop())
	defer s.Disconnect()
	require.ErrorIs(t, s.SendMessage(chat.Message{Content: "x"}), ErrNotConnected)
	require.ErrorIs(t, s.StartTyping(), ErrNotConnected)
}

func TestSession_ConnectFailureEmitsError(t *testing.T) {
	ts := newTestServer(t, true)
	s := New(Config{URL: ts.wsURL(), ConversationID: "c1"}, logger.Nop())
	defer s.Disconnect()

	err := s.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), protocol.ErrorCodeUnauthorized)
	require.Equal(t, StateDisconnected, s.State())

	ev := nextEvent(t, s.Events())
	require.Equal(t, chat.EventError, ev.Kind)
}

func TestSession_ServerCloseEmitsOneDisconnected(t *testing.T) {
	ts := newTestServer(t, false)
	s := New(Config{URL: ts.wsURL(), ConversationID: "c1"}, logger.Nop())
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, chat.EventConnected, nextEvent(t, s.Events()).Kind)

	conn := <-ts.conns
	_ = conn.Close()

	require.Equal(t, chat.EventDisconnected, nextEvent(t, s.Events()).Kind)
	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, time.Second, 10*time.Millisecond)

	// the owner may retry on the same session
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, chat.EventConnected, nextEvent(t, s.Events()).Kind)

	s.Disconnect()
	var kinds []chat.EventKind
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []chat.EventKind{chat.EventDisconnected}, kinds)
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t, false)
	s := New(Config{URL: ts.wsURL(), ConversationID: "c1"}, logger.Nop())

	s.Disconnect()
	s.Disconnect()
	require.ErrorIs(t, s.Connect(context.Background()), ErrClosed)

	_, ok := <-s.Events()
	require.False(t, ok)
}
