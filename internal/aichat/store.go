// Package aichat manages a conversation with the AI assistant: chat
// bookkeeping, token streaming and reconnect with backoff.
package aichat

import (
	"sync"

	"github.com/suPer8Hu/chatcore/internal/protocol"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	UniqueID  string
	Role      string
	Message   string
	Timestamp int64
}

type Chat struct {
	ID       string
	Title    string
	UserID   string
	Messages []Message
}

// Snapshot is a copy of the store state for rendering.
type Snapshot struct {
	Chats   []Chat
	Current *Chat
	// StreamBuffer is the partial assistant reply of the in-flight exchange.
	StreamBuffer string

	LoadingChats bool
	LoadingChat  bool
	Creating     bool
	Streaming    bool

	Err error
}

type flag int

const (
	flagLoadingChats flag = iota
	flagLoadingChat
	flagCreating
)

type Store struct {
	mu      sync.Mutex
	chats   []Chat
	current *Chat

	buffer          string
	streamRequestID string
	streamChatID    string

	// outstanding request id per round-trip kind
	pending map[flag]string

	loadingChats bool
	loadingChat  bool
	creating     bool
	streaming    bool

	err error

	changes chan struct{}
}

func NewStore() *Store {
	return &Store{changes: make(chan struct{}, 1), pending: make(map[flag]string)}
}

// Changes signals after every state change. Signals coalesce; read
// Snapshot after receiving.
func (st *Store) Changes() <-chan struct{} { return st.changes }

func (st *Store) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := Snapshot{
		Chats:        make([]Chat, 0, len(st.chats)),
		StreamBuffer: st.buffer,
		LoadingChats: st.loadingChats,
		LoadingChat:  st.loadingChat,
		Creating:     st.creating,
		Streaming:    st.streaming,
		Err:          st.err,
	}
	for _, c := range st.chats {
		snap.Chats = append(snap.Chats, copyChat(c))
	}
	if st.current != nil {
		c := copyChat(*st.current)
		snap.Current = &c
	}
	return snap
}

func copyChat(c Chat) Chat {
	c.Messages = append([]Message(nil), c.Messages...)
	return c
}

func (st *Store) notify() {
	select {
	case st.changes <- struct{}{}:
	default:
	}
}

func (st *Store) update(f func()) {
	st.mu.Lock()
	f()
	st.mu.Unlock()
	st.notify()
}

func (st *Store) setFlagLocked(f flag, v bool) {
	switch f {
	case flagLoadingChats:
		st.loadingChats = v
	case flagLoadingChat:
		st.loadingChat = v
	case flagCreating:
		st.creating = v
	}
}

// begin raises the flag for f and records requestID as the reply to wait for.
func (st *Store) begin(f flag, requestID string) {
	st.update(func() {
		st.setFlagLocked(f, true)
		st.pending[f] = requestID
	})
}

// abort drops the request if it is still the outstanding one.
func (st *Store) abort(f flag, requestID string) {
	st.update(func() {
		if st.pending[f] == requestID {
			delete(st.pending, f)
			st.setFlagLocked(f, false)
		}
	})
}

// acceptLocked reports whether a reply for f belongs to the outstanding
// request and settles it. Replies without a request id are always taken.
func (st *Store) acceptLocked(f flag, requestID string) bool {
	if requestID != "" && requestID != st.pending[f] {
		return false
	}
	delete(st.pending, f)
	st.setFlagLocked(f, false)
	return true
}

func (st *Store) busy() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loadingChats || st.loadingChat || st.creating || st.streaming
}

func (st *Store) currentID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == nil {
		return ""
	}
	return st.current.ID
}

func (st *Store) clearErr() {
	st.update(func() { st.err = nil })
}

// setChats applies a chat list reply. Stale replies are dropped.
func (st *Store) setChats(requestID string, chats []Chat) bool {
	ok := false
	st.update(func() {
		if ok = st.acceptLocked(flagLoadingChats, requestID); ok {
			st.chats = chats
		}
	})
	return ok
}

// setCurrent replaces the current chat and refreshes its list entry.
// Stale replies are dropped.
func (st *Store) setCurrent(requestID string, c Chat) bool {
	ok := false
	st.update(func() {
		if ok = st.acceptLocked(flagLoadingChat, requestID); ok {
			st.current = &c
			st.upsertLocked(c)
		}
	})
	return ok
}

func (st *Store) selectLocal(id string) bool {
	found := false
	st.update(func() {
		for _, c := range st.chats {
			if c.ID == id {
				cc := copyChat(c)
				st.current = &cc
				found = true
				return
			}
		}
	})
	return found
}

func (st *Store) chatCreated(requestID string, c Chat) bool {
	ok := false
	st.update(func() {
		if ok = st.acceptLocked(flagCreating, requestID); ok {
			st.upsertLocked(c)
			cc := copyChat(c)
			st.current = &cc
		}
	})
	return ok
}

func (st *Store) titleUpdated(id, title string) {
	st.update(func() {
		for i := range st.chats {
			if st.chats[i].ID == id {
				st.chats[i].Title = title
			}
		}
		if st.current != nil && st.current.ID == id {
			st.current.Title = title
		}
	})
}

func (st *Store) upsertLocked(c Chat) {
	entry := Chat{ID: c.ID, Title: c.Title, UserID: c.UserID}
	for i := range st.chats {
		if st.chats[i].ID == c.ID {
			st.chats[i] = entry
			return
		}
	}
	st.chats = append([]Chat{entry}, st.chats...)
}

// beginStream appends the user turn optimistically and opens the stream
// buffer for requestID.
func (st *Store) beginStream(requestID string, user Message) {
	st.update(func() {
		if st.current != nil {
			st.current.Messages = append(st.current.Messages, user)
			st.streamChatID = st.current.ID
		}
		st.buffer = ""
		st.streamRequestID = requestID
		st.streaming = true
	})
}

func (st *Store) appendChunk(text string) {
	st.update(func() {
		if st.streaming {
			st.buffer += text
		}
	})
}

// streamState reports the request id of the in-flight stream.
func (st *Store) streamState() (requestID string, streaming bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.streamRequestID, st.streaming
}

// finalize flushes the buffer into one assistant message. done, when set,
// supplies the server's id and timestamp and the text if nothing streamed.
func (st *Store) finalize(done *Message, newID func() string) {
	st.update(func() { st.finalizeLocked(done, newID) })
}

func (st *Store) finalizeLocked(done *Message, newID func() string) {
	if !st.streaming {
		return
	}
	text := st.buffer
	msg := Message{Role: RoleAssistant}
	if done != nil {
		msg.UniqueID = done.UniqueID
		msg.Timestamp = done.Timestamp
		if text == "" {
			text = done.Message
		}
	}
	if msg.UniqueID == "" {
		msg.UniqueID = newID()
	}
	msg.Message = text
	if text != "" && st.current != nil && st.current.ID == st.streamChatID {
		st.current.Messages = append(st.current.Messages, msg)
	}
	st.buffer = ""
	st.streamRequestID = ""
	st.streamChatID = ""
	st.streaming = false
}

// fail flushes any partial reply, clears every loading flag and records err.
func (st *Store) fail(err error, newID func() string) {
	st.update(func() {
		st.finalizeLocked(nil, newID)
		st.loadingChats = false
		st.loadingChat = false
		st.creating = false
		clear(st.pending)
		st.err = err
	})
}

func fromProtoChat(c protocol.AIChat) Chat {
	out := Chat{ID: c.ID, Title: c.Title, UserID: c.UserID}
	for _, m := range c.Messages {
		out.Messages = append(out.Messages, fromProtoMessage(m))
	}
	return out
}

func fromProtoMessage(m protocol.AIMessage) Message {
	return Message{UniqueID: m.UniqueID, Role: m.Role, Message: m.Message, Timestamp: m.Timestamp}
}
