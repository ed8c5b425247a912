package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chatcore/internal/ai"
	"github.com/suPer8Hu/chatcore/internal/aichat"
	"github.com/suPer8Hu/chatcore/internal/auth"
	"github.com/suPer8Hu/chatcore/internal/chat"
	"github.com/suPer8Hu/chatcore/internal/config"
	"github.com/suPer8Hu/chatcore/internal/logger"
	"github.com/suPer8Hu/chatcore/internal/store/rabbitmq"
	"github.com/suPer8Hu/chatcore/internal/transport/chatws"
)

const testSecret = "test-secret"

type streamingProvider struct {
	mu   sync.Mutex
	last []ai.Message
}

func (p *streamingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return "Hello", nil
}

func (p *streamingProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.mu.Lock()
	p.last = append([]ai.Message(nil), messages...)
	p.mu.Unlock()
	chunks := make(chan string, 2)
	errs := make(chan error, 1)
	chunks <- "Hel"
	chunks <- "lo"
	close(chunks)
	close(errs)
	return chunks, errs
}

type recordingUnread struct {
	mu     sync.Mutex
	jobs   []rabbitmq.UnreadJob
	resets []string
}

func (r *recordingUnread) PublishUnread(ctx context.Context, job rabbitmq.UnreadJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingUnread) ResetUnread(ctx context.Context, conversationID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, userID)
	return nil
}

func (r *recordingUnread) snapshot() ([]rabbitmq.UnreadJob, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rabbitmq.UnreadJob(nil), r.jobs...), append([]string(nil), r.resets...)
}

type env struct {
	server   *Server
	srv      *httptest.Server
	repo     *chat.Repo
	unread   *recordingUnread
	provider *streamingProvider
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo := chat.NewRepo(db, 0)
	require.NoError(t, repo.Migrate(ctx))
	store := NewStore(db)
	require.NoError(t, store.Migrate(ctx))

	prov := &streamingProvider{}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})

	unread := &recordingUnread{}
	s := NewServer(Deps{
		Config:   config.Config{JWTSecret: testSecret, AIProvider: "fake", ChatContextWindowSize: 20},
		Messages: repo,
		Store:    store,
		Registry: reg,
		Unread:   unread,
		Counters: unread,
		Log:      logger.Nop(),
	})
	require.NoError(t, s.Start(ctx))

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &env{server: s, srv: srv, repo: repo, unread: unread, provider: prov}
}

func (e *env) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.SignJWT(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) dialChat(t *testing.T, userID, conversationID string, pageSize int) *chatws.Session {
	t.Helper()
	s := chatws.New(chatws.Config{
		URL:            e.wsURL("/ws/chat"),
		Token:          token(t, userID),
		ConversationID: conversationID,
		PageSize:       pageSize,
	}, logger.Nop())
	t.Cleanup(s.Disconnect)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

// waitFor skips events until one of kind arrives.
func waitFor(t *testing.T, s *chatws.Session, kind chat.EventKind) chat.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "events closed while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestPingAndDevToken(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(e.srv.URL+"/dev/token", "application/json", strings.NewReader(`{"user_id":"alice"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Code int `json:"code"`
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	uid, err := auth.ParseJWT(body.Data.Token, testSecret)
	require.NoError(t, err)
	require.Equal(t, "alice", uid)

	resp, err = http.Post(e.srv.URL+"/dev/token", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat_SendEchoAndSeenReceipt(t *testing.T) {
	e := newEnv(t)
	alice := e.dialChat(t, "alice", "c1", 30)
	bob := e.dialChat(t, "bob", "c1", 30)
	waitFor(t, alice, chat.EventPage)
	waitFor(t, bob, chat.EventPage)

	draft, err := chat.NewPendingMessage("alice", "hi bob", nil)
	require.NoError(t, err)
	require.NoError(t, alice.SendMessage(draft))

	echo := waitFor(t, alice, chat.EventMessage).Message
	require.False(t, echo.IsTemporary())
	require.Equal(t, "alice", echo.SenderID)
	require.Equal(t, "hi bob", echo.Content)
	require.True(t, echo.Received)

	got := waitFor(t, bob, chat.EventMessage).Message
	require.Equal(t, echo.ID, got.ID)

	require.NoError(t, bob.MarkMessagesSeen([]string{got.ID}))
	receipt := waitFor(t, alice, chat.EventMessage).Message
	require.Equal(t, echo.ID, receipt.ID)
	require.True(t, receipt.Seen)

	// both members were online, so nothing was queued
	require.Eventually(t, func() bool {
		_, resets := e.unread.snapshot()
		return len(resets) == 1
	}, 2*time.Second, 10*time.Millisecond)
	jobs, resets := e.unread.snapshot()
	require.Empty(t, jobs)
	require.Equal(t, []string{"bob"}, resets)
}

func TestChat_EmptyDraftRejected(t *testing.T) {
	e := newEnv(t)
	alice := e.dialChat(t, "alice", "c1", 30)
	waitFor(t, alice, chat.EventPage)

	require.NoError(t, alice.SendMessage(chat.Message{ID: "temp-x", Content: "   "}))
	ev := waitFor(t, alice, chat.EventError)
	require.Contains(t, ev.Err.Error(), "INVALID_MESSAGE")
}

func TestChat_ConversationAdmitsTwoMembers(t *testing.T) {
	e := newEnv(t)
	e.dialChat(t, "alice", "c1", 30)
	e.dialChat(t, "bob", "c1", 30)

	carol := chatws.New(chatws.Config{
		URL:            e.wsURL("/ws/chat"),
		Token:          token(t, "carol"),
		ConversationID: "c1",
	}, logger.Nop())
	defer carol.Disconnect()
	err := carol.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "UNAUTHORIZED")

	bad := chatws.New(chatws.Config{URL: e.wsURL("/ws/chat"), Token: "nope", ConversationID: "c1"}, logger.Nop())
	defer bad.Disconnect()
	require.Error(t, bad.Connect(context.Background()))
}

func TestChat_TypingRelayedToPeer(t *testing.T) {
	e := newEnv(t)
	alice := e.dialChat(t, "alice", "c1", 30)
	bob := e.dialChat(t, "bob", "c1", 30)
	waitFor(t, bob, chat.EventPage)

	require.NoError(t, alice.StartTyping())
	ev := waitFor(t, bob, chat.EventTypingStarted)
	require.Equal(t, "alice", ev.UserID)

	require.NoError(t, alice.StopTyping())
	ev = waitFor(t, bob, chat.EventTypingStopped)
	require.Equal(t, "alice", ev.UserID)
}

func TestChat_BackfillPages(t *testing.T) {
	e := newEnv(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var seed []chat.Message
	for i := 0; i < 5; i++ {
		seed = append(seed, chat.Message{
			ID:        fmt.Sprintf("m-%d", i),
			Type:      chat.TypeText,
			Content:   fmt.Sprintf("msg %d", i),
			SenderID:  "alice",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, e.repo.SaveMessages(context.Background(), "c1", seed))

	bob := e.dialChat(t, "bob", "c1", 3)
	page := waitFor(t, bob, chat.EventPage).Page
	require.Equal(t, 3, page.Limit)
	require.Equal(t, []string{"m-2", "m-3", "m-4"}, messageIDs(page.Messages))

	require.NoError(t, bob.QueryMessages(3, "m-2"))
	page = waitFor(t, bob, chat.EventPage).Page
	require.Equal(t, []string{"m-0", "m-1"}, messageIDs(page.Messages))
	require.Equal(t, "m-2", page.BeforeID)
}

func TestChat_OfflineMemberGetsUnreadJob(t *testing.T) {
	e := newEnv(t)
	bob := e.dialChat(t, "bob", "c1", 30)
	waitFor(t, bob, chat.EventPage)
	bob.Disconnect()

	alice := e.dialChat(t, "alice", "c1", 30)
	waitFor(t, alice, chat.EventPage)
	require.Eventually(t, func() bool {
		return !e.server.Hub().Online("c1", "bob")
	}, 2*time.Second, 10*time.Millisecond)

	draft, err := chat.NewPendingMessage("alice", "are you there?", nil)
	require.NoError(t, err)
	require.NoError(t, alice.SendMessage(draft))
	echo := waitFor(t, alice, chat.EventMessage).Message

	require.Eventually(t, func() bool {
		jobs, _ := e.unread.snapshot()
		return len(jobs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	jobs, _ := e.unread.snapshot()
	require.Equal(t, rabbitmq.UnreadJob{ConversationID: "c1", RecipientID: "bob", MessageID: echo.ID}, jobs[0])
}

func TestAI_CreateChatAndStreamCompletion(t *testing.T) {
	e := newEnv(t)
	s := aichat.New(aichat.Config{URL: e.wsURL("/ws/ai"), Token: token(t, "alice")}, logger.Nop())
	defer s.Close()
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, "alice", s.UserID())

	_, err := s.CreateChat("")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := s.Store().Snapshot()
		return snap.Current != nil && !snap.Creating
	}, 3*time.Second, 10*time.Millisecond)
	chatID := s.Store().Snapshot().Current.ID
	require.Equal(t, "New chat", s.Store().Snapshot().Current.Title)

	_, err = s.SendMessage("hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := s.Store().Snapshot()
		return !snap.Streaming && len(snap.Current.Messages) == 2
	}, 3*time.Second, 10*time.Millisecond)

	snap := s.Store().Snapshot()
	require.NoError(t, snap.Err)
	require.Equal(t, "Hello", snap.Current.Messages[1].Message)

	e.provider.mu.Lock()
	prompt := e.provider.last
	e.provider.mu.Unlock()
	require.Equal(t, ai.RoleSystem, prompt[0].Role)
	require.Equal(t, "hi", prompt[len(prompt)-1].Content)

	_, err = s.UpdateTitle(chatID, "Dating goals")
	require.NoError(t, err)
	_, err = s.ListChats()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := s.Store().Snapshot()
		return !snap.LoadingChats && len(snap.Chats) == 1 && snap.Chats[0].Title == "Dating goals"
	}, 3*time.Second, 10*time.Millisecond)

	// history is persisted server side
	_, err = s.SelectChat(chatID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := s.Store().Snapshot()
		return !snap.LoadingChat && snap.Current != nil && len(snap.Current.Messages) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, aichat.RoleUser, s.Store().Snapshot().Current.Messages[0].Role)
}

func TestAI_UnknownChat(t *testing.T) {
	e := newEnv(t)
	s := aichat.New(aichat.Config{URL: e.wsURL("/ws/ai"), Token: token(t, "alice")}, logger.Nop())
	defer s.Close()
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.GetChat("missing")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap := s.Store().Snapshot()
		return snap.Err != nil && !snap.LoadingChat
	}, 3*time.Second, 10*time.Millisecond)
	require.Contains(t, s.Store().Snapshot().Err.Error(), "NOT_FOUND")
}

func messageIDs(ms []chat.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}
