package chat

import (
	"context"
	"sync"
	"time"

	"github.com/suPer8Hu/chatcore/internal/logger"
)

// Transport is the outbound half of a live conversation channel.
type Transport interface {
	TypingNotifier
	SendMessage(draft Message) error
	QueryMessages(limit int, beforeID string) error
	MarkMessagesSeen(ids []string) error
}

type TimelineConfig struct {
	ConversationID string
	// SelfID is the authenticated user; everyone else is "the other side".
	SelfID     string
	PageSize   int
	TypingIdle time.Duration
}

// Timeline is the reconciled view of one conversation. It merges cached,
// live and optimistic messages and propagates the seen watermark.
type Timeline struct {
	cfg       TimelineConfig
	cache     MessageCache
	transport Transport
	typing    *TypingDebouncer
	log       *logger.Logger

	mu           sync.Mutex
	messages     []Message
	connected    bool
	hasMore      bool
	loadingOlder bool
	peerTyping   bool
	err          error
}

func NewTimeline(cfg TimelineConfig, cache MessageCache, transport Transport, log *logger.Logger) *Timeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}
	if cache == nil {
		cache = NopCache{}
	}
	return &Timeline{
		cfg:       cfg,
		cache:     cache,
		transport: transport,
		typing:    NewTypingDebouncer(transport, cfg.TypingIdle),
		log:       log.With("component", "timeline", "conversation_id", cfg.ConversationID),
		hasMore:   true,
	}
}

// LoadCached primes the timeline from the local cache.
func (t *Timeline) LoadCached(ctx context.Context) {
	msgs, err := t.cache.GetMessages(ctx, t.cfg.ConversationID, t.cfg.PageSize, "")
	if err != nil {
		t.log.Warn("load cached messages failed", "error", err)
		return
	}
	t.mu.Lock()
	t.messages = MergePage(t.messages, msgs)
	t.mu.Unlock()
}

// Run applies events until the channel closes or ctx is done.
func (t *Timeline) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.Apply(ctx, ev)
		}
	}
}

// Apply folds one transport event into the timeline.
func (t *Timeline) Apply(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnected:
		t.mu.Lock()
		t.connected = true
		t.err = nil
		t.mu.Unlock()

	case EventDisconnected:
		t.mu.Lock()
		t.connected = false
		t.loadingOlder = false
		t.peerTyping = false
		t.mu.Unlock()

	case EventMessage:
		if !IsDisplayable(ev.Message) {
			return
		}
		t.mu.Lock()
		t.messages = Merge(t.messages, ev.Message)
		t.mu.Unlock()
		if !ev.Message.IsTemporary() {
			if err := t.cache.SaveMessage(ctx, t.cfg.ConversationID, ev.Message); err != nil {
				t.log.Warn("cache message failed", "message_id", ev.Message.ID, "error", err)
			}
		}

	case EventPage:
		t.applyPage(ctx, ev.Page)

	case EventTypingStarted, EventTypingStopped:
		if ev.UserID == t.cfg.SelfID {
			return
		}
		t.mu.Lock()
		t.peerTyping = ev.Kind == EventTypingStarted
		t.mu.Unlock()

	case EventError:
		t.log.Warn("transport error", "error", ev.Err)
		t.mu.Lock()
		t.err = ev.Err
		t.loadingOlder = false
		t.mu.Unlock()
	}

	t.syncSeen(ctx)
}

func (t *Timeline) applyPage(ctx context.Context, p Page) {
	valid := make([]Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		if IsDisplayable(m) {
			valid = append(valid, m)
		}
	}

	t.mu.Lock()
	t.messages = MergePage(t.messages, valid)
	t.hasMore = p.Limit > 0 && len(p.Messages) == p.Limit
	t.loadingOlder = false
	t.mu.Unlock()

	if err := t.cache.SaveMessages(ctx, t.cfg.ConversationID, valid); err != nil {
		t.log.Warn("cache page failed", "count", len(valid), "error", err)
	}
}

// Send inserts an optimistic message and transmits it. A transport failure
// leaves the message in place as not received.
func (t *Timeline) Send(ctx context.Context, content string, media []Media) (Message, error) {
	draft, err := NewPendingMessage(t.cfg.SelfID, content, media)
	if err != nil {
		return Message{}, err
	}
	if !IsDisplayable(draft) {
		return Message{}, ErrEmptyMessage
	}
	_ = t.typing.Stop()

	t.mu.Lock()
	t.messages = Merge(t.messages, draft)
	t.mu.Unlock()

	if err := t.transport.SendMessage(draft); err != nil {
		t.log.Warn("send message failed", "message_id", draft.ID, "error", err)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		return draft, err
	}
	return draft, nil
}

// LoadOlder backfills the page before the oldest confirmed message, first
// from the cache and then from the server.
func (t *Timeline) LoadOlder(ctx context.Context) {
	t.mu.Lock()
	if !t.hasMore || t.loadingOlder {
		t.mu.Unlock()
		return
	}
	beforeID := oldestConfirmedID(t.messages)
	connected := t.connected
	if connected {
		t.loadingOlder = true
	}
	t.mu.Unlock()

	if beforeID != "" {
		cached, err := t.cache.GetMessages(ctx, t.cfg.ConversationID, t.cfg.PageSize, beforeID)
		if err != nil {
			t.log.Warn("load older cached messages failed", "error", err)
		} else if len(cached) > 0 {
			t.mu.Lock()
			t.messages = MergePage(t.messages, cached)
			t.mu.Unlock()
		}
	}

	if !connected {
		return
	}
	if err := t.transport.QueryMessages(t.cfg.PageSize, beforeID); err != nil {
		t.log.Warn("query older messages failed", "error", err)
		t.mu.Lock()
		t.loadingOlder = false
		t.err = err
		t.mu.Unlock()
	}
}

// Input reports the composer text; an empty string ends typing at once.
func (t *Timeline) Input(text string) {
	var err error
	if text == "" {
		err = t.typing.Stop()
	} else {
		err = t.typing.Keystroke()
	}
	if err != nil {
		t.log.Debug("typing signal failed", "error", err)
	}
}

// Close stops the pending typing timer. The transport is owned by the caller.
func (t *Timeline) Close() {
	_ = t.typing.Stop()
}

// syncSeen marks the newest unseen message from the other side, flips
// the local flags up to it and persists the watermark.
func (t *Timeline) syncSeen(ctx context.Context) {
	t.mu.Lock()
	if !t.connected || len(t.messages) == 0 {
		t.mu.Unlock()
		return
	}
	idx := -1
	for i := len(t.messages) - 1; i >= 0; i-- {
		m := t.messages[i]
		if m.SenderID != t.cfg.SelfID && !m.Seen && !m.IsTemporary() {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return
	}
	mark := t.messages[idx]
	next := make([]Message, len(t.messages))
	copy(next, t.messages)
	for i := range next {
		if next[i].SenderID != t.cfg.SelfID && !next[i].CreatedAt.After(mark.CreatedAt) {
			next[i].Seen = true
		}
	}
	t.messages = next
	t.mu.Unlock()

	if err := t.transport.MarkMessagesSeen([]string{mark.ID}); err != nil {
		t.log.Debug("mark seen failed", "message_id", mark.ID, "error", err)
	}
	if err := t.persistSeen(ctx, mark.ID); err != nil {
		t.log.Warn("cache mark seen failed", "message_id", mark.ID, "error", err)
	}
}

// persistSeen writes the watermark to the cache. Own rows keep their flag
// unless the viewer is unknown.
func (t *Timeline) persistSeen(ctx context.Context, messageID string) error {
	if t.cfg.SelfID == "" {
		return t.cache.MarkSeenBefore(ctx, t.cfg.ConversationID, messageID)
	}
	_, err := t.cache.MarkSeenBy(ctx, t.cfg.ConversationID, messageID, t.cfg.SelfID)
	return err
}

// Messages returns a snapshot of the ordered timeline.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

func (t *Timeline) LoadingOlder() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadingOlder
}

func (t *Timeline) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Timeline) PeerTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerTyping
}

// Err is the last transport error, cleared on reconnect.
func (t *Timeline) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func oldestConfirmedID(ms []Message) string {
	for _, m := range ms {
		if !m.IsTemporary() {
			return m.ID
		}
	}
	return ""
}
