package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/chatcore/internal/logger"
)

// Envelope is one frame for every connection in a conversation.
type Envelope struct {
	ConversationID string          `json:"conversation_id"`
	ExcludeUserID  string          `json:"exclude_user_id,omitempty"`
	Data           json.RawMessage `json:"data"`
}

// Bus fans room traffic out to every gateway instance.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	StartForwarder(ctx context.Context, onMsg func(Envelope)) error
	Close() error
}

var errForwarderNotStarted = errors.New("bus forwarder not started")

// localBus delivers in process for a single instance.
type localBus struct {
	mu    sync.RWMutex
	onMsg func(Envelope)
}

func NewLocalBus() Bus { return &localBus{} }

func (b *localBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	f := b.onMsg
	b.mu.RUnlock()
	if f == nil {
		return errForwarderNotStarted
	}
	f(env)
	return nil
}

func (b *localBus) StartForwarder(ctx context.Context, onMsg func(Envelope)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}
	b.mu.Lock()
	b.onMsg = onMsg
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.onMsg = nil
		b.mu.Unlock()
	}()
	return nil
}

func (b *localBus) Close() error { return nil }

type redisBus struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

// NewRedisBus publishes envelopes on a Redis pub/sub channel.
func NewRedisBus(rdb *redis.Client, channel string, log *logger.Logger) (Bus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if channel == "" {
		channel = "chat_fanout"
	}
	return &redisBus{
		log:     log.With("component", "redis_bus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(Envelope)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.log.Warn("bad redis envelope", "error", err)
					continue
				}
				onMsg(env)
			}
		}
	}()
	return nil
}

// Close leaves the client open; its owner closes it.
func (b *redisBus) Close() error { return nil }
