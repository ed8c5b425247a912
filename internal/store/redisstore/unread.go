package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps per-user unread counters.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb, ttl: 30 * 24 * time.Hour}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, ttl: 30 * 24 * time.Hour}
}

func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Close() error { return s.rdb.Close() }

func UnreadKey(conversationID, userID string) string {
	return fmt.Sprintf("unread:%s:%s", userID, conversationID)
}

func (s *Store) IncrUnread(ctx context.Context, conversationID, userID string) (int64, error) {
	key := UnreadKey(conversationID, userID)
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *Store) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return s.rdb.Del(ctx, UnreadKey(conversationID, userID)).Err()
}

// Unread returns zero for a missing counter.
func (s *Store) Unread(ctx context.Context, conversationID, userID string) (int64, error) {
	n, err := s.rdb.Get(ctx, UnreadKey(conversationID, userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
