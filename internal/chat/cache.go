package chat

import (
	"context"
	"errors"

	"github.com/suPer8Hu/chatcore/internal/db"
	"github.com/suPer8Hu/chatcore/internal/logger"
)

var ErrEmptyMessage = errors.New("message has no content or media")

// MessageCache is the on-device mirror of server messages, partitioned by
// conversation. Implementations must tolerate being permanently empty.
type MessageCache interface {
	GetMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error)
	SaveMessage(ctx context.Context, conversationID string, m Message) error
	SaveMessages(ctx context.Context, conversationID string, msgs []Message) error
	MarkSeenBefore(ctx context.Context, conversationID, messageID string) error
	MarkSeenBy(ctx context.Context, conversationID, messageID, viewerID string) (int64, error)
}

// NopCache is used where durable storage does not exist.
type NopCache struct{}

func (NopCache) GetMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	return nil, nil
}

func (NopCache) SaveMessage(ctx context.Context, conversationID string, m Message) error {
	return nil
}

func (NopCache) SaveMessages(ctx context.Context, conversationID string, msgs []Message) error {
	return nil
}

func (NopCache) MarkSeenBefore(ctx context.Context, conversationID, messageID string) error {
	return nil
}

func (NopCache) MarkSeenBy(ctx context.Context, conversationID, messageID, viewerID string) (int64, error) {
	return 0, nil
}

// OpenCache opens the SQLite cache at dsn. An empty dsn or any failure to
// open degrades to NopCache.
func OpenCache(dsn string, maxPerConversation int, log *logger.Logger) MessageCache {
	if dsn == "" {
		log.Info("message cache disabled")
		return NopCache{}
	}
	gdb, err := db.Connect(dsn)
	if err != nil {
		log.Warn("message cache unavailable, continuing without it", "error", err)
		return NopCache{}
	}
	repo := NewRepo(gdb, maxPerConversation)
	if err := repo.Migrate(context.Background()); err != nil {
		log.Warn("message cache migrate failed, continuing without it", "error", err)
		return NopCache{}
	}
	return repo
}
