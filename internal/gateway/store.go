package gateway

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// MaxMembers is the size of a conversation; a match is two people.
const MaxMembers = 2

var (
	ErrChatNotFound = errors.New("ai chat not found")
	ErrNotMember    = errors.New("not a member of this conversation")
)

type ConversationMember struct {
	ConversationID string    `gorm:"primaryKey;type:varchar(64)"`
	UserID         string    `gorm:"primaryKey;type:varchar(64);index"`
	JoinedAt       time.Time `gorm:"not null"`
}

func (ConversationMember) TableName() string { return "conversation_members" }

type AIChat struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	ChatID    string    `gorm:"type:varchar(26);uniqueIndex;not null"`
	UserID    string    `gorm:"type:varchar(64);index;not null"`
	Title     string    `gorm:"type:varchar(200);not null"`
	Provider  string    `gorm:"type:varchar(32);not null"`
	Model     string    `gorm:"type:varchar(64)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (AIChat) TableName() string { return "ai_chats" }

type AIMessage struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	ChatID    string    `gorm:"type:varchar(26);not null;index:uniq_ai_msg_unique,unique,priority:1"`
	UniqueID  string    `gorm:"type:varchar(64);not null;index:uniq_ai_msg_unique,unique,priority:2"`
	Role      string    `gorm:"type:varchar(16);not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (AIMessage) TableName() string { return "ai_messages" }

// Store holds gateway-side membership and AI chat history.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&ConversationMember{}, &AIChat{}, &AIMessage{})
}

// Join admits userID to the conversation while it has room. Existing
// members are always admitted.
func (s *Store) Join(ctx context.Context, conversationID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&ConversationMember{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if err := tx.Model(&ConversationMember{}).
			Where("conversation_id = ?", conversationID).
			Count(&n).Error; err != nil {
			return err
		}
		if n >= MaxMembers {
			return ErrNotMember
		}
		return tx.Create(&ConversationMember{
			ConversationID: conversationID,
			UserID:         userID,
			JoinedAt:       time.Now(),
		}).Error
	})
}

func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error
	return n > 0, err
}

// Others returns the members of the conversation other than userID.
func (s *Store) Others(ctx context.Context, conversationID, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&ConversationMember{}).
		Where("conversation_id = ? AND user_id <> ?", conversationID, userID).
		Order("joined_at ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (s *Store) CreateChat(ctx context.Context, c *AIChat) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// ListChats returns the user's chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]AIChat, error) {
	var chats []AIChat
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&chats).Error
	return chats, err
}

func (s *Store) GetChat(ctx context.Context, userID, chatID string) (*AIChat, error) {
	var c AIChat
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpdateTitle(ctx context.Context, userID, chatID, title string) (*AIChat, error) {
	res := s.db.WithContext(ctx).Model(&AIChat{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Updates(map[string]any{"title": title, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrChatNotFound
	}
	return s.GetChat(ctx, userID, chatID)
}

// InsertMessageOrGetExisting inserts m unless (chat_id, unique_id) is
// already stored, in which case the stored row is returned.
func (s *Store) InsertMessageOrGetExisting(ctx context.Context, m *AIMessage) (*AIMessage, bool, error) {
	err := s.db.WithContext(ctx).Create(m).Error
	if err == nil {
		_ = s.db.WithContext(ctx).Model(&AIChat{}).
			Where("chat_id = ?", m.ChatID).
			Update("updated_at", time.Now()).Error
		return m, true, nil
	}

	var existing AIMessage
	getErr := s.db.WithContext(ctx).
		Where("chat_id = ? AND unique_id = ?", m.ChatID, m.UniqueID).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// ListMessages returns the chat history oldest first.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]AIMessage, error) {
	var msgs []AIMessage
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id ASC").
		Find(&msgs).Error
	return msgs, err
}

// ListRecentMessages returns the newest limit messages oldest first.
func (s *Store) ListRecentMessages(ctx context.Context, chatID string, limit int) ([]AIMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []AIMessage
	if err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
