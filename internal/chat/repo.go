package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CachedMessage is the row layout of the per-conversation message table.
type CachedMessage struct {
	ConversationID string         `gorm:"primaryKey;type:varchar(64);index:idx_cached_msg_conv_created,priority:1"`
	MessageID      string         `gorm:"primaryKey;type:varchar(64)"`
	Type           string         `gorm:"type:varchar(16);not null"`
	Content        string         `gorm:"type:text;not null"`
	SenderID       string         `gorm:"type:varchar(64);not null"`
	Received       bool           `gorm:"not null"`
	Seen           bool           `gorm:"not null"`
	Media          datatypes.JSON `gorm:"type:text"`
	Reactions      datatypes.JSON `gorm:"type:text"`
	CreatedAtMs    int64          `gorm:"not null;index:idx_cached_msg_conv_created,priority:2"`
	UpdatedAtMs    *int64
	// Seq records first arrival and breaks createdAt ties.
	Seq int64 `gorm:"not null"`
}

func (CachedMessage) TableName() string { return "cached_messages" }

// ErrCorruptRow reports a stored row whose attachments cannot be decoded.
var ErrCorruptRow = errors.New("corrupt cached message")

type Repo struct {
	db  *gorm.DB
	max int
	seq atomic.Int64
}

// NewRepo returns a store that keeps at most maxPerConversation rows per
// conversation; zero or less disables trimming.
func NewRepo(db *gorm.DB, maxPerConversation int) *Repo {
	r := &Repo{db: db, max: maxPerConversation}
	r.seq.Store(time.Now().UnixNano())
	return r
}

func (r *Repo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&CachedMessage{})
}

// GetMessages returns up to limit messages strictly older than beforeID,
// or the newest limit when beforeID is empty, in ascending time order.
func (r *Repo) GetMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at_ms DESC").
		Order("seq DESC").
		Limit(limit)

	if beforeID != "" {
		pivot, err := r.find(ctx, conversationID, beforeID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		q = q.Where("created_at_ms < ?", pivot.CreatedAtMs)
	}

	var rows []CachedMessage
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest)
	out := make([]Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// GetMessage returns a single stored message.
func (r *Repo) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	row, err := r.find(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	m, err := row.toMessage()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) SaveMessage(ctx context.Context, conversationID string, m Message) error {
	return r.SaveMessages(ctx, conversationID, []Message{m})
}

// SaveMessages upserts by message id. Received and seen never go back to
// false. The conversation is trimmed to the configured cap afterwards.
func (r *Repo) SaveMessages(ctx context.Context, conversationID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range msgs {
			if m.ID == "" {
				continue
			}
			row, err := newCachedMessage(conversationID, m)
			if err != nil {
				return err
			}

			var existing CachedMessage
			err = tx.Where("conversation_id = ? AND message_id = ?", conversationID, m.ID).
				First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				row.Seq = r.seq.Add(1)
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				row.Seq = existing.Seq
				row.Received = row.Received || existing.Received
				row.Seen = row.Seen || existing.Seen
				if err := tx.Save(&row).Error; err != nil {
					return err
				}
			}
		}
		return r.trim(tx, conversationID)
	})
}

// MarkSeenBefore flags every row created at or before messageID as seen.
func (r *Repo) MarkSeenBefore(ctx context.Context, conversationID, messageID string) error {
	pivot, err := r.find(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return r.db.WithContext(ctx).Model(&CachedMessage{}).
		Where("conversation_id = ? AND created_at_ms <= ? AND seen = ?", conversationID, pivot.CreatedAtMs, false).
		Update("seen", true).Error
}

// MarkSeenBy flags rows up to messageID as seen by viewerID, leaving the
// viewer's own messages untouched. It returns the number of rows changed.
func (r *Repo) MarkSeenBy(ctx context.Context, conversationID, messageID, viewerID string) (int64, error) {
	pivot, err := r.find(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	res := r.db.WithContext(ctx).Model(&CachedMessage{}).
		Where("conversation_id = ? AND created_at_ms <= ? AND seen = ? AND sender_id <> ?",
			conversationID, pivot.CreatedAtMs, false, viewerID).
		Update("seen", true)
	return res.RowsAffected, res.Error
}

// Count returns the number of stored rows for a conversation.
func (r *Repo) Count(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&CachedMessage{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	return n, err
}

func (r *Repo) find(ctx context.Context, conversationID, messageID string) (*CachedMessage, error) {
	var row CachedMessage
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND message_id = ?", conversationID, messageID).
		First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// trim deletes the oldest rows beyond the cap.
func (r *Repo) trim(tx *gorm.DB, conversationID string) error {
	if r.max <= 0 {
		return nil
	}
	var n int64
	if err := tx.Model(&CachedMessage{}).Where("conversation_id = ?", conversationID).Count(&n).Error; err != nil {
		return err
	}
	excess := int(n) - r.max
	if excess <= 0 {
		return nil
	}

	var ids []string
	if err := tx.Model(&CachedMessage{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at_ms ASC").
		Order("seq ASC").
		Limit(excess).
		Pluck("message_id", &ids).Error; err != nil {
		return err
	}
	return tx.Where("conversation_id = ? AND message_id IN ?", conversationID, ids).
		Delete(&CachedMessage{}).Error
}

func newCachedMessage(conversationID string, m Message) (CachedMessage, error) {
	row := CachedMessage{
		ConversationID: conversationID,
		MessageID:      m.ID,
		Type:           string(m.Type),
		Content:        m.Content,
		SenderID:       m.SenderID,
		Received:       m.Received,
		Seen:           m.Seen,
		CreatedAtMs:    m.CreatedAt.UnixMilli(),
	}
	if m.UpdatedAt != nil {
		ms := m.UpdatedAt.UnixMilli()
		row.UpdatedAtMs = &ms
	}
	if len(m.Media) > 0 {
		b, err := json.Marshal(m.Media)
		if err != nil {
			return row, err
		}
		row.Media = datatypes.JSON(b)
	}
	if len(m.Reactions) > 0 {
		b, err := json.Marshal(m.Reactions)
		if err != nil {
			return row, err
		}
		row.Reactions = datatypes.JSON(b)
	}
	return row, nil
}

func (c CachedMessage) toMessage() (Message, error) {
	m := Message{
		ID:        c.MessageID,
		Type:      MessageType(c.Type),
		Content:   c.Content,
		SenderID:  c.SenderID,
		Received:  c.Received,
		Seen:      c.Seen,
		CreatedAt: time.UnixMilli(c.CreatedAtMs),
	}
	if c.UpdatedAtMs != nil {
		t := time.UnixMilli(*c.UpdatedAtMs)
		m.UpdatedAt = &t
	}
	if len(c.Media) > 0 {
		if err := json.Unmarshal(c.Media, &m.Media); err != nil {
			return m, fmt.Errorf("%w: %s media: %v", ErrCorruptRow, c.MessageID, err)
		}
	}
	if len(c.Reactions) > 0 {
		if err := json.Unmarshal(c.Reactions, &m.Reactions); err != nil {
			return m, fmt.Errorf("%w: %s reactions: %v", ErrCorruptRow, c.MessageID, err)
		}
	}
	return m, nil
}
