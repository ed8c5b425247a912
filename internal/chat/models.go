package chat

import (
	"strings"
	"time"

	"github.com/suPer8Hu/chatcore/internal/common"
)

// TempIDPrefix marks ids generated locally for messages the server has not
// confirmed yet.
const TempIDPrefix = "temp-"

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeMedia    MessageType = "media"
	TypeReaction MessageType = "reaction"
	TypeSystem   MessageType = "system"
)

type Media struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

type Reaction struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	SenderID  string      `json:"senderId"`
	Received  bool        `json:"received"`
	Seen      bool        `json:"seen"`
	Media     []Media     `json:"media,omitempty"`
	Reactions []Reaction  `json:"reactions,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt *time.Time  `json:"updatedAt,omitempty"`
}

// IsTemporary reports whether m is a pending optimistic send.
func (m Message) IsTemporary() bool {
	return IsTemporaryID(m.ID)
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewPendingMessage builds an optimistic message authored by senderID.
func NewPendingMessage(senderID, content string, media []Media) (Message, error) {
	id, err := common.NewULID()
	if err != nil {
		return Message{}, err
	}
	typ := TypeText
	if len(media) > 0 && strings.TrimSpace(content) == "" {
		typ = TypeMedia
	}
	return Message{
		ID:        TempIDPrefix + id,
		Type:      typ,
		Content:   content,
		SenderID:  senderID,
		Media:     media,
		CreatedAt: time.Now(),
	}, nil
}

// Page is one backfill response.
type Page struct {
	Messages []Message
	Limit    int
	BeforeID string
}

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
	EventPage
	EventTypingStarted
	EventTypingStopped
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventPage:
		return "page"
	case EventTypingStarted:
		return "typing_started"
	case EventTypingStopped:
		return "typing_stopped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by a live transport session. Only the field matching
// Kind is populated.
type Event struct {
	Kind    EventKind
	Message Message
	Page    Page
	UserID  string
	Err     error
}
