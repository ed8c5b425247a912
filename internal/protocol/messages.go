// Package protocol defines the JSON frames exchanged on the chat and AI
// WebSocket channels.
package protocol

import (
	"fmt"

	"github.com/suPer8Hu/chatcore/internal/chat"
)

// Chat channel, client to server
const (
	TypeHello         = "hello"
	TypeSendMessage   = "send_message"
	TypeQueryMessages = "query_messages"
	TypeMarkSeen      = "mark_seen"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
)

// Chat channel, server to client
const (
	TypeHelloAck      = "hello_ack"
	TypeMessage       = "message"
	TypeMessagesPage  = "messages_page"
	TypeTypingStarted = "typing_started"
	TypeTypingStopped = "typing_stopped"
	TypeError         = "error"
)

// AI channel, client to server
const (
	TypeGetChats       = "get_chats"
	TypeGetChat        = "get_chat"
	TypeCreateChat     = "create_chat"
	TypeChatCompletion = "chat_completion"
	TypeUpdateTitle    = "update_title"
)

// AI channel, server to client
const (
	TypeChats           = "chats"
	TypeChat            = "chat"
	TypeChatCreated     = "chat_created"
	TypeCompletionChunk = "completion_chunk"
	TypeCompletionDone  = "completion_done"
	TypeTitleUpdated    = "title_updated"
)

// Error codes
const (
	ErrorCodeInvalidMessage  = "INVALID_MESSAGE"
	ErrorCodeUnauthorized    = "UNAUTHORIZED"
	ErrorCodeSessionRequired = "SESSION_REQUIRED"
	ErrorCodeNotFound        = "NOT_FOUND"
	ErrorCodeInternal        = "INTERNAL_ERROR"
	ErrorCodeProviderFailed  = "PROVIDER_FAILED"
)

// BaseMessage contains common fields for all frames.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
}

// HelloMessage authenticates a connection. ConversationID is empty on the AI channel.
type HelloMessage struct {
	BaseMessage
	Token          string `json:"token"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type HelloAckMessage struct {
	BaseMessage
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type SendMessageMessage struct {
	BaseMessage
	Message chat.Message `json:"message"`
}

type QueryMessagesMessage struct {
	BaseMessage
	Limit    int    `json:"limit"`
	BeforeID string `json:"before_id,omitempty"`
}

type MarkSeenMessage struct {
	BaseMessage
	MessageIDs []string `json:"message_ids"`
}

// ChatMessageMessage carries a new or updated message.
type ChatMessageMessage struct {
	BaseMessage
	ConversationID string       `json:"conversation_id"`
	Message        chat.Message `json:"message"`
}

type MessagesPageMessage struct {
	BaseMessage
	ConversationID string         `json:"conversation_id"`
	Messages       []chat.Message `json:"messages"`
	Limit          int            `json:"limit"`
	BeforeID       string         `json:"before_id,omitempty"`
}

type TypingMessage struct {
	BaseMessage
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AIMessage is one entry of an AI chat.
type AIMessage struct {
	UniqueID  string `json:"unique_id"`
	Role      string `json:"role"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type AIChat struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	UserID   string      `json:"user_id"`
	Messages []AIMessage `json:"messages,omitempty"`
}

type GetChatMessage struct {
	BaseMessage
	ChatID string `json:"chat_id"`
}

type CreateChatMessage struct {
	BaseMessage
	Title string `json:"title,omitempty"`
}

type ChatCompletionMessage struct {
	BaseMessage
	ChatID   string `json:"chat_id"`
	UniqueID string `json:"unique_id"`
	Message  string `json:"message"`
}

type UpdateTitleMessage struct {
	BaseMessage
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

type ChatsMessage struct {
	BaseMessage
	Chats []AIChat `json:"chats"`
}

// ChatEnvelope carries a single chat for chat, chat_created and title_updated.
type ChatEnvelope struct {
	BaseMessage
	Chat *AIChat `json:"chat"`
}

type CompletionChunkMessage struct {
	BaseMessage
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	Done   bool   `json:"done,omitempty"`
}

type CompletionDoneMessage struct {
	BaseMessage
	ChatID  string     `json:"chat_id"`
	Message *AIMessage `json:"message,omitempty"`
}

// RemoteError is an error frame reported by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
