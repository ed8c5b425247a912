package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/chatcore/internal/ai"
	"github.com/suPer8Hu/chatcore/internal/common"
	"github.com/suPer8Hu/chatcore/internal/logger"
)

// ErrProvider wraps failures of the model provider, as opposed to storage.
var ErrProvider = errors.New("provider failed")

const completionTimeout = 2 * time.Minute

// Completer runs one assistant exchange: it stores the user turn, streams
// the provider reply and stores the assistant turn.
type Completer struct {
	Store    *Store
	Registry *ai.Registry
	// DefaultProvider applies to chats created without one.
	DefaultProvider string
	WindowSize      int
	Log             *logger.Logger
}

// Complete calls onChunk for every non-empty streamed fragment, since
// clients read an empty chunk as end of stream. It returns the stored
// assistant message. Errors from the provider wrap ErrProvider.
func (c *Completer) Complete(ctx context.Context, chat *AIChat, uniqueID, text string, onChunk func(string)) (*AIMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	if uniqueID == "" {
		uniqueID = common.NewRequestID()
	}
	if _, _, err := c.Store.InsertMessageOrGetExisting(ctx, &AIMessage{
		ChatID:   chat.ChatID,
		UniqueID: uniqueID,
		Role:     ai.RoleUser,
		Content:  strings.TrimSpace(text),
	}); err != nil {
		return nil, err
	}

	history, err := c.Store.ListRecentMessages(ctx, chat.ChatID, c.WindowSize)
	if err != nil {
		return nil, err
	}
	prompt := make([]ai.Message, 0, len(history))
	for _, m := range history {
		prompt = append(prompt, ai.Message{Role: m.Role, Content: m.Content})
	}

	name := chat.Provider
	if name == "" {
		name = c.DefaultProvider
	}
	provider, err := c.Registry.Get(ctx, name, chat.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	start := time.Now()
	chunks, errs := ai.Stream(ctx, provider, ai.WithSystemPrompt(MatchmakerPrompt, prompt))
	var sb strings.Builder
	for fragment := range chunks {
		if fragment == "" {
			continue
		}
		sb.WriteString(fragment)
		onChunk(fragment)
	}
	if err := <-errs; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	reply := &AIMessage{
		ChatID:   chat.ChatID,
		UniqueID: newAssistantID(),
		Role:     ai.RoleAssistant,
		Content:  sb.String(),
	}
	if _, _, err := c.Store.InsertMessageOrGetExisting(ctx, reply); err != nil {
		return nil, err
	}
	if c.Log != nil {
		c.Log.Debug("completion finished", "chat_id", chat.ChatID, "provider", name, "chars", sb.Len(), "cost", time.Since(start))
	}
	return reply, nil
}

func newAssistantID() string {
	id, err := common.NewULID()
	if err != nil {
		return common.NewRequestID()
	}
	return id
}
