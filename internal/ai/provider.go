package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Message is one turn of the conversation sent to a model.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Stream streams from p when it supports it and otherwise delivers the full
// reply as a single chunk. Both channels are closed when the reply ends.
func Stream(ctx context.Context, p Provider, messages []Message) (<-chan string, <-chan error) {
	if sp, ok := p.(StreamProvider); ok {
		return sp.StreamChat(ctx, messages)
	}
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		reply, err := p.Chat(ctx, messages)
		if err != nil {
			errs <- err
			return
		}
		if reply != "" {
			chunks <- reply
		}
	}()
	return chunks, errs
}

// WithSystemPrompt prepends prompt unless the history already starts with
// a system turn.
func WithSystemPrompt(prompt string, messages []Message) []Message {
	if strings.TrimSpace(prompt) == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: prompt})
	return append(out, messages...)
}

type wireMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toWire(messages []Message) []wireMsg {
	out := make([]wireMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, wireMsg{Role: m.Role, Content: m.Content})
	}
	return out
}

// postJSON sends body and returns the response when the status is 2xx.
// The caller closes the body.
func postJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string, name string) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: %s", name, msg)
	}
	return resp, nil
}

// sendChunk delivers c unless ctx ends first.
func sendChunk(ctx context.Context, chunks chan<- string, c string) bool {
	select {
	case chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
