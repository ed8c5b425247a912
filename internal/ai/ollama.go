package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
	// StreamClient has no global timeout; ctx bounds a stream.
	StreamClient *http.Client
}

type ollamaChatReq struct {
	Model    string    `json:"model"`
	Messages []wireMsg `json:"messages"`
	Stream   bool      `json:"stream"`
}

// ollamaChatResp is both the single reply and one NDJSON stream line.
type ollamaChatResp struct {
	Message wireMsg `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Model:        model,
		Client:       &http.Client{Timeout: 90 * time.Second},
		StreamClient: &http.Client{},
	}
}

func (p *OllamaProvider) url() string {
	return fmt.Sprintf("%s/api/chat", p.BaseURL)
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.Client == nil {
		return "", errors.New("ollama: http client is nil")
	}
	resp, err := postJSON(ctx, p.Client, p.url(), ollamaChatReq{
		Model:    p.Model,
		Messages: toWire(messages),
	}, nil, "ollama")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return decoded.Message.Content, nil
}

// StreamChat streams assistant content chunks from the NDJSON endpoint.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		client := p.StreamClient
		if client == nil {
			client = p.Client
		}
		if client == nil {
			errs <- errors.New("ollama: http client is nil")
			return
		}

		resp, err := postJSON(ctx, client, p.url(), ollamaChatReq{
			Model:    p.Model,
			Stream:   true,
			Messages: toWire(messages),
		}, nil, "ollama")
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var decoded ollamaChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != "" {
				errs <- errors.New(decoded.Error)
				return
			}
			if decoded.Message.Content != "" && !sendChunk(ctx, chunks, decoded.Message.Content) {
				errs <- ctx.Err()
				return
			}
			if decoded.Done {
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
