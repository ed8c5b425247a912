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

type OpenRouterProvider struct {
	BaseURL      string
	APIKey       string
	Model        string
	SiteURL      string
	AppName      string
	Client       *http.Client
	StreamClient *http.Client
}

type openRouterChatReq struct {
	Model    string    `json:"model"`
	Messages []wireMsg `json:"messages"`
	Stream   bool      `json:"stream"`
}

type openRouterError struct {
	Message string `json:"message"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message wireMsg `json:"message"`
	} `json:"choices"`
	Error *openRouterError `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *openRouterError `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		Model:        model,
		SiteURL:      siteURL,
		AppName:      appName,
		Client:       &http.Client{Timeout: 90 * time.Second},
		StreamClient: &http.Client{},
	}
}

func (p *OpenRouterProvider) validate() error {
	if strings.TrimSpace(p.APIKey) == "" {
		return errors.New("openrouter: api key is required")
	}
	if strings.TrimSpace(p.Model) == "" {
		return errors.New("openrouter: model is required")
	}
	return nil
}

func (p *OpenRouterProvider) url() string {
	return fmt.Sprintf("%s/chat/completions", p.BaseURL)
}

func (p *OpenRouterProvider) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + p.APIKey,
		"HTTP-Referer":  p.SiteURL,
		"X-Title":       p.AppName,
	}
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.Client == nil {
		return "", errors.New("openrouter: http client is nil")
	}
	if err := p.validate(); err != nil {
		return "", err
	}

	resp, err := postJSON(ctx, p.Client, p.url(), openRouterChatReq{
		Model:    strings.TrimSpace(p.Model),
		Messages: toWire(messages),
	}, p.headers(), "openrouter")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openrouter: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

// StreamChat streams assistant deltas from the SSE endpoint.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
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
			errs <- errors.New("openrouter: http client is nil")
			return
		}
		if err := p.validate(); err != nil {
			errs <- err
			return
		}

		resp, err := postJSON(ctx, client, p.url(), openRouterChatReq{
			Model:    strings.TrimSpace(p.Model),
			Stream:   true,
			Messages: toWire(messages),
		}, p.headers(), "openrouter")
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" && !sendChunk(ctx, chunks, delta) {
				errs <- ctx.Err()
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
