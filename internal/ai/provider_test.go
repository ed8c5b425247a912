package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func collect(t *testing.T, chunks <-chan string, errs <-chan error) (string, error) {
	t.Helper()
	var sb strings.Builder
	for c := range chunks {
		sb.WriteString(c)
	}
	return sb.String(), <-errs
}

func TestOllamaStreamChat_ConcatenatesLines(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "{\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", part)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "m1")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	text, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != "Hello" {
		t.Fatalf("text = %q, want Hello", text)
	}
	if !got.Stream || got.Model != "m1" || len(got.Messages) != 1 {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestOllamaChat_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "missing").Chat(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenRouterStreamChat_ParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		fmt.Fprintln(w, ": keep-alive")
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"Hi "}}]}`)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"there"}}]}`)
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k", "m", "", "")
	chunks, errs := p.StreamChat(context.Background(), nil)
	text, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != "Hi there" {
		t.Fatalf("text = %q", text)
	}
}

func TestOpenRouter_RequiresKey(t *testing.T) {
	_, err := NewOpenRouterProvider("", "", "m", "", "").Chat(context.Background(), nil)
	if err == nil {
		t.Fatalf("expected missing key error")
	}
}

type chatOnly struct {
	reply string
	err   error
}

func (p chatOnly) Chat(ctx context.Context, messages []Message) (string, error) {
	return p.reply, p.err
}

func TestStream_FallsBackToChat(t *testing.T) {
	chunks, errs := Stream(context.Background(), chatOnly{reply: "whole"}, nil)
	text, err := collect(t, chunks, errs)
	if err != nil || text != "whole" {
		t.Fatalf("text=%q err=%v", text, err)
	}

	boom := errors.New("boom")
	chunks, errs = Stream(context.Background(), chatOnly{err: boom}, nil)
	_, err = collect(t, chunks, errs)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestWithSystemPrompt(t *testing.T) {
	hist := []Message{{Role: RoleUser, Content: "hi"}}
	out := WithSystemPrompt("be kind", hist)
	if len(out) != 2 || out[0].Role != RoleSystem {
		t.Fatalf("out = %+v", out)
	}
	if again := WithSystemPrompt("other", out); len(again) != 2 {
		t.Fatalf("system prompt added twice")
	}
	if same := WithSystemPrompt("  ", hist); len(same) != 1 {
		t.Fatalf("blank prompt added")
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry()
	r.Register(" Fake ", func(ctx context.Context, model string) (Provider, error) {
		return chatOnly{reply: model}, nil
	})
	if _, err := r.Get(context.Background(), "nope", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v", err)
	}
	p, err := r.Get(context.Background(), "FAKE", "m")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reply, _ := p.Chat(context.Background(), nil); reply != "m" {
		t.Fatalf("reply = %q", reply)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "fake" {
		t.Fatalf("names = %v", names)
	}
}
