package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CACHE_MAX_PER_CONVERSATION", "")
	t.Setenv("TYPING_IDLE", "")
	t.Setenv("WORKER_CONCURRENCY", "")

	cfg := Load()
	if cfg.CacheMaxPerConversation != 690 {
		t.Fatalf("expected cache cap 690, got %d", cfg.CacheMaxPerConversation)
	}
	if cfg.TypingIdle != 2*time.Second {
		t.Fatalf("expected typing idle 2s, got %s", cfg.TypingIdle)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("expected worker concurrency 2, got %d", cfg.WorkerConcurrency)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TYPING_IDLE", "750")
	t.Setenv("AI_RECONNECT_BASE", "250ms")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("CHAT_PAGE_SIZE", "nope")

	cfg := Load()
	if cfg.TypingIdle != 750*time.Millisecond {
		t.Fatalf("unexpected typing idle: %s", cfg.TypingIdle)
	}
	if cfg.AIReconnectBase != 250*time.Millisecond {
		t.Fatalf("unexpected reconnect base: %s", cfg.AIReconnectBase)
	}
	if cfg.WorkerConcurrency != 50 {
		t.Fatalf("expected concurrency clamped to 50, got %d", cfg.WorkerConcurrency)
	}
	if cfg.ChatPageSize != 30 {
		t.Fatalf("expected invalid page size to fall back to 30, got %d", cfg.ChatPageSize)
	}
}
