package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	LogMode string

	// client core
	CacheDSN                string
	CacheMaxPerConversation int
	ChatWSURL               string
	AIWSURL                 string
	AuthToken               string
	ChatPageSize            int
	TypingIdle              time.Duration
	AIReconnectBase         time.Duration
	AIMaxReconnect          int

	// dev gateway
	GatewayAddr   string
	DBDSN         string
	JWTSecret     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	ChatContextWindowSize int

	// AI provider
	AIProvider        string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// rabbitMQ
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int
}

const DefaultCacheMaxPerConversation = 690

func Load() Config {
	return Config{
		LogMode: envString("LOG_MODE", "development"),

		// empty CACHE_DSN disables the on-device cache
		CacheDSN:                os.Getenv("CACHE_DSN"),
		CacheMaxPerConversation: envInt("CACHE_MAX_PER_CONVERSATION", DefaultCacheMaxPerConversation),
		ChatWSURL:               envString("CHAT_WS_URL", "ws://localhost:8090/ws/chat"),
		AIWSURL:                 envString("AI_WS_URL", "ws://localhost:8090/ws/ai"),
		AuthToken:               os.Getenv("AUTH_TOKEN"),
		ChatPageSize:            envInt("CHAT_PAGE_SIZE", 30),
		TypingIdle:              envDuration("TYPING_IDLE", 2*time.Second),
		AIReconnectBase:         envDuration("AI_RECONNECT_BASE", time.Second),
		AIMaxReconnect:          envInt("AI_MAX_RECONNECT", 5),

		GatewayAddr:   envString("GATEWAY_ADDR", ":8090"),
		DBDSN:         envString("DB_DSN", "file:gateway.db?_pragma=busy_timeout(5000)"),
		JWTSecret:     envString("JWT_SECRET", "dev-secret-change-me"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		RedisChannel:  envString("REDIS_CHANNEL", "chat_fanout"),

		ChatContextWindowSize: envInt("CHAT_CONTEXT_WINDOW_SIZE", 20),

		AIProvider:        envString("AI_PROVIDER", "ollama"),
		OllamaBaseURL:     envString("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       envString("OLLAMA_MODEL", "llama3:latest"),
		OpenRouterBaseURL: envString("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   envString("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: os.Getenv("OPENROUTER_APP_NAME"),

		// empty RABBIT_URL disables unread notifications
		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       envString("RABBIT_QUEUE", "chat_unread"),
		WorkerConcurrency: envIntBounded("WORKER_CONCURRENCY", 2, 1, 50),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envIntBounded(key string, def, min, max int) int {
	n := envInt(key, def)
	if n < min {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// envDuration accepts Go durations ("1500ms") or whole milliseconds ("1500").
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
