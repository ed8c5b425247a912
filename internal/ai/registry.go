package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/suPer8Hu/chatcore/internal/config"
)

// StreamProvider is implemented by providers that can stream partial text.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

var ErrUnknownProvider = errors.New("unknown ai provider")

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// NewDefaultRegistry registers the Ollama and OpenRouter providers from cfg.
// An empty model passed to Get selects the configured default.
func NewDefaultRegistry(cfg config.Config) *Registry {
	r := NewRegistry()
	r.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		if model == "" {
			model = cfg.OllamaModel
		}
		return NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})
	r.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		if model == "" {
			model = cfg.OpenRouterModel
		}
		p := NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, model, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName)
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil
	})
	return r
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(name)] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return f(ctx, model)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
