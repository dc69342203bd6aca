package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/af-corp/loom/internal/config"
	"github.com/af-corp/loom/internal/types"
)

// Registry manages provider clients by slug, each guarded by a circuit
// breaker so a dead upstream fails fast instead of burning timeouts.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*OpenAICompatible
	health  *HealthTracker
}

func NewRegistry(health *HealthTracker) *Registry {
	return &Registry{
		clients: make(map[string]*OpenAICompatible),
		health:  health,
	}
}

func (r *Registry) Register(name string, client *OpenAICompatible) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
}

func (r *Registry) Get(name string) (*OpenAICompatible, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Stream dispatches to the client registered under opts.Provider, making the
// registry itself usable as an Inference implementation. Only failures to
// START a stream count against the breaker; mid-stream errors are the
// stream manager's concern.
func (r *Registry) Stream(ctx context.Context, messages []types.PromptMessage, opts StreamOptions) (<-chan Fragment, error) {
	client, ok := r.Get(opts.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", opts.Provider)
	}
	if r.health != nil && !r.health.IsAvailable(opts.Provider) {
		return nil, fmt.Errorf("provider %s temporarily unavailable (circuit open)", opts.Provider)
	}

	fragments, err := client.Stream(ctx, messages, opts)
	if r.health != nil {
		if err != nil {
			r.health.RecordFailure(opts.Provider)
		} else {
			r.health.RecordSuccess(opts.Provider)
		}
	}
	return fragments, err
}

// Reload swaps the client set for one built from fresh config. Circuit
// breaker state survives the swap.
func (r *Registry) Reload(provCfg *config.ProvidersConfig) {
	fresh := BuildFromConfig(provCfg, r.health)
	r.mu.Lock()
	r.clients = fresh.clients
	r.mu.Unlock()
}

// BuildFromConfig builds provider clients from the providers config. All
// configured types are served by the OpenAI-compatible client; the type
// field is kept for config compatibility.
func BuildFromConfig(provCfg *config.ProvidersConfig, health *HealthTracker) *Registry {
	registry := NewRegistry(health)
	for name, cfg := range provCfg.Providers {
		client := &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxConcurrent,
				MaxIdleConnsPerHost: cfg.MaxConcurrent,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}
		registry.Register(name, NewOpenAICompatible(name, cfg, client))
	}
	return registry
}
