package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/infra/config"
)

// Registry holds named inference clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]domain.InferenceClient
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]domain.InferenceClient),
	}
}

// Register adds a client. Returns error if the name is already registered.
func (r *Registry) Register(client domain.InferenceClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := client.Name()
	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("inference client %q already registered", name)
	}
	r.clients[name] = client
	return nil
}

// Get retrieves a client by name.
func (r *Registry) Get(name string) (domain.InferenceClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrClientNotFound, name)
	}
	return c, nil
}

// List returns all registered client names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewClient constructs one client from provider settings.
func NewClient(pc config.ProviderConfig, logger *slog.Logger) (domain.InferenceClient, error) {
	switch pc.Type {
	case "ollama":
		return NewOllamaClient(pc, logger), nil
	case "openai":
		return NewOpenAIClient(pc, logger), nil
	case "anthropic":
		return NewAnthropicClient(pc, logger), nil
	case "bedrock":
		c, err := NewBedrockClient(pc, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "scripted":
		return NewScriptedClient(pc.Name, MockPlanJSON), nil
	default:
		return nil, domain.NewDomainError("llm.NewClient", domain.ErrInvalidInput, "unknown client type "+pc.Type)
	}
}

// Build registers every configured client, each behind its own circuit
// breaker when enabled, and returns the registry plus the client the
// strategic executor should use: the default provider, wrapped in failover
// when fallbacks are configured.
func Build(cfg config.LLMConfig, logger *slog.Logger) (*Registry, domain.InferenceClient, error) {
	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		c, err := NewClient(pc, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("client %q: %w", pc.Name, err)
		}
		if cfg.CircuitBreaker.Enabled {
			c = NewCircuitBreakerClient(c, cfg.CircuitBreaker, logger)
		}
		if err := reg.Register(c); err != nil {
			return nil, nil, err
		}
	}

	name := cfg.DefaultProvider
	if name == "" && len(cfg.Providers) > 0 {
		name = cfg.Providers[0].Name
	}
	primary, err := reg.Get(name)
	if err != nil {
		return nil, nil, err
	}

	if !cfg.Failover.Enabled || len(cfg.Failover.Fallbacks) == 0 {
		return reg, primary, nil
	}
	fallbacks := make([]domain.InferenceClient, 0, len(cfg.Failover.Fallbacks))
	for _, fbName := range cfg.Failover.Fallbacks {
		fb, err := reg.Get(fbName)
		if err != nil {
			return nil, nil, err
		}
		fallbacks = append(fallbacks, fb)
	}
	return reg, NewFailoverClient(primary, fallbacks, logger), nil
}
