package dispatch

import (
	"fmt"
	"sync"

	"github.com/octanelabs/relay/internal/providers"
	"github.com/octanelabs/relay/internal/providers/anthropic"
	"github.com/octanelabs/relay/internal/providers/customhttp"
	"github.com/octanelabs/relay/internal/providers/mock"
	"github.com/octanelabs/relay/internal/providers/ollama"
	"github.com/octanelabs/relay/internal/providers/openai"
	"github.com/octanelabs/relay/internal/store"
)

// adapterRegistry builds and pools one adapter (and therefore one HTTP
// connection pool) per provider record. Adapters are rebuilt when the
// record's connection-relevant config changes.
type adapterRegistry struct {
	mu       sync.Mutex
	adapters map[string]pooledAdapter
}

type pooledAdapter struct {
	caller    providers.Caller
	baseURL   string
	timeoutMs int
}

func newAdapterRegistry() *adapterRegistry {
	return &adapterRegistry{adapters: make(map[string]pooledAdapter)}
}

// For returns the adapter for a provider record, constructing it on first
// use. The provider type set is closed; unknown tags are config corruption.
func (r *adapterRegistry) For(p store.Provider) (providers.Caller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.adapters[p.ID]; ok &&
		cached.baseURL == p.BaseURL && cached.timeoutMs == p.TimeoutMs {
		return cached.caller, nil
	}

	caller, err := build(p)
	if err != nil {
		return nil, err
	}
	r.adapters[p.ID] = pooledAdapter{caller: caller, baseURL: p.BaseURL, timeoutMs: p.TimeoutMs}
	return caller, nil
}

func build(p store.Provider) (providers.Caller, error) {
	switch p.Type {
	case store.TypeOpenAI:
		return openai.New(p.BaseURL, p.Timeout()), nil
	case store.TypeAnthropic:
		return anthropic.New(p.BaseURL, p.Timeout()), nil
	case store.TypeOllama:
		return ollama.New(p.BaseURL, p.Timeout()), nil
	case store.TypeMock:
		return mock.New(), nil
	case store.TypeCustomHTTP:
		return customhttp.New(p.BaseURL, p.Timeout())
	}
	return nil, fmt.Errorf("dispatch: unknown provider type %q for %s", p.Type, p.Name)
}
