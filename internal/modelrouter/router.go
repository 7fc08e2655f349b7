// Package modelrouter resolves a client-visible model alias into the ordered
// candidate list the dispatch engine walks.
//
// Lookups hit the configuration store through a short-TTL cache, so admin
// changes become visible within the bound without a store round-trip per
// request. Admin mutation signals invalidate eagerly.
package modelrouter

import (
	"context"
	"errors"
	"time"

	"github.com/octanelabs/relay/internal/cache"
	"github.com/octanelabs/relay/internal/store"
)

// ErrModelNotFound is returned when an alias has no mapping to an enabled
// provider.
var ErrModelNotFound = errors.New("model not found")

// DefaultTTL bounds how stale a cached alias resolution may be.
const DefaultTTL = 5 * time.Second

// Candidate is one (provider, provider-model, override) tuple, in try order.
type Candidate struct {
	MappingID     string
	Alias         string
	Provider      store.Provider
	ProviderModel string
	Override      store.OverrideConfig
}

// Router resolves aliases against the configuration store.
type Router struct {
	st  *store.Store
	ttl time.Duration

	mappings *cache.TTLMap[[]Candidate]
	aliases  *cache.TTLMap[[]string]
}

// New creates a Router. ttl ≤ 0 uses DefaultTTL.
func New(ctx context.Context, st *store.Store, ttl time.Duration) *Router {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Router{
		st:       st,
		ttl:      ttl,
		mappings: cache.NewTTLMap[[]Candidate](ctx),
		aliases:  cache.NewTTLMap[[]string](ctx),
	}
}

// Resolve returns the candidates for alias: default mapping first, then
// order_index ascending, providers filtered to enabled. ErrModelNotFound
// when the list is empty.
func (r *Router) Resolve(ctx context.Context, alias string) ([]Candidate, error) {
	if cached, ok := r.mappings.Get(alias); ok {
		if len(cached) == 0 {
			return nil, ErrModelNotFound
		}
		return cached, nil
	}

	rows, err := r.st.MappingsForAlias(ctx, alias)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(rows))
	for _, m := range rows {
		out = append(out, Candidate{
			MappingID:     m.ID,
			Alias:         m.Alias,
			Provider:      m.Provider,
			ProviderModel: m.ProviderModel,
			Override:      m.Override,
		})
	}

	// Negative results are cached too: a burst of requests for a bogus
	// alias must not hammer the store.
	r.mappings.Set(alias, out, r.ttl)

	if len(out) == 0 {
		return nil, ErrModelNotFound
	}
	return out, nil
}

// Aliases returns the distinct client-visible aliases, for GET /v1/models.
func (r *Router) Aliases(ctx context.Context) ([]string, error) {
	const key = "__all__"
	if cached, ok := r.aliases.Get(key); ok {
		return cached, nil
	}
	names, err := r.st.Aliases(ctx)
	if err != nil {
		return nil, err
	}
	r.aliases.Set(key, names, r.ttl)
	return names, nil
}

// Invalidate drops the cached resolution for one alias.
func (r *Router) Invalidate(alias string) {
	r.mappings.Delete(alias)
	r.aliases.Clear()
}

// InvalidateAll drops every cached resolution. Wired to admin mutation
// signals that may affect any alias (provider status flips).
func (r *Router) InvalidateAll() {
	r.mappings.Clear()
	r.aliases.Clear()
}

// Close releases the cache janitors.
func (r *Router) Close() {
	r.mappings.Close()
	r.aliases.Close()
}
