// Package keyselect picks one upstream API key per attempt and tracks
// per-key health.
//
// Health is deliberately process-local (fast, and divergent decisions across
// processes are benign): a sync.Map of atomic counters, no shared-store
// round-trips on the hot path. The same key may be observed by many
// concurrent requests, so every counter update is an atomic operation.
package keyselect

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/octanelabs/relay/internal/providers"
	"github.com/octanelabs/relay/internal/store"
)

// Strategy selects among eligible keys.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastUsed  Strategy = "least_used"
)

// DefaultFailThreshold is the number of consecutive auth/quota failures that
// demote a key to failed.
const DefaultFailThreshold = 3

// MaxCooldown bounds the cooldown applied from upstream Retry-After hints.
const MaxCooldown = 60 * time.Second

// keyHealth is the ephemeral per-key record. All fields are atomics; see the
// package comment for why.
type keyHealth struct {
	consecutiveFailures atomic.Int32
	cooldownUntil       atomic.Int64 // unix nanos; 0 = none
	failed              atomic.Bool
	lastUsed            atomic.Int64 // unix nanos

	usageWindow atomic.Int64 // minute bucket of usageCount
	usageCount  atomic.Int64

	lastOutcome atomic.Value // providers.Outcome
}

// Selector picks keys for providers under a configured strategy.
type Selector struct {
	strategy      Strategy
	failThreshold int

	health sync.Map // key id → *keyHealth

	cursorMu sync.Mutex
	cursors  map[string]int // provider id → round-robin cursor
}

// New creates a Selector. failThreshold ≤ 0 uses DefaultFailThreshold;
// an unknown strategy falls back to priority.
func New(strategy Strategy, failThreshold int) *Selector {
	switch strategy {
	case StrategyPriority, StrategyRoundRobin, StrategyLeastUsed:
	default:
		strategy = StrategyPriority
	}
	if failThreshold <= 0 {
		failThreshold = DefaultFailThreshold
	}
	return &Selector{
		strategy:      strategy,
		failThreshold: failThreshold,
		cursors:       make(map[string]int),
	}
}

func (s *Selector) get(keyID string) *keyHealth {
	if h, ok := s.health.Load(keyID); ok {
		return h.(*keyHealth)
	}
	h, _ := s.health.LoadOrStore(keyID, &keyHealth{})
	return h.(*keyHealth)
}

// Eligible reports whether a key may be used right now.
func (s *Selector) Eligible(k *store.APIKey, now time.Time) bool {
	if k.Status != store.KeyActive {
		return false
	}
	h := s.get(k.ID)
	if h.failed.Load() {
		return false
	}
	if until := h.cooldownUntil.Load(); until > 0 && now.UnixNano() < until {
		return false
	}
	return true
}

// Pick returns one eligible key from keys under the configured strategy, or
// false when no key is eligible. keys must all belong to providerID and keep
// the store's stable order (priority, creation time) — the round-robin
// cursor indexes their positions.
func (s *Selector) Pick(providerID string, keys []store.APIKey, now time.Time) (*store.APIKey, bool) {
	var chosen *store.APIKey
	if s.strategy == StrategyRoundRobin {
		chosen = s.pickRoundRobin(providerID, keys, now)
	} else {
		eligible := make([]*store.APIKey, 0, len(keys))
		for i := range keys {
			if s.Eligible(&keys[i], now) {
				eligible = append(eligible, &keys[i])
			}
		}
		if len(eligible) > 0 {
			if s.strategy == StrategyLeastUsed {
				chosen = s.pickLeastUsed(eligible, now)
			} else {
				chosen = s.pickPriority(eligible)
			}
		}
	}
	if chosen == nil {
		return nil, false
	}

	h := s.get(chosen.ID)
	h.lastUsed.Store(now.UnixNano())
	s.chargeUsage(h, now)
	return chosen, true
}

// pickPriority takes the lowest priority value; ties break to the least
// recently used key.
func (s *Selector) pickPriority(eligible []*store.APIKey) *store.APIKey {
	best := eligible[0]
	bestUsed := s.get(best.ID).lastUsed.Load()
	for _, k := range eligible[1:] {
		used := s.get(k.ID).lastUsed.Load()
		if k.Priority < best.Priority || (k.Priority == best.Priority && used < bestUsed) {
			best, bestUsed = k, used
		}
	}
	return best
}

// pickRoundRobin scans forward from the per-provider cursor over the full
// key list position space, wrapping at most once, and advances the cursor
// past the chosen key. Ineligible keys at the cursor are skipped rather than
// stalling the rotation; nil when the scan finds nothing eligible.
func (s *Selector) pickRoundRobin(providerID string, keys []store.APIKey, now time.Time) *store.APIKey {
	n := len(keys)
	if n == 0 {
		return nil
	}

	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()

	start := s.cursors[providerID] % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if s.Eligible(&keys[idx], now) {
			s.cursors[providerID] = idx + 1
			return &keys[idx]
		}
	}
	return nil
}

// pickLeastUsed takes the smallest usage count in the current minute window.
func (s *Selector) pickLeastUsed(eligible []*store.APIKey, now time.Time) *store.APIKey {
	best := eligible[0]
	bestCount := s.windowUsage(s.get(best.ID), now)
	for _, k := range eligible[1:] {
		if c := s.windowUsage(s.get(k.ID), now); c < bestCount {
			best, bestCount = k, c
		}
	}
	return best
}

func (s *Selector) windowUsage(h *keyHealth, now time.Time) int64 {
	bucket := now.Unix() / 60
	if h.usageWindow.Load() != bucket {
		return 0
	}
	return h.usageCount.Load()
}

func (s *Selector) chargeUsage(h *keyHealth, now time.Time) {
	bucket := now.Unix() / 60
	old := h.usageWindow.Load()
	if old != bucket && h.usageWindow.CompareAndSwap(old, bucket) {
		h.usageCount.Store(0)
	}
	h.usageCount.Add(1)
}

// Observe feeds an attempt outcome back into the key's health. The returned
// demoted flag is true exactly when this observation crossed the failure
// threshold; the caller is responsible for persisting the demotion.
func (s *Selector) Observe(keyID string, outcome providers.Outcome, retryAfter time.Duration) (demoted bool, failures int) {
	h := s.get(keyID)
	h.lastOutcome.Store(outcome)

	switch outcome {
	case providers.OutcomeOK:
		h.consecutiveFailures.Store(0)
		return false, 0

	case providers.OutcomeAuthFailed, providers.OutcomeQuotaExhausted:
		n := h.consecutiveFailures.Add(1)
		if int(n) >= s.failThreshold && h.failed.CompareAndSwap(false, true) {
			return true, int(n)
		}
		return false, int(n)

	case providers.OutcomeRateLimited:
		if retryAfter <= 0 {
			retryAfter = MaxCooldown
		}
		if retryAfter > MaxCooldown {
			retryAfter = MaxCooldown
		}
		s.Cooldown(keyID, retryAfter)
		return false, int(h.consecutiveFailures.Load())

	case providers.OutcomeServerError, providers.OutcomeTimeout, providers.OutcomeNetworkError:
		// Provider-side trouble: count it, but a single event never fails
		// the key.
		return false, int(h.consecutiveFailures.Add(1))
	}

	return false, int(h.consecutiveFailures.Load())
}

// Cooldown makes a key ineligible until now+d. Used for Retry-After hints
// and post-call token budget exhaustion.
func (s *Selector) Cooldown(keyID string, d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d).UnixNano()
	h := s.get(keyID)
	for {
		old := h.cooldownUntil.Load()
		if old >= until || h.cooldownUntil.CompareAndSwap(old, until) {
			return
		}
	}
}

// LastOutcome returns the most recent observed outcome for a key, "" when
// the key has not been used this process lifetime.
func (s *Selector) LastOutcome(keyID string) providers.Outcome {
	if h, ok := s.health.Load(keyID); ok {
		if v, ok := h.(*keyHealth).lastOutcome.Load().(providers.Outcome); ok {
			return v
		}
	}
	return ""
}

// Reset clears a key's local failure state. Exposed for the admin surface.
func (s *Selector) Reset(keyID string) {
	h := s.get(keyID)
	h.failed.Store(false)
	h.consecutiveFailures.Store(0)
	h.cooldownUntil.Store(0)
}
