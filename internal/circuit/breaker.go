// Package circuit implements the per-provider circuit breaker.
//
// One state machine exists per provider id, persisted in the shared store so
// every gateway process sees the same state:
//
//	closed    — calls pass; failures within the rolling window are counted.
//	open      — calls are rejected until open_until.
//	half-open — up to P probe calls are admitted; P successes close the
//	            breaker, any failure re-opens it and doubles the open
//	            duration up to a ceiling.
//
// All transitions go through a compare-and-swap on the serialized record, so
// concurrent processes never multi-count the same provider.
package circuit

import (
	"context"
	"encoding/json"
	"time"
)

// State is the breaker position for a provider.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// Label returns the metrics/log name for a state.
func (s State) Label() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds the breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of failures within Window that trips
	// the breaker.
	FailureThreshold int
	// Window is the rolling window for counting failures while closed.
	Window time.Duration
	// OpenFor is the initial rejection period after tripping.
	OpenFor time.Duration
	// ProbeCount is the number of successful half-open probes required to
	// close the breaker.
	ProbeCount int
	// MaxOpenFor caps the doubling of OpenFor after failed probes.
	// Zero defaults to 10× OpenFor.
	MaxOpenFor time.Duration
}

// Defaults applied for zero fields.
const (
	DefaultFailureThreshold = 5
	DefaultWindow           = 60 * time.Second
	DefaultOpenFor          = 30 * time.Second
	DefaultProbeCount       = 1
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.OpenFor <= 0 {
		c.OpenFor = DefaultOpenFor
	}
	if c.ProbeCount <= 0 {
		c.ProbeCount = DefaultProbeCount
	}
	if c.MaxOpenFor <= 0 {
		c.MaxOpenFor = 10 * c.OpenFor
	}
	return c
}

// record is the serialized per-provider state. Times are unix milliseconds.
type record struct {
	State          string `json:"state"`
	Failures       int    `json:"failures"`
	WindowStart    int64  `json:"window_start"`
	OpenUntil      int64  `json:"open_until"`
	OpenForMs      int64  `json:"open_for_ms"`
	ProbeSuccesses int    `json:"probe_successes"`
	ProbesInflight int    `json:"probes_inflight"`
}

func (r record) state() State {
	switch r.State {
	case "open":
		return Open
	case "half_open":
		return HalfOpen
	default:
		return Closed
	}
}

// casAttempts bounds the retry loop on CAS conflicts. Losing every attempt
// means another process drove the same transition; dropping out is benign.
const casAttempts = 4

// Breaker drives the state machine against a Store.
type Breaker struct {
	store Store
	cfg   Config

	// OnTransition, when set, is invoked after a state change commits.
	// It must not block.
	OnTransition func(providerID string, to State)
}

// New creates a Breaker with cfg (zero fields take defaults).
func New(store Store, cfg Config) *Breaker {
	return &Breaker{store: store, cfg: cfg.withDefaults()}
}

// Allow reports whether a call to the provider may proceed. An open breaker
// whose open_until has passed transitions to half-open and admits a probe.
func (b *Breaker) Allow(ctx context.Context, providerID string) (bool, State) {
	for i := 0; i < casAttempts; i++ {
		raw, err := b.store.Get(ctx, providerID)
		if err != nil {
			return true, Closed // store unreachable — fail open
		}
		if raw == "" {
			return true, Closed
		}

		var rec record
		if json.Unmarshal([]byte(raw), &rec) != nil {
			return true, Closed
		}

		now := time.Now().UnixMilli()
		switch rec.state() {
		case Closed:
			return true, Closed

		case Open:
			if now < rec.OpenUntil {
				return false, Open
			}
			next := rec
			next.State = HalfOpen.Label()
			next.ProbeSuccesses = 0
			next.ProbesInflight = 1
			if b.commit(ctx, providerID, raw, next) {
				b.transitioned(providerID, HalfOpen)
				return true, HalfOpen
			}

		case HalfOpen:
			if rec.ProbeSuccesses+rec.ProbesInflight >= b.cfg.ProbeCount {
				return false, HalfOpen
			}
			next := rec
			next.ProbesInflight++
			if b.commit(ctx, providerID, raw, next) {
				return true, HalfOpen
			}
		}
	}
	return false, Open
}

// RecordFailure feeds one breaker-relevant failure (server_error, timeout,
// network_error) into the provider's window.
func (b *Breaker) RecordFailure(ctx context.Context, providerID string) {
	for i := 0; i < casAttempts; i++ {
		raw, err := b.store.Get(ctx, providerID)
		if err != nil {
			return
		}

		var rec record
		if raw != "" {
			if json.Unmarshal([]byte(raw), &rec) != nil {
				raw = ""
				rec = record{}
			}
		}

		now := time.Now().UnixMilli()
		next := rec
		var to State

		switch rec.state() {
		case Closed:
			if rec.WindowStart == 0 || now-rec.WindowStart > b.cfg.Window.Milliseconds() {
				next.Failures = 0
				next.WindowStart = now
			}
			next.Failures++
			if next.Failures < b.cfg.FailureThreshold {
				to = Closed
			} else {
				to = Open
				next.State = Open.Label()
				next.OpenForMs = b.cfg.OpenFor.Milliseconds()
				next.OpenUntil = now + next.OpenForMs
				next.ProbeSuccesses = 0
				next.ProbesInflight = 0
			}

		case HalfOpen:
			// Failed probe: reopen with doubled duration.
			to = Open
			next.State = Open.Label()
			next.OpenForMs = rec.OpenForMs * 2
			if ceiling := b.cfg.MaxOpenFor.Milliseconds(); next.OpenForMs > ceiling {
				next.OpenForMs = ceiling
			}
			if next.OpenForMs <= 0 {
				next.OpenForMs = b.cfg.OpenFor.Milliseconds()
			}
			next.OpenUntil = now + next.OpenForMs
			next.Failures = 0
			next.ProbeSuccesses = 0
			next.ProbesInflight = 0

		case Open:
			return // already open; nothing to count
		}

		if b.commit(ctx, providerID, raw, next) {
			if to != rec.state() {
				b.transitioned(providerID, to)
			}
			return
		}
	}
}

// RecordSuccess feeds one successful call into the provider's state.
func (b *Breaker) RecordSuccess(ctx context.Context, providerID string) {
	for i := 0; i < casAttempts; i++ {
		raw, err := b.store.Get(ctx, providerID)
		if err != nil || raw == "" {
			return
		}

		var rec record
		if json.Unmarshal([]byte(raw), &rec) != nil {
			return
		}

		switch rec.state() {
		case Closed:
			if rec.Failures == 0 {
				return
			}
			next := rec
			next.Failures = 0
			next.WindowStart = 0
			if b.commit(ctx, providerID, raw, next) {
				return
			}

		case HalfOpen:
			next := rec
			if next.ProbesInflight > 0 {
				next.ProbesInflight--
			}
			next.ProbeSuccesses++
			if next.ProbeSuccesses >= b.cfg.ProbeCount {
				if ok, _ := b.store.CompareAndSwap(ctx, providerID, raw, ""); ok {
					b.transitioned(providerID, Closed)
					return
				}
			} else if b.commit(ctx, providerID, raw, next) {
				return
			}

		case Open:
			// A success landing while open came from a call admitted before
			// the trip; it must not short-circuit the open period.
			return
		}
	}
}

// ReleaseProbe returns an admitted half-open probe slot without recording an
// outcome. Used when the caller decided not to place the call after all
// (no eligible key, unusable config).
func (b *Breaker) ReleaseProbe(ctx context.Context, providerID string) {
	for i := 0; i < casAttempts; i++ {
		raw, err := b.store.Get(ctx, providerID)
		if err != nil || raw == "" {
			return
		}
		var rec record
		if json.Unmarshal([]byte(raw), &rec) != nil {
			return
		}
		if rec.state() != HalfOpen || rec.ProbesInflight == 0 {
			return
		}
		next := rec
		next.ProbesInflight--
		if b.commit(ctx, providerID, raw, next) {
			return
		}
	}
}

// Reset forces the breaker closed. Exposed for the admin surface.
func (b *Breaker) Reset(ctx context.Context, providerID string) {
	for i := 0; i < casAttempts; i++ {
		raw, err := b.store.Get(ctx, providerID)
		if err != nil || raw == "" {
			return
		}
		if ok, _ := b.store.CompareAndSwap(ctx, providerID, raw, ""); ok {
			b.transitioned(providerID, Closed)
			return
		}
	}
}

// State returns the provider's current state without admitting anything.
func (b *Breaker) State(ctx context.Context, providerID string) State {
	raw, err := b.store.Get(ctx, providerID)
	if err != nil || raw == "" {
		return Closed
	}
	var rec record
	if json.Unmarshal([]byte(raw), &rec) != nil {
		return Closed
	}
	return rec.state()
}

func (b *Breaker) commit(ctx context.Context, providerID, old string, next record) bool {
	data, err := json.Marshal(next)
	if err != nil {
		return false
	}
	ok, err := b.store.CompareAndSwap(ctx, providerID, old, string(data))
	return err == nil && ok
}

func (b *Breaker) transitioned(providerID string, to State) {
	if b.OnTransition != nil {
		b.OnTransition(providerID, to)
	}
}
