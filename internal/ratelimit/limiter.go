// Package ratelimit implements the request-rate gate and the post-call token
// budget charge, both backed by atomic Lua scripts on the shared Redis store.
//
// Three request axes are checked in order: global, per-principal-key,
// per-client-IP. Each axis is a window-bucketed counter whose increment and
// comparison run in a single script, so concurrent gateways cannot
// double-admit. A denied request reports the remainder of the current window
// as its Retry-After hint.
//
// Redis unavailability degrades open: requests are admitted rather than
// failing the hot path.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is the rate-limit window length.
const DefaultWindow = time.Minute

// countScript atomically consumes one unit from a windowed counter.
// KEYS[1] = counter key
// ARGV[1] = limit (max per window)
// ARGV[2] = window TTL in milliseconds
// Returns the post-increment count; the caller compares against the limit.
var countScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return count
`)

// chargeScript atomically adds a token amount to a windowed usage counter.
// KEYS[1] = usage key
// ARGV[1] = tokens to add
// ARGV[2] = TTL in milliseconds, applied only on first write
// Returns the post-charge total.
var chargeScript = redis.NewScript(`
	local total = redis.call('INCRBY', KEYS[1], ARGV[1])
	if total == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return total
`)

// Axis labels, in checking order.
const (
	AxisGlobal = "global"
	AxisKey    = "key"
	AxisIP     = "ip"
)

// Limits holds the per-axis request ceilings. Zero disables an axis.
type Limits struct {
	GlobalRPM int
	PerKeyRPM int
	PerIPRPM  int
	Window    time.Duration
}

// Decision is the verdict for one request.
type Decision struct {
	Allowed    bool
	Axis       string        // the denying axis when !Allowed
	RetryAfter time.Duration // window remainder when !Allowed
}

// Charge is the verdict of a post-call token charge.
type Charge struct {
	OverTPM    bool
	OverDaily  bool
	RetryAfter time.Duration // remainder of the minute window when OverTPM
}

// Limiter is the shared-store rate limiter.
type Limiter struct {
	rdb    redis.UniversalClient
	limits Limits
}

// New creates a Limiter. A zero Window falls back to DefaultWindow.
func New(rdb redis.UniversalClient, limits Limits) *Limiter {
	if limits.Window <= 0 {
		limits.Window = DefaultWindow
	}
	return &Limiter{rdb: rdb, limits: limits}
}

// Allow checks the three axes in order and returns the first denial.
// principalKeyID identifies the client API key; clientIP the remote address.
func (l *Limiter) Allow(ctx context.Context, principalKeyID, clientIP string) Decision {
	window := l.windowBucket()

	axes := []struct {
		axis  string
		key   string
		limit int
	}{
		{AxisGlobal, fmt.Sprintf("rl:global:%d", window), l.limits.GlobalRPM},
		{AxisKey, fmt.Sprintf("rl:key:%s:%d", principalKeyID, window), l.limits.PerKeyRPM},
		{AxisIP, fmt.Sprintf("rl:ip:%s:%d", clientIP, window), l.limits.PerIPRPM},
	}

	for _, a := range axes {
		if a.limit <= 0 {
			continue
		}
		count, err := countScript.Run(ctx, l.rdb,
			[]string{a.key},
			a.limit, l.limits.Window.Milliseconds(),
		).Int64()
		if err != nil {
			// Shared store unreachable — admit rather than fail the request.
			continue
		}
		if count > int64(a.limit) {
			return Decision{Allowed: false, Axis: a.axis, RetryAfter: l.windowRemainder()}
		}
	}

	return Decision{Allowed: true}
}

// AllowKey consumes one unit from a single upstream key's request ceiling
// (the ApiKey record's own rpm). The dispatch engine gates each chosen key
// on it before placing the call; a denial cools the key down and rotates.
func (l *Limiter) AllowKey(ctx context.Context, keyID string, rpm int) Decision {
	if rpm <= 0 {
		return Decision{Allowed: true}
	}
	key := fmt.Sprintf("rl:upkey:%s:%d", keyID, l.windowBucket())
	count, err := countScript.Run(ctx, l.rdb,
		[]string{key}, rpm, l.limits.Window.Milliseconds(),
	).Int64()
	if err != nil {
		return Decision{Allowed: true}
	}
	if count > int64(rpm) {
		return Decision{Allowed: false, Axis: AxisKey, RetryAfter: l.windowRemainder()}
	}
	return Decision{Allowed: true}
}

// ChargeTokens records usage reported by the provider against the key's
// token-per-minute and daily budgets. Charging happens after the upstream
// call returns; an over-budget verdict makes the key ineligible for the
// window remainder but never aborts the in-flight response.
func (l *Limiter) ChargeTokens(ctx context.Context, keyID string, tpm int, dailyQuota int64, tokens int) Charge {
	if tokens <= 0 || (tpm <= 0 && dailyQuota <= 0) {
		return Charge{}
	}

	var ch Charge

	if tpm > 0 {
		key := fmt.Sprintf("rl:tok:%s:%d", keyID, l.windowBucket())
		total, err := chargeScript.Run(ctx, l.rdb,
			[]string{key}, tokens, l.limits.Window.Milliseconds(),
		).Int64()
		if err == nil && total > int64(tpm) {
			ch.OverTPM = true
			ch.RetryAfter = l.windowRemainder()
		}
	}

	if dailyQuota > 0 {
		day := time.Now().UTC().Format("20060102")
		key := "rl:day:" + keyID + ":" + day
		total, err := chargeScript.Run(ctx, l.rdb,
			[]string{key}, tokens, (48 * time.Hour).Milliseconds(),
		).Int64()
		if err == nil && total > dailyQuota {
			ch.OverDaily = true
		}
	}

	return ch
}

func (l *Limiter) windowBucket() int64 {
	return time.Now().Unix() / int64(l.limits.Window.Seconds())
}

func (l *Limiter) windowRemainder() time.Duration {
	w := l.limits.Window
	elapsed := time.Duration(time.Now().UnixNano()) % w
	return w - elapsed
}

// ParseRetryAfter converts an upstream Retry-After header value (delta
// seconds) into a duration, clamped to [0, max]. Unparseable values return 0.
func ParseRetryAfter(v string, max time.Duration) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > max {
		return max
	}
	return d
}
