package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/octanelabs/relay/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestAllow_UnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{GlobalRPM: 5})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if d := l.Allow(ctx, "principal", "1.2.3.4"); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestAllow_GlobalDenialReportsAxisAndRetryAfter(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{GlobalRPM: 2})
	ctx := context.Background()

	l.Allow(ctx, "p", "ip")
	l.Allow(ctx, "p", "ip")

	d := l.Allow(ctx, "p", "ip")
	if d.Allowed {
		t.Fatal("third request should be denied")
	}
	if d.Axis != ratelimit.AxisGlobal {
		t.Errorf("axis = %q, want global", d.Axis)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
	}
}

func TestAllow_PerKeyIsolatesPrincipals(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{PerKeyRPM: 2})
	ctx := context.Background()

	l.Allow(ctx, "alice", "ip")
	l.Allow(ctx, "alice", "ip")
	if d := l.Allow(ctx, "alice", "ip"); d.Allowed {
		t.Error("alice should be denied")
	}
	if d := l.Allow(ctx, "bob", "ip"); !d.Allowed {
		t.Error("bob must not share alice's counter")
	}
}

func TestAllow_AxisOrderGlobalBeforeKey(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	// Both axes would deny; the first denial reported must be global.
	l := ratelimit.New(rdb, ratelimit.Limits{GlobalRPM: 1, PerKeyRPM: 1})
	ctx := context.Background()

	l.Allow(ctx, "p", "ip")
	d := l.Allow(ctx, "p", "ip")
	if d.Allowed {
		t.Fatal("should be denied")
	}
	if d.Axis != ratelimit.AxisGlobal {
		t.Errorf("axis = %q, want global (checked first)", d.Axis)
	}
}

func TestAllow_PerIPAxis(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{PerIPRPM: 1})
	ctx := context.Background()

	l.Allow(ctx, "a", "9.9.9.9")
	d := l.Allow(ctx, "b", "9.9.9.9")
	if d.Allowed {
		t.Fatal("same IP should be denied")
	}
	if d.Axis != ratelimit.AxisIP {
		t.Errorf("axis = %q, want ip", d.Axis)
	}
}

func TestAllow_DisabledAxesAdmitEverything(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{})
	for i := 0; i < 50; i++ {
		if d := l.Allow(context.Background(), "p", "ip"); !d.Allowed {
			t.Fatal("no axis configured — everything passes")
		}
	}
}

func TestAllow_DegradesOpenWhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup() // shut redis before use

	l := ratelimit.New(rdb, ratelimit.Limits{GlobalRPM: 1})
	if d := l.Allow(context.Background(), "p", "ip"); !d.Allowed {
		t.Error("shared store down must admit, not fail")
	}
}

func TestAllowKey_EnforcesPerKeyCeiling(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.AllowKey(ctx, "up-key", 3); !d.Allowed {
			t.Fatalf("request %d should fit the ceiling", i)
		}
	}
	d := l.AllowKey(ctx, "up-key", 3)
	if d.Allowed {
		t.Fatal("fourth request must be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v", d.RetryAfter)
	}

	// Ceilings are per key id.
	if d := l.AllowKey(ctx, "other-key", 3); !d.Allowed {
		t.Error("a different key must not share the counter")
	}
}

func TestAllowKey_ZeroRPMUnlimited(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{})
	for i := 0; i < 20; i++ {
		if d := l.AllowKey(context.Background(), "k", 0); !d.Allowed {
			t.Fatal("rpm 0 means unlimited")
		}
	}
}

func TestChargeTokens_TPMExceeded(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{})
	ctx := context.Background()

	ch := l.ChargeTokens(ctx, "key-1", 100, 0, 60)
	if ch.OverTPM {
		t.Fatal("60/100 tokens is under budget")
	}
	ch = l.ChargeTokens(ctx, "key-1", 100, 0, 60)
	if !ch.OverTPM {
		t.Fatal("120/100 tokens must be over budget")
	}
	if ch.RetryAfter <= 0 {
		t.Error("over-TPM charge must report the window remainder")
	}
}

func TestChargeTokens_DailyQuota(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{})
	ctx := context.Background()

	if ch := l.ChargeTokens(ctx, "key-2", 0, 100, 90); ch.OverDaily {
		t.Fatal("90/100 daily is under quota")
	}
	if ch := l.ChargeTokens(ctx, "key-2", 0, 100, 20); !ch.OverDaily {
		t.Fatal("110/100 daily must be over quota")
	}
}

func TestChargeTokens_NoBudgetsNoWrites(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.New(rdb, ratelimit.Limits{})
	ch := l.ChargeTokens(context.Background(), "key-3", 0, 0, 500)
	if ch.OverTPM || ch.OverDaily {
		t.Error("unlimited key must never report over-budget")
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"abc", 0},
		{"-5", 0},
		{"5", 5 * time.Second},
		{"3600", time.Minute}, // clamped
	}
	for _, c := range cases {
		if got := ratelimit.ParseRetryAfter(c.in, time.Minute); got != c.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
