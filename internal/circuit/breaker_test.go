package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		OpenFor:          40 * time.Millisecond,
		ProbeCount:       1,
	}
}

func TestBreaker_InitialStateClosed(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	if b.State(ctx, "prov") != Closed {
		t.Error("unknown provider should start closed")
	}
	if ok, state := b.Allow(ctx, "prov"); !ok || state != Closed {
		t.Error("closed breaker must allow")
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	b.RecordFailure(ctx, "prov")
	b.RecordFailure(ctx, "prov")
	if b.State(ctx, "prov") != Closed {
		t.Fatal("below threshold should stay closed")
	}

	b.RecordFailure(ctx, "prov")
	if b.State(ctx, "prov") != Open {
		t.Fatal("threshold reached — breaker must be open")
	}
	if ok, _ := b.Allow(ctx, "prov"); ok {
		t.Error("open breaker must reject")
	}
}

func TestBreaker_SuccessResetsClosedWindow(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	b.RecordFailure(ctx, "prov")
	b.RecordFailure(ctx, "prov")
	b.RecordSuccess(ctx, "prov")

	// Counter was reset: two more failures must not trip a threshold of 3.
	b.RecordFailure(ctx, "prov")
	b.RecordFailure(ctx, "prov")
	if b.State(ctx, "prov") != Closed {
		t.Error("success should have reset the failure window")
	}
}

func TestBreaker_HalfOpenAfterOpenFor(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "prov")
	}
	if ok, _ := b.Allow(ctx, "prov"); ok {
		t.Fatal("must reject while open")
	}

	time.Sleep(50 * time.Millisecond)

	ok, state := b.Allow(ctx, "prov")
	if !ok || state != HalfOpen {
		t.Fatalf("expired open period must admit a probe, got ok=%v state=%v", ok, state)
	}

	// Second caller while the probe is in flight is rejected.
	if ok, _ := b.Allow(ctx, "prov"); ok {
		t.Error("only ProbeCount probes may be admitted")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "prov")
	}
	time.Sleep(50 * time.Millisecond)

	if ok, _ := b.Allow(ctx, "prov"); !ok {
		t.Fatal("probe should be admitted")
	}
	b.RecordSuccess(ctx, "prov")

	if b.State(ctx, "prov") != Closed {
		t.Error("successful probe must close the breaker")
	}
	if ok, _ := b.Allow(ctx, "prov"); !ok {
		t.Error("closed breaker must allow")
	}
}

func TestBreaker_ProbeFailureReopensAndDoubles(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "prov")
	}
	time.Sleep(50 * time.Millisecond)

	if ok, _ := b.Allow(ctx, "prov"); !ok {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure(ctx, "prov")

	if b.State(ctx, "prov") != Open {
		t.Fatal("failed probe must reopen")
	}

	// The doubled period (80ms) is still running after the base 40ms.
	time.Sleep(50 * time.Millisecond)
	if ok, _ := b.Allow(ctx, "prov"); ok {
		t.Error("open duration should have doubled after the failed probe")
	}

	time.Sleep(50 * time.Millisecond)
	if ok, _ := b.Allow(ctx, "prov"); !ok {
		t.Error("doubled period elapsed — probe should be admitted")
	}
}

func TestBreaker_NeverClosedToHalfOpen(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	// Transitions from closed can only go to closed or open.
	for i := 0; i < 10; i++ {
		_, state := b.Allow(ctx, "prov")
		if state == HalfOpen {
			t.Fatal("closed breaker must never report half-open")
		}
		b.RecordFailure(ctx, "prov")
	}
}

func TestBreaker_ReleaseProbeFreesSlot(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "prov")
	}
	time.Sleep(50 * time.Millisecond)

	if ok, _ := b.Allow(ctx, "prov"); !ok {
		t.Fatal("probe should be admitted")
	}
	// Caller decided not to place the call (no eligible key).
	b.ReleaseProbe(ctx, "prov")

	if ok, _ := b.Allow(ctx, "prov"); !ok {
		t.Error("released probe slot should be re-admittable")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "prov")
	}
	b.Reset(ctx, "prov")

	if b.State(ctx, "prov") != Closed {
		t.Error("reset must force closed")
	}
}

func TestBreaker_ProvidersAreIndependent(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "prov-a")
	}
	if b.State(ctx, "prov-a") != Open {
		t.Fatal("prov-a should be open")
	}
	if b.State(ctx, "prov-b") != Closed {
		t.Error("prov-b must be unaffected")
	}
}

func TestBreaker_TransitionCallback(t *testing.T) {
	b := New(NewMemoryStore(), testConfig())
	ctx := context.Background()

	var transitions []State
	b.OnTransition = func(_ string, to State) { transitions = append(transitions, to) }

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "prov")
	}
	time.Sleep(50 * time.Millisecond)
	b.Allow(ctx, "prov")
	b.RecordSuccess(ctx, "prov")

	want := []State{Open, HalfOpen, Closed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestRedisStore_SharedAcrossBreakers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	st := NewRedisStore(rdb)

	// Two breakers simulating two gateway processes over one shared store.
	b1 := New(st, testConfig())
	b2 := New(st, testConfig())

	b1.RecordFailure(ctx, "prov")
	b1.RecordFailure(ctx, "prov")
	b2.RecordFailure(ctx, "prov")

	if b1.State(ctx, "prov") != Open || b2.State(ctx, "prov") != Open {
		t.Error("failures must aggregate across processes")
	}
	if ok, _ := b2.Allow(ctx, "prov"); ok {
		t.Error("process 2 must see the open state tripped by process 1's counts")
	}
}

func TestRedisStore_CAS(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	st := NewRedisStore(rdb)

	if ok, _ := st.CompareAndSwap(ctx, "p", "", "v1"); !ok {
		t.Fatal("CAS on absent key with empty expectation must succeed")
	}
	if ok, _ := st.CompareAndSwap(ctx, "p", "stale", "v2"); ok {
		t.Fatal("CAS with stale expectation must fail")
	}
	if ok, _ := st.CompareAndSwap(ctx, "p", "v1", "v2"); !ok {
		t.Fatal("CAS with matching expectation must succeed")
	}
	if ok, _ := st.CompareAndSwap(ctx, "p", "v2", ""); !ok {
		t.Fatal("CAS delete must succeed")
	}
	if raw, _ := st.Get(ctx, "p"); raw != "" {
		t.Error("record should be deleted")
	}
}
