package cache

import (
	"context"
	"testing"
	"time"
)

func TestTTLMap_SetGet(t *testing.T) {
	m := NewTTLMap[string](context.Background())
	defer m.Close()

	m.Set("k", "v", time.Minute)
	got, ok := m.Get("k")
	if !ok || got != "v" {
		t.Errorf("Get = (%q, %v)", got, ok)
	}
}

func TestTTLMap_Miss(t *testing.T) {
	m := NewTTLMap[int](context.Background())
	defer m.Close()

	if _, ok := m.Get("absent"); ok {
		t.Error("expected miss")
	}
}

func TestTTLMap_Expiry(t *testing.T) {
	m := NewTTLMap[string](context.Background())
	defer m.Close()

	m.Set("k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, ok := m.Get("k"); ok {
		t.Error("expired entry must miss")
	}
}

func TestTTLMap_DeleteAndClear(t *testing.T) {
	m := NewTTLMap[string](context.Background())
	defer m.Close()

	m.Set("a", "1", time.Minute)
	m.Set("b", "2", time.Minute)

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Error("deleted entry must miss")
	}

	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len = %d after Clear", m.Len())
	}
}

func TestTTLMap_OverwriteRefreshesTTL(t *testing.T) {
	m := NewTTLMap[string](context.Background())
	defer m.Close()

	m.Set("k", "old", 10*time.Millisecond)
	m.Set("k", "new", time.Minute)
	time.Sleep(20 * time.Millisecond)

	got, ok := m.Get("k")
	if !ok || got != "new" {
		t.Errorf("Get = (%q, %v), want refreshed entry", got, ok)
	}
}

func TestTTLMap_CloseIdempotent(t *testing.T) {
	m := NewTTLMap[string](context.Background())
	m.Close()
	m.Close()
}
