package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	if err := m.SetJSON(ctx, "k", map[string]int{"a": 1}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got map[string]int
	ok, err := m.GetJSON(ctx, "k", &got)
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got["a"] != 1 {
		t.Fatalf("unexpected value %v", got)
	}

	now = now.Add(2 * time.Minute)
	ok, err = m.GetJSON(ctx, "k", &got)
	if err != nil || ok {
		t.Fatalf("expected expiry, ok=%v err=%v", ok, err)
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.SetJSON(ctx, "k", 1, 0)
	_ = m.Delete(ctx, "k", "missing")

	var v int
	if ok, _ := m.GetJSON(ctx, "k", &v); ok {
		t.Fatal("expected key to be deleted")
	}
}
