package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetExists(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	hit, err := m.Exists(ctx, "k")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if hit {
		t.Fatal("expected miss on empty cache")
	}

	if err := m.Set(ctx, "k", "1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	hit, err = m.Exists(ctx, "k")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !hit {
		t.Fatal("expected hit after set")
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now()
	m.now = func() time.Time { return now }

	if err := m.Set(ctx, "k", "1", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	now = now.Add(30 * time.Minute)
	if hit, _ := m.Exists(ctx, "k"); !hit {
		t.Fatal("expected hit before expiry")
	}

	now = now.Add(31 * time.Minute)
	if hit, _ := m.Exists(ctx, "k"); hit {
		t.Fatal("expected miss after expiry")
	}
}
