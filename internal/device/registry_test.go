package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"ecg-server/internal/store"
)

func TestRegistry_RegisterTwice(t *testing.T) {
	r := NewRegistry(store.NewMemory())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	first, created, err := r.Register(ctx, "dev-A")
	if err != nil || !created {
		t.Fatalf("expected created, got %v (%v)", created, err)
	}

	now = now.Add(5 * time.Minute)
	second, created, err := r.Register(ctx, "dev-A")
	if err != nil || created {
		t.Fatalf("expected existing device, got created=%v (%v)", created, err)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("expected registered_at unchanged")
	}
	if !second.LastSeen.Equal(now) {
		t.Fatalf("expected last_seen %v, got %v", now, second.LastSeen)
	}

	list, err := r.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one device, got %d (%v)", len(list), err)
	}
}

func TestRegistry_RejectsEmptyID(t *testing.T) {
	r := NewRegistry(store.NewMemory())
	if _, _, err := r.Register(context.Background(), "  "); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
