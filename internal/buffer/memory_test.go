package buffer

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBuffer_TrimsOldestKeepingMarker(t *testing.T) {
	b := NewMemoryBuffer(3)
	ctx := context.Background()
	key := "ecg:session:1/1"

	_ = b.Init(ctx, key, 5)
	for i := 1; i <= 4; i++ {
		if err := b.Append(ctx, key, time.Unix(int64(i), 0), []float64{float64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, _ := b.Drain(ctx, key)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if id, err := ParseMarker(entries[0]); err != nil || id != 5 {
		t.Fatalf("expected marker for session 5 to survive trimming, got %d (%v)", id, err)
	}
	ts, _, _ := ParseSample(entries[1])
	if !ts.Equal(time.Unix(3, 0)) {
		t.Fatalf("expected oldest kept sample at 3s, got %v", ts)
	}
}

func TestMemoryBuffer_TrimsWithoutMarker(t *testing.T) {
	b := NewMemoryBuffer(2)
	ctx := context.Background()
	key := "ecg:session:2/2"

	for i := 1; i <= 3; i++ {
		_ = b.Append(ctx, key, time.Unix(int64(i), 0), []float64{float64(i)})
	}
	entries, _ := b.Drain(ctx, key)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	ts, _, _ := ParseSample(entries[0])
	if !ts.Equal(time.Unix(2, 0)) {
		t.Fatalf("expected oldest kept sample at 2s, got %v", ts)
	}
}

func TestMemoryBuffer_InitReplaces(t *testing.T) {
	b := NewMemoryBuffer(0)
	ctx := context.Background()
	key := "ecg:session:1/1"

	_ = b.Init(ctx, key, 1)
	_ = b.Append(ctx, key, time.Unix(1, 0), []float64{1})
	_ = b.Init(ctx, key, 2)

	entries, _ := b.Drain(ctx, key)
	if len(entries) != 1 {
		t.Fatalf("expected only the new marker, got %d entries", len(entries))
	}
	if id, _ := ParseMarker(entries[0]); id != 2 {
		t.Fatalf("expected marker 2, got %d", id)
	}
}

func TestMemoryBuffer_Expire(t *testing.T) {
	b := NewMemoryBuffer(0)
	now := time.Unix(1000, 0)
	b.SetNow(func() time.Time { return now })
	ctx := context.Background()

	_ = b.Init(ctx, "ecg:session:1/1", 1)
	_ = b.Init(ctx, "ecg:session:1/2", 2)
	_ = b.Expire(ctx, "ecg:session:1/1", time.Minute)

	keys, _ := b.Streams(ctx)
	if len(keys) != 2 {
		t.Fatalf("expected 2 streams before expiry, got %v", keys)
	}

	now = now.Add(time.Minute)
	keys, _ = b.Streams(ctx)
	if len(keys) != 1 || keys[0] != "ecg:session:1/2" {
		t.Fatalf("expected expired stream to disappear, got %v", keys)
	}
}
