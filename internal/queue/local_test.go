package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ecg-server/internal/logging"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func TestLocal_RunsEveryScheduledKey(t *testing.T) {
	rec := &recorder{calls: make(map[string]int)}
	l := NewLocal(context.Background(), 3, 16, func(_ context.Context, key string) error {
		rec.mu.Lock()
		rec.calls[key]++
		rec.mu.Unlock()
		return nil
	}, logging.Discard())

	for _, key := range []string{"a", "b", "c"} {
		if err := l.Schedule(context.Background(), key); err != nil {
			t.Fatalf("Schedule(%s): %v", key, err)
		}
	}
	l.Close()

	for _, key := range []string{"a", "b", "c"} {
		if rec.count(key) != 1 {
			t.Fatalf("expected %s to run once, got %d", key, rec.count(key))
		}
	}
}

func TestLocal_RerunsKeyScheduledWhileRunning(t *testing.T) {
	rec := &recorder{calls: make(map[string]int)}
	started := make(chan struct{}, 4)
	release := make(chan struct{})

	l := NewLocal(context.Background(), 1, 16, func(_ context.Context, key string) error {
		rec.mu.Lock()
		rec.calls[key]++
		n := rec.calls[key]
		rec.mu.Unlock()
		started <- struct{}{}
		if n == 1 {
			<-release
		}
		return nil
	}, logging.Discard())

	_ = l.Schedule(context.Background(), "k")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not start")
	}

	// scheduled twice while running: collapses into a single rerun
	_ = l.Schedule(context.Background(), "k")
	_ = l.Schedule(context.Background(), "k")
	close(release)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("rerun did not start")
	}
	l.Close()

	if got := rec.count("k"); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}

func TestLocal_SkipsKeyAlreadyQueued(t *testing.T) {
	rec := &recorder{calls: make(map[string]int)}
	release := make(chan struct{})
	l := NewLocal(context.Background(), 1, 16, func(_ context.Context, key string) error {
		if key == "block" {
			<-release
		}
		rec.mu.Lock()
		rec.calls[key]++
		rec.mu.Unlock()
		return nil
	}, logging.Discard())

	_ = l.Schedule(context.Background(), "block")
	_ = l.Schedule(context.Background(), "q")
	_ = l.Schedule(context.Background(), "q")
	close(release)
	l.Close()

	if got := rec.count("q"); got != 1 {
		t.Fatalf("expected queued key to run once, got %d", got)
	}
}

func TestLocal_ScheduleAfterClose(t *testing.T) {
	l := NewLocal(context.Background(), 1, 1, func(context.Context, string) error { return nil }, logging.Discard())
	l.Close()
	if err := l.Schedule(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestLocal_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	l := NewLocal(context.Background(), 1, 1, func(_ context.Context, key string) error {
		if key == "running" {
			close(started)
			<-release
		}
		return nil
	}, logging.Discard())
	defer func() {
		close(release)
		l.Close()
	}()

	_ = l.Schedule(context.Background(), "running")
	<-started
	if err := l.Schedule(context.Background(), "queued"); err != nil {
		t.Fatalf("expected room for one queued job, got %v", err)
	}
	if err := l.Schedule(context.Background(), "overflow"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
