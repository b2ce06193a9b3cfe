// Package queue schedules per-stream persistence jobs, either on a local
// goroutine pool or through RabbitMQ.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrQueueFull = errors.New("job queue full")
	ErrClosed    = errors.New("job queue closed")
)

type Handler func(ctx context.Context, key string) error

type keyState struct {
	running bool
	rerun   bool
}

// Local runs jobs on a fixed pool of goroutines. A key is never queued or
// run twice at once; scheduling a key that is running marks it to run once
// more when the current job ends.
type Local struct {
	ctx     context.Context
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	jobs   chan string
	keys   map[string]*keyState
	closed bool
	wg     sync.WaitGroup
}

func NewLocal(ctx context.Context, workers, queueSize int, handler Handler, logger *slog.Logger) *Local {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Local{
		ctx:     ctx,
		handler: handler,
		logger:  logger,
		jobs:    make(chan string, queueSize),
		keys:    make(map[string]*keyState),
	}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.work()
	}
	return l
}

func (l *Local) Schedule(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if st, ok := l.keys[key]; ok {
		if st.running {
			st.rerun = true
		}
		return nil
	}
	return l.enqueueLocked(key)
}

func (l *Local) enqueueLocked(key string) error {
	select {
	case l.jobs <- key:
		l.keys[key] = &keyState{}
		return nil
	default:
		delete(l.keys, key)
		return ErrQueueFull
	}
}

func (l *Local) work() {
	defer l.wg.Done()
	for key := range l.jobs {
		l.mu.Lock()
		st := l.keys[key]
		if st == nil {
			st = &keyState{}
			l.keys[key] = st
		}
		st.running = true
		l.mu.Unlock()

		if err := l.handler(l.ctx, key); err != nil {
			l.logger.Error("persist job failed", "key", key, "error", err)
		}

		l.mu.Lock()
		rerun := st.rerun && !l.closed
		delete(l.keys, key)
		if rerun {
			if err := l.enqueueLocked(key); err != nil {
				l.logger.Warn("requeue persist job", "key", key, "error", err)
			}
		}
		l.mu.Unlock()
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (l *Local) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.jobs)
	l.mu.Unlock()

	l.wg.Wait()
}
