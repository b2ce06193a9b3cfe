// Package persist moves buffered samples into durable storage. A drain is
// idempotent: rows already stored are skipped by the unique
// (session, timestamp) constraint, so a stream may be drained any number of
// times.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ecg-server/internal/buffer"
	"ecg-server/internal/model"
	"ecg-server/internal/store"
)

var ErrIntegrity = errors.New("persist integrity violation")

const (
	defaultInitialBackoff = 5 * time.Second
	flushOnceTimeout      = 3 * time.Second
)

type Scheduler interface {
	Schedule(ctx context.Context, key string) error
}

// Result describes one drain. Aborted is set when the stream could not be
// attributed to a session; nothing was written then.
type Result struct {
	Key       string
	SessionID int64
	Entries   int
	Inserted  int
	Skipped   int
	Aborted   string
}

type Options struct {
	Buffer         buffer.Buffer
	Sessions       store.Sessions
	Readings       store.Readings
	RetryMax       int
	AttemptTimeout time.Duration
	// Prune deletes committed samples from the stream after each drain.
	Prune  bool
	Logger *slog.Logger
}

type Worker struct {
	buffer         buffer.Buffer
	sessions       store.Sessions
	readings       store.Readings
	retryMax       int
	attemptTimeout time.Duration
	prune          bool
	logger         *slog.Logger
	newBackOff     func() backoff.BackOff
}

func NewWorker(opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		buffer:         opts.Buffer,
		sessions:       opts.Sessions,
		readings:       opts.Readings,
		retryMax:       opts.RetryMax,
		attemptTimeout: opts.AttemptTimeout,
		prune:          opts.Prune,
		logger:         logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = defaultInitialBackoff
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// DrainAndPersist reads the whole stream for key and stores every valid
// sample under the session named by its marker. Transient failures are
// retried; integrity violations are returned wrapped in ErrIntegrity.
func (w *Worker) DrainAndPersist(ctx context.Context, key string) (Result, error) {
	var result Result

	policy := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), uint64(w.retryMax)), ctx)
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx := ctx
		if w.attemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, w.attemptTimeout)
			defer cancel()
		}

		res, err := w.drainOnce(attemptCtx, key)
		if err == nil {
			result = res
			return nil
		}
		if errors.Is(err, ErrIntegrity) {
			return backoff.Permanent(err)
		}
		w.logger.Warn("drain attempt failed", "key", key, "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, ErrIntegrity) {
			w.logger.Error("drain rejected by storage", "key", key, "error", err)
		} else {
			w.logger.Error("drain failed", "key", key, "attempts", attempt, "error", err)
		}
		return Result{Key: key}, err
	}
	return result, nil
}

// Flush drains key and reports only the error. It is the job handler for
// both schedulers.
func (w *Worker) Flush(ctx context.Context, key string) error {
	_, err := w.DrainAndPersist(ctx, key)
	return err
}

// FlushOnce makes a single bounded drain attempt with no retry. It runs
// inline before a stream is reinitialized, so it must not hold the caller.
func (w *Worker) FlushOnce(ctx context.Context, key string) error {
	timeout := flushOnceTimeout
	if w.attemptTimeout > 0 && w.attemptTimeout < timeout {
		timeout = w.attemptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := w.drainOnce(ctx, key); err != nil {
		w.logger.Warn("flush attempt failed", "key", key, "error", err)
		return err
	}
	return nil
}

func (w *Worker) drainOnce(ctx context.Context, key string) (Result, error) {
	result := Result{Key: key}

	entries, err := w.buffer.Drain(ctx, key)
	if err != nil {
		return result, err
	}
	result.Entries = len(entries)
	if len(entries) == 0 {
		return result, nil
	}

	sessionID, err := buffer.ParseMarker(entries[0])
	if err != nil {
		w.logger.Error("stream has no session marker", "key", key, "error", err)
		result.Aborted = "missing marker"
		return result, nil
	}
	result.SessionID = sessionID

	if _, err := w.sessions.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("stream refers to unknown session", "key", key, "session_id", sessionID)
			result.Aborted = "unknown session"
			return result, nil
		}
		return result, err
	}

	readings := make([]model.Reading, 0, len(entries)-1)
	persistedIDs := make([]string, 0, len(entries)-1)
	for _, e := range entries[1:] {
		if buffer.IsMarker(e) {
			continue
		}
		ts, values, err := buffer.ParseSample(e)
		if err != nil {
			result.Skipped++
			w.logger.Warn("skipping malformed entry", "key", key, "entry", e.ID, "error", err)
			continue
		}
		readings = append(readings, model.Reading{SessionID: sessionID, Timestamp: ts, Values: values})
		persistedIDs = append(persistedIDs, e.ID)
	}

	if len(readings) > 0 {
		inserted, err := w.readings.InsertReadings(ctx, readings)
		if err != nil {
			if errors.Is(err, store.ErrIntegrity) {
				return result, fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			return result, err
		}
		result.Inserted = inserted
	}

	if w.prune && len(persistedIDs) > 0 {
		if err := w.buffer.Remove(ctx, key, persistedIDs...); err != nil {
			w.logger.Warn("prune persisted entries", "key", key, "error", err)
		}
	}

	w.logger.Info("stream persisted",
		"key", key,
		"session_id", sessionID,
		"entries", result.Entries,
		"inserted", result.Inserted,
		"skipped", result.Skipped,
	)
	return result, nil
}

// DrainAllAndPersist schedules one independent drain per known stream and
// returns how many were scheduled.
func (w *Worker) DrainAllAndPersist(ctx context.Context, scheduler Scheduler) (int, error) {
	keys, err := w.buffer.Streams(ctx)
	if err != nil {
		return 0, fmt.Errorf("list streams: %w", err)
	}

	scheduled := 0
	for _, key := range keys {
		if err := scheduler.Schedule(ctx, key); err != nil {
			w.logger.Error("schedule drain", "key", key, "error", err)
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// Run triggers DrainAllAndPersist every interval until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration, scheduler Scheduler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.DrainAllAndPersist(ctx, scheduler)
			if err != nil {
				w.logger.Error("periodic drain", "error", err)
				continue
			}
			w.logger.Debug("periodic drain scheduled", "streams", n)
		}
	}
}
