// Package session starts and stops recording sessions. A pair is either idle
// or has exactly one active session; storage enforces that, not this package.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ecg-server/internal/buffer"
	"ecg-server/internal/model"
	"ecg-server/internal/store"
)

var (
	ErrConflict = errors.New("session already active")
	ErrNotFound = errors.New("no active session")
)

type Commander interface {
	Command(pair model.Pair, command string) error
}

type StreamBuffer interface {
	Init(ctx context.Context, key string, sessionID int64) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Flusher persists whatever a stream still holds before it is replaced.
// It is called inline and makes one attempt.
type Flusher interface {
	FlushOnce(ctx context.Context, key string) error
}

type Scheduler interface {
	Schedule(ctx context.Context, key string) error
}

type Options struct {
	Sessions store.Sessions
	Buffer   StreamBuffer
	Commands Commander
	// Flusher and Drains are optional.
	Flusher   Flusher
	Drains    Scheduler
	Retention time.Duration
	Logger    *slog.Logger
}

type Registry struct {
	sessions  store.Sessions
	buffer    StreamBuffer
	commands  Commander
	flusher   Flusher
	drains    Scheduler
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:  opts.Sessions,
		buffer:    opts.Buffer,
		commands:  opts.Commands,
		flusher:   opts.Flusher,
		drains:    opts.Drains,
		retention: opts.Retention,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Registry) Start(ctx context.Context, doctorID, patientID int64) (model.Session, error) {
	pair := model.Pair{DoctorID: doctorID, PatientID: patientID}
	key := buffer.Key(pair)

	sess, err := r.sessions.CreateActiveSession(ctx, pair, r.now())
	if errors.Is(err, store.ErrConflict) {
		return model.Session{}, ErrConflict
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("start %s: %w", pair, err)
	}

	// samples left over from the previous session go to that session first
	if r.flusher != nil {
		if err := r.flusher.FlushOnce(ctx, key); err != nil {
			// Init below replaces the stream; unflushed leftovers are lost
			r.logger.Error("flush previous stream", "key", key, "error", err)
		}
	}

	if err := r.buffer.Init(ctx, key, sess.ID); err != nil {
		if _, stopErr := r.sessions.StopActiveSession(ctx, pair, r.now()); stopErr != nil {
			r.logger.Error("roll back session", "session_id", sess.ID, "error", stopErr)
		}
		return model.Session{}, fmt.Errorf("start %s: %w", pair, err)
	}

	r.command(pair, "start")
	r.logger.Info("session started", "session_id", sess.ID, "pair", pair.String())
	return sess, nil
}

func (r *Registry) Stop(ctx context.Context, doctorID, patientID int64) (model.Session, error) {
	pair := model.Pair{DoctorID: doctorID, PatientID: patientID}
	key := buffer.Key(pair)

	sess, err := r.sessions.StopActiveSession(ctx, pair, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("stop %s: %w", pair, err)
	}

	r.command(pair, "stop")

	if r.retention > 0 {
		if err := r.buffer.Expire(ctx, key, r.retention); err != nil {
			r.logger.Error("set stream retention", "key", key, "error", err)
		}
	}
	r.scheduleDrain(ctx, key)

	r.logger.Info("session stopped", "session_id", sess.ID, "pair", pair.String())
	return sess, nil
}

func (r *Registry) Get(ctx context.Context, id int64) (model.Session, error) {
	sess, err := r.sessions.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Session{}, ErrNotFound
	}
	return sess, err
}

func (r *Registry) scheduleDrain(ctx context.Context, key string) {
	if r.drains == nil {
		return
	}
	if err := r.drains.Schedule(ctx, key); err != nil {
		r.logger.Error("schedule drain", "key", key, "error", err)
	}
}

func (r *Registry) command(pair model.Pair, command string) {
	if r.commands == nil {
		return
	}
	if err := r.commands.Command(pair, command); err != nil {
		r.logger.Warn("device command failed", "pair", pair.String(), "command", command, "error", err)
	}
}
