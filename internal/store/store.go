package store

import (
	"context"
	"errors"
	"time"

	"ecg-server/internal/model"
)

var (
	ErrConflict  = errors.New("active session already exists")
	ErrNotFound  = errors.New("not found")
	ErrIntegrity = errors.New("integrity violation")
)

type Sessions interface {
	// CreateActiveSession atomically checks that the pair has no active
	// session and inserts a new one. Returns ErrConflict otherwise.
	CreateActiveSession(ctx context.Context, pair model.Pair, startedAt time.Time) (model.Session, error)
	// StopActiveSession closes the most recently started active session of
	// the pair. Returns ErrNotFound when none is active.
	StopActiveSession(ctx context.Context, pair model.Pair, stoppedAt time.Time) (model.Session, error)
	GetSession(ctx context.Context, id int64) (model.Session, error)
}

type Readings interface {
	// InsertReadings writes all readings in one transaction. Rows whose
	// (session, timestamp) already exist are skipped. Returns the number of
	// rows actually inserted.
	InsertReadings(ctx context.Context, readings []model.Reading) (int, error)
	ListReadings(ctx context.Context, sessionID int64) ([]model.Reading, error)
	CountReadings(ctx context.Context, sessionID int64) (int64, error)
}

type Devices interface {
	// UpsertDevice creates the device on first sight and refreshes LastSeen
	// otherwise. created reports which of the two happened.
	UpsertDevice(ctx context.Context, deviceID string, now time.Time) (device model.Device, created bool, err error)
	ListDevices(ctx context.Context) ([]model.Device, error)
}

type Repository interface {
	Sessions
	Readings
	Devices
}
