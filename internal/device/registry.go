package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ecg-server/internal/model"
	"ecg-server/internal/store"
)

var ErrMalformed = errors.New("missing device id")

type Registry struct {
	store store.Devices
	now   func() time.Time
}

func NewRegistry(devices store.Devices) *Registry {
	return &Registry{store: devices, now: time.Now}
}

// Register records a device on first sight and refreshes last_seen on every
// later registration. created reports which happened.
func (r *Registry) Register(ctx context.Context, deviceID string) (model.Device, bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return model.Device{}, false, ErrMalformed
	}
	dev, created, err := r.store.UpsertDevice(ctx, deviceID, r.now())
	if err != nil {
		return model.Device{}, false, fmt.Errorf("register %s: %w", deviceID, err)
	}
	return dev, created, nil
}

func (r *Registry) List(ctx context.Context) ([]model.Device, error) {
	return r.store.ListDevices(ctx)
}
