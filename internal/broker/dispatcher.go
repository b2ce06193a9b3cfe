package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ecg-server/internal/buffer"
	"ecg-server/internal/model"
)

const defaultHandlerTimeout = 5 * time.Second

type DeviceRegistrar interface {
	Register(ctx context.Context, deviceID string) (model.Device, bool, error)
}

type SampleBuffer interface {
	Append(ctx context.Context, key string, ts time.Time, values []float64) error
}

type LivePublisher interface {
	PublishSample(ctx context.Context, s model.Sample) error
	PublishPrediction(ctx context.Context, p model.Prediction) error
}

// Dispatcher turns one inbound message into its side effects. It never
// returns an error to the transport; failures are logged per effect.
type Dispatcher struct {
	Router  Router
	Devices DeviceRegistrar
	Buffer  SampleBuffer
	Live    LivePublisher
	Logger  *slog.Logger
	Timeout time.Duration
}

func (d *Dispatcher) Handle(topic string, payload []byte) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("mqtt handler panic", "topic", topic, "panic", r)
		}
	}()

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ev, err := d.Router.Route(topic, payload)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			logger.Warn("dropping malformed mqtt message", "topic", topic, "error", err)
		} else {
			logger.Error("route mqtt message", "topic", topic, "error", err)
		}
		return
	}

	switch ev.Kind {
	case KindRegistration:
		d.handleRegistration(ctx, logger, ev.DeviceID)
	case KindSample:
		d.handleSample(ctx, logger, ev.Sample)
	case KindPrediction:
		d.handlePrediction(ctx, logger, ev.Prediction)
	default:
		logger.Debug("ignoring mqtt message", "topic", topic)
	}
}

func (d *Dispatcher) handleRegistration(ctx context.Context, logger *slog.Logger, deviceID string) {
	if d.Devices == nil {
		return
	}
	dev, created, err := d.Devices.Register(ctx, deviceID)
	if err != nil {
		logger.Error("register device", "device_id", deviceID, "error", err)
		return
	}
	if created {
		logger.Info("device registered", "device_id", dev.DeviceID)
	} else {
		logger.Debug("device seen", "device_id", dev.DeviceID)
	}
}

// handleSample buffers and publishes independently; a failure or panic in
// one does not skip the other.
func (d *Dispatcher) handleSample(ctx context.Context, logger *slog.Logger, s model.Sample) {
	if d.Buffer != nil {
		sideEffect(logger, "buffer sample", s.Pair, func() error {
			return d.Buffer.Append(ctx, buffer.Key(s.Pair), s.Timestamp, s.Values)
		})
	}
	if d.Live != nil {
		sideEffect(logger, "publish live sample", s.Pair, func() error {
			return d.Live.PublishSample(ctx, s)
		})
	}
}

func sideEffect(logger *slog.Logger, name string, pair model.Pair, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(name+" panic", "pair", pair.String(), "panic", r)
		}
	}()
	if err := fn(); err != nil {
		logger.Error(name, "pair", pair.String(), "error", err)
	}
}

func (d *Dispatcher) handlePrediction(ctx context.Context, logger *slog.Logger, p model.Prediction) {
	if d.Live == nil {
		return
	}
	sideEffect(logger, "publish live prediction", p.Pair, func() error {
		return d.Live.PublishPrediction(ctx, p)
	})
}
