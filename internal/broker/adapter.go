package broker

import (
	"errors"
	"fmt"
	"log/slog"

	"ecg-server/internal/model"
)

var ErrNotConnected = errors.New("mqtt not connected")

type MessageHandler func(topic string, payload []byte)

// Transport is the broker connection. Handlers are invoked sequentially on
// the transport's own goroutine.
type Transport interface {
	// Connect starts connecting; onConnect runs after every successful
	// (re)connection.
	Connect(onConnect func()) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, qos byte, payload []byte) error
	IsConnected() bool
	Disconnect()
}

type Adapter struct {
	transport     Transport
	handler       MessageHandler
	qos           byte
	registerTopic string
	logger        *slog.Logger
}

func NewAdapter(transport Transport, handler MessageHandler, qos byte, registerTopic string, logger *slog.Logger) *Adapter {
	if registerTopic == "" {
		registerTopic = DefaultRegisterTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		transport:     transport,
		handler:       handler,
		qos:           qos,
		registerTopic: registerTopic,
		logger:        logger,
	}
}

func (a *Adapter) Topics() []string {
	return []string{a.registerTopic, SampleTopicFilter, PredictionFilter}
}

func (a *Adapter) Start() error {
	if err := a.transport.Connect(a.subscribeAll); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// subscribeAll runs on every connect; subscriptions do not survive a clean
// session reconnect.
func (a *Adapter) subscribeAll() {
	for _, topic := range a.Topics() {
		if err := a.transport.Subscribe(topic, a.qos, a.handler); err != nil {
			a.logger.Error("mqtt subscribe", "topic", topic, "error", err)
			continue
		}
		a.logger.Info("mqtt subscribed", "topic", topic, "qos", a.qos)
	}
}

// Command publishes start or stop to the pair's device. Delivery is not
// confirmed end to end.
func (a *Adapter) Command(pair model.Pair, command string) error {
	topic := CommandTopic(pair)
	if !a.transport.IsConnected() {
		a.logger.Warn("mqtt command not sent", "topic", topic, "command", command, "error", ErrNotConnected)
		return ErrNotConnected
	}
	if err := a.transport.Publish(topic, a.qos, []byte(command)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	a.logger.Info("mqtt command sent", "topic", topic, "command", command)
	return nil
}

func (a *Adapter) Connected() bool {
	return a.transport.IsConnected()
}

func (a *Adapter) Close() {
	a.transport.Disconnect()
}
