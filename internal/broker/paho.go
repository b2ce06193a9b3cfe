package broker

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ecg-server/internal/config"
)

const (
	connectTimeout   = 5 * time.Second
	publishTimeout   = 2 * time.Second
	subscribeTimeout = 5 * time.Second
)

// PahoTransport is the Transport backed by the Eclipse Paho client.
type PahoTransport struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	client mqtt.Client
}

func NewPahoTransport(cfg config.MQTTConfig, logger *slog.Logger) *PahoTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &PahoTransport{cfg: cfg, logger: logger}
}

func (t *PahoTransport) Connect(onConnect func()) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.Broker)
	opts.SetClientID(t.cfg.ClientID)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	if strings.HasPrefix(t.cfg.Broker, "ssl://") || strings.HasPrefix(t.cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(t.cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		t.logger.Info("mqtt connection established", "broker", t.cfg.Broker, "client_id", t.cfg.ClientID)
		if onConnect != nil {
			onConnect()
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		t.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", t.cfg.Broker, "error", err)
	}

	t.client = mqtt.NewClient(opts)
	t.logger.Info("connecting to mqtt broker", "broker", t.cfg.Broker)

	token := t.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// connect retry keeps going in the background
		return fmt.Errorf("mqtt connection timeout")
	}
	return token.Error()
}

func (t *PahoTransport) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if t.client == nil {
		return ErrNotConnected
	}
	token := t.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

func (t *PahoTransport) Publish(topic string, qos byte, payload []byte) error {
	if t.client == nil {
		return ErrNotConnected
	}
	token := t.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (t *PahoTransport) IsConnected() bool {
	return t.client != nil && t.client.IsConnectionOpen()
}

func (t *PahoTransport) Disconnect() {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
		t.logger.Info("mqtt disconnected")
	}
}

var _ Transport = (*PahoTransport)(nil)
