package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/wire"
)

// ErrMQTTOffline is returned by Write while the client is not connected.
var ErrMQTTOffline = errors.New("mqtt client not connected")

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker         string // host:port
	ClientID       string
	QoS            byte
	PublishTimeout time.Duration
}

// MQTTSink publishes records on sentinel/<format>/<asset>.
type MQTTSink struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
}

// DialMQTT connects to the broker with automatic reconnect.
func DialMQTT(cfg MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	logger = monitoring.OrNop(logger)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", zap.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", cfg.Broker), zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return NewMQTTSink(client, cfg.QoS, cfg.PublishTimeout, logger), nil
}

// NewMQTTSink wraps an existing client.
func NewMQTTSink(client mqtt.Client, qos byte, timeout time.Duration, logger *zap.Logger) *MQTTSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MQTTSink{client: client, qos: qos, timeout: timeout, logger: monitoring.OrNop(logger)}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Write implements Sink. PublishTimeout bounds the whole batch and a
// disconnected client fails at once.
func (s *MQTTSink) Write(_ context.Context, b Batch) error {
	deadline := time.Now().Add(s.timeout)
	for _, r := range b.Records {
		if !s.client.IsConnectionOpen() {
			return ErrMQTTOffline
		}
		topic := wire.Topic(string(r.Format), r.AssetID)
		left := time.Until(deadline)
		if left <= 0 {
			return fmt.Errorf("publish %s seq %d: batch timeout", topic, r.Seq)
		}
		token := s.client.Publish(topic, s.qos, false, r.Body)
		if !token.WaitTimeout(left) {
			return fmt.Errorf("publish %s seq %d: timeout", topic, r.Seq)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s seq %d: %w", topic, r.Seq, err)
		}
	}
	return nil
}

// Close disconnects, allowing in-flight publishes a short grace period.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
