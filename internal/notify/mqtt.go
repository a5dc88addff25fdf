package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/agentworkforce/alarmfeed/internal/feedsync"
)

const defaultMQTTTimeout = 10 * time.Second

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	// Retained keeps the latest state on the broker for late subscribers.
	Retained bool
	Timeout  time.Duration
	Logger   Logger
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTNotifier struct {
	client   publisher
	topic    string
	qos      byte
	retained bool
	timeout  time.Duration
	logger   Logger
}

func NewMQTTNotifier(cfg MQTTConfig) (*MQTTNotifier, error) {
	if strings.TrimSpace(cfg.Broker) == "" || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("mqtt notifier requires a broker and a topic")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMQTTTimeout
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return newMQTTNotifier(client, cfg, timeout), nil
}

func newMQTTNotifier(client publisher, cfg MQTTConfig, timeout time.Duration) *MQTTNotifier {
	return &MQTTNotifier{
		client:   client,
		topic:    strings.TrimSpace(cfg.Topic),
		qos:      cfg.QoS,
		retained: cfg.Retained,
		timeout:  timeout,
		logger:   cfg.Logger,
	}
}

// Notify publishes without waiting; the token is checked on a separate
// goroutine so a stalled broker never blocks the caller.
func (m *MQTTNotifier) Notify(_ context.Context, n feedsync.Notification) {
	payload, err := encode(n)
	if err != nil {
		logf(m.logger, "encode notification failed: %v", err)
		return
	}
	token := m.client.Publish(m.topic, m.qos, m.retained, payload)
	go func() {
		if !token.WaitTimeout(m.timeout) {
			logf(m.logger, "mqtt publish to %s timed out", m.topic)
			return
		}
		if err := token.Error(); err != nil {
			logf(m.logger, "mqtt publish to %s failed: %v", m.topic, err)
		}
	}()
}

func (m *MQTTNotifier) Close() {
	m.client.Disconnect(250)
}
