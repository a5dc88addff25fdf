package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/agentworkforce/alarmfeed/internal/feedsync"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Key is attached to every message so all signals for one feed land on
	// one partition.
	Key    string
	Logger Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaNotifier struct {
	writer messageWriter
	key    []byte
	logger Logger
}

func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	if len(brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka notifier requires brokers and a topic")
	}
	logger := cfg.Logger
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        strings.TrimSpace(cfg.Topic),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logf(logger, "kafka publish of %d messages failed: %v", len(messages), err)
			}
		},
	}
	return newKafkaNotifier(writer, cfg.Key, logger), nil
}

func newKafkaNotifier(writer messageWriter, key string, logger Logger) *KafkaNotifier {
	n := &KafkaNotifier{writer: writer, logger: logger}
	if key != "" {
		n.key = []byte(key)
	}
	return n
}

// Notify hands the message to the async writer; delivery failures are
// reported through the writer's completion callback.
func (k *KafkaNotifier) Notify(ctx context.Context, n feedsync.Notification) {
	payload, err := encode(n)
	if err != nil {
		logf(k.logger, "encode notification failed: %v", err)
		return
	}
	msg := kafka.Message{Key: k.key, Value: payload, Time: n.At}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		logf(k.logger, "kafka enqueue failed: %v", err)
	}
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
