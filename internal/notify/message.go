package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentworkforce/alarmfeed/internal/feedsync"
)

const MessageType = "feed.state"

type Logger interface {
	Printf(format string, args ...any)
}

// Message is the JSON envelope every sink publishes.
type Message struct {
	Type          string          `json:"type"`
	Seq           uint64          `json:"seq,omitempty"`
	Status        feedsync.Status `json:"status"`
	NewEventCount int             `json:"newEventCount"`
	Total         int             `json:"total"`
	At            time.Time       `json:"at"`
}

func NewMessage(n feedsync.Notification) Message {
	return Message{
		Type:          MessageType,
		Seq:           n.Seq,
		Status:        n.Status,
		NewEventCount: n.NewEventCount,
		Total:         n.Total,
		At:            n.At,
	}
}

func encode(n feedsync.Notification) ([]byte, error) {
	return json.Marshal(NewMessage(n))
}

// Multi fans a notification out to several sinks. Nil sinks are skipped.
type Multi []feedsync.Notifier

func NewMulti(sinks ...feedsync.Notifier) Multi {
	out := make(Multi, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}

func (m Multi) Notify(ctx context.Context, n feedsync.Notification) {
	for _, sink := range m {
		if sink == nil {
			continue
		}
		sink.Notify(ctx, n)
	}
}

// NotifierFunc adapts a plain function into a feedsync.Notifier.
type NotifierFunc func(ctx context.Context, n feedsync.Notification)

func (f NotifierFunc) Notify(ctx context.Context, n feedsync.Notification) {
	f(ctx, n)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
