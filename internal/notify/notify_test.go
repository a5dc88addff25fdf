package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/alarmfeed/internal/feedsync"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func sampleNotification(count int) feedsync.Notification {
	return feedsync.Notification{
		Status:        feedsync.StatusOK,
		NewEventCount: count,
		Total:         count + 10,
		At:            time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestMessageEnvelope(t *testing.T) {
	payload, err := encode(sampleNotification(3))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["type"] != MessageType || decoded["status"] != "OK" || decoded["newEventCount"] != float64(3) || decoded["total"] != float64(13) {
		t.Fatalf("unexpected envelope %s", payload)
	}
}

func TestMultiSkipsNilSinks(t *testing.T) {
	var got []int
	record := NotifierFunc(func(_ context.Context, n feedsync.Notification) {
		got = append(got, n.NewEventCount)
	})
	multi := NewMulti(nil, record, nil, record)
	if len(multi) != 2 {
		t.Fatalf("expected nil sinks to be dropped, got %d sinks", len(multi))
	}
	multi.Notify(context.Background(), sampleNotification(4))
	if len(got) != 2 || got[0] != 4 || got[1] != 4 {
		t.Fatalf("expected both sinks notified, got %v", got)
	}
	Multi{nil}.Notify(context.Background(), sampleNotification(1))
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaNotifierPublishesEnvelope(t *testing.T) {
	writer := &fakeWriter{}
	notifier := newKafkaNotifier(writer, "site-a", nil)
	notifier.Notify(context.Background(), sampleNotification(2))

	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.messages))
	}
	msg := writer.messages[0]
	if string(msg.Key) != "site-a" || !msg.Time.Equal(sampleNotification(2).At) {
		t.Fatalf("unexpected message metadata %+v", msg)
	}
	var decoded Message
	if err := json.Unmarshal(msg.Value, &decoded); err != nil || decoded.NewEventCount != 2 {
		t.Fatalf("unexpected payload %s (%v)", msg.Value, err)
	}
	if err := notifier.Close(); err != nil || !writer.closed {
		t.Fatalf("expected writer closed")
	}
}

func TestKafkaNotifierLogsEnqueueFailure(t *testing.T) {
	logger := &recordingLogger{}
	notifier := newKafkaNotifier(&fakeWriter{err: errors.New("queue full")}, "", logger)
	notifier.Notify(context.Background(), sampleNotification(1))
	if !logger.contains("queue full") {
		t.Fatalf("expected enqueue failure logged, got %v", logger.lines)
	}
}

func TestNewKafkaNotifierValidatesConfig(t *testing.T) {
	if _, err := NewKafkaNotifier(KafkaConfig{Brokers: []string{" "}, Topic: "alarms"}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaNotifier(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected error without topic")
	}
	notifier, err := NewKafkaNotifier(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "alarms"})
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	_ = notifier.Close()
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error, complete bool) *fakeToken {
	token := &fakeToken{err: err, done: make(chan struct{})}
	if complete {
		close(token.done)
	}
	return token
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type fakePublisher struct {
	mu           sync.Mutex
	topics       []string
	qos          []byte
	retained     []bool
	payloads     [][]byte
	token        mqtt.Token
	disconnected uint
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.qos = append(p.qos, qos)
	p.retained = append(p.retained, retained)
	p.payloads = append(p.payloads, payload.([]byte))
	return p.token
}

func (p *fakePublisher) Disconnect(quiesce uint) {
	p.disconnected = quiesce
}

func TestMQTTNotifierPublishes(t *testing.T) {
	pub := &fakePublisher{token: newFakeToken(nil, true)}
	notifier := newMQTTNotifier(pub, MQTTConfig{Topic: " alarmfeed/state ", QoS: 1, Retained: true}, time.Second)
	notifier.Notify(context.Background(), sampleNotification(5))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != 1 || pub.topics[0] != "alarmfeed/state" || pub.qos[0] != 1 || !pub.retained[0] {
		t.Fatalf("unexpected publish %v %v %v", pub.topics, pub.qos, pub.retained)
	}
	var decoded Message
	if err := json.Unmarshal(pub.payloads[0], &decoded); err != nil || decoded.NewEventCount != 5 {
		t.Fatalf("unexpected payload %s (%v)", pub.payloads[0], err)
	}
	notifier.Close()
	if pub.disconnected != 250 {
		t.Fatalf("expected disconnect with quiesce 250, got %d", pub.disconnected)
	}
}

func TestMQTTNotifierDoesNotBlockOnStalledBroker(t *testing.T) {
	logger := &recordingLogger{}
	pub := &fakePublisher{token: newFakeToken(nil, false)}
	notifier := newMQTTNotifier(pub, MQTTConfig{Topic: "t", Logger: logger}, 20*time.Millisecond)

	returned := make(chan struct{})
	go func() {
		notifier.Notify(context.Background(), sampleNotification(1))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("expected Notify to return without waiting on the broker")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !logger.contains("timed out") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !logger.contains("timed out") {
		t.Fatalf("expected publish timeout logged")
	}
}

func TestMQTTNotifierLogsPublishError(t *testing.T) {
	logger := &recordingLogger{}
	pub := &fakePublisher{token: newFakeToken(errors.New("not authorized"), true)}
	notifier := newMQTTNotifier(pub, MQTTConfig{Topic: "t", Logger: logger}, time.Second)
	notifier.Notify(context.Background(), sampleNotification(1))
	deadline := time.Now().Add(2 * time.Second)
	for !logger.contains("not authorized") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !logger.contains("not authorized") {
		t.Fatalf("expected publish error logged")
	}
}

func TestNewMQTTNotifierValidatesConfig(t *testing.T) {
	if _, err := NewMQTTNotifier(MQTTConfig{Topic: "t"}); err == nil {
		t.Fatalf("expected error without broker")
	}
	if _, err := NewMQTTNotifier(MQTTConfig{Broker: "tcp://localhost:1883", Topic: "t", QoS: 3}); err == nil {
		t.Fatalf("expected error for qos 3")
	}
}

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() != want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != want {
		t.Fatalf("expected %d clients, got %d", want, hub.Clients())
	}
}

func TestHubBroadcastsAndReplaysLastState(t *testing.T) {
	hub := NewHub(HubOptions{})
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	hub.Notify(context.Background(), sampleNotification(1))

	conn := dialHub(t, server)
	defer conn.Close(websocket.StatusNormalClosure, "")
	if msg := readMessage(t, conn); msg.Type != MessageType || msg.NewEventCount != 1 {
		t.Fatalf("expected last state on connect, got %+v", msg)
	}

	waitForClients(t, hub, 1)
	hub.Notify(context.Background(), sampleNotification(7))
	if msg := readMessage(t, conn); msg.NewEventCount != 7 || msg.Total != 17 {
		t.Fatalf("expected broadcast, got %+v", msg)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, hub, 0)
}

func TestHubKeepsHighestSequence(t *testing.T) {
	hub := NewHub(HubOptions{Logger: &recordingLogger{}})
	send := make(chan []byte, 4)
	hub.clients["observer"] = send

	newer := sampleNotification(5)
	newer.Seq = 2
	older := sampleNotification(0)
	older.Seq = 1
	hub.Notify(context.Background(), newer)
	hub.Notify(context.Background(), older)

	if len(send) != 1 {
		t.Fatalf("expected only the newer notification delivered, got %d", len(send))
	}
	var replay Message
	if err := json.Unmarshal(hub.last, &replay); err != nil {
		t.Fatalf("decode last state: %v", err)
	}
	if replay.Seq != 2 || replay.NewEventCount != 5 {
		t.Fatalf("expected last state seq 2 count 5, got %+v", replay)
	}

	hub.Notify(context.Background(), sampleNotification(9))
	if len(send) != 2 {
		t.Fatalf("expected unsequenced notification delivered, got %d", len(send))
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	logger := &recordingLogger{}
	hub := NewHub(HubOptions{ClientBuffer: 1, Logger: logger})
	send := make(chan []byte, 1)
	hub.clients["slow"] = send

	hub.Notify(context.Background(), sampleNotification(1))
	hub.Notify(context.Background(), sampleNotification(2))

	if hub.Clients() != 0 {
		t.Fatalf("expected slow client dropped, got %d clients", hub.Clients())
	}
	<-send
	if _, open := <-send; open {
		t.Fatalf("expected dropped client channel closed")
	}
	if !logger.contains("slow") {
		t.Fatalf("expected drop logged")
	}
}

func TestHubCloseRejectsNewClients(t *testing.T) {
	hub := NewHub(HubOptions{})
	server := httptest.NewServer(hub)
	defer server.Close()
	hub.Close()

	conn := dialHub(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got %v", err)
	}
	if hub.Clients() != 0 {
		t.Fatalf("expected no clients after close")
	}
}
