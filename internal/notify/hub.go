package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/alarmfeed/internal/feedsync"
)

const (
	defaultClientBuffer = 16
	defaultWriteTimeout = 5 * time.Second
)

type HubOptions struct {
	// OriginPatterns is passed to websocket.Accept; empty allows same-origin only.
	OriginPatterns []string
	ClientBuffer   int
	WriteTimeout   time.Duration
	Logger         Logger
}

// Hub pushes every notification to connected websocket observers. A client
// whose buffer is full is disconnected instead of stalling the sender.
type Hub struct {
	opts HubOptions

	mu      sync.Mutex
	clients map[string]chan []byte
	last    []byte
	lastSeq uint64
	closed  bool
}

func NewHub(opts HubOptions) *Hub {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = defaultClientBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{opts: opts, clients: map[string]chan []byte{}}
}

func (h *Hub) Notify(_ context.Context, n feedsync.Notification) {
	payload, err := encode(n)
	if err != nil {
		logf(h.opts.Logger, "encode notification failed: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// Unsequenced notifications (Seq 0) are always delivered.
	if n.Seq != 0 && n.Seq < h.lastSeq {
		logf(h.opts.Logger, "discarding out-of-order notification seq %d (have %d)", n.Seq, h.lastSeq)
		return
	}
	if n.Seq != 0 {
		h.lastSeq = n.Seq
	}
	h.last = payload
	for id, send := range h.clients {
		select {
		case send <- payload:
		default:
			delete(h.clients, id)
			close(send)
			logf(h.opts.Logger, "dropping slow websocket client %s", id)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, send := range h.clients {
		delete(h.clients, id)
		close(send)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		logf(h.opts.Logger, "websocket accept failed: %v", err)
		return
	}
	id, send, ok := h.register()
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(id)

	// Observers never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case payload, open := <-send:
			if !open {
				_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			if err := h.write(ctx, conn, payload); err != nil {
				if !errors.Is(err, context.Canceled) {
					logf(h.opts.Logger, "websocket write to %s failed: %v", id, err)
				}
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (h *Hub) register() (string, chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", nil, false
	}
	id := uuid.NewString()
	send := make(chan []byte, h.opts.ClientBuffer)
	if h.last != nil {
		send <- h.last
	}
	h.clients[id] = send
	return id, send, true
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if send, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(send)
	}
}
