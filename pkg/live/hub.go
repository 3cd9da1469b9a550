// Package live fans decimated chunk updates out to connected viewers.
//
// The hub keeps no history: a viewer that connects after a chunk was broadcast
// never sees it and has to fetch the historical series instead.
package live

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nicktill/tinysense/pkg/config"
)

// Session is one connected viewer.
type Session interface {
	// Send delivers one serialized message. Implementations bound the time spent.
	Send(data []byte) error

	// Close ends the session
	Close() error
}

// viewer pairs a session with its outbound queue. A single writer goroutine
// drains the queue, so messages reach each viewer in broadcast order.
type viewer struct {
	id      string
	session Session
	queue   chan []byte
}

// Hub manages viewer sessions for real-time chunk streaming. Broadcast only
// enqueues; sends happen on each viewer's writer goroutine.
type Hub struct {
	viewers map[string]*viewer
	closed  bool
	mu      sync.RWMutex

	connected prometheus.Gauge
	delivered prometheus.Counter
	dropped   prometheus.Counter
	pruned    prometheus.Counter
}

// NewHub creates an empty hub. reg may be nil.
func NewHub(reg prometheus.Registerer) *Hub {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Hub{
		viewers: make(map[string]*viewer),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tinysense_live_sessions",
			Help: "Connected live viewers",
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinysense_live_messages_delivered_total",
			Help: "Messages written to live viewers",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinysense_live_messages_dropped_total",
			Help: "Messages skipped because a viewer's queue was full",
		}),
		pruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinysense_live_sessions_pruned_total",
			Help: "Viewers dropped after a failed send",
		}),
	}
}

// Register adds a session and returns its generated id. A closed hub closes
// the session right away and returns "".
func (h *Hub) Register(s Session) string {
	v := &viewer{
		id:      uuid.NewString(),
		session: s,
		queue:   make(chan []byte, config.WSSendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Close()
		return ""
	}
	h.viewers[v.id] = v
	count := len(h.viewers)
	h.mu.Unlock()

	go h.writeLoop(v)

	h.connected.Set(float64(count))
	log.Printf("Live viewer %s connected (total: %d)", v.id, count)
	return v.id
}

// Unregister removes and closes a session. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	v, ok := h.viewers[id]
	if ok {
		delete(h.viewers, id)
		close(v.queue)
	}
	count := len(h.viewers)
	h.mu.Unlock()

	if !ok {
		return
	}
	v.session.Close()
	h.connected.Set(float64(count))
	log.Printf("Live viewer %s disconnected (total: %d)", id, count)
}

// writeLoop sends queued messages until the queue is closed or a send fails.
// A failed viewer is pruned; the broadcaster never sees the error.
func (h *Hub) writeLoop(v *viewer) {
	for data := range v.queue {
		if err := v.session.Send(data); err != nil {
			log.Printf("Live viewer %s send error: %v", v.id, err)
			h.pruned.Inc()
			h.Unregister(v.id)
			return
		}
		h.delivered.Inc()
	}
}

// Broadcast serializes msg once and queues it for every session without
// waiting on any of them. A viewer whose queue is full misses this message.
// The only error is a message that cannot be serialized.
func (h *Hub) Broadcast(ctx context.Context, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.viewers {
		select {
		case v.queue <- data:
		default:
			h.dropped.Inc()
		}
	}
	return nil
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Close disconnects every session. Later registrations are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	viewers := h.viewers
	h.viewers = make(map[string]*viewer)
	h.closed = true
	for _, v := range viewers {
		close(v.queue)
	}
	h.mu.Unlock()

	for _, v := range viewers {
		v.session.Close()
	}
	h.connected.Set(0)
	if len(viewers) > 0 {
		log.Printf("Live hub closed, disconnected %d viewers", len(viewers))
	}
}
