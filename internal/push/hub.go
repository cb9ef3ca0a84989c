// Package push fans dashboard changes out to browser clients over
// server-sent events.
package push

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventUpdates  = "updates"
	EventActivity = "activity"

	defaultBuffer    = 16
	defaultHeartbeat = 25 * time.Second
)

type Event struct {
	Name string
	Data []byte
}

// WriteTo writes the event in text/event-stream framing.
func (e Event) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, e.Data)
	return int64(n), err
}

type Subscription struct {
	C    <-chan Event
	ch   chan Event
	hub  *Hub
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub delivers published events to every subscriber. A subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	buffer    int
	heartbeat time.Duration
	dropped   atomic.Uint64
	logger    *slog.Logger
}

type HubOption func(*Hub)

func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHeartbeat sets how often idle streams get a comment line.
func WithHeartbeat(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:      make(map[*Subscription]struct{}),
		buffer:    defaultBuffer,
		heartbeat: defaultHeartbeat,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Publish marshals v once and offers it to every subscriber without
// blocking.
func (h *Hub) Publish(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	h.publishRaw(Event{Name: name, Data: data})
	return nil
}

func (h *Hub) publishRaw(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts events not delivered to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeHTTP streams events to one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	sub := h.Subscribe()
	defer sub.Close()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := ev.WriteTo(w); err != nil {
				h.logger.Debug("push_write_failed", slog.Any("err", err))
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
