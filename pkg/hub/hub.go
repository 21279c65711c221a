// Package hub pushes simulation snapshots to websocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridtrade/gridtrade/pkg/log"
	"github.com/gridtrade/gridtrade/pkg/types"
)

const defaultWriteTimeout = 5 * time.Second

// conn is the subset of *websocket.Conn the hub writes to.
type conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	id   uint64
	mu   sync.Mutex
	conn conn
}

func (s *subscriber) write(data []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks websocket subscribers and fans snapshots out to them. A
// subscriber whose write fails is closed and removed without affecting the
// others.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu      sync.Mutex
	origins []string
	nextID  uint64
	subs    map[uint64]*subscriber
}

// New returns a Hub that accepts upgrades from any origin until
// AllowOrigins narrows it.
func New() *Hub {
	h := &Hub{
		writeTimeout: defaultWriteTimeout,
		subs:         make(map[uint64]*subscriber),
	}
	h.upgrader.CheckOrigin = h.checkOrigin
	return h
}

// AllowOrigins restricts websocket upgrades to the given origins. No origins
// or "*" accepts any origin.
func (h *Hub) AllowOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.origins = slices.Clone(origins)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.origins) == 0 || slices.Contains(h.origins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.origins, origin)
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// register adds c as a subscriber and writes first to it before any
// concurrent Publish can reach it.
func (h *Hub) register(c conn, first []byte) (*subscriber, error) {
	s := &subscriber{conn: c}
	s.mu.Lock()
	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	h.mu.Unlock()

	err := c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err == nil {
		err = c.WriteMessage(websocket.TextMessage, first)
	}
	s.mu.Unlock()
	if err != nil {
		h.remove(s)
		return nil, err
	}
	return s, nil
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s.id]
	delete(h.subs, s.id)
	h.mu.Unlock()
	if ok {
		s.conn.Close()
	}
}

func (h *Hub) snapshot() []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	return subs
}

// Publish sends snap to every subscriber. Write failures drop the failing
// subscriber and are not returned.
func (h *Hub) Publish(ctx context.Context, snap types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	for _, s := range h.snapshot() {
		if err := s.write(data, h.writeTimeout); err != nil {
			log.Ctx(ctx).WarnContext(
				ctx,
				"dropping websocket subscriber",
				slog.Uint64("subscriber", s.id),
				slog.Any("error", err),
			)
			h.remove(s)
		}
	}
	return nil
}

// Handler upgrades the request, sends the current snapshot and then keeps the
// connection registered until the client goes away. Inbound messages are
// read and discarded.
func (h *Hub) Handler(state func() types.Snapshot) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		c, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response
			log.Ctx(ctx).DebugContext(ctx, "websocket upgrade failed", slog.Any("error", err))
			return
		}

		data, err := json.Marshal(state())
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encode snapshot", slog.Any("error", err))
			c.Close()
			return
		}

		s, err := h.register(c, data)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to send initial snapshot", slog.Any("error", err))
			return
		}
		log.Ctx(ctx).DebugContext(ctx, "websocket subscriber connected", slog.Uint64("subscriber", s.id))

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		h.remove(s)
		log.Ctx(ctx).DebugContext(ctx, "websocket subscriber disconnected", slog.Uint64("subscriber", s.id))
	})
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	for _, s := range h.snapshot() {
		h.remove(s)
	}
	return nil
}
