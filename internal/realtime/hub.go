// Package realtime multiplexes conversation rooms over one process-wide push
// connection. A Driver owns the wire (Socket.IO or NATS); the Hub owns the
// room table and routes each incoming event to the handler registered for
// its conversation.
package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tbourn/memora-client/internal/domain"
)

// ErrEmptyRoom is returned when joining or leaving a blank room id.
var ErrEmptyRoom = errors.New("realtime: empty room")

// Handler receives push events for one room.
type Handler func(domain.PushEvent)

// Driver is a push connection that can scope delivery to rooms. Join and
// Leave must be safe to call before Run and while disconnected; drivers
// replay joined rooms when they (re)connect.
type Driver interface {
	Join(room string) error
	Leave(room string) error
	// Run blocks, delivering events until ctx is done or Close is called.
	Run(ctx context.Context, deliver func(domain.PushEvent)) error
	Close() error
}

// Hub is safe for concurrent use.
type Hub struct {
	drv Driver
	log zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]Handler
}

// NewHub returns a Hub over drv.
func NewHub(drv Driver, log zerolog.Logger) *Hub {
	return &Hub{
		drv:   drv,
		log:   log.With().Str("component", "realtime").Logger(),
		rooms: make(map[string]Handler),
	}
}

// Run drives the underlying connection. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.drv.Run(ctx, h.dispatch)
}

// Close shuts the driver down. Registered handlers are dropped.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.rooms = make(map[string]Handler)
	roomsJoined.Set(0)
	h.mu.Unlock()
	return h.drv.Close()
}

// Join registers handler for room, emitting a join only the first time.
// Joining an already-joined room replaces its handler.
func (h *Hub) Join(room string, handler Handler) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrEmptyRoom
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; ok {
		h.rooms[room] = handler
		return nil
	}
	if err := h.drv.Join(room); err != nil {
		return err
	}
	h.rooms[room] = handler
	roomsJoined.Set(float64(len(h.rooms)))
	h.log.Debug().Str("room", room).Msg("joined room")
	return nil
}

// Leave drops room's handler and emits a leave. Leaving a room that is not
// joined is a no-op.
func (h *Hub) Leave(room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrEmptyRoom
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		return nil
	}
	delete(h.rooms, room)
	roomsJoined.Set(float64(len(h.rooms)))
	h.log.Debug().Str("room", room).Msg("left room")
	return h.drv.Leave(room)
}

// Rooms returns the joined rooms, sorted.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for r := range h.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) dispatch(ev domain.PushEvent) {
	h.mu.RLock()
	fn, ok := h.rooms[ev.ConversationID]
	h.mu.RUnlock()
	if !ok {
		eventsRouted.WithLabelValues("unrouted").Inc()
		h.log.Debug().Str("room", ev.ConversationID).Msg("event for unjoined room")
		return
	}
	eventsRouted.WithLabelValues("routed").Inc()
	fn(ev)
}
