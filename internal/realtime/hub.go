// Package realtime carries frames between WebSocket clients and the room
// services. The Hub implements room broadcast and per-user unicast delivery.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/rooms"
	"github.com/roomcast/backend/internal/sessions"
)

const gateTimeout = 2 * time.Second

// RoomFinder loads the current state of a room.
type RoomFinder interface {
	Find(ctx context.Context, roomID string) (models.Room, error)
}

var (
	// ErrNotConnected indicates the user has no registered live connection.
	ErrNotConnected = errors.New("user has no registered connection")
	// ErrBackpressure indicates a client's outbound buffer is full.
	ErrBackpressure = errors.New("client send buffer full")
	// ErrClosed indicates the client connection has been closed.
	ErrClosed = errors.New("client connection closed")
)

// Hub tracks live connections and the rooms they subscribe to.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	rooms    map[string]map[string]*Client
	sessions *sessions.Registry
	gate     RoomFinder
	logger   *slog.Logger
}

func NewHub(registry *sessions.Registry, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = sessions.NewRegistry(logger)
	}
	return &Hub{
		clients:  make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		sessions: registry,
		logger:   logger.With(slog.String("module", "realtime")),
	}
}

// WithRoomGate makes Broadcast re-check CanAct for every subscriber against
// the current room, so members who left or rooms that closed stop receiving.
func (h *Hub) WithRoomGate(finder RoomFinder) *Hub {
	h.gate = finder
	return h
}

// Sessions returns the registry binding users to connections.
func (h *Hub) Sessions() *sessions.Registry {
	return h.sessions
}

func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.register(c)
}

// register binds the client's user to this connection, evicting older ones.
func (h *Hub) register(c *Client) {
	h.sessions.Register(c.userID, c.id)
}

// detach drops the client from every room and the session registry.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for roomID, subscribers := range h.rooms {
		delete(subscribers, c.id)
		if len(subscribers) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
	h.sessions.Unregister(c.id)
}

func (h *Hub) subscribe(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers, ok := h.rooms[roomID]
	if !ok {
		subscribers = make(map[string]*Client)
		h.rooms[roomID] = subscribers
	}
	subscribers[c.id] = c
}

func (h *Hub) unsubscribe(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subscribers, ok := h.rooms[roomID]; ok {
		delete(subscribers, c.id)
		if len(subscribers) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Subscribers reports how many connections follow roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast sends frame to every connection subscribed to roomID. Slow
// subscribers miss the frame rather than stall the room.
func (h *Hub) Broadcast(roomID string, frame models.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}

	h.mu.RLock()
	targets := lo.Values(h.rooms[roomID])
	h.mu.RUnlock()

	targets, err = h.admitted(roomID, targets)
	if err != nil {
		return err
	}

	dropped := 0
	for _, c := range targets {
		if err := c.trySend(data); err != nil {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("broadcast dropped for slow clients", "roomId", roomID, "type", frame.Type, "dropped", dropped)
	}
	return nil
}

// admitted filters targets through CanAct and unsubscribes the rest. Without
// a gate every subscriber is admitted.
func (h *Hub) admitted(roomID string, targets []*Client) ([]*Client, error) {
	if h.gate == nil || len(targets) == 0 {
		return targets, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gateTimeout)
	defer cancel()
	room, err := h.gate.Find(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room %s for broadcast: %w", roomID, err)
	}

	allowed, revoked := lo.FilterReject(targets, func(c *Client, _ int) bool {
		return rooms.CanAct(room, c.userID)
	})
	if len(revoked) == 0 {
		return allowed, nil
	}

	notice, err := json.Marshal(models.Frame{Type: FrameUnsubscribed, RoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", FrameUnsubscribed, err)
	}
	for _, c := range revoked {
		h.unsubscribe(c, roomID)
		_ = c.trySend(notice)
		h.logger.Info("subscription revoked", "roomId", roomID, "userId", c.userID, "conn_id", c.id)
	}
	return allowed, nil
}

// Unicast sends frame to the connection registered for userID.
func (h *Hub) Unicast(userID string, frame models.Frame) error {
	connID, ok := h.sessions.LookupConnection(userID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, userID)
	}

	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, userID)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	return c.trySend(data)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := lo.Values(h.clients)
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}
