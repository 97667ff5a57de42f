// Package realtime carries live session traffic: rooms of connections, the
// join/leave lifecycle, and the relay of session document edits.
package realtime

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"retro/api/internal/presence"
)

// Hub tracks this process's connections and the rooms they are in. Room
// broadcasts are delivered locally and handed to the Bus for other processes.
type Hub struct {
	nodeID string
	bus    Bus
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[*Conn]uint64
	seq   uint64
}

func NewHub(nodeID string, bus Bus, logger *zap.Logger) *Hub {
	if bus == nil {
		bus = LocalBus{}
	}
	return &Hub{
		nodeID: nodeID,
		bus:    bus,
		logger: logger,
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[*Conn]uint64),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// Unregister drops the connection from the hub and from every room.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	for sessionID, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

func (h *Hub) join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sessionID]
	if room == nil {
		room = make(map[*Conn]uint64)
		h.rooms[sessionID] = room
	}
	if _, ok := room[c]; ok {
		return
	}
	h.seq++
	room[c] = h.seq
}

func (h *Hub) leave(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sessionID]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

// roomMembers returns the room's connections in join order.
func (h *Hub) roomMembers(sessionID string) []*Conn {
	h.mu.RLock()
	room := h.rooms[sessionID]
	conns := make([]*Conn, 0, len(room))
	for c := range room {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return room[conns[i]] < room[conns[j]] })
	h.mu.RUnlock()
	return conns
}

// Members lists the local connections bound to sessionID, including those
// that have not identified themselves.
func (h *Hub) Members(_ context.Context, sessionID string) ([]presence.Member, error) {
	conns := h.roomMembers(sessionID)
	members := make([]presence.Member, 0, len(conns))
	for _, c := range conns {
		members = append(members, c.member())
	}
	return members, nil
}

func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendTo queues a frame for one connection only.
func (h *Hub) SendTo(c *Conn, frame []byte) {
	if !c.enqueue(frame) {
		h.logger.Debug("frame not queued", zap.String("conn_id", c.id))
	}
}

// Broadcast sends frame to every connection in the room on every process.
// A non-nil except is skipped.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, except *Conn, frame []byte) {
	env := Envelope{Origin: h.nodeID, SessionID: sessionID, Frame: frame}
	if except != nil {
		env.Except = except.id
	}
	h.deliver(env)
	if err := h.bus.Publish(ctx, env); err != nil {
		h.logger.Warn("room broadcast did not reach other processes",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// Deliver hands a broadcast from another process to local connections.
func (h *Hub) Deliver(env Envelope) {
	if env.Origin == h.nodeID {
		return
	}
	h.deliver(env)
}

func (h *Hub) deliver(env Envelope) {
	for _, c := range h.roomMembers(env.SessionID) {
		if c.id == env.Except {
			continue
		}
		h.SendTo(c, env.Frame)
	}
}
