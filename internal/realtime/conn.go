package realtime

import (
	"sync"

	"github.com/google/uuid"

	"retro/api/internal/presence"
)

const defaultSendQueue = 64

// Conn is one client connection. Outgoing frames go through a bounded queue
// drained by the transport's writer; a client that falls a full queue behind
// is closed instead of blocking the room.
type Conn struct {
	id     string
	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	userID    string
	userName  string
	sessionID string
}

func NewConn(queue int) *Conn {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	return &Conn{
		id:     uuid.NewString(),
		send:   make(chan []byte, queue),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Outbound is drained by the transport writer.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) Close() {
	c.once.Do(func() { close(c.closed) })
}

// enqueue reports false when the frame was not queued.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.Close()
		return false
	}
}

func (c *Conn) bind(sessionID, userID, userName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.userID = userID
	c.userName = userName
}

func (c *Conn) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
}

// SessionID returns the bound session, or "" when unbound.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) member() presence.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return presence.Member{UserID: c.userID, UserName: c.userName}
}
