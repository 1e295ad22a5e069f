package ws

import (
	"sync"

	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"github.com/google/uuid"
)

// Conn is the server side of one event channel. Rooms and the presence relay
// both write to it; only the socket writer reads.
type Conn struct {
	id     string
	out    chan types.Envelope
	kicked chan struct{}
	once   sync.Once
}

func NewConn(buffer int) *Conn {
	if buffer <= 0 {
		buffer = 32
	}
	return &Conn{
		id:     uuid.NewString(),
		out:    make(chan types.Envelope, buffer),
		kicked: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues env without blocking. A full queue kicks the connection, so a
// slow reader can never stall a room.
func (c *Conn) Send(env types.Envelope) bool {
	select {
	case <-c.kicked:
		return false
	default:
	}
	select {
	case c.out <- env:
		return true
	default:
		c.Kick()
		return false
	}
}

func (c *Conn) Kick() {
	c.once.Do(func() { close(c.kicked) })
}

func (c *Conn) Kicked() <-chan struct{} { return c.kicked }

func (c *Conn) Outgoing() <-chan types.Envelope { return c.out }
