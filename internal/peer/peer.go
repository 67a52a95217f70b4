package peer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// connection is a live, handshaken stream bound to exactly one peer identity.
type connection struct {
	id          uuid.UUID
	peerID      string
	conn        net.Conn
	outbound    bool
	established time.Time

	// pending holds bytes that arrived behind the handshake frame.
	pending []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConnection(peerID string, conn net.Conn, outbound bool, pending []byte) *connection {
	return &connection{
		id:          uuid.New(),
		peerID:      peerID,
		conn:        conn,
		outbound:    outbound,
		established: time.Now(),
		pending:     append([]byte(nil), pending...),
	}
}

func (c *connection) String() string {
	dir := "inbound"
	if c.outbound {
		dir = "outbound"
	}
	return fmt.Sprintf("'%s' (%s %s, %s)", c.peerID, dir, c.id, c.conn.RemoteAddr())
}

// write sends one encoded frame. Frames from concurrent senders never
// interleave.
func (c *connection) write(frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(frame, timeout)
}

func (c *connection) writeLocked(frame []byte, timeout time.Duration) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(frame)
	return err
}

// close shuts the socket down and reports whether this call did it.
func (c *connection) close() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		_ = c.conn.Close()
	})
	return first
}

func (c *connection) isClosed() bool {
	return c.closed.Load()
}
