package iface

import (
	"net"

	"github.com/AtDexters-Lab/trainlink/internal/protocol"
)

// Direction tells a Tap which way a message travelled.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Tap observes application messages after they were delivered to the local
// callback (Inbound) or written to a peer (Outbound). Implementations must
// not block and may be called from several goroutines at once.
type Tap interface {
	Record(dir Direction, peerID string, msg protocol.Message)
}

// HandshakeAcceptor takes ownership of a freshly accepted raw connection.
type HandshakeAcceptor interface {
	AcceptHandshake(conn net.Conn) error
}
