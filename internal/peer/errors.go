package peer

import "errors"

var (
	// ErrNotAllowed is returned for peers outside the allow-list.
	ErrNotAllowed = errors.New("peer not in allow-list")
	// ErrNotConnected is returned by Send when no live connection exists.
	ErrNotConnected = errors.New("no live connection to peer")
	// ErrConnectionRefused covers failed dials and rejected or malformed handshakes.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrTimeout is returned when a dial or handshake exceeds its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrSendFailed is returned when a frame could not be written.
	ErrSendFailed = errors.New("send failed")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("connection manager closed")
	// ErrHandshakeRejected is reported by AcceptHandshake for refused peers.
	ErrHandshakeRejected = errors.New("handshake rejected")
)
