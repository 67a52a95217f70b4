package server

import (
	"time"

	"github.com/AtDexters-Lab/trainlink/internal/iface"
)

type settings struct {
	host             string
	maxPeers         int
	secret           string
	tokenTTL         time.Duration
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	dialTimeout      time.Duration
	taps             []iface.Tap
}

// Option customises a PeerServer at construction time.
type Option func(*settings)

// WithHost binds the listener to host instead of every interface.
func WithHost(host string) Option {
	return func(s *settings) { s.host = host }
}

// WithMaxPeers caps the allow-list. Zero keeps the default.
func WithMaxPeers(n int) Option {
	return func(s *settings) { s.maxPeers = n }
}

// WithHandshakeSecret enables signed handshakes. Both sides must share it.
func WithHandshakeSecret(secret string, ttl time.Duration) Option {
	return func(s *settings) {
		s.secret = secret
		s.tokenTTL = ttl
	}
}

// WithTimeouts overrides the socket timeouts. Zero values keep the defaults.
func WithTimeouts(handshake, read, write, dial time.Duration) Option {
	return func(s *settings) {
		s.handshakeTimeout = handshake
		s.readTimeout = read
		s.writeTimeout = write
		s.dialTimeout = dial
	}
}

// WithTap adds an observer for delivered and sent messages.
func WithTap(t iface.Tap) Option {
	return func(s *settings) {
		if t != nil {
			s.taps = append(s.taps, t)
		}
	}
}
