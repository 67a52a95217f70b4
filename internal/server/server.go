package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/AtDexters-Lab/trainlink/internal/auth"
	"github.com/AtDexters-Lab/trainlink/internal/iface"
	"github.com/AtDexters-Lab/trainlink/internal/listener"
	"github.com/AtDexters-Lab/trainlink/internal/peer"
	"github.com/AtDexters-Lab/trainlink/internal/protocol"
	"github.com/AtDexters-Lab/trainlink/internal/registry"
)

// Errors surfaced to the application. The connection errors are the ones
// produced by the connection manager, so errors.Is works with either name.
var (
	ErrNotAllowed        = peer.ErrNotAllowed
	ErrConnectionRefused = peer.ErrConnectionRefused
	ErrTimeout           = peer.ErrTimeout
	ErrSendFailed        = peer.ErrSendFailed
	ErrNotConnected      = peer.ErrNotConnected

	ErrNotStarted     = errors.New("peer server not started")
	ErrAlreadyStarted = errors.New("peer server already started")
	ErrStopped        = errors.New("peer server stopped")
)

// MessageHandler is called once per application message from any peer.
type MessageHandler func(msg protocol.Message, fromPeer string)

type lifecycle int

const (
	created lifecycle = iota
	running
	stopped
)

// PeerServer is one subsystem's endpoint on the peer network. It accepts
// inbound connections from allowed peers, dials peers on request and moves
// application messages in both directions.
type PeerServer struct {
	localID string
	port    int
	cfg     settings

	registry *registry.Registry
	manager  *peer.Manager
	listener *listener.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state lifecycle
}

// New builds a PeerServer for localID that will listen on port. Nothing is
// bound until Start.
func New(localID string, port int, opts ...Option) (*PeerServer, error) {
	if localID == "" {
		return nil, errors.New("local identity must not be empty")
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}

	mopts := peer.Options{
		HandshakeTimeout: cfg.handshakeTimeout,
		ReadTimeout:      cfg.readTimeout,
		WriteTimeout:     cfg.writeTimeout,
		DialTimeout:      cfg.dialTimeout,
	}
	if cfg.secret != "" {
		a, err := auth.NewHMAC(cfg.secret, cfg.tokenTTL)
		if err != nil {
			return nil, err
		}
		mopts.Auth = a
	}

	reg := registry.New(localID, nil, cfg.maxPeers)
	mgr := peer.NewManager(reg, mopts)
	ctx, cancel := context.WithCancel(context.Background())

	return &PeerServer{
		localID:  localID,
		port:     port,
		cfg:      cfg,
		registry: reg,
		manager:  mgr,
		listener: listener.New(mgr),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// LocalID returns this node's identity.
func (s *PeerServer) LocalID() string { return s.localID }

// SetAllowedPeers replaces the allow-list. It must be called before Start.
func (s *PeerServer) SetAllowedPeers(peers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case running:
		return fmt.Errorf("set allowed peers: %w", ErrAlreadyStarted)
	case stopped:
		return fmt.Errorf("set allowed peers: %w", ErrStopped)
	}
	s.registry.SetAllowed(peers)
	return nil
}

// AllowedPeers returns the effective allow-list.
func (s *PeerServer) AllowedPeers() []string {
	return s.registry.Peers()
}

// Start installs onMessage and begins accepting peers.
func (s *PeerServer) Start(onMessage MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case running:
		return ErrAlreadyStarted
	case stopped:
		return ErrStopped
	}

	s.manager.SetHandler(func(msg protocol.Message, from string) {
		if onMessage != nil {
			onMessage(msg, from)
		}
		s.tap(iface.Inbound, from, msg)
	})

	addr := net.JoinHostPort(s.cfg.host, strconv.Itoa(s.port))
	if err := s.listener.Start(addr); err != nil {
		s.manager.SetHandler(nil)
		return err
	}
	s.state = running
	log.Printf("INFO: [SERVER] '%s' started; allowed peers: %v", s.localID, s.registry.Peers())
	return nil
}

// ConnectTo dials host:port and blocks until the handshake with peerID has
// completed or failed. An existing connection to peerID counts as success.
func (s *PeerServer) ConnectTo(ctx context.Context, host string, port int, peerID string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if err := s.manager.Connect(ctx, addr, peerID); err != nil {
		if errors.Is(err, peer.ErrClosed) {
			return ErrStopped
		}
		log.Printf("WARN: [SERVER] Connect to '%s' at %s failed: %v", peerID, addr, err)
		return err
	}
	return nil
}

// ConnectAsync runs ConnectTo in the background. The returned channel
// yields exactly one value. Stop cancels attempts still in flight.
func (s *PeerServer) ConnectAsync(host string, port int, peerID string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.ConnectTo(s.ctx, host, port, peerID)
	}()
	return done
}

// SendTo writes msg to peerID. It never waits for a reply.
func (s *PeerServer) SendTo(peerID string, msg protocol.Message) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if err := s.manager.Send(peerID, msg); err != nil {
		return err
	}
	s.tap(iface.Outbound, peerID, msg)
	return nil
}

// ConnectedPeers returns the identities with a live connection, sorted.
func (s *PeerServer) ConnectedPeers() []string {
	return s.manager.Peers()
}

// IsConnected reports whether peerID has a live connection.
func (s *PeerServer) IsConnected(peerID string) bool {
	return s.manager.Connected(peerID)
}

// Addr returns the bound listen address, or nil before Start.
func (s *PeerServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes every connection and the listener. It is idempotent and the
// server cannot be started again afterwards.
func (s *PeerServer) Stop() {
	s.mu.Lock()
	if s.state == stopped {
		s.mu.Unlock()
		return
	}
	wasRunning := s.state == running
	s.state = stopped
	s.mu.Unlock()

	s.cancel()
	s.manager.Close()
	s.listener.Stop()
	if wasRunning {
		log.Printf("INFO: [SERVER] '%s' stopped.", s.localID)
	}
}

func (s *PeerServer) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case created:
		return ErrNotStarted
	case stopped:
		return ErrStopped
	}
	return nil
}

func (s *PeerServer) tap(dir iface.Direction, peerID string, msg protocol.Message) {
	for _, t := range s.cfg.taps {
		t.Record(dir, peerID, msg)
	}
}
