package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtDexters-Lab/trainlink/internal/auth"
	"github.com/AtDexters-Lab/trainlink/internal/protocol"
	"github.com/AtDexters-Lab/trainlink/internal/registry"
	"github.com/glycerine/idem"
	"github.com/google/uuid"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultReadTimeout      = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultDialTimeout      = 5 * time.Second

	readBufferSize = 4096
)

// Handler receives every application message from every peer. It may be
// invoked concurrently from the read loops of different connections.
type Handler func(msg protocol.Message, fromPeer string)

// Options tunes a Manager. Zero durations select the defaults above.
type Options struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	DialTimeout      time.Duration

	// Auth, when set, requires a valid token in both handshake frames.
	Auth auth.Authenticator
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	return o
}

// Manager owns every live connection of this node, keyed by peer identity,
// and runs the handshake in both the accepting and the initiating role.
type Manager struct {
	registry *registry.Registry
	opts     Options
	handler  atomic.Pointer[Handler]
	halt     *idem.Halter

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager creates a connection manager for the identities in reg.
func NewManager(reg *registry.Registry, opts Options) *Manager {
	return &Manager{
		registry: reg,
		opts:     opts.withDefaults(),
		halt:     idem.NewHalter(),
		conns:    make(map[string]*connection),
	}
}

// SetHandler installs the callback for application messages.
func (m *Manager) SetHandler(h Handler) {
	if h == nil {
		m.handler.Store(nil)
		return
	}
	m.handler.Store(&h)
}

// AcceptHandshake reads the handshake frame of a freshly accepted connection
// and either registers the peer or rejects and closes the socket. Rejections
// are normal traffic; the returned error is only meant for logging.
func (m *Manager) AcceptHandshake(conn net.Conn) error {
	remote := conn.RemoteAddr().String()
	local := m.registry.LocalID()

	if m.halt.ReqStop.IsClosed() {
		m.reject(conn, "", "node is shutting down")
		return ErrClosed
	}

	msg, rest, err := readFrame(context.Background(), conn, m.opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake from %s: %w", remote, err)
	}

	hs, ok := protocol.ParseHandshake(msg)
	if !ok {
		m.reject(conn, "", "expected handshake frame")
		return fmt.Errorf("%w: first frame from %s is not a handshake", ErrHandshakeRejected, remote)
	}
	if !m.registry.IsAllowed(hs.UIID) {
		m.reject(conn, hs.UIID, "identity not allowed")
		return fmt.Errorf("%w: '%s' from %s is not in the allow-list", ErrHandshakeRejected, hs.UIID, remote)
	}

	var ackToken string
	if m.opts.Auth != nil {
		if _, err := m.opts.Auth.Validate(hs.Token, hs.UIID, local); err != nil {
			m.reject(conn, hs.UIID, "authentication failed")
			return fmt.Errorf("%w: '%s' from %s: %v", ErrHandshakeRejected, hs.UIID, remote, err)
		}
		if ackToken, err = m.opts.Auth.Issue(local, hs.UIID); err != nil {
			m.reject(conn, hs.UIID, "internal error")
			return fmt.Errorf("issue ack token for '%s': %w", hs.UIID, err)
		}
	}

	ack, err := protocol.Encode(protocol.HandshakeAck{
		Type:   protocol.TypeHandshakeAck,
		Status: protocol.StatusAccepted,
		UIID:   local,
		Token:  ackToken,
	})
	if err != nil {
		conn.Close()
		return err
	}

	c := newConnection(hs.UIID, conn, false, rest)

	// Hold the write lock so no application frame can overtake the ack.
	c.writeMu.Lock()
	outcome := m.register(c)
	if outcome == closed {
		c.writeMu.Unlock()
		return ErrClosed
	}
	err = c.writeLocked(ack, m.opts.WriteTimeout)
	c.writeMu.Unlock()
	if outcome == superseded {
		// The initiator sees the accepted ack, finds the surviving connection
		// and drops this socket from its side as well.
		c.close()
		return nil
	}
	if err != nil {
		m.deregister(c, "failed to send handshake ack")
		return fmt.Errorf("send handshake ack to '%s': %w", hs.UIID, err)
	}

	go m.readLoop(c)
	return nil
}

// Connect dials addr and performs the handshake as initiator. Connecting to
// a peer that already has a live connection is a successful no-op.
func (m *Manager) Connect(ctx context.Context, addr string, peerID string) error {
	if !m.registry.IsAllowed(peerID) {
		return fmt.Errorf("connect to '%s': %w", peerID, ErrNotAllowed)
	}
	if m.halt.ReqStop.IsClosed() {
		return ErrClosed
	}
	if m.Connected(peerID) {
		log.Printf("DEBUG: [PEER] Already connected to '%s'; skipping dial to %s", peerID, addr)
		return nil
	}

	local := m.registry.LocalID()
	dialer := net.Dialer{Timeout: m.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return m.classify(ctx, peerID, "dial", err)
	}

	// Cancelling ctx aborts any pending handshake I/O.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	fail := func(stage string, err error) error {
		stop()
		conn.Close()
		return m.classify(ctx, peerID, stage, err)
	}

	hs := protocol.Handshake{Type: protocol.TypeHandshake, UIID: local}
	if m.opts.Auth != nil {
		if hs.Token, err = m.opts.Auth.Issue(local, peerID); err != nil {
			return fail("issue token", err)
		}
	}
	frame, err := protocol.Encode(hs)
	if err != nil {
		return fail("encode handshake", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return fail("send handshake", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fail("send handshake", err)
	}

	msg, rest, err := readFrame(ctx, conn, m.opts.HandshakeTimeout)
	if err != nil {
		return fail("read handshake ack", err)
	}
	ack, ok := protocol.ParseHandshakeAck(msg)
	if !ok {
		return fail("read handshake ack", errors.New("response is not a handshake ack"))
	}
	if ack.Status != protocol.StatusAccepted {
		reason := ack.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return fail("handshake", fmt.Errorf("rejected by '%s': %s", ack.UIID, reason))
	}
	if ack.UIID != peerID {
		return fail("handshake", fmt.Errorf("expected '%s' but '%s' answered", peerID, ack.UIID))
	}
	if m.opts.Auth != nil {
		if _, err := m.opts.Auth.Validate(ack.Token, peerID, local); err != nil {
			return fail("handshake", err)
		}
	}

	if !stop() {
		// The cancellation callback already fired; the handshake still won.
		_ = conn.SetDeadline(time.Time{})
	}

	c := newConnection(peerID, conn, true, rest)
	switch m.register(c) {
	case closed:
		return ErrClosed
	case superseded:
		c.close()
		return nil
	}
	go m.readLoop(c)
	return nil
}

// Send writes msg to peerID without waiting for any reply. A failed write
// tears the connection down.
func (m *Manager) Send(peerID string, msg protocol.Message) error {
	if !m.registry.IsAllowed(peerID) {
		return fmt.Errorf("send to '%s': %w", peerID, ErrNotAllowed)
	}
	c := m.lookup(peerID)
	if c == nil {
		return fmt.Errorf("send to '%s': %w", peerID, ErrNotConnected)
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if err := c.write(frame, m.opts.WriteTimeout); err != nil {
		log.Printf("WARN: [PEER] Failed to write to %s: %v", c, err)
		m.deregister(c, "write failed")
		return fmt.Errorf("%w: '%s': %v", ErrSendFailed, peerID, err)
	}
	return nil
}

// Connected reports whether a live connection to peerID exists.
func (m *Manager) Connected(peerID string) bool {
	return m.lookup(peerID) != nil
}

// ConnectionID returns the id of the live connection to peerID.
func (m *Manager) ConnectionID(peerID string) (uuid.UUID, bool) {
	c := m.lookup(peerID)
	if c == nil {
		return uuid.Nil, false
	}
	return c.id, true
}

// Peers returns the identities with a live connection, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.conns))
	for id := range m.conns {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Close tears down every connection. It is safe to call more than once.
func (m *Manager) Close() {
	m.halt.ReqStop.Close()

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	for _, c := range conns {
		if c.close() {
			log.Printf("INFO: [PEER] Connection %s closed on shutdown.", c)
		}
	}
	m.halt.Done.Close()
}

func (m *Manager) lookup(peerID string) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[peerID]
}

type registration int

const (
	registered registration = iota
	// superseded means a crossing connection to the same peer won the
	// tie-break; c was not registered and must be closed by the caller.
	superseded
	closed
)

// register makes c the connection for its peer. An existing connection is
// replaced and closed unless it wins the tie-break in keepsExisting.
func (m *Manager) register(c *connection) registration {
	m.mu.Lock()
	if m.halt.ReqStop.IsClosed() {
		m.mu.Unlock()
		c.close()
		return closed
	}
	old := m.conns[c.peerID]
	if old != nil && m.keepsExisting(old, c) {
		m.mu.Unlock()
		log.Printf("INFO: [PEER] Keeping %s; dropping crossing connection %s", old, c)
		return superseded
	}
	m.conns[c.peerID] = c
	m.mu.Unlock()

	if old != nil {
		log.Printf("WARN: [PEER] New handshake from '%s' replaces connection %s", c.peerID, old.id)
		old.close()
	}
	log.Printf("INFO: [PEER] Connection %s is now active.", c)
	return registered
}

// keepsExisting decides between two live connections to the same peer.
// When both nodes dial each other at once, each ends up with one inbound
// and one outbound connection established within a handshake timeout of
// each other. Both nodes then keep the connection initiated by the
// lexically smaller identity. Anything else is a reconnect, and the newer
// connection wins.
func (m *Manager) keepsExisting(old, c *connection) bool {
	if old.outbound == c.outbound || old.isClosed() {
		return false
	}
	if c.established.Sub(old.established) > m.opts.HandshakeTimeout {
		return false
	}
	preferred := min(m.registry.LocalID(), c.peerID)
	return initiator(old, m.registry.LocalID()) == preferred
}

func initiator(c *connection, localID string) string {
	if c.outbound {
		return localID
	}
	return c.peerID
}

// deregister removes c, unless it has already been replaced, and closes it.
func (m *Manager) deregister(c *connection, reason string) {
	m.mu.Lock()
	if cur, ok := m.conns[c.peerID]; ok && cur == c {
		delete(m.conns, c.peerID)
	}
	m.mu.Unlock()

	if c.close() {
		log.Printf("INFO: [PEER] Connection %s has been terminated: %s", c, reason)
	}
}

func (m *Manager) reject(conn net.Conn, peerID, reason string) {
	defer conn.Close()
	log.Printf("WARN: [PEER] Rejecting handshake from %s (ui_id '%s'): %s", conn.RemoteAddr(), peerID, reason)
	frame, err := protocol.Encode(protocol.HandshakeAck{
		Type:   protocol.TypeHandshakeAck,
		Status: protocol.StatusRejected,
		UIID:   m.registry.LocalID(),
		Reason: reason,
	})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	_, _ = conn.Write(frame)
}

func (m *Manager) readLoop(c *connection) {
	reason := "read loop stopped"
	defer func() { m.deregister(c, reason) }()

	var dec protocol.Decoder
	m.dispatch(c, dec.Feed(c.pending))
	c.pending = nil

	buf := make([]byte, readBufferSize)
	for {
		if m.halt.ReqStop.IsClosed() || c.isClosed() {
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout)); err != nil {
			reason = fmt.Sprintf("set read deadline: %v", err)
			return
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			m.dispatch(c, dec.Feed(buf[:n]))
		}
		if err != nil {
			if isTimeout(err) && !c.isClosed() {
				// Idle; loop around to re-check the running flag.
				continue
			}
			switch {
			case errors.Is(err, io.EOF):
				reason = "closed by peer"
			case c.isClosed() || errors.Is(err, net.ErrClosed):
				reason = "closed locally"
			default:
				reason = fmt.Sprintf("read error: %v", err)
			}
			return
		}
	}
}

func (m *Manager) dispatch(c *connection, msgs []protocol.Message) {
	for _, msg := range msgs {
		if protocol.IsHandshake(msg) {
			log.Printf("DEBUG: [PEER] Ignoring handshake frame from established connection %s", c)
			continue
		}
		m.deliver(c, msg)
	}
}

func (m *Manager) deliver(c *connection, msg protocol.Message) {
	h := m.handler.Load()
	if h == nil {
		log.Printf("WARN: [PEER] No message handler installed; dropping message from '%s'", c.peerID)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: [PEER] Message handler panicked on message from '%s': %v", c.peerID, r)
		}
	}()
	(*h)(msg, c.peerID)
}

func (m *Manager) classify(ctx context.Context, peerID, stage string, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s '%s': %v", ErrTimeout, stage, peerID, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%s '%s': %w", stage, peerID, ctx.Err())
	case isTimeout(err):
		return fmt.Errorf("%w: %s '%s': %v", ErrTimeout, stage, peerID, err)
	default:
		return fmt.Errorf("%w: %s '%s': %v", ErrConnectionRefused, stage, peerID, err)
	}
}

// readFrame blocks until one complete frame has arrived, timeout expires or
// ctx's deadline passes. Bytes received after that frame are returned as rest.
func readFrame(ctx context.Context, conn net.Conn, timeout time.Duration) (protocol.Message, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	var dec protocol.Decoder
	chunk := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			dec.Write(chunk[:n])
			msg, perr := dec.Next()
			if perr == nil {
				return msg, dec.Buffered(), nil
			}
			if !errors.Is(perr, protocol.ErrIncomplete) {
				return nil, nil, perr
			}
		}
		if err != nil {
			if isTimeout(err) {
				return nil, nil, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return nil, nil, err
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
