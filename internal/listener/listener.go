package listener

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/AtDexters-Lab/trainlink/internal/iface"
	"github.com/glycerine/idem"
)

// State is the lifecycle position of a Listener.
type State int

const (
	Idle State = iota
	Listening
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// acceptRetryDelay is the pause after a non-fatal Accept error.
const acceptRetryDelay = 100 * time.Millisecond

var (
	ErrAlreadyStarted = errors.New("listener already started")
	ErrStopped        = errors.New("listener stopped")
)

// Listener accepts inbound peer connections and hands each one to the
// acceptor on its own goroutine.
type Listener struct {
	acceptor iface.HandshakeAcceptor
	halt     *idem.Halter

	mu    sync.Mutex
	state State
	ln    net.Listener
	wg    sync.WaitGroup
}

// New creates an idle Listener.
func New(acceptor iface.HandshakeAcceptor) *Listener {
	return &Listener{
		acceptor: acceptor,
		halt:     idem.NewHalter(),
	}
}

// Start binds addr and runs the accept loop in the background. A port of 0
// binds an ephemeral port; see Addr.
func (l *Listener) Start(addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case Listening:
		return ErrAlreadyStarted
	case Stopped:
		return ErrStopped
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	l.ln = ln
	l.state = Listening
	log.Printf("INFO: [LISTEN] Accepting peer connections on %s", ln.Addr())

	l.wg.Add(1)
	go l.acceptLoop(ln)
	return nil
}

// Stop closes the listening socket and waits for the accept loop to exit.
// Connections already handed to the acceptor are not touched.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state == Stopped {
		l.mu.Unlock()
		return
	}
	wasListening := l.state == Listening
	l.state = Stopped
	l.halt.ReqStop.Close()
	if l.ln != nil {
		l.ln.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.halt.Done.Close()
	if wasListening {
		log.Println("INFO: [LISTEN] Peer listener stopped.")
	}
}

// State reports the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.halt.ReqStop.IsClosed() {
				return
			}
			log.Printf("ERROR: [LISTEN] Failed to accept connection on %s: %v", ln.Addr(), err)
			select {
			case <-l.halt.ReqStop.Chan:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	remote := conn.RemoteAddr()
	if err := l.acceptor.AcceptHandshake(conn); err != nil {
		log.Printf("WARN: [LISTEN] Handshake from %s failed: %v", remote, err)
		return
	}
	log.Printf("DEBUG: [LISTEN] Handshake from %s completed", remote)
}
