package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/AtDexters-Lab/trainlink/internal/iface"
	"github.com/AtDexters-Lab/trainlink/internal/protocol"
	gjson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const shutdownTimeout = 5 * time.Second

// Event is what watchers receive, one JSON text frame per message.
type Event struct {
	Node      string           `json:"node"`
	Direction iface.Direction  `json:"direction"`
	Peer      string           `json:"peer"`
	Message   protocol.Message `json:"message"`
	At        time.Time        `json:"at"`
}

// Monitor streams a node's traffic to WebSocket clients on /watch. A client
// may pass ?peer=<identity> to follow a single peer.
type Monitor struct {
	node     string
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	server   *http.Server
	ln       net.Listener
	stopped  bool
}

// New creates a Monitor for the node named node.
func New(node string) *Monitor {
	return &Monitor{
		node: node,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:      time.Now,
		watchers: make(map[*watcher]struct{}),
	}
}

// Record implements iface.Tap.
func (m *Monitor) Record(dir iface.Direction, peerID string, msg protocol.Message) {
	m.mu.Lock()
	if m.stopped || len(m.watchers) == 0 {
		m.mu.Unlock()
		return
	}
	targets := make([]*watcher, 0, len(m.watchers))
	for w := range m.watchers {
		if w.wants(peerID) {
			targets = append(targets, w)
		}
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	data, err := gjson.Marshal(Event{
		Node:      m.node,
		Direction: dir,
		Peer:      peerID,
		Message:   msg,
		At:        m.now().UTC(),
	})
	if err != nil {
		log.Printf("ERROR: [MONITOR] Failed to encode event for '%s': %v", peerID, err)
		return
	}
	for _, w := range targets {
		w.enqueue(data)
	}
}

// Handler returns the HTTP routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", m.handleWatch)
	return mux
}

// Run binds addr and serves the monitor in the background.
func (m *Monitor) Run(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.New("monitor stopped")
	}
	if m.server != nil {
		return errors.New("monitor already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.server = srv
	m.ln = ln

	log.Printf("INFO: [MONITOR] Watch endpoint listening on %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: [MONITOR] Server failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil when not running.
func (m *Monitor) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Watchers returns the number of connected watchers.
func (m *Monitor) Watchers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Stop shuts the HTTP server down and disconnects every watcher.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	srv := m.server
	watchers := make([]*watcher, 0, len(m.watchers))
	for w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("WARN: [MONITOR] Graceful shutdown failed: %v", err)
		} else {
			log.Println("INFO: [MONITOR] Watch endpoint shut down gracefully.")
		}
	}
	// Hijacked connections are not covered by Shutdown.
	for _, w := range watchers {
		w.close()
	}
}

func (m *Monitor) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ERROR: [MONITOR] Failed to upgrade watcher connection: %v", err)
		return
	}

	wt := newWatcher(conn, r.URL.Query().Get("peer"))
	if !m.add(wt) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopped"))
		conn.Close()
		return
	}
	log.Printf("INFO: [MONITOR] Watcher %s connected from %s", wt.id, conn.RemoteAddr())

	wt.runPumps()

	m.remove(wt)
	log.Printf("INFO: [MONITOR] Watcher %s disconnected", wt.id)
}

func (m *Monitor) add(w *watcher) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.watchers[w] = struct{}{}
	return true
}

func (m *Monitor) remove(w *watcher) {
	m.mu.Lock()
	delete(m.watchers, w)
	m.mu.Unlock()
}
