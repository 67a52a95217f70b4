package monitor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendQueueSize  = 256
)

// watcher is one WebSocket client following the event stream.
type watcher struct {
	id     string
	conn   *websocket.Conn
	peer   string // only events for this peer, or all when empty
	events chan []byte

	quit      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func newWatcher(conn *websocket.Conn, peer string) *watcher {
	return &watcher{
		id:     uuid.New().String(),
		conn:   conn,
		peer:   peer,
		events: make(chan []byte, sendQueueSize),
		quit:   make(chan struct{}),
	}
}

func (w *watcher) wants(peer string) bool {
	return w.peer == "" || w.peer == peer
}

// enqueue never blocks; a full queue drops the event.
func (w *watcher) enqueue(data []byte) bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	select {
	case w.events <- data:
		return true
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("WARN: [MONITOR] Watcher %s is too slow; %d events dropped", w.id, n)
		}
		return false
	}
}

// close asks the write pump to say goodbye and drop the socket.
func (w *watcher) close() {
	w.closeOnce.Do(func() { close(w.quit) })
}

func (w *watcher) runPumps() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.writePump()
	}()
	go func() {
		defer wg.Done()
		w.readPump()
	}()
	wg.Wait()
}

// readPump only services control frames; watchers have nothing to say.
func (w *watcher) readPump() {
	defer w.close()
	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WARN: [MONITOR] Unexpected close from watcher %s: %v", w.id, err)
			}
			return
		}
	}
}

func (w *watcher) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.close()
		_ = w.conn.Close()
	}()
	for {
		select {
		case <-w.quit:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case data := <-w.events:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("DEBUG: [MONITOR] Write to watcher %s failed: %v", w.id, err)
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
