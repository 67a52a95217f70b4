package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtDexters-Lab/trainlink/internal/iface"
	"github.com/AtDexters-Lab/trainlink/internal/protocol"
	gjson "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

// Entry is one journaled message.
type Entry struct {
	Seq       uint64           `json:"-"`
	Direction iface.Direction  `json:"direction"`
	At        time.Time        `json:"at"`
	Message   protocol.Message `json:"message"`
}

const (
	queueSize = 1024
	maxBatch  = 256
)

// pending is a queued Record call, or a flush marker when done is set.
type pending struct {
	peer  string
	entry Entry
	done  chan struct{}
}

// Journal persists every message a node exchanges, one bucket per peer.
// Record hands entries to a single writer goroutine that commits them in
// batches, so peer read loops never wait on the disk.
type Journal struct {
	db  *bolt.DB
	now func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan pending
	writer  sync.WaitGroup
	dropped atomic.Int64
}

// Open opens or creates the journal file at path.
func Open(path string) (*Journal, error) {
	return open(path, queueSize)
}

func open(path string, size int) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j := &Journal{db: db, now: time.Now, queue: make(chan pending, size)}
	j.writer.Add(1)
	go j.writeLoop()
	return j, nil
}

// Close commits what is queued and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	j.writer.Wait()
	return j.db.Close()
}

// Append stores msg under peerID synchronously and returns its sequence
// number.
func (j *Journal) Append(dir iface.Direction, peerID string, msg protocol.Message) (uint64, error) {
	if peerID == "" {
		return 0, errors.New("journal: empty peer identity")
	}
	var seq uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		var err error
		seq, err = put(tx, peerID, Entry{Direction: dir, At: j.now().UTC(), Message: msg})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("journal: append for '%s': %w", peerID, err)
	}
	return seq, nil
}

// Record implements iface.Tap. It never blocks: when the writer falls
// behind, the entry is dropped and counted.
func (j *Journal) Record(dir iface.Direction, peerID string, msg protocol.Message) {
	if peerID == "" {
		return
	}
	p := pending{peer: peerID, entry: Entry{Direction: dir, At: j.now().UTC(), Message: msg}}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- p:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("WARN: [JOURNAL] Writer is behind; %d entries dropped", n)
		}
	}
}

// Flush waits until everything recorded so far has been committed.
func (j *Journal) Flush() {
	done := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return
	}
	j.queue <- pending{done: done}
	j.mu.RUnlock()
	<-done
}

// Dropped returns how many recorded entries were lost to a full queue.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) writeLoop() {
	defer j.writer.Done()
	batch := make([]pending, 0, maxBatch)
	for p := range j.queue {
		batch = append(batch[:0], p)
	fill:
		for len(batch) < maxBatch {
			select {
			case more, ok := <-j.queue:
				if !ok {
					break fill
				}
				batch = append(batch, more)
			default:
				break fill
			}
		}
		j.commit(batch)
	}
}

func (j *Journal) commit(batch []pending) {
	err := j.db.Update(func(tx *bolt.Tx) error {
		for _, p := range batch {
			if p.done != nil {
				continue
			}
			if _, err := put(tx, p.peer, p.entry); err != nil {
				return fmt.Errorf("append for '%s': %w", p.peer, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("ERROR: [JOURNAL] Lost %d entries: %v", len(batch), err)
	}
	for _, p := range batch {
		if p.done != nil {
			close(p.done)
		}
	}
}

func put(tx *bolt.Tx, peerID string, e Entry) (uint64, error) {
	value, err := gjson.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode entry: %w", err)
	}
	b, err := tx.CreateBucketIfNotExists([]byte(peerID))
	if err != nil {
		return 0, err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	return seq, b.Put(seqKey(seq), value)
}

// Entries returns everything journaled for peerID in order.
func (j *Journal) Entries(peerID string) ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(peerID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := gjson.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("entry %x: %w", k, err)
			}
			e.Seq = binary.BigEndian.Uint64(k)
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("journal: read '%s': %w", peerID, err)
	}
	return out, nil
}

// Peers lists every identity with at least one journaled message.
func (j *Journal) Peers() ([]string, error) {
	var out []string
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			out = append(out, string(name))
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

// seqKey is big-endian so bbolt's byte order is sequence order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
