package registry

import (
	"log"
	"sync"
)

// DefaultMaxPeers mirrors the three-connection cap of the testbed UIs.
const DefaultMaxPeers = 3

// Registry holds the local identity and the allow-list of peer identities
// this node may exchange messages with.
type Registry struct {
	localID  string
	maxPeers int

	mu      sync.RWMutex
	peers   []string
	allowed map[string]struct{}
}

// New creates a registry for localID. Allow-list entries beyond maxPeers are
// dropped; maxPeers <= 0 selects DefaultMaxPeers.
func New(localID string, allow []string, maxPeers int) *Registry {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	r := &Registry{
		localID:  localID,
		maxPeers: maxPeers,
	}
	r.SetAllowed(allow)
	return r
}

// LocalID returns the identity this node presents in handshakes.
func (r *Registry) LocalID() string {
	return r.localID
}

// MaxPeers returns the allow-list cap.
func (r *Registry) MaxPeers() int {
	return r.maxPeers
}

// SetAllowed replaces the allow-list. Empty names, duplicates and the local
// identity are skipped.
func (r *Registry) SetAllowed(allow []string) {
	peers := make([]string, 0, len(allow))
	set := make(map[string]struct{}, len(allow))
	for _, id := range allow {
		if id == "" {
			continue
		}
		if id == r.localID {
			log.Printf("WARN: [REGISTRY] Ignoring own identity '%s' in allow-list", id)
			continue
		}
		if _, dup := set[id]; dup {
			continue
		}
		if len(peers) == r.maxPeers {
			log.Printf("WARN: [REGISTRY] Allow-list for '%s' exceeds %d peers; ignoring '%s'", r.localID, r.maxPeers, id)
			continue
		}
		set[id] = struct{}{}
		peers = append(peers, id)
	}

	r.mu.Lock()
	r.peers = peers
	r.allowed = set
	r.mu.Unlock()
}

// IsAllowed reports whether id may connect to or be contacted by this node.
func (r *Registry) IsAllowed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.allowed[id]
	return ok
}

// Peers returns the allow-list in configured order.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.peers...)
}
