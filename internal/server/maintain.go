package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// DefaultReconnectDelay replaces a non-positive delay passed to Maintain.
const DefaultReconnectDelay = 5 * time.Second

// Target is a peer the node keeps an outbound connection to.
type Target struct {
	PeerID string
	Host   string
	Port   int
}

// Maintain dials every target and redials whenever its connection is lost,
// pausing delay between checks. It blocks until ctx is done or the server
// stops.
func (s *PeerServer) Maintain(ctx context.Context, targets []Target, delay time.Duration) {
	if len(targets) == 0 {
		log.Println("INFO: [SERVER] No connect targets configured; waiting for inbound peers.")
		return
	}
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	log.Printf("INFO: [SERVER] Maintaining connections to %d peer(s)...", len(targets))

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			s.keepConnected(ctx, t, delay)
		}(t)
	}
	wg.Wait()
}

func (s *PeerServer) keepConnected(ctx context.Context, t Target, delay time.Duration) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		if !s.IsConnected(t.PeerID) {
			log.Printf("INFO: [SERVER] Attempting to connect to '%s' at %s:%d", t.PeerID, t.Host, t.Port)
			err := s.ConnectTo(ctx, t.Host, t.Port, t.PeerID)
			switch {
			case err == nil:
				log.Printf("INFO: [SERVER] Connected to '%s'", t.PeerID)
			case errors.Is(err, ErrStopped), errors.Is(err, ErrNotAllowed):
				return
			default:
				log.Printf("WARN: [SERVER] Could not reach '%s': %v. Retrying in %s...", t.PeerID, err, delay)
			}
		}
		timer.Reset(delay)
	}
}
