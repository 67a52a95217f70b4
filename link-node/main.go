package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/AtDexters-Lab/trainlink/internal/command"
	"github.com/AtDexters-Lab/trainlink/internal/config"
	"github.com/AtDexters-Lab/trainlink/internal/journal"
	"github.com/AtDexters-Lab/trainlink/internal/logging"
	"github.com/AtDexters-Lab/trainlink/internal/monitor"
	"github.com/AtDexters-Lab/trainlink/internal/server"
)

func main() {
	// --- 1. Configuration Loading ---
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("FATAL: Error loading configuration: %v", err)
	}

	logCloser, err := logging.Setup(logging.Options{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		log.Fatalf("FATAL: Error configuring logging: %v", err)
	}
	defer logCloser.Close()

	log.Printf("INFO: Configuration loaded successfully from %s", *configPath)
	log.Printf("INFO: Node '%s' on port %d, allowed peers %v", cfg.UIID, cfg.Port, cfg.AllowedPeers)

	// --- 2. Node Initialization ---
	opts := []server.Option{
		server.WithHost(cfg.ListenHost),
		server.WithMaxPeers(cfg.MaxPeers),
		server.WithTimeouts(cfg.HandshakeTimeout(), cfg.ReadTimeout(), cfg.WriteTimeout(), cfg.DialTimeout()),
	}
	if cfg.HandshakeSecret != "" {
		log.Println("INFO: Signed handshakes enabled.")
		opts = append(opts, server.WithHandshakeSecret(cfg.HandshakeSecret, cfg.HandshakeTokenTTL()))
	}

	var watch *monitor.Monitor
	if cfg.MonitorListenAddress != "" {
		watch = monitor.New(cfg.UIID)
		opts = append(opts, server.WithTap(watch))
	}

	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		jrnl, err = journal.Open(cfg.JournalPath)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer jrnl.Close()
		log.Printf("INFO: Journaling messages to %s", cfg.JournalPath)
		opts = append(opts, server.WithTap(jrnl))
	}

	node, err := server.New(cfg.UIID, cfg.Port, opts...)
	if err != nil {
		log.Fatalf("FATAL: Failed to create node: %v", err)
	}
	if err := node.SetAllowedPeers(cfg.AllowedPeers); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	dispatcher := newDispatcher(node)
	if err := node.Start(dispatcher.Handle); err != nil {
		log.Fatalf("FATAL: Failed to start node: %v", err)
	}

	if watch != nil {
		if err := watch.Run(cfg.MonitorListenAddress); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	targets := make([]server.Target, 0, len(cfg.Connect))
	for _, c := range cfg.Connect {
		targets = append(targets, server.Target{PeerID: c.UIID, Host: c.Host, Port: c.Port})
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		node.Maintain(ctx, targets, cfg.ReconnectDelay())
	}()

	// --- 3. Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("INFO: Node '%s' is running. Press CTRL+C to exit.", cfg.UIID)

	<-shutdownChan
	log.Println("INFO: Shutdown signal received.")

	// --- 4. Cleanup ---
	log.Println("INFO: Initiating graceful shutdown...")

	// Stop redialing before tearing connections down.
	cancel()

	node.Stop()

	if watch != nil {
		watch.Stop()
	}

	wg.Wait()

	log.Println("INFO: Shutdown complete. Goodbye.")
}

// newDispatcher wires the commands a bare node answers itself. Subsystem UIs
// register their own handlers for the rest.
func newDispatcher(node *server.PeerServer) *command.Dispatcher {
	d := command.NewDispatcher()

	mustRegister(command.Register(d, command.Ping, func(_ struct{}, from string) {
		pong, err := command.NewMessage(command.Pong, nil)
		if err != nil {
			log.Printf("ERROR: %v", err)
			return
		}
		if err := node.SendTo(from, pong); err != nil {
			log.Printf("WARN: Failed to answer ping from '%s': %v", from, err)
		}
	}))
	mustRegister(command.Register(d, command.Pong, func(_ struct{}, from string) {
		log.Printf("INFO: Pong from '%s'", from)
	}))
	mustRegister(command.Register(d, command.UpdateSpeedAuth, func(p command.SpeedAuthority, from string) {
		log.Printf("INFO: '%s' set train %s to %.1f mph with %d blocks of authority", from, p.Train, p.SpeedMPH, p.Authority)
	}))
	mustRegister(command.Register(d, command.UpdateOccupancy, func(p command.Occupancy, from string) {
		log.Printf("INFO: '%s' reports %s line block %d occupied=%t", from, p.Line, p.Block, p.Occupied)
	}))
	mustRegister(command.Register(d, command.SetSwitch, func(p command.Switch, from string) {
		log.Printf("INFO: '%s' set %s line switch %d to %s", from, p.Line, p.Switch, p.Position)
	}))
	mustRegister(command.Register(d, command.UpdateSignal, func(p command.Signal, from string) {
		log.Printf("INFO: '%s' set %s line block %d signal to %s", from, p.Line, p.Block, p.Aspect)
	}))
	return d
}

func mustRegister(err error) {
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}
