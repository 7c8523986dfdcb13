// Command meshchat is a two-node BLE chat. It scans for nodes advertising
// the meshchat service, connects to one (the -peer id, or the first seen),
// and sends every stdin line as a text envelope. Lines starting with / are
// commands: /scan, /stop, /peers, /connect <id>, /disconnect, /quit.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/meshchat/internal/ble"
	"github.com/chaz8081/meshchat/internal/ble/protocol"
	"github.com/chaz8081/meshchat/internal/chat"
	"github.com/chaz8081/meshchat/internal/config"
	"github.com/chaz8081/meshchat/internal/permission"
	"github.com/chaz8081/meshchat/internal/uibridge"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/meshchat/config.yaml)")
	peerID := flag.String("peer", "", "device id to connect to (default: first peer discovered)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote %s\n", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closeLog()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = protocol.NewNodeID()
	}

	printBanner(cfg, nodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := ble.NewTinyGoAdapter()
	gate := permission.ForPlatform(cfg.BLE.Adapter)
	scanner := ble.NewScanner(adapter)

	var session *chat.Session
	manager := ble.NewManager(adapter, nodeID, ble.ManagerOptions{
		ConnectTimeout:  cfg.BLE.ConnectTimeout,
		DiscoverTimeout: cfg.BLE.DiscoverTimeout,
		WriteTimeout:    cfg.BLE.WriteTimeout,
		OnLinkLost:      func(id string) { session.HandleLinkLost(id) },
	})

	opts := chat.Options{NodeID: nodeID, TTL: cfg.Envelope.TTL}
	var host *ble.Host
	if cfg.BLE.Advertise {
		host = ble.NewHost(adapter, cfg.BLE.LocalName)
		opts.Host = host
	}
	session = chat.NewSession(gate, scanner, manager, opts)

	if !session.GrantPermissions(ctx) {
		session.Close()
		log.Fatalf("Bluetooth permissions are required to scan and connect (%s).", strings.Join(gate.Names(), ", "))
	}

	if host != nil {
		go func() {
			if err := host.Run(ctx, session.HandleHostEnvelope); err != nil {
				log.Printf("ERROR: peripheral: %v", err)
			}
		}()
	}

	var uiEvents chan chat.Event
	if cfg.UI.Listen != "" {
		uiEvents = make(chan chat.Event, 64)
		bridge := uibridge.NewServer(session)
		go bridge.Pump(ctx, uiEvents)
		go func() {
			if err := bridge.ListenAndServe(ctx, cfg.UI.Listen); err != nil {
				log.Printf("ERROR: %v", err)
			}
		}()
	}

	if err := session.StartScan(); err != nil {
		log.Printf("ERROR: scan: %v", err)
	}
	var scanTimeout <-chan time.Time
	if cfg.BLE.ScanDuration > 0 {
		scanTimeout = time.After(cfg.BLE.ScanDuration)
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := readLines(os.Stdin)
	outgoing := make(chan string, sendQueueSize)
	go sendLoop(ctx, session, outgoing)
	connecting := false
	connectDone := make(chan error, 1)

	connect := func(id string) {
		if connecting {
			log.Println("Connect already in progress")
			return
		}
		connecting = true
		session.StopScan()
		go func() {
			cctx, ccancel := context.WithTimeout(ctx, cfg.BLE.ConnectTimeout+cfg.BLE.DiscoverTimeout)
			defer ccancel()
			connectDone <- session.Connect(cctx, id)
		}()
	}

	log.Println("Ready! Type a message and press Enter. Ctrl+C to quit.")

	// Main event loop
	events := session.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if uiEvents != nil {
				select {
				case uiEvents <- ev:
				default:
				}
			}

			switch ev.Type {
			case chat.EventPeerFound:
				slog.Debug("peer found", "id", ev.Peer.ID, "name", ev.Peer.Name, "rssi", ev.Peer.RSSI)
				if _, linked := session.ConnectedPeer(); linked {
					continue
				}
				if matchesPeer(*peerID, ev.Peer.ID) {
					log.Printf("Found %s (%s, %d dBm)", ev.Peer.DisplayName(), ev.Peer.ID, ev.Peer.RSSI)
					connect(ev.Peer.ID)
				}
			case chat.EventMessage:
				printMessage(ev.Message)
			case chat.EventLinkLost:
				log.Printf("Link to %s lost. Use /scan or /connect to reconnect.", ev.Peer.ID)
			}

		case err := <-connectDone:
			connecting = false
			if err != nil && *peerID != "" {
				log.Println("Use /connect to retry.")
			}

		case <-scanTimeout:
			scanTimeout = nil
			if session.Scanning() {
				session.StopScan()
				log.Printf("Scan finished, %d peer(s) seen", len(session.Peers()))
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if quit := handleLine(session, line, outgoing, connect); quit {
				shutdown(session, cancel)
				return
			}

		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			shutdown(session, cancel)
			return
		}
	}
}

const (
	sendQueueSize = 32
	sendTimeout   = 30 * time.Second
)

// textSender is the part of chat.Session the sender uses.
type textSender interface {
	SendText(ctx context.Context, text string) error
}

// sendLoop sends queued lines one at a time, so they reach the peer in the
// order they were typed.
func sendLoop(ctx context.Context, s textSender, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := s.SendText(sctx, line); err != nil {
				slog.Debug("send failed", "error", err)
			}
			cancel()
		}
	}
}

// matchesPeer reports whether id is the peer the -peer flag asked for.
// Device ids compare without regard to case; an empty filter matches any.
func matchesPeer(filter, id string) bool {
	return filter == "" || strings.EqualFold(filter, id)
}

// handleLine runs a slash command or queues the line for sending. It
// reports whether the user asked to quit.
func handleLine(session *chat.Session, line string, outgoing chan<- string, connect func(string)) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		select {
		case outgoing <- line:
		default:
			log.Println("Send queue full, message dropped")
		}
		return false
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/scan":
		if err := session.StartScan(); err != nil {
			log.Printf("ERROR: scan: %v", err)
		}
	case "/stop":
		session.StopScan()
	case "/peers":
		peers := session.Peers()
		if len(peers) == 0 {
			fmt.Println("  (no peers)")
		}
		for _, p := range peers {
			fmt.Printf("  %-20s %-24s %d dBm\n", p.DisplayName(), p.ID, p.RSSI)
		}
	case "/connect":
		if len(fields) < 2 {
			log.Println("usage: /connect <device id>")
			return false
		}
		connect(fields[1])
	case "/disconnect":
		session.Disconnect()
	default:
		log.Printf("Unknown command %s", fields[0])
	}
	return false
}

func shutdown(session *chat.Session, cancel context.CancelFunc) {
	cancel()
	session.Close()
	log.Println("Goodbye!")
}

// readLines delivers stdin lines until EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func printMessage(m chat.Message) {
	ts := m.Time.Format("15:04:05")
	switch m.Author {
	case chat.AuthorMe:
		fmt.Printf("%s  me: %s\n", ts, m.Text)
	case chat.AuthorPeer:
		fmt.Printf("%s  %s: %s\n", ts, m.From, m.Text)
	default:
		fmt.Printf("%s  * %s\n", ts, m.Text)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// setupLogging installs the slog default handler at the configured level.
func setupLogging(cfg *config.Config) (func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	return closeFn, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, nodeID string) {
	fmt.Println("=== meshchat ===")
	fmt.Printf("  Node:      %s\n", nodeID)
	fmt.Printf("  Adapter:   %s\n", cfg.BLE.Adapter)
	if cfg.BLE.Advertise {
		fmt.Printf("  Advertise: %s\n", cfg.BLE.LocalName)
	} else {
		fmt.Println("  Advertise: off")
	}
	fmt.Printf("  TTL:       %d\n", cfg.Envelope.TTL)
	if cfg.UI.Listen != "" {
		fmt.Printf("  UI:        ws://%s/ws\n", cfg.UI.Listen)
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("================")
}
