// Command test-scan is a manual test for discovery. It checks the radio
// permissions, then lists nodes advertising the meshchat service.
// Press Ctrl+C to stop early.
//
// Usage:
//
//	go run ./cmd/test-scan [--duration 10s] [--adapter hci0]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/meshchat/internal/ble"
	"github.com/chaz8081/meshchat/internal/permission"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "how long to scan")
	adapterName := flag.String("adapter", "hci0", "BlueZ adapter (Linux only)")
	flag.Parse()

	gate := permission.ForPlatform(*adapterName)
	if err := gate.Request(context.Background()); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	scanner := ble.NewScanner(ble.NewTinyGoAdapter())
	fmt.Printf("Scanning for %s (service %s)...\n", *duration, ble.ServiceUUID)
	fmt.Println("Press Ctrl+C to stop.")

	seen := make(chan ble.Peer, 16)
	failed := make(chan error, 1)
	err := scanner.StartScan(
		func(p ble.Peer) {
			select {
			case seen <- p:
			default:
			}
		},
		func(err error) { failed <- err },
	)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	timeout := time.After(*duration)

	peers := make(map[string]ble.Peer)
	for {
		select {
		case p := <-seen:
			if _, ok := peers[p.ID]; !ok {
				fmt.Printf("+ %-20s %-24s %d dBm\n", p.DisplayName(), p.ID, p.RSSI)
			}
			peers[p.ID] = p
		case err := <-failed:
			fmt.Printf("Scan failed: %v\n", err)
			os.Exit(1)
		case <-timeout:
			scanner.StopScan()
			fmt.Printf("\nDone. %d peer(s) found.\n", len(peers))
			return
		case <-sig:
			scanner.StopScan()
			fmt.Printf("\nStopped. %d peer(s) found.\n", len(peers))
			return
		}
	}
}
