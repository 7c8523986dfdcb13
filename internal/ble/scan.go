package ble

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Peer is a discovered device advertising the meshchat service.
type Peer struct {
	ID     string
	Name   string // advertised local name, may be empty
	RSSI   int
	SeenAt time.Time
}

// DisplayName returns the advertised name, or the id when there is none.
func (p Peer) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

const scanStopWait = 2 * time.Second

// Scanner runs discovery sessions restricted to the meshchat service.
type Scanner struct {
	adapter Adapter

	mu      sync.Mutex
	session *scanSession
}

// NewScanner creates a scan controller on the given adapter.
func NewScanner(adapter Adapter) *Scanner {
	return &Scanner{adapter: adapter}
}

// StartScan begins discovery and returns immediately. onPeer is called for
// every sighting, repeats included; callers deduplicate by Peer.ID. A scan
// failure calls onError once (with a *ScanError) and ends the session.
// Callbacks run on the scan goroutine, must return quickly and must not call
// StopScan.
func (s *Scanner) StartScan(onPeer func(Peer), onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && !s.session.isStopped() {
		return ErrScanActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &scanSession{
		onPeer:  onPeer,
		onError: onError,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.session = sess
	go sess.run(ctx, s.adapter)
	slog.Info("[BLE] scan started", "service", ServiceUUID)
	return nil
}

// StopScan ends the current session. It is idempotent; once it returns no
// further onPeer or onError calls are made.
func (s *Scanner) StopScan() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	if sess == nil {
		return
	}
	if sess.stop() {
		slog.Info("[BLE] scan stopped")
	}
	// Let the radio settle so an immediate StartScan does not race the old scan.
	select {
	case <-sess.done:
	case <-time.After(scanStopWait):
		slog.Warn("[BLE] scan did not stop in time", "wait", scanStopWait)
	}
}

// Scanning reports whether a session is delivering sightings.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && !s.session.isStopped()
}

type scanSession struct {
	onPeer  func(Peer)
	onError func(error)
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex // held while a callback runs
	stopped bool
}

func (s *scanSession) run(ctx context.Context, adapter Adapter) {
	defer close(s.done)
	defer s.cancel()

	if err := adapter.Enable(); err != nil {
		s.fail(&ScanError{Err: err})
		return
	}
	err := adapter.Scan(ctx, ServiceUUID, func(d Device) {
		s.deliver(Peer{ID: d.ID, Name: d.Name, RSSI: d.RSSI, SeenAt: time.Now()})
	})
	if err != nil && ctx.Err() == nil {
		s.fail(&ScanError{Err: err})
	}
}

func (s *scanSession) deliver(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.onPeer == nil {
		return
	}
	s.onPeer(p)
}

func (s *scanSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	slog.Warn("[BLE] scan failed", "error", err)
	if s.onError != nil {
		s.onError(err)
	}
}

// stop silences the session and cancels the underlying scan. It reports
// whether the session was still live.
func (s *scanSession) stop() bool {
	s.mu.Lock()
	wasLive := !s.stopped
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	return wasLive
}

func (s *scanSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
