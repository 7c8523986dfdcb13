package ble

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// peerRecorder collects scan callbacks.
type peerRecorder struct {
	mu     sync.Mutex
	peers  []Peer
	errs   []error
	errCnt atomic.Int32
}

func (r *peerRecorder) onPeer(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, p)
}

func (r *peerRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.errCnt.Add(1)
}

func (r *peerRecorder) peerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func TestScannerReportsEverySighting(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{ID: peerA, Name: "alpha", RSSI: -40},
		{ID: peerB, Name: "", RSSI: -70},
	})
	s := NewScanner(adapter)
	rec := &peerRecorder{}

	if err := s.StartScan(rec.onPeer, rec.onError); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	defer s.StopScan()

	waitFor(t, "initial sightings", func() bool { return rec.peerCount() == 2 })

	// A repeat sighting of alpha with a new name is delivered, not suppressed.
	adapter.sightings <- Device{ID: peerA, Name: "alpha-renamed", RSSI: -35}
	waitFor(t, "repeat sighting", func() bool { return rec.peerCount() == 3 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.peers[2].ID != peerA || rec.peers[2].Name != "alpha-renamed" {
		t.Errorf("repeat sighting = %+v, want %s alpha-renamed", rec.peers[2], peerA)
	}
	if rec.peers[0].SeenAt.IsZero() {
		t.Error("SeenAt should be set")
	}
	if len(rec.errs) != 0 {
		t.Errorf("unexpected scan errors: %v", rec.errs)
	}
}

func TestScannerErrorReportedOnce(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.scanErr = errors.New("adapter powered off")
	s := NewScanner(adapter)
	rec := &peerRecorder{}

	if err := s.StartScan(rec.onPeer, rec.onError); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	waitFor(t, "scan error", func() bool { return rec.errCnt.Load() == 1 })

	var scanErr *ScanError
	if !errors.As(rec.errs[0], &scanErr) {
		t.Errorf("onError got %v, want *ScanError", rec.errs[0])
	}
	if s.Scanning() {
		t.Error("scan should have terminated after error")
	}

	s.StopScan()
	time.Sleep(20 * time.Millisecond)
	if n := rec.errCnt.Load(); n != 1 {
		t.Errorf("onError called %d times, want 1", n)
	}
}

func TestScannerEnableFailureReportsError(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errors.New("bluetooth unavailable")
	s := NewScanner(adapter)
	rec := &peerRecorder{}

	if err := s.StartScan(rec.onPeer, rec.onError); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	waitFor(t, "scan error", func() bool { return rec.errCnt.Load() == 1 })
	if !errors.Is(rec.errs[0], adapter.enableErr) {
		t.Errorf("onError got %v, want wrapped enable error", rec.errs[0])
	}
}

func TestScannerStartWhileScanning(t *testing.T) {
	s := NewScanner(newMockAdapter(nil))
	rec := &peerRecorder{}
	if err := s.StartScan(rec.onPeer, rec.onError); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	defer s.StopScan()

	if err := s.StartScan(rec.onPeer, rec.onError); !errors.Is(err, ErrScanActive) {
		t.Errorf("second StartScan() error = %v, want ErrScanActive", err)
	}
}

func TestScannerStopSilencesCallbacks(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewScanner(adapter)
	rec := &peerRecorder{}

	if err := s.StartScan(rec.onPeer, rec.onError); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	s.StopScan()

	before := rec.peerCount()
	for i := 0; i < 5; i++ {
		select {
		case adapter.sightings <- Device{ID: peerA}:
		default:
		}
	}
	time.Sleep(20 * time.Millisecond)

	if got := rec.peerCount(); got != before {
		t.Errorf("onPeer called %d times after StopScan", got-before)
	}
	if n := rec.errCnt.Load(); n != 0 {
		t.Errorf("onError called %d times after StopScan", n)
	}
}

func TestScannerStopIdempotent(t *testing.T) {
	s := NewScanner(newMockAdapter(nil))
	s.StopScan()
	s.StopScan()

	rec := &peerRecorder{}
	if err := s.StartScan(rec.onPeer, rec.onError); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	s.StopScan()
	s.StopScan()

	// A stopped scanner can start a new session.
	if err := s.StartScan(rec.onPeer, rec.onError); err != nil {
		t.Errorf("StartScan() after StopScan error = %v", err)
	}
	s.StopScan()
}

func TestPeerDisplayName(t *testing.T) {
	if got := (Peer{ID: peerA, Name: "alpha"}).DisplayName(); got != "alpha" {
		t.Errorf("DisplayName() = %q, want alpha", got)
	}
	if got := (Peer{ID: peerA}).DisplayName(); got != peerA {
		t.Errorf("DisplayName() = %q, want %q", got, peerA)
	}
}
