package ble

import (
	"log/slog"
	"sync"
)

// subscription is the owned notification handle of one link. Once release
// returns, the bound handler is never invoked again, even if the stack keeps
// delivering notifications for the old link.
type subscription struct {
	peerID  string
	char    Characteristic
	handler func([]byte)

	mu       sync.RWMutex // read-held while the handler runs
	released bool
}

func newSubscription(peerID string, char Characteristic, handler func([]byte)) *subscription {
	return &subscription{peerID: peerID, char: char, handler: handler}
}

// install enables notifications on the characteristic.
func (s *subscription) install() error {
	return s.char.Subscribe(s.deliver)
}

func (s *subscription) deliver(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return
	}
	s.handler(data)
}

// release is idempotent and safe on a nil handle. Unsubscribe errors are
// swallowed.
func (s *subscription) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	if err := s.char.Unsubscribe(); err != nil {
		slog.Debug("[BLE] unsubscribe error ignored", "peer", s.peerID, "error", err)
	}
}

func (s *subscription) active() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.released
}
