package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when no link to the peer is subscribed.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrBusy is returned by Connect while another attempt is in flight.
	ErrBusy = errors.New("ble: connection attempt in progress")
	// ErrAborted is returned by Connect when Disconnect or Shutdown interrupts it.
	ErrAborted = errors.New("ble: connect aborted")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("ble: manager shut down")
	// ErrScanActive is returned by StartScan while a scan is running.
	ErrScanActive = errors.New("ble: scan already running")
	// ErrCharacteristicMissing means the peer does not expose the meshchat service.
	ErrCharacteristicMissing = errors.New("ble: meshchat characteristic not found")
)

// ConnectError reports a failed Connect. Stage is "connect", "discover" or "subscribe".
type ConnectError struct {
	PeerID string
	Stage  string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ble: %s %s: %v", e.Stage, e.PeerID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a failed Send. The message is not retried.
type SendError struct {
	PeerID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("ble: send to %s: %v", e.PeerID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ScanError reports an adapter or radio failure that ended a scan.
type ScanError struct {
	Err error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("ble: scan: %v", e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }
