package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/meshchat/internal/ble/protocol"
)

// State is the connection lifecycle state of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateDiscovering
	StateSubscribed
	StateDisconnecting
	// StateError is transient: a failed attempt passes through it on its way
	// back to StateIdle.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	ConnectTimeout  time.Duration // bound on opening the GATT connection
	DiscoverTimeout time.Duration // bound on service + characteristic discovery
	WriteTimeout    time.Duration // bound on one write-with-response

	// OnLinkLost is called when a subscribed link drops without Disconnect.
	// There is no automatic reconnect.
	OnLinkLost func(peerID string)
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ConnectTimeout:  10 * time.Second,
		DiscoverTimeout: 10 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
}

// Manager owns the single BLE link of a node: the connection, the write
// characteristic and the notification subscription. At most one peer is
// linked at a time.
type Manager struct {
	adapter Adapter
	nodeID  string
	opts    ManagerOptions

	mu        sync.Mutex
	state     State
	attempt   uint64 // bumped by every Connect, Disconnect and Shutdown
	peerID    string
	conn      Connection
	writeChar Characteristic
	sub       *subscription
	closed    bool
}

// NewManager creates a connection manager. nodeID is this node's identity;
// it is logged with every link and used as the sender of envelopes built by
// callers.
func NewManager(adapter Adapter, nodeID string, opts ManagerOptions) *Manager {
	defaults := DefaultManagerOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.DiscoverTimeout <= 0 {
		opts.DiscoverTimeout = defaults.DiscoverTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	return &Manager{
		adapter: adapter,
		nodeID:  nodeID,
		opts:    opts,
	}
}

// NodeID returns the identity the manager was constructed with.
func (m *Manager) NodeID() string { return m.nodeID }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectedPeer returns the id of the subscribed peer, if any.
func (m *Manager) ConnectedPeer() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSubscribed {
		return "", false
	}
	return m.peerID, true
}

// Connect links to peerID, discovers the meshchat characteristics and
// subscribes to notifications. Every well-formed envelope that arrives is
// passed to onEnvelope; malformed frames are dropped. onEnvelope runs on the
// BLE event path: it must return quickly and must not call back into the
// Manager.
//
// A link to another peer is torn down first. Connect fails with ErrBusy
// while another attempt is in flight.
func (m *Manager) Connect(ctx context.Context, peerID string, onEnvelope func(protocol.Envelope)) (Peer, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Peer{}, &ConnectError{PeerID: peerID, Stage: "connect", Err: ErrClosed}
	}
	switch m.state {
	case StateConnecting, StateDiscovering, StateDisconnecting:
		m.mu.Unlock()
		return Peer{}, &ConnectError{PeerID: peerID, Stage: "connect", Err: ErrBusy}
	}
	prevPeer, prevSub, prevConn := m.peerID, m.sub, m.conn
	m.clearLocked()
	m.attempt++
	attempt := m.attempt
	m.peerID = peerID
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if prevConn != nil {
		slog.Info("[BLE] replacing link", "old", prevPeer, "new", peerID)
		m.teardown(prevPeer, prevSub, prevConn)
	}

	if err := m.adapter.Enable(); err != nil {
		return Peer{}, m.fail(attempt, peerID, "connect", fmt.Errorf("enable adapter: %w", err))
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, err := m.adapter.Connect(cctx, peerID)
	cancel()
	if err != nil {
		return Peer{}, m.fail(attempt, peerID, "connect", err)
	}
	conn.OnDisconnect(func() { m.linkLost(attempt) })

	if !m.advance(attempt, StateDiscovering) {
		disconnectQuietly(peerID, conn)
		return Peer{}, &ConnectError{PeerID: peerID, Stage: "connect", Err: m.abortReason()}
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.DiscoverTimeout)
	writeChar, notifyChar, err := m.discover(dctx, conn)
	cancel()
	if err != nil {
		disconnectQuietly(peerID, conn)
		return Peer{}, m.fail(attempt, peerID, "discover", err)
	}

	sub := newSubscription(peerID, notifyChar, func(data []byte) {
		m.handleNotification(peerID, data, onEnvelope)
	})
	if err := sub.install(); err != nil {
		disconnectQuietly(peerID, conn)
		return Peer{}, m.fail(attempt, peerID, "subscribe", err)
	}

	m.mu.Lock()
	if m.attempt != attempt || m.closed {
		m.mu.Unlock()
		m.teardown(peerID, sub, conn)
		return Peer{}, &ConnectError{PeerID: peerID, Stage: "subscribe", Err: m.abortReason()}
	}
	m.conn = conn
	m.writeChar = writeChar
	m.sub = sub
	m.setStateLocked(StateSubscribed)
	m.mu.Unlock()

	slog.Info("[BLE] connected", "peer", peerID, "node", m.nodeID)
	return Peer{ID: peerID, SeenAt: time.Now()}, nil
}

// discover finds the write and notify characteristics under the meshchat service.
func (m *Manager) discover(ctx context.Context, conn Connection) (write, notify Characteristic, err error) {
	write, err = callWithContext(ctx, func() (Characteristic, error) {
		return conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("write characteristic: %w", err)
	}
	notify, err = callWithContext(ctx, func() (Characteristic, error) {
		return conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("notify characteristic: %w", err)
	}
	if write == nil || notify == nil {
		return nil, nil, ErrCharacteristicMissing
	}
	return write, notify, nil
}

func (m *Manager) handleNotification(peerID string, data []byte, onEnvelope func(protocol.Envelope)) {
	env, err := protocol.UnpackErr(data)
	if err != nil {
		slog.Debug("[BLE] dropping malformed frame", "peer", peerID, "bytes", len(data), "error", err)
		return
	}
	onEnvelope(env)
}

// Send packs env and writes it to peerID with response. There is no retry.
func (m *Manager) Send(ctx context.Context, peerID string, env protocol.Envelope) error {
	m.mu.Lock()
	if m.state != StateSubscribed || m.peerID != peerID {
		m.mu.Unlock()
		return &SendError{PeerID: peerID, Err: ErrNotConnected}
	}
	writeChar := m.writeChar
	m.mu.Unlock()

	wire, err := protocol.Pack(env)
	if err != nil {
		return &SendError{PeerID: peerID, Err: err}
	}

	wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	_, err = callWithContext(wctx, func() (struct{}, error) {
		return struct{}{}, writeChar.Write(wire)
	})
	if err != nil {
		return &SendError{PeerID: peerID, Err: err}
	}
	slog.Debug("[BLE] sent envelope", "peer", peerID, "msg_id", env.MsgID, "bytes", len(wire))
	return nil
}

// Disconnect tears down the link to peerID. It is idempotent and never
// fails: the subscription is released first, then the link is closed and
// any error from the stack is swallowed. An in-flight Connect to peerID is
// aborted.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	if m.peerID != peerID || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	if m.state != StateSubscribed {
		// Connect is still running; it notices the bumped attempt and cleans up.
		m.attempt++
		m.clearLocked()
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt
	sub, conn := m.sub, m.conn
	m.setStateLocked(StateDisconnecting)
	m.mu.Unlock()

	m.teardown(peerID, sub, conn)

	m.mu.Lock()
	if m.attempt == attempt {
		m.clearLocked()
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()
	slog.Info("[BLE] disconnected", "peer", peerID)
}

// Shutdown releases the subscription, the link and the adapter. It is safe
// to call without a prior Connect, and more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.attempt++
	peerID, sub, conn := m.peerID, m.sub, m.conn
	m.clearLocked()
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if conn != nil || sub != nil {
		m.teardown(peerID, sub, conn)
	}
	if closer, ok := m.adapter.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Debug("[BLE] adapter close failed", "error", err)
		}
	}
}

// linkLost handles a drop reported by the stack for the given attempt.
func (m *Manager) linkLost(attempt uint64) {
	m.mu.Lock()
	if m.attempt != attempt || m.state != StateSubscribed {
		m.mu.Unlock()
		return
	}
	peerID, sub := m.peerID, m.sub
	m.attempt++
	m.clearLocked()
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	sub.release()
	slog.Warn("[BLE] link lost", "peer", peerID)
	if m.opts.OnLinkLost != nil {
		m.opts.OnLinkLost(peerID)
	}
}

// fail records a failed attempt and returns the error for the caller.
func (m *Manager) fail(attempt uint64, peerID, stage string, err error) error {
	m.mu.Lock()
	if m.attempt == attempt {
		m.setStateLocked(StateError)
		m.clearLocked()
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()
	slog.Warn("[BLE] connect failed", "peer", peerID, "stage", stage, "error", err)
	return &ConnectError{PeerID: peerID, Stage: stage, Err: err}
}

// advance moves an attempt to the next state unless it was superseded.
func (m *Manager) advance(attempt uint64, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != attempt || m.closed {
		return false
	}
	m.setStateLocked(to)
	return true
}

func (m *Manager) abortReason() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return ErrAborted
}

// teardown releases sub before closing conn. Errors are logged and dropped.
func (m *Manager) teardown(peerID string, sub *subscription, conn Connection) {
	sub.release()
	if conn != nil {
		disconnectQuietly(peerID, conn)
	}
}

// clearLocked forgets the current link (caller must hold mu).
func (m *Manager) clearLocked() {
	m.peerID = ""
	m.conn = nil
	m.writeChar = nil
	m.sub = nil
}

// setStateLocked changes state (caller must hold mu).
func (m *Manager) setStateLocked(to State) {
	if m.state == to {
		return
	}
	slog.Debug("[BLE] state", "from", m.state, "to", to)
	m.state = to
}

func disconnectQuietly(peerID string, conn Connection) {
	if err := conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect error ignored", "peer", peerID, "error", err)
	}
}

// callWithContext runs fn and returns early if ctx is done first. The stack
// offers no cancellation, so fn keeps running in the background.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
