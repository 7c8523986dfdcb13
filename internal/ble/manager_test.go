package ble

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/meshchat/internal/ble/protocol"
)

const (
	testNode = "mob-aaaaaa"
	peerA    = "AA:AA:AA:AA:AA:AA"
	peerB    = "BB:BB:BB:BB:BB:BB"
)

// envelopeRecorder collects envelopes delivered to an onEnvelope callback.
type envelopeRecorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *envelopeRecorder) record(env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *envelopeRecorder) all() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.envs...)
}

func fastOpts() ManagerOptions {
	return ManagerOptions{
		ConnectTimeout:  100 * time.Millisecond,
		DiscoverTimeout: 100 * time.Millisecond,
		WriteTimeout:    100 * time.Millisecond,
	}
}

func mustPack(t *testing.T, env protocol.Envelope) []byte {
	t.Helper()
	wire, err := protocol.Pack(env)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	return wire
}

func b64Frame(frameJSON string) []byte {
	return []byte(base64.StdEncoding.EncodeToString([]byte(frameJSON)))
}

func connectedManager(t *testing.T, adapter *mockAdapter, peerID string) (*Manager, *envelopeRecorder) {
	t.Helper()
	m := NewManager(adapter, testNode, fastOpts())
	rec := &envelopeRecorder{}
	if _, err := m.Connect(context.Background(), peerID, rec.record); err != nil {
		t.Fatalf("Connect(%s) error = %v", peerID, err)
	}
	return m, rec
}

func TestManagerConnectSubscribes(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, testNode, fastOpts())

	if got := m.State(); got != StateIdle {
		t.Fatalf("initial State() = %v, want idle", got)
	}

	peer, err := m.Connect(context.Background(), peerA, func(protocol.Envelope) {})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if peer.ID != peerA {
		t.Errorf("Peer.ID = %q, want %q", peer.ID, peerA)
	}
	if got := m.State(); got != StateSubscribed {
		t.Errorf("State() = %v, want subscribed", got)
	}
	if id, ok := m.ConnectedPeer(); !ok || id != peerA {
		t.Errorf("ConnectedPeer() = %q, %v, want %q, true", id, ok, peerA)
	}
	if !adapter.connection(peerA).notifyChar.subscribed() {
		t.Error("notify characteristic should be subscribed")
	}
}

func TestManagerSendWritesPackedFrame(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _ := connectedManager(t, adapter, peerA)

	env := protocol.NewTextEnvelope(m.NodeID(), peerA, "hello", protocol.DefaultTTL)
	if err := m.Send(context.Background(), peerA, env); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	writes := adapter.connection(peerA).writeChar.writes
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
	got, ok := protocol.Unpack(writes[0])
	if !ok {
		t.Fatalf("written bytes do not unpack: %q", writes[0])
	}
	if got.MsgID != env.MsgID || got.Text() != "hello" || got.From != testNode {
		t.Errorf("written envelope = %+v, want %+v", got, env)
	}
}

func TestManagerSendNotConnected(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, testNode, fastOpts())

	err := m.Send(context.Background(), peerA, protocol.NewTextEnvelope(testNode, peerA, "x", 1))
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("Send() error = %v, want *SendError", err)
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestManagerSendWrongPeer(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _ := connectedManager(t, adapter, peerA)

	err := m.Send(context.Background(), peerB, protocol.NewTextEnvelope(testNode, peerB, "x", 1))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() to unlinked peer error = %v, want ErrNotConnected", err)
	}
	if n := adapter.connection(peerA).writeChar.writeCount(); n != 0 {
		t.Errorf("got %d writes on peer A, want 0", n)
	}
}

func TestManagerSendWriteFailure(t *testing.T) {
	writeErr := errors.New("GATT write rejected")
	tests := []struct {
		name    string
		prepare func(c *mockConnection)
		want    error
	}{
		{"rejected", func(c *mockConnection) { c.writeChar.writeErr = writeErr }, writeErr},
		{"timeout", func(c *mockConnection) { c.writeChar.writeBlock = true }, context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			adapter.prepare = tt.prepare
			m, _ := connectedManager(t, adapter, peerA)

			err := m.Send(context.Background(), peerA, protocol.NewTextEnvelope(testNode, peerA, "x", 1))
			var sendErr *SendError
			if !errors.As(err, &sendErr) || sendErr.PeerID != peerA {
				t.Fatalf("Send() error = %v, want *SendError for %s", err, peerA)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Send() error = %v, want %v", err, tt.want)
			}
			if got := m.State(); got != StateSubscribed {
				t.Errorf("State() after failed send = %v, want subscribed", got)
			}
		})
	}
}

func TestManagerSendFrameTooLarge(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _ := connectedManager(t, adapter, peerA)

	big := make([]byte, protocol.MaxFrameBytes)
	for i := range big {
		big[i] = 'x'
	}
	err := m.Send(context.Background(), peerA, protocol.NewTextEnvelope(testNode, peerA, string(big), 1))
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Errorf("Send() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestManagerNotificationsDeliverEnvelopes(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, rec := connectedManager(t, adapter, peerA)
	notify := adapter.connection(peerA).notifyChar

	first := protocol.NewTextEnvelope(peerA, m.NodeID(), "one", 6)
	second := protocol.NewTextEnvelope(peerA, m.NodeID(), "two", 6)

	notify.SimulateNotification(mustPack(t, first))
	notify.SimulateNotification([]byte("%%% garbage %%%"))
	notify.SimulateNotification(b64Frame(`{"kind":"other","env":{}}`))
	notify.SimulateNotification(mustPack(t, second))

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("got %d envelopes, want 2 (malformed frames dropped)", len(got))
	}
	if got[0].Text() != "one" || got[1].Text() != "two" {
		t.Errorf("texts = %q, %q, want one, two", got[0].Text(), got[1].Text())
	}
}

func TestManagerConnectFailures(t *testing.T) {
	refused := errors.New("connection refused")
	discoverErr := errors.New("service discovery failed")
	tests := []struct {
		name      string
		setup     func(a *mockAdapter)
		wantStage string
		want      error
	}{
		{"enable", func(a *mockAdapter) { a.enableErr = errors.New("adapter off") }, "connect", nil},
		{"connect refused", func(a *mockAdapter) { a.connectErr = refused }, "connect", refused},
		{"connect timeout", func(a *mockAdapter) { a.connectBlock = true }, "connect", context.DeadlineExceeded},
		{"discover error", func(a *mockAdapter) {
			a.prepare = func(c *mockConnection) { c.discoverErr = discoverErr }
		}, "discover", discoverErr},
		{"discover timeout", func(a *mockAdapter) {
			a.prepare = func(c *mockConnection) { c.discoverBlock = true }
		}, "discover", context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			tt.setup(adapter)
			m := NewManager(adapter, testNode, fastOpts())

			_, err := m.Connect(context.Background(), peerA, func(protocol.Envelope) {})
			var connErr *ConnectError
			if !errors.As(err, &connErr) {
				t.Fatalf("Connect() error = %v, want *ConnectError", err)
			}
			if connErr.Stage != tt.wantStage || connErr.PeerID != peerA {
				t.Errorf("ConnectError = %+v, want stage %q peer %q", connErr, tt.wantStage, peerA)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Connect() error = %v, want %v", err, tt.want)
			}
			if got := m.State(); got != StateIdle {
				t.Errorf("State() after failure = %v, want idle", got)
			}
			if conn := adapter.connection(peerA); conn != nil && conn.disconnectCount() == 0 {
				t.Error("half-open connection should be closed after a failed connect")
			}
		})
	}
}

func TestManagerDisconnectIdempotent(t *testing.T) {
	adapter := newMockAdapter(nil)
	m := NewManager(adapter, testNode, fastOpts())

	// Never connected.
	m.Disconnect(peerA)
	m.Disconnect(peerA)
	if got := m.State(); got != StateIdle {
		t.Fatalf("State() = %v, want idle", got)
	}

	if _, err := m.Connect(context.Background(), peerA, func(protocol.Envelope) {}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := adapter.connection(peerA)
	conn.disconnectErr = errors.New("already gone")

	m.Disconnect(peerA)
	m.Disconnect(peerA)

	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	if conn.notifyChar.unsubscribes != 1 {
		t.Errorf("unsubscribes = %d, want 1", conn.notifyChar.unsubscribes)
	}
	if n := conn.disconnectCount(); n != 1 {
		t.Errorf("disconnects = %d, want 1", n)
	}
	if _, ok := m.ConnectedPeer(); ok {
		t.Error("ConnectedPeer() should report no peer after Disconnect")
	}
}

func TestManagerDisconnectOtherPeerIsNoop(t *testing.T) {
	adapter := newMockAdapter(nil)
	m, _ := connectedManager(t, adapter, peerA)

	m.Disconnect(peerB)
	if got := m.State(); got != StateSubscribed {
		t.Errorf("State() = %v, want subscribed", got)
	}
}

func TestManagerReconnectReplacesSubscription(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepare = func(c *mockConnection) { c.notifyChar.leaky = true }
	m := NewManager(adapter, testNode, fastOpts())

	recA := &envelopeRecorder{}
	recB := &envelopeRecorder{}
	if _, err := m.Connect(context.Background(), peerA, recA.record); err != nil {
		t.Fatalf("Connect(A) error = %v", err)
	}
	connA := adapter.connection(peerA)

	if _, err := m.Connect(context.Background(), peerB, recB.record); err != nil {
		t.Fatalf("Connect(B) error = %v", err)
	}
	connB := adapter.connection(peerB)

	if connA.notifyChar.subscribed() {
		t.Error("peer A should have no active subscription after switching to B")
	}
	if !connB.notifyChar.subscribed() {
		t.Error("peer B should be subscribed")
	}
	if connA.disconnectCount() != 1 {
		t.Errorf("peer A disconnects = %d, want 1", connA.disconnectCount())
	}
	if id, _ := m.ConnectedPeer(); id != peerB {
		t.Errorf("ConnectedPeer() = %q, want %q", id, peerB)
	}

	// The stack keeps delivering on A's stale callback; it must be ignored.
	connA.notifyChar.SimulateNotification(mustPack(t, protocol.NewTextEnvelope(peerA, testNode, "stale", 6)))
	connB.notifyChar.SimulateNotification(mustPack(t, protocol.NewTextEnvelope(peerB, testNode, "fresh", 6)))

	if got := recA.all(); len(got) != 0 {
		t.Errorf("peer A handler got %d envelopes after switch, want 0", len(got))
	}
	if got := recB.all(); len(got) != 1 || got[0].Text() != "fresh" {
		t.Errorf("peer B handler got %+v, want one envelope", got)
	}
}

func TestManagerConnectWhileConnectingIsBusy(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectBlock = true
	opts := fastOpts()
	opts.ConnectTimeout = 5 * time.Second
	m := NewManager(adapter, testNode, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Connect(ctx, peerA, func(protocol.Envelope) {})
		errCh <- err
	}()
	waitFor(t, "connecting state", func() bool { return m.State() == StateConnecting })

	_, err := m.Connect(context.Background(), peerB, func(protocol.Envelope) {})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("second Connect() error = %v, want ErrBusy", err)
	}

	m.Disconnect(peerA)
	if got := m.State(); got != StateIdle {
		t.Errorf("State() after aborting = %v, want idle", got)
	}
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("aborted Connect() should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aborted Connect() did not return")
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
}

func TestManagerLinkLost(t *testing.T) {
	adapter := newMockAdapter(nil)
	lost := make(chan string, 1)
	opts := fastOpts()
	opts.OnLinkLost = func(peerID string) { lost <- peerID }
	m := NewManager(adapter, testNode, opts)
	if _, err := m.Connect(context.Background(), peerA, func(protocol.Envelope) {}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := adapter.connection(peerA)

	conn.SimulateDisconnect()

	select {
	case id := <-lost:
		if id != peerA {
			t.Errorf("OnLinkLost(%q), want %q", id, peerA)
		}
	case <-time.After(time.Second):
		t.Fatal("OnLinkLost was not called")
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	if conn.notifyChar.subscribed() {
		t.Error("subscription should be released after link loss")
	}

	// A second drop report for the same link is ignored.
	conn.SimulateDisconnect()
	select {
	case <-lost:
		t.Error("OnLinkLost called twice for one link")
	default:
	}
}

func TestManagerShutdown(t *testing.T) {
	t.Run("without connect", func(t *testing.T) {
		adapter := newMockAdapter(nil)
		m := NewManager(adapter, testNode, fastOpts())
		m.Shutdown()
		m.Shutdown()
		if !adapter.closed {
			t.Error("Shutdown() should close the adapter")
		}
	})

	t.Run("with link", func(t *testing.T) {
		adapter := newMockAdapter(nil)
		m, _ := connectedManager(t, adapter, peerA)
		conn := adapter.connection(peerA)

		m.Shutdown()

		if conn.notifyChar.subscribed() {
			t.Error("subscription should be released")
		}
		if conn.disconnectCount() != 1 {
			t.Errorf("disconnects = %d, want 1", conn.disconnectCount())
		}
		if got := m.State(); got != StateIdle {
			t.Errorf("State() = %v, want idle", got)
		}

		_, err := m.Connect(context.Background(), peerA, func(protocol.Envelope) {})
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Connect() after Shutdown error = %v, want ErrClosed", err)
		}
	})
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:          "idle",
		StateConnecting:    "connecting",
		StateDiscovering:   "discovering",
		StateSubscribed:    "subscribed",
		StateDisconnecting: "disconnecting",
		StateError:         "error",
		State(42):          "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
