// Package chat ties permission, discovery and the BLE link together into a
// single chat session: a table of nearby peers, a message log and an event
// stream for whatever renders them.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/meshchat/internal/ble"
	"github.com/chaz8081/meshchat/internal/ble/protocol"
	"github.com/chaz8081/meshchat/internal/permission"
)

// Permissions is the permission gate a session asks before scanning.
type Permissions interface {
	RequestPermissions(ctx context.Context) bool
}

// Discoverer runs scan sessions. *ble.Scanner implements it.
type Discoverer interface {
	StartScan(onPeer func(ble.Peer), onError func(error)) error
	StopScan()
}

// Link is the central-role connection. *ble.Manager implements it.
type Link interface {
	Connect(ctx context.Context, peerID string, onEnvelope func(protocol.Envelope)) (ble.Peer, error)
	Send(ctx context.Context, peerID string, env protocol.Envelope) error
	Disconnect(peerID string)
	Shutdown()
}

// Notifier answers centrals connected to the local peripheral. *ble.Host
// implements it.
type Notifier interface {
	Send(env protocol.Envelope) error
}

// Compile-time interface satisfaction checks.
var (
	_ Permissions = (*permission.Gate)(nil)
	_ Discoverer  = (*ble.Scanner)(nil)
	_ Link        = (*ble.Manager)(nil)
	_ Notifier    = (*ble.Host)(nil)
)

// Options configures a Session.
type Options struct {
	NodeID string
	TTL    int // hop budget stamped on outgoing envelopes

	// Host, when set, lets the session reply to a central that wrote to the
	// local peripheral while no outbound link exists.
	Host Notifier

	EventBuffer int // capacity of the Events channel
	SeenLimit   int // number of msg_ids remembered for duplicate suppression
}

const (
	defaultEventBuffer = 64
	defaultSeenLimit   = 256
)

// Session is one node's chat state. All methods are safe for concurrent use.
type Session struct {
	perms   Permissions
	scanner Discoverer
	link    Link
	opts    Options

	events chan Event

	mu        sync.Mutex
	granted   bool
	scanning  bool
	scanGen   uint64
	peers     map[string]ble.Peer
	connected string          // peer id of the outbound link
	attempt   *connectAttempt // in-flight Connect, if any
	inbound   string // last central that wrote to the local peripheral
	messages  []Message
	seen      *seenSet
	closed    bool
}

// connectAttempt is one in-flight Connect. Disconnect marks it aborted.
type connectAttempt struct {
	peerID  string
	aborted bool
	done    bool
}

// NewSession creates a chat session. link's OnLinkLost hook should call
// HandleLinkLost.
func NewSession(perms Permissions, scanner Discoverer, link Link, opts Options) *Session {
	if opts.TTL < 0 {
		opts.TTL = protocol.DefaultTTL
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.SeenLimit <= 0 {
		opts.SeenLimit = defaultSeenLimit
	}
	return &Session{
		perms:   perms,
		scanner: scanner,
		link:    link,
		opts:    opts,
		events:  make(chan Event, opts.EventBuffer),
		peers:   make(map[string]ble.Peer),
		seen:    newSeenSet(opts.SeenLimit),
	}
}

// NodeID returns the local node identity.
func (s *Session) NodeID() string { return s.opts.NodeID }

// Events returns the session event stream. Events are dropped, not
// queued, when the reader falls behind.
func (s *Session) Events() <-chan Event { return s.events }

// GrantPermissions asks the gate for the radio permissions. On success a
// system message is logged; on failure the caller decides how to prompt.
func (s *Session) GrantPermissions(ctx context.Context) bool {
	ok := s.perms.RequestPermissions(ctx)
	s.mu.Lock()
	s.granted = ok
	s.mu.Unlock()
	if ok {
		s.system("Permissions granted.")
	}
	return ok
}

// StartScan clears the peer table and begins discovery, replacing a scan
// that is already running. It fails with permission.ErrPermissionDenied
// until GrantPermissions succeeded.
func (s *Session) StartScan() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ble.ErrClosed
	}
	if !s.granted {
		s.mu.Unlock()
		return permission.ErrPermissionDenied
	}
	s.scanGen++
	gen := s.scanGen
	s.peers = make(map[string]ble.Peer)
	s.scanning = true
	s.mu.Unlock()

	s.scanner.StopScan()
	err := s.scanner.StartScan(
		func(p ble.Peer) { s.peerFound(gen, p) },
		func(err error) { s.scanFailed(gen, err) },
	)
	if err != nil {
		s.mu.Lock()
		if s.scanGen == gen {
			s.scanning = false
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// StopScan ends discovery. The peer table is kept until the next scan.
func (s *Session) StopScan() {
	s.scanner.StopScan()
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
}

// Scanning reports whether discovery is running.
func (s *Session) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Peers returns the discovered peers ordered by id.
func (s *Session) Peers() []ble.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ble.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connect links to peerID. The outcome is recorded as a system message;
// the error is returned as well. A Disconnect issued while Connect is
// running aborts it.
func (s *Session) Connect(ctx context.Context, peerID string) error {
	if peerID == "" {
		return errors.New("chat: no peer selected")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ble.ErrClosed
	}
	a := &connectAttempt{peerID: peerID}
	prev := s.attempt
	s.attempt = a
	s.mu.Unlock()

	peer, err := s.link.Connect(ctx, peerID, s.receive)

	s.mu.Lock()
	aborted := a.aborted
	a.done = true
	if s.attempt == a {
		s.attempt = nil
		if errors.Is(err, ble.ErrBusy) && prev != nil && !prev.done {
			// Refused before it started; the running attempt is still live.
			s.attempt = prev
		}
	}
	if err != nil && !errors.Is(err, ble.ErrBusy) {
		// Any previous link was torn down by the attempt.
		s.connected = ""
	}
	s.mu.Unlock()

	if aborted {
		if err == nil {
			s.link.Disconnect(peer.ID)
			err = &ble.ConnectError{PeerID: peerID, Stage: "connect", Err: ble.ErrAborted}
		}
		s.system("Connect to " + peerID + " cancelled.")
		return err
	}
	if err != nil {
		s.system("Connect failed: " + err.Error())
		return err
	}

	s.mu.Lock()
	s.connected = peer.ID
	if seen, ok := s.peers[peer.ID]; ok && peer.Name == "" {
		peer.Name = seen.Name
	}
	s.mu.Unlock()

	s.system("Connected to " + peer.DisplayName())
	s.emit(Event{Type: EventConnected, Peer: peer})
	return nil
}

// ConnectedPeer returns the peer a reply would go to: the outbound link
// first, then the last central that wrote to the local peripheral.
func (s *Session) ConnectedPeer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetLocked()
}

func (s *Session) targetLocked() (string, bool) {
	if s.connected != "" {
		return s.connected, true
	}
	if s.inbound != "" && s.opts.Host != nil {
		return s.inbound, true
	}
	return "", false
}

// SendText sends text to the connected peer. Blank text, or no connected
// peer, is a silent no-op. The message is logged as the user's only after
// the write succeeded; a failed write logs a system message and returns the
// error.
func (s *Session) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	to, ok := s.targetLocked()
	outbound := to == s.connected
	s.mu.Unlock()
	if !ok {
		return nil
	}

	env := protocol.NewTextEnvelope(s.opts.NodeID, to, text, s.opts.TTL)
	var err error
	if outbound {
		err = s.link.Send(ctx, to, env)
	} else {
		err = s.opts.Host.Send(env)
	}
	if err != nil {
		s.system("Send failed: " + err.Error())
		return err
	}

	s.mu.Lock()
	s.seen.add(env.MsgID)
	s.mu.Unlock()
	s.record(Message{
		ID:     env.MsgID,
		Author: AuthorMe,
		From:   s.opts.NodeID,
		Text:   text,
		Time:   time.Now(),
	})
	return nil
}

// Disconnect drops the outbound link, or aborts the Connect in flight.
func (s *Session) Disconnect() {
	s.mu.Lock()
	peerID := s.connected
	s.connected = ""
	if a := s.attempt; a != nil {
		// The attempt already replaced any earlier link.
		a.aborted = true
		s.attempt = nil
		peerID = a.peerID
	}
	s.mu.Unlock()
	if peerID == "" {
		return
	}
	s.link.Disconnect(peerID)
}

// HandleLinkLost records that the outbound link to peerID dropped on its own.
func (s *Session) HandleLinkLost(peerID string) {
	s.mu.Lock()
	if s.connected != peerID {
		s.mu.Unlock()
		return
	}
	s.connected = ""
	s.mu.Unlock()

	slog.Warn("[Chat] link lost", "peer", peerID)
	s.emit(Event{Type: EventLinkLost, Peer: ble.Peer{ID: peerID}})
}

// HandleHostEnvelope accepts an envelope written to the local peripheral.
// The sender becomes the reply target while no outbound link exists.
func (s *Session) HandleHostEnvelope(env protocol.Envelope) {
	if env.From != "" && env.From != s.opts.NodeID {
		s.mu.Lock()
		s.inbound = env.From
		s.mu.Unlock()
	}
	s.receive(env)
}

// Messages returns a copy of the message log.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Close stops discovery, shuts the link down and closes the event stream.
// It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.scanGen++
	s.mu.Unlock()

	s.scanner.StopScan()
	s.link.Shutdown()

	s.mu.Lock()
	s.connected = ""
	s.scanning = false
	close(s.events)
	s.mu.Unlock()
}

// receive is the BLE-side entry for every inbound envelope.
func (s *Session) receive(env protocol.Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if env.From == s.opts.NodeID || !s.seen.add(env.MsgID) {
		s.mu.Unlock()
		slog.Debug("[Chat] dropping duplicate envelope", "msg_id", env.MsgID, "from", env.From)
		return
	}
	s.mu.Unlock()

	s.record(Message{
		ID:      env.MsgID,
		Author:  AuthorPeer,
		From:    env.From,
		Text:    env.Text(),
		Time:    time.Now(),
		ReplyTo: env.ReplyTo,
	})
}

func (s *Session) peerFound(gen uint64, p ble.Peer) {
	s.mu.Lock()
	if s.scanGen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.peers[p.ID] = p
	s.mu.Unlock()
	s.emit(Event{Type: EventPeerFound, Peer: p})
}

func (s *Session) scanFailed(gen uint64, err error) {
	s.mu.Lock()
	if s.scanGen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.scanning = false
	s.mu.Unlock()

	s.system(fmt.Sprintf("Scan failed: %v", err))
	s.emit(Event{Type: EventScanFailed, Err: err})
}

// system logs a message authored by the session itself.
func (s *Session) system(text string) {
	s.record(Message{
		ID:     protocol.NewMsgID(),
		Author: AuthorSystem,
		Text:   text,
		Time:   time.Now(),
	})
}

func (s *Session) record(m Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.emit(Event{Type: EventMessage, Message: m})
}

// emit never blocks: BLE callbacks call it.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		slog.Warn("[Chat] event dropped, reader too slow", "type", ev.Type)
	}
}
