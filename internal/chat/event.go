package chat

import (
	"fmt"
	"time"

	"github.com/chaz8081/meshchat/internal/ble"
)

// Author identifies who wrote a log entry.
type Author string

const (
	AuthorMe     Author = "me"
	AuthorPeer   Author = "peer"
	AuthorSystem Author = "system"
)

// Message is one entry in the chat log.
type Message struct {
	ID      string
	Author  Author
	From    string // sender node id, empty for system messages
	Text    string
	Time    time.Time
	ReplyTo *string
}

// EventType is the kind of a session event.
type EventType int

const (
	// EventPeerFound carries a sighting in Peer.
	EventPeerFound EventType = iota
	// EventScanFailed carries the scan error in Err.
	EventScanFailed
	// EventMessage carries a new log entry in Message.
	EventMessage
	// EventConnected carries the linked peer in Peer.
	EventConnected
	// EventLinkLost carries the peer whose link dropped in Peer.
	EventLinkLost
)

func (t EventType) String() string {
	switch t {
	case EventPeerFound:
		return "peer_found"
	case EventScanFailed:
		return "scan_failed"
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventLinkLost:
		return "link_lost"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted on the channel returned by Session.Events.
type Event struct {
	Type    EventType
	Peer    ble.Peer
	Message Message
	Err     error
}

// seenSet remembers the most recent msg_ids, oldest evicted first.
type seenSet struct {
	limit int
	ids   map[string]struct{}
	order []string
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, ids: make(map[string]struct{}, limit)}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) >= s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}
