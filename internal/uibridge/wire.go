package uibridge

import (
	"github.com/chaz8081/meshchat/internal/ble"
	"github.com/chaz8081/meshchat/internal/chat"
)

// Command ops accepted from UI clients.
const (
	OpSend       = "send"
	OpScan       = "scan"
	OpStopScan   = "stop_scan"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
)

// Command is one request from a UI client.
type Command struct {
	Op   string `json:"op"`
	Text string `json:"text,omitempty"`
	Peer string `json:"peer,omitempty"`
}

// Event is what clients receive. Type is a chat.EventType name, or
// "snapshot" on connect, or "error" in answer to a failed command.
type Event struct {
	Type     string    `json:"type"`
	NodeID   string    `json:"node_id,omitempty"`
	Peer     *Peer     `json:"peer,omitempty"`
	Peers    []Peer    `json:"peers,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Op       string    `json:"op,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Peer is a discovered device.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	RSSI int    `json:"rssi"`
}

// Message is a chat log entry; TS is milliseconds since the epoch.
type Message struct {
	ID      string  `json:"id"`
	Author  string  `json:"author"`
	From    string  `json:"from,omitempty"`
	Text    string  `json:"text"`
	TS      int64   `json:"ts"`
	ReplyTo *string `json:"reply_to,omitempty"`
}

func toPeer(p ble.Peer) Peer {
	return Peer{ID: p.ID, Name: p.Name, RSSI: p.RSSI}
}

func toMessage(m chat.Message) Message {
	return Message{
		ID:      m.ID,
		Author:  string(m.Author),
		From:    m.From,
		Text:    m.Text,
		TS:      m.Time.UnixMilli(),
		ReplyTo: m.ReplyTo,
	}
}

func fromChatEvent(ev chat.Event) Event {
	out := Event{Type: ev.Type.String()}
	switch ev.Type {
	case chat.EventPeerFound, chat.EventConnected, chat.EventLinkLost:
		p := toPeer(ev.Peer)
		out.Peer = &p
	case chat.EventMessage:
		m := toMessage(ev.Message)
		out.Message = &m
	case chat.EventScanFailed:
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
	}
	return out
}
