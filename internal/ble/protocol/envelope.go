// Package protocol implements the JSON envelope and the base64 frame carried
// on the meshchat GATT characteristics.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// TypeText is the only envelope type the node produces.
	TypeText = "text"
	// EncNone marks an unencrypted payload.
	EncNone = "none"
	// DefaultTTL is the hop budget given to new envelopes.
	DefaultTTL = 6
	// NonTextPlaceholder stands in for a missing or non-string payload.text.
	NonTextPlaceholder = "[non-text payload]"
)

// Envelope is the application-level message unit. TTL, Hop and ReplyTo are
// relay metadata: they are validated and passed through but never acted on.
type Envelope struct {
	MsgID     string          `json:"msg_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	TTL       int             `json:"ttl"`
	Hop       int             `json:"hop"`
	Timestamp float64         `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Enc       string          `json:"enc"`
	ReplyTo   *string         `json:"reply_to"`
}

// TextPayload is the payload shape of a "text" envelope.
type TextPayload struct {
	Text string `json:"text"`
}

// DecodeError reports why inbound bytes did not yield an envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: decode: %s: %v", e.Reason, e.Err)
	}
	return "protocol: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrMalformed is matched by every *DecodeError via errors.Is.
var ErrMalformed = errors.New("protocol: malformed input")

func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

// NewTextEnvelope builds a fresh one-hop text envelope from -> to.
func NewTextEnvelope(from, to, text string, ttl int) Envelope {
	payload, _ := json.Marshal(TextPayload{Text: text})
	return Envelope{
		MsgID:     NewMsgID(),
		From:      from,
		To:        to,
		TTL:       ttl,
		Hop:       0,
		Timestamp: epochSeconds(time.Now()),
		Type:      TypeText,
		Payload:   payload,
		Enc:       EncNone,
	}
}

// Reply builds a text envelope answering parent. The reply is addressed to
// parent's sender and references its msg_id.
func Reply(parent Envelope, from, text string, ttl int) Envelope {
	env := NewTextEnvelope(from, parent.From, text, ttl)
	id := parent.MsgID
	env.ReplyTo = &id
	return env
}

// Text returns payload.text, or NonTextPlaceholder when the envelope does not
// carry one.
func (e Envelope) Text() string {
	var p struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.Text == nil || *p.Text == "" {
		return NonTextPlaceholder
	}
	return *p.Text
}

// Time converts the timestamp to a time.Time.
func (e Envelope) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Encode returns the canonical compact JSON form of env.
func Encode(env Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates an envelope. Missing type and enc default to
// "text" and "none". A text envelope without a usable payload.text gets the
// placeholder text rather than an error.
func Decode(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, &DecodeError{Reason: "not a JSON object", Err: err}
	}
	if raw == nil {
		return Envelope{}, &DecodeError{Reason: "not a JSON object"}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "bad field", Err: err}
	}
	if err := normalize(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func normalize(env *Envelope) error {
	switch {
	case env.MsgID == "":
		return &DecodeError{Reason: "missing msg_id"}
	case env.From == "":
		return &DecodeError{Reason: "missing from"}
	case env.TTL < 0:
		return &DecodeError{Reason: fmt.Sprintf("negative ttl %d", env.TTL)}
	case env.Hop < 0:
		return &DecodeError{Reason: fmt.Sprintf("negative hop %d", env.Hop)}
	}
	if env.Type == "" {
		env.Type = TypeText
	}
	if env.Enc == "" {
		env.Enc = EncNone
	}

	// JSON null and an absent key decode the same way.
	if bytes.Equal(bytes.TrimSpace(env.Payload), []byte("null")) {
		env.Payload = nil
	}
	if len(env.Payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, env.Payload); err != nil {
			return &DecodeError{Reason: "bad payload", Err: err}
		}
		env.Payload = buf.Bytes()
	}

	if env.Type == TypeText && !hasText(env.Payload) {
		env.Payload, _ = json.Marshal(TextPayload{Text: NonTextPlaceholder})
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	return nil
}

func hasText(payload json.RawMessage) bool {
	var p map[string]json.RawMessage
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	t, ok := p["text"]
	if !ok {
		return false
	}
	var s *string
	return json.Unmarshal(t, &s) == nil && s != nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
