package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// KindMesh is the only frame kind accepted on the wire.
const KindMesh = "mesh"

// MaxFrameBytes is the largest packed frame that fits in one ATT attribute value.
const MaxFrameBytes = 512

// ErrFrameTooLarge is returned by Pack when the encoded frame exceeds MaxFrameBytes.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum attribute length")

// Frame is the outer wrapper placed on the wire: {"kind":"mesh","env":{...}}.
type Frame struct {
	Kind string          `json:"kind"`
	Env  json.RawMessage `json:"env"`
}

// Pack wraps env in a mesh frame and base64-encodes the JSON text.
func Pack(env Envelope) ([]byte, error) {
	envJSON, err := Encode(env)
	if err != nil {
		return nil, err
	}
	frameJSON, err := json.Marshal(Frame{Kind: KindMesh, Env: envJSON})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(frameJSON)))
	base64.StdEncoding.Encode(out, frameJSON)
	if len(out) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(out))
	}
	return out, nil
}

// Unpack reverses Pack. It reports false for anything that is not a valid
// mesh frame carrying a valid envelope, and never panics.
func Unpack(wire []byte) (Envelope, bool) {
	env, err := UnpackErr(wire)
	return env, err == nil
}

// UnpackErr is Unpack with the reason for rejection, for logging.
func UnpackErr(wire []byte) (env Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env, err = Envelope{}, &DecodeError{Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	wire = bytes.TrimSpace(wire)
	frameJSON := make([]byte, base64.StdEncoding.DecodedLen(len(wire)))
	n, err := base64.StdEncoding.Decode(frameJSON, wire)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "bad base64", Err: err}
	}

	var frame Frame
	if err := json.Unmarshal(frameJSON[:n], &frame); err != nil {
		return Envelope{}, &DecodeError{Reason: "bad frame JSON", Err: err}
	}
	if frame.Kind != KindMesh {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unexpected frame kind %q", frame.Kind)}
	}
	if len(frame.Env) == 0 {
		return Envelope{}, &DecodeError{Reason: "frame without env"}
	}
	return Decode(frame.Env)
}
