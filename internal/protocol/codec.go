package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks frames that are not a usable envelope: invalid
	// JSON, a non-object payload, or an unknown type discriminator. The
	// channel layer turns such frames into raw-text fallbacks instead of
	// dropping them.
	ErrMalformed = errors.New("protocol: malformed envelope")

	// ErrFrameTooLarge rejects frames above MaxFrameSize before they are
	// written to the socket.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")
)

// Encode renders env as one newline-terminated JSON frame. One call
// produces exactly one logical write for the socket.
func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: type %q", ErrMalformed, env.Type)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(data)+1 > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return append(data, '\n'), nil
}

// Decode parses one frame into an Envelope. Unknown JSON keys are
// ignored. Anything that cannot be read as an envelope with a known type
// comes back as an error wrapping ErrMalformed; the caller decides what
// to do with the raw bytes.
func Decode(frame []byte) (Envelope, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	return env, nil
}
