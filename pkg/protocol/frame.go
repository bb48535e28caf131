// Binary stream framing. Streams share the participant's WebSocket:
// text frames carry JSON envelopes, binary frames carry
// `#<stream_id>#<bytes>`. Dispatch is on the first byte: '{' begins an
// envelope, '#' a stream frame.

package protocol

import (
	"bytes"
	"errors"
)

var (
	// ErrNotStreamFrame marks data that does not begin with '#'.
	ErrNotStreamFrame = errors.New("not a stream frame")
	// ErrMalformedStreamFrame marks a frame whose id is empty or
	// unterminated.
	ErrMalformedStreamFrame = errors.New("malformed stream frame")
)

// IsStreamFrame reports whether the frame carries stream bytes rather than
// a JSON envelope.
func IsStreamFrame(frame []byte) bool {
	return len(frame) > 0 && frame[0] == '#'
}

// EncodeStreamFrame wraps payload bytes in the `#id#` prefix.
func EncodeStreamFrame(streamID string, payload []byte) []byte {
	frame := make([]byte, 0, len(streamID)+2+len(payload))
	frame = append(frame, '#')
	frame = append(frame, streamID...)
	frame = append(frame, '#')
	return append(frame, payload...)
}

// ParseStreamFrame splits a `#id#bytes` frame into its stream id and raw
// payload. The payload slice aliases the input.
func ParseStreamFrame(frame []byte) (string, []byte, error) {
	if !IsStreamFrame(frame) {
		return "", nil, ErrNotStreamFrame
	}
	end := bytes.IndexByte(frame[1:], '#')
	if end < 0 {
		return "", nil, ErrMalformedStreamFrame
	}
	id := string(frame[1 : 1+end])
	if id == "" {
		return "", nil, ErrMalformedStreamFrame
	}
	return id, frame[end+2:], nil
}
