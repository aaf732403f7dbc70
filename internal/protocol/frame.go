// Package protocol implements the framed wire protocol shared by the daemon
// and its clients: a 5-byte header (4-byte big-endian length, 1-byte type
// tag) followed by an opaque payload.
package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Type is the 1-byte frame type tag. Values are ABI-stable; never renumber.
type Type byte

const (
	Reuse              Type = 1
	Connect            Type = 2
	Challenge          Type = 3
	ChallengeResponse  Type = 4
	Connected          Type = 5
	Unconnected        Type = 6
	Disconnected       Type = 7
	SimpleCommand      Type = 8
	PTYCommand         Type = 9
	Result             Type = 10
	Stdin              Type = 11
	Stdout             Type = 12
	Stderr             Type = 13
	Exception          Type = 14
	Share              Type = 15
	Shared             Type = 16
	Resize             Type = 17
)

// headerSize is the fixed 4-byte length + 1-byte type tag.
const headerSize = 5

// DefaultMaxPayload bounds a single frame's payload. Exceeding it is a fatal
// protocol error (§4.1).
const DefaultMaxPayload = 16 * 1024 * 1024

func (t Type) String() string {
	switch t {
	case Reuse:
		return "REUSE"
	case Connect:
		return "CONNECT"
	case Challenge:
		return "CHALLENGE"
	case ChallengeResponse:
		return "CHALLENGE_RESPONSE"
	case Connected:
		return "CONNECTED"
	case Unconnected:
		return "UNCONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	case SimpleCommand:
		return "SIMPLE_COMMAND"
	case PTYCommand:
		return "PTY_COMMAND"
	case Result:
		return "RESULT"
	case Stdin:
		return "STDIN"
	case Stdout:
		return "STDOUT"
	case Stderr:
		return "STDERR"
	case Exception:
		return "EXCEPTION"
	case Share:
		return "SHARE"
	case Shared:
		return "SHARED"
	case Resize:
		return "RESIZE"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// Frame is one unit of the wire protocol.
type Frame struct {
	Type Type
	Data []byte
}

// ErrFrameTooLarge is returned by Decoder.Read when a header announces a
// payload length beyond the configured maximum.
var ErrFrameTooLarge = fmt.Errorf("protocol: frame payload exceeds maximum size")

// ErrInvalidType is returned when a header's type tag is 0 (reserved, not a
// valid tag per §4.1 — valid tags are [1, 255]).
var ErrInvalidType = fmt.Errorf("protocol: invalid frame type tag 0")

// Encoder writes frames to an underlying stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame: a 5-byte header followed by data.
func (e *Encoder) Encode(t Type, data []byte) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	hdr[4] = byte(t)
	if _, err := e.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(data) > 0 {
		if _, err := e.w.Write(data); err != nil {
			return fmt.Errorf("protocol: write payload: %w", err)
		}
	}
	return nil
}

// Decoder reads frames from an underlying stream, buffering at most one
// partial frame's worth of bytes (§4.1).
type Decoder struct {
	r         *bufio.Reader
	maxPayload uint32
}

// NewDecoder returns a Decoder reading from r with the default max payload.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultMaxPayload)
}

// NewDecoderSize returns a Decoder reading from r, rejecting any frame whose
// declared payload length exceeds maxPayload.
func NewDecoderSize(r io.Reader, maxPayload int) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxPayload: uint32(maxPayload)}
}

// Read blocks for and returns the next complete frame, or an error if the
// stream ends or a protocol violation is detected. Frames are returned in
// receipt order; arbitrary chunking of the underlying reader is tolerated.
func (d *Decoder) Read() (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	typ := Type(hdr[4])
	if typ == 0 {
		return Frame{}, ErrInvalidType
	}
	if length > d.maxPayload {
		return Frame{}, ErrFrameTooLarge
	}
	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(d.r, data); err != nil {
			return Frame{}, fmt.Errorf("protocol: read payload: %w", err)
		}
	}
	return Frame{Type: typ, Data: data}, nil
}
