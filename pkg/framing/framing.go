// Package framing implements the length-prefixed message format spoken on the
// engine control socket: a 4-byte big-endian length followed by that many bytes.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// MaxFrameSize bounds the payload a receiver is willing to allocate.
const MaxFrameSize = 256 << 20

var (
	// ErrConnectionClosed is returned when the peer closes the stream in the
	// middle of a frame.
	ErrConnectionClosed = errors.New("framing: connection closed mid-frame")

	// ErrFrameTooLarge is returned for a payload or length prefix above
	// MaxFrameSize.
	ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")
)

// Send writes one frame to w. The header and payload go out in a single
// Write call so a frame is never interleaved with another writer's bytes
// when w itself serializes writes (see Conn). Payloads above MaxFrameSize
// are rejected before anything is written.
func Send(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("send frame (%d bytes): %w", len(payload), ErrFrameTooLarge)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("send frame (%d bytes): %w", len(payload), err)
	}
	return nil
}

// Receive reads one frame from r. It returns io.EOF only when the stream
// ended cleanly before the first byte of the length prefix; any later close
// yields ErrConnectionClosed. A zero-length frame returns an empty, non-nil
// slice.
func Receive(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrConnectionClosed
		default:
			return nil, fmt.Errorf("receive frame header: %w", err)
		}
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("receive frame payload (%d bytes): %w", size, err)
	}
	return payload, nil
}

// ReceiveStatus reads a frame holding a single big-endian uint32 status code,
// the reply format used by the handshake and control commands.
func ReceiveStatus(r io.Reader) (uint32, error) {
	payload, err := Receive(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrConnectionClosed
		}
		return 0, err
	}
	if len(payload) != 4 {
		return 0, fmt.Errorf("status frame has %d bytes, want 4", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodeStatus builds the payload of a status frame.
func EncodeStatus(code uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], code)
	return b[:]
}

// Conn serializes frame writes over a shared stream. Reads are not locked:
// the protocol is strictly request/response with a single reader.
type Conn struct {
	rw io.ReadWriter
	mu sync.Mutex
}

// NewConn wraps rw.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// Send writes one frame while holding the write lock.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Send(c.rw, payload)
}

// Receive reads one frame.
func (c *Conn) Receive() ([]byte, error) {
	return Receive(c.rw)
}

// ReceiveStatus reads one status frame.
func (c *Conn) ReceiveStatus() (uint32, error) {
	return ReceiveStatus(c.rw)
}
