// Package wire implements the Bridge binary frame format:
//
//	byte 0       : type (0=data-from-remote, 1=data-to-remote, 2=resize, 3=close)
//	bytes 1..5   : payload length, big-endian u32
//	bytes 5..5+L : payload
//
// It is deliberately tiny and allocation-light: the Bridge is the hot path
// for terminal byte streams, which is the entire reason the UI talks to it
// over a raw WebSocket instead of the JSON-based IPC surface.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"
)

// Type identifies a frame's payload kind.
type Type byte

const (
	TypeDataFromRemote Type = 0
	TypeDataToRemote    Type = 1
	TypeResize          Type = 2
	TypeClose           Type = 3
)

const headerLen = 5

// MaxPayload bounds a single frame's payload to stay well clear of the u32
// length field's range while rejecting obviously-corrupt frames early.
const MaxPayload = 1 << 28 // 256 MiB

// Frame is a decoded Bridge frame.
type Frame struct {
	Type    Type
	Payload []byte
}

// ResizePayload is the structured form of a Type Resize frame's payload.
type ResizePayload struct {
	Cols uint16
	Rows uint16
}

// Encode serializes a frame: type byte, big-endian u32 length, payload.
func Encode(t Type, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// EncodeResize builds a Type Resize frame for the given dimensions.
func EncodeResize(cols, rows uint16) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], cols)
	binary.BigEndian.PutUint16(payload[2:4], rows)
	return Encode(TypeResize, payload)
}

// DecodeResize parses a Type Resize frame's payload.
func DecodeResize(payload []byte) (ResizePayload, error) {
	if len(payload) != 4 {
		return ResizePayload{}, trace.BadParameter("resize payload must be 4 bytes, got %d", len(payload))
	}
	return ResizePayload{
		Cols: binary.BigEndian.Uint16(payload[0:2]),
		Rows: binary.BigEndian.Uint16(payload[2:4]),
	}, nil
}

// Decode parses a single frame from buf, returning the frame and the number
// of bytes consumed. It returns io.ErrShortBuffer when buf does not yet hold
// a complete frame, so callers can accumulate more data and retry.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < headerLen {
		return Frame{}, 0, io.ErrShortBuffer
	}

	t := Type(buf[0])
	length := binary.BigEndian.Uint32(buf[1:5])
	if length > MaxPayload {
		return Frame{}, 0, trace.BadParameter("frame payload length %d exceeds max %d", length, MaxPayload)
	}

	total := headerLen + int(length)
	if len(buf) < total {
		return Frame{}, 0, io.ErrShortBuffer
	}

	payload := make([]byte, length)
	copy(payload, buf[headerLen:total])

	return Frame{Type: t, Payload: payload}, total, nil
}

// ReadFrame reads exactly one frame from r, blocking until the header and
// full payload have arrived.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, trace.Wrap(err)
	}

	t := Type(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	if length > MaxPayload {
		return Frame{}, trace.BadParameter("frame payload length %d exceeds max %d", length, MaxPayload)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, trace.Wrap(err)
		}
	}

	return Frame{Type: t, Payload: payload}, nil
}

// WriteFrame encodes and writes a single frame to w.
func WriteFrame(w io.Writer, t Type, payload []byte) error {
	_, err := w.Write(Encode(t, payload))
	return trace.Wrap(err)
}
