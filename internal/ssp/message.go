// internal/ssp/message.go
package ssp

import (
	"fmt"
)

// Framing constants from the SSP transport layer.
const (
	// STX marks the start of every frame.
	STX byte = 0x7F
	// STEX marks an encrypted payload inside a frame.
	STEX byte = 0x7E

	// DefaultAddress is the slave address of a single validator on the bus.
	DefaultAddress byte = 0x00

	// seqFlagBit is the sequence flag carried in bit 7 of the SEQ/ID byte.
	seqFlagBit byte = 0x80

	// MaxDataLen is the largest payload a single frame can carry.
	MaxDataLen = 0xFF
)

// Framing errors surfaced by Decode and FrameReader.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("ssp: %s", e.Reason)
}

// Frame is one decoded SSP message: the SEQ/ID byte and the raw payload. For
// commands the payload starts with the command code; for responses it starts
// with the generic response code.
type Frame struct {
	Address  byte
	Sequence bool
	Data     []byte
}

// SeqID returns the wire SEQ/ID byte for the frame.
func (f Frame) SeqID() byte {
	id := f.Address
	if f.Sequence {
		id |= seqFlagBit
	}
	return id
}

// Encode builds the stuffed wire representation of the frame, including STX
// and trailing CRC.
func Encode(f Frame) []byte {
	body := make([]byte, 0, len(f.Data)+4)
	body = append(body, f.SeqID(), byte(len(f.Data)))
	body = append(body, f.Data...)

	crc := Checksum(body)
	body = append(body, byte(crc&0xFF), byte(crc>>8))

	// Stuff payload bytes that collide with STX.
	out := make([]byte, 0, len(body)+2)
	out = append(out, STX)
	for _, b := range body {
		out = append(out, b)
		if b == STX {
			out = append(out, STX)
		}
	}
	return out
}

// Decode parses a destuffed frame body (SEQ/ID through CRC, STX stripped) and
// verifies length and checksum.
func Decode(body []byte) (Frame, error) {
	if len(body) < 4 {
		return Frame{}, &FrameError{Reason: "frame too short"}
	}
	dataLen := int(body[1])
	if len(body) != dataLen+4 {
		return Frame{}, &FrameError{Reason: fmt.Sprintf("length mismatch: header says %d, got %d", dataLen, len(body)-4)}
	}

	want := Checksum(body[:len(body)-2])
	got := uint16(body[len(body)-2]) | uint16(body[len(body)-1])<<8
	if want != got {
		return Frame{}, &FrameError{Reason: fmt.Sprintf("checksum mismatch: want %#04x, got %#04x", want, got)}
	}

	data := make([]byte, dataLen)
	copy(data, body[2:2+dataLen])

	return Frame{
		Address:  body[0] &^ seqFlagBit,
		Sequence: body[0]&seqFlagBit != 0,
		Data:     data,
	}, nil
}

// FrameReader reassembles frames from the byte chunks a Transport produces.
// The serial link has no alignment guarantees, so bytes are buffered until a
// complete frame (STX, destuffed body, CRC) is available.
type FrameReader struct {
	buf []byte
}

// Feed appends raw bytes read from the transport.
func (r *FrameReader) Feed(p []byte) {
	r.buf = append(r.buf, p...)
}

// Reset discards any partially accumulated frame. Used after a timeout so a
// stale half-frame cannot corrupt the next exchange.
func (r *FrameReader) Reset() {
	r.buf = r.buf[:0]
}

// Next returns the destuffed body of the next complete frame, or nil if more
// bytes are needed. A checksum or length failure is reported as a FrameError
// and the offending bytes are discarded.
func (r *FrameReader) Next() ([]byte, error) {
	// Skip noise before the start marker.
	start := -1
	for i, b := range r.buf {
		if b == STX {
			start = i
			break
		}
	}
	if start < 0 {
		r.buf = r.buf[:0]
		return nil, nil
	}
	r.buf = r.buf[start:]

	// Destuff until the declared frame length is satisfied.
	body := make([]byte, 0, len(r.buf))
	consumed := 1 // the STX itself
	i := 1
	for i < len(r.buf) {
		b := r.buf[i]
		if b == STX {
			if i+1 >= len(r.buf) {
				return nil, nil // stuffing pair may be split across reads
			}
			if r.buf[i+1] != STX {
				// Unescaped STX inside a frame: treat as the start of a new
				// frame and report the truncation.
				r.buf = r.buf[i:]
				return nil, &FrameError{Reason: "unexpected STX inside frame"}
			}
			i += 2
			consumed += 2
		} else {
			i++
			consumed++
		}
		body = append(body, b)

		if len(body) >= 2 {
			total := int(body[1]) + 4
			if len(body) == total {
				r.buf = r.buf[consumed:]
				return body, nil
			}
		}
	}
	return nil, nil
}
