// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfxcom

import "github.com/pkg/errors"

var (
	// ErrInvalidLength is reported when the presumed length byte is out of range
	ErrInvalidLength = errors.New("invalid frame length")
	// ErrShortPacket is reported for a frame too short for its type
	ErrShortPacket = errors.New("packet too short")
)

// Framer cuts a byte stream into frames using the leading length byte.
//
// There is no start marker to resynchronize on, so when the byte at the head
// of the buffer is not a plausible length the whole buffer is discarded and
// framing restarts with the next chunk. Frames already buffered behind the
// bad byte are lost.
type Framer struct {
	buf []byte
}

// NewFramer creates an empty framer
func NewFramer() *Framer {
	return &Framer{buf: make([]byte, 0, 2*(MaxLength+1))}
}

// Reset drops any partial frame
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// Buffered returns the number of bytes waiting for completion
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Push appends a chunk and returns the frames it completes. The returned
// error wraps ErrInvalidLength when the buffer had to be discarded; frames
// completed before the bad byte are still returned.
func (f *Framer) Push(chunk []byte) ([]*Packet, error) {
	f.buf = append(f.buf, chunk...)

	var frames []*Packet
	off := 0
	for off < len(f.buf) {
		length := f.buf[off]
		if length < MinLength || length > MaxLength {
			dropped := len(f.buf) - off
			f.Reset()
			return frames, errors.Wrapf(ErrInvalidLength, "length byte 0x%02X, %d bytes dropped", length, dropped)
		}
		size := int(length) + 1
		if len(f.buf)-off < size {
			break
		}
		frames = append(frames, NewPacket(f.buf[off:off+size]))
		off += size
	}

	n := copy(f.buf, f.buf[off:])
	f.buf = f.buf[:n]
	return frames, nil
}
