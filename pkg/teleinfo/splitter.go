// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package teleinfo

import (
	"bytes"

	"github.com/pkg/errors"
)

// MaxBlockSize bounds the bytes buffered while waiting for a delimiter
const MaxBlockSize = 4096

// ErrOverflow is returned when no delimiter arrived within MaxBlockSize bytes
var ErrOverflow = errors.New("block too long")

var delimiter = []byte(BlockDelimiter)

// Splitter cuts the meter character stream into blocks
type Splitter struct {
	buf []byte
}

// NewSplitter creates an empty splitter
func NewSplitter() *Splitter {
	return &Splitter{buf: make([]byte, 0, 512)}
}

// Reset drops any partial block
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
}

// Buffered returns the number of bytes waiting for a delimiter
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Push appends a chunk and returns the blocks it completes, without their
// delimiter. When the buffer grows past MaxBlockSize it is discarded and
// the error wraps ErrOverflow.
func (s *Splitter) Push(chunk []byte) ([]string, error) {
	s.buf = append(s.buf, chunk...)

	var blocks []string
	for {
		i := bytes.Index(s.buf, delimiter)
		if i < 0 {
			break
		}
		blocks = append(blocks, string(s.buf[:i]))
		n := copy(s.buf, s.buf[i+len(delimiter):])
		s.buf = s.buf[:n]
	}

	if len(s.buf) > MaxBlockSize {
		dropped := len(s.buf)
		s.Reset()
		return blocks, errors.Wrapf(ErrOverflow, "%d bytes dropped", dropped)
	}
	return blocks, nil
}
