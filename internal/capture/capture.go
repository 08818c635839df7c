// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records raw link traffic to a file and reads it back.
//
// A capture is a sequence of CBOR messages [record_type, payload_map] with
// integer map keys. The first record is a header carrying the format
// version; every following record is one chunk of bytes seen on a link.
package capture

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/Thermoquad/meridian/internal/link"
)

// Version is the capture format version
const Version = 1

// Record types
const (
	recordHeader uint8 = 0x00
	recordChunk  uint8 = 0x01
)

// Payload map keys
const (
	keyVersion = 0
	keyTime    = 1
	keyLink    = 2
	keyDir     = 3
	keyData    = 4
)

var (
	// ErrFormat is returned for data that is not a capture
	ErrFormat = errors.New("invalid capture")
	// ErrVersion is returned for captures written by another format version
	ErrVersion = errors.New("unsupported capture version")
)

// Record is one chunk of link traffic
type Record struct {
	Time      time.Time
	Link      string
	Direction link.Direction
	Data      []byte
}

// Writer appends records to a capture. It implements link.Tap and may be
// shared by several links.
type Writer struct {
	mu    sync.Mutex
	enc   *cbor.Encoder
	c     io.Closer
	err   error
	count int
}

var _ link.Tap = (*Writer)(nil)

// NewWriter writes a capture header to w
func NewWriter(w io.Writer) (*Writer, error) {
	cw := &Writer{enc: cbor.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		cw.c = c
	}
	header := []interface{}{uint64(recordHeader), map[int]interface{}{
		keyVersion: uint64(Version),
		keyTime:    time.Now().UnixNano(),
	}}
	if err := cw.enc.Encode(header); err != nil {
		return nil, errors.Wrap(err, "write capture header")
	}
	return cw, nil
}

// Create creates a capture file at path
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create capture")
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Write appends one record
func (w *Writer) Write(rec Record) error {
	msg := []interface{}{uint64(recordChunk), map[int]interface{}{
		keyTime: rec.Time.UnixNano(),
		keyLink: rec.Link,
		keyDir:  uint64(rec.Direction),
		keyData: rec.Data,
	}}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if err := w.enc.Encode(msg); err != nil {
		w.err = errors.Wrap(err, "write capture record")
		return w.err
	}
	w.count++
	return nil
}

// Tap implements link.Tap. Write errors are kept for Err.
func (w *Writer) Tap(name string, dir link.Direction, data []byte) {
	w.Write(Record{Time: time.Now(), Link: name, Direction: dir, Data: data})
}

// Err returns the first write error
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Count returns the number of records written
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close closes the underlying file, if any
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.c == nil {
		return nil
	}
	err := w.c.Close()
	w.c = nil
	return err
}

// Reader reads records from a capture
type Reader struct {
	dec     *cbor.Decoder
	c       io.Closer
	started time.Time
}

// NewReader reads and checks the capture header from r
func NewReader(r io.Reader) (*Reader, error) {
	cr := &Reader{dec: cbor.NewDecoder(r)}
	if c, ok := r.(io.Closer); ok {
		cr.c = c
	}
	msgType, payload, err := cr.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrap(ErrFormat, "empty capture")
		}
		return nil, err
	}
	if msgType != recordHeader {
		return nil, errors.Wrapf(ErrFormat, "expected header, got record type %d", msgType)
	}
	version, ok := getUint(payload, keyVersion)
	if !ok {
		return nil, errors.Wrap(ErrFormat, "header without version")
	}
	if version != Version {
		return nil, errors.Wrapf(ErrVersion, "%d", version)
	}
	if ns, ok := getInt(payload, keyTime); ok {
		cr.started = time.Unix(0, ns)
	}
	return cr, nil
}

// Open opens the capture file at path
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open capture")
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Started returns when the capture was created
func (r *Reader) Started() time.Time {
	return r.started
}

// Next returns the next record, io.EOF at the end of the capture.
// Unknown record types are skipped.
func (r *Reader) Next() (Record, error) {
	for {
		msgType, payload, err := r.next()
		if err != nil {
			return Record{}, err
		}
		if msgType != recordChunk {
			continue
		}
		return parseChunk(payload)
	}
}

// Close closes the underlying file, if any
func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// next decodes one [record_type, payload_map] message
func (r *Reader) next() (uint8, map[int]interface{}, error) {
	var msg []interface{}
	if err := r.dec.Decode(&msg); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, errors.Wrap(ErrFormat, err.Error())
	}
	if len(msg) != 2 {
		return 0, nil, errors.Wrapf(ErrFormat, "expected 2-element array, got %d elements", len(msg))
	}
	t, ok := msg[0].(uint64)
	if !ok || t > 255 {
		return 0, nil, errors.Wrapf(ErrFormat, "bad record type %v", msg[0])
	}
	raw, ok := msg[1].(map[interface{}]interface{})
	if !ok {
		return 0, nil, errors.Wrapf(ErrFormat, "expected map payload, got %T", msg[1])
	}
	payload := make(map[int]interface{}, len(raw))
	for key, val := range raw {
		switch k := key.(type) {
		case uint64:
			payload[int(k)] = val
		case int64:
			payload[int(k)] = val
		default:
			return 0, nil, errors.Wrapf(ErrFormat, "expected integer map key, got %T", key)
		}
	}
	return uint8(t), payload, nil
}

func parseChunk(payload map[int]interface{}) (Record, error) {
	ns, ok := getInt(payload, keyTime)
	if !ok {
		return Record{}, errors.Wrap(ErrFormat, "record without time")
	}
	name, ok := payload[keyLink].(string)
	if !ok {
		return Record{}, errors.Wrap(ErrFormat, "record without link")
	}
	dir, ok := getUint(payload, keyDir)
	if !ok || dir > uint64(link.Out) {
		return Record{}, errors.Wrap(ErrFormat, "record without direction")
	}
	data, ok := payload[keyData].([]byte)
	if !ok {
		return Record{}, errors.Wrap(ErrFormat, "record without data")
	}
	return Record{Time: time.Unix(0, ns), Link: name, Direction: link.Direction(dir), Data: data}, nil
}

func getUint(m map[int]interface{}, key int) (uint64, bool) {
	switch v := m[key].(type) {
	case uint64:
		return v, true
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

func getInt(m map[int]interface{}, key int) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}
