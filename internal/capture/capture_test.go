// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/meridian/internal/link"
)

func TestCapture_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{Time: base, Link: "rfxcom", Direction: link.Out, Data: []byte{0x0D, 0x00, 0x00, 0x01, 0x00}},
		{Time: base.Add(time.Second), Link: "rfxcom", Direction: link.In, Data: []byte{0x0A, 0x52}},
		{Time: base.Add(2 * time.Second), Link: "teleinfo", Direction: link.In, Data: []byte("ADCO 1 A\r\n")},
	}
	for _, rec := range records {
		require.NoError(t, w.Write(rec))
	}
	assert.Equal(t, 3, w.Count())
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.False(t, r.Started().IsZero())

	for _, want := range records {
		got, err := r.Next()
		require.NoError(t, err)
		assert.True(t, want.Time.Equal(got.Time))
		assert.Equal(t, want.Link, got.Link)
		assert.Equal(t, want.Direction, got.Direction)
		assert.Equal(t, want.Data, got.Data)
	}
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCapture_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cbor")
	w, err := Create(path)
	require.NoError(t, err)
	w.Tap("rfxcom", link.In, []byte{1, 2, 3})
	require.NoError(t, w.Err())
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, rec.Data)
}

func TestCapture_ConcurrentTaps(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.Tap("link", link.In, []byte{byte(i), byte(j)})
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 200, w.Count())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	n := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 200, n)
}

func TestCapture_RejectsBadInput(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, ErrFormat), "empty: %v", err)

	_, err = NewReader(bytes.NewReader([]byte{0xFF, 0x00}))
	assert.True(t, errors.Is(err, ErrFormat), "garbage: %v", err)

	chunkFirst, _ := cbor.Marshal([]interface{}{uint64(recordChunk), map[int]interface{}{}})
	_, err = NewReader(bytes.NewReader(chunkFirst))
	assert.True(t, errors.Is(err, ErrFormat), "no header: %v", err)

	future, _ := cbor.Marshal([]interface{}{uint64(recordHeader), map[int]interface{}{keyVersion: uint64(Version + 1)}})
	_, err = NewReader(bytes.NewReader(future))
	assert.True(t, errors.Is(err, ErrVersion), "version: %v", err)
}

func TestCapture_MalformedRecord(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewWriter(&buf)
	require.NoError(t, err)
	bad, _ := cbor.Marshal([]interface{}{uint64(recordChunk), map[int]interface{}{keyTime: int64(1), keyLink: "x"}})
	buf.Write(bad)

	r, err := NewReader(&buf)
	require.NoError(t, err)
	_, err = r.Next()
	assert.True(t, errors.Is(err, ErrFormat), "%v", err)
}

func TestCapture_SkipsUnknownRecords(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	other, _ := cbor.Marshal([]interface{}{uint64(0x7F), map[int]interface{}{}})
	buf.Write(other)
	require.NoError(t, w.Write(Record{Time: time.Now(), Link: "x", Data: []byte{9}}))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, rec.Data)
}

func TestReplay(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(Record{Time: base.Add(time.Duration(i) * 20 * time.Millisecond), Link: "x", Data: []byte{byte(i)}}))
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	var got []byte
	start := time.Now()
	err = Replay(context.Background(), r, 1, func(rec Record) error {
		got = append(got, rec.Data...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, got)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	// Errors from fn stop the replay
	r, err = NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	stop := errors.New("stop")
	err = Replay(context.Background(), r, 0, func(Record) error { return stop })
	assert.Equal(t, stop, err)
}

func TestReplay_Cancelled(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	base := time.Now()
	require.NoError(t, w.Write(Record{Time: base, Link: "x", Data: []byte{0}}))
	require.NoError(t, w.Write(Record{Time: base.Add(time.Hour), Link: "x", Data: []byte{1}}))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = Replay(ctx, r, 1, func(Record) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
