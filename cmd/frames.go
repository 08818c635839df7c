// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/meridian/internal/link"
	"github.com/Thermoquad/meridian/pkg/rfxcom"
	"github.com/Thermoquad/meridian/pkg/teleinfo"
)

// frameEvent is one frame seen on a link, or a framing loss when Err is set
type frameEvent struct {
	Time   time.Time
	Link   string
	Dir    link.Direction
	Packet *rfxcom.Packet
	Block  string
	Err    error
}

// String formats the event the way raw_log prints it
func (e frameEvent) String() string {
	prefix := fmt.Sprintf("[%s] %-8s %-3s", e.Time.Format("15:04:05.000"), e.Link, e.Dir)
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s [ERROR] %v", prefix, e.Err)
	case e.Packet != nil:
		s := fmt.Sprintf("%s %s (0x%02X/0x%02X) seq=%d %s", prefix,
			rfxcom.FormatPacketType(e.Packet.Type()), uint8(e.Packet.Type()), e.Packet.Subtype(),
			e.Packet.Seq(), rfxcom.FormatHex(e.Packet.Raw()))
		for _, v := range rfxcom.ValidatePacket(e.Packet) {
			s += "\n    ! " + v.Message
		}
		return s
	default:
		var b strings.Builder
		b.WriteString(prefix + " TIC block")
		for _, line := range strings.Split(e.Block, teleinfo.LineDelimiter) {
			line = strings.Trim(line, "\r\n\x02\x03")
			if line == "" {
				continue
			}
			mark := " "
			if teleinfo.ValidLine(line) != nil {
				mark = "!"
			}
			fmt.Fprintf(&b, "\n  %s %s", mark, line)
		}
		return b.String()
	}
}

// frameTap cuts the raw traffic of every link into frames. Links named
// rfxcom carry RF frames; any other link carries meter blocks.
type frameTap struct {
	mu  sync.Mutex
	fn  func(frameEvent)
	rf  map[string]*rfxcom.Framer
	tic map[string]*teleinfo.Splitter
}

var _ link.Tap = (*frameTap)(nil)

func newFrameTap(fn func(frameEvent)) *frameTap {
	return &frameTap{
		fn:  fn,
		rf:  make(map[string]*rfxcom.Framer),
		tic: make(map[string]*teleinfo.Splitter),
	}
}

// Tap implements link.Tap
func (t *frameTap) Tap(name string, dir link.Direction, data []byte) {
	t.feed(time.Now(), name, dir, data)
}

func (t *frameTap) feed(at time.Time, name string, dir link.Direction, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := name + "/" + dir.String()
	if name == protoRFXCom {
		f, ok := t.rf[key]
		if !ok {
			f = rfxcom.NewFramer()
			t.rf[key] = f
		}
		packets, err := f.Push(data)
		for _, p := range packets {
			t.fn(frameEvent{Time: at, Link: name, Dir: dir, Packet: p})
		}
		if err != nil {
			t.fn(frameEvent{Time: at, Link: name, Dir: dir, Err: err})
		}
		return
	}

	s, ok := t.tic[key]
	if !ok {
		s = teleinfo.NewSplitter()
		t.tic[key] = s
	}
	blocks, err := s.Push(data)
	for _, b := range blocks {
		t.fn(frameEvent{Time: at, Link: name, Dir: dir, Block: b})
	}
	if err != nil {
		t.fn(frameEvent{Time: at, Link: name, Dir: dir, Err: err})
	}
}

// taps fans traffic out to several taps
type taps []link.Tap

func (ts taps) Tap(name string, dir link.Direction, data []byte) {
	for _, t := range ts {
		t.Tap(name, dir, data)
	}
}

// joinTaps drops nil taps and returns nil when none remain
func joinTaps(ts ...link.Tap) link.Tap {
	var out taps
	for _, t := range ts {
		if t != nil {
			out = append(out, t)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}
