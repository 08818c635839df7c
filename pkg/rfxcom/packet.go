// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfxcom

import "time"

// Packet is one complete frame as cut by the Framer
type Packet struct {
	raw       []byte
	timestamp time.Time
}

// NewPacket wraps a complete frame. The slice is copied.
func NewPacket(frame []byte) *Packet {
	raw := make([]byte, len(frame))
	copy(raw, frame)
	return &Packet{raw: raw, timestamp: time.Now()}
}

// Length returns the length byte
func (p *Packet) Length() uint8 {
	if len(p.raw) == 0 {
		return 0
	}
	return p.raw[0]
}

// Type returns the packet type byte
func (p *Packet) Type() PacketType {
	if len(p.raw) < 2 {
		return 0
	}
	return PacketType(p.raw[1])
}

// Subtype returns the subtype byte
func (p *Packet) Subtype() uint8 {
	if len(p.raw) < 3 {
		return 0
	}
	return p.raw[2]
}

// Seq returns the sequence number byte
func (p *Packet) Seq() uint8 {
	if len(p.raw) < 4 {
		return 0
	}
	return p.raw[3]
}

// Data returns the frame from the subtype byte on: data[0] is the subtype,
// data[1] the sequence number, data[2:] the type-specific payload.
func (p *Packet) Data() []byte {
	if len(p.raw) < 2 {
		return nil
	}
	return p.raw[2:]
}

// Raw returns the whole frame including the length byte
func (p *Packet) Raw() []byte {
	return p.raw
}

// Timestamp returns when the frame was cut
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}
