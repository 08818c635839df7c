// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bus connects link drivers to the consumers of their readings.
package bus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/meridian/pkg/reading"
)

// Event names
const (
	EventValue     = "value"
	EventTrace     = "teleinfo-trace"
	EventTraceStop = "teleinfo-trace-stop"
)

// Config keys understood by drivers
const (
	ConfigPort  = "port"
	ConfigTrace = "trace"
)

// Emitter receives readings from drivers. Implementations must not block.
// Emit returns false when the reading was not accepted; drivers then keep
// their rate-limit and counter state so the next reading carries the delta.
type Emitter interface {
	Emit(event string, r reading.Reading) bool
}

// Driver is a link driver registered on the bus
type Driver interface {
	// Init starts the driver. A driver without a configured port logs and
	// returns nil without starting.
	Init(ctx context.Context) error
	// Free stops the driver and waits for its goroutines to exit
	Free()
	CanWrite(r reading.Reading) bool
	Write(r reading.Reading) error
	Config(mac, key, value string) error
}

// Event is a reading published on a Channel
type Event struct {
	ID       uuid.UUID
	Name     string
	Reading  reading.Reading
	Received time.Time
}

// Channel is a buffered Emitter. Emit never blocks: when the consumer lags
// the event is dropped and counted.
type Channel struct {
	events  chan Event
	dropped atomic.Uint64
	onDrop  func(Event)
}

// NewChannel creates a channel with the given buffer size
func NewChannel(size int) *Channel {
	if size < 1 {
		size = 1
	}
	return &Channel{events: make(chan Event, size)}
}

// OnDrop registers a callback for dropped events. Call before the first Emit.
func (c *Channel) OnDrop(fn func(Event)) {
	c.onDrop = fn
}

// Emit implements Emitter
func (c *Channel) Emit(name string, r reading.Reading) bool {
	ev := Event{
		ID:       uuid.New(),
		Name:     name,
		Reading:  r,
		Received: time.Now(),
	}
	select {
	case c.events <- ev:
		return true
	default:
		c.dropped.Add(1)
		if c.onDrop != nil {
			c.onDrop(ev)
		}
		return false
	}
}

// Events returns the receive side of the channel
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Dropped returns the number of events dropped so far
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// EmitterFunc adapts a function to the Emitter interface
type EmitterFunc func(event string, r reading.Reading)

// Emit implements Emitter. The reading is always accepted.
func (f EmitterFunc) Emit(event string, r reading.Reading) bool {
	f(event, r)
	return true
}
