// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package reading

import "time"

// Builder accumulates the fields of a reading. A builder is owned by a
// single decoder; Build hands out an independent Reading.
type Builder struct {
	mac        string
	value      string
	class      Class
	metavalues []MetaValue
	timestamp  time.Time
}

// NewBuilder starts a reading for the given device
func NewBuilder(mac string, class Class) *Builder {
	return &Builder{mac: mac, class: class}
}

// Value sets the canonical value
func (b *Builder) Value(v string) *Builder {
	b.value = v
	return b
}

// Meta appends a secondary value, replacing an existing one with the same name
func (b *Builder) Meta(m MetaValue) *Builder {
	for i := range b.metavalues {
		if b.metavalues[i].Name == m.Name {
			b.metavalues[i] = m
			return b
		}
	}
	b.metavalues = append(b.metavalues, m)
	return b
}

// At sets the reading timestamp (defaults to time.Now at Build)
func (b *Builder) At(t time.Time) *Builder {
	b.timestamp = t
	return b
}

// Build returns the finished reading
func (b *Builder) Build() Reading {
	metas := make([]MetaValue, len(b.metavalues))
	copy(metas, b.metavalues)
	ts := b.timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Reading{
		mac:        b.mac,
		value:      b.value,
		class:      b.class,
		metavalues: metas,
		timestamp:  ts,
	}
}
