// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package counter remembers the last forwarded cumulative totals of each
// device so that period deltas can be derived from meter indexes.
package counter

import (
	"time"

	"github.com/pkg/errors"
)

// ErrRollback is returned when a cumulative total is lower than the one
// last committed for the same device.
var ErrRollback = errors.New("counter rollback")

type entry struct {
	totals map[string]uint64
	at     time.Time
}

// Memory maps device identities to their last committed totals. Entries are
// created lazily and never expire. Memory is owned by a single goroutine.
type Memory struct {
	entries map[string]*entry
}

// New creates an empty counter memory
func New() *Memory {
	return &Memory{entries: make(map[string]*entry)}
}

// Delta returns total minus the committed value of name for id. A device or
// total seen for the first time yields 0. A total lower than the committed
// one yields ErrRollback.
func (m *Memory) Delta(id, name string, total uint64) (uint64, error) {
	e, ok := m.entries[id]
	if !ok {
		return 0, nil
	}
	prev, ok := e.totals[name]
	if !ok {
		return 0, nil
	}
	if total < prev {
		return 0, errors.Wrapf(ErrRollback, "%s %s: %d < %d", id, name, total, prev)
	}
	return total - prev, nil
}

// Commit records totals as the baseline for the next deltas of id.
// Names absent from totals keep their previous baseline.
func (m *Memory) Commit(id string, totals map[string]uint64, at time.Time) {
	e, ok := m.entries[id]
	if !ok {
		e = &entry{totals: make(map[string]uint64, len(totals))}
		m.entries[id] = e
	}
	for name, v := range totals {
		e.totals[name] = v
	}
	e.at = at
}

// Forget clears the baseline of id
func (m *Memory) Forget(id string) {
	delete(m.entries, id)
}

// Last returns a copy of the committed totals of id and the commit time
func (m *Memory) Last(id string) (map[string]uint64, time.Time, bool) {
	e, ok := m.entries[id]
	if !ok {
		return nil, time.Time{}, false
	}
	out := make(map[string]uint64, len(e.totals))
	for k, v := range e.totals {
		out[k] = v
	}
	return out, e.at, true
}

// Len returns the number of devices with a baseline
func (m *Memory) Len() int {
	return len(m.entries)
}
