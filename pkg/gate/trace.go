// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gate

import "time"

// DefaultTraceDuration bounds how long a trace stays active
const DefaultTraceDuration = 5 * time.Minute

// Trace is a self-expiring flag enabling continuous forwarding of a meter
type Trace struct {
	duration time.Duration
	started  time.Time
	active   bool
}

// NewTrace creates an inactive trace lasting d once started
func NewTrace(d time.Duration) *Trace {
	if d <= 0 {
		d = DefaultTraceDuration
	}
	return &Trace{duration: d}
}

// Start (re)arms the trace at now
func (t *Trace) Start(now time.Time) {
	t.started = now
	t.active = true
}

// Stop disarms the trace
func (t *Trace) Stop() {
	t.active = false
}

// Duration returns the trace lifetime
func (t *Trace) Duration() time.Duration {
	return t.duration
}

// Active reports whether the trace is armed and not yet expired
func (t *Trace) Active(now time.Time) bool {
	return t.active && now.Sub(t.started) <= t.duration
}

// Expire disarms an elapsed trace. It returns true exactly once per expiry.
func (t *Trace) Expire(now time.Time) bool {
	if t.active && now.Sub(t.started) > t.duration {
		t.active = false
		return true
	}
	return false
}
