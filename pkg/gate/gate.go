// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package gate rate-limits readings per device identity.
package gate

import (
	"time"

	"github.com/Thermoquad/meridian/pkg/reading"
)

// Default timings
const (
	DefaultInterval      = 5 * time.Minute
	DefaultAlarmCooldown = 15 * time.Second
)

// Decision is the outcome of ShouldEmit
type Decision int

const (
	Reject Decision = iota
	EmitFirst
	EmitAlarm
	EmitInterval
)

// Emit reports whether the reading should be forwarded
func (d Decision) Emit() bool {
	return d != Reject
}

func (d Decision) String() string {
	switch d {
	case Reject:
		return "reject"
	case EmitFirst:
		return "first"
	case EmitAlarm:
		return "alarm"
	case EmitInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// Gate remembers when each device last forwarded a reading. It is owned by
// the goroutine of the link it gates.
type Gate struct {
	intervals map[reading.Class]time.Duration
	fallback  time.Duration
	cooldown  time.Duration
	last      map[string]time.Time
}

// New creates a gate. Classes missing from intervals use fallback.
func New(intervals map[reading.Class]time.Duration, fallback time.Duration) *Gate {
	iv := make(map[reading.Class]time.Duration, len(intervals))
	for c, d := range intervals {
		iv[c] = d
	}
	return &Gate{
		intervals: iv,
		fallback:  fallback,
		cooldown:  DefaultAlarmCooldown,
		last:      make(map[string]time.Time),
	}
}

// SetAlarmCooldown overrides the delay an alarm waits after the last
// forwarded reading. Non-positive values keep the default.
func (g *Gate) SetAlarmCooldown(d time.Duration) {
	if d > 0 {
		g.cooldown = d
	}
}

// AlarmCooldown returns the alarm cool-down
func (g *Gate) AlarmCooldown() time.Duration {
	return g.cooldown
}

// Interval returns the emission interval for a class
func (g *Gate) Interval(class reading.Class) time.Duration {
	if d, ok := g.intervals[class]; ok {
		return d
	}
	return g.fallback
}

// ShouldEmit decides whether a reading for id may be forwarded at now.
// alarm marks readings carrying an alert condition; these bypass the class
// interval once the cool-down has elapsed since the last forwarded reading
// of any kind.
func (g *Gate) ShouldEmit(id string, class reading.Class, now time.Time, alarm bool) Decision {
	last, seen := g.last[id]
	if !seen {
		return EmitFirst
	}
	since := now.Sub(last)
	if since >= g.Interval(class) {
		return EmitInterval
	}
	if alarm && since >= g.cooldown {
		return EmitAlarm
	}
	return Reject
}

// Mark records that a reading for id was forwarded at now
func (g *Gate) Mark(id string, now time.Time, d Decision) {
	if d.Emit() {
		g.last[id] = now
	}
}

// LastEmit returns the time of the last forwarded reading for id
func (g *Gate) LastEmit(id string) (time.Time, bool) {
	t, ok := g.last[id]
	return t, ok
}
