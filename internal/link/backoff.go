// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Linear backoff defaults for receivers that need a settle time between
// attempts
const (
	DefaultLinearFloor   = 5 * time.Second
	DefaultLinearStep    = 5 * time.Second
	DefaultLinearCeiling = 60 * time.Second
)

// LinearBackOff grows the delay by Step after each consecutive failure,
// starting at Floor and capped at Ceiling.
type LinearBackOff struct {
	Floor   time.Duration
	Step    time.Duration
	Ceiling time.Duration

	current time.Duration
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

// NewLinearBackOff creates a linear backoff with the default bounds
func NewLinearBackOff() *LinearBackOff {
	return &LinearBackOff{
		Floor:   DefaultLinearFloor,
		Step:    DefaultLinearStep,
		Ceiling: DefaultLinearCeiling,
	}
}

// NextBackOff implements backoff.BackOff
func (b *LinearBackOff) NextBackOff() time.Duration {
	if b.current == 0 {
		b.current = b.Floor
	} else {
		b.current += b.Step
	}
	if b.current > b.Ceiling {
		b.current = b.Ceiling
	}
	return b.current
}

// Reset implements backoff.BackOff
func (b *LinearBackOff) Reset() {
	b.current = 0
}
