// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import "time"

// Recorder receives link counters. A nil Recorder disables recording.
type Recorder interface {
	LinkState(link, state string)
	LinkError(link, kind string)
	LinkRetry(link string, delay time.Duration)
	BytesIn(link string, n int)
	BytesOut(link string, n int)
}

// FrameRecorder receives protocol counters from the drivers sitting on a link
type FrameRecorder interface {
	FrameDecoded(link, kind string)
	FrameError(link, kind string)
	ReadingEmitted(link, event string)
}

// Metrics is everything a driver reports
type Metrics interface {
	Recorder
	FrameRecorder
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) LinkState(string, string) {}
func (NopMetrics) LinkError(string, string) {}
func (NopMetrics) LinkRetry(string, time.Duration) {}
func (NopMetrics) BytesIn(string, int) {}
func (NopMetrics) BytesOut(string, int) {}
func (NopMetrics) FrameDecoded(string, string) {}
func (NopMetrics) FrameError(string, string) {}
func (NopMetrics) ReadingEmitted(string, string) {}
