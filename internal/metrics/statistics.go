// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics counts link and protocol events and exports them to
// Prometheus.
package metrics

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/Thermoquad/meridian/internal/link"
	"github.com/Thermoquad/meridian/pkg/reading"
)

var (
	descLinkUp = prometheus.NewDesc(
		"meridian_link_up",
		"Whether the link is connected.",
		[]string{"link", "state"},
		nil,
	)

	descLinkErrors = prometheus.NewDesc(
		"meridian_link_errors_total",
		"Transport errors by kind (open, read, write, protocol).",
		[]string{"link", "kind"},
		nil,
	)

	descLinkRetries = prometheus.NewDesc(
		"meridian_link_retries_total",
		"Reconnection attempts scheduled.",
		[]string{"link"},
		nil,
	)

	descRetryDelay = prometheus.NewDesc(
		"meridian_link_retry_delay_seconds",
		"Backoff delay of the last scheduled retry.",
		[]string{"link"},
		nil,
	)

	descBytes = prometheus.NewDesc(
		"meridian_link_bytes_total",
		"Bytes transferred on the link.",
		[]string{"link", "direction"},
		nil,
	)

	descFrames = prometheus.NewDesc(
		"meridian_frames_total",
		"Frames decoded by packet type.",
		[]string{"link", "type"},
		nil,
	)

	descFrameErrors = prometheus.NewDesc(
		"meridian_frame_errors_total",
		"Frames dropped or rejected by kind.",
		[]string{"link", "kind"},
		nil,
	)

	descReadings = prometheus.NewDesc(
		"meridian_readings_total",
		"Readings emitted on the bus by event name.",
		[]string{"link", "event"},
		nil,
	)

	descValue = prometheus.NewDesc(
		"meridian_device_value",
		"Last numeric value forwarded by the device.",
		[]string{"mac", "class"},
		nil,
	)
)

type linkStats struct {
	state       string
	errors      map[string]uint64
	retries     uint64
	delay       time.Duration
	bytesIn     uint64
	bytesOut    uint64
	frames      map[string]uint64
	frameErrors map[string]uint64
	readings    map[string]uint64
}

func newLinkStats() *linkStats {
	return &linkStats{
		state:       link.Disconnected.String(),
		errors:      make(map[string]uint64),
		frames:      make(map[string]uint64),
		frameErrors: make(map[string]uint64),
		readings:    make(map[string]uint64),
	}
}

type deviceValue struct {
	class reading.Class
	value float64
	at    time.Time
}

// Statistics tracks link and frame counters for every link. It implements
// link.Metrics and prometheus.Collector and is safe for concurrent use.
type Statistics struct {
	mu      sync.Mutex
	start   time.Time
	links   map[string]*linkStats
	devices map[string]deviceValue
}

var (
	_ link.Metrics         = (*Statistics)(nil)
	_ prometheus.Collector = (*Statistics)(nil)
)

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{
		start:   time.Now(),
		links:   make(map[string]*linkStats),
		devices: make(map[string]deviceValue),
	}
}

// get returns the stats of name; s.mu must be held
func (s *Statistics) get(name string) *linkStats {
	ls, ok := s.links[name]
	if !ok {
		ls = newLinkStats()
		s.links[name] = ls
	}
	return ls
}

func (s *Statistics) LinkState(name, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).state = state
}

func (s *Statistics) LinkError(name, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).errors[kind]++
}

func (s *Statistics) LinkRetry(name string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.get(name)
	ls.retries++
	ls.delay = delay
}

func (s *Statistics) BytesIn(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).bytesIn += uint64(n)
}

func (s *Statistics) BytesOut(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).bytesOut += uint64(n)
}

func (s *Statistics) FrameDecoded(name, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).frames[kind]++
}

func (s *Statistics) FrameError(name, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).frameErrors[kind]++
}

func (s *Statistics) ReadingEmitted(name, event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(name).readings[event]++
}

// ObserveReading remembers the value of r when it is numeric
func (s *Statistics) ObserveReading(r reading.Reading) {
	v, err := strconv.ParseFloat(r.Value(), 64)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[r.Mac()] = deviceValue{class: r.Class(), value: v, at: r.Timestamp()}
}

// Describe implements prometheus.Collector
func (s *Statistics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descLinkUp, descLinkErrors, descLinkRetries, descRetryDelay, descBytes,
		descFrames, descFrameErrors, descReadings, descValue,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (s *Statistics) Collect(ch chan<- prometheus.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, ls := range s.links {
		up := 0.0
		if ls.state == link.Connected.String() {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(descLinkUp, prometheus.GaugeValue, up, name, ls.state)
		ch <- prometheus.MustNewConstMetric(descLinkRetries, prometheus.CounterValue, float64(ls.retries), name)
		ch <- prometheus.MustNewConstMetric(descRetryDelay, prometheus.GaugeValue, ls.delay.Seconds(), name)
		ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(ls.bytesIn), name, "in")
		ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(ls.bytesOut), name, "out")
		for kind, n := range ls.errors {
			ch <- prometheus.MustNewConstMetric(descLinkErrors, prometheus.CounterValue, float64(n), name, kind)
		}
		for kind, n := range ls.frames {
			ch <- prometheus.MustNewConstMetric(descFrames, prometheus.CounterValue, float64(n), name, kind)
		}
		for kind, n := range ls.frameErrors {
			ch <- prometheus.MustNewConstMetric(descFrameErrors, prometheus.CounterValue, float64(n), name, kind)
		}
		for event, n := range ls.readings {
			ch <- prometheus.MustNewConstMetric(descReadings, prometheus.CounterValue, float64(n), name, event)
		}
	}

	for mac, dv := range s.devices {
		m := prometheus.MustNewConstMetric(descValue, prometheus.GaugeValue, dv.value, mac, string(dv.class))
		ch <- prometheus.NewMetricWithTimestamp(dv.at, m)
	}
}

// Register adds the collector to reg
func (s *Statistics) Register(reg prometheus.Registerer) error {
	return reg.Register(s)
}

// Snapshot is a copy of the counters of one link
type Snapshot struct {
	State       string
	Errors      uint64
	Retries     uint64
	Delay       time.Duration
	BytesIn     uint64
	BytesOut    uint64
	Frames      uint64
	FrameErrors uint64
	Readings    uint64
}

// Link returns the counters of one link
func (s *Statistics) Link(name string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.links[name]
	if !ok {
		return Snapshot{State: link.Disconnected.String()}
	}
	return Snapshot{
		State:       ls.state,
		Errors:      sum(ls.errors),
		Retries:     ls.retries,
		Delay:       ls.delay,
		BytesIn:     ls.bytesIn,
		BytesOut:    ls.bytesOut,
		Frames:      sum(ls.frames),
		FrameErrors: sum(ls.frameErrors),
		Readings:    sum(ls.readings),
	}
}

// Links returns the names of every link seen, sorted
func (s *Statistics) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := maps.Keys(s.links)
	slices.Sort(names)
	return names
}

func sum(m map[string]uint64) uint64 {
	var n uint64
	for _, v := range m {
		n += v
	}
	return n
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	elapsed := time.Since(s.start)

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	for _, name := range s.Links() {
		snap := s.Link(name)
		total := snap.Frames + snap.FrameErrors
		var validPercent float64
		if total > 0 {
			validPercent = float64(snap.Frames) * 100.0 / float64(total)
		}
		fmt.Fprintf(&b, "[%s] %s\n", name, snap.State)
		fmt.Fprintf(&b, "Frames:          %8d (%.1f%% valid)\n", total, validPercent)
		if snap.FrameErrors > 0 {
			fmt.Fprintf(&b, "Frame Errors:    %8d\n", snap.FrameErrors)
		}
		fmt.Fprintf(&b, "Readings:        %8d\n", snap.Readings)
		if snap.Errors > 0 {
			fmt.Fprintf(&b, "Link Errors:     %8d (%d retries, last delay %s)\n", snap.Errors, snap.Retries, snap.Delay)
		}
		if secs := elapsed.Seconds(); secs > 0 {
			fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", float64(total)/secs)
		}
	}
	b.WriteString("================================\n")
	return b.String()
}
