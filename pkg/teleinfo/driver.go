// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package teleinfo

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/meridian/internal/link"
	"github.com/Thermoquad/meridian/pkg/bus"
	"github.com/Thermoquad/meridian/pkg/counter"
	"github.com/Thermoquad/meridian/pkg/gate"
	"github.com/Thermoquad/meridian/pkg/reading"
)

// Trace config values
const (
	TraceStart = "start"
	TraceStop  = "stop"
)

// DefaultRetry is the constant delay between reconnection attempts
const DefaultRetry = 10 * time.Second

// ErrReadOnly is returned by Write: meters accept no commands
var ErrReadOnly = errors.New("meter is read-only")

// Config holds the settings of one meter link
type Config struct {
	Port           string
	Interval       time.Duration
	TraceDuration  time.Duration
	HealthInterval time.Duration
	// AlarmCooldown is how long after the last forwarded reading an ADPS
	// alarm may bypass Interval. Zero means gate.DefaultAlarmCooldown.
	AlarmCooldown time.Duration
}

// Options configure a Driver
type Options struct {
	Config
	Name      string
	Emitter   bus.Emitter
	Logger    zerolog.Logger
	Metrics   link.Metrics
	Tap       link.Tap
	NewOpener func(port string) link.Opener
	BackOff   backoff.BackOff
}

// Driver reads one meter. It implements bus.Driver for the gateway and
// link.Handler for its supervisor.
type Driver struct {
	name      string
	cfg       Config
	emitter   bus.Emitter
	log       zerolog.Logger
	metrics   link.Metrics
	tap       link.Tap
	newOpener func(port string) link.Opener
	bo        backoff.BackOff
	now       func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	sup    *link.Supervisor
	cancel context.CancelFunc
	done   chan struct{}

	// supervisor goroutine only
	splitter       *Splitter
	gate           *gate.Gate
	memory         *counter.Memory
	trace          *gate.Trace
	stopTraceTmr   func()
	lastMac        string
	lastForward    time.Time
	lastIncomplete time.Time
}

var (
	_ bus.Driver   = (*Driver)(nil)
	_ link.Handler = (*Driver)(nil)
)

// NewDriver creates a meter driver. Init starts it.
func NewDriver(opts Options) *Driver {
	if opts.Name == "" {
		opts.Name = "teleinfo"
	}
	if opts.Interval <= 0 {
		opts.Interval = gate.DefaultInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = link.DefaultHealthInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = link.NopMetrics{}
	}
	if opts.NewOpener == nil {
		opts.NewOpener = func(port string) link.Opener {
			return link.NewSerialOpener(port, link.TeleinfoMode())
		}
	}
	if opts.BackOff == nil {
		opts.BackOff = backoff.NewConstantBackOff(DefaultRetry)
	}
	return &Driver{
		name:      opts.Name,
		cfg:       opts.Config,
		emitter:   opts.Emitter,
		log:       opts.Logger.With().Str("link", opts.Name).Logger(),
		metrics:   opts.Metrics,
		tap:       opts.Tap,
		newOpener: opts.NewOpener,
		bo:        opts.BackOff,
		now:       time.Now,
		splitter:  NewSplitter(),
		gate:      newGate(opts.Config),
		memory:    counter.New(),
		trace:     gate.NewTrace(opts.TraceDuration),
	}
}

func newGate(cfg Config) *gate.Gate {
	g := gate.New(nil, cfg.Interval)
	g.SetAlarmCooldown(cfg.AlarmCooldown)
	return g
}

// Name returns the link name
func (d *Driver) Name() string {
	return d.name
}

// LinkState returns the transport state, Disconnected when not started
func (d *Driver) LinkState() link.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup == nil {
		return link.Disconnected
	}
	return d.sup.State()
}

// Init implements bus.Driver
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = ctx
	if d.sup != nil {
		return nil
	}
	if d.cfg.Port == "" {
		d.log.Error().Msg("Cancel init: port not defined")
		return nil
	}
	d.start()
	return nil
}

func (d *Driver) start() {
	d.log.Info().Str("port", d.cfg.Port).Msg("Init")
	sup := link.New(link.Options{
		Name:           d.name,
		Opener:         d.newOpener(d.cfg.Port),
		Handler:        d,
		BackOff:        d.bo,
		HealthInterval: d.cfg.HealthInterval,
		Logger:         d.log,
		Recorder:       d.metrics,
		Tap:            d.tap,
	})
	ctx, cancel := context.WithCancel(d.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()
	d.sup = sup
	d.cancel = cancel
	d.done = done
}

// Free implements bus.Driver
func (d *Driver) Free() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.ctx, d.sup, d.cancel, d.done = nil, nil, nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	d.log.Info().Msg("Free")
	cancel()
	<-done
}

// CanWrite implements bus.Driver. Meters are read-only.
func (d *Driver) CanWrite(reading.Reading) bool {
	return false
}

// Write implements bus.Driver
func (d *Driver) Write(r reading.Reading) error {
	return errors.Wrap(ErrReadOnly, d.name)
}

// Config implements bus.Driver. Keys are the serial port and the trace
// mode (start or stop).
func (d *Driver) Config(mac, key, value string) error {
	switch key {
	case bus.ConfigPort:
		return d.setPort(value)
	case bus.ConfigTrace:
		return d.setTrace(value)
	default:
		return errors.Wrap(bus.ErrUnsupported, key)
	}
}

func (d *Driver) setPort(port string) error {
	d.mu.Lock()
	d.cfg.Port = port
	sup := d.sup
	if sup == nil && d.ctx != nil && port != "" {
		d.start()
	}
	d.mu.Unlock()

	if sup != nil {
		return sup.SetOpener(d.newOpener(port))
	}
	return nil
}

func (d *Driver) setTrace(value string) error {
	if value != TraceStart && value != TraceStop {
		return errors.Wrapf(bus.ErrUnsupported, "trace %q", value)
	}
	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()
	if sup == nil {
		return link.ErrClosed
	}
	return sup.Submit(func(l link.Link) error {
		if value == TraceStart {
			d.startTrace(l)
		} else {
			d.stopTrace()
		}
		return nil
	})
}

func (d *Driver) startTrace(l link.Link) {
	d.trace.Start(d.now())
	if d.stopTraceTmr != nil {
		d.stopTraceTmr()
	}
	// expireTrace also runs on every block
	d.stopTraceTmr = l.After(d.trace.Duration()+time.Second, func() {
		d.stopTraceTmr = nil
		d.expireTrace()
	})
	d.log.Info().Dur("duration", d.trace.Duration()).Msg("Start trace mode")
}

func (d *Driver) stopTrace() {
	d.trace.Stop()
	if d.stopTraceTmr != nil {
		d.stopTraceTmr()
		d.stopTraceTmr = nil
	}
	d.log.Info().Msg("End trace mode")
}

func (d *Driver) expireTrace() {
	if !d.trace.Expire(d.now()) {
		return
	}
	mac := d.lastMac
	if mac == "" {
		mac = d.name
	}
	d.emit(bus.EventTraceStop, reading.New(mac, reading.ClassTeleinfo, ""))
	d.log.Info().Msg("End auto trace mode")
}

// Opened implements link.Handler
func (d *Driver) Opened(l link.Link) {
	d.splitter.Reset()
	if d.lastForward.IsZero() {
		d.lastForward = d.now()
	}
}

// Received implements link.Handler
func (d *Driver) Received(l link.Link, data []byte) {
	blocks, err := d.splitter.Push(data)
	for _, block := range blocks {
		d.handleBlock(block)
	}
	if err != nil {
		d.log.Warn().Err(err).Msg("Framing lost")
		d.metrics.FrameError(d.name, "overflow")
	}
}

// Closed implements link.Handler
func (d *Driver) Closed() {
	d.splitter.Reset()
}

func (d *Driver) handleBlock(block string) {
	now := d.now()
	d.expireTrace()

	frame, invalid := ParseBlock(block)
	if invalid > 0 {
		d.metrics.FrameError(d.name, "checksum")
		d.log.Debug().Int("lines", invalid).Msg("Lines with invalid checksum dropped")
	}
	frame.Fill()

	if !frame.Complete() {
		d.incomplete(frame, now)
		return
	}
	d.metrics.FrameDecoded(d.name, "teleinfo")

	mac := frame.Mac()
	d.lastMac = mac
	dec := d.gate.ShouldEmit(mac, reading.ClassTeleinfo, now, frame.Alarm())
	tracing := d.trace.Active(now)
	if !dec.Emit() && !tracing {
		return
	}

	totals, err := frame.AddPeriods(d.memory)
	if err != nil {
		if errors.Is(err, counter.ErrRollback) {
			if dec.Emit() {
				d.memory.Forget(mac)
			}
			d.metrics.FrameError(d.name, "rollback")
		} else {
			d.metrics.FrameError(d.name, "decode")
		}
		d.log.Error().Err(err).Str("mac", mac).Msg("TIC index rejected")
		return
	}
	r := frame.Reading(now)

	if !dec.Emit() {
		d.emit(bus.EventTrace, r)
		return
	}
	if !d.emit(bus.EventValue, r) {
		d.log.Warn().Str("mac", mac).Msg("TIC reading not delivered, periods kept for the next block")
		return
	}
	d.gate.Mark(mac, now, dec)
	d.memory.Commit(mac, totals, now)
	d.lastForward = now
	d.log.Info().Str("mac", mac).Str("value", r.Value()).Str("reason", dec.String()).Msg("TIC")
}

func (d *Driver) incomplete(frame *Frame, now time.Time) {
	window := 2 * d.gate.Interval(reading.ClassTeleinfo)
	since := d.lastForward
	if d.lastIncomplete.After(since) {
		since = d.lastIncomplete
	}
	if now.Sub(since) < window {
		return
	}
	d.lastIncomplete = now
	d.metrics.FrameError(d.name, "incomplete")
	ev := d.log.Error().Int("fields", frame.Len())
	for _, f := range frame.Fields() {
		ev = ev.Str(f.Name, f.Value)
	}
	ev.Msg("TIC block incomplete")
}

func (d *Driver) emit(event string, r reading.Reading) bool {
	if d.emitter != nil && !d.emitter.Emit(event, r) {
		return false
	}
	d.metrics.ReadingEmitted(d.name, event)
	return true
}
