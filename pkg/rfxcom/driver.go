// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfxcom

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
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

var (
	// ErrHandshake is reported when the receiver does not identify itself
	ErrHandshake = errors.New("handshake failed")
	// ErrNotReady is returned by Write before the receiver is started
	ErrNotReady = errors.New("receiver not ready")
)

// SubState is the protocol state of a connected receiver
type SubState int32

const (
	Idle SubState = iota
	Resetting
	Handshaking
	Receiving
)

func (s SubState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resetting:
		return "resetting"
	case Handshaking:
		return "handshaking"
	case Receiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Config holds the receiver settings
type Config struct {
	Port             string
	StartupDelay     time.Duration
	HandshakeTimeout time.Duration
	StableAfter      time.Duration
	HealthInterval   time.Duration
	Intervals        map[reading.Class]time.Duration
	DefaultInterval  time.Duration
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

// Driver runs an RFXtrx receiver: it implements bus.Driver for the gateway
// and link.Handler for its supervisor.
type Driver struct {
	name      string
	cfg       Config
	emitter   bus.Emitter
	log       zerolog.Logger
	metrics   link.Metrics
	tap       link.Tap
	newOpener func(port string) link.Opener
	bo        backoff.BackOff

	mu     sync.Mutex
	ctx    context.Context
	sup    *link.Supervisor
	cancel context.CancelFunc
	done   chan struct{}

	substate atomic.Int32

	// supervisor goroutine only
	framer        *Framer
	decoder       *Decoder
	seq           uint8
	stopHandshake func()
}

var (
	_ bus.Driver   = (*Driver)(nil)
	_ link.Handler = (*Driver)(nil)
)

// NewDriver creates a receiver driver. Init starts it.
func NewDriver(opts Options) *Driver {
	if opts.Name == "" {
		opts.Name = "rfxcom"
	}
	if opts.StartupDelay <= 0 {
		opts.StartupDelay = DefaultStartupDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = gate.DefaultInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = link.NopMetrics{}
	}
	if opts.NewOpener == nil {
		opts.NewOpener = func(port string) link.Opener {
			return link.NewSerialOpener(port, link.RFXtrxMode())
		}
	}
	if opts.BackOff == nil {
		opts.BackOff = link.NewLinearBackOff()
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
		framer:    NewFramer(),
		decoder:   NewDecoder(gate.New(opts.Intervals, opts.DefaultInterval), counter.New()),
	}
}

// SubState returns the protocol state of the receiver
func (d *Driver) SubState() SubState {
	return SubState(d.substate.Load())
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
		d.log.Error().Msg("Port not defined, receiver not started")
		return nil
	}
	d.start()
	return nil
}

func (d *Driver) start() {
	d.log.Info().Str("port", d.cfg.Port).Msg("Init on device port")
	sup := link.New(link.Options{
		Name:           d.name,
		Opener:         d.newOpener(d.cfg.Port),
		Handler:        d,
		BackOff:        d.bo,
		HealthInterval: d.cfg.HealthInterval,
		StableAfter:    d.cfg.StableAfter,
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

// CanWrite implements bus.Driver
func (d *Driver) CanWrite(r reading.Reading) bool {
	return strings.HasPrefix(r.Mac(), Lighting2Prefix)
}

// Write implements bus.Driver
func (d *Driver) Write(r reading.Reading) error {
	if !d.CanWrite(r) {
		return errors.Wrap(ErrNotWritable, r.Mac())
	}
	cmd, err := Lighting2FromReading(r)
	if err != nil {
		return err
	}

	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()
	if sup == nil {
		return link.ErrClosed
	}
	return sup.Submit(func(l link.Link) error {
		if d.SubState() != Receiving {
			return ErrNotReady
		}
		seq := d.nextSeq()
		d.log.Info().Str("mac", r.Mac()).Uint8("cmd", cmd.Command).Uint8("level", cmd.Level).Uint8("seq", seq).Msg("Lighting2 command")
		return l.Write(cmd.Encode(seq))
	})
}

// Config implements bus.Driver. The only key is the serial port.
func (d *Driver) Config(mac, key, value string) error {
	if key != bus.ConfigPort {
		return errors.Wrap(bus.ErrUnsupported, key)
	}

	d.mu.Lock()
	d.cfg.Port = value
	sup := d.sup
	if sup == nil && d.ctx != nil && value != "" {
		d.start()
	}
	d.mu.Unlock()

	if sup != nil {
		return sup.SetOpener(d.newOpener(value))
	}
	return nil
}

// Opened implements link.Handler
func (d *Driver) Opened(l link.Link) {
	d.framer.Reset()
	d.setSubState(Idle)
	d.log.Info().Dur("delay", d.cfg.StartupDelay).Msg("Waiting for receiver start-up")
	l.After(d.cfg.StartupDelay, func() { d.reset(l) })
}

// Received implements link.Handler
func (d *Driver) Received(l link.Link, data []byte) {
	if d.SubState() < Handshaking {
		return
	}
	frames, err := d.framer.Push(data)
	for _, p := range frames {
		d.handleFrame(l, p)
	}
	if err != nil {
		d.log.Warn().Err(err).Msg("Framing lost")
		d.metrics.FrameError(d.name, "length")
	}
}

// Closed implements link.Handler
func (d *Driver) Closed() {
	if d.stopHandshake != nil {
		d.stopHandshake()
		d.stopHandshake = nil
	}
	d.framer.Reset()
	d.setSubState(Idle)
}

func (d *Driver) reset(l link.Link) {
	d.setSubState(Resetting)
	d.log.Info().Msg("Reset RFX")
	if err := l.Write(EncodeInterfaceCommand(d.nextSeq(), CmdReset)); err != nil {
		return
	}
	l.After(resetSettle, func() {
		l.Flush()
		d.framer.Reset()
		d.setSubState(Handshaking)
		l.After(flushSettle, func() {
			d.log.Info().Msg("Get RFX status")
			if err := l.Write(EncodeInterfaceCommand(d.nextSeq(), CmdGetStatus)); err != nil {
				return
			}
			d.stopHandshake = l.After(d.cfg.HandshakeTimeout, func() {
				d.stopHandshake = nil
				l.Fail(errors.Wrap(ErrHandshake, "no start receiver response"))
			})
		})
	})
}

func (d *Driver) handleFrame(l link.Link, p *Packet) {
	if anomalies := ValidatePacket(p); len(anomalies) > 0 {
		fatal := false
		for _, a := range anomalies {
			d.log.Warn().Str("type", FormatPacketType(p.Type())).Str("frame", FormatHex(p.Raw())).Msg(a.Message)
			d.metrics.FrameError(d.name, anomalyKind(a.Type))
			fatal = fatal || a.Fatal()
		}
		if fatal {
			return
		}
	}

	if d.SubState() != Receiving && p.Type() != TypeInterfaceMessage {
		d.log.Debug().Str("type", FormatPacketType(p.Type())).Msg("Frame ignored during handshake")
		return
	}

	res, err := d.decoder.DecodeFunc(p, d.deliver)
	if err != nil {
		kind := "decode"
		switch {
		case errors.Is(err, ErrUnknownType):
			kind = "unknown"
		case errors.Is(err, counter.ErrRollback):
			kind = "rollback"
		}
		d.log.Error().Err(err).Str("frame", FormatHex(p.Raw())).Msg("Packet type " + FormatPacketType(p.Type()))
		d.metrics.FrameError(d.name, kind)
	} else {
		d.metrics.FrameDecoded(d.name, FormatPacketType(p.Type()))
	}

	if res.Status != nil {
		d.handleStatus(l, res.Status)
	}
	if res.Ack != nil {
		ev := d.log.Info()
		if !res.Ack.OK() {
			ev = d.log.Warn()
		}
		ev.Uint8("seq", res.Ack.Seq).Msg("Transmitter " + res.Ack.String())
	}
}

// deliver hands a decoded reading to the emitter
func (d *Driver) deliver(r reading.Reading) bool {
	if d.emitter != nil && !d.emitter.Emit(bus.EventValue, r) {
		d.log.Warn().Str("mac", r.Mac()).Msg("Reading not delivered, state kept for the next frame")
		return false
	}
	d.metrics.ReadingEmitted(d.name, bus.EventValue)
	d.log.Info().Str("mac", r.Mac()).Str("value", r.Value()).Str("class", string(r.Class())).Msg("Reading")
	return true
}

func (d *Driver) handleStatus(l link.Link, st *Status) {
	d.log.Info().Msg(FormatStatus(st))
	if d.SubState() != Handshaking {
		return
	}
	switch st.Subtype {
	case SubtypeModeResponse:
		d.log.Info().Msg("Start RFX receiver")
		if err := l.Write(EncodeInterfaceCommand(d.nextSeq(), CmdStartReceiver)); err != nil {
			return
		}
	case SubtypeStartReceiver:
		if st.Copyright != Copyright {
			l.Fail(errors.Wrapf(ErrHandshake, "invalid start receiver response %q", st.Copyright))
			return
		}
		if d.stopHandshake != nil {
			d.stopHandshake()
			d.stopHandshake = nil
		}
		d.setSubState(Receiving)
		d.log.Info().Msg(Copyright)
	}
}

func (d *Driver) nextSeq() uint8 {
	d.seq++
	return d.seq
}

func (d *Driver) setSubState(s SubState) {
	if SubState(d.substate.Swap(int32(s))) != s {
		d.log.Debug().Str("state", s.String()).Msg("Receiver state")
	}
}

func anomalyKind(t AnomalyType) string {
	switch t {
	case AnomalyShortPacket:
		return "short"
	case AnomalyLengthMismatch:
		return "length"
	default:
		return "value"
	}
}
