// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link keeps a serial link open for a protocol handler: it opens
// the transport, pumps bytes to the handler, and reconnects with backoff
// when anything goes wrong.
package link

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Supervisor defaults
const (
	DefaultHealthInterval = 10 * time.Second
	DefaultStableAfter    = 60 * time.Second
	readBufferSize        = 256
	eventQueueSize        = 64
)

var (
	// ErrClosed is returned when writing to a link that is not connected
	ErrClosed = errors.New("link closed")
	// ErrRunning is returned by Run on a supervisor that already ran
	ErrRunning = errors.New("supervisor already started")
)

// State of a supervised link
type State int32

const (
	Disconnected State = iota
	Opening
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Opening:
		return "opening"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Direction of captured traffic
type Direction uint8

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

// Handler is the protocol side of a link. All methods run on the
// supervisor goroutine.
type Handler interface {
	Opened(l Link)
	Received(l Link, data []byte)
	Closed()
}

// Link is the view of the current connection given to handlers. A Link
// outlives its connection harmlessly: once the connection is replaced,
// writes return ErrClosed and timers never fire.
type Link interface {
	Write(p []byte) error
	// Flush drops input pending in the transport
	Flush()
	// After runs fn on the supervisor goroutine after d, unless the
	// connection is replaced first. The returned func cancels the timer.
	After(d time.Duration, fn func()) (cancel func())
	// Fail closes the connection and schedules a retry
	Fail(err error)
}

// Tap observes raw traffic
type Tap interface {
	Tap(link string, dir Direction, data []byte)
}

// Options configure a Supervisor
type Options struct {
	Name    string
	Opener  Opener
	Handler Handler
	// BackOff paces reconnect attempts. Defaults to a constant 10s.
	BackOff        backoff.BackOff
	HealthInterval time.Duration
	// StableAfter is how long a connection must last before the backoff resets
	StableAfter time.Duration
	Logger      zerolog.Logger
	Recorder    Recorder
	Tap         Tap
}

type eventKind int

const (
	evOpened eventKind = iota
	evBytes
	evErrored
	evRetry
	evTimer
	evCall
)

type event struct {
	kind eventKind
	gen  uint64
	conn Connection
	data []byte
	err  error
	fn   func()
}

// Supervisor owns one link. Every state change happens on the goroutine
// running Run; other goroutines only post events.
type Supervisor struct {
	name    string
	handler Handler
	bo      backoff.BackOff
	health  time.Duration
	stable  time.Duration
	log     zerolog.Logger
	rec     Recorder
	tap     Tap

	events  chan event
	done    chan struct{}
	started atomic.Bool
	running atomic.Bool
	wg      sync.WaitGroup
	state   atomic.Int32
	delay   atomic.Int64
	onState []func(State)

	// loop-owned
	ctx          context.Context
	opener       Opener
	gen          uint64
	conn         Connection
	connectedAt  time.Time
	retry        *time.Timer
	retryPending bool
}

// New creates a supervisor. Run starts it.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		name:    opts.Name,
		handler: opts.Handler,
		opener:  opts.Opener,
		bo:      opts.BackOff,
		health:  opts.HealthInterval,
		stable:  opts.StableAfter,
		log:     opts.Logger.With().Str("link", opts.Name).Logger(),
		rec:     opts.Recorder,
		tap:     opts.Tap,
		events:  make(chan event, eventQueueSize),
		done:    make(chan struct{}),
	}
	if s.bo == nil {
		s.bo = backoff.NewConstantBackOff(DefaultHealthInterval)
	}
	if s.health <= 0 {
		s.health = DefaultHealthInterval
	}
	if s.stable <= 0 {
		s.stable = DefaultStableAfter
	}
	if s.rec == nil {
		s.rec = NopMetrics{}
	}
	return s
}

// Name returns the link name
func (s *Supervisor) Name() string {
	return s.name
}

// State returns the current link state
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Delay returns the backoff delay of the last scheduled retry
func (s *Supervisor) Delay() time.Duration {
	return time.Duration(s.delay.Load())
}

// OnState registers a state change callback. Call before Run.
func (s *Supervisor) OnState(fn func(State)) {
	s.onState = append(s.onState, fn)
}

// Run opens the link and keeps it open until ctx is cancelled. It closes
// the connection and waits for its goroutines before returning.
// A supervisor runs once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	s.ctx = ctx
	s.running.Store(true)

	health := time.NewTicker(s.health)
	defer health.Stop()

	s.open()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-health.C:
			s.onHealth()
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// Submit runs fn on the supervisor goroutine with the current link and
// waits for its result. Must not be called from a Handler.
func (s *Supervisor) Submit(fn func(Link) error) error {
	if !s.running.Load() {
		return ErrClosed
	}
	result := make(chan error, 1)
	ev := event{kind: evCall, fn: func() { result <- fn(s.session()) }}
	if !s.post(ev) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// SetOpener replaces the transport and reconnects immediately
func (s *Supervisor) SetOpener(o Opener) error {
	if !s.started.Load() {
		s.opener = o
		return nil
	}
	return s.Submit(func(Link) error {
		s.opener = o
		s.log.Info().Str("opener", o.String()).Msg("Link reconfigured")
		s.stopRetry()
		s.closeConn()
		s.bo.Reset()
		s.open()
		return nil
	})
}

func (s *Supervisor) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) handle(ev event) {
	switch ev.kind {
	case evOpened:
		s.onOpened(ev)
	case evBytes:
		if ev.gen != s.gen || s.conn == nil {
			return
		}
		s.rec.BytesIn(s.name, len(ev.data))
		if s.tap != nil {
			s.tap.Tap(s.name, In, ev.data)
		}
		s.handler.Received(s.session(), ev.data)
	case evErrored:
		if ev.gen != s.gen || s.conn == nil {
			return
		}
		s.fail(ev.err, "read")
	case evRetry:
		if ev.gen != s.gen {
			return
		}
		s.retryPending = false
		if s.State() == Disconnected {
			s.open()
		}
	case evTimer:
		if ev.gen == s.gen {
			ev.fn()
		}
	case evCall:
		ev.fn()
	}
}

func (s *Supervisor) open() {
	if s.opener == nil {
		s.log.Warn().Msg("No transport configured")
		return
	}
	s.gen++
	gen := s.gen
	opener := s.opener
	ctx := s.ctx
	s.setState(Opening)
	s.log.Debug().Str("opener", opener.String()).Msg("Opening link")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn, err := opener.Open(ctx)
		if !s.post(event{kind: evOpened, gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Supervisor) onOpened(ev event) {
	if ev.gen != s.gen || s.State() != Opening {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		s.log.Warn().Err(ev.err).Msg("Open failed")
		s.rec.LinkError(s.name, "open")
		s.setState(Disconnected)
		s.scheduleRetry()
		return
	}

	s.conn = ev.conn
	s.connectedAt = time.Now()
	s.setState(Connected)
	s.log.Info().Str("opener", s.opener.String()).Msg("Link connected")
	s.startReader(s.gen, ev.conn)
	s.handler.Opened(s.session())
}

func (s *Supervisor) startReader(gen uint64, conn Connection) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, readBufferSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if !s.post(event{kind: evBytes, gen: gen, data: data}) {
					return
				}
			}
			if err != nil {
				s.post(event{kind: evErrored, gen: gen, err: errors.Wrap(err, "read")})
				return
			}
		}
	}()
}

func (s *Supervisor) fail(err error, kind string) {
	s.log.Error().Err(err).Str("kind", kind).Msg("Link failed")
	s.rec.LinkError(s.name, kind)
	s.closeConn()
	s.scheduleRetry()
}

func (s *Supervisor) closeConn() {
	if s.conn == nil {
		if s.State() == Opening {
			// invalidate the in-flight open
			s.gen++
			s.setState(Disconnected)
		}
		return
	}
	s.setState(Closing)
	s.gen++
	conn := s.conn
	s.conn = nil
	if err := conn.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Close failed")
		s.rec.LinkError(s.name, "close")
	}
	s.handler.Closed()
	if !s.connectedAt.IsZero() && time.Since(s.connectedAt) >= s.stable {
		s.bo.Reset()
	}
	s.connectedAt = time.Time{}
	s.setState(Disconnected)
}

func (s *Supervisor) scheduleRetry() {
	s.stopRetry()
	d := s.bo.NextBackOff()
	if d == backoff.Stop {
		s.log.Warn().Msg("Backoff exhausted, waiting for health check")
		return
	}
	s.retryPending = true
	s.delay.Store(int64(d))
	s.rec.LinkRetry(s.name, d)
	s.log.Info().Dur("delay", d).Msg("Retry scheduled")

	gen := s.gen
	s.retry = time.AfterFunc(d, func() {
		s.post(event{kind: evRetry, gen: gen})
	})
}

func (s *Supervisor) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.retryPending = false
}

func (s *Supervisor) onHealth() {
	if s.State() == Disconnected && !s.retryPending {
		s.log.Debug().Msg("Health check reopening link")
		s.open()
	}
}

func (s *Supervisor) shutdown() {
	s.running.Store(false)
	s.stopRetry()
	s.closeConn()
	close(s.done)
	s.wg.Wait()
	for {
		select {
		case ev := <-s.events:
			if ev.conn != nil {
				ev.conn.Close()
			}
		default:
			s.log.Debug().Msg("Supervisor stopped")
			return
		}
	}
}

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.rec.LinkState(s.name, st.String())
	for _, fn := range s.onState {
		fn(st)
	}
}

func (s *Supervisor) session() Link {
	return &session{s: s, gen: s.gen}
}

// session is the Link handed to handlers, bound to one connection generation
type session struct {
	s   *Supervisor
	gen uint64
}

func (l *session) live() bool {
	return l.gen == l.s.gen && l.s.conn != nil
}

func (l *session) Write(p []byte) error {
	if !l.live() {
		return ErrClosed
	}
	s := l.s
	n, err := s.conn.Write(p)
	if n > 0 {
		s.rec.BytesOut(s.name, n)
		if s.tap != nil {
			s.tap.Tap(s.name, Out, p[:n])
		}
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		err = errors.Wrap(err, "write")
		s.fail(err, "write")
		return err
	}
	return nil
}

func (l *session) Flush() {
	if !l.live() {
		return
	}
	if f, ok := l.s.conn.(Flusher); ok {
		if err := f.Flush(); err != nil {
			l.s.log.Warn().Err(err).Msg("Flush failed")
		}
	}
}

func (l *session) After(d time.Duration, fn func()) func() {
	s := l.s
	gen := l.gen
	t := time.AfterFunc(d, func() {
		s.post(event{kind: evTimer, gen: gen, fn: fn})
	})
	return func() { t.Stop() }
}

func (l *session) Fail(err error) {
	if !l.live() {
		return
	}
	l.s.fail(err, "protocol")
}
