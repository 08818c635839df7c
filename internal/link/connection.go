// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// Connection is a byte stream to a receiver or meter
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// Flusher is implemented by connections that can drop pending input
type Flusher interface {
	Flush() error
}

// Opener opens a fresh Connection. Open may block; it must honour ctx.
type Opener interface {
	Open(ctx context.Context) (Connection, error)
	String() string
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context) (Connection, error)

// Open implements Opener
func (f OpenerFunc) Open(ctx context.Context) (Connection, error) {
	return f(ctx)
}

func (f OpenerFunc) String() string {
	return "func"
}

// SerialConnection wraps a serial port
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// Flush discards bytes received but not yet read
func (s *SerialConnection) Flush() error {
	return s.port.ResetInputBuffer()
}

// RFXtrxMode is the line setting of RFXtrx receivers: 38400 8N1
func RFXtrxMode() serial.Mode {
	return serial.Mode{
		BaudRate: 38400,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// TeleinfoMode is the line setting of the meter customer output: 1200 7E1
func TeleinfoMode() serial.Mode {
	return serial.Mode{
		BaudRate: 1200,
		DataBits: 7,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}
}

// SerialOpener opens a serial port with a fixed line setting
type SerialOpener struct {
	Port string
	Mode serial.Mode
}

// NewSerialOpener creates an opener for port
func NewSerialOpener(port string, mode serial.Mode) *SerialOpener {
	return &SerialOpener{Port: port, Mode: mode}
}

// Open implements Opener
func (o *SerialOpener) Open(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := o.Mode
	port, err := serial.Open(o.Port, &mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", o.Port)
	}
	return &SerialConnection{port: port}, nil
}

func (o *SerialOpener) String() string {
	return fmt.Sprintf("serial:%s@%d", o.Port, o.Mode.BaudRate)
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConnection carries a serial stream over binary WebSocket messages
type WebSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}

		// Text frames are bridge chatter, not link bytes
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// Flush is a no-op: the bridge exposes no input buffer to reset
func (w *WebSocketConnection) Flush() error {
	return nil
}

// WebSocketOpener dials a serial-over-WebSocket bridge with HTTP Basic auth
type WebSocketOpener struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

// Open implements Opener
func (o *WebSocketOpener) Open(ctx context.Context) (Connection, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, errors.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: o.SkipSSLVerify,
		}
	}

	headers := http.Header{}
	if o.Username != "" && o.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(o.Username + ":" + o.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, o.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket connection failed (HTTP %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "websocket connection failed")
	}

	return &WebSocketConnection{conn: conn}, nil
}

func (o *WebSocketOpener) String() string {
	return "websocket:" + o.URL
}
