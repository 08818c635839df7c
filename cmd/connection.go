// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/Thermoquad/meridian/internal/config"
	"github.com/Thermoquad/meridian/internal/link"
	"github.com/Thermoquad/meridian/pkg/bus"
	"github.com/Thermoquad/meridian/pkg/reading"
	"github.com/Thermoquad/meridian/pkg/rfxcom"
	"github.com/Thermoquad/meridian/pkg/teleinfo"
)

const (
	protoRFXCom   = "rfxcom"
	protoTeleinfo = "teleinfo"
)

// linkDriver is a bus driver owning one supervised link
type linkDriver interface {
	bus.Driver
	LinkState() link.State
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("MERIDIAN_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// bridgeOpener returns an opener factory dialing the bridge at the given URL
func bridgeOpener(b config.Bridge) (func(string) link.Opener, error) {
	password := ""
	if b.Username != "" {
		var err error
		password, err = GetPassword()
		if err != nil {
			return nil, err
		}
	}
	return func(url string) link.Opener {
		return &link.WebSocketOpener{
			URL:           url,
			Username:      b.Username,
			Password:      password,
			SkipSSLVerify: b.NoSSLVerify,
		}
	}, nil
}

// serialOpener returns an opener factory for proto, with an optional baud override
func serialOpener(proto string, baud int) func(string) link.Opener {
	mode := link.RFXtrxMode()
	if proto == protoTeleinfo {
		mode = link.TeleinfoMode()
	}
	if baud > 0 {
		mode.BaudRate = baud
	}
	return func(port string) link.Opener {
		return link.NewSerialOpener(port, mode)
	}
}

// openLink builds the single driver selected by the connection flags. Every
// reading is forwarded: diagnostic commands do not rate-limit.
func openLink(emitter bus.Emitter, m link.Metrics, tap link.Tap) (linkDriver, string, error) {
	var (
		target    string
		info      string
		newOpener func(string) link.Opener
	)
	switch {
	case wsURL != "":
		var err error
		newOpener, err = bridgeOpener(config.Bridge{URL: wsURL, Username: wsUsername, NoSSLVerify: wsNoSSLVerify})
		if err != nil {
			return nil, "", err
		}
		target = wsURL
		info = fmt.Sprintf("WebSocket: %s", wsURL)
	case portName != "":
		newOpener = serialOpener(protocol, baudRate)
		target = portName
		info = fmt.Sprintf("Serial: %s", newOpener(portName))
	default:
		return nil, "", errors.New("either --port or --url must be specified")
	}

	switch protocol {
	case protoRFXCom:
		return rfxcom.NewDriver(rfxcom.Options{
			Config:    rfxcom.Config{Port: target, DefaultInterval: time.Nanosecond},
			Name:      protoRFXCom,
			Emitter:   emitter,
			Logger:    logger,
			Metrics:   m,
			Tap:       tap,
			NewOpener: newOpener,
		}), info, nil
	case protoTeleinfo:
		return teleinfo.NewDriver(teleinfo.Options{
			Config:    teleinfo.Config{Port: target, Interval: time.Nanosecond},
			Name:      protoTeleinfo,
			Emitter:   emitter,
			Logger:    logger,
			Metrics:   m,
			Tap:       tap,
			NewOpener: newOpener,
		}), info, nil
	default:
		return nil, "", errors.Errorf("unknown protocol %q (use %s or %s)", protocol, protoRFXCom, protoTeleinfo)
	}
}

// buildRouter registers every driver named by cfg
func buildRouter(cfg *config.Config, emitter bus.Emitter, m link.Metrics, tap link.Tap) (*bus.Router, error) {
	router := bus.NewRouter()

	rfOpts := rfxcom.Options{
		Config: rfxcom.Config{
			Port:             cfg.RFXCom.Port,
			StartupDelay:     cfg.RFXCom.StartupDelay,
			HandshakeTimeout: cfg.RFXCom.HandshakeTimeout,
			Intervals:        cfg.Intervals,
			DefaultInterval:  cfg.DefaultInterval,
		},
		Name:      protoRFXCom,
		Emitter:   emitter,
		Logger:    logger,
		Metrics:   m,
		Tap:       tap,
		NewOpener: serialOpener(protoRFXCom, cfg.RFXCom.Baud),
	}
	if cfg.Bridge.URL != "" {
		newOpener, err := bridgeOpener(cfg.Bridge)
		if err != nil {
			return nil, err
		}
		rfOpts.Port = cfg.Bridge.URL
		rfOpts.NewOpener = newOpener
	}
	if err := router.Add(protoRFXCom, rfxcom.NewDriver(rfOpts)); err != nil {
		return nil, err
	}

	for _, t := range cfg.Teleinfo {
		interval := t.Interval
		if interval == 0 {
			interval = cfg.Intervals[reading.ClassTeleinfo]
		}
		if interval == 0 {
			interval = cfg.DefaultInterval
		}
		d := teleinfo.NewDriver(teleinfo.Options{
			Config: teleinfo.Config{
				Port:          t.Port,
				Interval:      interval,
				TraceDuration: t.TraceDuration,
				AlarmCooldown: t.AlarmCooldown,
			},
			Name:    t.Name,
			Emitter: emitter,
			Logger:  logger,
			Metrics: m,
			Tap:     tap,
		})
		if err := router.Add(t.Name, d); err != nil {
			return nil, err
		}
	}
	return router, nil
}
