// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/meridian/pkg/reading"
)

// DefaultPath is read when --config is not given. A missing file there is
// not an error.
const DefaultPath = "/etc/meridian.yaml"

// Defaults
const (
	DefaultLogLevel    = "info"
	DefaultMetricsAddr = "localhost:9107"
	DefaultRFXComBaud  = 38400
)

// ErrInvalid is wrapped by every Validate error
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete gateway configuration
type Config struct {
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Intervals is the minimum time between two readings of one device,
	// per class. DefaultInterval applies to classes not listed.
	Intervals       map[reading.Class]time.Duration `yaml:"intervals"`
	DefaultInterval time.Duration                   `yaml:"default_interval"`

	RFXCom   RFXCom     `yaml:"rfxcom"`
	Teleinfo []Teleinfo `yaml:"teleinfo"`
	Bridge   Bridge     `yaml:"bridge"`
}

// RFXCom configures the RF receiver link
type RFXCom struct {
	Port             string        `yaml:"port"`
	Baud             int           `yaml:"baud"`
	StartupDelay     time.Duration `yaml:"startup_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Teleinfo configures one meter link
type Teleinfo struct {
	Name          string        `yaml:"name"`
	Port          string        `yaml:"port"`
	Interval      time.Duration `yaml:"interval"`
	TraceDuration time.Duration `yaml:"trace_duration"`
	AlarmCooldown time.Duration `yaml:"alarm_cooldown"`
}

// Bridge carries the RF link over a serial-over-WebSocket bridge instead of
// a local port. The password comes from the environment or a prompt.
type Bridge struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		LogLevel:    DefaultLogLevel,
		MetricsAddr: DefaultMetricsAddr,
		RFXCom:      RFXCom{Baud: DefaultRFXComBaud},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// LoadOptional is Load, except that a missing file yields the defaults
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes a YAML document over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.RFXCom.Baud == 0 {
		c.RFXCom.Baud = DefaultRFXComBaud
	}
	for i := range c.Teleinfo {
		if c.Teleinfo[i].Name != "" {
			continue
		}
		if i == 0 {
			c.Teleinfo[i].Name = "teleinfo"
		} else {
			c.Teleinfo[i].Name = fmt.Sprintf("teleinfo%d", i)
		}
	}
}

var knownClasses = map[reading.Class]bool{
	reading.ClassTemperature: true,
	reading.ClassHumidity:    true,
	reading.ClassTeleinfo:    true,
	reading.ClassCounter:     true,
	reading.ClassWind:        true,
	reading.ClassSwitch:      true,
	reading.ClassTariff:      true,
	reading.ClassStatus:      true,
}

// Validate checks the configuration for values the gateway cannot run with
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(ErrInvalid, "log_level %q", c.LogLevel)
	}
	if c.DefaultInterval < 0 {
		return errors.Wrap(ErrInvalid, "default_interval is negative")
	}
	for class, d := range c.Intervals {
		if !knownClasses[class] {
			return errors.Wrapf(ErrInvalid, "intervals: unknown class %q", class)
		}
		if d < 0 {
			return errors.Wrapf(ErrInvalid, "intervals.%s is negative", class)
		}
	}

	if c.RFXCom.Baud < 0 {
		return errors.Wrap(ErrInvalid, "rfxcom.baud is negative")
	}
	if c.RFXCom.StartupDelay < 0 || c.RFXCom.HandshakeTimeout < 0 {
		return errors.Wrap(ErrInvalid, "rfxcom delays must not be negative")
	}

	names := make(map[string]bool, len(c.Teleinfo))
	for i, t := range c.Teleinfo {
		if t.Port == "" {
			return errors.Wrapf(ErrInvalid, "teleinfo[%d] has no port", i)
		}
		if names[t.Name] {
			return errors.Wrapf(ErrInvalid, "teleinfo name %q used twice", t.Name)
		}
		names[t.Name] = true
		if t.Interval < 0 || t.TraceDuration < 0 || t.AlarmCooldown < 0 {
			return errors.Wrapf(ErrInvalid, "teleinfo %s: durations must not be negative", t.Name)
		}
	}
	if names["rfxcom"] {
		return errors.Wrap(ErrInvalid, `teleinfo name "rfxcom" is reserved`)
	}

	if c.Bridge.URL != "" && c.RFXCom.Port != "" {
		return errors.Wrap(ErrInvalid, "rfxcom.port and bridge.url are exclusive")
	}
	return nil
}

// Level returns the configured log level
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
