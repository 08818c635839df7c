// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package reading defines the unit of output of every link driver: an
// immutable, typed device value with ordered secondary values.
package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Class tags what a reading measures
type Class string

// Reading classes
const (
	ClassTemperature Class = "temperature"
	ClassHumidity    Class = "humidity"
	ClassTeleinfo    Class = "teleinfo"
	ClassCounter     Class = "counter"
	ClassWind        Class = "wind"
	ClassSwitch      Class = "switch"
	ClassTariff      Class = "tariff"
	ClassStatus      Class = "status"
)

// DeviceClass returns the server-side device type name for the class
func (c Class) DeviceClass() string {
	switch c {
	case ClassTemperature:
		return "smarthome.automation.deviceType.Temperature"
	case ClassHumidity:
		return "smarthome.automation.deviceType.Humidite"
	case ClassTeleinfo:
		return "smarthome.automation.deviceType.TeleInformation"
	case ClassCounter:
		return "smarthome.automation.deviceType.Compteur"
	case ClassWind:
		return "smarthome.automation.deviceType.Vent"
	case ClassSwitch:
		return "smarthome.automation.deviceType.Dimmer"
	case ClassTariff:
		return "smarthome.automation.deviceType.TeleInformation"
	default:
		return "smarthome.automation.deviceType.Capteur"
	}
}

// MetaValue is a named secondary value attached to a reading.
// Trace marks values that represent a period delta rather than state.
type MetaValue struct {
	Name  string
	Label string
	Unit  string
	Value string
	Trace bool
	Main  bool
}

// Reading is a decoded device value. The zero value is not a valid reading.
// Readings are never mutated after Build; accessors hand out copies.
type Reading struct {
	mac        string
	value      string
	class      Class
	metavalues []MetaValue
	timestamp  time.Time
}

// New creates a reading timestamped now
func New(mac string, class Class, value string, metas ...MetaValue) Reading {
	b := NewBuilder(mac, class).Value(value)
	for _, m := range metas {
		b.Meta(m)
	}
	return b.Build()
}

// Mac returns the device identity
func (r Reading) Mac() string {
	return r.mac
}

// Value returns the canonical value
func (r Reading) Value() string {
	return r.value
}

// Class returns the reading classification
func (r Reading) Class() Class {
	return r.class
}

// Timestamp returns the moment the reading was built
func (r Reading) Timestamp() time.Time {
	return r.timestamp
}

// MetaValues returns a copy of the ordered secondary values
func (r Reading) MetaValues() []MetaValue {
	out := make([]MetaValue, len(r.metavalues))
	copy(out, r.metavalues)
	return out
}

// Meta looks up a secondary value by name
func (r Reading) Meta(name string) (MetaValue, bool) {
	for _, m := range r.metavalues {
		if m.Name == name {
			return m, true
		}
	}
	return MetaValue{}, false
}

// IsZero reports whether r carries no device identity
func (r Reading) IsZero() bool {
	return r.mac == ""
}

// String renders the reading on a single line
func (r Reading) String() string {
	var s strings.Builder
	fmt.Fprintf(&s, "%s %s=%s", r.class, r.mac, r.value)
	for _, m := range r.metavalues {
		fmt.Fprintf(&s, " %s=%s", m.Name, m.Value)
		if m.Unit != "" {
			s.WriteString(m.Unit)
		}
	}
	return s.String()
}

type jsonMeta struct {
	Label string `json:"label,omitempty"`
	Value string `json:"value"`
	Unit  string `json:"unite,omitempty"`
	Trace bool   `json:"trace,omitempty"`
	Main  bool   `json:"main,omitempty"`
}

// MarshalJSON renders the deviceValue message understood by the server.
// Metavalues keep their decode order.
func (r Reading) MarshalJSON() ([]byte, error) {
	var metas bytes.Buffer
	metas.WriteByte('{')
	for i, m := range r.metavalues {
		if i > 0 {
			metas.WriteByte(',')
		}
		key, err := json.Marshal(m.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(jsonMeta{Label: m.Label, Value: m.Value, Unit: m.Unit, Trace: m.Trace, Main: m.Main})
		if err != nil {
			return nil, err
		}
		metas.Write(key)
		metas.WriteByte(':')
		metas.Write(val)
	}
	metas.WriteByte('}')

	_, offset := r.timestamp.Zone()
	return json.Marshal(struct {
		Header         string          `json:"header"`
		ImplClass      string          `json:"implClass"`
		Mac            string          `json:"mac"`
		Value          string          `json:"value"`
		DateValue      time.Time       `json:"dateValue"`
		TimezoneOffset int             `json:"timezoneOffset"`
		MetaValues     json.RawMessage `json:"metavalues"`
	}{
		Header:         "deviceValue",
		ImplClass:      r.class.DeviceClass(),
		Mac:            r.mac,
		Value:          r.value,
		DateValue:      r.timestamp,
		TimezoneOffset: -offset / 60,
		MetaValues:     metas.Bytes(),
	})
}
