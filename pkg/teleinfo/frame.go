// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package teleinfo

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Thermoquad/meridian/pkg/counter"
	"github.com/Thermoquad/meridian/pkg/reading"
)

// Field is one decoded line of a block
type Field struct {
	Name   string
	Label  string
	Unit   string
	Value  string
	Trace  bool
	Main   bool
	Source string // meter label the field was read from
}

// Meta converts the field into a reading metavalue
func (f Field) Meta() reading.MetaValue {
	return reading.MetaValue{Name: f.Name, Label: f.Label, Unit: f.Unit, Value: f.Value, Trace: f.Trace, Main: f.Main}
}

type labelSpec struct {
	name  string
	label string
	unit  string
	trace bool
	main  bool
}

// Known meter labels. EJP peak and normal slots share the names of the
// peak and off-peak indexes.
var labels = map[string]labelSpec{
	"ADCO":     {name: "adco"},
	"OPTARIF":  {name: "opttarif", label: "Option tarifaire"},
	"ISOUSC":   {name: "isousc", label: "Intensité souscrite", unit: "A"},
	"HCHC":     {name: "hchc", label: "Total heures creuses", unit: "Wh", trace: true},
	"EJPHN":    {name: "hchc", label: "Total heures normales", unit: "Wh", trace: true},
	"HCHP":     {name: "hchp", label: "Total heures pleines", unit: "Wh", trace: true},
	"EJPHPM":   {name: "hchp", label: "Total heures pointe mobile", unit: "Wh", trace: true},
	"BASE":     {name: "base", label: "Total toutes heures", unit: "Wh", trace: true},
	"PTEC":     {name: "ptec", label: "Période tarifaire"},
	"IINST":    {name: "iinst", label: "Intensité instantanée", unit: "A", main: true},
	"IMAX":     {name: "imax", label: "Intensité maximale", unit: "A"},
	"PAPP":     {name: "papp", label: "Puissance apparente", unit: "VA"},
	"MOTDETAT": {name: "motdetat"},
	"ADPS":     {name: "adps", label: "Avertissement Dépassement Puissance", unit: "A", trace: true},
}

// Frame is a decoded block, fields kept in arrival order
type Frame struct {
	fields []Field
	index  map[string]int
}

// NewFrame creates an empty frame
func NewFrame() *Frame {
	return &Frame{index: make(map[string]int)}
}

// ParseBlock decodes every valid line of block. Lines failing their
// checksum and unknown labels are skipped; the number of rejected lines is
// returned.
func ParseBlock(block string) (*Frame, int) {
	f := NewFrame()
	invalid := 0
	for _, line := range strings.Split(block, LineDelimiter) {
		if line == "" {
			continue
		}
		label, value, err := ParseLine(line)
		if err != nil {
			invalid++
			continue
		}
		spec, ok := labels[label]
		if !ok {
			continue
		}
		f.Set(Field{
			Name:   spec.name,
			Label:  spec.label,
			Unit:   spec.unit,
			Value:  value,
			Trace:  spec.trace,
			Main:   spec.main,
			Source: label,
		})
	}
	return f, invalid
}

// Set adds a field or replaces the one with the same name in place
func (f *Frame) Set(field Field) {
	if i, ok := f.index[field.Name]; ok {
		f.fields[i] = field
		return
	}
	f.index[field.Name] = len(f.fields)
	f.fields = append(f.fields, field)
}

// Get returns the field called name
func (f *Frame) Get(name string) (Field, bool) {
	i, ok := f.index[name]
	if !ok {
		return Field{}, false
	}
	return f.fields[i], true
}

// Has reports whether the frame holds a field called name
func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Fields returns a copy of the fields in order
func (f *Frame) Fields() []Field {
	out := make([]Field, len(f.fields))
	copy(out, f.fields)
	return out
}

// Len returns the number of fields
func (f *Frame) Len() int {
	return len(f.fields)
}

// Fill adds the fields a meter may omit: a zero power overrun warning and,
// when only the apparent power is given, the instantaneous current derived
// from it at 220 V.
func (f *Frame) Fill() {
	if !f.Has("adps") {
		spec := labels["ADPS"]
		f.Set(Field{Name: spec.name, Label: spec.label, Unit: spec.unit, Value: "0", Trace: true})
	}
	if papp, ok := f.Get("papp"); ok && !f.Has("iinst") {
		if va, err := strconv.ParseUint(papp.Value, 10, 64); err == nil {
			spec := labels["IINST"]
			f.Set(Field{
				Name:  spec.name,
				Label: spec.label,
				Unit:  spec.unit,
				Value: strconv.FormatUint(uint64(math.Ceil(float64(va)/220)), 10),
				Main:  true,
			})
		}
	}
}

// Complete reports whether the block identifies the meter and carries its
// current and at least one index
func (f *Frame) Complete() bool {
	return f.Has("adco") && f.Has("motdetat") && f.Has("iinst") &&
		(f.Has("base") || f.Has("hchc") || f.Has("hchp"))
}

// Mac returns the meter serial
func (f *Frame) Mac() string {
	adco, _ := f.Get("adco")
	return adco.Value
}

// Alarm reports a power overrun warning
func (f *Frame) Alarm() bool {
	adps, ok := f.Get("adps")
	return ok && adps.Value != "0"
}

type period struct {
	total string
	inst  string
	label func(source string) string
}

var periods = []period{
	{"base", "baseinst", func(string) string { return "Période toutes heures" }},
	{"hchc", "hcinst", func(source string) string {
		if source == "EJPHN" {
			return "Période heures normales"
		}
		return "Période heures creuses"
	}},
	{"hchp", "hpinst", func(source string) string {
		if source == "EJPHPM" {
			return "Période heures pointe mobile"
		}
		return "Période heures pleines"
	}},
}

// AddPeriods adds the consumption of each index since the baseline held by
// m for the meter, and returns the totals to commit once the frame is
// forwarded. m is not modified.
func (f *Frame) AddPeriods(m *counter.Memory) (map[string]uint64, error) {
	mac := f.Mac()
	totals := make(map[string]uint64, len(periods))
	var insts []Field
	for _, p := range periods {
		field, ok := f.Get(p.total)
		if !ok {
			continue
		}
		total, err := strconv.ParseUint(field.Value, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "%s %q", field.Source, field.Value)
		}
		delta, err := m.Delta(mac, p.total, total)
		if err != nil {
			return nil, err
		}
		totals[p.total] = total
		insts = append(insts, Field{
			Name:  p.inst,
			Label: p.label(field.Source),
			Unit:  "Wh",
			Value: strconv.FormatUint(delta, 10),
			Trace: true,
		})
	}
	for _, inst := range insts {
		f.Set(inst)
	}
	return totals, nil
}

// Reading builds the reading of a complete frame: the meter serial as
// identity and the instantaneous current as value. The serial and status
// word are not repeated as metavalues.
func (f *Frame) Reading(now time.Time) reading.Reading {
	iinst, _ := f.Get("iinst")
	b := reading.NewBuilder(f.Mac(), reading.ClassTeleinfo).At(now).Value(iinst.Value)
	for _, field := range f.fields {
		if field.Name == "adco" || field.Name == "motdetat" {
			continue
		}
		b.Meta(field.Meta())
	}
	return b.Build()
}
