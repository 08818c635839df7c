// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfxcom

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/Thermoquad/meridian/pkg/counter"
	"github.com/Thermoquad/meridian/pkg/gate"
	"github.com/Thermoquad/meridian/pkg/reading"
)

var (
	// ErrUnknownType is returned for packet types without a decoder
	ErrUnknownType = errors.New("unhandled packet type")
	// ErrDecode wraps a decoder panic
	ErrDecode = errors.New("decode failed")
)

// Status is a decoded interface message
type Status struct {
	Subtype         uint8
	Seq             uint8
	Command         uint8
	TransceiverType uint8
	Firmware        uint8
	Copyright       string
}

// Ack is a decoded transmitter message
type Ack struct {
	Subtype uint8
	Seq     uint8
	Code    uint8
}

// OK reports whether the transmitter accepted the command
func (a Ack) OK() bool {
	return a.Subtype == SubtypeTransmitterAck && (a.Code == AckOK || a.Code == AckDelayed)
}

func (a Ack) String() string {
	if a.Subtype == SubtypeTransmitterErr {
		return "receiver did not lock"
	}
	switch a.Code {
	case AckOK:
		return "ACK"
	case AckDelayed:
		return "ACK, delayed"
	case AckNAK:
		return "NAK, transmitter did not lock"
	case AckNAKAddress:
		return "NAK, invalid AC address"
	default:
		return fmt.Sprintf("unknown code 0x%02X", a.Code)
	}
}

// Result holds what one frame decoded to
type Result struct {
	Readings []reading.Reading
	Status   *Status
	Ack      *Ack

	// pending gate and counter updates, one per reading
	marks []mark
}

type mark struct {
	id     string
	dec    gate.Decision
	totals map[string]uint64
}

// add appends a reading admitted under gate identity id. totals, when set,
// become the counter baseline of the reading's device once it is delivered.
func (res *Result) add(r reading.Reading, id string, dec gate.Decision, totals map[string]uint64) {
	res.Readings = append(res.Readings, r)
	res.marks = append(res.marks, mark{id: id, dec: dec, totals: totals})
}

type decodeFunc func(d *Decoder, p *Packet, now time.Time) (Result, error)

// handlers is the closed set of packet types understood by the decoder
var handlers = map[PacketType]decodeFunc{
	TypeInterfaceMessage:   decodeStatus,
	TypeTransmitterMessage: decodeAck,
	TypeLighting2:          decodeLighting2,
	TypeTemperature:        decodeTemperature,
	TypeHumidity:           decodeHumidity,
	TypeTempHumidity:       decodeTempHumidity,
	TypeWind:               decodeWind,
	TypeCartelectronic:     decodeCartelectronic,
}

// Decoder turns validated frames into readings. It owns the emission gate
// and counter memory of one link and must be used from a single goroutine.
type Decoder struct {
	gate   *gate.Gate
	memory *counter.Memory
	now    func() time.Time
}

// NewDecoder creates a decoder using g to rate-limit and m to derive deltas
func NewDecoder(g *gate.Gate, m *counter.Memory) *Decoder {
	return &Decoder{gate: g, memory: m, now: time.Now}
}

// Decode dispatches a frame to its decoder and commits every reading it
// produces. A non-nil error may come with a partial result.
func (d *Decoder) Decode(p *Packet) (Result, error) {
	return d.DecodeFunc(p, nil)
}

// DecodeFunc decodes a frame and hands each reading to deliver. Only readings
// deliver accepts update the gate and counter memory, so a refused reading is
// retried by the next frame with its whole delta. A nil deliver accepts
// everything. The result lists the accepted readings. Panics are turned into
// ErrDecode.
func (d *Decoder) DecodeFunc(p *Packet, deliver func(reading.Reading) bool) (Result, error) {
	fn, ok := handlers[p.Type()]
	if !ok {
		return Result{}, errors.Wrapf(ErrUnknownType, "0x%02X", uint8(p.Type()))
	}
	now := d.now()
	res, err := d.run(fn, p, now)

	produced, marks := res.Readings, res.marks
	res.Readings, res.marks = nil, nil
	for i, r := range produced {
		if deliver != nil && !deliver(r) {
			continue
		}
		m := marks[i]
		d.gate.Mark(m.id, now, m.dec)
		if m.totals != nil {
			d.memory.Commit(r.Mac(), m.totals, now)
		}
		res.Readings = append(res.Readings, r)
	}
	return res, err
}

func (d *Decoder) run(fn decodeFunc, p *Packet, now time.Time) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = errors.Wrapf(ErrDecode, "%s: %v", FormatPacketType(p.Type()), r)
		}
	}()
	return fn(d, p, now)
}

// admit asks the gate whether id may emit now
func (d *Decoder) admit(id string, class reading.Class, now time.Time) gate.Decision {
	return d.gate.ShouldEmit(id, class, now, false)
}

func battery(b byte) reading.MetaValue {
	return reading.MetaValue{Name: "battery", Label: "Batterie", Value: strconv.Itoa(int(b & 0x0F))}
}

func signal(b byte) reading.MetaValue {
	return reading.MetaValue{Name: "signal", Label: "Signal", Value: strconv.Itoa(int(b>>4) & 0x0F)}
}

// signedTenths decodes a 7-bit magnitude high byte with sign bit, low byte,
// in tenths of a unit
func signedTenths(high, low byte) int {
	v := int(high&0x7F)<<8 | int(low)
	if high&0x80 != 0 {
		return -v
	}
	return v
}

func formatTenths(v int) string {
	return strconv.FormatFloat(float64(v)/10, 'f', -1, 64)
}

func hexID(b []byte) string {
	return fmt.Sprintf("%X", b)
}

func decodeStatus(d *Decoder, p *Packet, now time.Time) (Result, error) {
	data := p.Data()
	st := &Status{Subtype: data[0], Seq: data[1]}
	if len(data) > 2 {
		st.Command = data[2]
	}
	switch st.Subtype {
	case SubtypeModeResponse:
		if len(data) > 4 {
			st.TransceiverType = data[3]
			st.Firmware = data[4]
		}
	case SubtypeStartReceiver:
		st.Copyright = string(data[3:19])
	}
	return Result{Status: st}, nil
}

func decodeAck(d *Decoder, p *Packet, now time.Time) (Result, error) {
	data := p.Data()
	return Result{Ack: &Ack{Subtype: data[0], Seq: data[1], Code: data[2]}}, nil
}

func decodeLighting2(d *Decoder, p *Packet, now time.Time) (Result, error) {
	data := p.Data()
	id := uint32(data[2]&0x03)<<24 | uint32(data[3])<<16 | uint32(data[4])<<8 | uint32(data[5])
	unit := data[6]
	cmnd := data[7]
	level := data[8]
	mac := Lighting2Mac(id, unit)

	var value int
	group := false
	switch cmnd {
	case Lighting2Off:
	case Lighting2On:
		value = 100
	case Lighting2Level:
		value = levelToPercent(level)
	case Lighting2GroupOff:
		group = true
	case Lighting2GroupOn:
		value = 100
		group = true
	case Lighting2GroupLvl:
		value = levelToPercent(level)
		group = true
	default:
		return Result{}, errors.Errorf("%s: unknown command 0x%02X", mac, cmnd)
	}

	dec := d.admit(mac, reading.ClassSwitch, now)
	if !dec.Emit() {
		return Result{}, nil
	}
	b := reading.NewBuilder(mac, reading.ClassSwitch).At(now).
		Value(strconv.Itoa(value)).
		Meta(reading.MetaValue{Name: "level", Label: "Niveau", Value: strconv.Itoa(int(level & 0x0F))}).
		Meta(reading.MetaValue{Name: "subtype", Value: strconv.Itoa(int(data[0]))}).
		Meta(signal(data[9]))
	if group {
		b.Meta(reading.MetaValue{Name: "group", Label: "Groupe", Value: "true"})
	}
	var res Result
	res.add(b.Build(), mac, dec, nil)
	return res, nil
}

func decodeTemperature(d *Decoder, p *Packet, now time.Time) (Result, error) {
	data := p.Data()
	mac := "temp_" + hexID(data[2:4])
	dec := d.admit(mac, reading.ClassTemperature, now)
	if !dec.Emit() {
		return Result{}, nil
	}
	r := reading.NewBuilder(mac, reading.ClassTemperature).At(now).
		Value(formatTenths(signedTenths(data[4], data[5]))).
		Meta(battery(data[6])).
		Meta(signal(data[6])).
		Build()
	var res Result
	res.add(r, mac, dec, nil)
	return res, nil
}

func decodeHumidity(d *Decoder, p *Packet, now time.Time) (Result, error) {
	data := p.Data()
	mac := "hum_" + hexID(data[2:4])
	dec := d.admit(mac, reading.ClassHumidity, now)
	if !dec.Emit() {
		return Result{}, nil
	}
	r := reading.NewBuilder(mac, reading.ClassHumidity).At(now).
		Value(strconv.Itoa(int(data[4]))).
		Meta(reading.MetaValue{Name: "status", Label: "Confort", Value: humidityStatus(data[5])}).
		Meta(battery(data[6])).
		Meta(signal(data[6])).
		Build()
	var res Result
	res.add(r, mac, dec, nil)
	return res, nil
}

// Oregon channels are encoded as a bit index in the second id byte
func oregonChannel(id2 byte) int {
	switch {
	case id2&0x04 != 0:
		return 3
	case id2&0x08 != 0:
		return 4
	default:
		return int(id2)
	}
}

func decodeTempHumidity(d *Decoder, p *Packet, now time.Time) (Result, error) {
	data := p.Data()
	channel := oregonChannel(data[3])
	macTemp := fmt.Sprintf("temp_channel_%d", channel)
	macHum := fmt.Sprintf("hum_channel_%d", channel)

	var res Result
	if dec := d.admit(macTemp, reading.ClassTemperature, now); dec.Emit() {
		res.add(reading.NewBuilder(macTemp, reading.ClassTemperature).At(now).
			Value(formatTenths(signedTenths(data[4], data[5]))).
			Meta(battery(data[8])).
			Meta(signal(data[8])).
			Build(), macTemp, dec, nil)
	}
	if dec := d.admit(macHum, reading.ClassHumidity, now); dec.Emit() {
		res.add(reading.NewBuilder(macHum, reading.ClassHumidity).At(now).
			Value(strconv.Itoa(int(data[6]))).
			Meta(reading.MetaValue{Name: "status", Label: "Confort", Value: humidityStatus(data[7])}).
			Meta(battery(data[8])).
			Meta(signal(data[8])).
			Build(), macHum, dec, nil)
	}
	return res, nil
}

func humidityStatus(b byte) string {
	switch b {
	case 0x00:
		return "normal"
	case 0x01:
		return "comfort"
	case 0x02:
		return "dry"
	case 0x03:
		return "wet"
	default:
		return strconv.Itoa(int(b))
	}
}

func decodeWind(d *Decoder, p *Packet, now time.Time) (Result, error) {
	data := p.Data()
	mac := "wind_" + hexID(data[2:4])
	dec := d.admit(mac, reading.ClassWind, now)
	if !dec.Emit() {
		return Result{}, nil
	}
	direction := int(data[4])<<8 | int(data[5])
	average := int(data[6])<<8 | int(data[7])
	gust := int(data[8])<<8 | int(data[9])

	b := reading.NewBuilder(mac, reading.ClassWind).At(now).
		Value(formatTenths(average)).
		Meta(reading.MetaValue{Name: "direction", Label: "Direction", Unit: "°", Value: strconv.Itoa(direction)}).
		Meta(reading.MetaValue{Name: "gust", Label: "Rafale", Unit: "m/s", Value: formatTenths(gust)})
	// Only the TFA subtype carries temperature and chill
	if data[0] == 0x04 {
		b.Meta(reading.MetaValue{Name: "temperature", Label: "Température", Unit: "°C", Value: formatTenths(signedTenths(data[10], data[11]))})
		b.Meta(reading.MetaValue{Name: "chill", Label: "Refroidissement éolien", Unit: "°C", Value: formatTenths(signedTenths(data[12], data[13]))})
	}
	b.Meta(battery(data[14])).Meta(signal(data[14]))
	var res Result
	res.add(b.Build(), mac, dec, nil)
	return res, nil
}

func decodeCartelectronic(d *Decoder, p *Packet, now time.Time) (Result, error) {
	switch p.Subtype() {
	case SubtypeCartelectronicEncoder:
		return decodeCartelectronicEncoder(d, p, now)
	case SubtypeCartelectronicTIC:
		return decodeCartelectronicTIC(d, p, now)
	default:
		return Result{}, errors.Wrapf(ErrUnknownType, "cartelectronic subtype 0x%02X", p.Subtype())
	}
}

func be32(b []byte) uint64 {
	return uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
}

func decodeCartelectronicEncoder(d *Decoder, p *Packet, now time.Time) (Result, error) {
	data := p.Data()
	prefix := "counter_" + hexID(data[2:6])
	counts := [2]uint64{be32(data[6:10]), be32(data[10:14])}

	dec := d.admit(prefix, reading.ClassCounter, now)
	if !dec.Emit() {
		return Result{}, nil
	}

	var res Result
	var firstErr error
	for i, count := range counts {
		if count == 0 {
			continue
		}
		mac := fmt.Sprintf("%s_%d", prefix, i+1)
		delta, err := d.memory.Delta(mac, "count", count)
		if err != nil {
			d.memory.Forget(mac)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.add(reading.NewBuilder(mac, reading.ClassCounter).At(now).
			Value(strconv.FormatUint(count, 10)).
			Meta(reading.MetaValue{Name: "inst", Label: "Période", Value: strconv.FormatUint(delta, 10), Trace: true}).
			Meta(battery(data[15])).
			Meta(signal(data[15])).
			Build(), prefix, dec, map[string]uint64{"count": count})
	}
	return res, firstErr
}

// Tariff option, high nibble of the contract byte
var contractNames = map[byte]string{
	1: "BASE",
	2: "HC",
	3: "EJP",
	4: "TEMPO",
}

// Tariff period, low nibble of the contract byte
var periodNames = map[byte]string{
	1:  "TH",
	2:  "HC",
	3:  "HP",
	4:  "HN",
	5:  "PM",
	6:  "HCJB",
	7:  "HCJW",
	8:  "HCJR",
	9:  "HPJB",
	10: "HPJW",
	11: "HPJR",
}

func lookupName(names map[byte]string, key byte) string {
	if name, ok := names[key]; ok {
		return name
	}
	return "NONE"
}

func decodeCartelectronicTIC(d *Decoder, p *Packet, now time.Time) (Result, error) {
	data := p.Data()
	serial := uint64(data[2])<<32 | uint64(data[3])<<24 | uint64(data[4])<<16 | uint64(data[5])<<8 | uint64(data[6])
	mac := strconv.FormatUint(serial, 10)
	contract := data[7]
	index1 := be32(data[8:12])
	index2 := be32(data[12:16])
	papp := uint64(data[16])<<8 | uint64(data[17])
	validPAPP := data[18]&0x02 != 0
	validTIC := data[18]&0x04 == 0

	if !validPAPP || !validTIC {
		return Result{}, nil
	}
	dec := d.admit(mac, reading.ClassTeleinfo, now)
	if !dec.Emit() {
		return Result{}, nil
	}

	option := lookupName(contractNames, contract>>4)
	totals := map[string]uint64{}
	b := reading.NewBuilder(mac, reading.ClassTeleinfo).At(now).
		Value(strconv.FormatUint(uint64(math.Ceil(float64(papp)/220)), 10)).
		Meta(battery(data[19])).
		Meta(signal(data[19]))

	type period struct{ total, inst, label, instLabel string }
	var periods []period
	var values []uint64
	if option == "BASE" {
		periods = []period{{"base", "baseinst", "Total toutes heures", "Période toutes heures"}}
		values = []uint64{index1}
	} else {
		periods = []period{
			{"hchc", "hcinst", "Total heures creuses", "Période heures creuses"},
			{"hchp", "hpinst", "Total heures pleines", "Période heures pleines"},
		}
		values = []uint64{index1, index2}
	}

	var deltas []uint64
	for i, per := range periods {
		delta, err := d.memory.Delta(mac, per.total, values[i])
		if err != nil {
			d.memory.Forget(mac)
			return Result{}, err
		}
		deltas = append(deltas, delta)
		totals[per.total] = values[i]
		b.Meta(reading.MetaValue{Name: per.total, Label: per.label, Unit: "Wh", Value: strconv.FormatUint(values[i], 10), Trace: true})
	}
	b.Meta(reading.MetaValue{Name: "papp", Label: "Puissance apparente", Unit: "VA", Value: strconv.FormatUint(papp, 10)}).
		Meta(reading.MetaValue{Name: "opttarif", Label: "Option tarifaire", Value: option}).
		Meta(reading.MetaValue{Name: "ptec", Label: "Période tarifaire", Value: lookupName(periodNames, contract&0x0F)})
	for i, per := range periods {
		b.Meta(reading.MetaValue{Name: per.inst, Label: per.instLabel, Unit: "Wh", Value: strconv.FormatUint(deltas[i], 10), Trace: true})
	}

	var res Result
	res.add(b.Build(), mac, dec, totals)
	return res, nil
}
