// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfxcom

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/Thermoquad/meridian/pkg/counter"
	"github.com/Thermoquad/meridian/pkg/gate"
	"github.com/Thermoquad/meridian/pkg/reading"
)

// ============================================================
// Test Helpers
// ============================================================

// testClock is a manually advanced clock for decoders
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// newTestDecoder creates a decoder with a zero interval so every reading is
// emitted, driven by a manual clock
func newTestDecoder() (*Decoder, *testClock) {
	clk := &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDecoder(gate.New(nil, 0), counter.New())
	d.now = clk.Now
	return d, clk
}

func tempHumFrame(seq, id1, id2 byte, tenths int, hum, battSig byte) []byte {
	high := byte(0)
	if tenths < 0 {
		high = 0x80
		tenths = -tenths
	}
	high |= byte(tenths>>8) & 0x7F
	return []byte{0x0A, 0x52, 0x01, seq, id1, id2, high, byte(tenths), hum, 0x00, battSig}
}

func ticFrame(index1, index2 uint32, papp uint16, contract, flags byte) []byte {
	return []byte{
		0x15, 0x60, 0x01, 0x00,
		0x09, 0xB3, 0x40, 0xDE, 0x0E, // serial
		contract,
		byte(index1 >> 24), byte(index1 >> 16), byte(index1 >> 8), byte(index1),
		byte(index2 >> 24), byte(index2 >> 16), byte(index2 >> 8), byte(index2),
		byte(papp >> 8), byte(papp),
		flags,
		0x79,
	}
}

func encoderFrame(c1, c2 uint32) []byte {
	return []byte{
		0x11, 0x60, 0x02, 0x00,
		0x01, 0x02, 0x03, 0x04,
		byte(c1 >> 24), byte(c1 >> 16), byte(c1 >> 8), byte(c1),
		byte(c2 >> 24), byte(c2 >> 16), byte(c2 >> 8), byte(c2),
		0x00, 0x89,
	}
}

func startReceiverFrame(copyright string) []byte {
	frame := []byte{0x14, 0x01, SubtypeStartReceiver, 0x03, byte(CmdStartReceiver)}
	payload := make([]byte, 16)
	copy(payload, copyright)
	return append(frame, payload...)
}

func modeResponseFrame() []byte {
	return []byte{0x0D, 0x01, SubtypeModeResponse, 0x02, byte(CmdGetStatus), 0x53, 0xE9, 0x00, 0x0C, 0x2F, 0x01, 0x01, 0x00, 0x00}
}

func metaValue(t *testing.T, r reading.Reading, name string) string {
	t.Helper()
	m, ok := r.Meta(name)
	if !ok {
		t.Fatalf("%s: missing meta %q", r.Mac(), name)
	}
	return m.Value
}

// ============================================================
// Framer Tests
// ============================================================

func TestFramer_SingleFrame(t *testing.T) {
	f := NewFramer()
	frame := tempHumFrame(1, 0x12, 0x04, 215, 45, 0x89)

	frames, err := f.Push(frame)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}
	if !bytes.Equal(frames[0].Raw(), frame) {
		t.Errorf("Frame mismatch: % X", frames[0].Raw())
	}
	if f.Buffered() != 0 {
		t.Errorf("Expected empty buffer, got %d bytes", f.Buffered())
	}
}

func TestFramer_SplitAcrossChunks(t *testing.T) {
	f := NewFramer()
	frame := tempHumFrame(1, 0x12, 0x04, 215, 45, 0x89)

	for i := 0; i < len(frame)-1; i++ {
		frames, err := f.Push(frame[i : i+1])
		if err != nil {
			t.Fatalf("Unexpected error at byte %d: %v", i, err)
		}
		if len(frames) != 0 {
			t.Fatalf("Frame completed early at byte %d", i)
		}
	}
	frames, err := f.Push(frame[len(frame)-1:])
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0].Raw(), frame) {
		t.Fatalf("Expected the frame on its last byte, got %d frames", len(frames))
	}
}

func TestFramer_MultipleFramesInOneChunk(t *testing.T) {
	f := NewFramer()
	a := tempHumFrame(1, 0x12, 0x04, 215, 45, 0x89)
	b := encoderFrame(100, 200)
	stream := append(append(append([]byte{}, a...), b...), b[:5]...)

	frames, err := f.Push(stream)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if f.Buffered() != 5 {
		t.Errorf("Expected 5 buffered bytes, got %d", f.Buffered())
	}

	frames, err = f.Push(b[5:])
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0].Raw(), b) {
		t.Errorf("Expected the buffered frame to complete")
	}
}

func TestFramer_InvalidLengthDropsBuffer(t *testing.T) {
	tests := []struct {
		name   string
		length byte
	}{
		{"below minimum", 0x02},
		{"above maximum", 0x40},
		{"zero", 0x00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFramer()
			good := tempHumFrame(1, 0x12, 0x04, 215, 45, 0x89)
			stream := append(append([]byte{}, good...), tt.length, 0x52, 0x01)

			frames, err := f.Push(stream)
			if !errors.Is(err, ErrInvalidLength) {
				t.Fatalf("Expected ErrInvalidLength, got %v", err)
			}
			if len(frames) != 1 {
				t.Errorf("Expected the frame before the bad byte, got %d", len(frames))
			}
			if f.Buffered() != 0 {
				t.Errorf("Expected buffer to be discarded, got %d bytes", f.Buffered())
			}

			// Framing restarts on the next chunk
			frames, err = f.Push(good)
			if err != nil || len(frames) != 1 {
				t.Errorf("Expected recovery, got %d frames, err %v", len(frames), err)
			}
		})
	}
}

func TestFramer_PacketsDoNotAliasBuffer(t *testing.T) {
	f := NewFramer()
	frame := tempHumFrame(1, 0x12, 0x04, 215, 45, 0x89)
	frames, _ := f.Push(frame)
	f.Push(encoderFrame(1, 2))
	if !bytes.Equal(frames[0].Raw(), frame) {
		t.Error("Packet contents changed after further pushes")
	}
}

// ============================================================
// Validator Tests
// ============================================================

func TestValidatePacket(t *testing.T) {
	badHum := tempHumFrame(1, 0x12, 0x04, 215, 101, 0x89)
	badLevel := []byte{0x0B, 0x11, 0x00, 0x01, 0x01, 0x03, 0xA0, 0xF2, 0x01, 0x02, 0x10, 0x70}
	badWind := []byte{0x10, 0x56, 0x01, 0x01, 0x12, 0x34, 0x01, 0x68, 0x00, 0x10, 0x00, 0x20, 0x00, 0x00, 0x00, 0x00, 0x89}
	shortTIC := []byte{0x05, 0x60, 0x01, 0x00, 0x00, 0x00}
	shortStart := []byte{0x06, 0x01, SubtypeStartReceiver, 0x00, 0x07, 'C', 'o'}

	tests := []struct {
		name    string
		frame   []byte
		anomaly AnomalyType
		fatal   bool
	}{
		{"humidity over 100", badHum, AnomalyInvalidHumidity, false},
		{"dim level over 15", badLevel, AnomalyInvalidLevel, false},
		{"direction 360", badWind, AnomalyInvalidDirection, false},
		{"short TIC frame", shortTIC, AnomalyShortPacket, true},
		{"short start receiver response", shortStart, AnomalyShortPacket, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anomalies := ValidatePacket(NewPacket(tt.frame))
			if len(anomalies) != 1 {
				t.Fatalf("Expected 1 anomaly, got %d", len(anomalies))
			}
			if anomalies[0].Type != tt.anomaly {
				t.Errorf("Expected anomaly %d, got %d", tt.anomaly, anomalies[0].Type)
			}
			if anomalies[0].Fatal() != tt.fatal {
				t.Errorf("Expected fatal=%v", tt.fatal)
			}
		})
	}
}

func TestValidatePacket_LengthMismatch(t *testing.T) {
	frame := tempHumFrame(1, 0x12, 0x04, 215, 45, 0x89)
	anomalies := ValidatePacket(NewPacket(frame[:8]))
	if len(anomalies) != 1 || anomalies[0].Type != AnomalyLengthMismatch {
		t.Fatalf("Expected length mismatch, got %v", anomalies)
	}
}

func TestValidatePacket_ShortUnwrapsToErrShortPacket(t *testing.T) {
	anomalies := ValidatePacket(NewPacket([]byte{0x05, 0x60, 0x01, 0x00, 0x00, 0x00}))
	if len(anomalies) == 0 {
		t.Fatal("Expected an anomaly")
	}
	if !errors.Is(&anomalies[0], ErrShortPacket) {
		t.Error("Expected anomaly to match ErrShortPacket")
	}
}

func TestValidatePacket_Valid(t *testing.T) {
	frames := [][]byte{
		tempHumFrame(1, 0x12, 0x04, 215, 45, 0x89),
		ticFrame(1000000, 0, 0, 0x11, 0x02),
		encoderFrame(1, 2),
		startReceiverFrame(Copyright),
		modeResponseFrame(),
	}
	for _, f := range frames {
		if anomalies := ValidatePacket(NewPacket(f)); len(anomalies) != 0 {
			t.Errorf("% X: unexpected anomalies %v", f, anomalies)
		}
	}
}

// ============================================================
// Decoder Tests
// ============================================================

func TestDecode_UnknownType(t *testing.T) {
	d, _ := newTestDecoder()
	_, err := d.Decode(NewPacket([]byte{0x04, 0x7F, 0x00, 0x00, 0x00}))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType, got %v", err)
	}
}

func TestDecode_PanicBecomesError(t *testing.T) {
	d, _ := newTestDecoder()
	// Too short for a temp+humidity decoder, which indexes past the end
	_, err := d.Decode(NewPacket([]byte{0x04, 0x52, 0x01, 0x00, 0x00}))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
}

func TestDecode_TempHumidity(t *testing.T) {
	tests := []struct {
		name    string
		id2     byte
		tenths  int
		channel string
		temp    string
	}{
		{"positive channel 3", 0x04, 215, "3", "21.5"},
		{"negative channel 4", 0x08, -32, "4", "-3.2"},
		{"plain channel", 0x02, 0, "2", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDecoder()
			res, err := d.Decode(NewPacket(tempHumFrame(1, 0x12, tt.id2, tt.tenths, 45, 0x89)))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(res.Readings) != 2 {
				t.Fatalf("Expected 2 readings, got %d", len(res.Readings))
			}
			temp, hum := res.Readings[0], res.Readings[1]
			if temp.Mac() != "temp_channel_"+tt.channel {
				t.Errorf("Unexpected temperature mac %q", temp.Mac())
			}
			if temp.Value() != tt.temp {
				t.Errorf("Expected temperature %s, got %s", tt.temp, temp.Value())
			}
			if temp.Class() != reading.ClassTemperature {
				t.Errorf("Unexpected class %s", temp.Class())
			}
			if hum.Mac() != "hum_channel_"+tt.channel || hum.Value() != "45" {
				t.Errorf("Unexpected humidity reading %s", hum)
			}
			if metaValue(t, temp, "battery") != "9" || metaValue(t, temp, "signal") != "8" {
				t.Errorf("Unexpected battery/signal metas on %s", temp)
			}
		})
	}
}

func TestDecode_GateSuppressesRepeats(t *testing.T) {
	clk := &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDecoder(gate.New(nil, time.Minute), counter.New())
	d.now = clk.Now
	frame := tempHumFrame(1, 0x12, 0x04, 215, 45, 0x89)

	res, _ := d.Decode(NewPacket(frame))
	if len(res.Readings) != 2 {
		t.Fatalf("Expected first readings, got %d", len(res.Readings))
	}
	clk.Advance(30 * time.Second)
	res, _ = d.Decode(NewPacket(frame))
	if len(res.Readings) != 0 {
		t.Errorf("Expected readings to be suppressed, got %d", len(res.Readings))
	}
	clk.Advance(30 * time.Second)
	res, _ = d.Decode(NewPacket(frame))
	if len(res.Readings) != 2 {
		t.Errorf("Expected readings after the interval, got %d", len(res.Readings))
	}
}

func TestDecode_Temperature(t *testing.T) {
	d, _ := newTestDecoder()
	res, err := d.Decode(NewPacket([]byte{0x08, 0x50, 0x01, 0x00, 0xAB, 0xCD, 0x80, 0x7B, 0x69}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(res.Readings) != 1 {
		t.Fatalf("Expected 1 reading, got %d", len(res.Readings))
	}
	r := res.Readings[0]
	if r.Mac() != "temp_ABCD" || r.Value() != "-12.3" {
		t.Errorf("Unexpected reading %s", r)
	}
}

func TestDecode_Humidity(t *testing.T) {
	d, _ := newTestDecoder()
	res, err := d.Decode(NewPacket([]byte{0x08, 0x51, 0x01, 0x00, 0xAB, 0xCD, 0x37, 0x02, 0x69}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	r := res.Readings[0]
	if r.Mac() != "hum_ABCD" || r.Value() != "55" {
		t.Errorf("Unexpected reading %s", r)
	}
	if metaValue(t, r, "status") != "dry" {
		t.Errorf("Unexpected comfort status")
	}
}

func TestDecode_Wind(t *testing.T) {
	frame := []byte{0x10, 0x56, 0x04, 0x00, 0x12, 0x34, 0x00, 0xB4, 0x00, 0x1E, 0x00, 0x32, 0x80, 0x0F, 0x80, 0x19, 0x89}

	d, _ := newTestDecoder()
	res, err := d.Decode(NewPacket(frame))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	r := res.Readings[0]
	if r.Mac() != "wind_1234" || r.Value() != "3" {
		t.Errorf("Unexpected reading %s", r)
	}
	if metaValue(t, r, "direction") != "180" || metaValue(t, r, "gust") != "5" {
		t.Errorf("Unexpected direction/gust")
	}
	if metaValue(t, r, "temperature") != "-1.5" || metaValue(t, r, "chill") != "-2.5" {
		t.Errorf("Unexpected temperature/chill")
	}

	// Other subtypes carry no temperature
	frame[2] = 0x01
	d, _ = newTestDecoder()
	res, _ = d.Decode(NewPacket(frame))
	if _, ok := res.Readings[0].Meta("temperature"); ok {
		t.Error("Temperature should only be decoded for subtype 0x04")
	}
}

func TestDecode_Lighting2(t *testing.T) {
	tests := []struct {
		name  string
		cmd   byte
		level byte
		value string
		group bool
	}{
		{"off", Lighting2Off, 0, "0", false},
		{"on", Lighting2On, 0x0F, "100", false},
		{"level", Lighting2Level, 0x07, "47", false},
		{"group on", Lighting2GroupOn, 0, "100", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDecoder()
			frame := []byte{0x0B, 0x11, 0x00, 0x01, 0x01, 0x03, 0xA0, 0xF2, 0x01, tt.cmd, tt.level, 0x70}
			res, err := d.Decode(NewPacket(frame))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			r := res.Readings[0]
			if r.Mac() != "lighting2_0103A0F2_1" {
				t.Errorf("Unexpected mac %q", r.Mac())
			}
			if r.Value() != tt.value {
				t.Errorf("Expected value %s, got %s", tt.value, r.Value())
			}
			if r.Class() != reading.ClassSwitch {
				t.Errorf("Unexpected class %s", r.Class())
			}
			if _, ok := r.Meta("group"); ok != tt.group {
				t.Errorf("Expected group=%v", tt.group)
			}
			if metaValue(t, r, "signal") != "7" {
				t.Errorf("Unexpected signal")
			}
		})
	}
}

func TestDecode_Lighting2UnknownCommand(t *testing.T) {
	d, _ := newTestDecoder()
	frame := []byte{0x0B, 0x11, 0x00, 0x01, 0x01, 0x03, 0xA0, 0xF2, 0x01, 0x09, 0x00, 0x70}
	if _, err := d.Decode(NewPacket(frame)); err == nil {
		t.Error("Expected an error for an unknown command")
	}
}

func TestDecode_Status(t *testing.T) {
	d, _ := newTestDecoder()

	res, err := d.Decode(NewPacket(startReceiverFrame(Copyright)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Status == nil || res.Status.Subtype != SubtypeStartReceiver {
		t.Fatalf("Expected a start receiver status, got %+v", res.Status)
	}
	if res.Status.Copyright != Copyright {
		t.Errorf("Unexpected copyright %q", res.Status.Copyright)
	}

	res, _ = d.Decode(NewPacket(modeResponseFrame()))
	if res.Status == nil || res.Status.Subtype != SubtypeModeResponse {
		t.Fatalf("Expected a mode response, got %+v", res.Status)
	}
	if res.Status.Firmware != 0xE9 {
		t.Errorf("Unexpected firmware 0x%02X", res.Status.Firmware)
	}
}

func TestDecode_Ack(t *testing.T) {
	tests := []struct {
		subtype byte
		code    byte
		ok      bool
	}{
		{SubtypeTransmitterAck, AckOK, true},
		{SubtypeTransmitterAck, AckDelayed, true},
		{SubtypeTransmitterAck, AckNAK, false},
		{SubtypeTransmitterErr, AckOK, false},
	}
	for _, tt := range tests {
		d, _ := newTestDecoder()
		res, err := d.Decode(NewPacket([]byte{0x04, 0x02, tt.subtype, 0x05, tt.code}))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if res.Ack == nil || res.Ack.OK() != tt.ok {
			t.Errorf("subtype %d code %d: expected ok=%v", tt.subtype, tt.code, tt.ok)
		}
	}
}

// ============================================================
// Cartelectronic Tests
// ============================================================

func TestDecode_TICBaseRollback(t *testing.T) {
	d, clk := newTestDecoder()
	const mac = "41662078478"

	steps := []struct {
		index    uint32
		baseinst string
		err      bool
	}{
		{1000000, "0", false},
		{999999, "", true},
		{1000010, "0", false},
		{1000030, "20", false},
	}

	for i, step := range steps {
		clk.Advance(time.Second)
		res, err := d.Decode(NewPacket(ticFrame(step.index, 0, 0, 0x11, 0x02)))
		if step.err {
			if !errors.Is(err, counter.ErrRollback) {
				t.Fatalf("step %d: expected rollback error, got %v", i, err)
			}
			if len(res.Readings) != 0 {
				t.Fatalf("step %d: expected no reading on rollback", i)
			}
			continue
		}
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if len(res.Readings) != 1 {
			t.Fatalf("step %d: expected 1 reading, got %d", i, len(res.Readings))
		}
		r := res.Readings[0]
		if r.Mac() != mac {
			t.Errorf("step %d: unexpected mac %q", i, r.Mac())
		}
		if r.Value() != "0" {
			t.Errorf("step %d: unexpected value %q", i, r.Value())
		}
		if got := metaValue(t, r, "baseinst"); got != step.baseinst {
			t.Errorf("step %d: expected baseinst %s, got %s", i, step.baseinst, got)
		}
		if metaValue(t, r, "opttarif") != "BASE" {
			t.Errorf("step %d: unexpected contract", i)
		}
	}
}

func TestDecodeFunc_RefusedReadingKeepsDelta(t *testing.T) {
	d, clk := newTestDecoder()
	refuse := func(reading.Reading) bool { return false }

	if _, err := d.Decode(NewPacket(ticFrame(1000, 0, 0, 0x11, 0x02))); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	clk.Advance(time.Second)
	res, err := d.DecodeFunc(NewPacket(ticFrame(1500, 0, 0, 0x11, 0x02)), refuse)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(res.Readings) != 0 {
		t.Fatalf("Expected refused readings to be left out, got %d", len(res.Readings))
	}

	clk.Advance(time.Second)
	var delivered []reading.Reading
	res, _ = d.DecodeFunc(NewPacket(ticFrame(1600, 0, 0, 0x11, 0x02)), func(r reading.Reading) bool {
		delivered = append(delivered, r)
		return true
	})
	if len(delivered) != 1 || len(res.Readings) != 1 {
		t.Fatalf("Expected one delivered reading, got %d/%d", len(delivered), len(res.Readings))
	}
	if got := metaValue(t, res.Readings[0], "baseinst"); got != "600" {
		t.Errorf("Expected baseinst 600 since the last delivered index, got %s", got)
	}
}

func TestDecodeFunc_RefusedReadingNotGated(t *testing.T) {
	clk := &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDecoder(gate.New(nil, 5*time.Minute), counter.New())
	d.now = clk.Now
	frame := tempHumFrame(1, 0x12, 0x04, 215, 45, 0x89)

	var calls int
	res, _ := d.DecodeFunc(NewPacket(frame), func(r reading.Reading) bool {
		calls++
		// accept humidity only
		return r.Class() == reading.ClassHumidity
	})
	if calls != 2 || len(res.Readings) != 1 {
		t.Fatalf("Expected 2 offered and 1 accepted, got %d/%d", calls, len(res.Readings))
	}

	clk.Advance(time.Second)
	res, _ = d.Decode(NewPacket(frame))
	if len(res.Readings) != 1 || res.Readings[0].Class() != reading.ClassTemperature {
		t.Fatalf("Expected only the refused temperature to be retried, got %+v", res.Readings)
	}
}

func TestDecode_TICHeuresCreuses(t *testing.T) {
	d, clk := newTestDecoder()

	res, err := d.Decode(NewPacket(ticFrame(5000, 8000, 2300, 0x22, 0x02)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	r := res.Readings[0]
	if r.Value() != "11" {
		t.Errorf("Expected ceil(2300/220)=11, got %s", r.Value())
	}
	if metaValue(t, r, "hchc") != "5000" || metaValue(t, r, "hchp") != "8000" {
		t.Errorf("Unexpected totals on %s", r)
	}
	if metaValue(t, r, "ptec") != "HC" || metaValue(t, r, "opttarif") != "HC" {
		t.Errorf("Unexpected tariff metas on %s", r)
	}

	clk.Advance(time.Second)
	res, _ = d.Decode(NewPacket(ticFrame(5003, 8010, 2300, 0x22, 0x02)))
	r = res.Readings[0]
	if metaValue(t, r, "hcinst") != "3" || metaValue(t, r, "hpinst") != "10" {
		t.Errorf("Unexpected deltas on %s", r)
	}
}

func TestDecode_TICInvalidFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags byte
	}{
		{"apparent power invalid", 0x00},
		{"teleinfo absent", 0x06},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDecoder()
			res, err := d.Decode(NewPacket(ticFrame(1000, 0, 100, 0x11, tt.flags)))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(res.Readings) != 0 {
				t.Errorf("Expected no readings, got %d", len(res.Readings))
			}
		})
	}
}

func TestDecode_EncoderCounters(t *testing.T) {
	d, clk := newTestDecoder()

	res, err := d.Decode(NewPacket(encoderFrame(100, 0)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(res.Readings) != 1 {
		t.Fatalf("Expected zero counter to be skipped, got %d readings", len(res.Readings))
	}
	if res.Readings[0].Mac() != "counter_01020304_1" {
		t.Errorf("Unexpected mac %q", res.Readings[0].Mac())
	}

	clk.Advance(time.Second)
	res, err = d.Decode(NewPacket(encoderFrame(105, 7)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(res.Readings) != 2 {
		t.Fatalf("Expected 2 readings, got %d", len(res.Readings))
	}
	if metaValue(t, res.Readings[0], "inst") != "5" {
		t.Errorf("Unexpected delta on counter 1")
	}
	if metaValue(t, res.Readings[1], "inst") != "0" {
		t.Errorf("Expected zero delta for a new counter")
	}

	// Counter 1 rolls back, counter 2 still reports
	clk.Advance(time.Second)
	res, err = d.Decode(NewPacket(encoderFrame(50, 9)))
	if !errors.Is(err, counter.ErrRollback) {
		t.Fatalf("Expected rollback, got %v", err)
	}
	if len(res.Readings) != 1 || res.Readings[0].Mac() != "counter_01020304_2" {
		t.Fatalf("Expected only counter 2, got %v", res.Readings)
	}
	if metaValue(t, res.Readings[0], "inst") != "2" {
		t.Errorf("Unexpected delta on counter 2")
	}

	// Counter 1 starts over from the new baseline
	clk.Advance(time.Second)
	res, _ = d.Decode(NewPacket(encoderFrame(60, 9)))
	if metaValue(t, res.Readings[0], "inst") != "0" {
		t.Errorf("Expected counter 1 baseline to restart")
	}
}

// ============================================================
// Message Tests
// ============================================================

func TestEncodeInterfaceCommand(t *testing.T) {
	got := EncodeInterfaceCommand(3, CmdGetStatus)
	want := []byte{0x0D, 0x00, 0x00, 0x03, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected % X, got % X", want, got)
	}
}

func TestLighting2Mac_RoundTrip(t *testing.T) {
	mac := Lighting2Mac(0x0103A0F2, 11)
	if mac != "lighting2_0103A0F2_11" {
		t.Fatalf("Unexpected mac %q", mac)
	}
	id, unit, err := ParseLighting2Mac(mac)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id != 0x0103A0F2 || unit != 11 {
		t.Errorf("Unexpected id 0x%08X unit %d", id, unit)
	}
}

func TestParseLighting2Mac_Invalid(t *testing.T) {
	for _, mac := range []string{"temp_1234", "lighting2_", "lighting2_XYZ_1", "lighting2_FFFFFFFF_1", "lighting2_0103A0F2_x"} {
		if _, _, err := ParseLighting2Mac(mac); !errors.Is(err, ErrBadIdentity) {
			t.Errorf("%s: expected ErrBadIdentity, got %v", mac, err)
		}
	}
}

func TestLighting2FromReading(t *testing.T) {
	tests := []struct {
		value string
		cmd   uint8
		level uint8
	}{
		{"0", Lighting2Off, 0},
		{"100", Lighting2On, Lighting2MaxLevel},
		{"50", Lighting2Level, 8},
		{"20", Lighting2Level, 3},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			r := reading.New("lighting2_0103A0F2_1", reading.ClassSwitch, tt.value)
			cmd, err := Lighting2FromReading(r)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if cmd.Command != tt.cmd || cmd.Level != tt.level {
				t.Errorf("Expected cmd %d level %d, got cmd %d level %d", tt.cmd, tt.level, cmd.Command, cmd.Level)
			}
		})
	}
}

func TestLighting2FromReading_Invalid(t *testing.T) {
	for _, v := range []string{"on", "-1", "101"} {
		r := reading.New("lighting2_0103A0F2_1", reading.ClassSwitch, v)
		if _, err := Lighting2FromReading(r); !errors.Is(err, ErrNotWritable) {
			t.Errorf("%q: expected ErrNotWritable, got %v", v, err)
		}
	}
}

func TestLighting2Command_EncodeDecodes(t *testing.T) {
	r := reading.New("lighting2_0103A0F2_1", reading.ClassSwitch, "100",
		reading.MetaValue{Name: "subtype", Value: "1"})
	cmd, err := Lighting2FromReading(r)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	frame := cmd.Encode(9)
	want := []byte{0x0B, 0x11, 0x01, 0x09, 0x01, 0x03, 0xA0, 0xF2, 0x01, 0x01, 0x0F, 0x00}
	if !bytes.Equal(frame, want) {
		t.Fatalf("Expected % X, got % X", want, frame)
	}

	// The encoded frame decodes back to the same unit and state
	d, _ := newTestDecoder()
	res, err := d.Decode(NewPacket(frame))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Readings[0].Mac() != r.Mac() || res.Readings[0].Value() != "100" {
		t.Errorf("Unexpected decoded reading %s", res.Readings[0])
	}
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatPacketType(t *testing.T) {
	if got := FormatPacketType(TypeTempHumidity); got != "TEMP_HUMIDITY" {
		t.Errorf("Unexpected name %q", got)
	}
	if got := FormatPacketType(0x7F); got != "UNKNOWN_0x7F" {
		t.Errorf("Unexpected name %q", got)
	}
}

func TestFormatHex(t *testing.T) {
	if got := FormatHex([]byte{0x0A, 0x52, 0xFF}); got != "0A 52 FF" {
		t.Errorf("Unexpected hex %q", got)
	}
}
