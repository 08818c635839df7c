// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package reading

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestBuilder_IndependentCopies(t *testing.T) {
	b := NewBuilder("temp_channel_1", ClassTemperature).Value("21.5").
		Meta(MetaValue{Name: "battery", Label: "Batterie", Value: "9"})

	r1 := b.Build()
	b.Meta(MetaValue{Name: "signal", Value: "5"})
	r2 := b.Build()

	if len(r1.MetaValues()) != 1 {
		t.Errorf("first reading changed after builder reuse: %v", r1.MetaValues())
	}
	if len(r2.MetaValues()) != 2 {
		t.Errorf("expected 2 metavalues, got %d", len(r2.MetaValues()))
	}

	metas := r2.MetaValues()
	metas[0].Value = "0"
	if m, _ := r2.Meta("battery"); m.Value != "9" {
		t.Errorf("MetaValues must return a copy, reading now has battery=%s", m.Value)
	}
}

func TestBuilder_MetaReplacesByName(t *testing.T) {
	r := NewBuilder("x", ClassCounter).
		Meta(MetaValue{Name: "inst", Value: "1"}).
		Meta(MetaValue{Name: "inst", Value: "2"}).
		Build()

	if len(r.MetaValues()) != 1 {
		t.Fatalf("expected replacement, got %v", r.MetaValues())
	}
	if m, ok := r.Meta("inst"); !ok || m.Value != "2" {
		t.Errorf("Meta(inst) = %v, %v; want 2, true", m.Value, ok)
	}
}

func TestReading_IsZero(t *testing.T) {
	if !(Reading{}).IsZero() {
		t.Error("zero reading should report IsZero")
	}
	if New("adco", ClassTeleinfo, "3").IsZero() {
		t.Error("reading with mac should not be zero")
	}
}

func TestReading_MarshalJSONKeepsOrder(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewBuilder("041234567890", ClassTeleinfo).Value("3").At(ts).
		Meta(MetaValue{Name: "ptec", Label: "Période tarifaire", Value: "HC.."}).
		Meta(MetaValue{Name: "hchc", Label: "Total heures creuses", Unit: "Wh", Value: "1000", Trace: true}).
		Meta(MetaValue{Name: "adps", Value: "0"}).
		Build()

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)

	if !strings.Contains(s, `"header":"deviceValue"`) {
		t.Errorf("missing header: %s", s)
	}
	if !strings.Contains(s, `"implClass":"smarthome.automation.deviceType.TeleInformation"`) {
		t.Errorf("missing implClass: %s", s)
	}
	iPtec := strings.Index(s, `"ptec"`)
	iHchc := strings.Index(s, `"hchc"`)
	iAdps := strings.Index(s, `"adps"`)
	if !(iPtec < iHchc && iHchc < iAdps) {
		t.Errorf("metavalues out of order: %s", s)
	}
	if !strings.Contains(s, `"unite":"Wh"`) || !strings.Contains(s, `"trace":true`) {
		t.Errorf("metavalue fields missing: %s", s)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
}
