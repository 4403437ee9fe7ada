package models

import (
	"math"
	"testing"
	"time"
)

func validTick() Tick {
	return Tick{
		SecurityID: "RELIANCE.NS",
		Timestamp:  time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		Price:      2845.35,
		Volume:     1200,
	}
}

func TestValidateTick(t *testing.T) {
	if err := ValidateTick(validTick()); err != nil {
		t.Fatalf("valid tick rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Tick)
	}{
		{"empty security", func(tk *Tick) { tk.SecurityID = "" }},
		{"zero timestamp", func(tk *Tick) { tk.Timestamp = time.Time{} }},
		{"zero price", func(tk *Tick) { tk.Price = 0 }},
		{"negative price", func(tk *Tick) { tk.Price = -1 }},
		{"nan price", func(tk *Tick) { tk.Price = math.NaN() }},
		{"inf price", func(tk *Tick) { tk.Price = math.Inf(1) }},
		{"negative volume", func(tk *Tick) { tk.Volume = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tk := validTick()
			tc.mutate(&tk)
			if err := ValidateTick(tk); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	zeroVol := validTick()
	zeroVol.Volume = 0
	if err := ValidateTick(zeroVol); err != nil {
		t.Fatalf("zero volume should be valid: %v", err)
	}
}

func TestFeatureVectorNamesAndMap(t *testing.T) {
	fv := FeatureVector{
		SchemaVersion: FeatureSchemaVersion,
		Values:        []float64{1, 2, 3, 4, 5},
	}
	names := fv.Names()
	if len(names) != len(FeatureNamesV1) {
		t.Fatalf("got %d names, want %d", len(names), len(FeatureNamesV1))
	}

	m := fv.AsMap()
	if len(m) != len(fv.Values) {
		t.Fatalf("got %d entries, want %d", len(m), len(fv.Values))
	}
	if m["vol_rolling_5m"] != 1 || m["momentum_5m"] != 5 {
		t.Fatalf("map does not follow schema order: %v", m)
	}

	unknown := FeatureVector{SchemaVersion: "v0", Values: []float64{1}}
	if unknown.Names() != nil || unknown.AsMap() != nil {
		t.Fatal("unknown schema must yield nil names and map")
	}

	short := FeatureVector{SchemaVersion: FeatureSchemaVersion, Values: []float64{1}}
	if short.AsMap() != nil {
		t.Fatal("shape mismatch must yield nil map")
	}
}

func TestResultKeyIsStable(t *testing.T) {
	ts := time.Date(2025, 6, 2, 10, 0, 0, 123456789, time.UTC)
	a := AnomalyResult{ID: "a", SecurityID: "X", Timestamp: ts, ModelRef: "isolation_forest:v1"}
	b := AnomalyResult{ID: "b", SecurityID: "X", Timestamp: ts.In(time.FixedZone("IST", 19800)), ModelRef: "isolation_forest:v1"}

	if a.Key() != b.Key() {
		t.Fatalf("keys differ across timezones: %q vs %q", a.Key(), b.Key())
	}

	c := a
	c.Timestamp = ts.Add(time.Nanosecond)
	if a.Key() == c.Key() {
		t.Fatal("distinct timestamps must produce distinct keys")
	}

	d := a
	d.ModelRef = "isolation_forest:v2"
	if a.Key() == d.Key() {
		t.Fatal("distinct model refs must produce distinct keys")
	}
}
