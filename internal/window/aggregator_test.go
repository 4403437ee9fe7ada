package window

import (
	"errors"
	"testing"
	"time"

	"marketwatch/internal/models"
)

var testWindows = []time.Duration{time.Minute, 5 * time.Minute, time.Hour}

func tick(id string, ts time.Time, price float64, volume int64) models.Tick {
	return models.Tick{SecurityID: id, Timestamp: ts, Price: price, Volume: volume}
}

func TestSnapshotBoundariesInclusive(t *testing.T) {
	agg := New(testWindows)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	// One tick exactly at the window start, one inside, one exactly at now.
	for i, off := range []time.Duration{0, 30 * time.Second, time.Minute} {
		if err := agg.Ingest(tick("X", base.Add(off), 100+float64(i), 10)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	now := base.Add(time.Minute)
	st := agg.Snapshot("X", now).Windows[time.Minute]
	if st.Count != 3 {
		t.Fatalf("1m window count got %d want 3 (boundaries inclusive on both ends)", st.Count)
	}

	// A tick one nanosecond before the window start must be excluded.
	agg2 := New(testWindows)
	if err := agg2.Ingest(tick("X", base.Add(-time.Nanosecond), 99, 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := agg2.Ingest(tick("X", base.Add(time.Minute), 100, 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	st = agg2.Snapshot("X", now).Windows[time.Minute]
	if st.Count != 1 {
		t.Fatalf("1m window count got %d want 1", st.Count)
	}
	if st.FirstPrice != 100 {
		t.Fatalf("first price got %v want 100", st.FirstPrice)
	}
}

func TestOutOfOrderTickRejected(t *testing.T) {
	agg := New(testWindows)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	if err := agg.Ingest(tick("X", base.Add(10*time.Second), 100, 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	err := agg.Ingest(tick("X", base.Add(5*time.Second), 101, 10))
	if !errors.Is(err, models.ErrOutOfOrderTick) {
		t.Fatalf("expected ErrOutOfOrderTick, got %v", err)
	}

	// The rejected tick must not have touched the buffers.
	if got := agg.SampleCount("X"); got != 1 {
		t.Fatalf("sample count got %d want 1", got)
	}

	// Another security is unaffected by X's ordering.
	if err := agg.Ingest(tick("Y", base, 50, 5)); err != nil {
		t.Fatalf("ingest for other security: %v", err)
	}
}

func TestDuplicateTimestampRejected(t *testing.T) {
	agg := New(testWindows)
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	if err := agg.Ingest(tick("X", ts, 100, 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	err := agg.Ingest(tick("X", ts, 100, 10))
	if !errors.Is(err, models.ErrDuplicateTick) {
		t.Fatalf("expected ErrDuplicateTick, got %v", err)
	}

	// No double counting in aggregates.
	st := agg.Snapshot("X", ts).Windows[time.Minute]
	if st.Count != 1 || st.VolumeSum != 10 {
		t.Fatalf("aggregates double counted: count=%d volume=%d", st.Count, st.VolumeSum)
	}
}

func TestLastSample(t *testing.T) {
	agg := New(testWindows)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	if _, ok := agg.LastSample("X"); ok {
		t.Fatal("empty security must report no last sample")
	}

	if err := agg.Ingest(tick("X", base, 100, 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := agg.Ingest(tick("X", base.Add(time.Second), 101, 20)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	last, ok := agg.LastSample("X")
	if !ok {
		t.Fatal("expected a last sample")
	}
	want := tick("X", base.Add(time.Second), 101, 20)
	if !last.Timestamp.Equal(want.Timestamp) || last.Price != want.Price || last.Volume != want.Volume {
		t.Fatalf("last sample got %+v want %+v", last, want)
	}

	// A rejected duplicate does not change the newest sample.
	_ = agg.Ingest(tick("X", base.Add(time.Second), 999, 999))
	last, _ = agg.LastSample("X")
	if last.Price != 101 || last.Volume != 20 {
		t.Fatalf("duplicate mutated the buffer: %+v", last)
	}
}

func TestInvalidTickRejected(t *testing.T) {
	agg := New(testWindows)
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		tick models.Tick
	}{
		{"zero price", tick("X", ts, 0, 10)},
		{"negative price", tick("X", ts, -1, 10)},
		{"negative volume", tick("X", ts, 100, -1)},
		{"missing security", tick("", ts, 100, 10)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := agg.Ingest(tc.tick); !errors.Is(err, models.ErrInvalidTick) {
				t.Fatalf("expected ErrInvalidTick, got %v", err)
			}
		})
	}
}

func TestEvictionIsTimeBasedAndExact(t *testing.T) {
	agg := New(testWindows)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	// Two hours of ticks at 10s intervals: memory must stay bounded by the
	// longest window, not total ticks seen.
	n := 2 * 60 * 6
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * 10 * time.Second)
		if err := agg.Ingest(tick("X", ts, 100, 10)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	// One hour at 10s intervals is 360 samples; +1 for the inclusive start.
	if got := agg.SampleCount("X"); got > 361 {
		t.Fatalf("buffer leaked: %d samples retained for a 1h window", got)
	}

	now := base.Add(time.Duration(n-1) * 10 * time.Second)
	st := agg.Snapshot("X", now).Windows[time.Hour]
	if st.Count != 361 {
		t.Fatalf("1h window count got %d want 361", st.Count)
	}
	if st.VolumeSum != 3610 {
		t.Fatalf("1h volume sum got %d want 3610", st.VolumeSum)
	}
}

func TestStatsSmallSampleCases(t *testing.T) {
	agg := New(testWindows)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	// Zero samples: everything is zero, nothing is NaN.
	st := agg.Snapshot("X", base).Windows[time.Minute]
	if st.Count != 0 || st.Variance != 0 || st.StdDev != 0 {
		t.Fatalf("zero-sample stats not zeroed: %+v", st)
	}

	// Single sample: mean defined, variance defined as 0.
	if err := agg.Ingest(tick("X", base, 100, 10)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	st = agg.Snapshot("X", base).Windows[time.Minute]
	if st.Count != 1 || st.PriceMean != 100 || st.Variance != 0 {
		t.Fatalf("single-sample stats wrong: %+v", st)
	}
}

func TestSampleVariance(t *testing.T) {
	agg := New(testWindows)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	prices := []float64{10, 20, 30, 40}
	for i, p := range prices {
		if err := agg.Ingest(tick("X", base.Add(time.Duration(i)*time.Second), p, 1)); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	st := agg.Snapshot("X", base.Add(3*time.Second)).Windows[time.Minute]

	// Sample variance of {10,20,30,40}: mean 25, ss 500, n-1=3.
	want := 500.0 / 3.0
	if diff := st.Variance - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("variance got %v want %v", st.Variance, want)
	}
	if st.PriceMin != 10 || st.PriceMax != 40 || st.LastPrice != 40 {
		t.Fatalf("min/max/last wrong: %+v", st)
	}
}

func TestSnapshotDoesNotMutateBeyondEviction(t *testing.T) {
	agg := New(testWindows)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if err := agg.Ingest(tick("X", base.Add(time.Duration(i)*time.Second), 100, 10)); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	now := base.Add(9 * time.Second)
	first := agg.Snapshot("X", now)
	second := agg.Snapshot("X", now)

	for _, d := range testWindows {
		if first.Windows[d] != second.Windows[d] {
			t.Fatalf("repeated snapshot differs for %s: %+v vs %+v", d, first.Windows[d], second.Windows[d])
		}
	}
}
