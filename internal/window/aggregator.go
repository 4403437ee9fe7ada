package window

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"marketwatch/internal/models"
)

// Stats holds the aggregate statistics of one window as of a snapshot time.
// Variance is sample variance (n-1 denominator); it is 0 when fewer than 2
// samples are in the window, so derived z-scores degrade to 0 instead of NaN.
type Stats struct {
	Duration   time.Duration
	Count      int
	PriceSum   float64
	PriceMean  float64
	Variance   float64
	StdDev     float64
	PriceMin   float64
	PriceMax   float64
	VolumeSum  int64
	FirstPrice float64 // oldest price inside the window
	LastPrice  float64 // newest price inside the window
}

// Snapshot is the full per-security aggregate view handed to the feature
// computer. It is a value copy; the aggregator's buffers never escape.
type Snapshot struct {
	SecurityID string
	At         time.Time
	LastPrice  float64
	Windows    map[time.Duration]Stats
}

type sample struct {
	ts     time.Time
	price  float64
	volume int64
}

// securityWindows owns the sample buffer for one security. All access is
// serialized through its mutex; buffers are never shared outside the
// aggregator.
type securityWindows struct {
	mu       sync.Mutex
	samples  []sample // ordered by ts, covers at most the longest duration
	lastSeen time.Time
}

// Aggregator maintains per-security sliding windows of price and volume
// observations. Eviction is lazy (performed on ingest and snapshot) and
// strictly time-based: a sample is retained exactly while it lies within
// [now - maxDuration, now]. Window membership on snapshot is inclusive on
// both ends: ts in [now-d, now].
type Aggregator struct {
	mu        sync.RWMutex
	state     map[string]*securityWindows
	durations []time.Duration // sorted ascending
	maxDur    time.Duration
}

// New creates an aggregator for the given window durations.
func New(durations []time.Duration) *Aggregator {
	ds := make([]time.Duration, len(durations))
	copy(ds, durations)
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	var maxDur time.Duration
	if len(ds) > 0 {
		maxDur = ds[len(ds)-1]
	}
	return &Aggregator{
		state:     make(map[string]*securityWindows),
		durations: ds,
		maxDur:    maxDur,
	}
}

// Durations returns the configured window durations, ascending.
func (a *Aggregator) Durations() []time.Duration {
	out := make([]time.Duration, len(a.durations))
	copy(out, a.durations)
	return out
}

func (a *Aggregator) forSecurity(securityID string) *securityWindows {
	a.mu.RLock()
	sw, ok := a.state[securityID]
	a.mu.RUnlock()
	if ok {
		return sw
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if sw, ok = a.state[securityID]; ok {
		return sw
	}
	sw = &securityWindows{samples: make([]sample, 0, 256)}
	a.state[securityID] = sw
	return sw
}

// Ingest appends a tick to the security's window buffers. Timestamps per
// security must be strictly increasing: an earlier timestamp fails with
// ErrOutOfOrderTick, an equal timestamp (re-delivery) with ErrDuplicateTick.
// Rejected ticks leave the buffers untouched.
func (a *Aggregator) Ingest(tick models.Tick) error {
	if err := models.ValidateTick(tick); err != nil {
		return err
	}

	sw := a.forSecurity(tick.SecurityID)
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.lastSeen.IsZero() {
		if tick.Timestamp.Before(sw.lastSeen) {
			return fmt.Errorf("%w: security %s got %s, last seen %s",
				models.ErrOutOfOrderTick, tick.SecurityID,
				tick.Timestamp.Format(time.RFC3339Nano), sw.lastSeen.Format(time.RFC3339Nano))
		}
		if tick.Timestamp.Equal(sw.lastSeen) {
			return fmt.Errorf("%w: security %s at %s",
				models.ErrDuplicateTick, tick.SecurityID, tick.Timestamp.Format(time.RFC3339Nano))
		}
	}

	sw.samples = append(sw.samples, sample{ts: tick.Timestamp, price: tick.Price, volume: tick.Volume})
	sw.lastSeen = tick.Timestamp
	sw.evict(tick.Timestamp, a.maxDur)
	return nil
}

// evict drops samples strictly older than now - maxDur. Caller holds sw.mu.
func (sw *securityWindows) evict(now time.Time, maxDur time.Duration) {
	cutoff := now.Add(-maxDur)
	keep := 0
	for keep < len(sw.samples) && sw.samples[keep].ts.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		sw.samples = sw.samples[keep:]
	}
}

// Snapshot returns aggregate statistics for every configured window as of
// now, without mutating state beyond eviction. A security with no retained
// samples yields zero-count stats for every window.
func (a *Aggregator) Snapshot(securityID string, now time.Time) Snapshot {
	sw := a.forSecurity(securityID)
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.evict(now, a.maxDur)

	snap := Snapshot{
		SecurityID: securityID,
		At:         now,
		Windows:    make(map[time.Duration]Stats, len(a.durations)),
	}
	if n := len(sw.samples); n > 0 {
		last := sw.samples[n-1]
		if !last.ts.After(now) {
			snap.LastPrice = last.price
		}
	}
	for _, d := range a.durations {
		snap.Windows[d] = computeStats(sw.samples, now, d)
	}
	return snap
}

// computeStats aggregates samples with ts in [now-d, now]. Two-pass mean and
// sum of squared deviations keeps the variance numerically stable for the
// near-constant price streams this engine mostly sees.
func computeStats(samples []sample, now time.Time, d time.Duration) Stats {
	start := now.Add(-d)
	st := Stats{Duration: d}

	first := true
	for _, s := range samples {
		if s.ts.Before(start) || s.ts.After(now) {
			continue
		}
		st.Count++
		st.PriceSum += s.price
		st.VolumeSum += s.volume
		if first {
			st.PriceMin = s.price
			st.PriceMax = s.price
			st.FirstPrice = s.price
			first = false
		} else {
			if s.price < st.PriceMin {
				st.PriceMin = s.price
			}
			if s.price > st.PriceMax {
				st.PriceMax = s.price
			}
		}
		st.LastPrice = s.price
	}
	if st.Count == 0 {
		return st
	}

	st.PriceMean = st.PriceSum / float64(st.Count)
	if st.Count >= 2 {
		var ss float64
		for _, s := range samples {
			if s.ts.Before(start) || s.ts.After(now) {
				continue
			}
			dev := s.price - st.PriceMean
			ss += dev * dev
		}
		st.Variance = ss / float64(st.Count-1)
		st.StdDev = math.Sqrt(st.Variance)
	}
	return st
}

// LastSample returns the newest retained sample for a security as a tick.
// Lets callers distinguish re-delivery of an already-ingested tick from a
// conflicting duplicate carrying different values.
func (a *Aggregator) LastSample(securityID string) (models.Tick, bool) {
	sw := a.forSecurity(securityID)
	sw.mu.Lock()
	defer sw.mu.Unlock()

	n := len(sw.samples)
	if n == 0 {
		return models.Tick{}, false
	}
	s := sw.samples[n-1]
	return models.Tick{SecurityID: securityID, Timestamp: s.ts, Price: s.price, Volume: s.volume}, true
}

// SampleCount reports the number of retained samples for a security. Used by
// tests and the memory-bound instrumentation gauge.
func (a *Aggregator) SampleCount(securityID string) int {
	sw := a.forSecurity(securityID)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.samples)
}
