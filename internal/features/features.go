package features

import (
	"time"

	"marketwatch/internal/models"
	"marketwatch/internal/window"
)

// Window durations the v1 schema is defined over. The aggregator must be
// configured with at least these.
const (
	ShortWindow  = 1 * time.Minute
	MediumWindow = 5 * time.Minute
	LongWindow   = time.Hour
)

// volumeRatioCap bounds volume_ratio_5m_1h so a single extreme burst cannot
// dominate the score unboundedly.
const volumeRatioCap = 50.0

// Compute derives the v1 feature vector from a window snapshot. It is a pure
// function of the snapshot: identical snapshots yield bit-identical vectors.
//
// Degenerate inputs are defined, not errors: with fewer than 2 samples (or
// zero variance) price_zscore is 0, with fewer than 2 samples in the medium
// window momentum_5m is 0, and with an empty long window the volume ratio
// is 0.
func Compute(snap window.Snapshot) models.FeatureVector {
	medium := snap.Windows[MediumWindow]
	long := snap.Windows[LongWindow]

	vol5m := float64(medium.VolumeSum)
	vol1h := float64(long.VolumeSum)

	// 5-minute volume against the trailing-hour per-5-minute average.
	var volumeRatio float64
	if vol1h > 0 {
		baseline := vol1h / float64(LongWindow/MediumWindow)
		volumeRatio = clip(vol5m/baseline, 0, volumeRatioCap)
	}

	var zscore float64
	if long.Count >= 2 && long.StdDev > 0 {
		zscore = (snap.LastPrice - long.PriceMean) / long.StdDev
	}

	var momentum float64
	if medium.Count >= 2 && medium.FirstPrice > 0 {
		momentum = (medium.LastPrice - medium.FirstPrice) / medium.FirstPrice
	}

	return models.FeatureVector{
		SecurityID:    snap.SecurityID,
		Timestamp:     snap.At,
		SchemaVersion: models.FeatureSchemaVersion,
		Values: []float64{
			vol5m,
			vol1h,
			volumeRatio,
			zscore,
			momentum,
		},
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
