package models

import "time"

// Tick is a single validated market observation. Immutable once ingested.
type Tick struct {
	SecurityID string    `json:"security_id"`
	Timestamp  time.Time `json:"ts"` // UTC, normalized by the ingress adapter
	Price      float64   `json:"price"`
	Volume     int64     `json:"volume"`
}

// FeatureSchemaVersion identifies the feature vector layout the scorer was
// trained against. Adding or reordering a feature bumps this version.
const FeatureSchemaVersion = "v1"

// FeatureNamesV1 is the fixed feature order for schema v1.
var FeatureNamesV1 = []string{
	"vol_rolling_5m",
	"vol_rolling_1h",
	"volume_ratio_5m_1h",
	"price_zscore",
	"momentum_5m",
}

// FeatureVector is the fixed-shape numeric input to the scorer. Values are
// ordered per the schema version; the vector is ephemeral and recomputed
// each scoring cycle.
type FeatureVector struct {
	SecurityID    string    `json:"security_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Values        []float64 `json:"values"`
}

// Names returns the feature names for the vector's schema version, or nil
// for an unknown version.
func (fv FeatureVector) Names() []string {
	if fv.SchemaVersion == FeatureSchemaVersion {
		return FeatureNamesV1
	}
	return nil
}

// AsMap returns name -> value for the vector's schema. Used for audit
// payloads and explanations, never for scoring (the scorer consumes the
// ordered slice).
func (fv FeatureVector) AsMap() map[string]float64 {
	names := fv.Names()
	if names == nil || len(names) != len(fv.Values) {
		return nil
	}
	m := make(map[string]float64, len(names))
	for i, name := range names {
		m[name] = fv.Values[i]
	}
	return m
}

// AnomalyResult is the terminal, append-only record of one scoring cycle.
// Created exactly once per (security_id, timestamp) and never mutated.
type AnomalyResult struct {
	ID                     string             `json:"id"`
	SecurityID             string             `json:"security_id"`
	Timestamp              time.Time          `json:"ts"`
	Score                  float64            `json:"score"`
	ModelRef               string             `json:"model_ref"` // name:version
	PerFeatureContribution map[string]float64 `json:"per_feature_contribution"`
	Flagged                bool               `json:"flagged"`
}

// Key is the sink idempotency key: re-delivery of the same key must not
// produce a second row.
func (r AnomalyResult) Key() string {
	return r.SecurityID + "|" + r.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + r.ModelRef
}
