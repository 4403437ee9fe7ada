package models

import (
	"fmt"
	"math"
)

// ValidateTick checks the ingress data contract.
func ValidateTick(t Tick) error {
	if t.SecurityID == "" {
		return fmt.Errorf("%w: security_id is required", ErrInvalidTick)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidTick)
	}
	if !(t.Price > 0) || math.IsInf(t.Price, 0) {
		return fmt.Errorf("%w: price must be positive, got %v", ErrInvalidTick, t.Price)
	}
	if t.Volume < 0 {
		return fmt.Errorf("%w: volume must be non-negative, got %d", ErrInvalidTick, t.Volume)
	}
	return nil
}

// ValidateFeatureVector checks shape and value ranges against the vector's
// declared schema. Out-of-range values are rejected, never coerced.
func ValidateFeatureVector(fv FeatureVector) error {
	names := fv.Names()
	if names == nil {
		return fmt.Errorf("%w: unknown schema version %q", ErrInvalidFeatureVector, fv.SchemaVersion)
	}
	if len(fv.Values) != len(names) {
		return fmt.Errorf("%w: expected %d values for schema %s, got %d",
			ErrInvalidFeatureVector, len(names), fv.SchemaVersion, len(fv.Values))
	}
	for i, v := range fv.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: feature %s is %v", ErrInvalidFeatureVector, names[i], v)
		}
	}
	return nil
}

// ValidateResult checks the append-only result contract before persistence.
func ValidateResult(r *AnomalyResult) error {
	if r.ID == "" {
		return fmt.Errorf("result id is required")
	}
	if r.SecurityID == "" {
		return fmt.Errorf("security_id is required")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if r.ModelRef == "" {
		return fmt.Errorf("model_ref is required")
	}
	if r.Score < 0 || r.Score > 1 || math.IsNaN(r.Score) {
		return fmt.Errorf("score must be in [0, 1], got %f", r.Score)
	}
	for name, c := range r.PerFeatureContribution {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("contribution for %s is %v", name, c)
		}
	}
	return nil
}
