package engine

import (
	"fmt"
	"time"
)

// Stage names the pipeline step a cycle had reached when it failed.
type Stage string

const (
	StageIngested Stage = "ingested"
	// Snapshotting the windows is pure and cannot fail; the stage exists so
	// the constants name the whole pipeline.
	StageAggregate Stage = "aggregated"
	StageFeatured  Stage = "featured"
	StageScored    Stage = "scored"
	StageExplained Stage = "explained"
	StagePersisted Stage = "persisted"
)

// StageError tags a cycle failure with the stage and the (security_id,
// timestamp) key. Failures are reported per key; a failed cycle never blocks
// or corrupts cycles for other securities.
type StageError struct {
	Stage      Stage
	SecurityID string
	Timestamp  time.Time
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for (%s, %s): %v",
		e.Stage, e.SecurityID, e.Timestamp.Format(time.RFC3339Nano), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, securityID string, ts time.Time, err error) *StageError {
	return &StageError{Stage: stage, SecurityID: securityID, Timestamp: ts, Err: err}
}
