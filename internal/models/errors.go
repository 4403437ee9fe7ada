package models

import "errors"

// Error taxonomy for the scoring core. Pure stages fail deterministically
// with one of these; only boundary I/O is retried.
var (
	// ErrOutOfOrderTick reports a tick whose timestamp is earlier than the
	// last accepted timestamp for its security. Rejected, not retried; the
	// caller decides whether to drop or buffer-and-resort.
	ErrOutOfOrderTick = errors.New("out of order tick")

	// ErrDuplicateTick reports re-delivery of an already-ingested timestamp
	// for a security. Duplicates are rejected so aggregates never double
	// count.
	ErrDuplicateTick = errors.New("duplicate tick")

	// ErrInvalidTick reports a tick violating the ingress contract
	// (non-positive price or negative volume).
	ErrInvalidTick = errors.New("invalid tick")

	// ErrInvalidFeatureVector reports a vector whose shape or values violate
	// the model's schema (wrong length, NaN, Inf). The cycle for that key is
	// aborted; nothing is coerced.
	ErrInvalidFeatureVector = errors.New("invalid feature vector")

	// ErrModelUnavailable reports that no fitted model was supplied. Fatal
	// for the whole pipeline until a valid model is provided.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrSinkWrite reports a transient result-sink failure, eligible for
	// bounded retry with backoff by the orchestrator.
	ErrSinkWrite = errors.New("sink write failed")
)
