// Package engine orchestrates one scoring cycle per tick: ingest into the
// rolling windows, compute features, score, explain, persist. The pure
// stages never retry; only the sink write is retried, with backoff.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketwatch/internal/features"
	"marketwatch/internal/iforest"
	"marketwatch/internal/instrumentation"
	"marketwatch/internal/models"
	"marketwatch/internal/sink"
	"marketwatch/internal/window"
)

// Options configures an Engine.
type Options struct {
	// AnomalyThreshold flags results with score strictly above it.
	AnomalyThreshold float64
	// Securities restricts scoring to an allowlist; empty means all.
	Securities []string
	// SinkRetries bounds re-attempts of the persist stage.
	SinkRetries int
	// SinkBackoff is the initial retry delay, doubled per attempt.
	SinkBackoff time.Duration
}

// Engine routes every tick for a security through that security's single
// owner lock, so ingestion and scoring for one security are strictly
// serialized while different securities proceed in parallel. The fitted
// model is immutable and shared without synchronization.
type Engine struct {
	windows   *window.Aggregator
	model     *iforest.Model
	sink      sink.ResultSink
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
	threshold float64
	watch     map[string]bool
	retries   int
	backoff   time.Duration

	mu     sync.Mutex
	owners map[string]*sync.Mutex
}

// New creates an engine. It fails with ErrModelUnavailable when no model is
// supplied, and rejects a model trained on a different feature schema or an
// aggregator missing the schema's windows.
func New(agg *window.Aggregator, model *iforest.Model, resultSink sink.ResultSink,
	logger *slog.Logger, metrics *instrumentation.Metrics, opts Options) (*Engine, error) {

	if model == nil || len(model.Trees) == 0 {
		return nil, models.ErrModelUnavailable
	}
	if model.SchemaVersion != models.FeatureSchemaVersion {
		return nil, fmt.Errorf("model %s trained on schema %q, engine computes %q",
			model.Ref(), model.SchemaVersion, models.FeatureSchemaVersion)
	}

	have := make(map[time.Duration]bool)
	for _, d := range agg.Durations() {
		have[d] = true
	}
	for _, d := range []time.Duration{features.MediumWindow, features.LongWindow} {
		if !have[d] {
			return nil, fmt.Errorf("aggregator is missing the %s window required by schema %s",
				d, models.FeatureSchemaVersion)
		}
	}

	if opts.AnomalyThreshold <= 0 {
		opts.AnomalyThreshold = 0.8
	}
	if opts.SinkBackoff <= 0 {
		opts.SinkBackoff = 100 * time.Millisecond
	}

	watch := make(map[string]bool, len(opts.Securities))
	for _, s := range opts.Securities {
		watch[s] = true
	}

	return &Engine{
		windows:   agg,
		model:     model,
		sink:      resultSink,
		logger:    logger.With("component", "engine"),
		metrics:   metrics,
		threshold: opts.AnomalyThreshold,
		watch:     watch,
		retries:   opts.SinkRetries,
		backoff:   opts.SinkBackoff,
	}, nil
}

func (e *Engine) owner(securityID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.owners[securityID]
	if !ok {
		if e.owners == nil {
			e.owners = make(map[string]*sync.Mutex)
		}
		m = &sync.Mutex{}
		e.owners[securityID] = m
	}
	return m
}

// Watched reports whether ticks for the security are scored.
func (e *Engine) Watched(securityID string) bool {
	return len(e.watch) == 0 || e.watch[securityID]
}

// ModelRef identifies the model the engine scores with.
func (e *Engine) ModelRef() string {
	return e.model.Ref()
}

// ProcessTick runs one full scoring cycle for the tick. It returns the
// persisted result, or (nil, nil) for ticks outside the watchlist, or a
// StageError naming the failed stage. Persistence is the only externally
// visible side effect and happens last; an aborted cycle leaves no partial
// result.
func (e *Engine) ProcessTick(ctx context.Context, tick models.Tick) (*models.AnomalyResult, error) {
	if !e.Watched(tick.SecurityID) {
		if e.metrics != nil {
			e.metrics.RecordSkip()
		}
		return nil, nil
	}

	startTime := time.Now()
	if e.metrics != nil {
		e.metrics.RecordTick(float64(startTime.Sub(tick.Timestamp).Milliseconds()))
	}

	lock := e.owner(tick.SecurityID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.windows.Ingest(tick); err != nil {
		// Re-delivery of an already-ingested tick (e.g. after a persist
		// failure left the message unacked) must re-run the cycle so the
		// sink's idempotency key can absorb it. The windows are already
		// current, so ingestion is skipped, not repeated. A duplicate
		// carrying different values is a real conflict and still fails.
		if !errors.Is(err, models.ErrDuplicateTick) || !e.isRedelivery(tick) {
			return nil, e.fail(StageIngested, tick.SecurityID, tick.Timestamp, err)
		}
		e.logger.Debug("tick_redelivered",
			"security_id", tick.SecurityID, "ts", tick.Timestamp)
	}

	snap := e.windows.Snapshot(tick.SecurityID, tick.Timestamp)

	fv := features.Compute(snap)
	if err := models.ValidateFeatureVector(fv); err != nil {
		return nil, e.fail(StageFeatured, tick.SecurityID, tick.Timestamp, err)
	}

	score, err := e.model.Score(fv)
	if err != nil {
		return nil, e.fail(StageScored, tick.SecurityID, tick.Timestamp, err)
	}

	contribs, err := e.model.Explain(fv, score)
	if err != nil {
		return nil, e.fail(StageExplained, tick.SecurityID, tick.Timestamp, err)
	}

	result := &models.AnomalyResult{
		ID:                     uuid.NewString(),
		SecurityID:             tick.SecurityID,
		Timestamp:              tick.Timestamp,
		Score:                  score,
		ModelRef:               e.model.Ref(),
		PerFeatureContribution: contribs,
		Flagged:                score > e.threshold,
	}

	if err := e.persist(ctx, result); err != nil {
		return nil, e.fail(StagePersisted, tick.SecurityID, tick.Timestamp, err)
	}

	if e.metrics != nil {
		e.metrics.RecordCycle(float64(time.Since(startTime).Milliseconds()), score, result.Flagged)
	}

	e.logger.Info("cycle_completed",
		"security_id", tick.SecurityID,
		"ts", tick.Timestamp,
		"score", score,
		"flagged", result.Flagged,
		"top_contributor", e.model.TopContributor(contribs),
	)
	return result, nil
}

// isRedelivery reports whether the tick matches the security's newest
// retained sample exactly. Caller holds the security's owner lock.
func (e *Engine) isRedelivery(tick models.Tick) bool {
	last, ok := e.windows.LastSample(tick.SecurityID)
	return ok && last.Timestamp.Equal(tick.Timestamp) &&
		last.Price == tick.Price && last.Volume == tick.Volume
}

// persist writes the result with bounded retry and doubling backoff. The
// sink's insert-if-absent contract makes retrying a possibly-landed write
// safe.
func (e *Engine) persist(ctx context.Context, result *models.AnomalyResult) error {
	backoff := e.backoff
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.RecordSinkRetry()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		inserted, err := e.sink.Insert(ctx, result)
		if err == nil {
			if !inserted {
				e.logger.Debug("result_deduplicated",
					"security_id", result.SecurityID, "ts", result.Timestamp)
			}
			return nil
		}
		lastErr = err
		e.logger.Warn("sink_write_failed",
			"security_id", result.SecurityID,
			"ts", result.Timestamp,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return lastErr
}

func (e *Engine) fail(stage Stage, securityID string, ts time.Time, err error) error {
	if e.metrics != nil {
		e.metrics.RecordStageError(string(stage))
	}
	serr := stageErr(stage, securityID, ts, err)
	e.logger.Error("cycle_failed",
		"stage", string(stage),
		"security_id", securityID,
		"ts", ts,
		"error", err,
	)
	return serr
}
