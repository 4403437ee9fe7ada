// Package sink persists AnomalyResult records. The core depends only on the
// ResultSink contract, not on any particular storage engine.
package sink

import (
	"context"
	"sort"
	"sync"

	"marketwatch/internal/models"
)

// ResultSink is the persistence boundary for scoring results. Insert must be
// idempotent on the (security_id, timestamp, model_ref) key: re-delivery of
// the same key does not duplicate a row.
type ResultSink interface {
	// Insert stores the result if no row with the same key exists. Returns
	// (false, nil) when the key was already present.
	Insert(ctx context.Context, result *models.AnomalyResult) (bool, error)

	// RecentBySecurity returns up to limit results for one security, newest
	// first.
	RecentBySecurity(ctx context.Context, securityID string, limit int) ([]models.AnomalyResult, error)

	// TopByScore returns up to limit results ordered by descending score.
	TopByScore(ctx context.Context, limit int) ([]models.AnomalyResult, error)

	Close() error
}

// MemorySink is an in-process sink used as a local fallback and in tests.
type MemorySink struct {
	mu      sync.RWMutex
	byKey   map[string]models.AnomalyResult
	ordered []models.AnomalyResult // insertion order
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{byKey: make(map[string]models.AnomalyResult)}
}

// Insert stores the result if its key is absent.
func (s *MemorySink) Insert(_ context.Context, result *models.AnomalyResult) (bool, error) {
	if err := models.ValidateResult(result); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := result.Key()
	if _, exists := s.byKey[key]; exists {
		return false, nil
	}
	s.byKey[key] = *result
	s.ordered = append(s.ordered, *result)
	return true, nil
}

// RecentBySecurity returns results for one security, newest first.
func (s *MemorySink) RecentBySecurity(_ context.Context, securityID string, limit int) ([]models.AnomalyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AnomalyResult
	for _, r := range s.ordered {
		if r.SecurityID == securityID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TopByScore returns results ordered by descending score.
func (s *MemorySink) TopByScore(_ context.Context, limit int) ([]models.AnomalyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AnomalyResult, len(s.ordered))
	copy(out, s.ordered)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of stored rows.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// Close is a no-op for the memory sink.
func (s *MemorySink) Close() error { return nil }
