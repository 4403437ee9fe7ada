package sink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketwatch/internal/models"
)

func testResult(securityID string, ts time.Time, score float64) *models.AnomalyResult {
	return &models.AnomalyResult{
		ID:         fmt.Sprintf("id-%s-%d", securityID, ts.UnixNano()),
		SecurityID: securityID,
		Timestamp:  ts,
		Score:      score,
		ModelRef:   "isolation_forest:v1",
		PerFeatureContribution: map[string]float64{
			"vol_rolling_5m": score,
		},
		Flagged: score > 0.8,
	}
}

func TestMemorySinkInsertIfAbsent(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	inserted, err := s.Insert(ctx, testResult("X", ts, 0.42))
	require.NoError(t, err)
	require.True(t, inserted)

	// Same (security, ts, model_ref) key: swallowed, not duplicated, even
	// when the row id differs because the cycle was re-run.
	dup := testResult("X", ts, 0.42)
	dup.ID = "another-id"
	inserted, err = s.Insert(ctx, dup)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, 1, s.Len())

	// Different timestamp is a different key.
	inserted, err = s.Insert(ctx, testResult("X", ts.Add(time.Second), 0.43))
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, 2, s.Len())
}

func TestMemorySinkRejectsInvalidResults(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	bad := testResult("X", ts, 1.5)
	_, err := s.Insert(ctx, bad)
	require.Error(t, err)

	noModel := testResult("X", ts, 0.5)
	noModel.ModelRef = ""
	_, err = s.Insert(ctx, noModel)
	require.Error(t, err)

	require.Equal(t, 0, s.Len())
}

func TestMemorySinkRecentBySecurity(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, testResult("X", base.Add(time.Duration(i)*time.Minute), 0.1))
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, testResult("Y", base, 0.9))
	require.NoError(t, err)

	got, err := s.RecentBySecurity(ctx, "X", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, r := range got {
		require.Equal(t, "X", r.SecurityID)
	}
	// Newest first.
	require.Equal(t, base.Add(4*time.Minute), got[0].Timestamp)
	require.Equal(t, base.Add(3*time.Minute), got[1].Timestamp)
	require.Equal(t, base.Add(2*time.Minute), got[2].Timestamp)

	got, err = s.RecentBySecurity(ctx, "Z", 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMemorySinkTopByScore(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	scores := []float64{0.2, 0.9, 0.5, 0.85}
	for i, sc := range scores {
		_, err := s.Insert(ctx, testResult("X", base.Add(time.Duration(i)*time.Second), sc))
		require.NoError(t, err)
	}

	got, err := s.TopByScore(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 0.9, got[0].Score)
	require.Equal(t, 0.85, got[1].Score)

	all, err := s.TopByScore(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
}
