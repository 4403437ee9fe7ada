package ingress

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketwatch/internal/models"
)

func TestParseTick(t *testing.T) {
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))

	tick, err := parseTick(tickPayload{
		SecurityID: "RELIANCE.NS",
		Timestamp:  ts,
		Price:      "2845.35",
		Volume:     "1200",
	})
	require.NoError(t, err)
	require.Equal(t, "RELIANCE.NS", tick.SecurityID)
	require.Equal(t, 2845.35, tick.Price)
	require.Equal(t, int64(1200), tick.Volume)
	require.Equal(t, time.UTC, tick.Timestamp.Location())
	require.True(t, tick.Timestamp.Equal(ts))
}

func TestParseTickRejectsBadPayloads(t *testing.T) {
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload tickPayload
	}{
		{"unparseable price", tickPayload{SecurityID: "X", Timestamp: ts, Price: "abc", Volume: "10"}},
		{"zero price", tickPayload{SecurityID: "X", Timestamp: ts, Price: "0", Volume: "10"}},
		{"negative price", tickPayload{SecurityID: "X", Timestamp: ts, Price: "-5.25", Volume: "10"}},
		{"unparseable volume", tickPayload{SecurityID: "X", Timestamp: ts, Price: "100", Volume: "lots"}},
		{"negative volume", tickPayload{SecurityID: "X", Timestamp: ts, Price: "100", Volume: "-1"}},
		{"fractional volume", tickPayload{SecurityID: "X", Timestamp: ts, Price: "100", Volume: "10.5"}},
		{"missing security", tickPayload{Timestamp: ts, Price: "100", Volume: "10"}},
		{"zero timestamp", tickPayload{SecurityID: "X", Price: "100", Volume: "10"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseTick(tc.payload)
			require.ErrorIs(t, err, models.ErrInvalidTick)
		})
	}
}

func TestParseTickZeroVolumeAllowed(t *testing.T) {
	tick, err := parseTick(tickPayload{
		SecurityID: "X",
		Timestamp:  time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		Price:      "100",
		Volume:     "0",
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), tick.Volume)
}

func TestIsPermanent(t *testing.T) {
	permanent := []error{
		nil,
		models.ErrOutOfOrderTick,
		models.ErrDuplicateTick,
		fmt.Errorf("%w: price must be positive", models.ErrInvalidTick),
		models.ErrInvalidFeatureVector,
	}
	for _, err := range permanent {
		require.True(t, isPermanent(err), "expected permanent: %v", err)
	}

	transient := []error{
		models.ErrSinkWrite,
		errors.New("connection refused"),
		models.ErrModelUnavailable,
	}
	for _, err := range transient {
		require.False(t, isPermanent(err), "expected transient: %v", err)
	}
}
