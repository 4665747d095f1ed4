package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	means map[int]float64
	err   error
	calls int
}

func (f *fakeStats) HourlyLoadMeans(ctx context.Context, end time.Time, days int) (map[int]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.means, nil
}

func TestLoadProfileRecompute(t *testing.T) {
	ctx := context.Background()
	stats := &fakeStats{means: map[int]float64{7: 1200, 8: 850}}
	p := NewLoadProfile(stats, 3)

	now := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	assert.True(t, p.Recompute(ctx, now))

	assert.InDelta(t, 1200, p.Value(7), 0.001)
	assert.InDelta(t, 850, p.Value(8), 0.001)
	// hours without history keep the safe default
	assert.InDelta(t, types.DefaultLoadWH, p.Value(3), 0.001)
	assert.Len(t, p.Map(), types.HoursPerDay)
}

func TestLoadProfileIdempotentPerDay(t *testing.T) {
	ctx := context.Background()
	stats := &fakeStats{means: map[int]float64{7: 1200}}
	p := NewLoadProfile(stats, 3)

	now := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	assert.True(t, p.Recompute(ctx, now))

	// the same day is a no-op even if the history changed
	stats.means = map[int]float64{7: 9999}
	assert.False(t, p.Recompute(ctx, now.Add(4*time.Hour)))
	assert.InDelta(t, 1200, p.Value(7), 0.001)
	assert.Equal(t, 1, stats.calls)

	// the next day recomputes
	assert.True(t, p.Recompute(ctx, now.AddDate(0, 0, 1)))
	assert.InDelta(t, 9999, p.Value(7), 0.001)
}

func TestLoadProfileQueryFailureKeepsDefaults(t *testing.T) {
	ctx := context.Background()
	stats := &fakeStats{err: errors.New("history unavailable")}
	p := NewLoadProfile(stats, 3)

	now := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	assert.False(t, p.Recompute(ctx, now))
	assert.InDelta(t, types.DefaultLoadWH, p.Value(7), 0.001)

	// failure does not mark the day done, the next tick retries
	stats.err = nil
	stats.means = map[int]float64{7: 1200}
	assert.True(t, p.Recompute(ctx, now.Add(5*time.Minute)))
	assert.InDelta(t, 1200, p.Value(7), 0.001)
}

func TestLoadProfileSkipsInvalidMeans(t *testing.T) {
	ctx := context.Background()
	stats := &fakeStats{means: map[int]float64{7: 1200, 30: 5000, 9: -10}}
	p := NewLoadProfile(stats, 3)

	require.True(t, p.Recompute(ctx, time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)))
	assert.InDelta(t, 1200, p.Value(7), 0.001)
	assert.InDelta(t, types.DefaultLoadWH, p.Value(9), 0.001)
	assert.Len(t, p.Map(), types.HoursPerDay)
}

func TestStorageStatisticsBucketsByHour(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	// two days of samples at hour 7, one at hour 8, and one today (which
	// must be excluded: only full trailing days count)
	samples := []types.EnergySample{
		{TSHourStart: time.Date(2026, 8, 25, 7, 0, 0, 0, time.UTC), LoadW: 1000, Samples: 12},
		{TSHourStart: time.Date(2026, 8, 26, 7, 0, 0, 0, time.UTC), LoadW: 1400, Samples: 12},
		{TSHourStart: time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC), LoadW: 900, Samples: 12},
		{TSHourStart: time.Date(2026, 8, 27, 7, 0, 0, 0, time.UTC), LoadW: 5000, Samples: 3},
	}
	for _, s := range samples {
		require.NoError(t, store.UpsertEnergySample(ctx, s))
	}

	stats := NewStorageStatistics(store)
	means, err := stats.HourlyLoadMeans(ctx, now, 3)
	require.NoError(t, err)

	assert.InDelta(t, 1200, means[7], 0.001)
	assert.InDelta(t, 900, means[8], 0.001)
	_, ok := means[9]
	assert.False(t, ok)
}
