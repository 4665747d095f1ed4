package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/storage"
	"github.com/ohsnyt/touscheduler/pkg/types"
)

// StatisticsQuery returns mean hourly load power in watts, grouped by local
// hour of day, over the trailing full calendar days ending at end's
// midnight. Hours with no samples are absent from the result.
type StatisticsQuery interface {
	HourlyLoadMeans(ctx context.Context, end time.Time, days int) (map[int]float64, error)
}

// storageStatistics answers statistics queries from the energy samples the
// orchestrator upserts every tick.
type storageStatistics struct {
	store storage.Provider
}

// NewStorageStatistics returns a StatisticsQuery over the sample store.
func NewStorageStatistics(store storage.Provider) StatisticsQuery {
	return &storageStatistics{store: store}
}

func (s *storageStatistics) HourlyLoadMeans(ctx context.Context, end time.Time, days int) (map[int]float64, error) {
	midnight := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, end.Location())
	start := midnight.AddDate(0, 0, -days)

	samples, err := s.store.GetEnergySamples(ctx, start, midnight)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		sum float64
		n   int
	}
	buckets := make(map[int]*bucket)
	for _, sample := range samples {
		if sample.Samples <= 0 {
			continue
		}
		hour := sample.TSHourStart.In(end.Location()).Hour()
		b := buckets[hour]
		if b == nil {
			b = &bucket{}
			buckets[hour] = b
		}
		b.sum += sample.LoadW
		b.n++
	}

	out := make(map[int]float64, len(buckets))
	for hour, b := range buckets {
		out[hour] = b.sum / float64(b.n)
	}
	return out, nil
}

// LoadProfile maintains the hourly consumption baseline that drives the
// runway simulation and the boost planner. It recomputes at most once per
// calendar day.
type LoadProfile struct {
	stats StatisticsQuery
	days  int

	averages types.HourlyMap
	lastDay  string
}

// NewLoadProfile returns a profile with the safe default for every hour.
func NewLoadProfile(stats StatisticsQuery, days int) *LoadProfile {
	if days < 1 {
		days = types.DefaultHistoryDays
	}
	return &LoadProfile{
		stats:    stats,
		days:     days,
		averages: types.NewHourlyMap(types.DefaultLoadWH),
	}
}

// Recompute refreshes the hourly averages from history. It is an idempotent
// no-op when already run today. History problems are never fatal: hours
// without data keep the safe default so the runway estimate is not
// under-provisioned.
func (p *LoadProfile) Recompute(ctx context.Context, now time.Time) bool {
	day := now.Format("2006-01-02")
	if p.lastDay == day {
		return false
	}

	means, err := p.stats.HourlyLoadMeans(ctx, now, p.days)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to query load history, keeping defaults", slog.Any("error", err))
		return false
	}

	averages := types.NewHourlyMap(types.DefaultLoadWH)
	for hour, mean := range means {
		if hour < 0 || hour >= types.HoursPerDay || mean < 0 {
			log.Ctx(ctx).DebugContext(ctx, "skipping invalid load mean", slog.Int("hour", hour), slog.Float64("mean", mean))
			continue
		}
		averages[hour] = mean
	}
	p.averages = averages
	p.lastDay = day

	log.Ctx(ctx).InfoContext(ctx, "recomputed daily load averages",
		slog.Int("historyDays", p.days),
		slog.Int("hoursWithData", len(means)),
	)
	return true
}

// Value returns the average load in Wh for hour.
func (p *LoadProfile) Value(hour int) float64 {
	return p.averages.Value(hour, types.DefaultLoadWH)
}

// Map returns a copy of the full load map.
func (p *LoadProfile) Map() types.HourlyMap {
	return p.averages.Clone()
}
