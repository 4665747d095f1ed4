package scheduler

import (
	"context"
	"log/slog"

	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/storage"
	"github.com/ohsnyt/touscheduler/pkg/types"
)

// Shading updates are only trusted when the battery is below this SoC;
// a near-full battery curtails PV and corrupts the observed signal.
const shadingSOCCeiling = 96

// Shading is only learned on near-cloudless hours, isolating fixed
// obstructions from weather.
const shadingSunRatioFloor = 0.95

// ShadingModel learns, per hour of day, a multiplicative attenuation factor
// that converts clear-sky forecast PV into what this site actually produces.
// Shading is a static property of the site, so values are only ever replaced
// by trusted observations and never decay.
type ShadingModel struct {
	store   storage.Provider
	shading types.HourlyMap
}

// NewShadingModel returns a model with zero shading everywhere.
func NewShadingModel(store storage.Provider) *ShadingModel {
	return &ShadingModel{
		store:   store,
		shading: types.NewHourlyMap(0),
	}
}

// Load restores the persisted map. A missing or unreadable blob degrades to
// the all-zero default rather than failing startup.
func (m *ShadingModel) Load(ctx context.Context) {
	shading, err := m.store.GetShading(ctx)
	if err != nil {
		if err == storage.ErrNotFound {
			log.Ctx(ctx).InfoContext(ctx, "no shading data found, starting with zero shading")
		} else {
			log.Ctx(ctx).WarnContext(ctx, "failed to load shading data, starting with zero shading", slog.Any("error", err))
		}
		return
	}
	m.shading = shading
	log.Ctx(ctx).InfoContext(ctx, "restored shading data", slog.String("shading", shading.String()))
}

// Update learns the shading factor for hour from the previous hour's fully
// elapsed data: the mean observed PV in watts against the forecast for that
// hour. The update is only applied when all trust gates pass; otherwise the
// prior value is retained.
func (m *ShadingModel) Update(ctx context.Context, hour int, observedW float64, fc types.ForecastEntry, batterySOC float64) bool {
	forecastW := fc.PowerKW * 1000
	if observedW <= 0 || forecastW <= 0 || batterySOC >= shadingSOCCeiling || fc.SunRatio <= shadingSunRatioFloor {
		return false
	}

	ratio := observedW / forecastW
	if ratio > 1 {
		ratio = 1
	}
	shading := 1 - ratio
	if shading < 0 {
		shading = 0
	}

	m.shading[hour] = shading
	log.Ctx(ctx).InfoContext(ctx, "shading updated",
		slog.Int("hour", hour),
		slog.Float64("shading", shading),
		slog.Float64("observedW", observedW),
		slog.Float64("forecastW", forecastW),
	)

	if err := m.store.SetShading(ctx, m.shading); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist shading data", slog.Any("error", err))
	}
	return true
}

// Value returns the shading factor for hour, zero when unknown.
func (m *ShadingModel) Value(hour int) float64 {
	return m.shading.Value(hour, 0)
}

// Map returns a copy of the full shading map.
func (m *ShadingModel) Map() types.HourlyMap {
	return m.shading.Clone()
}
