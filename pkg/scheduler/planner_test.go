package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planBatt() types.BatteryState {
	return types.BatteryState{
		UsableEnergyWH:  6000,
		WHPerPercentSOC: 100,
		Efficiency:      1.0,
	}
}

func TestPlanGridBoostBalancedDay(t *testing.T) {
	// PV exactly offsets load every hour, so the only requirement left is
	// the midnight reserve
	tomorrow := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	load := types.NewHourlyMap(1000)
	offset := func(day time.Time, hour int) types.ForecastEntry {
		return types.ForecastEntry{PowerKW: 1.0, SunRatio: 1.0}
	}

	res := PlanGridBoost(context.Background(), tomorrow, planBatt(), load, types.NewHourlyMap(0), offset, 20, 10)
	assert.Equal(t, 20, res.RequiredSOC)
	assert.Len(t, res.Rows, 18)
	for _, row := range res.Rows {
		assert.InDelta(t, 0, row.NetWh, 0.001)
	}
}

func TestPlanGridBoostFloorAndCeiling(t *testing.T) {
	tomorrow := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	t.Run("never below the floor", func(t *testing.T) {
		// balanced day needs only the 20% reserve, floor 25 wins
		offset := func(day time.Time, hour int) types.ForecastEntry {
			return types.ForecastEntry{PowerKW: 1.0, SunRatio: 1.0}
		}
		res := PlanGridBoost(context.Background(), tomorrow, planBatt(), types.NewHourlyMap(1000), types.NewHourlyMap(0), offset, 20, 25)
		assert.Equal(t, 25, res.RequiredSOC)
	})

	t.Run("never above 100", func(t *testing.T) {
		// pure drain of 10% SoC per hour for 18 hours wants 180 + reserve
		res := PlanGridBoost(context.Background(), tomorrow, planBatt(), types.NewHourlyMap(1000), types.NewHourlyMap(0), noSun, 20, 25)
		assert.Equal(t, 100, res.RequiredSOC)
	})
}

func TestPlanGridBoostDeficitMinimumBinds(t *testing.T) {
	// a morning deficit followed by a strong afternoon: the endpoint alone
	// would under-provision, the lowest point of the walk is what binds
	tomorrow := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	load := types.NewHourlyMap(1000)
	afternoon := func(day time.Time, hour int) types.ForecastEntry {
		if hour >= 12 {
			return types.ForecastEntry{PowerKW: 3.0, SunRatio: 1.0}
		}
		return types.ForecastEntry{}
	}

	res := PlanGridBoost(context.Background(), tomorrow, planBatt(), load, types.NewHourlyMap(0), afternoon, 0, 5)

	// hours 6..11 drain 10%/h to -60; the recovery does not lower the
	// requirement below that
	assert.Equal(t, 60, res.RequiredSOC)

	// the minimality property: starting at the returned SoC, the running
	// SoC never dips below zero at any intermediate hour
	running := float64(res.RequiredSOC)
	for _, row := range res.Rows {
		running += row.SOCDelta
		assert.GreaterOrEqual(t, running, -0.001, "hour %d", row.Hour)
	}
}

func TestPlanGridBoostMinimality(t *testing.T) {
	// across varied shapes, the returned SoC always keeps the walk above
	// zero and ends at or above the reserve (unless capped at 100)
	tomorrow := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	reserve := 20

	shapes := []HourForecastFunc{
		noSun,
		func(day time.Time, hour int) types.ForecastEntry {
			if hour >= 9 && hour <= 15 {
				return types.ForecastEntry{PowerKW: 2.5, SunRatio: 1.0}
			}
			return types.ForecastEntry{}
		},
		func(day time.Time, hour int) types.ForecastEntry {
			return types.ForecastEntry{PowerKW: 0.9, SunRatio: 0.8}
		},
	}

	for i, shape := range shapes {
		load := types.NewHourlyMap(800)
		load[18] = 2500
		shading := types.NewHourlyMap(0)
		shading[9] = 0.4

		res := PlanGridBoost(context.Background(), tomorrow, planBatt(), load, shading, shape, reserve, 5)
		require.GreaterOrEqual(t, res.RequiredSOC, 5, "shape %d", i)
		require.LessOrEqual(t, res.RequiredSOC, 100, "shape %d", i)

		if res.RequiredSOC == 100 {
			continue
		}
		running := float64(res.RequiredSOC)
		for _, row := range res.Rows {
			running += row.SOCDelta
			assert.GreaterOrEqual(t, running, -0.001, "shape %d hour %d", i, row.Hour)
		}
		assert.GreaterOrEqual(t, running, float64(reserve)-1, "shape %d endpoint", i)
	}
}

func TestPlanGridBoostMissingForecastIsPureDrain(t *testing.T) {
	tomorrow := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	res := PlanGridBoost(context.Background(), tomorrow, planBatt(), types.NewHourlyMap(500), types.NewHourlyMap(0), noSun, 10, 5)

	for _, row := range res.Rows {
		assert.Zero(t, row.PVWh)
		assert.InDelta(t, -500, row.NetWh, 0.001)
	}
}

func TestPlanGridBoostShadingReducesPV(t *testing.T) {
	tomorrow := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	sunny := func(day time.Time, hour int) types.ForecastEntry {
		return types.ForecastEntry{PowerKW: 2.0, SunRatio: 1.0}
	}

	clear := PlanGridBoost(context.Background(), tomorrow, planBatt(), types.NewHourlyMap(1500), types.NewHourlyMap(0), sunny, 20, 5)
	shaded := PlanGridBoost(context.Background(), tomorrow, planBatt(), types.NewHourlyMap(1500), types.NewHourlyMap(0.6), sunny, 20, 5)
	assert.GreaterOrEqual(t, shaded.RequiredSOC, clear.RequiredSOC)
}
