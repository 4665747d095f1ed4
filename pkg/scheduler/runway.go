package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/types"
)

// HourForecastFunc looks up the forecast for a local date and hour. Missing
// hours must return the zero entry.
type HourForecastFunc func(day time.Time, hour int) types.ForecastEntry

// The walk stops after two weeks; with a clear multi-day forecast and a
// learned zero load the hourly net can stay non-negative indefinitely.
const maxRunwayMinutes = 14 * 24 * 60

// SimulateRunway projects battery energy forward hour by hour, starting at
// now, and returns the minutes until the battery is exhausted. It is a pure
// function of its inputs apart from diagnostic logging.
//
// Each hour drains the load (divided by round-trip efficiency) and restores
// the shading-adjusted forecast PV. Inside the boost window the inverter
// holds the battery at the boost floor with grid assist, so energy never
// projects below the floor there.
func SimulateRunway(ctx context.Context, now time.Time, batt types.BatteryState, load, shading types.HourlyMap, lookup HourForecastFunc) int {
	energy := batt.UsableEnergyWH
	if energy <= 0 {
		return 0
	}

	eff := batt.Efficiency
	if eff <= 0 || eff > 1 {
		eff = types.DefaultEfficiency
	}
	floorWH := batt.BoostFloorWH()

	day := now
	hour := now.Hour()
	minutes := 0

	log.Ctx(ctx).DebugContext(ctx, "calculating remaining battery time",
		slog.Int("startHour", hour), slog.Float64("usableWH", energy))

	for energy > 0 && minutes < maxRunwayMinutes {
		loadWH := load.Value(hour, types.DefaultLoadWH) / eff
		pvWH := lookup(day, hour).PowerKW * 1000 * (1 - shading.Value(hour, 0))
		impact := loadWH - pvWH

		if batt.BoostEnabled && batt.InBoostWindow(hour) && energy-impact < floorWH {
			// grid assist tops the battery back up to the floor
			impact = energy - floorWH
		}

		if impact >= energy {
			// terminal hour, count the fraction that survives
			if impact > 0 {
				minutes += int(60 * energy / impact)
			}
			energy = 0
			break
		}

		minutes += 60
		energy -= impact

		hour = (hour + 1) % types.HoursPerDay
		if hour == 0 {
			day = day.AddDate(0, 0, 1)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "battery runway calculated",
		slog.Int("minutes", minutes),
		slog.Float64("hours", float64(minutes)/60),
	)
	return minutes
}
