package scheduler

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/types"
)

// Daylight-relevant planning range: the walk covers hours 6 through 23 of
// the plan day. Before 6 the boost window itself holds the battery up.
const (
	planFirstHour = 6
	planLastHour  = 23
)

// PlanResult is the outcome of one grid-boost planning walk.
type PlanResult struct {
	// RequiredSOC is the minimum starting SoC that keeps the battery above
	// zero usable at every hour and still holds the midnight reserve.
	RequiredSOC int
	Rows        []types.PlanRow
}

// PlanGridBoost walks tomorrow's hours accumulating the SoC delta of each
// hour's net energy. The binding constraint is the lowest point of the walk,
// not its endpoint: the battery must never cross zero usable at any
// intermediate hour. The walk is pure computation; writing the result to the
// inverter is the caller's decision.
func PlanGridBoost(ctx context.Context, tomorrow time.Time, batt types.BatteryState, load, shading types.HourlyMap, lookup HourForecastFunc, midnightReserveSOC, floorSOC int) PlanResult {
	eff := batt.Efficiency
	if eff <= 0 || eff > 1 {
		eff = types.DefaultEfficiency
	}
	whPerPercent := batt.WHPerPercentSOC
	if whPerPercent <= 0 {
		whPerPercent = 1
	}

	l := log.Ctx(ctx)
	l.InfoContext(ctx, "calculating grid boost soc", slog.String("day", tomorrow.Format("2006-01-02")))

	var running, lowest float64
	rows := make([]types.PlanRow, 0, planLastHour-planFirstHour+1)
	for hour := planFirstHour; hour <= planLastHour; hour++ {
		loadWH := load.Value(hour, types.DefaultLoadWH) * eff
		pvWH := lookup(tomorrow, hour).PowerKW * 1000
		shade := shading.Value(hour, 0)
		netWH := pvWH*(1-shade) - loadWH
		delta := netWH / whPerPercent

		running += delta
		if running < lowest {
			lowest = running
		}

		row := types.PlanRow{
			Hour:       hour,
			PVWh:       pvWH,
			Shading:    shade,
			LoadWh:     loadWH,
			NetWh:      netWH,
			SOCDelta:   delta,
			RunningSOC: running,
		}
		rows = append(rows, row)

		// The hourly table is the only human-facing explanation of why a
		// boost level was chosen.
		l.InfoContext(ctx, "boost plan hour",
			slog.Int("hour", hour),
			slog.Float64("pvWH", pvWH),
			slog.Float64("shading", shade),
			slog.Float64("loadWH", loadWH),
			slog.Float64("netWH", netWH),
			slog.Float64("socDelta", delta),
			slog.Float64("runningSOC", running),
		)
	}

	required := -math.Min(lowest, running-float64(midnightReserveSOC))
	soc := int(math.Ceil(required))
	if soc < floorSOC {
		soc = floorSOC
	}
	if soc > 100 {
		soc = 100
	}

	l.InfoContext(ctx, "grid boost soc required",
		slog.Int("soc", soc),
		slog.Int("midnightReserveSOC", midnightReserveSOC),
		slog.Float64("lowestRunningSOC", lowest),
		slog.Float64("finalRunningSOC", running),
	)

	return PlanResult{RequiredSOC: soc, Rows: rows}
}
