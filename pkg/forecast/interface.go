package forecast

import (
	"context"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/types"
)

// Source provides hourly PV forecasts. Lookups never fail: an hour with no
// forecast is a zero entry, which downstream treats as dark.
type Source interface {
	// Configure applies credentials and tuning before the first Refresh.
	Configure(creds types.Credentials, settings types.Settings, loc *time.Location) error

	// Refresh brings the forecast up to date, calling the upstream API only
	// when the update-hour policy allows. It reports whether an API call was
	// made.
	Refresh(ctx context.Context, now time.Time) (bool, error)

	// HourForecast returns the forecast for a local date and hour.
	HourForecast(day time.Time, hour int) types.ForecastEntry
}
