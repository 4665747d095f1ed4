package inverter

import (
	"context"

	"github.com/ohsnyt/touscheduler/pkg/types"
)

// System is the narrow surface the scheduler needs from an inverter cloud:
// authenticate, read telemetry, and write the grid-boost starting SoC.
type System interface {
	// Authenticate validates the credentials against the cloud and discovers
	// the plant and master inverter. It must be called before Refresh.
	Authenticate(ctx context.Context, creds types.Credentials) error

	// Refresh reads the inverter settings and realtime power flow and
	// returns the combined battery state.
	Refresh(ctx context.Context) (types.BatteryState, error)

	// WriteGridBoostSOC sets the Time-of-Use block 1 state of charge.
	// BoostModeTesting and BoostModeOff perform no write.
	WriteGridBoostSOC(ctx context.Context, mode types.BoostMode, value int) error
}
