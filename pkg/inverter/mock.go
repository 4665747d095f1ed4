package inverter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/types"
)

// MockWrite records one WriteGridBoostSOC call.
type MockWrite struct {
	Mode  types.BoostMode
	Value int
}

// Mock implements System with a simulated plant. With no overrides it
// produces a plausible day: a sine-wave load and a bell-curve PV peak at
// 13:00 against a 15 kWh battery.
type Mock struct {
	mu sync.Mutex

	// Overrides; a zero State means simulate instead.
	State      types.BatteryState
	AuthErr    error
	RefreshErr error
	WriteErr   error

	Writes        []MockWrite
	authenticated bool
}

// NewMock returns a simulated inverter.
func NewMock() *Mock {
	return &Mock{}
}

// Authenticate succeeds unless AuthErr is set.
func (m *Mock) Authenticate(ctx context.Context, creds types.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AuthErr != nil {
		return m.AuthErr
	}
	m.authenticated = true
	return nil
}

// Refresh returns the override state when set, otherwise a simulated one.
func (m *Mock) Refresh(ctx context.Context) (types.BatteryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RefreshErr != nil {
		return types.BatteryState{}, m.RefreshErr
	}
	if m.State != (types.BatteryState{}) {
		return m.State, nil
	}
	return simulatedState(time.Now()), nil
}

// WriteGridBoostSOC records the call; testing and off modes are recorded too
// so tests can assert they arrived.
func (m *Mock) WriteGridBoostSOC(ctx context.Context, mode types.BoostMode, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Writes = append(m.Writes, MockWrite{Mode: mode, Value: value})
	return nil
}

// LastWrite returns the most recent recorded write, or false when none.
func (m *Mock) LastWrite() (MockWrite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Writes) == 0 {
		return MockWrite{}, false
	}
	return m.Writes[len(m.Writes)-1], true
}

func simulatedState(now time.Time) types.BatteryState {
	hour := float64(now.Hour()) + float64(now.Minute())/60

	loadKW := 1.5 + 0.5*math.Sin(hour*math.Pi/2)
	pvKW := 0.0
	if hour >= 6 && hour <= 19 {
		pvKW = 4.0 * math.Sin((hour-6)/13*math.Pi)
	}

	// 300 Ah at 51.2 V float
	whPerPercent := 300 * 51.2 / 100
	soc := 60.0

	return types.BatteryState{
		UsableEnergyWH:  whPerPercent * (soc - 10),
		WHPerPercentSOC: whPerPercent,
		Efficiency:      types.DefaultEfficiency,
		BoostWindowOn:   0,
		BoostWindowOff:  6,
		BoostFloorSOC:   types.DefaultBoostStartingSOC,
		BoostEnabled:    true,

		BatterySOC:   soc,
		BatteryKW:    loadKW - pvKW,
		GridKW:       0,
		LoadKW:       loadKW,
		PVKW:         pvKW,
		PlantID:      "mock-plant",
		PlantName:    "Mock Plant",
		InverterSN:   "MOCK0001",
		InverterName: "Mock 12K",
		Updated:      now.Format("Mon 03:04 PM"),
	}
}
