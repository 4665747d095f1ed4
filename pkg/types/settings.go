package types

import "fmt"

// Defaults mirrored from the inverter's own fallbacks.
const (
	DefaultLoadWH           = 1000.0
	DefaultBoostStartingSOC = 25
	DefaultMidnightSOC      = 20
	DefaultHistoryDays      = 3
	DefaultPercentile       = 25
	DefaultEfficiency       = 0.95
)

// Settings is the static configuration handed to the orchestrator at
// construction. There are no ambient globals; everything the scheduler
// tunes on lives here.
type Settings struct {
	Timezone string `json:"timezone"`

	// Days of load history the profile averages over (1-7).
	HistoryDays int `json:"historyDays"`

	// SoC the battery should still hold at the end of tomorrow.
	MidnightReserveSOC int `json:"midnightReserveSOC"`

	// Lowest starting SoC the planner may choose.
	BoostFloorSOC int `json:"boostFloorSOC"`

	// How boost writes are applied; BoostModeTesting disables the write.
	BoostMode BoostMode `json:"boostMode"`

	// Solcast percentile blend (10-90).
	ForecastPercentile int `json:"forecastPercentile"`

	// Local hours at which a forecast API call is allowed.
	ForecastUpdateHours []int `json:"forecastUpdateHours"`
}

// Validate checks ranges and fills unset fields with defaults.
func (s *Settings) Validate() error {
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.HistoryDays == 0 {
		s.HistoryDays = DefaultHistoryDays
	}
	if s.HistoryDays < 1 || s.HistoryDays > 7 {
		return fmt.Errorf("historyDays must be 1-7, got %d", s.HistoryDays)
	}
	if s.MidnightReserveSOC == 0 {
		s.MidnightReserveSOC = DefaultMidnightSOC
	}
	if s.MidnightReserveSOC < 0 || s.MidnightReserveSOC > 100 {
		return fmt.Errorf("midnightReserveSOC must be 0-100, got %d", s.MidnightReserveSOC)
	}
	if s.BoostFloorSOC == 0 {
		s.BoostFloorSOC = DefaultBoostStartingSOC
	}
	if s.BoostFloorSOC < 0 || s.BoostFloorSOC > 100 {
		return fmt.Errorf("boostFloorSOC must be 0-100, got %d", s.BoostFloorSOC)
	}
	if s.BoostMode == "" {
		s.BoostMode = BoostModeAutomatic
	}
	if !s.BoostMode.Valid() {
		return fmt.Errorf("invalid boost mode %q", s.BoostMode)
	}
	if s.ForecastPercentile == 0 {
		s.ForecastPercentile = DefaultPercentile
	}
	if s.ForecastPercentile < 10 || s.ForecastPercentile > 90 {
		return fmt.Errorf("forecastPercentile must be 10-90, got %d", s.ForecastPercentile)
	}
	if len(s.ForecastUpdateHours) == 0 {
		s.ForecastUpdateHours = []int{10, 22}
	}
	for _, h := range s.ForecastUpdateHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("forecast update hour out of range: %d", h)
		}
	}
	return nil
}

// Credentials holds the secrets for both cloud collaborators.
type Credentials struct {
	InverterUsername  string `json:"inverterUsername"`
	InverterPassword  string `json:"inverterPassword"`
	SolcastAPIKey     string `json:"solcastAPIKey"`
	SolcastResourceID string `json:"solcastResourceID"`
}

// Validate reports the first missing credential. Missing credentials are a
// startup-fatal configuration error, not a transient one.
func (c Credentials) Validate() error {
	if c.InverterUsername == "" || c.InverterPassword == "" {
		return fmt.Errorf("inverter username or password is missing")
	}
	if c.SolcastAPIKey == "" || c.SolcastResourceID == "" {
		return fmt.Errorf("solcast api key or resource id is missing")
	}
	return nil
}
