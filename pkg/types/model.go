package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HoursPerDay is the size of every hour-of-day keyed map in this package.
const HoursPerDay = 24

// HourlyMap maps an hour of day (0-23) to a value. Maps are always fully
// populated; missing hours are filled with a default on construction and
// after deserialization.
type HourlyMap map[int]float64

// NewHourlyMap returns a map with all 24 hours set to def.
func NewHourlyMap(def float64) HourlyMap {
	m := make(HourlyMap, HoursPerDay)
	for h := 0; h < HoursPerDay; h++ {
		m[h] = def
	}
	return m
}

// Normalize fills any missing hours with def and drops out-of-range keys.
func (m HourlyMap) Normalize(def float64) {
	for h := range m {
		if h < 0 || h >= HoursPerDay {
			delete(m, h)
		}
	}
	for h := 0; h < HoursPerDay; h++ {
		if _, ok := m[h]; !ok {
			m[h] = def
		}
	}
}

// Value returns the value for hour, or def when the hour is missing.
func (m HourlyMap) Value(hour int, def float64) float64 {
	if v, ok := m[hour]; ok {
		return v
	}
	return def
}

// Clone returns a deep copy.
func (m HourlyMap) Clone() HourlyMap {
	out := make(HourlyMap, len(m))
	for h, v := range m {
		out[h] = v
	}
	return out
}

// String renders the map in hour order. This is the display form used at the
// snapshot boundary; everything internal stays typed.
func (m HourlyMap) String() string {
	hours := make([]int, 0, len(m))
	for h := range m {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	var b strings.Builder
	b.WriteByte('{')
	for i, h := range hours {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d: %.2f", h, m[h])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the map with string keys so it round-trips through
// stores that only allow string-keyed objects.
func (m HourlyMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]float64, len(m))
	for h, v := range m {
		out[fmt.Sprintf("%d", h)] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts string hour keys.
func (m *HourlyMap) UnmarshalJSON(data []byte) error {
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(HourlyMap, len(raw))
	for k, v := range raw {
		var h int
		if _, err := fmt.Sscanf(k, "%d", &h); err != nil {
			return fmt.Errorf("invalid hour key %q: %w", k, err)
		}
		out[h] = v
	}
	*m = out
	return nil
}

// ForecastEntry is one hour of solar forecast: expected PV power in kW and
// the sun-clarity ratio (1.0 means the median and 90th percentile bands
// agree, i.e. a cloudless forecast).
type ForecastEntry struct {
	PowerKW  float64 `json:"powerKW"`
	SunRatio float64 `json:"sunRatio"`
}

// ForecastKey builds the lookup key for a local date and hour.
// The hour is not zero-padded.
func ForecastKey(day time.Time, hour int) string {
	return fmt.Sprintf("%s-%d", day.Format("2006-01-02"), hour)
}

// BoostMode selects how a grid-boost SoC write is applied by the inverter.
type BoostMode string

const (
	BoostModeManual    BoostMode = "manual"
	BoostModeAutomatic BoostMode = "automatic"
	BoostModeOff       BoostMode = "off"
	// BoostModeTesting computes and logs everything but never writes.
	BoostModeTesting BoostMode = "testing"
)

// Valid reports whether the mode is one of the recognized values.
func (m BoostMode) Valid() bool {
	switch m {
	case BoostModeManual, BoostModeAutomatic, BoostModeOff, BoostModeTesting:
		return true
	}
	return false
}

// BatteryState is the per-tick telemetry snapshot read from the inverter
// cloud. The scheduler only reads it; the inverter client owns it.
type BatteryState struct {
	UsableEnergyWH  float64 `json:"usableEnergyWH"`  // >= 0
	WHPerPercentSOC float64 `json:"whPerPercentSOC"` // > 0
	Efficiency      float64 `json:"efficiency"`      // (0,1] round-trip loss factor
	BoostWindowOn   int     `json:"boostWindowOn"`   // [start, end) hours
	BoostWindowOff  int     `json:"boostWindowOff"`
	BoostFloorSOC   int     `json:"boostFloorSOC"` // [0,100]
	BoostEnabled    bool    `json:"boostEnabled"`

	BatterySOC   float64 `json:"batterySOC"`
	BatteryKW    float64 `json:"batteryKW"`
	GridKW       float64 `json:"gridKW"`
	LoadKW       float64 `json:"loadKW"`
	PVKW         float64 `json:"pvKW"`
	PlantID      string  `json:"plantID"`
	PlantName    string  `json:"plantName"`
	InverterSN   string  `json:"inverterSN"`
	InverterName string  `json:"inverterName"`
	Updated      string  `json:"updated"`
}

// BoostFloorWH is the boost floor converted to usable energy.
func (b BatteryState) BoostFloorWH() float64 {
	return float64(b.BoostFloorSOC) * b.WHPerPercentSOC
}

// InBoostWindow reports whether hour falls inside [BoostWindowOn, BoostWindowOff).
func (b BatteryState) InBoostWindow(hour int) bool {
	return hour >= b.BoostWindowOn && hour < b.BoostWindowOff
}

// ScheduleState is the scheduler's own mutable state. It survives restarts:
// the shading map is persisted after every change, the rest is recomputed on
// the first tick.
type ScheduleState struct {
	DailyShading      HourlyMap `json:"dailyShading"`      // attenuation [0,1], default 0
	DailyLoadAverages HourlyMap `json:"dailyLoadAverages"` // Wh per hour, default DefaultLoadWH

	BattMinutesRemaining int `json:"battMinutesRemaining"`
	GridBoostStartingSOC int `json:"gridBoostStartingSOC"`

	// Cursors preventing redundant recomputation.
	LastShadingHour time.Time `json:"lastShadingHour"`
	LastLoadDay     string    `json:"lastLoadDay"` // local calendar day, 2006-01-02
}

// EnergySample is one hour of observed telemetry, upserted every tick and
// queried back by the load profile.
type EnergySample struct {
	TSHourStart time.Time `json:"tsHourStart"`
	LoadW       float64   `json:"loadW"` // mean load power over the hour
	PVW         float64   `json:"pvW"`   // mean PV power over the hour
	BatterySOC  float64   `json:"batterySOC"`
	Samples     int       `json:"samples"`
}

// PlanRow is one hour of the grid-boost planning walk. The arithmetic of
// these rows is part of the planner's contract; the rendering is not.
type PlanRow struct {
	Hour       int     `json:"hour"`
	PVWh       float64 `json:"pvWh"`
	Shading    float64 `json:"shading"`
	LoadWh     float64 `json:"loadWh"`
	NetWh      float64 `json:"netWh"`
	SOCDelta   float64 `json:"socDelta"`
	RunningSOC float64 `json:"runningSOC"`
}

// PlanRecord is the audit log entry for one applied boost plan.
type PlanRecord struct {
	Timestamp          time.Time `json:"timestamp"`
	PlanDay            string    `json:"planDay"` // local calendar day planned for
	TargetSOC          int       `json:"targetSOC"`
	MidnightReserveSOC int       `json:"midnightReserveSOC"`
	Mode               BoostMode `json:"mode"`
	Written            bool      `json:"written"`
	Rows               []PlanRow `json:"rows"`
}

// Status is the orchestrator's lifecycle state, exposed on the snapshot.
type Status string

const (
	StatusStarting       Status = "starting"
	StatusAuthenticating Status = "authenticating"
	StatusReady          Status = "ready"
	StatusWorking        Status = "working"
	StatusStopped        Status = "stopped"
)

// Snapshot is the flat view published for hosts after every successful tick.
// It is replaced as a whole, never mutated in place.
type Snapshot struct {
	Status               Status  `json:"status"`
	BattMinutesRemaining int     `json:"battMinutesRemaining"`
	BattHoursRemaining   float64 `json:"battHoursRemaining"`
	GridBoostStartingSOC int     `json:"gridBoostStartingSOC"`
	GridBoostWindowStart int     `json:"gridBoostWindowStart"`
	GridBoostEnabled     bool    `json:"gridBoostEnabled"`
	LoadEstimateWH       float64 `json:"loadEstimateWH"`

	BatterySOC     float64 `json:"batterySOC"`
	BattWHUsable   float64 `json:"battWHUsable"`
	PowerBatteryKW float64 `json:"powerBatteryKW"`
	PowerGridKW    float64 `json:"powerGridKW"`
	PowerLoadKW    float64 `json:"powerLoadKW"`
	PowerPVKW      float64 `json:"powerPVKW"`
	PVEstimatedKW  float64 `json:"pvEstimatedKW"`

	PlantID      string `json:"plantID"`
	PlantName    string `json:"plantName"`
	InverterSN   string `json:"inverterSN"`
	InverterName string `json:"inverterName"`
	DataUpdated  string `json:"dataUpdated"`

	// Maps serialized as strings for display; this is the one boundary where
	// structured data leaves the typed world.
	Shading string `json:"shading"`
	Load    string `json:"load"`
}

// Flat renders the snapshot as string key/values for transports that publish
// one value per topic.
func (s Snapshot) Flat() map[string]string {
	return map[string]string{
		"status":                  string(s.Status),
		"batt_minutes_remaining":  fmt.Sprintf("%d", s.BattMinutesRemaining),
		"batt_hours_remaining":    fmt.Sprintf("%.1f", s.BattHoursRemaining),
		"grid_boost_starting_soc": fmt.Sprintf("%d", s.GridBoostStartingSOC),
		"grid_boost_window_start": fmt.Sprintf("%d", s.GridBoostWindowStart),
		"grid_boost_enabled":      fmt.Sprintf("%t", s.GridBoostEnabled),
		"load_estimate_wh":        fmt.Sprintf("%.0f", s.LoadEstimateWH),
		"batt_soc":                fmt.Sprintf("%.1f", s.BatterySOC),
		"batt_wh_usable":          fmt.Sprintf("%.0f", s.BattWHUsable),
		"power_battery_kw":        fmt.Sprintf("%.3f", s.PowerBatteryKW),
		"power_grid_kw":           fmt.Sprintf("%.3f", s.PowerGridKW),
		"power_load_kw":           fmt.Sprintf("%.3f", s.PowerLoadKW),
		"power_pv_kw":             fmt.Sprintf("%.3f", s.PowerPVKW),
		"power_pv_estimated_kw":   fmt.Sprintf("%.3f", s.PVEstimatedKW),
		"plant_id":                s.PlantID,
		"plant_name":              s.PlantName,
		"inverter_serial_number":  s.InverterSN,
		"inverter_model":          s.InverterName,
		"data_updated":            s.DataUpdated,
		"shading":                 s.Shading,
		"load":                    s.Load,
	}
}
