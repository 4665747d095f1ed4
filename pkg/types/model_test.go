package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHourlyMapNormalize(t *testing.T) {
	m := HourlyMap{5: 1200, -1: 7, 24: 8}
	m.Normalize(1000)

	assert.Len(t, m, HoursPerDay)
	assert.Equal(t, 1200.0, m[5])
	assert.Equal(t, 1000.0, m[0])
	_, ok := m[24]
	assert.False(t, ok)
}

func TestHourlyMapJSONRoundTrip(t *testing.T) {
	m := NewHourlyMap(0)
	m[13] = 0.42

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got HourlyMap
	require.NoError(t, json.Unmarshal(data, &got))
	assert.InDelta(t, 0.42, got[13], 0.001)
	assert.Len(t, got, HoursPerDay)
}

func TestHourlyMapString(t *testing.T) {
	m := HourlyMap{1: 0.5, 0: 0}
	assert.Equal(t, "{0: 0.00, 1: 0.50}", m.String())
}

func TestForecastKey(t *testing.T) {
	day := time.Date(2026, 8, 27, 15, 30, 0, 0, time.UTC)
	// hours are not zero-padded
	assert.Equal(t, "2026-08-27-7", ForecastKey(day, 7))
	assert.Equal(t, "2026-08-27-15", ForecastKey(day, 15))
}

func TestBoostModeValid(t *testing.T) {
	assert.True(t, BoostModeManual.Valid())
	assert.True(t, BoostModeAutomatic.Valid())
	assert.True(t, BoostModeOff.Valid())
	assert.True(t, BoostModeTesting.Valid())
	assert.False(t, BoostMode("turbo").Valid())
	assert.False(t, BoostMode("").Valid())
}

func TestBatteryStateBoostWindow(t *testing.T) {
	b := BatteryState{BoostWindowOn: 0, BoostWindowOff: 6, BoostFloorSOC: 25, WHPerPercentSOC: 150}

	assert.True(t, b.InBoostWindow(0))
	assert.True(t, b.InBoostWindow(5))
	assert.False(t, b.InBoostWindow(6))
	assert.False(t, b.InBoostWindow(23))
	assert.InDelta(t, 3750, b.BoostFloorWH(), 0.001)
}

func TestSnapshotFlat(t *testing.T) {
	s := Snapshot{
		Status:               StatusWorking,
		BattMinutesRemaining: 390,
		BattHoursRemaining:   6.5,
		GridBoostStartingSOC: 40,
		GridBoostEnabled:     true,
		BatterySOC:           63.3,
		PowerPVKW:            1.234,
		InverterSN:           "SN123",
	}

	flat := s.Flat()
	assert.Equal(t, "working", flat["status"])
	assert.Equal(t, "390", flat["batt_minutes_remaining"])
	assert.Equal(t, "6.5", flat["batt_hours_remaining"])
	assert.Equal(t, "40", flat["grid_boost_starting_soc"])
	assert.Equal(t, "true", flat["grid_boost_enabled"])
	assert.Equal(t, "63.3", flat["batt_soc"])
	assert.Equal(t, "1.234", flat["power_pv_kw"])
	assert.Equal(t, "SN123", flat["inverter_serial_number"])
}
