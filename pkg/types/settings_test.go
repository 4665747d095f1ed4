package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsValidateDefaults(t *testing.T) {
	var s Settings
	require.NoError(t, s.Validate())

	assert.Equal(t, "UTC", s.Timezone)
	assert.Equal(t, DefaultHistoryDays, s.HistoryDays)
	assert.Equal(t, DefaultMidnightSOC, s.MidnightReserveSOC)
	assert.Equal(t, DefaultBoostStartingSOC, s.BoostFloorSOC)
	assert.Equal(t, BoostModeAutomatic, s.BoostMode)
	assert.Equal(t, DefaultPercentile, s.ForecastPercentile)
	assert.Equal(t, []int{10, 22}, s.ForecastUpdateHours)
}

func TestSettingsValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		s    Settings
	}{
		{"history days too high", Settings{HistoryDays: 8}},
		{"negative reserve", Settings{MidnightReserveSOC: -5}},
		{"reserve above 100", Settings{MidnightReserveSOC: 101}},
		{"floor above 100", Settings{BoostFloorSOC: 150}},
		{"bad mode", Settings{BoostMode: "turbo"}},
		{"percentile too low", Settings{ForecastPercentile: 5}},
		{"percentile too high", Settings{ForecastPercentile: 95}},
		{"update hour out of range", Settings{ForecastUpdateHours: []int{25}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Error(t, c.s.Validate())
		})
	}
}

func TestCredentialsValidate(t *testing.T) {
	full := Credentials{
		InverterUsername: "u", InverterPassword: "p",
		SolcastAPIKey: "k", SolcastResourceID: "r",
	}
	require.NoError(t, full.Validate())

	missingInverter := full
	missingInverter.InverterPassword = ""
	assert.Error(t, missingInverter.Validate())

	missingSolcast := full
	missingSolcast.SolcastResourceID = ""
	assert.Error(t, missingSolcast.Validate())
}
