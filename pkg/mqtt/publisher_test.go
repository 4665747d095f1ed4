package mqtt

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ohsnyt/touscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensorDefsMatchSnapshotKeys(t *testing.T) {
	flat := types.Snapshot{}.Flat()

	seen := map[string]bool{}
	for _, def := range sensorDefs {
		_, ok := flat[def.ID]
		assert.True(t, ok, "sensor %s has no snapshot field", def.ID)
		assert.False(t, seen[def.ID], "duplicate sensor %s", def.ID)
		seen[def.ID] = true
	}
	for key := range flat {
		assert.True(t, seen[key], "snapshot field %s has no sensor", key)
	}
}

func TestDiscoveryConfig(t *testing.T) {
	p := NewHAPublisher(Config{
		Broker:     "localhost:1883",
		BaseTopic:  "touscheduler",
		DeviceName: "TOU Scheduler",
	})

	cfg := p.discoveryConfig(sensorDef{
		ID: "batt_soc", Name: "Battery SoC", Unit: "%", DeviceClass: "battery", StateClass: "measurement",
	})

	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "touscheduler/sensor/batt_soc/state", out["state_topic"])
	assert.Equal(t, "touscheduler/bridge/state", out["availability_topic"])
	assert.Equal(t, "touscheduler_batt_soc", out["unique_id"])
	assert.Equal(t, "battery", out["device_class"])
	assert.Equal(t, "mqtt", out["platform"])
	// empty optional fields stay out of the payload
	_, hasIcon := out["icon"]
	assert.False(t, hasIcon)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "base/bridge/state", availabilityTopic("base"))
	assert.Equal(t, "base/sensor/status/state", stateTopic("base", "status"))
	assert.Equal(t, "homeassistant/sensor/touscheduler/status/config", discoveryTopic("status"))
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.PublishSnapshot(context.Background(), &types.Snapshot{}))
	p.Close()
}
