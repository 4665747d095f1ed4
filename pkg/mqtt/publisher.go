package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/ohsnyt/touscheduler/pkg/common"
	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/types"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	publishTimeout = 10 * time.Second
)

// Publisher mirrors the scheduler snapshot to an external bus. A nil-broker
// configuration yields the no-op implementation.
type Publisher interface {
	Connect(ctx context.Context) error
	PublishSnapshot(ctx context.Context, snap *types.Snapshot) error
	Close()
}

// Configured returns a Home Assistant MQTT publisher, or a no-op one when no
// broker address is given.
func Configured() Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker address (host:port), empty disables publishing")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	baseTopic := lflag.String("mqtt-base-topic", "touscheduler", "base topic for state publishing")
	deviceName := lflag.String("mqtt-device-name", "TOU Scheduler", "device name shown in Home Assistant")

	var p struct{ Publisher }
	lflag.Do(func() {
		if *broker == "" {
			p.Publisher = Noop{}
			return
		}
		p.Publisher = NewHAPublisher(Config{
			Broker:     *broker,
			Username:   *username,
			Password:   *password,
			BaseTopic:  *baseTopic,
			DeviceName: *deviceName,
		})
	})
	return &p
}

// Noop satisfies Publisher without a broker.
type Noop struct{}

func (Noop) Connect(ctx context.Context) error { return nil }
func (Noop) PublishSnapshot(ctx context.Context, snap *types.Snapshot) error {
	return nil
}
func (Noop) Close() {}

// Config holds the broker connection settings.
type Config struct {
	Broker     string
	Username   string
	Password   string
	BaseTopic  string
	DeviceName string
}

// HAPublisher publishes every snapshot field as its own retained sensor state
// plus the Home Assistant discovery configs that describe them.
type HAPublisher struct {
	cfg    Config
	client mqtt.Client
}

// NewHAPublisher builds the publisher; Connect must be called before use.
func NewHAPublisher(cfg Config) *HAPublisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(fmt.Sprintf("touscheduler_%d", rand.IntN(1000)))
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.WillEnabled = true
	opts.WillPayload = []byte(payloadOffline)
	opts.WillRetained = true
	opts.WillTopic = availabilityTopic(cfg.BaseTopic)
	opts.WillQos = 0

	return &HAPublisher{cfg: cfg, client: mqtt.NewClient(opts)}
}

// Connect dials the broker, marks the bridge online, and publishes the
// discovery configs so Home Assistant creates the entities.
func (p *HAPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}

	if err := p.publish(availabilityTopic(p.cfg.BaseTopic), payloadOnline, true); err != nil {
		return err
	}
	for _, def := range sensorDefs {
		payload, err := json.Marshal(p.discoveryConfig(def))
		if err != nil {
			return fmt.Errorf("marshal discovery config for %s: %w", def.ID, err)
		}
		if err := p.publish(discoveryTopic(def.ID), payload, true); err != nil {
			return err
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "mqtt publisher connected",
		slog.String("broker", p.cfg.Broker),
		slog.String("baseTopic", p.cfg.BaseTopic))
	return nil
}

// PublishSnapshot publishes one retained state message per sensor.
func (p *HAPublisher) PublishSnapshot(ctx context.Context, snap *types.Snapshot) error {
	flat := snap.Flat()
	for _, def := range sensorDefs {
		value, ok := flat[def.ID]
		if !ok {
			continue
		}
		if err := p.publish(stateTopic(p.cfg.BaseTopic, def.ID), value, true); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the bridge offline and disconnects.
func (p *HAPublisher) Close() {
	if err := p.publish(availabilityTopic(p.cfg.BaseTopic), payloadOffline, true); err != nil {
		slog.Warn("failed to publish offline state", slog.Any("error", err))
	}
	p.client.Disconnect(uint(publishTimeout.Milliseconds()))
}

func (p *HAPublisher) publish(topic string, payload any, retain bool) error {
	token := p.client.Publish(topic, 0, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s failed: %w", topic, err)
	}
	return nil
}

// discoveryConfig is the Home Assistant MQTT discovery payload.
type discoveryConfig struct {
	Device            discoveryDevice `json:"device"`
	StateTopic        string          `json:"state_topic"`
	StateClass        string          `json:"state_class,omitempty"`
	DeviceClass       string          `json:"device_class,omitempty"`
	UnitOfMeasurement string          `json:"unit_of_measurement,omitempty"`
	AvailabilityTopic string          `json:"availability_topic,omitempty"`
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	Platform          string          `json:"platform"`
	Icon              string          `json:"icon,omitempty"`
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Version      string   `json:"sw_version,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
}

func (p *HAPublisher) discoveryConfig(def sensorDef) discoveryConfig {
	return discoveryConfig{
		Device: discoveryDevice{
			Identifiers:  []string{p.cfg.BaseTopic},
			Manufacturer: "touscheduler",
			Version:      common.Version(),
			Model:        "TOU Scheduler",
			Name:         p.cfg.DeviceName,
		},
		StateTopic:        stateTopic(p.cfg.BaseTopic, def.ID),
		StateClass:        def.StateClass,
		DeviceClass:       def.DeviceClass,
		UnitOfMeasurement: def.Unit,
		AvailabilityTopic: availabilityTopic(p.cfg.BaseTopic),
		Name:              def.Name,
		UniqueID:          fmt.Sprintf("%s_%s", p.cfg.BaseTopic, def.ID),
		Platform:          "mqtt",
		Icon:              def.Icon,
	}
}

func availabilityTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}

func stateTopic(baseTopic, sensorID string) string {
	return fmt.Sprintf("%s/sensor/%s/state", baseTopic, sensorID)
}

func discoveryTopic(sensorID string) string {
	return fmt.Sprintf("homeassistant/sensor/touscheduler/%s/config", sensorID)
}

// sensorDef describes one published sensor; IDs match the snapshot's flat
// key set.
type sensorDef struct {
	ID          string
	Name        string
	Unit        string
	DeviceClass string
	StateClass  string
	Icon        string
}

var sensorDefs = []sensorDef{
	{ID: "status", Name: "Scheduler Status", Icon: "mdi:state-machine"},
	{ID: "batt_minutes_remaining", Name: "Battery Minutes Remaining", Unit: "min", StateClass: "measurement", Icon: "mdi:timer-sand"},
	{ID: "batt_hours_remaining", Name: "Battery Hours Remaining", Unit: "h", StateClass: "measurement", Icon: "mdi:timer-sand"},
	{ID: "grid_boost_starting_soc", Name: "Grid Boost Starting SoC", Unit: "%", StateClass: "measurement", Icon: "mdi:battery-charging-60"},
	{ID: "grid_boost_window_start", Name: "Grid Boost Window Start", Unit: "h", Icon: "mdi:clock-start"},
	{ID: "grid_boost_enabled", Name: "Grid Boost Enabled", Icon: "mdi:toggle-switch"},
	{ID: "load_estimate_wh", Name: "Hourly Load Estimate", Unit: "Wh", DeviceClass: "energy", StateClass: "measurement"},
	{ID: "batt_soc", Name: "Battery SoC", Unit: "%", DeviceClass: "battery", StateClass: "measurement"},
	{ID: "batt_wh_usable", Name: "Battery Usable Energy", Unit: "Wh", DeviceClass: "energy_storage", StateClass: "measurement"},
	{ID: "power_battery_kw", Name: "Battery Power", Unit: "kW", DeviceClass: "power", StateClass: "measurement"},
	{ID: "power_grid_kw", Name: "Grid Power", Unit: "kW", DeviceClass: "power", StateClass: "measurement"},
	{ID: "power_load_kw", Name: "Load Power", Unit: "kW", DeviceClass: "power", StateClass: "measurement"},
	{ID: "power_pv_kw", Name: "PV Power", Unit: "kW", DeviceClass: "power", StateClass: "measurement"},
	{ID: "power_pv_estimated_kw", Name: "PV Forecast Power", Unit: "kW", DeviceClass: "power", StateClass: "measurement", Icon: "mdi:weather-sunny"},
	{ID: "plant_id", Name: "Plant ID", Icon: "mdi:identifier"},
	{ID: "plant_name", Name: "Plant Name", Icon: "mdi:solar-power"},
	{ID: "inverter_serial_number", Name: "Inverter Serial Number", Icon: "mdi:identifier"},
	{ID: "inverter_model", Name: "Inverter Model", Icon: "mdi:current-dc"},
	{ID: "data_updated", Name: "Data Updated", Icon: "mdi:update"},
	{ID: "shading", Name: "Shading Map", Icon: "mdi:weather-partly-cloudy"},
	{ID: "load", Name: "Load Map", Icon: "mdi:home-lightning-bolt"},
}
