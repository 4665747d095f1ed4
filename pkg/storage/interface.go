package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/types"
)

// ErrNotFound is returned when a requested blob has never been written.
// Callers degrade to defaults instead of failing startup.
var ErrNotFound = errors.New("not found")

// ForecastCache is the raw forecast API response plus when it was fetched.
// It is opaque to storage; the forecast package owns its contents.
type ForecastCache struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Raw       json.RawMessage `json:"raw"`
}

// Provider persists the scheduler's durable state: the learned shading map,
// the raw forecast cache, hourly energy samples, and the plan audit log.
type Provider interface {
	// Shading map, one blob.
	GetShading(ctx context.Context) (types.HourlyMap, error)
	SetShading(ctx context.Context, m types.HourlyMap) error

	// Raw forecast cache, one blob.
	GetForecastCache(ctx context.Context) (ForecastCache, error)
	SetForecastCache(ctx context.Context, c ForecastCache) error

	// Hourly telemetry samples, keyed by hour start.
	UpsertEnergySample(ctx context.Context, s types.EnergySample) error
	GetEnergySamples(ctx context.Context, start, end time.Time) ([]types.EnergySample, error)

	// Boost plan audit log.
	InsertPlanRecord(ctx context.Context, rec types.PlanRecord) error
	GetPlanRecords(ctx context.Context, start, end time.Time) ([]types.PlanRecord, error)

	// Lifecycle
	Close() error
}
