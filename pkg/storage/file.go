package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/types"
)

const (
	shadingFile  = "shading.json"
	forecastFile = "solcast_raw.json"
	samplesFile  = "energy_samples.json"
	plansFile    = "plan_history.json"

	// Samples older than this are pruned on write; the load profile only
	// ever looks back 7 days.
	sampleRetention = 14 * 24 * time.Hour
)

// FileProvider implements Provider with JSON files in a local directory.
// This is the default backend for a daemon running next to the inverter.
type FileProvider struct {
	mu  sync.Mutex
	dir string
}

// NewFileProvider returns a provider rooted at dir. Init must still be
// called before use.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// configuredFile sets up the file provider and registers its flags.
func configuredFile() *FileProvider {
	dir := lflag.String("storage-dir", "data", "Directory for persisted scheduler state")

	f := &FileProvider{}
	lflag.Do(func() {
		f.dir = *dir
	})
	return f
}

// Init creates the storage directory if needed.
func (f *FileProvider) Init(ctx context.Context) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage dir %s: %w", f.dir, err)
	}
	return nil
}

// Close implements Provider; the file backend holds no open handles.
func (f *FileProvider) Close() error {
	return nil
}

func (f *FileProvider) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *FileProvider) readJSON(name string, v any) error {
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

// writeJSON writes via a temp file and rename so a crash mid-write never
// leaves a truncated blob.
func (f *FileProvider) writeJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	tmp := f.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, f.path(name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// GetShading reads the persisted shading map.
func (f *FileProvider) GetShading(ctx context.Context) (types.HourlyMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var m types.HourlyMap
	if err := f.readJSON(shadingFile, &m); err != nil {
		return nil, err
	}
	m.Normalize(0)
	return m, nil
}

// SetShading persists the shading map.
func (f *FileProvider) SetShading(ctx context.Context, m types.HourlyMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeJSON(shadingFile, m)
}

// GetForecastCache reads the cached raw forecast response.
func (f *FileProvider) GetForecastCache(ctx context.Context) (ForecastCache, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c ForecastCache
	if err := f.readJSON(forecastFile, &c); err != nil {
		return ForecastCache{}, err
	}
	return c, nil
}

// SetForecastCache persists the raw forecast response.
func (f *FileProvider) SetForecastCache(ctx context.Context, c ForecastCache) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeJSON(forecastFile, c)
}

// UpsertEnergySample adds or replaces the sample for its hour and prunes
// samples past retention.
func (f *FileProvider) UpsertEnergySample(ctx context.Context, s types.EnergySample) error {
	if s.TSHourStart.IsZero() {
		return fmt.Errorf("energy sample missing tsHourStart")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	samples := map[string]types.EnergySample{}
	if err := f.readJSON(samplesFile, &samples); err != nil && err != ErrNotFound {
		log.Ctx(ctx).WarnContext(ctx, "resetting unreadable energy samples file", slog.Any("error", err))
		samples = map[string]types.EnergySample{}
	}

	cutoff := time.Now().Add(-sampleRetention)
	for k, v := range samples {
		if v.TSHourStart.Before(cutoff) {
			delete(samples, k)
		}
	}
	samples[s.TSHourStart.UTC().Format(time.RFC3339)] = s
	return f.writeJSON(samplesFile, samples)
}

// GetEnergySamples returns samples with start <= TSHourStart < end, oldest first.
func (f *FileProvider) GetEnergySamples(ctx context.Context, start, end time.Time) ([]types.EnergySample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	samples := map[string]types.EnergySample{}
	if err := f.readJSON(samplesFile, &samples); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var out []types.EnergySample
	for _, v := range samples {
		if !v.TSHourStart.Before(start) && v.TSHourStart.Before(end) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TSHourStart.Before(out[j].TSHourStart)
	})
	return out, nil
}

// InsertPlanRecord appends a plan record to the audit log.
func (f *FileProvider) InsertPlanRecord(ctx context.Context, rec types.PlanRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var plans []types.PlanRecord
	if err := f.readJSON(plansFile, &plans); err != nil && err != ErrNotFound {
		log.Ctx(ctx).WarnContext(ctx, "resetting unreadable plan history file", slog.Any("error", err))
		plans = nil
	}

	cutoff := time.Now().Add(-sampleRetention)
	kept := plans[:0]
	for _, p := range plans {
		if !p.Timestamp.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	kept = append(kept, rec)
	return f.writeJSON(plansFile, kept)
}

// GetPlanRecords returns plan records with start <= Timestamp < end, oldest first.
func (f *FileProvider) GetPlanRecords(ctx context.Context, start, end time.Time) ([]types.PlanRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var plans []types.PlanRecord
	if err := f.readJSON(plansFile, &plans); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var out []types.PlanRecord
	for _, p := range plans {
		if !p.Timestamp.Before(start) && p.Timestamp.Before(end) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
