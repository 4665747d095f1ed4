package forecast

import (
	"context"
	"sync"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/types"
)

// Mock implements Source with a fixed forecast table, keyed the same way as
// the real client ("2006-01-02-H").
type Mock struct {
	mu sync.Mutex

	Entries       map[string]types.ForecastEntry
	RefreshErr    error
	RefreshResult bool
	RefreshCalls  int
}

// NewMock returns an empty mock; every hour reads as dark until entries are
// added.
func NewMock() *Mock {
	return &Mock{Entries: make(map[string]types.ForecastEntry)}
}

// Set stores an entry for a local date and hour.
func (m *Mock) Set(day time.Time, hour int, e types.ForecastEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entries[types.ForecastKey(day, hour)] = e
}

// Configure implements Source.
func (m *Mock) Configure(creds types.Credentials, settings types.Settings, loc *time.Location) error {
	return nil
}

// Refresh counts calls and returns RefreshResult and RefreshErr.
func (m *Mock) Refresh(ctx context.Context, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefreshCalls++
	if m.RefreshErr != nil {
		return false, m.RefreshErr
	}
	return m.RefreshResult, nil
}

// HourForecast returns the stored entry, zero when absent.
func (m *Mock) HourForecast(day time.Time, hour int) types.ForecastEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Entries[types.ForecastKey(day, hour)]
}
