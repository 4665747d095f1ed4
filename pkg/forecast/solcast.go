package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/common"
	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/storage"
	"github.com/ohsnyt/touscheduler/pkg/types"
)

// Solcast implements Source against the Solcast rooftop API. The hobbyist
// tier allows only a handful of calls per day, so the raw response is cached
// in storage and API calls are restricted to the configured update hours.
type Solcast struct {
	client  *http.Client
	baseURL string
	store   storage.Provider

	mu          sync.Mutex
	apiKey      string
	resourceID  string
	percentile  int
	updateHours []int
	loc         *time.Location

	raw       []halfHourForecast
	fetchedAt time.Time
	forecast  map[string]types.ForecastEntry
}

// halfHourForecast is one entry of the rooftop forecasts response. Estimates
// are in kW; PeriodEnd is the UTC end of the half hour.
type halfHourForecast struct {
	PVEstimate   float64   `json:"pv_estimate"`
	PVEstimate10 float64   `json:"pv_estimate10"`
	PVEstimate90 float64   `json:"pv_estimate90"`
	PeriodEnd    time.Time `json:"period_end"`
}

// NewSolcast returns a client caching through store.
func NewSolcast(store storage.Provider) *Solcast {
	return &Solcast{
		client:  common.HTTPClient(time.Minute),
		baseURL: "https://api.solcast.com.au",
		store:   store,
		loc:     time.UTC,
	}
}

// Configure applies credentials and tuning. Must be called before Refresh.
func (s *Solcast) Configure(creds types.Credentials, settings types.Settings, loc *time.Location) error {
	if creds.SolcastAPIKey == "" || creds.SolcastResourceID == "" {
		return errors.New("missing solcast api key or resource id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = creds.SolcastAPIKey
	s.resourceID = creds.SolcastResourceID
	s.percentile = settings.ForecastPercentile
	s.updateHours = settings.ForecastUpdateHours
	if loc != nil {
		s.loc = loc
	}
	return nil
}

func (s *Solcast) inUpdateHours(hour int) bool {
	for _, h := range s.updateHours {
		if h == hour {
			return true
		}
	}
	return false
}

func sameLocalDay(a, b time.Time, loc *time.Location) bool {
	return a.In(loc).Format("2006-01-02") == b.In(loc).Format("2006-01-02")
}

// Refresh decides whether an API call is due, fetches and caches the raw
// response when it is, and rebuilds the hourly forecast. A failed API call
// degrades to the cached response when one exists.
func (s *Solcast) Refresh(ctx context.Context, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.apiKey == "" || s.resourceID == "" {
		return false, errors.New("solcast not configured")
	}

	now = now.In(s.loc)

	// Already refreshed during this hour, nothing to do.
	if s.forecast != nil && !s.fetchedAt.IsZero() &&
		sameLocalDay(s.fetchedAt, now, s.loc) &&
		s.fetchedAt.In(s.loc).Hour() == now.Hour() {
		return false, nil
	}

	// Recover the raw cache from storage after a restart.
	if s.raw == nil {
		c, err := s.store.GetForecastCache(ctx)
		if err != nil && err != storage.ErrNotFound {
			return false, fmt.Errorf("failed to load forecast cache: %w", err)
		}
		if err == nil {
			var raw []halfHourForecast
			if err := json.Unmarshal(c.Raw, &raw); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "discarding unreadable forecast cache", slog.Any("error", err))
			} else {
				s.raw = raw
				s.fetchedAt = c.FetchedAt
			}
		}
	}

	needCall := s.raw == nil ||
		s.fetchedAt.In(s.loc).Format("2006-01-02") < now.Format("2006-01-02") ||
		(s.inUpdateHours(now.Hour()) && s.fetchedAt.In(s.loc).Hour() != now.Hour())

	var called bool
	if needCall {
		raw, err := s.fetch(ctx)
		if err != nil {
			if s.raw == nil {
				return false, err
			}
			log.Ctx(ctx).WarnContext(ctx, "forecast api call failed, using cached forecast",
				slog.Any("error", err), slog.Time("fetchedAt", s.fetchedAt))
		} else {
			called = true
			s.raw = raw
			s.fetchedAt = now

			data, err := json.Marshal(raw)
			if err == nil {
				err = s.store.SetForecastCache(ctx, storage.ForecastCache{FetchedAt: now, Raw: data})
			}
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to cache forecast", slog.Any("error", err))
			}
		}
	}

	s.rebuild()
	return called, nil
}

func (s *Solcast) fetch(ctx context.Context) ([]halfHourForecast, error) {
	u := fmt.Sprintf("%s/rooftop_sites/%s/forecasts?format=json", s.baseURL, s.resourceID)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forecast request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("forecast api status %d: %s", resp.StatusCode, string(body))
	}

	var res struct {
		Forecasts []halfHourForecast `json:"forecasts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode forecast response: %w", err)
	}
	if len(res.Forecasts) == 0 {
		return nil, errors.New("forecast response contained no forecasts")
	}

	log.Ctx(ctx).InfoContext(ctx, "fetched solar forecast", slog.Int("halfHours", len(res.Forecasts)))
	return res.Forecasts, nil
}

// rebuild converts the cached half-hour entries into the hourly forecast
// map. The percentile blend interpolates linearly between the 10/50/90
// bands. Must be called with s.mu held.
func (s *Solcast) rebuild() {
	type bucket struct {
		power float64
		ratio float64
		n     int
	}
	buckets := make(map[string]*bucket)

	p := float64(s.percentile)
	for _, hh := range s.raw {
		var target float64
		if p <= 50 {
			target = hh.PVEstimate10 + (p-10)/40*(hh.PVEstimate-hh.PVEstimate10)
		} else {
			target = hh.PVEstimate + (p-50)/40*(hh.PVEstimate90-hh.PVEstimate)
		}

		// Agreement of the median and 90th percentile bands means a clear
		// sky forecast for this half hour.
		ratio := 1.0
		if hh.PVEstimate90 > 0 && hh.PVEstimate < hh.PVEstimate90 {
			ratio = hh.PVEstimate / hh.PVEstimate90
		}

		local := hh.PeriodEnd.In(s.loc)
		key := types.ForecastKey(local, local.Hour())
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.power += target
		b.ratio += ratio
		b.n++
	}

	forecast := make(map[string]types.ForecastEntry, len(buckets))
	for key, b := range buckets {
		forecast[key] = types.ForecastEntry{
			PowerKW:  b.power / float64(b.n),
			SunRatio: b.ratio / float64(b.n),
		}
	}
	s.forecast = forecast
}

// HourForecast returns the entry for a local date and hour, zero when the
// hour has no forecast.
func (s *Solcast) HourForecast(day time.Time, hour int) types.ForecastEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forecast[types.ForecastKey(day.In(s.loc), hour)]
}
