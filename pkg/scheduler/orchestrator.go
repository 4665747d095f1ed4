package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/forecast"
	"github.com/ohsnyt/touscheduler/pkg/inverter"
	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/storage"
	"github.com/ohsnyt/touscheduler/pkg/types"
)

// Orchestrator drives the tick cadence: telemetry refresh, forecast refresh,
// shading and load maintenance, the runway simulation, and the gated boost
// plan. It is the single writer of all schedule state; ticks never overlap.
type Orchestrator struct {
	inv      inverter.System
	fc       forecast.Source
	store    storage.Provider
	settings types.Settings
	creds    types.Credentials
	loc      *time.Location

	shading *ShadingModel
	load    *LoadProfile

	// snapshot is replaced whole at the end of a successful tick so hosts
	// always read a consistent view.
	snapshot atomic.Pointer[types.Snapshot]

	mu     sync.Mutex
	status types.Status

	// in-hour accumulation for shading learning and energy samples
	sampleHour time.Time
	pvSumW     float64
	loadSumW   float64
	lastSOC    float64
	sampleN    int

	minutes  int
	boostSOC int

	now func() time.Time
}

// New builds an orchestrator. Settings are validated here; credentials are
// validated during the authentication phase so a misconfigured daemon stays
// up and reports its state instead of crash-looping.
func New(inv inverter.System, fc forecast.Source, store storage.Provider, settings types.Settings, creds types.Credentials) (*Orchestrator, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", settings.Timezone, err)
	}

	o := &Orchestrator{
		inv:      inv,
		fc:       fc,
		store:    store,
		settings: settings,
		creds:    creds,
		loc:      loc,
		shading:  NewShadingModel(store),
		load:     NewLoadProfile(NewStorageStatistics(store), settings.HistoryDays),
		status:   types.StatusStarting,
		boostSOC: types.DefaultBoostStartingSOC,
		now:      time.Now,
	}
	o.snapshot.Store(&types.Snapshot{Status: types.StatusStarting})
	return o, nil
}

// Snapshot returns the last published snapshot. Safe to call from any
// goroutine.
func (o *Orchestrator) Snapshot() *types.Snapshot {
	return o.snapshot.Load()
}

// Run ticks at the given interval until ctx is done. An external scheduler
// may additionally trigger ticks via Tick; overlap is prevented internally.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	if err := o.Tick(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "tick failed", slog.Any("error", err))
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			o.Stop()
			return
		case <-t.C:
			if err := o.Tick(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "tick failed", slog.Any("error", err))
			}
		}
	}
}

// Stop marks the orchestrator stopped and publishes a final snapshot.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = types.StatusStopped
	snap := *o.snapshot.Load()
	snap.Status = types.StatusStopped
	o.snapshot.Store(&snap)
}

// authenticate validates credentials against both clouds. Must be called
// with o.mu held.
func (o *Orchestrator) authenticate(ctx context.Context) error {
	if err := o.creds.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := o.inv.Authenticate(ctx, o.creds); err != nil {
		return fmt.Errorf("inverter authentication failed: %w", err)
	}
	if err := o.fc.Configure(o.creds, o.settings, o.loc); err != nil {
		return fmt.Errorf("forecast configuration failed: %w", err)
	}
	return nil
}

// Tick runs one full update. A failure anywhere aborts the remaining steps;
// the previous snapshot stays published and the next tick retries from the
// top.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status == types.StatusStopped {
		return nil
	}

	now := o.now().In(o.loc)

	if o.status == types.StatusStarting || o.status == types.StatusAuthenticating {
		o.status = types.StatusAuthenticating
		o.publishDegraded()
		if err := o.authenticate(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "authentication failed", slog.Any("error", err))
			return err
		}
		o.shading.Load(ctx)
		o.status = types.StatusReady
		o.publishDegraded()
	}

	batt, err := o.inv.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("inverter refresh failed: %w", err)
	}

	refreshed, err := o.fc.Refresh(ctx, now)
	if err != nil {
		return fmt.Errorf("forecast refresh failed: %w", err)
	}

	o.observe(ctx, now, batt)
	o.load.Recompute(ctx, now)

	o.minutes = SimulateRunway(ctx, now, batt, o.load.Map(), o.shading.Map(), o.fc.HourForecast)

	// The full-day planning walk only runs against fresh forecast data.
	if refreshed {
		o.plan(ctx, now, batt)
	}

	o.status = types.StatusWorking
	o.publish(now, batt)
	return nil
}

// observe folds this tick's telemetry into the in-hour averages. At an hour
// rollover the finished hour's mean PV feeds the shading model, then the
// accumulators restart. The running hour mean is upserted to storage as the
// energy sample the load profile later queries.
func (o *Orchestrator) observe(ctx context.Context, now time.Time, batt types.BatteryState) {
	hourStart := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, o.loc)

	if !o.sampleHour.IsZero() && hourStart.After(o.sampleHour) && o.sampleN > 0 {
		prevHour := o.sampleHour.Hour()
		avgPVW := o.pvSumW / float64(o.sampleN)
		fc := o.fc.HourForecast(o.sampleHour, prevHour)
		o.shading.Update(ctx, prevHour, avgPVW, fc, o.lastSOC)
	}
	if o.sampleHour != hourStart {
		o.sampleHour = hourStart
		o.pvSumW = 0
		o.loadSumW = 0
		o.sampleN = 0
	}

	o.pvSumW += batt.PVKW * 1000
	o.loadSumW += batt.LoadKW * 1000
	o.lastSOC = batt.BatterySOC
	o.sampleN++

	sample := types.EnergySample{
		TSHourStart: o.sampleHour,
		LoadW:       o.loadSumW / float64(o.sampleN),
		PVW:         o.pvSumW / float64(o.sampleN),
		BatterySOC:  batt.BatterySOC,
		Samples:     o.sampleN,
	}
	if err := o.store.UpsertEnergySample(ctx, sample); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to store energy sample", slog.Any("error", err))
	}
}

// plan computes tomorrow's boost SoC, applies it to the inverter, and
// records the audit entry. The write fires only after the walk succeeded.
func (o *Orchestrator) plan(ctx context.Context, now time.Time, batt types.BatteryState) {
	tomorrow := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, o.loc).AddDate(0, 0, 1)
	result := PlanGridBoost(ctx, tomorrow, batt, o.load.Map(), o.shading.Map(), o.fc.HourForecast,
		o.settings.MidnightReserveSOC, o.settings.BoostFloorSOC)

	written := false
	if err := o.inv.WriteGridBoostSOC(ctx, o.settings.BoostMode, result.RequiredSOC); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write grid boost soc", slog.Any("error", err))
	} else {
		written = (o.settings.BoostMode == types.BoostModeManual || o.settings.BoostMode == types.BoostModeAutomatic) && batt.BoostEnabled
	}

	o.boostSOC = result.RequiredSOC

	rec := types.PlanRecord{
		Timestamp:          now,
		PlanDay:            tomorrow.Format("2006-01-02"),
		TargetSOC:          result.RequiredSOC,
		MidnightReserveSOC: o.settings.MidnightReserveSOC,
		Mode:               o.settings.BoostMode,
		Written:            written,
		Rows:               result.Rows,
	}
	if err := o.store.InsertPlanRecord(ctx, rec); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record boost plan", slog.Any("error", err))
	}
}

// publishDegraded re-publishes the current snapshot with only the status
// updated, keeping last-known-good values visible. Must be called with o.mu
// held.
func (o *Orchestrator) publishDegraded() {
	snap := *o.snapshot.Load()
	snap.Status = o.status
	o.snapshot.Store(&snap)
}

// publish assembles and swaps in a fresh snapshot. Must be called with o.mu
// held.
func (o *Orchestrator) publish(now time.Time, batt types.BatteryState) {
	snap := &types.Snapshot{
		Status:               o.status,
		BattMinutesRemaining: o.minutes,
		BattHoursRemaining:   float64(o.minutes) / 60,
		GridBoostStartingSOC: o.boostSOC,
		GridBoostWindowStart: batt.BoostWindowOn,
		GridBoostEnabled:     batt.BoostEnabled,
		LoadEstimateWH:       o.load.Value(now.Hour()),

		BatterySOC:     batt.BatterySOC,
		BattWHUsable:   batt.UsableEnergyWH,
		PowerBatteryKW: batt.BatteryKW,
		PowerGridKW:    batt.GridKW,
		PowerLoadKW:    batt.LoadKW,
		PowerPVKW:      batt.PVKW,
		PVEstimatedKW:  o.fc.HourForecast(now, now.Hour()).PowerKW,

		PlantID:      batt.PlantID,
		PlantName:    batt.PlantName,
		InverterSN:   batt.InverterSN,
		InverterName: batt.InverterName,
		DataUpdated:  batt.Updated,

		Shading: o.shading.Map().String(),
		Load:    o.load.Map().String(),
	}
	o.snapshot.Store(snap)
}
