package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/forecast"
	"github.com/ohsnyt/touscheduler/pkg/inverter"
	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/mqtt"
	"github.com/ohsnyt/touscheduler/pkg/scheduler"
	"github.com/ohsnyt/touscheduler/pkg/server"
	"github.com/ohsnyt/touscheduler/pkg/storage"
	"github.com/ohsnyt/touscheduler/pkg/types"

	_ "github.com/joho/godotenv/autoload"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/lmittmann/tint"
)

func main() {
	// init packages
	s := storage.Configured()
	inv := inverter.Configured()
	fc := forecast.Configured(s)
	pub := mqtt.Configured()

	// init server; the orchestrator is attached once flags are resolved
	srv := server.Configured(s)

	timezone := lflag.String("timezone", "UTC", "local timezone for planning and history")
	historyDays := lflag.Int("history-days", types.DefaultHistoryDays, "days of load history to average over (1-7)")
	midnightReserve := lflag.Int("midnight-reserve-soc", types.DefaultMidnightSOC, "SoC to still hold at the end of tomorrow")
	boostFloor := lflag.Int("boost-floor-soc", types.DefaultBoostStartingSOC, "lowest starting SoC the planner may choose")
	boostMode := lflag.String("boost-mode", string(types.BoostModeAutomatic), "boost write mode (manual/automatic/off/testing)")
	percentile := lflag.Int("forecast-percentile", types.DefaultPercentile, "solar forecast percentile blend (10-90)")
	updateHours := []int{10, 22}
	lflag.JSON(&updateHours, "forecast-update-hours", updateHours, "local hours at which a forecast API call is allowed")
	tickInterval := lflag.Duration("tick-interval", 5*time.Minute, "scheduler tick interval")
	prettyLog := lflag.Bool("log-pretty", false, "human-readable log output instead of JSON")

	var orch *scheduler.Orchestrator
	lflag.Do(func() {
		settings := types.Settings{
			Timezone:            *timezone,
			HistoryDays:         *historyDays,
			MidnightReserveSOC:  *midnightReserve,
			BoostFloorSOC:       *boostFloor,
			BoostMode:           types.BoostMode(*boostMode),
			ForecastPercentile:  *percentile,
			ForecastUpdateHours: updateHours,
		}
		creds := types.Credentials{
			InverterUsername:  os.Getenv("SOLARK_USERNAME"),
			InverterPassword:  os.Getenv("SOLARK_PASSWORD"),
			SolcastAPIKey:     os.Getenv("SOLCAST_API_KEY"),
			SolcastResourceID: os.Getenv("SOLCAST_RESOURCE_ID"),
		}
		var err error
		orch, err = scheduler.New(inv, fc, s, settings, creds)
		if err != nil {
			log.Ctx(context.Background()).Error("failed to build scheduler", slog.Any("error", err))
			os.Exit(1)
		}
		srv.SetScheduler(orch)
	})

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	var handler slog.Handler
	if *prettyLog {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := pub.Connect(ctx); err != nil {
		// the scheduler keeps running without the bus
		log.Ctx(ctx).ErrorContext(ctx, "mqtt connect failed", "error", err)
	} else {
		defer pub.Close()
	}

	// the tick loop runs alongside the server; /api/update can also trigger
	// ticks and the orchestrator serializes them
	go orch.Run(ctx, *tickInterval)
	go publishLoop(ctx, pub, orch, *tickInterval)

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

// publishLoop mirrors the snapshot to MQTT on the tick cadence.
func publishLoop(ctx context.Context, pub mqtt.Publisher, orch *scheduler.Orchestrator, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := pub.PublishSnapshot(ctx, orch.Snapshot()); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to publish snapshot", "error", err)
			}
		}
	}
}
