package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/gridtrade/gridtrade/pkg/feed"
	"github.com/gridtrade/gridtrade/pkg/hub"
	"github.com/gridtrade/gridtrade/pkg/log"
	"github.com/gridtrade/gridtrade/pkg/server"
	"github.com/gridtrade/gridtrade/pkg/simulation"
	"github.com/gridtrade/gridtrade/pkg/storage"
	"github.com/gridtrade/gridtrade/pkg/weather"
)

func main() {
	// init packages
	wp := weather.Configured()
	db := storage.Configured()
	k := feed.Configured()
	h := hub.New()
	sim := simulation.Configured(wp, db, h, k)

	// init server
	srv := server.Configured(sim, h, db)

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
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Ctx(context.Background()))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	defer func() {
		if err := k.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close kafka feed", slog.Any("error", err))
		}
	}()
	defer h.Close()

	// seed the first snapshot with real weather before anyone connects
	sim.RefreshWeather(ctx)

	simDone := make(chan error, 1)
	go func() {
		simDone <- sim.Run(ctx)
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		cancel()
		<-simDone
		os.Exit(1)
	}
	if err := <-simDone; err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "simulation failed", slog.Any("error", err))
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
