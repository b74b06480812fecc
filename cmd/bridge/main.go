package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/voicebridge/internal/adapters/http"
	"github.com/dkeye/voicebridge/internal/adapters/record"
	"github.com/dkeye/voicebridge/internal/adapters/rtc"
	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/app/host"
	"github.com/dkeye/voicebridge/internal/app/orch"
	"github.com/dkeye/voicebridge/internal/config"
	"github.com/dkeye/voicebridge/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(reg)

	loop := host.NewLoop(cfg.HostQueue)
	go loop.Run(ctx)

	hub := router.NewSignalHub()
	sinks := core.SignalSinks{hub}
	var rec *record.Recorder
	if cfg.RecordDir != "" {
		if rec, err = record.NewRecorder(cfg.RecordDir, cfg.RecordSampleRate); err != nil {
			log.Fatal().Err(err).Msg("failed to start recorder")
		}
		sinks = append(sinks, rec)
	}

	connector := rtc.NewConnector(rtc.Config{
		ICEServers:   cfg.ICEServers,
		Metadata:     cfg.Metadata,
		PingInterval: cfg.PingPeriod,
	})

	bridge := orch.New(orch.Config{
		Connector:       connector,
		Signals:         sinks,
		Host:            loop,
		Metrics:         metrics,
		SpatialAudio:    cfg.SpatialAudio,
		ConnectTimeout:  cfg.ConnectTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	if cfg.AutoConnect {
		if err := bridge.Connect(cfg.RoomURL, cfg.Token); err != nil {
			log.Error().Err(err).Msg("auto connect")
		}
	}

	r := router.SetupRouter(ctx, cfg, bridge, hub, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voicebridge started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	bridge.Close()
	hub.Close()
	if rec != nil {
		rec.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
