// Uniport is a packet protocol server: reliable sessions over TCP with a
// protocol handshake, best-effort datagrams over UDP correlated to those
// sessions, plus an admin API, an operator console and MQTT telemetry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/uniport-net/uniport/internal/api"
	"github.com/uniport-net/uniport/internal/cli"
	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/db"
	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/health"
	"github.com/uniport-net/uniport/internal/metrics"
	"github.com/uniport-net/uniport/internal/scheduler"
	"github.com/uniport-net/uniport/internal/server"
	"github.com/uniport-net/uniport/internal/telemetry"
	"github.com/uniport-net/uniport/internal/util"
)

const (
	AppName    = "Uniport"
	AppVersion = "1.0.0"
	Banner     = `
  _   _       _                  _
 | | | |_ __ (_)_ __   ___  _ __| |_
 | | | | '_ \| | '_ \ / _ \| '__| __|
 | |_| | | | | | |_) | (_) | |  | |_
  \___/|_| |_|_| .__/ \___/|_|   \__|
               |_|  v%s
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Uniport")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	appData := cfg.GetApplicationData()

	if err := util.InitLogger(util.LogConfigFrom(appData.Logging, true)); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Str("path", cfg.Path()).Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---------------------------------------------------------------
	// Core components
	// ---------------------------------------------------------------
	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	store, err := db.NewStore(appData.Storage.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	m := metrics.New()

	mgr, err := server.NewManager(cfg, eventBus, store, m, AppVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server manager")
	}
	if err := startWithRetry(ctx, "server", mgr.Start, 5); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	healthMgr := health.NewManager(cfg, eventBus, mgr.Network())

	var apiServer *api.Server
	if appData.API.Enabled {
		apiServer = api.NewServer(cfg, eventBus, mgr)
		apiServer.SetDependencies(healthMgr, m.Gatherer())
	}

	mqttHandler, err := telemetry.NewMQTTHandler(appData.MQTT, eventBus, AppVersion)
	if err != nil && !errors.Is(err, telemetry.ErrDisabled) {
		log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
	}

	sched := scheduler.NewScheduler(cfg, store)
	cliHandler := cli.NewCLI(cfg, eventBus, mgr)

	// ---------------------------------------------------------------
	// Background tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting " + name)
			fn()
		}()
	}

	if apiServer != nil {
		run("REST API server", func() {
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		})
	}
	run("health check manager", func() { healthMgr.Start(ctx) })
	if mqttHandler != nil {
		run("MQTT telemetry", func() {
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}
	run("task scheduler", func() { sched.Start(ctx) })

	// The console is not waited for: it may be blocked reading stdin.
	go cliHandler.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case <-mgr.Network().Done():
		log.Error().Msg("server closed unexpectedly, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		mgr.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close database")
	}

	log.Info().Msg("Uniport stopped")
}

// startWithRetry retries startFn while its ports are still held by a
// previous process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
