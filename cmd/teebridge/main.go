// TeeBridge - transparent UDP relay for Teeworlds-family game servers.
//
// TeeBridge accepts game clients on a public address and opens one upstream
// connection per client to a single game server, forwarding chunks both ways.
// Sessions, chat and statistics are exposed through a REST API, Prometheus
// metrics, MQTT telemetry and an optional SQLite journal.
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
	"github.com/spf13/pflag"

	"github.com/energizer-project/teebridge/internal/api"
	"github.com/energizer-project/teebridge/internal/bridge"
	"github.com/energizer-project/teebridge/internal/cli"
	"github.com/energizer-project/teebridge/internal/config"
	"github.com/energizer-project/teebridge/internal/db"
	"github.com/energizer-project/teebridge/internal/events"
	"github.com/energizer-project/teebridge/internal/metrics"
	"github.com/energizer-project/teebridge/internal/network"
	"github.com/energizer-project/teebridge/internal/scheduler"
	"github.com/energizer-project/teebridge/internal/telemetry"
	"github.com/energizer-project/teebridge/internal/util"
)

const (
	AppName    = "TeeBridge"
	AppVersion = "1.0.0"
	Banner     = `
  _____          ____       _     _
 |_   _|__  ___ | __ ) _ __(_) __| | __ _  ___
   | |/ _ \/ _ \|  _ \| '__| |/ _' |/ _' |/ _ \
   | |  __/  __/| |_) | |  | | (_| | (_| |  __/
   |_|\___|\___||____/|_|  |_|\__,_|\__, |\___|
                                    |___/  v%s
 Transparent UDP game relay
`
)

func main() {
	flags, err := config.ParseFlags("teebridge", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if flags.Version {
		fmt.Printf("%s %s\n", AppName, AppVersion)
		return
	}

	// Print banner
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if _, err := util.InitLogger(util.LogConfig{Level: "info", Console: true}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting TeeBridge")

	// Load configuration
	cfg, err := config.Load(flags.ConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if flags.Apply(cfg) {
		log.Info().Msg("command-line flags override configuration")
	}

	if flags.Setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	// Re-initialize logger with config-based settings
	logging := cfg.GetApplicationData().Logging
	logFile, err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else if logFile != "" {
		log.Info().Str("file", logFile).Msg("logging to file")
	}

	// Validate configuration
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	// Log system info
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

	eventBus := events.NewEventBus()

	bd := cfg.GetBridgeData()
	ad := cfg.GetApplicationData()

	target, err := network.ParseAddr(bd.TargetAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid target address")
	}
	bans, err := network.NewBanList(bd.Bans)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ban list")
	}

	// One signal wakes the loop for both directions.
	wake := network.NewSignal()

	listener, err := network.Listen(ctx, network.ListenerConfig{
		Address:           bd.ListenAddress,
		MaxClients:        bd.MaxSessions,
		Timeout:           bd.Timeout(),
		KeepaliveInterval: bd.KeepaliveInterval(),
		ConnectRatePerSec: bd.ConnectRatePerSec,
		Bans:              bans,
		Wake:              wake,
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", bd.ListenAddress).Msg("failed to bind listener")
	}

	dialer := network.NewDialer(network.DialConfig{
		ConnectTimeout:    bd.ConnectTimeout(),
		Timeout:           bd.Timeout(),
		KeepaliveInterval: bd.KeepaliveInterval(),
		PendingLimit:      bd.PendingLimit,
		Wake:              wake,
	})
	// Sessions are dialed on the loop goroutine, which must not wait on DNS.
	if err := dialer.Prepare(ctx, target); err != nil {
		log.Fatal().Err(err).Str("target", target.String()).Msg("failed to resolve target")
	}

	registry := bridge.NewRegistry(bridge.NetDialer(ctx, dialer), bd.MaxFakeID)
	engine := bridge.NewEngine(listener, registry, bridge.Options{
		Target:         target,
		InboundPerTick: bd.InboundPerTick,
		IdleWait:       bd.IdleWait(),
		Wake:           wake,
		Events:         eventBus,
		Metrics:        metrics.New("teebridge"),
	})

	eventBus.Subscribe(events.EventKick, "engine.kick", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.KickPayload)
		if !ok {
			return fmt.Errorf("unexpected kick payload %T", e.Payload)
		}
		return engine.Kick(p.RealID, p.Reason)
	})

	var journal *db.Journal
	if ad.Journal.Enabled {
		journal, err = db.NewJournal(ad.Journal.Path, ad.Journal.RetentionDays)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open journal, journaling disabled")
		} else {
			journal.Attach(eventBus)
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if ad.MQTT.Enabled {
		telemetry.Version = AppVersion
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var apiServer *api.Server
	if ad.API.Enabled {
		api.Version = AppVersion
		apiServer = api.NewServer(cfg, eventBus, engine)
		if journal != nil {
			apiServer.SetDependencies(journal, engine.Metrics().Handler())
		} else {
			apiServer.SetDependencies(nil, engine.Metrics().Handler())
		}
	}

	// quit from the CLI
	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, e events.Event) error {
		if e.Source != "main" {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	engineDone := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().
			Str("listen", listener.LocalAddr().String()).
			Str("target", target.String()).
			Str("variant", target.Variant().String()).
			Msg("starting bridge")
		engineDone <- engine.Run(ctx)
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", ad.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	var pruner scheduler.Pruner
	if journal != nil {
		pruner = journal
	}
	sched := scheduler.NewScheduler(cfg, pruner, engine)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	if !flags.NoCLI {
		// Not in the wait group: the reader blocks on stdin until input arrives.
		go func() {
			log.Info().Msg("starting interactive CLI")
			cli.NewCLI(cfg, eventBus, engine, os.Stdin, os.Stdout).Start(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from CLI")
	case err := <-engineDone:
		log.Error().Err(err).Msg("bridge loop stopped, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	eventBus.Emit(ctx, events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// The engine has told every client goodbye through the listener.
	if err := listener.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close listener")
	}

	eventBus.Stop()

	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close journal")
		}
	}

	log.Info().Msg("TeeBridge stopped")
}

// startWithRetry retries a component whose bind may fail while a previous
// instance releases the port.
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
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
