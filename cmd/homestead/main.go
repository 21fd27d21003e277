// Command homestead runs the personal-infrastructure daemon: the SQLite
// store, job scheduler, model dispatcher, turn queue, Telegram channel, and
// the HTTP/WebSocket gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/homesteadhq/homestead/internal/agents"
	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/channels"
	"github.com/homesteadhq/homestead/internal/config"
	"github.com/homesteadhq/homestead/internal/dispatch"
	"github.com/homesteadhq/homestead/internal/gateway"
	otelpkg "github.com/homesteadhq/homestead/internal/otel"
	"github.com/homesteadhq/homestead/internal/persistence"
	"github.com/homesteadhq/homestead/internal/scheduler"
	"github.com/homesteadhq/homestead/internal/telemetry"
	"github.com/homesteadhq/homestead/internal/turnqueue"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                       Run the daemon
  %s status                Query a running daemon's /healthz
  %s version               Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HOMESTEAD_HOME           Data directory (default: ~/.homestead)
  TELEGRAM_BOT_TOKEN       Telegram bot token
  XAI_API_KEY              Key for the xAI HTTP backend
`)
}

func main() {
	homeDir := flag.String("home", "", "data directory (default: $HOMESTEAD_HOME or ~/.homestead)")
	daemon := flag.Bool("daemon", false, "daemon mode: always log to stdout (for service managers)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, *homeDir))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			os.Exit(2)
		}
	}

	cfg, err := config.Load(*homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// File-only logs when detached without -daemon; service managers that
	// capture stdout pass -daemon.
	quietLogs := !*daemon && !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	otelProvider, err := otelpkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "homestead.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetAllowedChats(cfg.AllowedUserIDs)
	logger.Info("startup phase", "phase", "schema_migrated")

	// From here every log record is mirrored into the event log.
	logger = telemetry.WithStore(logger,
		telemetry.NewStoreHandler(storeSink{store}, telemetry.ParseLevel(cfg.LogLevel)))
	slog.SetDefault(logger)

	registry, err := agents.Load(cfg.AgentsPath)
	if err != nil {
		fatalStartup(logger, "E_AGENTS_LOAD", err)
	}
	go func() {
		if err := registry.Watch(ctx, logger); err != nil {
			logger.Warn("agent registry watch stopped", "source", "agents", "error", err)
		}
	}()

	dispatcher := dispatch.New(dispatch.Config{
		TurnTimeout: cfg.TurnTimeout(),
		Logger:      logger,
		Bus:         eventBus,
		Metrics:     metrics,
	})
	dispatcher.RegisterFromConfig(cfg, map[string]dispatch.Backend{
		config.BackendClaudeCLI: &dispatch.ClaudeCLI{Binary: cfg.ClaudeCLI.Binary},
		config.BackendXAI:       &dispatch.XAI{APIKey: cfg.XAI.APIKey, BaseURL: cfg.XAI.BaseURL},
	})
	logger.Info("startup phase", "phase", "backends_registered", "tags", dispatcher.Tags())

	queue := turnqueue.New(turnqueue.Config{
		Capacity: cfg.TurnQueueCapacity,
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  metrics,
	})
	defer queue.Stop()

	sched := scheduler.New(scheduler.Config{
		Store:         store,
		Tick:          cfg.SchedulerTick(),
		ActionTimeout: cfg.ActionTimeout(),
		Logger:        logger,
		Bus:           eventBus,
		Metrics:       metrics,
	})
	sched.Start(ctx)
	defer sched.Stop()

	var wg sync.WaitGroup
	if cfg.Telegram.Enabled {
		tg := channels.NewTelegram(channels.Config{
			Token:            cfg.Telegram.Token,
			AllowedIDs:       cfg.AllowedUserIDs,
			Store:            store,
			Queue:            queue,
			Dispatcher:       dispatcher,
			Registry:         registry,
			DefaultModel:     cfg.DefaultModel,
			KnownModelTag:    cfg.KnownModelTag,
			InactivityWindow: cfg.InactivityWindow(),
			TurnTimeout:      cfg.TurnTimeout(),
			OutboxPoll:       cfg.OutboxPoll(),
			OutboxRetries:    cfg.OutboxDeliveryRetries,
			TransportTimeout: cfg.OutboxTransportTimeout(),
			Logger:           logger,
			Bus:              eventBus,
			Metrics:          metrics,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "source", "herald.bot", "error", err)
				stop()
			}
		}()
	} else {
		logger.Info("telegram channel disabled", "source", "herald.bot")
	}

	gw := gateway.New(gateway.Config{
		BindAddr:          cfg.Gateway.BindAddr,
		AuthToken:         cfg.Gateway.AuthToken,
		Store:             store,
		Scheduler:         sched,
		Queue:             queue,
		Dispatcher:        dispatcher,
		DefaultModel:      cfg.DefaultModel,
		KnownModelTag:     cfg.KnownModelTag,
		AllowedChats:      cfg.AllowedUserIDs,
		TurnTimeout:       cfg.TurnTimeout(),
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Bus:               eventBus,
		Metrics:           metrics,
	})
	logger.Info("startup phase", "phase", "ready")

	if err := gw.Start(ctx); err != nil {
		logger.Error("gateway stopped", "source", "gw", "error", err)
	}
	stop()

	// Bound the channel drain so a stuck Telegram shutdown cannot hang the
	// process past the configured grace period.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.DrainTimeout()):
		logger.Warn("shutdown drain timed out", "timeout", cfg.DrainTimeout().String())
	}
	logger.Info("shutdown complete")
}

// storeSink adapts the persistence store to the telemetry sink interface,
// keeping the store free of a telemetry import.
type storeSink struct {
	store *persistence.Store
}

func (s storeSink) AppendLog(ctx context.Context, rec telemetry.LogEntry) error {
	return s.store.AppendLog(ctx, persistence.LogRecord{
		Timestamp:   rec.Timestamp,
		Level:       rec.Level,
		Source:      rec.Source,
		Message:     rec.Message,
		Payload:     rec.Payload,
		SessionName: rec.SessionName,
		ChatID:      rec.ChatID,
	})
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
