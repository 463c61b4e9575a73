package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/robfig/cron/v3"

	"github.com/basket/mimic/internal/config"
	"github.com/basket/mimic/internal/generator"
	"github.com/basket/mimic/internal/master"
	"github.com/basket/mimic/internal/orchestrator"
	otelPkg "github.com/basket/mimic/internal/otel"
	"github.com/basket/mimic/internal/telemetry"
	"github.com/basket/mimic/internal/vault"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

MASTER MODE (default):
  %s                          Run the master bot and worker supervisor

SUBCOMMANDS:
  %s worker -owner <id>       Serve one clone (spawned by the supervisor;
                              rarely run by hand)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MIMIC_HOME              Data directory (default: ~/.mimic)
  MIMIC_MASTER_KEY        Base64 32-byte key for token encryption (required)
  TELEGRAM_TOKEN          Master bot token (required)
  GEMINI_API_KEY_1..3     Generation key pool
  MIMIC_LOG_STDOUT        Set to 1 to mirror logs to stdout without a tty
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("mimic", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "worker":
			os.Exit(runWorkerCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, "E_CONFIG_VALIDATE", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, "master", quietLogs())
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)

	// OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := vault.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	cipher, err := vault.NewCipher(cfg.MasterKey)
	if err != nil {
		fatalStartup(logger, "E_MASTER_KEY", err)
	}

	gen := generator.New(ctx, cfg.Generator.APIKeys, cfg.Generator.Model, logger)
	gen.SetMetrics(metrics)

	super := orchestrator.NewSupervisor(logger, cfg.Supervisor.MaxRestarts)
	orch := orchestrator.New(store, cipher, super, logger)
	defer super.StopAll()

	if err := orch.ReconcileOnStartup(ctx); err != nil {
		fatalStartup(logger, "E_RECONCILE", err)
	}
	running := len(super.Running())
	metrics.ActiveWorkers.Add(ctx, int64(running))
	logger.Info("startup phase", "phase", "workers_reconciled", "running", running)

	// Periodic health sweep: restart dead workers for active clones.
	sched := cron.New()
	prevRunning := running
	if _, err := sched.AddFunc(cfg.SweepCronSpec(), func() {
		orch.SweepOnce(ctx)
		now := len(super.Running())
		if delta := now - prevRunning; delta != 0 {
			metrics.ActiveWorkers.Add(ctx, int64(delta))
		}
		if now > prevRunning {
			metrics.WorkerRestarts.Add(ctx, int64(now-prevRunning))
		}
		prevRunning = now
	}); err != nil {
		fatalStartup(logger, "E_SWEEP_SCHEDULE", err)
	}
	sched.Start()
	defer sched.Stop()

	bot := master.NewBot(master.Config{
		Token:                cfg.MasterToken,
		BotUsername:          cfg.MasterBotUsername,
		AdminUserID:          cfg.AdminUserID,
		ReferralThreshold:    cfg.Referral.Threshold,
		BroadcastConcurrency: cfg.Broadcast.Concurrency,
		BroadcastSendDelay:   time.Duration(cfg.Broadcast.SendDelayMS) * time.Millisecond,
	}, store, orch, gen, logger)
	bot.SetMetrics(metrics)

	// Hot-reload tunables on config.yaml changes. Workers read config at
	// spawn time, so new values reach them through the next sweep or
	// provision; the master applies them live.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() == fingerprint {
				continue
			}
			bot.UpdateTunables(
				newCfg.Referral.Threshold,
				newCfg.Broadcast.Concurrency,
				time.Duration(newCfg.Broadcast.SendDelayMS)*time.Millisecond,
			)
			logger.Info("config.yaml hot-reloaded",
				"path", ev.Path,
				"old_fingerprint", fingerprint,
				"new_fingerprint", newCfg.Fingerprint())
			fingerprint = newCfg.Fingerprint()
		}
	}()

	botErr := make(chan error, 1)
	go func() { botErr <- bot.Run(ctx) }()
	logger.Info("startup phase", "phase", "master_serving")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-botErr:
		if err != nil {
			logger.Error("master bot exited", "error", err)
		}
		stop()
	}

	super.StopAll()
	logger.Info("shutdown complete")
}

// quietLogs reports whether logs should skip stdout. Without a terminal
// the JSON stream usually just interleaves with a spawned worker's, so
// it stays file-only unless MIMIC_LOG_STDOUT forces mirroring.
func quietLogs() bool {
	if os.Getenv("MIMIC_LOG_STDOUT") != "" {
		return false
	}
	return !isatty.IsTerminal(os.Stdout.Fd())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"master","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
