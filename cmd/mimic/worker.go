package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/mimic/internal/config"
	"github.com/basket/mimic/internal/generator"
	otelPkg "github.com/basket/mimic/internal/otel"
	"github.com/basket/mimic/internal/telemetry"
	"github.com/basket/mimic/internal/vault"
	"github.com/basket/mimic/internal/worker"
)

// Worker exit codes. The supervisor reads these from the child's exit
// status when deciding what went wrong.
const (
	exitWorkerOK      = 0
	exitWorkerErr     = 1
	exitOwnerOrConfig = 2
	exitNoCloneRecord = 3
)

// runWorkerCommand serves a single clone in a child process. The owner
// id arrives on argv; everything secret (master key, db path) rides the
// environment the supervisor passed through.
func runWorkerCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	ownerID := fs.Int64("owner", 0, "owner user id of the clone to serve")
	if err := fs.Parse(args); err != nil {
		return exitOwnerOrConfig
	}
	if *ownerID == 0 {
		fmt.Fprintln(os.Stderr, "worker: -owner is required")
		return exitOwnerOrConfig
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: load config:", err)
		return exitOwnerOrConfig
	}
	if cfg.MasterKey == "" {
		fmt.Fprintln(os.Stderr, "worker: MIMIC_MASTER_KEY is not set")
		return exitOwnerOrConfig
	}

	component := fmt.Sprintf("worker-%d", *ownerID)
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, component, quietLogs())
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: init logger:", err)
		return exitWorkerErr
	}
	defer closer.Close()
	slog.SetDefault(logger)

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("otel init", "error", err)
		return exitWorkerErr
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("otel metrics", "error", err)
		return exitWorkerErr
	}

	store, err := vault.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return exitWorkerErr
	}
	defer store.Close()

	cipher, err := vault.NewCipher(cfg.MasterKey)
	if err != nil {
		logger.Error("master key unusable", "error", err)
		return exitOwnerOrConfig
	}

	rec, err := store.GetClone(ctx, *ownerID)
	if err != nil {
		if errors.Is(err, vault.ErrCloneNotFound) {
			logger.Error("no clone record for owner", "owner_id", *ownerID)
			return exitNoCloneRecord
		}
		logger.Error("load clone record", "owner_id", *ownerID, "error", err)
		return exitWorkerErr
	}
	if !rec.Active {
		logger.Info("clone is inactive, nothing to serve", "owner_id", *ownerID)
		return exitWorkerOK
	}

	token, err := cipher.Decrypt(rec.TokenEncrypted)
	if err != nil {
		// Fail closed: an unreadable token is never retried. The clone is
		// parked until the owner re-clones with a fresh token.
		logger.Error("token decryption failed, deactivating clone", "owner_id", *ownerID, "error", err)
		if dErr := store.DeactivateClone(ctx, *ownerID); dErr != nil {
			logger.Error("deactivate clone", "owner_id", *ownerID, "error", dErr)
		}
		return exitWorkerErr
	}

	gen := generator.New(ctx, cfg.Generator.APIKeys, cfg.Generator.Model, logger)
	gen.SetMetrics(metrics)

	w := worker.New(worker.Config{
		OwnerID:           *ownerID,
		Token:             token,
		BotUsername:       rec.BotUsername,
		MasterBotUsername: cfg.MasterBotUsername,
		ReferralThreshold: cfg.Referral.Threshold,
		Watermark:         cfg.Referral.Watermark,
		ProbeMinGap:       time.Duration(cfg.Worker.ProbeMinGapSeconds) * time.Second,
		ProbeCronSpec:     cfg.ProbeCronSpec(),
	}, store, gen, logger)
	w.SetMetrics(metrics)

	err = w.Run(ctx)
	switch {
	case err == nil:
		logger.Info("worker exited cleanly", "owner_id", *ownerID)
		return exitWorkerOK
	case errors.Is(err, worker.ErrCredentialRevoked):
		// The worker already deactivated the clone; a clean exit keeps the
		// supervisor from respawning a bot Telegram will only reject.
		logger.Warn("worker exited: credential revoked", "owner_id", *ownerID)
		return exitWorkerOK
	case errors.Is(err, vault.ErrCloneNotFound):
		logger.Warn("worker exited: clone record removed", "owner_id", *ownerID)
		return exitNoCloneRecord
	default:
		logger.Error("worker exited with error", "owner_id", *ownerID, "error", err)
		return exitWorkerErr
	}
}
