// Package orchestrator provisions clone bots and supervises their
// worker processes. It is the only component that handles plaintext
// bot tokens, and only long enough to validate and seal them.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/mimic/internal/generator"
	"github.com/basket/mimic/internal/vault"
)

// Orchestrator ties credential validation, the vault, and the worker
// supervisor together.
type Orchestrator struct {
	store  *vault.Store
	cipher *vault.Cipher
	super  *Supervisor
	logger *slog.Logger

	// validate checks a bot token against Telegram and returns the bot
	// username. Overridden in tests.
	validate func(ctx context.Context, token string) (string, error)
}

func New(store *vault.Store, cipher *vault.Cipher, super *Supervisor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		cipher:   cipher,
		super:    super,
		logger:   logger,
		validate: validateWithTelegram,
	}
}

func validateWithTelegram(_ context.Context, token string) (string, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		if generator.ClassifyError(err) == generator.ErrorClassAuth ||
			strings.Contains(strings.ToLower(err.Error()), "not found") {
			return "", fmt.Errorf("token rejected: %w", err)
		}
		return "", fmt.Errorf("telegram unreachable, try again: %w", err)
	}
	return bot.Self.UserName, nil
}

// ValidateCredential checks a candidate token with Telegram and returns
// the bot's username. The token is never persisted here.
func (o *Orchestrator) ValidateCredential(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return o.validate(ctx, token)
}

// ProvisionClone validates, seals, and stores the owner's token, then
// (re)starts the worker. An existing worker for the owner is stopped
// first so the old token can never keep serving.
func (o *Orchestrator) ProvisionClone(ctx context.Context, ownerID int64, token string) (string, error) {
	username, err := o.ValidateCredential(ctx, token)
	if err != nil {
		return "", err
	}

	sealed, err := o.cipher.Encrypt(token)
	if err != nil {
		return "", fmt.Errorf("seal token: %w", err)
	}
	if err := o.store.SaveClone(ctx, ownerID, username, sealed); err != nil {
		return "", err
	}

	if err := o.super.Start(ctx, ownerID); err != nil {
		// The clone is stored; the sweep will pick it up.
		o.logger.Error("worker start after provision failed", "owner_id", ownerID, "error", err)
	}
	return username, nil
}

// DecommissionClone deactivates the clone and stops its worker.
func (o *Orchestrator) DecommissionClone(ctx context.Context, ownerID int64) error {
	if err := o.store.DeactivateClone(ctx, ownerID); err != nil {
		return err
	}
	o.super.Stop(ownerID)
	return nil
}

// ReconcileOnStartup spawns a worker for every active clone. Failures
// are per tenant: one owner's bad record never blocks the rest.
func (o *Orchestrator) ReconcileOnStartup(ctx context.Context) error {
	clones, err := o.store.ListActiveClones(ctx)
	if err != nil {
		return fmt.Errorf("list active clones: %w", err)
	}

	started := 0
	for _, clone := range clones {
		if err := o.super.Start(ctx, clone.OwnerID); err != nil {
			o.logger.Error("startup spawn failed", "owner_id", clone.OwnerID, "error", err)
			continue
		}
		started++
	}
	o.logger.Info("startup reconcile complete", "active_clones", len(clones), "workers_started", started)
	return nil
}

// SweepOnce runs one supervisor health pass, restarting dead workers
// whose clone rows are still active.
func (o *Orchestrator) SweepOnce(ctx context.Context) {
	o.super.Sweep(ctx, func(ownerID int64) bool {
		rec, err := o.store.GetClone(ctx, ownerID)
		if err != nil {
			return false
		}
		return rec.Active
	})
}
