// Package master runs the front-door bot: clone onboarding, referral
// deep-links, persona commands, and the admin broadcast.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/mimic/internal/generator"
	"github.com/basket/mimic/internal/otel"
	"github.com/basket/mimic/internal/vault"
)

// Provisioner validates a token and brings the owner's clone online.
// Satisfied by orchestrator.Orchestrator.
type Provisioner interface {
	ProvisionClone(ctx context.Context, ownerID int64, token string) (string, error)
}

// convStep is where a user is in the /clone conversation.
type convStep int

const (
	stepNone convStep = iota
	stepAwaitToken
	stepAwaitInstructions
)

type conversation struct {
	step convStep
	// ownerID's clone was provisioned in this conversation; instructions
	// collected next apply to it.
	provisionedUsername string
}

// Config holds the master bot's settings.
type Config struct {
	Token             string
	BotUsername       string
	AdminUserID       int64
	ReferralThreshold int

	BroadcastConcurrency int
	BroadcastSendDelay   time.Duration
}

// errPollStalled marks a session that saw no traffic within the stall
// window. Idle periods hit this in normal operation, so the loop
// re-dials without backoff and without counting it as a failure.
var errPollStalled = errors.New("long-poll session stalled")

// pollSession is one long-poll connection to Telegram. A session cannot
// be reused after Stop: the client library shuts its update stream down
// permanently, so every reconnect dials a fresh session.
type pollSession interface {
	Updates() tgbotapi.UpdatesChannel
	Stop()
}

type botSession struct{ bot *tgbotapi.BotAPI }

func (s *botSession) Updates() tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	return s.bot.GetUpdatesChan(u)
}

func (s *botSession) Stop() { s.bot.StopReceivingUpdates() }

// Bot is the master-side Telegram front end.
type Bot struct {
	cfg     Config
	store   *vault.Store
	orch    Provisioner
	gen     *generator.Client
	logger  *slog.Logger
	metrics *otel.Metrics

	botMu sync.Mutex
	bot   *tgbotapi.BotAPI

	// tunables guarded separately so a config hot-reload can adjust them
	// while updates are being served.
	tunMu        sync.RWMutex
	refThreshold int
	bcastWidth   int
	bcastDelay   time.Duration

	convMu sync.Mutex
	convs  map[int64]*conversation

	// send and dial are transport seams, pointed at the Telegram API in
	// production wiring.
	send func(c tgbotapi.Chattable) error
	dial func(ctx context.Context) (pollSession, error)
}

func NewBot(cfg Config, store *vault.Store, orch Provisioner, gen *generator.Client, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReferralThreshold <= 0 {
		cfg.ReferralThreshold = 5
	}
	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = 8
	}
	if cfg.BroadcastSendDelay < 0 {
		cfg.BroadcastSendDelay = 0
	}
	b := &Bot{
		cfg:          cfg,
		store:        store,
		orch:         orch,
		gen:          gen,
		logger:       logger,
		refThreshold: cfg.ReferralThreshold,
		bcastWidth:   cfg.BroadcastConcurrency,
		bcastDelay:   cfg.BroadcastSendDelay,
		convs:        make(map[int64]*conversation),
	}
	b.send = func(c tgbotapi.Chattable) error {
		bot := b.api()
		if bot == nil {
			return errors.New("telegram session not established")
		}
		_, err := bot.Send(c)
		return err
	}
	b.dial = func(ctx context.Context) (pollSession, error) {
		bot, err := tgbotapi.NewBotAPI(b.cfg.Token)
		if err != nil {
			return nil, err
		}
		b.botMu.Lock()
		b.bot = bot
		b.botMu.Unlock()
		if b.cfg.BotUsername == "" {
			b.cfg.BotUsername = bot.Self.UserName
		}
		return &botSession{bot: bot}, nil
	}
	return b
}

// SetMetrics attaches telemetry instruments. Call before Run.
func (b *Bot) SetMetrics(m *otel.Metrics) {
	b.metrics = m
}

func (b *Bot) api() *tgbotapi.BotAPI {
	b.botMu.Lock()
	defer b.botMu.Unlock()
	return b.bot
}

func (b *Bot) threshold() int {
	b.tunMu.RLock()
	defer b.tunMu.RUnlock()
	return b.refThreshold
}

func (b *Bot) broadcastWidth() (int, time.Duration) {
	b.tunMu.RLock()
	defer b.tunMu.RUnlock()
	return b.bcastWidth, b.bcastDelay
}

// UpdateTunables applies hot-reloaded config values. Non-positive
// threshold or concurrency keeps the current setting; a negative delay
// keeps the current delay.
func (b *Bot) UpdateTunables(threshold, concurrency int, delay time.Duration) {
	b.tunMu.Lock()
	defer b.tunMu.Unlock()
	if threshold > 0 {
		b.refThreshold = threshold
	}
	if concurrency > 0 {
		b.bcastWidth = concurrency
	}
	if delay >= 0 {
		b.bcastDelay = delay
	}
}

// Run connects and serves updates until ctx is canceled, reconnecting
// with exponential backoff on transport failures. Every reconnect
// dials a fresh session; a stopped session cannot be reused.
func (b *Bot) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	started := false
	var sess pollSession
	for {
		if ctx.Err() != nil {
			return nil
		}

		if sess == nil {
			s, err := b.dial(ctx)
			if err != nil {
				if generator.ClassifyError(err) == generator.ErrorClassAuth {
					return fmt.Errorf("master token rejected: %w", err)
				}
				b.logger.Warn("telegram dial failed, retrying", "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			sess = s
			backoff = time.Second
			if !started {
				started = true
				b.logger.Info("master bot started", "user", b.cfg.BotUsername)
			}
		}

		pollErr := b.pollUpdates(ctx, sess.Updates())
		sess.Stop()
		sess = nil
		if pollErr == nil {
			return nil
		}
		if errors.Is(pollErr, errPollStalled) {
			b.logger.Debug("long-poll stalled, re-dialing")
			continue
		}
		b.logger.Warn("master poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bot) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return errPollStalled
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	start := time.Now()
	defer func() {
		if b.metrics != nil {
			b.metrics.MessageDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()
	userID := msg.From.ID

	// Every private interaction keeps the broadcast roster current.
	if msg.Chat.IsPrivate() {
		if err := b.store.TrackSubscriber(ctx, userID, msg.From.UserName); err != nil {
			b.logger.Warn("track subscriber", "user_id", userID, "error", err)
		}
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	// A pending conversation consumes plain text first.
	if b.continueConversation(ctx, msg) {
		return
	}
	b.handleChat(ctx, msg)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.clearConversation(userID)
		b.handleStart(ctx, msg, args)

	case "clone":
		b.setConversation(userID, &conversation{step: stepAwaitToken})
		b.reply(chatID, "Send me your bot token from @BotFather.\nUse /cancel to abort.")

	case "cancel":
		if b.clearConversation(userID) {
			b.reply(chatID, "Canceled.")
		} else {
			b.reply(chatID, "Nothing to cancel.")
		}

	case "set_instructions":
		b.handleSetInstructions(ctx, userID, chatID, args)

	case "clear_instructions":
		if err := b.store.SetInstructions(ctx, userID, ""); err != nil {
			if errors.Is(err, vault.ErrCloneNotFound) {
				b.reply(chatID, "You don't have a clone yet. Use /clone first.")
				return
			}
			b.logger.Error("clear instructions", "user_id", userID, "error", err)
			b.reply(chatID, "Could not clear instructions, try again.")
			return
		}
		b.reply(chatID, "Instructions cleared.")

	case "share":
		b.sendShare(ctx, chatID, userID)

	case "mystatus":
		b.reply(chatID, b.statusMessage(ctx, userID))

	case "broadcast":
		b.handleBroadcast(ctx, msg, args)

	case "user_count":
		b.handleUserCount(ctx, msg)

	case "stop":
		if err := b.store.OptOutSubscriber(ctx, userID); err != nil {
			b.logger.Warn("opt out", "user_id", userID, "error", err)
		}
		b.reply(chatID, "You won't receive announcements anymore. Any message opts you back in.")

	default:
		b.reply(chatID, "Unknown command. Try /clone, /share, or /set_instructions.")
	}
}

// handleStart greets the user and consumes a referral deep-link payload
// when present.
func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message, payload string) {
	chatID := msg.Chat.ID
	if payload != "" {
		b.consumeReferral(ctx, msg.From.ID, payload)
	}
	b.reply(chatID, fmt.Sprintf(
		"Welcome! I can clone you a personal AI bot.\n\n"+
			"/clone - create your own bot\n"+
			"/set_instructions - give it a personality\n"+
			"/share - invite friends, remove the watermark\n"+
			"/mystatus - your clone and referral progress"))
}

func (b *Bot) consumeReferral(ctx context.Context, joinerID int64, code string) {
	referrerID, err := b.store.ResolveReferralCode(ctx, code)
	if err != nil {
		if !errors.Is(err, vault.ErrReferralCodeNotFound) {
			b.logger.Warn("resolve referral code", "error", err)
		}
		return
	}
	credit, err := b.store.RecordReferral(ctx, referrerID, joinerID, b.threshold())
	if err != nil {
		b.logger.Error("record referral", "referrer_id", referrerID, "error", err)
		return
	}
	if !credit.Credited {
		return
	}
	b.logger.Info("referral credited", "referrer_id", referrerID, "count", credit.Count)
	if credit.Unlocked {
		b.notify(referrerID, fmt.Sprintf(
			"🎉 %d friends joined through your link! The watermark is now removed from your clone's replies.",
			credit.Count))
	} else {
		b.notify(referrerID, fmt.Sprintf(
			"A friend joined through your link! Progress: %d/%d.",
			credit.Count, b.threshold()))
	}
}

func (b *Bot) handleSetInstructions(ctx context.Context, userID, chatID int64, args string) {
	if args == "" {
		rec, err := b.store.GetClone(ctx, userID)
		if err != nil {
			if errors.Is(err, vault.ErrCloneNotFound) {
				b.reply(chatID, "You don't have a clone yet. Use /clone first.")
				return
			}
			b.logger.Error("get clone", "user_id", userID, "error", err)
			b.reply(chatID, "Could not read your clone, try again.")
			return
		}
		current := rec.Instructions
		if current == "" {
			current = "(none)"
		}
		b.reply(chatID, "Current instructions:\n"+current+"\n\nUse /set_instructions <text> to change them.")
		return
	}
	if err := b.store.SetInstructions(ctx, userID, args); err != nil {
		if errors.Is(err, vault.ErrCloneNotFound) {
			b.reply(chatID, "You don't have a clone yet. Use /clone first.")
			return
		}
		b.logger.Error("set instructions", "user_id", userID, "error", err)
		b.reply(chatID, "Could not save instructions, try again.")
		return
	}
	b.reply(chatID, "Instructions updated.")
}

// continueConversation advances a pending /clone flow. Returns false
// when the user has no conversation in flight.
func (b *Bot) continueConversation(ctx context.Context, msg *tgbotapi.Message) bool {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	b.convMu.Lock()
	conv := b.convs[userID]
	b.convMu.Unlock()
	if conv == nil {
		return false
	}

	switch conv.step {
	case stepAwaitToken:
		username, err := b.orch.ProvisionClone(ctx, userID, text)
		if err != nil {
			b.logger.Warn("clone provisioning rejected", "user_id", userID, "error", err)
			b.reply(chatID, "That token didn't work. Check it with @BotFather and send it again, or /cancel.")
			return true
		}
		conv.step = stepAwaitInstructions
		conv.provisionedUsername = username
		b.reply(chatID, fmt.Sprintf(
			"Done! @%s is alive.\n\nNow send instructions for its personality, or /cancel to keep the default.",
			username))
		return true

	case stepAwaitInstructions:
		b.clearConversation(userID)
		if err := b.store.SetInstructions(ctx, userID, text); err != nil {
			b.logger.Error("set instructions after clone", "user_id", userID, "error", err)
			b.reply(chatID, "Your clone is running, but saving instructions failed. Use /set_instructions to retry.")
			return true
		}
		b.reply(chatID, fmt.Sprintf("Saved. @%s will follow those instructions.\n\nUse /share to remove the watermark.", conv.provisionedUsername))
		return true
	}
	return false
}

// handleChat answers plain text with the generator, using the user's
// own clone instructions when they have a clone.
func (b *Bot) handleChat(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	instructions := ""
	if rec, err := b.store.GetClone(ctx, msg.From.ID); err == nil {
		instructions = rec.Instructions
	}

	go func() {
		reply, err := b.gen.Generate(ctx, generator.BuildPrompt(instructions, text))
		if err != nil {
			if errors.Is(err, generator.ErrQuotaExceeded) {
				b.reply(chatID, "I'm a bit busy right now, please try again in a moment.")
			} else {
				b.logger.Error("master generation failed", "error", err)
				b.reply(chatID, "Something went wrong, please try again.")
			}
			return
		}
		b.reply(chatID, reply)
	}()
}

// shareMessage builds the referral pitch and the user's deep link. An
// empty link means the message is an error string.
func (b *Bot) shareMessage(ctx context.Context, userID int64) (string, string) {
	code, err := b.store.IssueReferralCode(ctx, userID)
	if err != nil {
		b.logger.Error("issue referral code", "user_id", userID, "error", err)
		return "Could not build your share link, try again.", ""
	}
	state, err := b.store.GetReferral(ctx, userID)
	if err != nil {
		b.logger.Error("read referral state", "user_id", userID, "error", err)
		return "Could not read your referral progress, try again.", ""
	}
	link := fmt.Sprintf("https://t.me/%s?start=%s", b.cfg.BotUsername, code)
	if state.Verified {
		return fmt.Sprintf("Your watermark is already removed. Share anyway: %s", link), link
	}
	return fmt.Sprintf("Share this link with friends:\n%s\n\nProgress: %d/%d joins to remove the watermark.",
		link, state.Count, b.threshold()), link
}

// sendShare delivers the referral pitch with a one-tap share button.
func (b *Bot) sendShare(ctx context.Context, chatID, userID int64) {
	text, link := b.shareMessage(ctx, userID)
	msg := tgbotapi.NewMessage(chatID, text)
	if link != "" {
		msg.ReplyMarkup = shareKeyboard(link)
	}
	if err := b.send(msg); err != nil {
		b.logger.Error("send share message", "user_id", userID, "error", err)
	}
}

// shareKeyboard builds the inline button that opens Telegram's native
// share sheet pre-filled with the referral link.
func shareKeyboard(link string) tgbotapi.InlineKeyboardMarkup {
	shareURL := fmt.Sprintf("https://t.me/share/url?url=%s&text=%s",
		url.QueryEscape(link),
		url.QueryEscape("Get your own personal AI bot!"))
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Share with friends", shareURL),
		),
	)
}

func (b *Bot) statusMessage(ctx context.Context, userID int64) string {
	rec, err := b.store.GetClone(ctx, userID)
	if errors.Is(err, vault.ErrCloneNotFound) {
		return "You don't have a clone yet. Use /clone to create one."
	}
	if err != nil {
		b.logger.Error("get clone", "user_id", userID, "error", err)
		return "Could not read your clone, try again."
	}
	state, err := b.store.GetReferral(ctx, userID)
	if err != nil {
		b.logger.Error("get referral", "user_id", userID, "error", err)
		return "Could not read your referral progress, try again."
	}

	active := "stopped"
	if rec.Active {
		active = "running"
	}
	watermark := fmt.Sprintf("on (%d/%d joins)", state.Count, b.threshold())
	if state.Verified {
		watermark = "removed"
	}
	return fmt.Sprintf("Clone: @%s (%s)\nWatermark: %s", rec.BotUsername, active, watermark)
}

func (b *Bot) reply(chatID int64, text string) {
	if text == "" {
		return
	}
	if err := b.send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("send master reply", "error", err)
	}
}

// notify best-effort messages a user outside a reply context.
func (b *Bot) notify(userID int64, text string) {
	if err := b.send(tgbotapi.NewMessage(userID, text)); err != nil {
		b.logger.Debug("notify failed", "user_id", userID, "error", err)
	}
}

func (b *Bot) setConversation(userID int64, conv *conversation) {
	b.convMu.Lock()
	b.convs[userID] = conv
	b.convMu.Unlock()
}

func (b *Bot) clearConversation(userID int64) bool {
	b.convMu.Lock()
	_, ok := b.convs[userID]
	delete(b.convs, userID)
	b.convMu.Unlock()
	return ok
}
