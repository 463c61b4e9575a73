// Package worker runs one clone bot in its own process. The master
// spawns a worker per active clone; the worker polls Telegram with the
// clone's own token, answers chat through the generator, and enforces
// the referral-gated watermark.
package worker

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
	"github.com/robfig/cron/v3"

	"github.com/basket/mimic/internal/generator"
	"github.com/basket/mimic/internal/otel"
	"github.com/basket/mimic/internal/vault"
)

// State is the worker lifecycle phase.
type State string

const (
	StateStarting   State = "starting"
	StateServing    State = "serving"
	StateTerminated State = "terminated"
)

// ErrCredentialRevoked means Telegram rejected the clone's token. The
// worker deactivates the clone and exits; the supervisor must not
// respawn it.
var ErrCredentialRevoked = errors.New("clone credential revoked")

// errPollStalled marks a session that saw no traffic within the stall
// window. Quiet chats hit this in normal operation, so the loop
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

// Config is everything a worker needs beyond its store and generator.
type Config struct {
	OwnerID           int64
	Token             string
	BotUsername       string
	MasterBotUsername string

	ReferralThreshold int
	Watermark         string

	// ProbeMinGap rate-limits the pre-message credential probe.
	ProbeMinGap time.Duration
	// ProbeCronSpec drives the background credential probe.
	ProbeCronSpec string
}

// Worker serves a single clone bot.
type Worker struct {
	cfg     Config
	store   *vault.Store
	gen     *generator.Client
	logger  *slog.Logger
	metrics *otel.Metrics

	botMu sync.Mutex
	bot   *tgbotapi.BotAPI

	stateMu sync.Mutex
	state   State

	// send, probe, and dial are seams; production wiring points them at
	// the Telegram API.
	send  func(c tgbotapi.Chattable) error
	probe func(ctx context.Context) error
	dial  func(ctx context.Context) (pollSession, error)

	probeMu   sync.Mutex
	lastProbe time.Time

	// cancel tears down the poll loop when a probe finds the credential
	// revoked or the clone record gone.
	cancel   context.CancelFunc
	exitErr  error
	exitOnce sync.Once
}

func New(cfg Config, store *vault.Store, gen *generator.Client, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeMinGap <= 0 {
		cfg.ProbeMinGap = time.Minute
	}
	w := &Worker{
		cfg:    cfg,
		store:  store,
		gen:    gen,
		logger: logger,
		state:  StateStarting,
	}
	w.send = func(c tgbotapi.Chattable) error {
		bot := w.api()
		if bot == nil {
			return errors.New("telegram session not established")
		}
		_, err := bot.Send(c)
		return err
	}
	w.probe = func(ctx context.Context) error {
		bot := w.api()
		if bot == nil {
			return nil
		}
		_, err := bot.GetMe()
		return err
	}
	w.dial = func(ctx context.Context) (pollSession, error) {
		bot, err := tgbotapi.NewBotAPI(w.cfg.Token)
		if err != nil {
			return nil, err
		}
		w.setAPI(bot)
		return &botSession{bot: bot}, nil
	}
	return w
}

// SetMetrics attaches telemetry instruments. Call before Run.
func (w *Worker) SetMetrics(m *otel.Metrics) {
	w.metrics = m
}

func (w *Worker) api() *tgbotapi.BotAPI {
	w.botMu.Lock()
	defer w.botMu.Unlock()
	return w.bot
}

func (w *Worker) setAPI(bot *tgbotapi.BotAPI) {
	w.botMu.Lock()
	w.bot = bot
	w.botMu.Unlock()
}

func (w *Worker) recordCredentialFailure(ctx context.Context) {
	if w.metrics != nil {
		w.metrics.CredentialFailures.Add(ctx, 1)
	}
}

func (w *Worker) State() State {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
}

// terminate records the first exit cause and cancels the poll loop.
func (w *Worker) terminate(err error) {
	w.exitOnce.Do(func() {
		w.exitErr = err
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// Run connects to Telegram and serves updates until ctx is canceled or
// the credential dies. Each reconnect dials a fresh session; an auth
// failure while dialing counts as a revoked credential and deactivates
// the clone before returning.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancel = cancel

	sched := cron.New()
	if w.cfg.ProbeCronSpec != "" {
		if _, err := sched.AddFunc(w.cfg.ProbeCronSpec, func() { w.backgroundProbe(ctx) }); err != nil {
			w.logger.Warn("invalid probe cron spec", "spec", w.cfg.ProbeCronSpec, "error", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	var sess pollSession
	for {
		if ctx.Err() != nil {
			break
		}

		if sess == nil {
			s, err := w.dial(ctx)
			if err != nil {
				if isRevokedError(err) {
					w.recordCredentialFailure(ctx)
					w.deactivate(context.Background())
					w.terminate(fmt.Errorf("%w: %v", ErrCredentialRevoked, err))
					break
				}
				w.logger.Warn("telegram dial failed, retrying", "owner_id", w.cfg.OwnerID, "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
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
			if w.State() == StateStarting {
				w.setState(StateServing)
				w.logger.Info("clone worker serving", "owner_id", w.cfg.OwnerID, "bot", w.cfg.BotUsername)
			}
		}

		pollErr := w.pollUpdates(ctx, sess.Updates())
		sess.Stop()
		sess = nil
		if pollErr == nil {
			break
		}
		if errors.Is(pollErr, errPollStalled) {
			w.logger.Debug("long-poll stalled, re-dialing", "owner_id", w.cfg.OwnerID)
			continue
		}
		w.logger.Warn("clone poll disconnected, reconnecting", "owner_id", w.cfg.OwnerID, "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	w.setState(StateTerminated)
	return w.exitErr
}

// pollUpdates reads updates until ctx is done, the channel closes, or
// nothing arrives within 2.5x the long-poll timeout. Idle chats trip
// the stall case routinely, so it is reported as errPollStalled rather
// than a disconnect.
func (w *Worker) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
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
				w.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return errPollStalled
		}
	}
}

// handleMessage processes one inbound message. Clone state is re-read
// from the store each time so a master-side edit or deactivation takes
// effect on the very next message.
func (w *Worker) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.From == nil {
		return
	}
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.MessageDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	rec, err := w.store.GetClone(ctx, w.cfg.OwnerID)
	if err != nil {
		if errors.Is(err, vault.ErrCloneNotFound) {
			w.logger.Warn("clone record gone, terminating", "owner_id", w.cfg.OwnerID)
			w.terminate(vault.ErrCloneNotFound)
			return
		}
		w.logger.Error("load clone record", "owner_id", w.cfg.OwnerID, "error", err)
		return
	}
	if !rec.Active {
		w.logger.Info("clone deactivated, terminating", "owner_id", w.cfg.OwnerID)
		w.terminate(nil)
		return
	}

	if err := w.preMessageProbe(ctx); err != nil {
		w.recordCredentialFailure(ctx)
		w.reply(msg.Chat.ID, "This bot's credential is no longer valid. Ask the owner to re-clone.")
		w.deactivate(ctx)
		w.terminate(fmt.Errorf("%w: %v", ErrCredentialRevoked, err))
		return
	}

	if msg.IsCommand() {
		w.handleCommand(ctx, msg, rec)
		return
	}
	w.handleChat(ctx, msg, rec)
}

// requireOwner is the single ownership gate for clone commands.
func (w *Worker) requireOwner(msg *tgbotapi.Message) bool {
	if msg.From.ID == w.cfg.OwnerID {
		return true
	}
	w.reply(msg.Chat.ID, "Only this bot's owner can use that command.")
	return false
}

func (w *Worker) handleCommand(ctx context.Context, msg *tgbotapi.Message, rec *vault.CloneRecord) {
	switch msg.Command() {
	case "start":
		w.reply(msg.Chat.ID, fmt.Sprintf("Hi! I'm @%s. Just send me a message.", rec.BotUsername))

	case "set_instructions":
		if !w.requireOwner(msg) {
			return
		}
		args := strings.TrimSpace(msg.CommandArguments())
		if args == "" {
			current := rec.Instructions
			if current == "" {
				current = "(none)"
			}
			w.reply(msg.Chat.ID, "Current instructions:\n"+current+"\n\nUse /set_instructions <text> to change them.")
			return
		}
		if err := w.store.SetInstructions(ctx, w.cfg.OwnerID, args); err != nil {
			w.logger.Error("set instructions", "owner_id", w.cfg.OwnerID, "error", err)
			w.reply(msg.Chat.ID, "Could not save instructions, try again.")
			return
		}
		w.reply(msg.Chat.ID, "Instructions updated.")

	case "clear_instructions":
		if !w.requireOwner(msg) {
			return
		}
		if err := w.store.SetInstructions(ctx, w.cfg.OwnerID, ""); err != nil {
			w.logger.Error("clear instructions", "owner_id", w.cfg.OwnerID, "error", err)
			w.reply(msg.Chat.ID, "Could not clear instructions, try again.")
			return
		}
		w.reply(msg.Chat.ID, "Instructions cleared.")

	case "share":
		if !w.requireOwner(msg) {
			return
		}
		w.sendShare(ctx, msg.Chat.ID)

	default:
		w.reply(msg.Chat.ID, "Unknown command.")
	}
}

// shareMessage builds the referral pitch and the owner's deep link. An
// empty link means the message is an error string.
func (w *Worker) shareMessage(ctx context.Context) (string, string) {
	code, err := w.store.IssueReferralCode(ctx, w.cfg.OwnerID)
	if err != nil {
		w.logger.Error("issue referral code", "owner_id", w.cfg.OwnerID, "error", err)
		return "Could not build your share link, try again.", ""
	}
	state, err := w.store.GetReferral(ctx, w.cfg.OwnerID)
	if err != nil {
		w.logger.Error("read referral state", "owner_id", w.cfg.OwnerID, "error", err)
		return "Could not read your referral progress, try again.", ""
	}
	link := fmt.Sprintf("https://t.me/%s?start=%s", w.cfg.MasterBotUsername, code)
	if state.Verified {
		return fmt.Sprintf("Your watermark is already removed. Share anyway: %s", link), link
	}
	return fmt.Sprintf("Share this link with friends:\n%s\n\nProgress: %d/%d joins to remove the watermark.",
		link, state.Count, w.cfg.ReferralThreshold), link
}

// sendShare delivers the referral pitch with a one-tap share button.
func (w *Worker) sendShare(ctx context.Context, chatID int64) {
	text, link := w.shareMessage(ctx)
	msg := tgbotapi.NewMessage(chatID, text)
	if link != "" {
		msg.ReplyMarkup = shareKeyboard(link)
	}
	if err := w.send(msg); err != nil {
		w.logger.Error("send share message", "owner_id", w.cfg.OwnerID, "error", err)
	}
}

// shareKeyboard builds the inline button that opens Telegram's native
// share sheet pre-filled with the referral link.
func shareKeyboard(link string) tgbotapi.InlineKeyboardMarkup {
	shareURL := fmt.Sprintf("https://t.me/share/url?url=%s&text=%s",
		url.QueryEscape(link),
		url.QueryEscape("Check out my personal AI bot!"))
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Share with friends", shareURL),
		),
	)
}

// handleChat dispatches generation off the intake goroutine so a slow
// model call never blocks update polling.
func (w *Worker) handleChat(ctx context.Context, msg *tgbotapi.Message, rec *vault.CloneRecord) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	instructions := rec.Instructions

	go func() {
		start := time.Now()
		prompt := generator.BuildPrompt(instructions, text)
		reply, err := w.gen.Generate(ctx, prompt)
		if err != nil {
			if errors.Is(err, generator.ErrQuotaExceeded) {
				w.reply(chatID, "I'm a bit busy right now, please try again in a moment.")
			} else {
				w.logger.Error("generation failed", "owner_id", w.cfg.OwnerID, "error", err)
				w.reply(chatID, "Something went wrong, please try again.")
			}
			return
		}
		w.logger.Debug("generated reply", "owner_id", w.cfg.OwnerID, "duration", time.Since(start))

		verified, err := w.store.IsVerified(ctx, w.cfg.OwnerID)
		if err != nil {
			w.logger.Warn("read verified flag", "owner_id", w.cfg.OwnerID, "error", err)
		}
		w.reply(chatID, ApplyWatermark(reply, verified, w.cfg.Watermark))
	}()
}

// ApplyWatermark appends the watermark suffix to a reply while the
// owner's referral is unverified.
func ApplyWatermark(reply string, verified bool, watermark string) string {
	if verified || watermark == "" {
		return reply
	}
	return reply + watermark
}

func (w *Worker) reply(chatID int64, text string) {
	if text == "" {
		return
	}
	if err := w.send(tgbotapi.NewMessage(chatID, text)); err != nil {
		w.logger.Error("send clone reply", "owner_id", w.cfg.OwnerID, "error", err)
	}
}

func (w *Worker) deactivate(ctx context.Context) {
	if err := w.store.DeactivateClone(ctx, w.cfg.OwnerID); err != nil {
		w.logger.Error("deactivate clone", "owner_id", w.cfg.OwnerID, "error", err)
	}
}
