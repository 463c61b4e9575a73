package master

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BroadcastResult summarizes one fan-out.
type BroadcastResult struct {
	Sent    int
	Failed  int
	Removed int
}

// requireAdmin gates the operator-only commands.
func (b *Bot) requireAdmin(msg *tgbotapi.Message) bool {
	if b.cfg.AdminUserID != 0 && msg.From.ID == b.cfg.AdminUserID {
		return true
	}
	b.reply(msg.Chat.ID, "That command is admin-only.")
	return false
}

func (b *Bot) handleBroadcast(ctx context.Context, msg *tgbotapi.Message, text string) {
	if !b.requireAdmin(msg) {
		return
	}
	if text == "" {
		b.reply(msg.Chat.ID, "Usage: /broadcast <message>")
		return
	}

	subscribers, err := b.store.ListSubscribers(ctx)
	if err != nil {
		b.logger.Error("list subscribers", "error", err)
		b.reply(msg.Chat.ID, "Could not load the subscriber list.")
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Broadcasting to %d users...", len(subscribers)))

	go func() {
		res := b.Broadcast(ctx, subscribers, text)
		b.reply(msg.Chat.ID, fmt.Sprintf(
			"Broadcast finished: %d sent, %d failed, %d removed.",
			res.Sent, res.Failed, res.Removed))
	}()
}

func (b *Bot) handleUserCount(ctx context.Context, msg *tgbotapi.Message) {
	if !b.requireAdmin(msg) {
		return
	}
	count, err := b.store.CountSubscribers(ctx)
	if err != nil {
		b.logger.Error("count subscribers", "error", err)
		b.reply(msg.Chat.ID, "Could not count subscribers.")
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Active subscribers: %d", count))
}

// Broadcast fans text out to the given users through a bounded-width
// gate with a per-send delay, keeping the Telegram rate limiter happy.
// Dead chats (user blocked the bot or deleted the account) are pruned
// from the roster as they surface.
func (b *Bot) Broadcast(ctx context.Context, userIDs []int64, text string) BroadcastResult {
	width, delay := b.broadcastWidth()
	gate := make(chan struct{}, width)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var res BroadcastResult

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			break
		}
		gate <- struct{}{}
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			defer func() { <-gate }()

			err := b.send(tgbotapi.NewMessage(userID, text))

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				res.Sent++
				if b.metrics != nil {
					b.metrics.BroadcastSends.Add(ctx, 1)
				}
				return
			}
			res.Failed++
			if isDeadChatError(err) {
				if rmErr := b.store.RemoveSubscriber(ctx, userID); rmErr != nil {
					b.logger.Warn("remove dead subscriber", "user_id", userID, "error", rmErr)
					return
				}
				res.Removed++
				if b.metrics != nil {
					b.metrics.BroadcastRemovals.Add(ctx, 1)
				}
				b.logger.Info("removed dead subscriber", "user_id", userID)
				return
			}
			b.logger.Warn("broadcast send failed", "user_id", userID, "error", err)
		}(userID)

		if delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}
	wg.Wait()
	return res
}

// isDeadChatError matches Telegram's responses for chats that can no
// longer receive messages.
func isDeadChatError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blocked") ||
		strings.Contains(msg, "chat not found") ||
		strings.Contains(msg, "user is deactivated") ||
		strings.Contains(msg, "bot can't initiate conversation")
}
