package channels

import (
	"context"
	"errors"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/homesteadhq/homestead/internal/fault"
)

// outboxBatchSize bounds rows claimed per poll.
const outboxBatchSize = 20

// drainOutbox is the single outbox drainer. It polls for pending rows,
// formats each per the agent registry, and marks it sent or failed. No
// in-flight state is persisted: a crash mid-send leaves the row pending
// and delivery retries on restart.
func (t *TelegramChannel) drainOutbox(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.OutboxPoll)
	defer ticker.Stop()

	t.logger.Info("outbox drain started",
		"source", "herald.outbox", "poll", t.cfg.OutboxPoll.String())

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("outbox drain stopped", "source", "herald.outbox")
			return
		case <-ticker.C:
			t.drainOnce(ctx)
		}
	}
}

func (t *TelegramChannel) drainOnce(ctx context.Context) {
	msgs, err := t.cfg.Store.ClaimOutboxBatch(ctx, outboxBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("claim outbox batch failed", "source", "herald.outbox", "error", err)
		}
		return
	}
	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		t.deliver(ctx, m.ID, m.ChatID, m.AgentName, m.Body, m.ParseMode)
	}
}

// deliver sends one outbox row with a bounded in-memory retry, then marks
// it terminally. The retry counter is not persisted; a process restart
// resets it, which only means a few extra attempts for a struggling row.
func (t *TelegramChannel) deliver(ctx context.Context, id, chatID int64, agentName, body, parseMode string) {
	text := t.cfg.Registry.Format(agentName, body, parseMode)

	var lastErr error
	for attempt := 1; attempt <= t.cfg.OutboxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = parseMode
		lastErr = t.sendBounded(msg)
		if lastErr == nil {
			if err := t.cfg.Store.MarkOutboxSent(ctx, id, time.Now()); err != nil {
				t.logger.Error("mark outbox sent failed",
					"source", "herald.outbox", "outbox_id", id, "error", err)
			}
			if t.cfg.Metrics != nil {
				t.cfg.Metrics.OutboxDelivered.Add(ctx, 1)
			}
			t.logger.Info("outbox delivered",
				"source", "herald.outbox", "outbox_id", id, "chat_id", chatID, "agent", agentName)
			return
		}

		t.logger.Warn("outbox send attempt failed",
			"source", "herald.outbox", "outbox_id", id, "chat_id", chatID,
			"attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			// Row stays pending; the next process delivers it.
			return
		case <-time.After(500 * time.Millisecond):
		}
	}

	reason := firstWords(lastErr)
	if err := t.cfg.Store.MarkOutboxFailed(ctx, id, reason); err != nil {
		t.logger.Error("mark outbox failed failed",
			"source", "herald.outbox", "outbox_id", id, "error", err)
	}
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.OutboxFailed.Add(ctx, 1)
	}
	t.logger.Error("outbox delivery gave up",
		"source", "herald.outbox", "outbox_id", id, "chat_id", chatID, "reason", reason)
}

func firstWords(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, errTransportTimeout) || fault.IsKind(err, fault.KindTimeout) {
		return "transport_timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}
