// Package channels holds the user-facing chat drivers. The Telegram driver
// is the bot surface: it binds inbound messages to sessions, feeds the turn
// queue, streams model output through progressive message edits, and is the
// single drainer of the outbox.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/homesteadhq/homestead/internal/agents"
	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/dispatch"
	"github.com/homesteadhq/homestead/internal/otel"
	"github.com/homesteadhq/homestead/internal/persistence"
	"github.com/homesteadhq/homestead/internal/turnqueue"
)

// guardSlack is added to the dispatcher's inner timeout to form the outer
// guard; if the dispatcher fails to return within it, the turn is failed
// forcibly.
const guardSlack = 30 * time.Second

// sender is the slice of the Telegram API the driver uses. Satisfied by
// *tgbotapi.BotAPI; tests substitute a fake.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Config struct {
	Token      string
	AllowedIDs []int64

	Store      *persistence.Store
	Queue      *turnqueue.Queue
	Dispatcher *dispatch.Dispatcher
	Registry   *agents.Registry

	// DefaultModel is the tag assigned to sessions created on first
	// contact; KnownModelTag validates /model arguments.
	DefaultModel  string
	KnownModelTag func(string) bool

	InactivityWindow time.Duration // session rotation window
	TurnTimeout      time.Duration // dispatcher's inner timeout, for the outer guard
	OutboxPoll       time.Duration
	OutboxRetries    int
	TransportTimeout time.Duration

	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
}

// TelegramChannel is the bot channel driver. Construct exactly one: it is
// the sole outbox drainer.
type TelegramChannel struct {
	cfg        Config
	allowedIDs map[int64]struct{}
	bot        sender
	api        *tgbotapi.BotAPI
	logger     *slog.Logger
}

func NewTelegram(cfg Config) *TelegramChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = 4 * time.Hour
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 300 * time.Second
	}
	if cfg.OutboxPoll <= 0 {
		cfg.OutboxPoll = 2 * time.Second
	}
	if cfg.OutboxRetries <= 0 {
		cfg.OutboxRetries = 3
	}
	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = 10 * time.Second
	}
	if cfg.KnownModelTag == nil {
		cfg.KnownModelTag = func(string) bool { return false }
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		cfg:        cfg,
		allowedIDs: allowed,
		logger:     cfg.Logger,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start connects the bot and blocks polling updates until ctx is done.
// The outbox drain loop runs alongside for the lifetime of the channel.
func (t *TelegramChannel) Start(ctx context.Context) error {
	api, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	t.api = api
	t.bot = api
	t.logger.Info("telegram bot started", "source", "herald.bot", "user", api.Self.UserName)

	go t.drainOutbox(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := api.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		api.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting",
				"source", "herald.bot", "error", pollErr, "backoff", backoff.String())
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
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or no
// updates arrive within 2.5x the long-poll timeout (the library blocks
// rather than closing the channel on a dead connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
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

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"source", "herald.bot",
					"user_id", update.Message.From.ID,
					"user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		t.handleCommand(ctx, msg)
		return
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	t.handleTurn(ctx, msg, content)
}

func (t *TelegramChannel) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "new":
		name := args
		if name == "" {
			name = t.nextSessionName(ctx, chatID)
		}
		sess, err := t.cfg.Store.CreateSession(ctx, chatID, name, t.cfg.DefaultModel, msg.From.ID)
		if err != nil {
			t.reply(chatID, commandError("create session", err))
			return
		}
		t.reply(chatID, fmt.Sprintf("Session %q is now active (model %s).", sess.Name, sess.Model))

	case "sessions":
		sessions, err := t.cfg.Store.ListSessions(ctx, chatID)
		if err != nil {
			t.reply(chatID, commandError("list sessions", err))
			return
		}
		if len(sessions) == 0 {
			t.reply(chatID, "No sessions yet. Send a message to start one.")
			return
		}
		var b strings.Builder
		for _, s := range sessions {
			marker := "  "
			if s.IsActive {
				marker = "* "
			}
			fmt.Fprintf(&b, "%s%s — %s, %d messages\n", marker, s.Name, s.Model, s.MessageCount)
		}
		t.reply(chatID, b.String())

	case "switch":
		if args == "" {
			t.reply(chatID, "Usage: /switch <name>")
			return
		}
		if err := t.cfg.Store.ActivateSession(ctx, chatID, args); err != nil {
			t.reply(chatID, commandError("switch session", err))
			return
		}
		t.reply(chatID, fmt.Sprintf("Switched to session %q.", args))

	case "model":
		if args == "" {
			t.reply(chatID, "Usage: /model <tag>")
			return
		}
		if !t.cfg.KnownModelTag(args) {
			t.reply(chatID, fmt.Sprintf("Unknown model tag %q.", args))
			return
		}
		sess, err := t.cfg.Store.ActiveSession(ctx, chatID)
		if err != nil {
			t.reply(chatID, commandError("find active session", err))
			return
		}
		if err := t.cfg.Store.SetSessionModel(ctx, chatID, sess.Name, args); err != nil {
			t.reply(chatID, commandError("set model", err))
			return
		}
		t.reply(chatID, fmt.Sprintf("Session %q now uses %s.", sess.Name, args))

	case "reset":
		name := t.nextSessionName(ctx, chatID)
		sess, err := t.cfg.Store.CreateSession(ctx, chatID, name, t.cfg.DefaultModel, msg.From.ID)
		if err != nil {
			t.reply(chatID, commandError("reset session", err))
			return
		}
		t.reply(chatID, fmt.Sprintf("Fresh session %q started.", sess.Name))

	case "cancel":
		t.cfg.Queue.Cancel(chatID)
		t.reply(chatID, "Canceled the active turn.")

	case "status":
		t.reply(chatID, t.statusText(ctx, chatID))

	default:
		t.reply(chatID, "Commands: /new [name], /sessions, /switch <name>, /model <tag>, /reset, /cancel, /status")
	}
}

func (t *TelegramChannel) statusText(ctx context.Context, chatID int64) string {
	sess, err := t.cfg.Store.ActiveSession(ctx, chatID)
	if err != nil {
		return "No active session."
	}
	depth := t.cfg.Queue.Depth(chatID)
	return fmt.Sprintf("Session %q\nModel: %s\nMessages: %d\nLast active: %s ago\nQueued turns: %d",
		sess.Name, sess.Model, sess.MessageCount,
		sess.Age(time.Now()).Round(time.Second), depth)
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if text == "" {
		return
	}
	if err := t.sendBounded(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("telegram reply failed", "source", "herald.bot", "chat_id", chatID, "error", err)
	}
}

// commandError keeps store fault messages user-readable without leaking
// internals; details are already in the log via the store.
func commandError(verb string, err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("Could not %s: %s", verb, msg)
}
