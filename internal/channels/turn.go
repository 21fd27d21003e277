package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/dispatch"
	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/persistence"
	"github.com/homesteadhq/homestead/internal/turnqueue"
)

// editInterval rate-limits progressive message edits; Telegram throttles
// faster edit bursts with 429s.
const editInterval = 1500 * time.Millisecond

// handleTurn binds the chat to a session and enqueues the turn. The
// session reference travels by name; the row is re-read at dispatch time
// so the freshest handle and model are used.
func (t *TelegramChannel) handleTurn(ctx context.Context, msg *tgbotapi.Message, content string) {
	chatID := msg.Chat.ID
	sess, err := t.bindSession(ctx, chatID, msg.From.ID)
	if err != nil {
		t.logger.Error("session binding failed", "source", "herald.bot", "chat_id", chatID, "error", err)
		t.reply(chatID, "Could not prepare a session. Try /reset.")
		return
	}

	turn := turnqueue.Turn{
		ChatID:      chatID,
		SessionName: sess.Name,
		UserText:    content,
		ReceivedAt:  time.Now(),
		Run: func(runCtx context.Context) {
			t.runTurn(runCtx, chatID, sess.Name, content)
		},
	}
	if err := t.cfg.Queue.Enqueue(turn); err != nil {
		if errors.Is(err, turnqueue.ErrBackpressure) {
			t.reply(chatID, "Too many messages queued. Wait for the current reply to finish.")
			return
		}
		t.logger.Error("enqueue turn failed", "source", "herald.bot", "chat_id", chatID, "error", err)
		t.reply(chatID, "Could not queue the message.")
	}
}

// bindSession returns the session the next turn should use: the active
// session if fresh, otherwise a newly created rotation; chats with no
// sessions get "default".
func (t *TelegramChannel) bindSession(ctx context.Context, chatID, userID int64) (*persistence.Session, error) {
	sess, err := t.cfg.Store.ActiveSession(ctx, chatID)
	if fault.IsKind(err, fault.KindNotFound) {
		return t.cfg.Store.CreateSession(ctx, chatID, "default", t.cfg.DefaultModel, userID)
	}
	if err != nil {
		return nil, err
	}
	if sess.Age(time.Now()) <= t.cfg.InactivityWindow {
		return sess, nil
	}

	name := t.nextSessionName(ctx, chatID)
	fresh, err := t.cfg.Store.CreateSession(ctx, chatID, name, sess.Model, userID)
	if err != nil {
		return nil, err
	}
	t.logger.Info("session rotated",
		"source", "herald.bot", "chat_id", chatID,
		"from", sess.Name, "to", fresh.Name,
		"idle", sess.Age(time.Now()).Round(time.Second).String())
	return fresh, nil
}

// nextSessionName picks the first free default-N name for the chat.
func (t *TelegramChannel) nextSessionName(ctx context.Context, chatID int64) string {
	sessions, err := t.cfg.Store.ListSessions(ctx, chatID)
	if err != nil {
		return fmt.Sprintf("default-%d", time.Now().Unix())
	}
	taken := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		taken[s.Name] = struct{}{}
	}
	if _, ok := taken["default"]; !ok {
		return "default"
	}
	for n := 2; ; n++ {
		name := fmt.Sprintf("default-%d", n)
		if _, ok := taken[name]; !ok {
			return name
		}
	}
}

// runTurn executes one dequeued turn: dispatch with streaming edits, then
// on success touch the session strictly before the chat's next turn runs.
func (t *TelegramChannel) runTurn(ctx context.Context, chatID int64, sessionName, content string) {
	sess, err := t.cfg.Store.GetSession(ctx, chatID, sessionName)
	if err != nil {
		t.logger.Error("turn session lookup failed",
			"source", "herald.bot", "chat_id", chatID, "session", sessionName, "error", err)
		t.reply(chatID, dispatch.UserNotice(fault.New(fault.KindNotFound, "session gone")))
		return
	}

	stream := &streamReply{channel: t, chatID: chatID}
	req := dispatch.TurnRequest{
		ChatID:      chatID,
		SessionName: sess.Name,
		ModelTag:    sess.Model,
		Handle:      sess.BackendHandle,
		UserText:    content,
	}

	type outcome struct {
		res dispatch.TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := t.cfg.Dispatcher.Dispatch(ctx, req, stream.delta)
		done <- outcome{res, err}
	}()

	// Outer guard above the dispatcher's inner timeout. Tripping it means
	// the dispatcher failed to return at all.
	guard := time.NewTimer(t.cfg.TurnTimeout + guardSlack)
	defer guard.Stop()

	var out outcome
	select {
	case out = <-done:
	case <-guard.C:
		t.logger.Error("dispatcher failed to return within the outer guard",
			"source", "herald.bot", "chat_id", chatID, "session", sess.Name)
		stream.fail("model timed out")
		t.publishTurn(bus.TopicTurnFailed, chatID, sess.Name, "guard timeout")
		return
	}

	if out.err != nil {
		stream.fail(dispatch.UserNotice(out.err))
		t.publishTurn(bus.TopicTurnFailed, chatID, sess.Name, out.err.Error())
		return
	}

	stream.finish(out.res.Text)

	handle := out.res.NewHandle
	if handle == "" {
		handle = sess.BackendHandle
	}
	if err := t.cfg.Store.TouchSession(context.WithoutCancel(ctx), chatID, sess.Name, handle, time.Now()); err != nil {
		t.logger.Error("session touch failed",
			"source", "herald.bot", "chat_id", chatID, "session", sess.Name, "error", err)
	} else {
		t.logger.Info("session touched",
			"source", "ss", "chat_id", chatID, "session", sess.Name, "handle_rotated", out.res.NewHandle != "")
	}
	t.publishTurn(bus.TopicTurnSucceeded, chatID, sess.Name, "")
}

func (t *TelegramChannel) publishTurn(topic string, chatID int64, session, errText string) {
	if t.cfg.Bus == nil {
		return
	}
	t.cfg.Bus.Publish(topic, bus.TurnEvent{ChatID: chatID, Session: session, Error: errText})
}

// streamReply accumulates model output into one progressively edited
// message: a placeholder on the first delta, rate-limited edits while
// streaming, and a final replace (or failure notice) at the end.
type streamReply struct {
	channel *TelegramChannel
	chatID  int64

	mu       sync.Mutex
	msgID    int
	buf      strings.Builder
	sent     string // last text actually pushed to the chat
	lastEdit time.Time
}

func (s *streamReply) delta(text string) {
	s.mu.Lock()
	s.buf.WriteString(text)

	if s.msgID == 0 {
		preview := s.buf.String()
		s.mu.Unlock()
		sent, err := s.channel.bot.Send(tgbotapi.NewMessage(s.chatID, preview))
		if err != nil {
			s.channel.logger.Warn("stream placeholder send failed",
				"source", "herald.bot", "chat_id", s.chatID, "error", err)
			return
		}
		s.mu.Lock()
		s.msgID = sent.MessageID
		s.sent = preview
		s.lastEdit = time.Now()
		s.mu.Unlock()
		return
	}

	if time.Since(s.lastEdit) < editInterval {
		s.mu.Unlock()
		return
	}
	text = s.buf.String()
	msgID := s.msgID
	s.sent = text
	s.lastEdit = time.Now()
	s.mu.Unlock()

	s.channel.edit(s.chatID, msgID, text)
}

// finish replaces the placeholder with the authoritative final text, or
// sends it fresh if no delta ever arrived.
func (s *streamReply) finish(final string) {
	s.mu.Lock()
	msgID := s.msgID
	alreadySent := s.sent == final
	s.mu.Unlock()

	if msgID == 0 {
		s.channel.reply(s.chatID, final)
		return
	}
	if alreadySent {
		return
	}
	s.channel.edit(s.chatID, msgID, final)
}

func (s *streamReply) fail(notice string) {
	s.mu.Lock()
	msgID := s.msgID
	s.mu.Unlock()

	if msgID == 0 {
		s.channel.reply(s.chatID, notice)
		return
	}
	s.channel.edit(s.chatID, msgID, notice)
}

func (t *TelegramChannel) edit(chatID int64, msgID int, text string) {
	if err := t.sendBounded(tgbotapi.NewEditMessageText(chatID, msgID, text)); err != nil {
		t.logger.Warn("telegram edit failed",
			"source", "herald.bot", "chat_id", chatID, "error", err)
	}
}

// errTransportTimeout marks sends that exceeded the transport timeout.
var errTransportTimeout = errors.New("transport_timeout")

// sendBounded performs a Telegram send under the transport timeout. The
// library call has no context plumbing, so a stuck send is abandoned to
// its own goroutine.
func (t *TelegramChannel) sendBounded(c tgbotapi.Chattable) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(c)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(t.cfg.TransportTimeout):
		return errTransportTimeout
	}
}
