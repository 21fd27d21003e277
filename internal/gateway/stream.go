package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/dispatch"
	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/persistence"
	"github.com/homesteadhq/homestead/internal/turnqueue"
)

// wsWriteTimeout bounds each frame write so a stalled client cannot pin a
// turn worker's delta callback.
const wsWriteTimeout = 10 * time.Second

// chatRequest is one inbound turn over the chat socket. An empty
// session_name targets the chat's active session.
type chatRequest struct {
	SessionName string `json:"session_name"`
	ChatID      int64  `json:"chat_id"`
	Message     string `json:"message"`
}

// chatFrame is one outbound frame: zero or more deltas, then exactly one
// result or error per request.
type chatFrame struct {
	Type          string `json:"type"` // "delta", "result", "error"
	Text          string `json:"text,omitempty"`
	SessionHandle string `json:"session_handle,omitempty"`
	Message       string `json:"message,omitempty"`
}

// chatOutcome is the terminal state of one dequeued chat turn.
type chatOutcome struct {
	text   string
	handle string
	err    error
}

// handleChatWS serves GET /ws/chat: the web chat channel. Each JSON text
// frame from the client is one turn; frames for consecutive turns never
// interleave because the connection handles one turn at a time.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("chat socket connected", "source", "gw")
	defer func() {
		s.logger.Info("chat socket closed", "source", "gw")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var req chatRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if !s.serveChatTurn(ctx, conn, req) {
			return
		}
	}
}

// serveChatTurn runs one request to its terminal frame. Returns false when
// the connection is no longer usable.
func (s *Server) serveChatTurn(ctx context.Context, conn *websocket.Conn, req chatRequest) bool {
	writeFrame := func(f chatFrame) bool {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, f) == nil
	}

	if req.ChatID == 0 || req.Message == "" {
		return writeFrame(chatFrame{Type: "error", Message: "chat_id and message are required"})
	}
	if !s.chatAllowed(req.ChatID) {
		s.logger.Warn("chat rejected by allow-list", "source", "gw", "chat_id", req.ChatID)
		return writeFrame(chatFrame{Type: "error", Message: "chat not allowed"})
	}

	// Binding only fixes the session name; the row itself is re-read on
	// the chat's worker so the turn dispatches with the freshest handle
	// and model.
	sess, err := s.chatSession(ctx, req)
	if err != nil {
		s.logger.Error("chat session binding failed",
			"source", "gw", "chat_id", req.ChatID, "error", err)
		return writeFrame(chatFrame{Type: "error", Message: "could not prepare a session"})
	}

	done := make(chan chatOutcome, 1)
	turn := turnqueue.Turn{
		ChatID:      req.ChatID,
		SessionName: sess.Name,
		UserText:    req.Message,
		ReceivedAt:  time.Now(),
		Run: func(runCtx context.Context) {
			done <- s.runChatTurn(runCtx, req.ChatID, sess.Name, req.Message, writeFrame)
		},
	}
	if err := s.cfg.Queue.Enqueue(turn); err != nil {
		if errors.Is(err, turnqueue.ErrBackpressure) {
			return writeFrame(chatFrame{Type: "error", Message: "too many queued turns for this chat"})
		}
		s.logger.Error("chat enqueue failed", "source", "gw", "chat_id", req.ChatID, "error", err)
		return writeFrame(chatFrame{Type: "error", Message: "could not queue the message"})
	}

	// The queue may hold the turn behind earlier ones for the same chat, so
	// the wait budget covers queueing plus the dispatcher's own timeout.
	guard := time.NewTimer(2*s.cfg.TurnTimeout + 30*time.Second)
	defer guard.Stop()

	var out chatOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		s.cfg.Queue.Cancel(req.ChatID)
		return false
	case <-guard.C:
		s.logger.Error("chat turn failed to finish within the outer guard",
			"source", "gw", "chat_id", req.ChatID, "session", sess.Name)
		writeFrame(chatFrame{Type: "error", Message: "model timed out"})
		return false
	}

	if out.err != nil {
		return writeFrame(chatFrame{Type: "error", Message: dispatch.UserNotice(out.err)})
	}
	return writeFrame(chatFrame{Type: "result", Text: out.text, SessionHandle: out.handle})
}

// runChatTurn executes one dequeued turn on the chat's worker: re-read the
// session row, dispatch with streaming deltas, then on success touch the
// session strictly before the chat's next turn runs.
func (s *Server) runChatTurn(ctx context.Context, chatID int64, sessionName, message string, writeFrame func(chatFrame) bool) chatOutcome {
	sess, err := s.cfg.Store.GetSession(ctx, chatID, sessionName)
	if err != nil {
		s.logger.Error("turn session lookup failed",
			"source", "gw", "chat_id", chatID, "session", sessionName, "error", err)
		return chatOutcome{err: err}
	}

	res, err := s.cfg.Dispatcher.Dispatch(ctx, dispatch.TurnRequest{
		ChatID:      chatID,
		SessionName: sess.Name,
		ModelTag:    sess.Model,
		Handle:      sess.BackendHandle,
		UserText:    message,
	}, func(text string) {
		writeFrame(chatFrame{Type: "delta", Text: text})
	})
	if err != nil {
		s.publishTurn(bus.TopicTurnFailed, chatID, sess.Name, err.Error())
		return chatOutcome{err: err}
	}

	handle := res.NewHandle
	if handle == "" {
		handle = sess.BackendHandle
	}
	if err := s.cfg.Store.TouchSession(context.WithoutCancel(ctx), chatID, sess.Name, handle, time.Now()); err != nil {
		s.logger.Error("chat session touch failed",
			"source", "gw", "chat_id", chatID, "session", sess.Name, "error", err)
	} else {
		s.logger.Info("session touched",
			"source", "ss", "chat_id", chatID, "session", sess.Name,
			"handle_rotated", res.NewHandle != "")
	}
	s.publishTurn(bus.TopicTurnSucceeded, chatID, sess.Name, "")
	return chatOutcome{text: res.Text, handle: handle}
}

// chatSession resolves the request to a session: the named one, the chat's
// active one, or a fresh "default" for first contact. A named session that
// does not exist yet is created with the default model.
func (s *Server) chatSession(ctx context.Context, req chatRequest) (*persistence.Session, error) {
	if req.SessionName == "" {
		sess, err := s.cfg.Store.ActiveSession(ctx, req.ChatID)
		if fault.IsKind(err, fault.KindNotFound) {
			return s.cfg.Store.CreateSession(ctx, req.ChatID, "default", s.cfg.DefaultModel, 0)
		}
		return sess, err
	}
	sess, err := s.cfg.Store.GetSession(ctx, req.ChatID, req.SessionName)
	if fault.IsKind(err, fault.KindNotFound) {
		return s.cfg.Store.CreateSession(ctx, req.ChatID, req.SessionName, s.cfg.DefaultModel, 0)
	}
	return sess, err
}

func (s *Server) publishTurn(topic string, chatID int64, session, errText string) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(topic, bus.TurnEvent{ChatID: chatID, Session: session, Error: errText})
}
