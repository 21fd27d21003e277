package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventFrame is one bus event forwarded to an events-socket client.
type eventFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// handleEventsWS serves GET /ws/events: a live feed of bus traffic. The
// topics query parameter narrows the stream to one topic prefix, for
// example topics=turn. or topics=outbox.; empty means everything. The feed
// is best-effort — a client that falls behind misses events, and the
// durable record stays the event-log store.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, `{"error":"event feed disabled"}`, http.StatusNotImplemented)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	prefix := r.URL.Query().Get("topics")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("events socket connected", "source", "gw", "topics", prefix)
	defer func() {
		s.logger.Info("events socket closed", "source", "gw")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, eventFrame{Topic: ev.Topic, Payload: ev.Payload})
			cancel()
			if err != nil {
				return
			}
		}
	}
}
