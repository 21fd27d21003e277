// Package turnqueue serializes conversation turns per chat. Each chat gets
// a bounded FIFO drained by its own worker; chats run concurrently, turns
// within a chat strictly one at a time. A full queue rejects the enqueue
// so the channel driver can tell the user to slow down.
package turnqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/otel"
)

// ErrBackpressure is returned when a chat's queue is at capacity, counting
// the turn currently in flight.
var ErrBackpressure = fault.New(fault.KindConflict, "turn queue full")

// Turn is one queued unit of work. Run is invoked on the chat's worker
// with a context that is canceled on Cancel(chatID) or queue shutdown;
// the closure owns dispatch, streaming, and session touch.
type Turn struct {
	ChatID      int64
	SessionName string
	UserText    string
	ReceivedAt  time.Time
	Run         func(ctx context.Context)
}

type Config struct {
	// Capacity bounds outstanding turns per chat (active + queued).
	Capacity int
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otel.Metrics
}

type chatWorker struct {
	turns chan Turn

	mu          sync.Mutex
	outstanding int
	active      context.CancelFunc
}

// Queue is the per-chat turn scheduler. Construct once from the
// composition root; Enqueue is safe for concurrent use.
type Queue struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	chats   map[int64]*chatWorker
	stopped bool
}

func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		chats:  make(map[int64]*chatWorker),
	}
}

// Enqueue accepts the turn or returns ErrBackpressure. Accepted turns for
// one chat run in enqueue order.
func (q *Queue) Enqueue(t Turn) error {
	if t.Run == nil {
		return fault.New(fault.KindValidation, "turn has no work")
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return fault.New(fault.KindInternal, "turn queue stopped")
	}
	w, ok := q.chats[t.ChatID]
	if !ok {
		w = &chatWorker{turns: make(chan Turn, q.cfg.Capacity)}
		q.chats[t.ChatID] = w
		q.wg.Add(1)
		go q.runWorker(w)
	}
	q.mu.Unlock()

	w.mu.Lock()
	if w.outstanding >= q.cfg.Capacity {
		w.mu.Unlock()
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.QueueRejects.Add(q.ctx, 1)
		}
		q.cfg.Logger.Warn("turn rejected by backpressure",
			"source", "tq", "chat_id", t.ChatID, "session", t.SessionName)
		return ErrBackpressure
	}
	w.outstanding++
	w.mu.Unlock()

	// Never blocks: outstanding <= capacity == buffer size.
	w.turns <- t

	if q.cfg.Bus != nil {
		q.cfg.Bus.Publish(bus.TopicTurnAccepted, bus.TurnEvent{
			ChatID: t.ChatID, Session: t.SessionName,
		})
	}
	return nil
}

// Depth reports outstanding turns for a chat, including the active one.
func (q *Queue) Depth(chatID int64) int {
	q.mu.Lock()
	w, ok := q.chats[chatID]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outstanding
}

// Cancel preempts the chat's active turn, if any. Queued turns still run.
func (q *Queue) Cancel(chatID int64) {
	q.mu.Lock()
	w, ok := q.chats[chatID]
	q.mu.Unlock()
	if !ok {
		return
	}
	w.mu.Lock()
	cancel := w.active
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels all running turns and waits for the workers to drain out.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) runWorker(w *chatWorker) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			// Shutdown: queued turns are abandoned; the session store
			// was never touched for them, so nothing is half-done.
			return
		case t := <-w.turns:
			q.runTurn(w, t)
		}
	}
}

func (q *Queue) runTurn(w *chatWorker, t Turn) {
	turnCtx, cancel := context.WithCancel(q.ctx)
	w.mu.Lock()
	w.active = cancel
	w.mu.Unlock()

	t.Run(turnCtx)

	cancel()
	w.mu.Lock()
	w.active = nil
	w.outstanding--
	w.mu.Unlock()
}
