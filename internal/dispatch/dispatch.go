// Package dispatch drives a model backend through one conversation turn.
// The dispatcher selects a backend from the session's model tag, enforces
// the per-turn timeout, and classifies failures; it never touches the
// session store — persisting the new handle is the caller's job, and only
// on success.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/config"
	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/otel"
)

// TurnRequest is one user turn bound for a backend.
type TurnRequest struct {
	ChatID      int64
	SessionName string
	ModelTag    string
	// Handle is the opaque backend-session handle from the session row.
	// Empty means start a fresh backend thread.
	Handle   string
	UserText string
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TurnResult is the terminal outcome of a successful dispatch. Text is
// authoritative; it should equal the concatenation of the emitted deltas,
// and wins if the backend's final text differs.
type TurnResult struct {
	Text string
	// NewHandle is non-empty when the backend minted or rotated its
	// session handle; the caller persists it with the touch.
	NewHandle string
	Usage     Usage
}

// DeltaFunc receives incremental output chunks in model-emission order.
// It is called zero or more times, always before StreamTurn returns, and
// never with an empty chunk.
type DeltaFunc func(text string)

// Backend is one concrete model driver. Model is the backend-specific
// model identifier from the tag binding, possibly empty.
type Backend interface {
	Name() string
	StreamTurn(ctx context.Context, model string, req TurnRequest, onDelta DeltaFunc) (TurnResult, error)
}

type binding struct {
	backend Backend
	model   string
}

type Config struct {
	TurnTimeout time.Duration
	Logger      *slog.Logger
	Bus         *bus.Bus
	Metrics     *otel.Metrics
}

// Dispatcher routes turns to backends by model tag. It is stateless apart
// from the tag registry; concurrent Dispatch calls are independent.
type Dispatcher struct {
	bindings map[string]binding
	timeout  time.Duration
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
}

func New(cfg Config) *Dispatcher {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 300 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		bindings: make(map[string]binding),
		timeout:  cfg.TurnTimeout,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
	}
}

// Register binds a model tag to a backend. Later registrations for the
// same tag win, matching config-file order.
func (d *Dispatcher) Register(tag, model string, b Backend) {
	d.bindings[tag] = binding{backend: b, model: model}
}

// RegisterFromConfig wires every configured tag whose backend kind has a
// driver in the given map. Tags pointing at a missing driver are skipped
// and reported, so a daemon without an XAI key still serves CLI tags.
func (d *Dispatcher) RegisterFromConfig(cfg *config.Config, drivers map[string]Backend) {
	for _, m := range cfg.Models {
		b, ok := drivers[m.Backend]
		if !ok || b == nil {
			d.logger.Warn("model tag has no backend driver, skipping",
				"source", "md", "tag", m.Tag, "backend", m.Backend)
			continue
		}
		d.Register(m.Tag, m.Model, b)
	}
}

// Tags returns the registered model tags, for status surfaces.
func (d *Dispatcher) Tags() []string {
	out := make([]string, 0, len(d.bindings))
	for tag := range d.bindings {
		out = append(out, tag)
	}
	return out
}

// Dispatch drives the turn to completion. onDelta observes incremental
// chunks; the returned result (or error) is the single terminal outcome.
// Cancellation of ctx preempts the backend within its grace period.
func (d *Dispatcher) Dispatch(ctx context.Context, req TurnRequest, onDelta DeltaFunc) (TurnResult, error) {
	bnd, ok := d.bindings[req.ModelTag]
	if !ok {
		return TurnResult{}, fault.New(fault.KindValidation, "unknown model tag %q", req.ModelTag)
	}
	if onDelta == nil {
		onDelta = func(string) {}
	}

	turnCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.metrics != nil {
		d.metrics.ActiveTurns.Add(ctx, 1)
		defer d.metrics.ActiveTurns.Add(ctx, -1)
	}

	start := time.Now()
	deltas := 0
	counted := func(text string) {
		if text == "" {
			return
		}
		deltas++
		if d.metrics != nil {
			d.metrics.StreamDeltas.Add(ctx, 1)
		}
		if d.bus != nil {
			d.bus.Publish(bus.TopicStreamDelta, bus.StreamDeltaEvent{
				ChatID:  req.ChatID,
				Session: req.SessionName,
				Text:    text,
			})
		}
		onDelta(text)
	}

	res, err := bnd.backend.StreamTurn(turnCtx, bnd.model, req, counted)
	elapsed := time.Since(start)
	if d.metrics != nil {
		d.metrics.TurnDuration.Record(ctx, elapsed.Seconds())
	}

	if err != nil {
		err = d.classify(turnCtx, err)
		if d.metrics != nil {
			d.metrics.TurnFailures.Add(ctx, 1)
		}
		level := slog.LevelWarn
		if fault.IsKind(err, fault.KindTimeout) || fault.IsKind(err, fault.KindInternal) {
			level = slog.LevelError
		}
		d.logger.Log(ctx, level, "turn failed",
			"source", "md",
			"chat_id", req.ChatID,
			"session", req.SessionName,
			"model", req.ModelTag,
			"backend", bnd.backend.Name(),
			"kind", string(fault.KindOf(err)),
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err)
		return TurnResult{}, err
	}

	d.logger.Info("turn completed",
		"source", "md",
		"chat_id", req.ChatID,
		"session", req.SessionName,
		"model", req.ModelTag,
		"backend", bnd.backend.Name(),
		"deltas", deltas,
		"chars", len(res.Text),
		"elapsed_ms", elapsed.Milliseconds())
	return res, nil
}

// classify maps backend failures onto the fault taxonomy. The turn
// context is consulted so a backend error caused by the deadline firing
// mid-stream reports as a timeout, not a broken stream, and one caused by
// the caller withdrawing reports as a cancel, not a timeout.
func (d *Dispatcher) classify(turnCtx context.Context, err error) error {
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, err, "turn timed out after %s", d.timeout)
	}
	if errors.Is(turnCtx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCanceled, err, "turn canceled")
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.KindInternal, err, "dispatch")
}

// UserNotice renders a dispatch failure as the short sentence shown in
// place of the streamed placeholder.
func UserNotice(err error) string {
	switch fault.KindOf(err) {
	case fault.KindTimeout:
		return "model timed out"
	case fault.KindCanceled:
		return "turn canceled"
	case fault.KindValidation:
		return "model not configured"
	case fault.KindTransport:
		return "backend unavailable"
	case fault.KindBackend:
		return "model request failed"
	case fault.KindNotFound:
		return "session not found"
	default:
		return "something went wrong"
	}
}
