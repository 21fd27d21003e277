package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Homestead metric instruments.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	TurnFailures     metric.Int64Counter
	StreamDeltas     metric.Int64Counter
	QueueRejects     metric.Int64Counter
	JobsFired        metric.Int64Counter
	JobActionErrors  metric.Int64Counter
	OutboxDelivered  metric.Int64Counter
	OutboxFailed     metric.Int64Counter
	ActiveTurns      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("homestead.turn.duration",
		metric.WithDescription("Conversation turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnFailures, err = meter.Int64Counter("homestead.turn.failures",
		metric.WithDescription("Turns that ended in a terminal error"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamDeltas, err = meter.Int64Counter("homestead.stream.deltas",
		metric.WithDescription("Total streaming chunks delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejects, err = meter.Int64Counter("homestead.queue.rejects",
		metric.WithDescription("Turn enqueues rejected by backpressure"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsFired, err = meter.Int64Counter("homestead.jobs.fired",
		metric.WithDescription("Scheduled job fires"),
	)
	if err != nil {
		return nil, err
	}

	m.JobActionErrors, err = meter.Int64Counter("homestead.jobs.action_errors",
		metric.WithDescription("Job actions that failed after the fire was recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDelivered, err = meter.Int64Counter("homestead.outbox.delivered",
		metric.WithDescription("Outbox messages delivered to the chat transport"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxFailed, err = meter.Int64Counter("homestead.outbox.failed",
		metric.WithDescription("Outbox messages that exhausted delivery retries"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("homestead.turn.active",
		metric.WithDescription("Turns currently being dispatched"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
