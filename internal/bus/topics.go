package bus

// Turn lifecycle topics, published by the turn queue and dispatcher.
const (
	TopicTurnAccepted  = "turn.accepted"
	TopicTurnSucceeded = "turn.succeeded"
	TopicTurnFailed    = "turn.failed"
	TopicStreamDelta   = "stream.delta"
)

// TurnEvent describes a turn's progress through the queue and dispatcher.
type TurnEvent struct {
	ChatID  int64  // chat the turn belongs to
	Session string // session name
	Error   string // set on turn.failed
}

// StreamDeltaEvent carries one incremental chunk of model output.
type StreamDeltaEvent struct {
	ChatID  int64
	Session string
	Text    string
}

// Outbox topics, published by the outbox store on row transitions.
const (
	TopicOutboxEnqueued = "outbox.enqueued"
	TopicOutboxSent     = "outbox.sent"
	TopicOutboxFailed   = "outbox.failed"
)

// OutboxEvent identifies the affected outbox row.
type OutboxEvent struct {
	ID        int64
	ChatID    int64
	AgentName string
	Reason    string // set on outbox.failed
}

// Scheduler topics.
const (
	TopicJobFired  = "job.fired"
	TopicJobFailed = "job.action_failed"
)

// JobEvent describes one scheduler fire.
type JobEvent struct {
	JobID   string
	Name    string
	Action  string
	Error   string // set on job.action_failed
	RunAt   int64
	NextRun *int64
}
