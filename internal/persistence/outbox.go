package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/fault"
)

// Outbox message lifecycle. Rows are inserted pending and move exactly once
// to sent or failed; terminal states are immutable. There is deliberately no
// persisted "sending" state: a crash mid-delivery leaves the row pending and
// it is retried on restart.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

type OutboxMessage struct {
	ID         int64        `json:"id"`
	ChatID     int64        `json:"chat_id"`
	AgentName  string       `json:"agent_name"`
	Body       string       `json:"body"`
	ParseMode  string       `json:"parse_mode"`
	Status     OutboxStatus `json:"status"`
	FailReason string       `json:"fail_reason,omitempty"`
	CreatedAt  int64        `json:"created_at"`
	SentAt     *int64       `json:"sent_at,omitempty"`
}

// EnqueueOutbox inserts a pending row for later delivery by the bot driver.
// Targets outside the chat allow-list are rejected without inserting.
func (s *Store) EnqueueOutbox(ctx context.Context, chatID int64, agentName, body, parseMode string) (int64, error) {
	if !s.chatAllowed(chatID) {
		return 0, fault.New(fault.KindValidation, "chat %d is not in the allow-list", chatID)
	}
	if body == "" {
		return 0, fault.New(fault.KindValidation, "outbox body must not be empty")
	}
	if parseMode == "" {
		parseMode = "HTML"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (chat_id, agent_name, body, parse_mode, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?);
	`, chatID, agentName, body, parseMode, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert outbox: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("outbox insert id: %w", err)
	}
	s.publish(bus.TopicOutboxEnqueued, bus.OutboxEvent{ID: id, ChatID: chatID, AgentName: agentName})
	return id, nil
}

// ClaimOutboxBatch returns up to limit oldest pending messages. The system
// constructs exactly one drainer, so a plain read suffices; no rows are
// marked here.
func (s *Store) ClaimOutboxBatch(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, agent_name, body, parse_mode, status, fail_reason, created_at, sent_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var sentAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.AgentName, &m.Body, &m.ParseMode,
			&m.Status, &m.FailReason, &m.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if sentAt.Valid {
			m.SentAt = &sentAt.Int64
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}
	return out, nil
}

// MarkOutboxSent transitions pending → sent and stamps sent_at. Calling it
// on a terminal row is a no-op.
func (s *Store) MarkOutboxSent(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'sent', sent_at = ? WHERE id = ? AND status = 'pending';
	`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(bus.TopicOutboxSent, bus.OutboxEvent{ID: id})
	}
	return nil
}

// MarkOutboxFailed transitions pending → failed with a reason. Calling it
// on a terminal row is a no-op.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'failed', fail_reason = ? WHERE id = ? AND status = 'pending';
	`, reason, id)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(bus.TopicOutboxFailed, bus.OutboxEvent{ID: id, Reason: reason})
	}
	return nil
}

// GetOutboxMessage returns a single row by id.
func (s *Store) GetOutboxMessage(ctx context.Context, id int64) (*OutboxMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, agent_name, body, parse_mode, status, fail_reason, created_at, sent_at
		FROM outbox WHERE id = ?;
	`, id)
	var m OutboxMessage
	var sentAt sql.NullInt64
	err := row.Scan(&m.ID, &m.ChatID, &m.AgentName, &m.Body, &m.ParseMode,
		&m.Status, &m.FailReason, &m.CreatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "outbox message %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query outbox message: %w", err)
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.Int64
	}
	return &m, nil
}
