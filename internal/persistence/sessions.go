package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
)

// Session is a named, per-chat conversational thread bound to a model tag.
// BackendHandle is an opaque string a backend returned to resume a prior
// thread; the store never interprets it. At most one session per chat is
// active at any time.
type Session struct {
	ChatID        int64  `json:"chat_id"`
	Name          string `json:"name"`
	UserID        int64  `json:"user_id"`
	BackendHandle string `json:"backend_handle,omitempty"`
	Model         string `json:"model"`
	IsActive      bool   `json:"is_active"`
	CreatedAt     int64  `json:"created_at"`
	LastActiveAt  int64  `json:"last_active_at"`
	MessageCount  int    `json:"message_count"`
}

// Age returns how long ago the session last completed a turn.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(s.LastActiveAt, 0))
}

const sessionColumns = `chat_id, name, user_id, backend_handle, model, is_active, created_at, last_active_at, message_count`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var active int
	err := row.Scan(&sess.ChatID, &sess.Name, &sess.UserID, &sess.BackendHandle,
		&sess.Model, &active, &sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount)
	if err != nil {
		return nil, err
	}
	sess.IsActive = active != 0
	return &sess, nil
}

// CreateSession inserts a new session and makes it the active one for the
// chat, deactivating any prior active session in the same transaction.
func (s *Store) CreateSession(ctx context.Context, chatID int64, name, model string, userID int64) (*Session, error) {
	if name == "" {
		return nil, fault.New(fault.KindValidation, "session name must not be empty")
	}
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE chat_id = ? AND name = ?;`, chatID, name).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check session exists: %w", err)
	}
	if exists > 0 {
		return nil, fault.New(fault.KindConflict, "session %q already exists for chat %d", name, chatID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE chat_id = ? AND is_active = 1;`, chatID); err != nil {
		return nil, fmt.Errorf("deactivate prior session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (chat_id, name, user_id, model, is_active, created_at, last_active_at)
		VALUES (?, ?, ?, ?, 1, ?, ?);
	`, chatID, name, userID, model, now, now); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create session: %w", err)
	}

	return &Session{
		ChatID: chatID, Name: name, UserID: userID, Model: model,
		IsActive: true, CreatedAt: now, LastActiveAt: now,
	}, nil
}

// GetSession returns the session for (chatID, name).
func (s *Store) GetSession(ctx context.Context, chatID int64, name string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE chat_id = ? AND name = ?;
	`, chatID, name)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "session %q not found for chat %d", name, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// ActiveSession returns the single active session for a chat, or a
// not_found fault when the chat has none.
func (s *Store) ActiveSession(ctx context.Context, chatID int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE chat_id = ? AND is_active = 1;
	`, chatID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "no active session for chat %d", chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	return sess, nil
}

// ActivateSession makes (chatID, name) the active session. The
// deactivate-then-activate pair runs in one transaction so the at-most-one
// invariant holds at every observable instant.
func (s *Store) ActivateSession(ctx context.Context, chatID int64, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activate session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE chat_id = ? AND is_active = 1;`, chatID); err != nil {
		return fmt.Errorf("deactivate prior session: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET is_active = 1 WHERE chat_id = ? AND name = ?;`, chatID, name)
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate rows affected: %w", err)
	}
	if n == 0 {
		return fault.New(fault.KindNotFound, "session %q not found for chat %d", name, chatID)
	}
	return tx.Commit()
}

// SetSessionModel changes the model tag. Tag validity is checked at the API
// boundary, not here.
func (s *Store) SetSessionModel(ctx context.Context, chatID int64, name, model string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET model = ? WHERE chat_id = ? AND name = ?;`, model, chatID, name)
	if err != nil {
		return fmt.Errorf("set session model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "session %q not found for chat %d", name, chatID)
	}
	return nil
}

// TouchSession records a successfully completed turn: bumps last_active_at
// and message_count and, when the backend returned a new handle, persists it
// atomically with the counters.
func (s *Store) TouchSession(ctx context.Context, chatID int64, name, newHandle string, at time.Time) error {
	var res sql.Result
	var err error
	if newHandle != "" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sessions
			SET backend_handle = ?, last_active_at = ?, message_count = message_count + 1
			WHERE chat_id = ? AND name = ?;
		`, newHandle, at.Unix(), chatID, name)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sessions
			SET last_active_at = ?, message_count = message_count + 1
			WHERE chat_id = ? AND name = ?;
		`, at.Unix(), chatID, name)
	}
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "session %q not found for chat %d", name, chatID)
	}
	return nil
}

// DeleteSession removes a session row. Deleting the active session leaves
// the chat with no active session.
func (s *Store) DeleteSession(ctx context.Context, chatID int64, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE chat_id = ? AND name = ?;`, chatID, name)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "session %q not found for chat %d", name, chatID)
	}
	return nil
}

// ListSessions returns all sessions for a chat, most recently active first.
func (s *Store) ListSessions(ctx context.Context, chatID int64) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE chat_id = ? ORDER BY last_active_at DESC;
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}
