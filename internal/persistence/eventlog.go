package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
)

// LogRecord is one append-only event-log row. Payload is an optional JSON
// blob of structured attributes. There is no update path.
type LogRecord struct {
	ID          int64  `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	Level       string `json:"level"`
	Source      string `json:"source"`
	Message     string `json:"message"`
	Payload     string `json:"payload,omitempty"`
	SessionName string `json:"session,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
}

const maxLogQueryLimit = 1000

var logLevels = map[string]struct{}{
	"DEBUG": {}, "INFO": {}, "WARNING": {}, "ERROR": {},
}

// AppendLog inserts one record. Kept cheap: a single INSERT, no read-back.
func (s *Store) AppendLog(ctx context.Context, rec LogRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}
	if _, ok := logLevels[rec.Level]; !ok {
		rec.Level = "INFO"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (ts, level, source, message, payload, session_name, chat_id)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, rec.Timestamp, rec.Level, rec.Source, rec.Message, rec.Payload, rec.SessionName, rec.ChatID)
	if err != nil {
		return fmt.Errorf("insert log record: %w", err)
	}
	return nil
}

// LogQuery filters QueryLogs. Zero values mean "no constraint".
type LogQuery struct {
	Since        int64
	Until        int64
	Level        string
	SourcePrefix string
	Substring    string
	Limit        int
}

// QueryLogs returns matching records newest-first, capped at 1000.
func (s *Store) QueryLogs(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	if q.Limit <= 0 || q.Limit > maxLogQueryLimit {
		q.Limit = maxLogQueryLimit
	}
	if q.Level != "" {
		if _, ok := logLevels[strings.ToUpper(q.Level)]; !ok {
			return nil, fault.New(fault.KindValidation, "unknown log level %q", q.Level)
		}
	}

	var where []string
	var args []any
	if q.Since > 0 {
		where = append(where, "ts >= ?")
		args = append(args, q.Since)
	}
	if q.Until > 0 {
		where = append(where, "ts <= ?")
		args = append(args, q.Until)
	}
	if q.Level != "" {
		where = append(where, "level = ?")
		args = append(args, strings.ToUpper(q.Level))
	}
	if q.SourcePrefix != "" {
		where = append(where, "source LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(q.SourcePrefix)+"%")
	}
	if q.Substring != "" {
		where = append(where, "message LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(q.Substring)+"%")
	}

	query := `SELECT id, ts, level, source, message, payload, session_name, chat_id FROM event_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var rec LogRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Level, &rec.Source,
			&rec.Message, &rec.Payload, &rec.SessionName, &rec.ChatID); err != nil {
			return nil, fmt.Errorf("scan log record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("log rows: %w", err)
	}
	return out, nil
}

// LogSummary groups record counts by source then level since the given time.
func (s *Store) LogSummary(ctx context.Context, since time.Time) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, level, COUNT(1)
		FROM event_log
		WHERE ts >= ?
		GROUP BY source, level;
	`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query log summary: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var source, level string
		var count int
		if err := rows.Scan(&source, &level, &count); err != nil {
			return nil, fmt.Errorf("scan log summary: %w", err)
		}
		if out[source] == nil {
			out[source] = make(map[string]int)
		}
		out[source][level] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("log summary rows: %w", err)
	}
	return out, nil
}

// CountLogs returns the total number of records, used by /healthz.
func (s *Store) CountLogs(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM event_log;`).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("count log records: %w", err)
	}
	return n, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
