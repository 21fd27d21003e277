package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/homesteadhq/homestead/internal/fault"
)

type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

type ActionKind string

const (
	ActionOutbox  ActionKind = "outbox"
	ActionCommand ActionKind = "command"
	ActionWebhook ActionKind = "webhook"
)

// Job is a scheduled trigger bound to one action. NextRunAt is nil for
// disabled jobs and for once jobs that have already fired.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	ScheduleKind ScheduleKind    `json:"schedule_kind"`
	ScheduleExpr string          `json:"schedule_expression"`
	ActionKind   ActionKind      `json:"action_kind"`
	ActionConfig json.RawMessage `json:"action_config"`
	Enabled      bool            `json:"enabled"`
	LastRunAt    *int64          `json:"last_run_at,omitempty"`
	NextRunAt    *int64          `json:"next_run_at,omitempty"`
	RunCount     int             `json:"run_count"`
	CreatedAt    int64           `json:"created_at"`
	Tags         []string        `json:"tags,omitempty"`
	Source       string          `json:"source,omitempty"`
}

const jobColumns = `id, name, description, schedule_kind, schedule_expr, action_kind, action_config,
	enabled, last_run_at, next_run_at, run_count, created_at, tags, source`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var enabled int
	var lastRun, nextRun sql.NullInt64
	var cfg, tags string
	err := row.Scan(&j.ID, &j.Name, &j.Description, &j.ScheduleKind, &j.ScheduleExpr,
		&j.ActionKind, &cfg, &enabled, &lastRun, &nextRun, &j.RunCount, &j.CreatedAt, &tags, &j.Source)
	if err != nil {
		return nil, err
	}
	j.Enabled = enabled != 0
	j.ActionConfig = json.RawMessage(cfg)
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Int64
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Int64
	}
	if err := json.Unmarshal([]byte(tags), &j.Tags); err != nil {
		j.Tags = nil
	}
	return &j, nil
}

// InsertJob stores a new job. The caller validates the schedule expression
// and action config at the API boundary and supplies the initial next_run_at.
func (s *Store) InsertJob(ctx context.Context, j Job) (*Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Name == "" {
		return nil, fault.New(fault.KindValidation, "job name must not be empty")
	}
	if j.CreatedAt == 0 {
		j.CreatedAt = time.Now().Unix()
	}
	if len(j.ActionConfig) == 0 {
		j.ActionConfig = json.RawMessage(`{}`)
	}
	tags, err := json.Marshal(j.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode job tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, j.ID, j.Name, j.Description, j.ScheduleKind, j.ScheduleExpr, j.ActionKind,
		string(j.ActionConfig), boolToInt(j.Enabled), nullable(j.LastRunAt), nullable(j.NextRunAt),
		j.RunCount, j.CreatedAt, string(tags), j.Source)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return out, nil
}

// DueJobs returns enabled jobs whose next_run_at is at or before now.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due job rows: %w", err)
	}
	return out, nil
}

// MarkJobRun atomically records a fire: increments run_count, stamps
// last_run_at, and advances next_run_at (nil for once jobs). The guard on
// enabled and the previous next_run_at ensures at most one fire per
// scheduled instant even when a claim races a concurrent mutation; it
// returns false when the row was already claimed or mutated.
func (s *Store) MarkJobRun(ctx context.Context, id string, prevNext int64, at time.Time, next *int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET run_count = run_count + 1, last_run_at = ?, next_run_at = ?
		WHERE id = ? AND enabled = 1 AND next_run_at = ?;
	`, at.Unix(), nullable(next), id, prevNext)
	if err != nil {
		return false, fmt.Errorf("mark job run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark job run rows: %w", err)
	}
	return n > 0, nil
}

// MarkJobRunManual records a manually triggered fire without the
// next_run_at guard; used by the API's run-now path, which may fire a job
// that has no pending scheduled instant.
func (s *Store) MarkJobRunManual(ctx context.Context, id string, at time.Time, next *int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET run_count = run_count + 1, last_run_at = ?, next_run_at = ?
		WHERE id = ?;
	`, at.Unix(), nullable(next), id)
	if err != nil {
		return fmt.Errorf("mark manual job run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "job %s not found", id)
	}
	return nil
}

// SetJobEnabled toggles a job. Enabling supplies a freshly computed
// next_run_at; disabling clears it so the fire loop never sees the row.
func (s *Store) SetJobEnabled(ctx context.Context, id string, enabled bool, next *int64) error {
	var res sql.Result
	var err error
	if enabled {
		res, err = s.db.ExecContext(ctx, `UPDATE jobs SET enabled = 1, next_run_at = ? WHERE id = ?;`, nullable(next), id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE jobs SET enabled = 0, next_run_at = NULL WHERE id = ?;`, id)
	}
	if err != nil {
		return fmt.Errorf("set job enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "job %s not found", id)
	}
	return nil
}

// UpdateJobSchedule replaces the schedule and recomputed next_run_at.
func (s *Store) UpdateJobSchedule(ctx context.Context, id string, kind ScheduleKind, expr string, next *int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET schedule_kind = ?, schedule_expr = ?, next_run_at = ? WHERE id = ?;
	`, kind, expr, nullable(next), id)
	if err != nil {
		return fmt.Errorf("update job schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "job %s not found", id)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "job %s not found", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
