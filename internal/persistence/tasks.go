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

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskInProgress, TaskBlocked, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

func ValidTaskPriority(p TaskPriority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type BlockerKind string

const (
	BlockerHumanInput    BlockerKind = "human_input"
	BlockerHumanApproval BlockerKind = "human_approval"
	BlockerHumanAction   BlockerKind = "human_action"
	BlockerDependency    BlockerKind = "dependency"
)

func ValidBlockerKind(k BlockerKind) bool {
	switch k {
	case BlockerHumanInput, BlockerHumanApproval, BlockerHumanAction, BlockerDependency:
		return true
	}
	return false
}

// Blocker records something a task is waiting on. A blocker with a nil
// ResolvedAt is unresolved and holds its task in the blocked status.
type Blocker struct {
	ID          string      `json:"id"`
	Kind        BlockerKind `json:"kind"`
	Description string      `json:"description"`
	CreatedAt   int64       `json:"created_at"`
	ResolvedAt  *int64      `json:"resolved_at,omitempty"`
	ResolvedBy  string      `json:"resolved_by,omitempty"`
	Resolution  string      `json:"resolution,omitempty"`
}

type TaskNote struct {
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}

type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Assignee    string       `json:"assignee,omitempty"`
	Blockers    []Blocker    `json:"blockers"`
	DependsOn   []string     `json:"depends_on"`
	Tags        []string     `json:"tags"`
	Notes       []TaskNote   `json:"notes"`
	Source      string       `json:"source,omitempty"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
	CompletedAt *int64       `json:"completed_at,omitempty"`
}

// UnresolvedBlockers counts blockers without a resolution.
func (t *Task) UnresolvedBlockers() int {
	n := 0
	for _, b := range t.Blockers {
		if b.ResolvedAt == nil {
			n++
		}
	}
	return n
}

const taskColumns = `id, title, description, status, priority, assignee, blockers, depends_on,
	tags, notes, source, created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var blockers, dependsOn, tags, notes string
	var completed sql.NullInt64
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Assignee,
		&blockers, &dependsOn, &tags, &notes, &t.Source, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t.CompletedAt = &completed.Int64
	}
	for _, col := range []struct {
		raw string
		dst any
	}{
		{blockers, &t.Blockers},
		{dependsOn, &t.DependsOn},
		{tags, &t.Tags},
		{notes, &t.Notes},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("decode task column: %w", err)
		}
	}
	return &t, nil
}

func (s *Store) InsertTask(ctx context.Context, t Task) (*Task, error) {
	if t.Title == "" {
		return nil, fault.New(fault.KindValidation, "task title must not be empty")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if !ValidTaskStatus(t.Status) {
		return nil, fault.New(fault.KindValidation, "invalid task status %q", t.Status)
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if !ValidTaskPriority(t.Priority) {
		return nil, fault.New(fault.KindValidation, "invalid task priority %q", t.Priority)
	}
	now := time.Now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.UnresolvedBlockers() > 0 {
		t.Status = TaskBlocked
	}
	return &t, s.writeTask(ctx, &t, true)
}

func (s *Store) writeTask(ctx context.Context, t *Task, insert bool) error {
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		if b == nil || string(b) == "null" {
			return "[]"
		}
		return string(b)
	}
	if insert {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Title, t.Description, t.Status, t.Priority, t.Assignee,
			enc(t.Blockers), enc(t.DependsOn), enc(t.Tags), enc(t.Notes),
			t.Source, t.CreatedAt, t.UpdatedAt, nullable(t.CompletedAt))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, assignee = ?,
			blockers = ?, depends_on = ?, tags = ?, notes = ?, source = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?;
	`, t.Title, t.Description, t.Status, t.Priority, t.Assignee,
		enc(t.Blockers), enc(t.DependsOn), enc(t.Tags), enc(t.Notes), t.Source,
		t.UpdatedAt, nullable(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "task %s not found", t.ID)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus) ([]Task, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		if !ValidTaskStatus(status) {
			return nil, fault.New(fault.KindValidation, "invalid task status %q", status)
		}
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC;`, status)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC;`)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// SetTaskStatus moves a task to the given status. Completing stamps
// completed_at; a task with unresolved blockers refuses to leave blocked
// except to cancelled.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus) (*Task, error) {
	if !ValidTaskStatus(status) {
		return nil, fault.New(fault.KindValidation, "invalid task status %q", status)
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UnresolvedBlockers() > 0 && status != TaskCancelled && status != TaskBlocked {
		return nil, fault.New(fault.KindConflict, "task %s has unresolved blockers", id)
	}
	now := time.Now().Unix()
	t.Status = status
	t.UpdatedAt = now
	if status == TaskCompleted {
		t.CompletedAt = &now
	} else {
		t.CompletedAt = nil
	}
	if err := s.writeTask(ctx, t, false); err != nil {
		return nil, err
	}
	return t, nil
}

// AddBlocker appends an unresolved blocker and moves the task to blocked.
func (s *Store) AddBlocker(ctx context.Context, taskID string, kind BlockerKind, description string) (*Task, error) {
	if !ValidBlockerKind(kind) {
		return nil, fault.New(fault.KindValidation, "invalid blocker kind %q", kind)
	}
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == TaskCompleted || t.Status == TaskCancelled {
		return nil, fault.New(fault.KindConflict, "task %s is already terminal", taskID)
	}
	now := time.Now().Unix()
	t.Blockers = append(t.Blockers, Blocker{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		CreatedAt:   now,
	})
	t.Status = TaskBlocked
	t.UpdatedAt = now
	if err := s.writeTask(ctx, t, false); err != nil {
		return nil, err
	}
	return t, nil
}

// ResolveBlocker marks one blocker resolved; resolving the last unresolved
// blocker moves a blocked task back to pending.
func (s *Store) ResolveBlocker(ctx context.Context, taskID, blockerID, resolvedBy, resolution string) (*Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	found := false
	for i := range t.Blockers {
		if t.Blockers[i].ID != blockerID {
			continue
		}
		found = true
		if t.Blockers[i].ResolvedAt != nil {
			return nil, fault.New(fault.KindConflict, "blocker %s already resolved", blockerID)
		}
		t.Blockers[i].ResolvedAt = &now
		t.Blockers[i].ResolvedBy = resolvedBy
		t.Blockers[i].Resolution = resolution
	}
	if !found {
		return nil, fault.New(fault.KindNotFound, "blocker %s not found on task %s", blockerID, taskID)
	}
	if t.Status == TaskBlocked && t.UnresolvedBlockers() == 0 {
		t.Status = TaskPending
	}
	t.UpdatedAt = now
	if err := s.writeTask(ctx, t, false); err != nil {
		return nil, err
	}
	return t, nil
}

// AddTaskNote appends a free-form note.
func (s *Store) AddTaskNote(ctx context.Context, taskID, text string) (*Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	t.Notes = append(t.Notes, TaskNote{Text: text, CreatedAt: now})
	t.UpdatedAt = now
	if err := s.writeTask(ctx, t, false); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "task %s not found", id)
	}
	return nil
}
