package todo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Task is one scheduled task record.
type Task struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	DueAt       string `json:"due_timestamp"`
	CreatedAt   string `json:"created_timestamp"`
	SourceAgent string `json:"source_agent"`
	Status      string `json:"status"`
}

// Store wraps the single-table todo database. It is the source of alarm
// times for the scheduler.
type Store struct {
	db    *sql.DB
	agent string
}

const schema = `CREATE TABLE IF NOT EXISTS tasks
 (task_id TEXT PRIMARY KEY, description TEXT, priority INTEGER,
  due_timestamp TEXT, created_timestamp TEXT, source_agent TEXT, status TEXT)`

// Open opens (and if needed creates) the todo database.
func Open(path, agentName string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open todo db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init todo schema: %w", err)
	}
	return &Store{db: db, agent: agentName}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a pending task. dueIn accepts "24h", "90m" style offsets.
func (s *Store) Add(ctx context.Context, description string, priority int, dueIn string) (*Task, error) {
	now := time.Now().UTC()
	due := now.Add(parseDueOffset(dueIn, 24*time.Hour))

	task := &Task{
		TaskID:      "task-" + uuid.New().String()[:8],
		Description: description,
		Priority:    priority,
		DueAt:       due.Format(time.RFC3339Nano),
		CreatedAt:   now.Format(time.RFC3339Nano),
		SourceAgent: s.agent,
		Status:      "pending",
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO tasks VALUES (?, ?, ?, ?, ?, ?, ?)",
		task.TaskID, task.Description, task.Priority, task.DueAt, task.CreatedAt, task.SourceAgent, task.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return task, nil
}

// Complete marks a task completed.
func (s *Store) Complete(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET status = 'completed' WHERE task_id = ?", taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no such task: %s", taskID)
	}
	return nil
}

// Snooze pushes a task's due time out by the given offset.
func (s *Store) Snooze(ctx context.Context, taskID, dueIn string) (string, error) {
	due := time.Now().UTC().Add(parseDueOffset(dueIn, time.Hour)).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET due_timestamp = ? WHERE task_id = ?", due, taskID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("no such task: %s", taskID)
	}
	return due, nil
}

// List returns tasks matching a filter: "due" (overdue), "upcoming"
// (due within 24h), or anything else for all tasks.
func (s *Store) List(ctx context.Context, filter string) ([]Task, error) {
	query := "SELECT task_id, description, priority, due_timestamp, created_timestamp, source_agent, status FROM tasks"
	var args []interface{}
	switch filter {
	case "due":
		query += " WHERE status != 'completed' AND due_timestamp <= ?"
		args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	case "upcoming":
		query += " WHERE status != 'completed' AND due_timestamp <= ?"
		args = append(args, time.Now().UTC().Add(24*time.Hour).Format(time.RFC3339Nano))
	}
	return s.query(ctx, query, args...)
}

// Due returns up to limit overdue pending tasks, earliest first.
func (s *Store) Due(ctx context.Context, limit int) ([]Task, error) {
	return s.query(ctx,
		"SELECT task_id, description, priority, due_timestamp, created_timestamp, source_agent, status FROM tasks "+
			"WHERE status != 'completed' AND due_timestamp <= ? ORDER BY due_timestamp ASC LIMIT ?",
		time.Now().UTC().Format(time.RFC3339Nano), limit)
}

// NextDue computes how long the alarm should sleep before the next task is
// due. With no pending tasks it returns a 24h default; an already-overdue
// task yields a 5 minute pause to avoid an insomnia loop.
func (s *Store) NextDue(ctx context.Context) time.Duration {
	row := s.db.QueryRowContext(ctx,
		"SELECT due_timestamp FROM tasks WHERE status != 'completed' AND due_timestamp IS NOT NULL AND due_timestamp != '' "+
			"ORDER BY due_timestamp ASC LIMIT 1")

	var dueStr string
	if err := row.Scan(&dueStr); err != nil {
		if err != sql.ErrNoRows {
			slog.Warn("alarm sleep calculation failed", "error", err)
			return 30 * time.Second
		}
		return 24 * time.Hour
	}

	due, err := ParseTimestamp(dueStr)
	if err != nil {
		slog.Warn("unparseable due timestamp", "value", dueStr, "error", err)
		return 5 * time.Minute
	}

	delta := time.Until(due)
	if delta < 0 {
		return 5 * time.Minute
	}
	if delta < 100*time.Millisecond {
		delta = 100 * time.Millisecond
	}
	return delta
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.TaskID, &t.Description, &t.Priority, &t.DueAt, &t.CreatedAt, &t.SourceAgent, &t.Status); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ParseTimestamp is tolerant of the formats other agents write into the
// shared table: RFC3339, space-separated datetimes, and naive timestamps
// without a zone (treated as UTC).
func ParseTimestamp(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if strings.Contains(v, " ") && !strings.Contains(v, "T") {
		v = strings.Replace(v, " ", "T", 1)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

// parseDueOffset parses "24h" / "30m" style offsets, falling back to a
// default when the value is empty or malformed.
func parseDueOffset(value string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(strings.ToLower(value))
	if v == "" {
		return fallback
	}
	if strings.HasSuffix(v, "h") {
		if n, err := strconv.Atoi(strings.TrimSuffix(v, "h")); err == nil {
			return time.Duration(n) * time.Hour
		}
	}
	if strings.HasSuffix(v, "m") {
		if n, err := strconv.Atoi(strings.TrimSuffix(v, "m")); err == nil {
			return time.Duration(n) * time.Minute
		}
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
