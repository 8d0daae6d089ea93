package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/harut0/phoned/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store persists task-run history and per-run event logs. The live
// relay and device caches stay in memory; the store only records what
// the daemon has already streamed to consumers.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) InsertTaskRun(ctx context.Context, run model.TaskRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_runs(run_id, task, status, result, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?)
`, run.RunID, run.Task, string(run.Status), run.Result, ts(run.StartedAt), nullableTS(run.EndedAt))
	if err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

func (s *Store) FinishTaskRun(ctx context.Context, runID string, status model.RunStatus, result string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE task_runs SET status = ?, result = ?, ended_at = ? WHERE run_id = ?
`, string(status), result, ts(endedAt), runID)
	if err != nil {
		return fmt.Errorf("finish task run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish task run rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetTaskRun(ctx context.Context, runID string) (model.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, task, status, result, started_at, ended_at
FROM task_runs WHERE run_id = ?
`, runID)
	run, err := scanTaskRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TaskRun{}, ErrNotFound
	}
	return run, err
}

func (s *Store) ListTaskRuns(ctx context.Context, limit int) ([]model.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, task, status, result, started_at, ended_at
FROM task_runs ORDER BY started_at DESC, run_id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	out := make([]model.TaskRun, 0)
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter task runs: %w", err)
	}
	return out, nil
}

func (s *Store) AppendTaskEvent(ctx context.Context, runID string, seq int64, ev model.TaskEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_events(run_id, seq, kind, message, event_time)
VALUES (?, ?, ?, ?, ?)
`, runID, seq, string(ev.Kind), ev.Message, ts(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// ListTaskEvents returns events with seq > afterSeq in emission order.
// Sequences start at 1, so afterSeq = 0 returns the full log.
func (s *Store) ListTaskEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]model.TaskEvent, []int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, kind, message, event_time
FROM task_events WHERE run_id = ? AND seq > ?
ORDER BY seq ASC LIMIT ?
`, runID, afterSeq, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	events := make([]model.TaskEvent, 0)
	seqs := make([]int64, 0)
	for rows.Next() {
		var (
			seq       int64
			kind      string
			message   string
			eventTime string
		)
		if err := rows.Scan(&seq, &kind, &message, &eventTime); err != nil {
			return nil, nil, fmt.Errorf("scan task event: %w", err)
		}
		at, err := parseTS(eventTime)
		if err != nil {
			return nil, nil, fmt.Errorf("parse event time: %w", err)
		}
		events = append(events, model.TaskEvent{Kind: model.TaskEventKind(kind), Message: message, Timestamp: at})
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iter task events: %w", err)
	}
	return events, seqs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRun(row rowScanner) (model.TaskRun, error) {
	var (
		run       model.TaskRun
		status    string
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&run.RunID, &run.Task, &status, &run.Result, &startedAt, &endedAt); err != nil {
		return model.TaskRun{}, err
	}
	run.Status = model.RunStatus(status)
	started, err := parseTS(startedAt)
	if err != nil {
		return model.TaskRun{}, fmt.Errorf("parse started_at: %w", err)
	}
	run.StartedAt = started
	if endedAt.Valid {
		ended, err := parseTS(endedAt.String)
		if err != nil {
			return model.TaskRun{}, fmt.Errorf("parse ended_at: %w", err)
		}
		run.EndedAt = &ended
	}
	return run, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
