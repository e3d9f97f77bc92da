// Package audit keeps an append-only journal of the controller's launch
// decisions in SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/controller/internal/dispatch"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
	writeTimeout       = 2 * time.Second
)

// Entry is one journal row.
type Entry struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id,omitempty"`
	Kind      string    `json:"kind"`
	Verb      string    `json:"verb,omitempty"`
	Target    string    `json:"target,omitempty"`
	Args      []string  `json:"args"`
	PID       int       `json:"pid,omitempty"`
	ParentPID int       `json:"parent_pid,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal records dispatch events. It implements dispatch.Observer.
type Journal struct {
	db        *sql.DB
	parentPID int
	logger    *slog.Logger
}

// New creates a Journal on a database bootstrapped by storage.OpenSQLite.
func New(db *sql.DB, parentPID int, logger *slog.Logger) *Journal {
	return &Journal{db: db, parentPID: parentPID, logger: logger}
}

// Observe records every non-state event. Write failures are logged and
// never affect the dispatch loop.
func (j *Journal) Observe(ev dispatch.Event) {
	if ev.Kind == dispatch.EventState {
		return
	}

	e := Entry{
		Kind:      string(ev.Kind),
		Verb:      ev.Command.Verb,
		Target:    ev.Command.Target(),
		Args:      ev.Command.TargetArgs(),
		CreatedAt: ev.Time,
	}
	if ev.Kind == dispatch.EventLaunched {
		e.ID = ev.Result.ID
		e.PID = ev.Result.PID
		e.Args = ev.Result.Args
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.Record(ctx, e); err != nil {
		j.logger.Warn("failed to write audit entry", "kind", e.Kind, "error", err)
	}
}

// Record appends e. ParentPID defaults to the journal's parent pid and
// CreatedAt to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Kind == "" {
		return fmt.Errorf("kind is empty")
	}
	if e.ParentPID == 0 {
		e.ParentPID = j.parentPID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Args == nil {
		e.Args = []string{}
	}
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
INSERT INTO launch_log(id, kind, verb, target, args, pid, parent_pid, error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, nullString(e.ID), e.Kind, nullString(e.Verb), nullString(e.Target), string(args),
		nullInt(e.PID), nullInt(e.ParentPID), nullString(e.Error), e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. limit <= 0 means 50.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT seq, id, kind, verb, target, args, pid, parent_pid, error, created_at
FROM launch_log
ORDER BY seq DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			id         sql.NullString
			verb       sql.NullString
			target     sql.NullString
			args       string
			pid        sql.NullInt64
			parentPID  sql.NullInt64
			errText    sql.NullString
			createdAtS string
		)
		if err := rows.Scan(&e.Seq, &id, &e.Kind, &verb, &target, &args, &pid, &parentPID, &errText, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ID = id.String
		e.Verb = verb.String
		e.Target = target.String
		e.PID = int(pid.Int64)
		e.ParentPID = int(parentPID.Int64)
		e.Error = errText.String
		if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
			return nil, fmt.Errorf("decode args of entry %d: %w", e.Seq, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
