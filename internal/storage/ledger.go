// Package storage implements the action-outcome ledger: a local,
// write-only SQLite append log of every remediation action outcome, kept
// for forensic query only. It is never read back into the in-memory
// incident store; a restart starts with an empty incident store
// regardless of what the ledger holds.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/model"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS action_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id INTEGER NOT NULL,
	container_id TEXT NOT NULL,
	tool TEXT NOT NULL,
	target_id TEXT NOT NULL,
	priority INTEGER NOT NULL,
	success INTEGER NOT NULL,
	error_kind TEXT,
	error_msg TEXT,
	duration_ms INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	completed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_outcomes_completed_at ON action_outcomes(completed_at);
`

// Ledger is the append-only SQLite sink for action outcomes.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the ledger database at path and ensures its
// schema exists.
func Open(path string, logger *zap.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open action ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping action ledger: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create action ledger schema: %w", err)
	}
	return &Ledger{db: db, logger: logger.Named("action-ledger")}, nil
}

// Record appends a single action outcome. Implements bus consumption via
// HandleEvent for wiring onto the action_outcome topic.
func (l *Ledger) Record(ctx context.Context, event model.ActionOutcomeEvent) error {
	o := event.Outcome
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO action_outcomes
			(incident_id, container_id, tool, target_id, priority, success, error_kind, error_msg, duration_ms, attempt, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.IncidentID, event.ContainerID, o.Action.Tool, o.Action.TargetID, o.Action.Priority,
		boolToInt(o.Success), string(o.ErrorKind), o.ErrorMsg,
		o.Duration.Milliseconds(), o.Attempt, o.CompletedAt)
	if err != nil {
		return fmt.Errorf("record action outcome: %w", err)
	}
	return nil
}

// Record is a single row read back from the ledger for forensic query.
type Record struct {
	IncidentID  int64
	ContainerID string
	Tool        string
	TargetID    string
	Priority    int
	Success     bool
	ErrorKind   string
	ErrorMsg    string
	DurationMS  int64
	Attempt     int
	CompletedAt time.Time
}

// Since returns every outcome recorded at or after the given time,
// oldest first. This is an operator-facing forensic query path; it is
// never consulted by the running incident pipeline.
func (l *Ledger) Since(ctx context.Context, since time.Time) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT incident_id, container_id, tool, target_id, priority, success, error_kind, error_msg, duration_ms, attempt, completed_at
		FROM action_outcomes WHERE completed_at >= ? ORDER BY completed_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query action ledger: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var success int
		if err := rows.Scan(&r.IncidentID, &r.ContainerID, &r.Tool, &r.TargetID, &r.Priority,
			&success, &r.ErrorKind, &r.ErrorMsg, &r.DurationMS, &r.Attempt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan action ledger row: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
