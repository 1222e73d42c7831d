// Package ledger records sweep cases in a SQLite database so case indices
// form an auditable trail across invocations.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

// DefaultFile is the database file name placed in the sweep output directory.
const DefaultFile = "hexsweep.db"

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("ledger record not found")

// ErrNotFinal is returned when Finish is given a status a finished case
// cannot hold.
var ErrNotFinal = errors.New("status is not final")

// Status is the lifecycle position of a recorded case.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDispatched Status = "dispatched"
	StatusPlanned    Status = "planned"
)

// IsFinal reports whether a case with this status is finished.
func (s Status) IsFinal() bool {
	return s != StatusRunning
}

// Record is one case row.
type Record struct {
	ID               int64
	SweepID          string
	CaseIndex        int
	ResolutionIndex  int
	ResolutionMeters float64
	Threshold        float64
	Workspace        string
	Mode             string
	Status           Status
	MeshCells        int
	Error            string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Ledger is a SQLite-backed case store.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path. ":memory:" opens a
// private in-memory database.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers on file databases.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const createCases = `
CREATE TABLE IF NOT EXISTS cases (
  id                INTEGER PRIMARY KEY AUTOINCREMENT,
  sweep_id          TEXT NOT NULL,
  case_index        INTEGER NOT NULL,
  resolution_index  INTEGER NOT NULL,
  resolution_meters REAL,
  threshold         REAL,
  workspace         TEXT,
  mode              TEXT,
  status            TEXT NOT NULL,
  mesh_cells        INTEGER DEFAULT 0,
  error             TEXT DEFAULT '',
  started_at        TEXT,
  finished_at       TEXT
);`
	if _, err := db.Exec(createCases); err != nil {
		return fmt.Errorf("create cases table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_cases_sweep ON cases (sweep_id, case_index)`); err != nil {
		return fmt.Errorf("create cases index: %w", err)
	}
	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Begin inserts a running case and returns its id.
func (l *Ledger) Begin(ctx context.Context, r Record) (int64, error) {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO cases (sweep_id, case_index, resolution_index, resolution_meters, threshold,
                            workspace, mode, status, started_at, finished_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SweepID, r.CaseIndex, r.ResolutionIndex, r.ResolutionMeters, r.Threshold,
		r.Workspace, r.Mode, string(r.Status), r.StartedAt.UTC().Format(time.RFC3339Nano), "",
	)
	if err != nil {
		return 0, fmt.Errorf("insert case: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert case: %w", err)
	}
	return id, nil
}

// Finish stores the final status of a case.
func (l *Ledger) Finish(ctx context.Context, id int64, status Status, meshCells int, errText string) error {
	if !status.IsFinal() {
		return fmt.Errorf("finish case %d: %w: %s", id, ErrNotFinal, status)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE cases SET status = ?, mesh_cells = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), meshCells, errText, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update case %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update case %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

const selectCases = `SELECT id, sweep_id, case_index, resolution_index, resolution_meters, threshold,
       workspace, mode, status, mesh_cells, error, started_at, finished_at FROM cases`

// ListSweep returns the cases of one sweep ordered by case index.
func (l *Ledger) ListSweep(ctx context.Context, sweepID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, selectCases+` WHERE sweep_id = ? ORDER BY case_index, id`, sweepID)
	if err != nil {
		return nil, fmt.Errorf("query sweep %s: %w", sweepID, err)
	}
	return scanRecords(rows)
}

// Latest returns the n most recent cases, newest first.
func (l *Ledger) Latest(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := l.db.QueryContext(ctx, selectCases+` ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query latest cases: %w", err)
	}
	return scanRecords(rows)
}

// LastCaseIndex returns the highest case index ever recorded, or 0.
func (l *Ledger) LastCaseIndex(ctx context.Context) (int, error) {
	var last sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(case_index) FROM cases`).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last case index: %w", err)
	}
	return int(last.Int64), nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r                 Record
			status            string
			meters, threshold sql.NullFloat64
			workspace, mode   sql.NullString
			errText           sql.NullString
			started, finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.SweepID, &r.CaseIndex, &r.ResolutionIndex, &meters, &threshold,
			&workspace, &mode, &status, &r.MeshCells, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		r.ResolutionMeters = meters.Float64
		r.Threshold = threshold.Float64
		r.Workspace = workspace.String
		r.Mode = mode.String
		r.Status = Status(status)
		r.Error = errText.String
		r.StartedAt = parseTime(started.String)
		r.FinishedAt = parseTime(finished.String)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
