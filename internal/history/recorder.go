package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultPath is the history database relative to the pipeline directory.
const DefaultPath = ".meshpipe/history.db"

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	pipeline_hash TEXT NOT NULL,
	targets       TEXT NOT NULL,
	jobs          INTEGER NOT NULL,
	force         INTEGER NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS stage_runs (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	stage       TEXT NOT NULL,
	state       TEXT NOT NULL,
	hash        TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	reasons     TEXT NOT NULL,
	log_path    TEXT NOT NULL,
	error       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run ON stage_runs(run_id);

CREATE TABLE IF NOT EXISTS failures (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	class       TEXT NOT NULL,
	stage       TEXT NOT NULL,
	code        TEXT NOT NULL,
	message     TEXT NOT NULL,
	retryable   INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failures_run ON failures(run_id);
`

// Recorder writes and queries run history.
type Recorder struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the database at path.
func Open(path string) (*Recorder, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One writer at a time; parallel stage events are serialized here.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init history: %w", err)
		}
	}
	return &Recorder{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (r *Recorder) Close() error { return r.db.Close() }

// Path returns the database file.
func (r *Recorder) Path() string { return r.path }

// StartRun inserts a running run and returns it with ID and StartedAt set.
func (r *Recorder) StartRun(ctx context.Context, run Run) (Run, error) {
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run: %w", err)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = r.now()
	}
	run.Status = RunRunning
	targets, err := json.Marshal(nonNil(run.Targets))
	if err != nil {
		return Run{}, err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_hash, targets, jobs, force, started_at, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PipelineHash, string(targets), run.Jobs, boolInt(run.Force), formatTime(run.StartedAt), string(run.Status))
	if err != nil {
		return Run{}, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// RecordStage appends a stage outcome to a run.
func (r *Recorder) RecordStage(ctx context.Context, sr StageRun) error {
	if strings.TrimSpace(sr.RunID) == "" || strings.TrimSpace(sr.Stage) == "" {
		return errors.New("record stage: run id and stage are required")
	}
	reasons, err := json.Marshal(nonNil(sr.Reasons))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO stage_runs (run_id, stage, state, hash, exit_code, duration_ms, reasons, log_path, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.RunID, sr.Stage, sr.State, sr.Hash, sr.ExitCode, sr.Duration.Milliseconds(), string(reasons), sr.LogPath, sr.Error)
	if err != nil {
		return fmt.Errorf("record stage: %w", err)
	}
	return nil
}

// FinishRun sets the final status of a run.
func (r *Recorder) FinishRun(ctx context.Context, id string, status RunStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), formatTime(r.now()), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordFailure classifies err and stores it against a run.
func (r *Recorder) RecordFailure(ctx context.Context, id string, err error) error {
	f, ferr := Classify(err)
	if ferr != nil {
		return ferr
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO failures (run_id, class, stage, code, message, retryable, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(f.Class), f.Stage, f.Code, f.Message, boolInt(f.Retryable), formatTime(r.now()))
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (r *Recorder) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT id, pipeline_hash, targets, jobs, force, started_at, finished_at, status FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run.
func (r *Recorder) GetRun(ctx context.Context, id string) (Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, pipeline_hash, targets, jobs, force, started_at, finished_at, status FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// Stages returns the stage outcomes of a run in recording order.
func (r *Recorder) Stages(ctx context.Context, runID string) ([]StageRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, run_id, stage, state, hash, exit_code, duration_ms, reasons, log_path, error FROM stage_runs WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()
	var out []StageRun
	for rows.Next() {
		var sr StageRun
		var ms int64
		var reasons string
		if err := rows.Scan(&sr.Seq, &sr.RunID, &sr.Stage, &sr.State, &sr.Hash, &sr.ExitCode, &ms, &reasons, &sr.LogPath, &sr.Error); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		sr.Duration = time.Duration(ms) * time.Millisecond
		if err := json.Unmarshal([]byte(reasons), &sr.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons: %w", err)
		}
		if len(sr.Reasons) == 0 {
			sr.Reasons = nil
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// LastFailure returns the most recent failure of a run, or nil.
func (r *Recorder) LastFailure(ctx context.Context, runID string) (*Failure, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT class, stage, code, message, retryable FROM failures WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID)
	var f Failure
	var class string
	var retryable int
	if err := row.Scan(&class, &f.Stage, &f.Code, &f.Message, &retryable); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last failure: %w", err)
	}
	f.Class = FailureClass(class)
	f.Retryable = retryable != 0
	return &f, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var run Run
	var targets, started, finished, status string
	var force int
	if err := s.Scan(&run.ID, &run.PipelineHash, &targets, &run.Jobs, &force, &started, &finished, &status); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(targets), &run.Targets); err != nil {
		return Run{}, fmt.Errorf("decode targets: %w", err)
	}
	if len(run.Targets) == 0 {
		run.Targets = nil
	}
	run.Force = force != 0
	run.Status = RunStatus(status)
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return Run{}, err
	}
	return run, nil
}

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode time %q: %w", s, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
