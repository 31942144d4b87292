// ABOUTME: SQLite-backed RunStateStore persisting runs, stage results, logs, events, and artifacts.
// ABOUTME: WAL-mode database safe for the coordinator's transition writes plus concurrent worker log appends.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389-research/conveyor/pipeline"
	_ "github.com/mattn/go-sqlite3"
)

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// SqliteStore is a SQLite-backed run state store. One writer connection is
// shared; SQLite serializes writes and WAL keeps readers unblocked.
type SqliteStore struct {
	db *sql.DB
}

// OpenSqlite opens or creates the run state database at the given path and
// applies the schema.
func OpenSqlite(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline_name TEXT NOT NULL,
			branch TEXT NOT NULL,
			commit_sha TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error TEXT NOT NULL DEFAULT '',
			stage_order TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS stage_results (
			run_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			exit_code INTEGER NOT NULL DEFAULT 0,
			timed_out INTEGER NOT NULL DEFAULT 0,
			ignored INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			stdout_path TEXT NOT NULL DEFAULT '',
			stderr_path TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, stage_id)
		);

		CREATE TABLE IF NOT EXISTS stage_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			stream TEXT NOT NULL,
			line TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_stage_logs_lookup ON stage_logs (run_id, stage_id);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			stage_id TEXT NOT NULL DEFAULT '',
			data TEXT,
			timestamp TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_run ON events (run_id);

		CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			source_path TEXT NOT NULL,
			stored_path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			collected_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts (run_id);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record along with its initial stage results.
func (s *SqliteStore) CreateRun(rec *pipeline.RunRecord) error {
	order, err := json.Marshal(rec.StageOrder)
	if err != nil {
		return fmt.Errorf("marshal stage order: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, pipeline_name, branch, commit_sha, status, started_at, completed_at, error, stage_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PipelineName, rec.Branch, rec.Commit, string(rec.Status),
		rec.StartedAt.Format(timeLayout), formatTimePtr(rec.CompletedAt), rec.Error, string(order))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, stageID := range rec.StageOrder {
		if res := rec.Stages[stageID]; res != nil {
			if err := s.SaveStageResult(rec.ID, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateRun updates a run's mutable fields.
func (s *SqliteStore) UpdateRun(rec *pipeline.RunRecord) error {
	_, err := s.db.Exec(
		"UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ?",
		string(rec.Status), formatTimePtr(rec.CompletedAt), rec.Error, rec.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", rec.ID, err)
	}
	return nil
}

// GetRun loads a full run record including its stage results. Returns
// sql.ErrNoRows wrapped when the run does not exist.
func (s *SqliteStore) GetRun(id string) (*pipeline.RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, pipeline_name, branch, commit_sha, status, started_at, completed_at, error, stage_order
		 FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	if err := s.loadStages(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRuns returns all runs, newest first, with stage results loaded.
func (s *SqliteStore) ListRuns() ([]*pipeline.RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, pipeline_name, branch, commit_sha, status, started_at, completed_at, error, stage_order
		 FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*pipeline.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := s.loadStages(rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// SaveStageResult upserts one stage's result row.
func (s *SqliteStore) SaveStageResult(runID string, res *pipeline.StageResult) error {
	_, err := s.db.Exec(
		`INSERT INTO stage_results (run_id, stage_id, status, started_at, completed_at, exit_code, timed_out, ignored, failure_reason, stdout_path, stderr_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, stage_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			exit_code = excluded.exit_code,
			timed_out = excluded.timed_out,
			ignored = excluded.ignored,
			failure_reason = excluded.failure_reason,
			stdout_path = excluded.stdout_path,
			stderr_path = excluded.stderr_path`,
		runID, res.StageID, string(res.Status),
		formatTimePtr(res.StartedAt), formatTimePtr(res.CompletedAt),
		res.ExitCode, boolToInt(res.TimedOut), boolToInt(res.Ignored),
		res.FailureReason, res.StdoutPath, res.StderrPath)
	if err != nil {
		return fmt.Errorf("upsert stage result %s/%s: %w", runID, res.StageID, err)
	}
	return nil
}

// AppendLog appends one output line for a stage.
func (s *SqliteStore) AppendLog(runID, stageID, stream, line string) error {
	_, err := s.db.Exec(
		"INSERT INTO stage_logs (run_id, stage_id, stream, line) VALUES (?, ?, ?, ?)",
		runID, stageID, stream, line)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// TailLog returns the last n log lines for a stage, oldest first. An empty
// stream matches both streams.
func (s *SqliteStore) TailLog(runID, stageID, stream string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	query := "SELECT line FROM stage_logs WHERE run_id = ? AND stage_id = ?"
	args := []any{runID, stageID}
	if stream != "" {
		query += " AND stream = ?"
		args = append(args, stream)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// AppendEvent appends one lifecycle event to the run's event log.
func (s *SqliteStore) AppendEvent(runID string, evt pipeline.Event) error {
	var data []byte
	if evt.Data != nil {
		var err error
		data, err = json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := s.db.Exec(
		"INSERT INTO events (run_id, type, stage_id, data, timestamp) VALUES (?, ?, ?, ?, ?)",
		runID, string(evt.Type), evt.StageID, nullableString(data), evt.Timestamp.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the run's events, filtered, in append order.
func (s *SqliteStore) Events(runID string, filter pipeline.EventFilter) ([]pipeline.Event, error) {
	rows, err := s.db.Query(
		"SELECT type, stage_id, data, timestamp FROM events WHERE run_id = ? ORDER BY id ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []pipeline.Event
	for rows.Next() {
		var (
			typ, stageID, ts string
			data             sql.NullString
		)
		if err := rows.Scan(&typ, &stageID, &data, &ts); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt := pipeline.Event{Type: pipeline.EventType(typ), StageID: stageID}
		if evt.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &evt.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pipeline.FilterEvents(events, filter), nil
}

// SaveArtifact records one collected artifact.
func (s *SqliteStore) SaveArtifact(runID string, art *pipeline.Artifact) error {
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, run_id, stage_id, kind, source_path, stored_path, size_bytes, collected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ID, runID, art.StageID, string(art.Kind),
		art.SourcePath, art.StoredPath, art.SizeBytes, art.CollectedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Artifacts returns the run's collected artifacts in collection order.
func (s *SqliteStore) Artifacts(runID string) ([]*pipeline.Artifact, error) {
	rows, err := s.db.Query(
		`SELECT id, stage_id, kind, source_path, stored_path, size_bytes, collected_at
		 FROM artifacts WHERE run_id = ? ORDER BY collected_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*pipeline.Artifact
	for rows.Next() {
		var (
			art  pipeline.Artifact
			kind string
			ts   string
		)
		if err := rows.Scan(&art.ID, &art.StageID, &kind, &art.SourcePath,
			&art.StoredPath, &art.SizeBytes, &ts); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		art.Kind = pipeline.ArtifactKind(kind)
		if art.CollectedAt, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse artifact timestamp: %w", err)
		}
		artifacts = append(artifacts, &art)
	}
	return artifacts, rows.Err()
}

// Prune deletes runs started before the cutoff along with all their dependent
// rows, and returns the number of runs removed.
func (s *SqliteStore) Prune(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)

	rows, err := s.db.Query("SELECT id FROM runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("query prunable runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		for _, table := range []string{"stage_logs", "events", "artifacts", "stage_results", "runs"} {
			col := "run_id"
			if table == "runs" {
				col = "id"
			}
			if _, err := s.db.Exec("DELETE FROM "+table+" WHERE "+col+" = ?", id); err != nil {
				return 0, fmt.Errorf("prune run %s from %s: %w", id, table, err)
			}
		}
	}
	return len(ids), nil
}

// loadStages fills a record's stage results from the stage_results table,
// preserving StageOrder.
func (s *SqliteStore) loadStages(rec *pipeline.RunRecord) error {
	rows, err := s.db.Query(
		`SELECT stage_id, status, started_at, completed_at, exit_code, timed_out, ignored, failure_reason, stdout_path, stderr_path
		 FROM stage_results WHERE run_id = ?`, rec.ID)
	if err != nil {
		return fmt.Errorf("query stage results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rec.Stages = make(map[string]*pipeline.StageResult)
	for rows.Next() {
		var (
			res                  pipeline.StageResult
			status               string
			startedAt, completed sql.NullString
			timedOut, ignored    int
		)
		if err := rows.Scan(&res.StageID, &status, &startedAt, &completed,
			&res.ExitCode, &timedOut, &ignored, &res.FailureReason,
			&res.StdoutPath, &res.StderrPath); err != nil {
			return fmt.Errorf("scan stage result: %w", err)
		}
		res.Status = pipeline.StageStatus(status)
		res.TimedOut = timedOut != 0
		res.Ignored = ignored != 0
		if res.StartedAt, err = parseTimePtr(startedAt); err != nil {
			return err
		}
		if res.CompletedAt, err = parseTimePtr(completed); err != nil {
			return err
		}
		rec.Stages[res.StageID] = &res
	}
	return rows.Err()
}

// scanner covers both sql.Row and sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*pipeline.RunRecord, error) {
	var (
		rec         pipeline.RunRecord
		status      string
		startedAt   string
		completedAt sql.NullString
		stageOrder  string
	)
	if err := row.Scan(&rec.ID, &rec.PipelineName, &rec.Branch, &rec.Commit,
		&status, &startedAt, &completedAt, &rec.Error, &stageOrder); err != nil {
		return nil, err
	}
	rec.Status = pipeline.RunStatus(status)

	var err error
	if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stageOrder), &rec.StageOrder); err != nil {
		return nil, fmt.Errorf("unmarshal stage order: %w", err)
	}
	return &rec, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeLayout)
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &t, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
