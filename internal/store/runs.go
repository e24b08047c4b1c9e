package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Run statuses recorded in sweep_runs.status.
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusError    = "error"
)

// SweepRun is one recorded sweep execution.
type SweepRun struct {
	ID              string
	LatticeName     string
	RequestJSON     string
	Status          string
	TotalPoints     int
	CompletedPoints int
	FailedPoints    int
	StartedAtUnix   int64
	FinishedAtUnix  *int64
}

// PointRecord is one persisted grid point outcome.
type PointRecord struct {
	RunID      string
	PointKey   string
	ParamsJSON string
	OpticsJSON string
	Failure    string
	Cancelled  bool
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// CreateRun inserts a new sweep run row. Missing ID, status and start time
// are filled in.
func (s *Store) CreateRun(run *SweepRun) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAtUnix == 0 {
		run.StartedAtUnix = time.Now().Unix()
	}
	if run.RequestJSON == "" {
		run.RequestJSON = "{}"
	}

	_, err := s.Exec(`
		INSERT INTO sweep_runs (id, lattice_name, request_json, status, total_points, completed_points, failed_points, started_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.LatticeName, run.RequestJSON, run.Status, run.TotalPoints, run.CompletedPoints, run.FailedPoints, run.StartedAtUnix)
	if err != nil {
		return fmt.Errorf("failed to insert sweep run: %w", err)
	}
	return nil
}

// FinishRun closes out a run with its final status and counts.
func (s *Store) FinishRun(id, status string, completed, failed int) error {
	res, err := s.Exec(`
		UPDATE sweep_runs
		SET status = ?, completed_points = ?, failed_points = ?, finished_at_unix = ?
		WHERE id = ?
	`, status, completed, failed, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to finish sweep run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sweep run %s not found", id)
	}
	return nil
}

const sweepRunColumns = `id, lattice_name, request_json, status, total_points, completed_points, failed_points, started_at_unix, finished_at_unix`

func scanRun(row interface{ Scan(...interface{}) error }) (*SweepRun, error) {
	var run SweepRun
	err := row.Scan(&run.ID, &run.LatticeName, &run.RequestJSON, &run.Status,
		&run.TotalPoints, &run.CompletedPoints, &run.FailedPoints,
		&run.StartedAtUnix, &run.FinishedAtUnix)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun loads one sweep run by ID.
func (s *Store) GetRun(id string) (*SweepRun, error) {
	run, err := scanRun(s.QueryRow(`SELECT `+sweepRunColumns+` FROM sweep_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sweep run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sweep run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]SweepRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Query(`SELECT `+sweepRunColumns+` FROM sweep_runs ORDER BY started_at_unix DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []SweepRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sweep run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// InsertPointResult records one grid point outcome. Re-inserting the same
// (run, point) replaces the previous row so resumed sweeps stay clean.
func (s *Store) InsertPointResult(runID, pointKey, paramsJSON, opticsJSON, failure string, cancelled bool) error {
	if paramsJSON == "" {
		paramsJSON = "{}"
	}
	_, err := s.Exec(`
		INSERT INTO point_results (run_id, point_key, params_json, optics_json, failure, cancelled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, point_key) DO UPDATE SET
			params_json = excluded.params_json,
			optics_json = excluded.optics_json,
			failure     = excluded.failure,
			cancelled   = excluded.cancelled
	`, runID, pointKey, paramsJSON, opticsJSON, failure, cancelled)
	if err != nil {
		return fmt.Errorf("failed to insert point result: %w", err)
	}
	return nil
}

// GetPointResult loads one grid point outcome.
func (s *Store) GetPointResult(runID, pointKey string) (*PointRecord, error) {
	var rec PointRecord
	err := s.QueryRow(`
		SELECT run_id, point_key, params_json, optics_json, failure, cancelled
		FROM point_results WHERE run_id = ? AND point_key = ?
	`, runID, pointKey).Scan(&rec.RunID, &rec.PointKey, &rec.ParamsJSON, &rec.OpticsJSON, &rec.Failure, &rec.Cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no result for run %s point %s", runID, pointKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load point result: %w", err)
	}
	return &rec, nil
}

// ListPointResults returns all recorded outcomes for a run, ordered by
// point key.
func (s *Store) ListPointResults(runID string) ([]PointRecord, error) {
	rows, err := s.Query(`
		SELECT run_id, point_key, params_json, optics_json, failure, cancelled
		FROM point_results WHERE run_id = ? ORDER BY point_key
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list point results: %w", err)
	}
	defer rows.Close()

	var recs []PointRecord
	for rows.Next() {
		var rec PointRecord
		if err := rows.Scan(&rec.RunID, &rec.PointKey, &rec.ParamsJSON, &rec.OpticsJSON, &rec.Failure, &rec.Cancelled); err != nil {
			return nil, fmt.Errorf("failed to scan point result: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Shared zstd coder pair; EncodeAll and DecodeAll are safe for concurrent
// use on a single instance.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// PutTrajectories stores the raw probe trajectory dump for one grid point,
// zstd-compressed. An existing blob for the same point is replaced.
func (s *Store) PutTrajectories(runID, pointKey string, raw []byte) error {
	blob := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/4))
	_, err := s.Exec(`
		INSERT INTO trajectories (run_id, point_key, blob)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, point_key) DO UPDATE SET blob = excluded.blob
	`, runID, pointKey, blob)
	if err != nil {
		return fmt.Errorf("failed to store trajectories: %w", err)
	}
	return nil
}

// GetTrajectories loads and decompresses one grid point's trajectory dump.
func (s *Store) GetTrajectories(runID, pointKey string) ([]byte, error) {
	var blob []byte
	err := s.QueryRow(`SELECT blob FROM trajectories WHERE run_id = ? AND point_key = ?`, runID, pointKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no trajectories for run %s point %s", runID, pointKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trajectories: %w", err)
	}
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress trajectories: %w", err)
	}
	return raw, nil
}
