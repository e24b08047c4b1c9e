package store

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run := &SweepRun{LatticeName: "fodo_cell", RequestJSON: `{"dimensions":[]}`, TotalPoints: 4}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID == "" {
		t.Fatal("CreateRun did not assign an ID")
	}
	if run.Status != RunStatusRunning {
		t.Errorf("Expected status running, got %s", run.Status)
	}
	if run.StartedAtUnix == 0 {
		t.Error("CreateRun did not set start time")
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("Run round-trip mismatch (-want +got):\n%s", diff)
	}

	if err := s.FinishRun(run.ID, RunStatusComplete, 4, 1); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	got, err = s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun after finish failed: %v", err)
	}
	if got.Status != RunStatusComplete || got.CompletedPoints != 4 || got.FailedPoints != 1 {
		t.Errorf("FinishRun not applied: %+v", got)
	}
	if got.FinishedAtUnix == nil {
		t.Error("FinishRun did not set finish time")
	}
}

func TestFinishUnknownRun(t *testing.T) {
	s := newTestStore(t)
	if err := s.FinishRun("no-such-run", RunStatusError, 0, 0); err == nil {
		t.Error("Expected error finishing unknown run, got nil")
	}
}

func TestGetUnknownRun(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRun("no-such-run"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for i, start := range []int64{100, 300, 200} {
		run := &SweepRun{LatticeName: "ring", StartedAtUnix: start}
		if err := s.CreateRun(run); err != nil {
			t.Fatalf("CreateRun %d failed: %v", i, err)
		}
	}

	runs, err := s.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].StartedAtUnix != 300 || runs[1].StartedAtUnix != 200 {
		t.Errorf("Expected newest first (300, 200), got (%d, %d)", runs[0].StartedAtUnix, runs[1].StartedAtUnix)
	}
}

func TestPointResults(t *testing.T) {
	s := newTestStore(t)
	run := &SweepRun{LatticeName: "fodo_cell"}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := s.InsertPointResult(run.ID, "0,1", `{"kq":0.2}`, `{"lattice":"fodo_cell"}`, "", false); err != nil {
		t.Fatalf("InsertPointResult failed: %v", err)
	}
	if err := s.InsertPointResult(run.ID, "0,0", `{"kq":0.1}`, "", "probe 4 (G) failed", false); err != nil {
		t.Fatalf("InsertPointResult failed: %v", err)
	}

	rec, err := s.GetPointResult(run.ID, "0,0")
	if err != nil {
		t.Fatalf("GetPointResult failed: %v", err)
	}
	if rec.Failure != "probe 4 (G) failed" || rec.OpticsJSON != "" {
		t.Errorf("Unexpected failed point record: %+v", rec)
	}

	recs, err := s.ListPointResults(run.ID)
	if err != nil {
		t.Fatalf("ListPointResults failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].PointKey != "0,0" || recs[1].PointKey != "0,1" {
		t.Errorf("Expected key order (0,0), (0,1), got (%s, %s)", recs[0].PointKey, recs[1].PointKey)
	}

	// Upsert replaces the previous outcome for the same point.
	if err := s.InsertPointResult(run.ID, "0,0", `{"kq":0.1}`, `{"lattice":"fodo_cell"}`, "", false); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	rec, err = s.GetPointResult(run.ID, "0,0")
	if err != nil {
		t.Fatalf("GetPointResult after upsert failed: %v", err)
	}
	if rec.Failure != "" || rec.OpticsJSON == "" {
		t.Errorf("Upsert did not replace record: %+v", rec)
	}
}

func TestTrajectoriesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	run := &SweepRun{LatticeName: "fodo_cell"}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	raw := []byte(`{"0":{"trajectory":[{"element":"d1","s":1.0,"coords":[0,0,0,0,0]}]}}`)
	if err := s.PutTrajectories(run.ID, "0", raw); err != nil {
		t.Fatalf("PutTrajectories failed: %v", err)
	}

	got, err := s.GetTrajectories(run.ID, "0")
	if err != nil {
		t.Fatalf("GetTrajectories failed: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("Round-trip mismatch: got %s", got)
	}

	// The stored blob is zstd, not the raw JSON.
	var blob []byte
	if err := s.QueryRow(`SELECT blob FROM trajectories WHERE run_id = ? AND point_key = ?`, run.ID, "0").Scan(&blob); err != nil {
		t.Fatalf("Raw blob query failed: %v", err)
	}
	magic := []byte{0x28, 0xb5, 0x2f, 0xfd}
	if len(blob) < 4 || !bytes.Equal(blob[:4], magic) {
		t.Errorf("Stored blob is not zstd-framed: % x", blob[:4])
	}

	if _, err := s.GetTrajectories(run.ID, "9"); err == nil {
		t.Error("Expected error for missing trajectories, got nil")
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	s := newTestStore(t)
	dir := testMigrationsDir(t)

	version, dirty, err := s.MigrateVersion(dir)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("Expected clean version 1, got %d (dirty=%v)", version, dirty)
	}

	if err := s.MigrateDown(dir); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	if err := s.CreateRun(&SweepRun{LatticeName: "x"}); err == nil {
		t.Error("Expected insert to fail after rollback, got nil")
	}

	if err := s.MigrateUp(dir); err != nil {
		t.Fatalf("MigrateUp after rollback failed: %v", err)
	}
	if err := s.CreateRun(&SweepRun{LatticeName: "x"}); err != nil {
		t.Errorf("Insert after re-migrate failed: %v", err)
	}
}
