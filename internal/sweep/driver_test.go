package sweep

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/optics.report/internal/lattice"
	"github.com/banshee-data/optics.report/internal/optics"
	"github.com/banshee-data/optics.report/internal/scheduler"
	"github.com/banshee-data/optics.report/internal/tracker"
)

func testTemplate() *lattice.Template {
	return &lattice.Template{
		Name: "fodo_cell",
		Elements: []lattice.ElementDef{
			{Name: "qf", Keyword: "QUADRUPOLE", Length: 0.4, Params: map[string]float64{"gradient": 0}, Vary: map[string]string{"gradient": "kq"}},
			{Name: "b1", Keyword: "SBEND", Length: 1.2, Vary: map[string]string{"angle": "phi"}},
			{Name: "d1", Keyword: "DRIFT", Length: 0.8},
		},
	}
}

func lineOptics() optics.Options {
	return optics.Options{Initial: &optics.Initial{BetaH: 10, BetaV: 10}}
}

func scripted(sr *tracker.ScriptRunner) tracker.Factory {
	return func() (tracker.Runner, error) { return sr, nil }
}

func driverOptions() Options {
	return Options{Scheduler: scheduler.Options{
		Workers:        4,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}}
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDriverMapsFullGrid(t *testing.T) {
	sr := tracker.NewScriptRunner()
	drv := NewDriver(driverOptions())
	req := Request{
		Dimensions: []Dimension{
			{Params: []Param{{Name: "kq", Values: []float64{0.1, 0.2}}}},
			{Params: []Param{{Name: "phi", Values: []float64{0, 0.05}}}},
		},
		Template: testTemplate(),
		Factory:  scripted(sr),
		Optics:   lineOptics(),
	}

	mapping, err := drv.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectedKeys := []string{"0,0", "0,1", "1,0", "1,1"}
	if len(mapping.Order) != len(expectedKeys) {
		t.Fatalf("Expected %d points, got %d", len(expectedKeys), len(mapping.Order))
	}
	for i, key := range expectedKeys {
		if mapping.Order[i] != key {
			t.Errorf("Order[%d]: expected %q, got %q", i, key, mapping.Order[i])
		}
	}

	for _, key := range expectedKeys {
		res, ok := mapping.Points[key]
		if !ok {
			t.Fatalf("Missing mapping entry for point %q", key)
		}
		if res.Failed() {
			t.Fatalf("point %s failed: %s", key, res.Err)
		}
		if res.Optics == nil {
			t.Fatalf("point %s has no optics", key)
		}
		if len(res.Optics.Rows) != 3 {
			t.Errorf("point %s: expected 3 rows, got %d", key, len(res.Optics.Rows))
		}
		if res.Report == nil || res.Report.Succeeded != 11 {
			t.Errorf("point %s: unexpected batch report %+v", key, res.Report)
		}
		for _, row := range res.Optics.Rows {
			if math.Abs(row.BetaH-10) > 1e-9 || math.Abs(row.BetaV-10) > 1e-9 {
				t.Errorf("point %s element %s: expected beta 10/10, got %v/%v", key, row.Element, row.BetaH, row.BetaV)
			}
		}
	}

	if got := mapping.Points["1,0"].Values; got["kq"] != 0.2 || got["phi"] != 0 {
		t.Errorf("point 1,0: unexpected values %v", got)
	}
	if failures := mapping.Failures(); len(failures) != 0 {
		t.Errorf("Expected no failures, got %v", failures)
	}
	if sr.TotalCalls() != 44 {
		t.Errorf("Expected 44 probe runs (4 points x 11 probes), got %d", sr.TotalCalls())
	}

	state := drv.State()
	if state.Status != StatusComplete {
		t.Errorf("Expected status complete, got %s", state.Status)
	}
	if state.CompletedPoints != 4 || state.TotalPoints != 4 {
		t.Errorf("Expected 4/4 points, got %d/%d", state.CompletedPoints, state.TotalPoints)
	}
	if len(state.CurrentPoints) != 0 {
		t.Errorf("Expected no in-flight points, got %v", state.CurrentPoints)
	}
	if state.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}
	if len(state.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", state.Warnings)
	}
}

func TestDriverPointFailureContained(t *testing.T) {
	sr := tracker.NewScriptRunner()
	sr.SetBehavior(tracker.JobKey{Point: "0,1", Particle: 4}, tracker.Behavior{AlwaysFail: true})

	drv := NewDriver(driverOptions())
	req := Request{
		Dimensions: []Dimension{
			{Params: []Param{{Name: "kq", Values: []float64{0.1, 0.2}}}},
			{Params: []Param{{Name: "phi", Values: []float64{0, 0.05}}}},
		},
		Template: testTemplate(),
		Factory:  scripted(sr),
		Optics:   lineOptics(),
	}

	mapping, err := drv.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(mapping.Points) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(mapping.Points))
	}

	bad := mapping.Points["0,1"]
	if !bad.Failed() {
		t.Fatal("Expected point 0,1 to fail")
	}
	if !strings.Contains(bad.Err, "probe 4 (G) failed") {
		t.Errorf("Unexpected failure message: %s", bad.Err)
	}
	if bad.Cancelled {
		t.Error("Probe failure must not be tagged as cancellation")
	}
	if bad.Optics != nil {
		t.Error("Failed point must not carry optics")
	}
	if bad.Report == nil || bad.Report.Failed != 1 || bad.Report.Succeeded != 10 {
		t.Errorf("Unexpected batch report for failed point: %+v", bad.Report)
	}

	for _, key := range []string{"0,0", "1,0", "1,1"} {
		if res := mapping.Points[key]; res.Failed() || res.Optics == nil {
			t.Errorf("point %s should have survived: %+v", key, res.Err)
		}
	}
	if failures := mapping.Failures(); len(failures) != 1 || failures[0] != "0,1" {
		t.Errorf("Expected failures [0,1], got %v", failures)
	}

	state := drv.State()
	if state.Status != StatusComplete {
		t.Errorf("Expected status complete, got %s", state.Status)
	}
	if len(state.Warnings) != 1 || !strings.Contains(state.Warnings[0], "point 0,1") {
		t.Errorf("Expected one warning for point 0,1, got %v", state.Warnings)
	}
}

func TestDriverInstantiateFailureContained(t *testing.T) {
	sr := tracker.NewScriptRunner()
	drv := NewDriver(driverOptions())
	req := Request{
		Dimensions: []Dimension{
			{Params: []Param{{Name: "other", Values: []float64{1, 2}}}},
		},
		Template: testTemplate(),
		Factory:  scripted(sr),
		Optics:   lineOptics(),
	}

	mapping, err := drv.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, key := range []string{"0", "1"} {
		res := mapping.Points[key]
		if !res.Failed() || !strings.Contains(res.Err, "instantiating lattice") {
			t.Errorf("point %s: expected instantiation failure, got %q", key, res.Err)
		}
	}
	if sr.TotalCalls() != 0 {
		t.Errorf("Expected no probe runs, got %d", sr.TotalCalls())
	}
	if state := drv.State(); state.Status != StatusComplete || len(state.Warnings) != 2 {
		t.Errorf("Unexpected final state: %+v", state)
	}
}

func TestDriverCancellationCoversAllPoints(t *testing.T) {
	sr := tracker.NewScriptRunner()
	for p := 0; p < 11; p++ {
		sr.SetBehavior(tracker.JobKey{Point: "1", Particle: p}, tracker.Behavior{Block: true})
	}

	opts := driverOptions()
	opts.PointConcurrency = 1
	drv := NewDriver(opts)
	req := Request{
		Dimensions: []Dimension{
			{Params: []Param{{Name: "kq", Values: []float64{0.1, 0.2, 0.3, 0.4}}}},
		},
		Template: testTemplate(),
		Factory:  scripted(sr),
		Optics:   lineOptics(),
	}

	type outcome struct {
		mapping *ResultMapping
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		mapping, err := drv.Run(context.Background(), req)
		done <- outcome{mapping, err}
	}()

	// Point 0 completes (11 runs), then point 1 blocks.
	waitUntil(t, 2*time.Second, "point 1 to start", func() bool { return sr.TotalCalls() >= 12 })
	drv.Stop()

	out := <-done
	if !errors.Is(out.err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", out.err)
	}
	if len(out.mapping.Points) != 4 {
		t.Fatalf("Expected 4 entries despite cancellation, got %d", len(out.mapping.Points))
	}

	first := out.mapping.Points["0"]
	if first.Failed() || first.Optics == nil {
		t.Errorf("point 0 should have completed before cancellation: %+v", first.Err)
	}
	if blocked := out.mapping.Points["1"]; !blocked.Cancelled {
		t.Errorf("point 1 should be tagged cancelled: %+v", blocked)
	}
	for _, key := range []string{"2", "3"} {
		res := out.mapping.Points[key]
		if !res.Cancelled || !strings.Contains(res.Err, "before point started") {
			t.Errorf("point %s: expected cancelled-before-start entry, got %+v", key, res)
		}
	}

	state := drv.State()
	if state.Status != StatusError {
		t.Errorf("Expected status error, got %s", state.Status)
	}
	if !strings.Contains(state.Error, "sweep stopped at point") {
		t.Errorf("Unexpected state error: %s", state.Error)
	}
}

func TestDriverRejectsConcurrentRun(t *testing.T) {
	sr := tracker.NewScriptRunner()
	for p := 0; p < 11; p++ {
		sr.SetBehavior(tracker.JobKey{Point: "0", Particle: p}, tracker.Behavior{Block: true})
	}

	drv := NewDriver(driverOptions())
	req := Request{
		Dimensions: []Dimension{
			{Params: []Param{{Name: "kq", Values: []float64{0.1}}}},
		},
		Template: testTemplate(),
		Factory:  scripted(sr),
		Optics:   lineOptics(),
	}

	done := make(chan error, 1)
	go func() {
		_, err := drv.Run(context.Background(), req)
		done <- err
	}()

	waitUntil(t, 2*time.Second, "sweep to start", func() bool { return sr.TotalCalls() >= 1 })

	state := drv.State()
	if state.Status != StatusRunning {
		t.Errorf("Expected status running, got %s", state.Status)
	}
	if len(state.CurrentPoints) != 1 || state.CurrentPoints[0] != "0" {
		t.Errorf("Expected point 0 in flight, got %v", state.CurrentPoints)
	}

	if _, err := drv.Run(context.Background(), req); err == nil || !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("Expected concurrent run rejection, got %v", err)
	}

	drv.Stop()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled from stopped run, got %v", err)
	}
}

type captureRecorder struct {
	mu     sync.Mutex
	err    error
	points []PointResult
	tracks []int
}

func (c *captureRecorder) RecordPoint(ctx context.Context, res PointResult, tracks map[tracker.JobKey]tracker.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = append(c.points, res)
	c.tracks = append(c.tracks, len(tracks))
	return c.err
}

func TestDriverRecordsPoints(t *testing.T) {
	rec := &captureRecorder{}
	opts := driverOptions()
	opts.Recorder = rec
	drv := NewDriver(opts)
	req := Request{
		Dimensions: []Dimension{
			{Params: []Param{{Name: "kq", Values: []float64{0.1, 0.2}}}},
		},
		Template: testTemplate(),
		Factory:  scripted(tracker.NewScriptRunner()),
		Optics:   lineOptics(),
	}

	if _, err := drv.Run(context.Background(), req); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.points) != 2 {
		t.Fatalf("Expected 2 recorded points, got %d", len(rec.points))
	}
	keys := []string{rec.points[0].Key, rec.points[1].Key}
	sort.Strings(keys)
	if keys[0] != "0" || keys[1] != "1" {
		t.Errorf("Unexpected recorded keys: %v", keys)
	}
	for i, n := range rec.tracks {
		if n != 11 {
			t.Errorf("record %d: expected 11 trajectories, got %d", i, n)
		}
	}
}

func TestDriverRecorderErrorWarns(t *testing.T) {
	rec := &captureRecorder{err: errors.New("disk full")}
	opts := driverOptions()
	opts.Recorder = rec
	drv := NewDriver(opts)
	req := Request{
		Dimensions: []Dimension{
			{Params: []Param{{Name: "kq", Values: []float64{0.1}}}},
		},
		Template: testTemplate(),
		Factory:  scripted(tracker.NewScriptRunner()),
		Optics:   lineOptics(),
	}

	mapping, err := drv.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res := mapping.Points["0"]; res.Failed() || res.Optics == nil {
		t.Fatalf("Recording failure must not fail the point: %+v", res.Err)
	}
	state := drv.State()
	if len(state.Warnings) != 1 || !strings.Contains(state.Warnings[0], "recording failed") {
		t.Errorf("Expected recording warning, got %v", state.Warnings)
	}
}

func TestDriverValidation(t *testing.T) {
	valid := Request{
		Dimensions: []Dimension{
			{Params: []Param{{Name: "kq", Values: []float64{0.1}}}},
		},
		Template: testTemplate(),
		Factory:  scripted(tracker.NewScriptRunner()),
		Optics:   lineOptics(),
	}

	t.Run("nil_template", func(t *testing.T) {
		req := valid
		req.Template = nil
		if _, err := NewDriver(driverOptions()).Run(context.Background(), req); err == nil {
			t.Error("Expected error for missing template")
		}
	})

	t.Run("nil_factory", func(t *testing.T) {
		req := valid
		req.Factory = nil
		if _, err := NewDriver(driverOptions()).Run(context.Background(), req); err == nil {
			t.Error("Expected error for missing factory")
		}
	})

	t.Run("empty_grid", func(t *testing.T) {
		req := valid
		req.Dimensions = nil
		if _, err := NewDriver(driverOptions()).Run(context.Background(), req); err == nil {
			t.Error("Expected error for empty grid")
		}
	})

	t.Run("factory_failure", func(t *testing.T) {
		req := valid
		req.Factory = func() (tracker.Runner, error) { return nil, errors.New("no backend") }
		_, err := NewDriver(driverOptions()).Run(context.Background(), req)
		if err == nil || !strings.Contains(err.Error(), "building runner") {
			t.Errorf("Expected factory error, got %v", err)
		}
	})
}

func TestDriverIdleState(t *testing.T) {
	drv := NewDriver(Options{})
	if state := drv.State(); state.Status != StatusIdle {
		t.Errorf("Expected idle status, got %s", state.Status)
	}
}
