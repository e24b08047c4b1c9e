package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/optics.report/internal/lattice"
	"github.com/banshee-data/optics.report/internal/monitoring"
	"github.com/banshee-data/optics.report/internal/optics"
	"github.com/banshee-data/optics.report/internal/scheduler"
	"github.com/banshee-data/optics.report/internal/tracker"
)

// Status represents the current state of a sweep run.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// DefaultPointConcurrency is how many grid points run at once when the
// driver options leave it unset.
const DefaultPointConcurrency = 2

// Request defines one parametric mapping run.
type Request struct {
	// Dimensions span the parameter grid. See ExpandGrid.
	Dimensions []Dimension `json:"dimensions"`

	// Template produces the lattice for each grid point.
	Template *lattice.Template `json:"-"`

	// Factory builds the tracking backend shared by all points.
	Factory tracker.Factory `json:"-"`

	// Optics selects the reconstruction options applied at every point.
	Optics optics.Options `json:"optics"`

	// BatchTimeout bounds each grid point's probe batch. Zero means no
	// per-point limit.
	BatchTimeout time.Duration `json:"batch_timeout,omitempty"`
}

// PointResult is the outcome at one grid point: reconstructed optics or a
// tagged failure. Every requested point yields exactly one PointResult.
type PointResult struct {
	Key       string                 `json:"key"`
	Values    map[string]float64     `json:"values"`
	Optics    *optics.FunctionSet    `json:"optics,omitempty"`
	Err       string                 `json:"error,omitempty"`
	Cancelled bool                   `json:"cancelled,omitempty"`
	Report    *scheduler.BatchReport `json:"report,omitempty"`
}

// Failed reports whether the point produced no usable optics.
func (p PointResult) Failed() bool { return p.Err != "" }

// ResultMapping is the full outcome of a sweep, one entry per grid point.
// Order lists the point keys in expansion order.
type ResultMapping struct {
	Points map[string]PointResult `json:"points"`
	Order  []string               `json:"order"`
}

// Failures returns the keys of failed points in expansion order.
func (m *ResultMapping) Failures() []string {
	var keys []string
	for _, k := range m.Order {
		if m.Points[k].Failed() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Recorder receives point outcomes as the sweep progresses. Implementations
// must be safe for concurrent use. Recording errors become sweep warnings
// and never interrupt the run.
type Recorder interface {
	RecordPoint(ctx context.Context, res PointResult, tracks map[tracker.JobKey]tracker.Result) error
}

// State holds the observable progress of a sweep.
type State struct {
	Status          Status     `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TotalPoints     int        `json:"total_points"`
	CompletedPoints int        `json:"completed_points"`
	CurrentPoints   []string   `json:"current_points,omitempty"`
	Error           string     `json:"error,omitempty"`
	Warnings        []string   `json:"warnings,omitempty"`
}

// Options configures a Driver.
type Options struct {
	// Scheduler configures the shared worker pool. Zero fields take the
	// scheduler defaults.
	Scheduler scheduler.Options

	// PointConcurrency caps how many grid points are in flight at once.
	// Zero or negative selects DefaultPointConcurrency. Points share the
	// scheduler's worker budget regardless.
	PointConcurrency int

	// Recorder persists point outcomes. Nil disables recording.
	Recorder Recorder

	// Streams receives operational logging. Nil disables it.
	Streams *monitoring.Streams
}

// Driver orchestrates parametric optics sweeps.
type Driver struct {
	opts   Options
	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
}

// NewDriver creates an idle driver.
func NewDriver(opts Options) *Driver {
	if opts.PointConcurrency <= 0 {
		opts.PointConcurrency = DefaultPointConcurrency
	}
	return &Driver{
		opts:  opts,
		state: State{Status: StatusIdle},
	}
}

// addWarning appends a warning message to the sweep state.
func (d *Driver) addWarning(msg string) {
	d.mu.Lock()
	d.state.Warnings = append(d.state.Warnings, msg)
	d.mu.Unlock()
	d.opts.Streams.Opsf("[sweep] WARNING: %s", msg)
}

// State returns a copy of the current sweep state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	state := d.state
	warnings := make([]string, len(d.state.Warnings))
	copy(warnings, d.state.Warnings)
	state.Warnings = warnings
	current := make([]string, len(d.state.CurrentPoints))
	copy(current, d.state.CurrentPoints)
	state.CurrentPoints = current
	return state
}

// Stop cancels a running sweep. Run still returns the mapping built so far,
// with cancellation entries for the points that never concluded.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// Run executes the full mapping synchronously and returns one entry per
// grid point. On cancellation the mapping is still returned, covering every
// requested point, alongside the context error.
func (d *Driver) Run(ctx context.Context, req Request) (*ResultMapping, error) {
	if req.Template == nil {
		return nil, fmt.Errorf("no lattice template")
	}
	if req.Factory == nil {
		return nil, fmt.Errorf("no runner factory")
	}

	points, err := ExpandGrid(req.Dimensions)
	if err != nil {
		return nil, err
	}

	runner, err := req.Factory()
	if err != nil {
		return nil, fmt.Errorf("building runner: %w", err)
	}

	d.mu.Lock()
	if d.state.Status == StatusRunning {
		d.mu.Unlock()
		return nil, fmt.Errorf("sweep already in progress")
	}
	now := time.Now()
	d.state = State{
		Status:      StatusRunning,
		StartedAt:   &now,
		TotalPoints: len(points),
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.opts.Streams.Opsf("[sweep] starting: %d points, concurrency %d", len(points), d.opts.PointConcurrency)

	mapping := d.run(sweepCtx, req, points, runner)

	ctxErr := sweepCtx.Err()
	cancel()

	d.mu.Lock()
	done := time.Now()
	d.state.CompletedAt = &done
	d.cancel = nil
	if ctxErr != nil {
		d.state.Status = StatusError
		d.state.Error = fmt.Sprintf("sweep stopped at point %d/%d: %v", d.state.CompletedPoints, len(points), ctxErr)
	} else {
		d.state.Status = StatusComplete
	}
	d.mu.Unlock()

	if ctxErr != nil {
		return mapping, ctxErr
	}
	return mapping, nil
}

// run fans the grid points out over the point-concurrency budget. All
// batches go through one scheduler so the global worker bound holds across
// concurrent points.
func (d *Driver) run(ctx context.Context, req Request, points []Point, runner tracker.Runner) *ResultMapping {
	sched := scheduler.New(runner, d.opts.Scheduler)
	sched.Start()
	defer sched.Close()

	mapping := &ResultMapping{
		Points: make(map[string]PointResult, len(points)),
		Order:  make([]string, len(points)),
	}
	for i, pt := range points {
		mapping.Order[i] = pt.Key
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	sem := make(chan struct{}, d.opts.PointConcurrency)

	for i := range points {
		pt := points[i]

		stopped := false
		select {
		case <-ctx.Done():
			stopped = true
		case sem <- struct{}{}:
		}
		if stopped {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res := d.runPoint(ctx, req, pt, sched)

			mu.Lock()
			mapping.Points[pt.Key] = res
			mu.Unlock()
		}()
	}

	wg.Wait()

	// Every requested point gets exactly one entry, including those never
	// started before cancellation.
	for _, pt := range points {
		if _, ok := mapping.Points[pt.Key]; ok {
			continue
		}
		mapping.Points[pt.Key] = PointResult{
			Key:       pt.Key,
			Values:    pt.Values,
			Err:       "sweep cancelled before point started",
			Cancelled: true,
		}
	}

	return mapping
}

// runPoint executes one grid point end to end: template instantiation,
// probe batch, reconstruction, recording. Failures are contained in the
// returned PointResult and never halt the sweep.
func (d *Driver) runPoint(ctx context.Context, req Request, pt Point, sched *scheduler.Scheduler) PointResult {
	res := PointResult{Key: pt.Key, Values: pt.Values}

	if ctx.Err() != nil {
		res.Err = "sweep cancelled before point started"
		res.Cancelled = true
		return res
	}

	d.beginPoint(pt.Key)
	defer d.finishPoint(pt.Key)

	lat, err := req.Template.Instantiate(pt.Values)
	if err != nil {
		res.Err = fmt.Sprintf("instantiating lattice: %v", err)
		d.addWarning(fmt.Sprintf("point %s: %s", pt.Key, res.Err))
		return res
	}

	jobs := optics.BuildJobs(lat, pt.Key, pt.Values, req.Optics.Amplitudes)
	d.opts.Streams.Diagf("[sweep] point %s: submitting %d probe jobs", pt.Key, len(jobs))

	tracks, report, err := sched.SubmitBatch(ctx, jobs, scheduler.BatchOptions{Timeout: req.BatchTimeout})
	res.Report = &report
	if err != nil {
		res.Err = fmt.Sprintf("submitting probe batch: %v", err)
		d.addWarning(fmt.Sprintf("point %s: %s", pt.Key, res.Err))
		return res
	}
	if report.Cancelled {
		res.Err = "sweep cancelled mid-batch"
		res.Cancelled = true
		return res
	}

	fs, err := optics.Reconstruct(lat, byParticle(tracks), req.Optics)
	if err != nil {
		res.Err = fmt.Sprintf("reconstructing optics: %v", err)
		d.addWarning(fmt.Sprintf("point %s: %s", pt.Key, res.Err))
	} else {
		res.Optics = fs
		d.opts.Streams.Diagf("[sweep] point %s: reconstructed %d rows, %d retries", pt.Key, len(fs.Rows), report.Retries)
	}

	d.record(ctx, res, tracks)
	return res
}

// byParticle reindexes batch results by probe particle number for the
// optics engine.
func byParticle(tracks map[tracker.JobKey]tracker.Result) map[int]tracker.Result {
	out := make(map[int]tracker.Result, len(tracks))
	for key, res := range tracks {
		out[key.Particle] = res
	}
	return out
}

// record hands a concluded point to the recorder, if any.
func (d *Driver) record(ctx context.Context, res PointResult, tracks map[tracker.JobKey]tracker.Result) {
	if d.opts.Recorder == nil {
		return
	}
	if err := d.opts.Recorder.RecordPoint(ctx, res, tracks); err != nil {
		d.addWarning(fmt.Sprintf("point %s: recording failed: %v", res.Key, err))
	}
}

// beginPoint and finishPoint maintain the observable progress counters.
func (d *Driver) beginPoint(key string) {
	d.mu.Lock()
	d.state.CurrentPoints = append(d.state.CurrentPoints, key)
	d.mu.Unlock()
}

func (d *Driver) finishPoint(key string) {
	d.mu.Lock()
	d.state.CompletedPoints++
	current := d.state.CurrentPoints[:0]
	for _, k := range d.state.CurrentPoints {
		if k != key {
			current = append(current, k)
		}
	}
	d.state.CurrentPoints = current
	d.mu.Unlock()
}
