package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Behavior scripts how the ScriptRunner responds to one job key. The zero
// value succeeds immediately with an identity trajectory.
type Behavior struct {
	// FailuresBeforeSuccess makes the first n attempts fail, then succeed.
	FailuresBeforeSuccess int

	// AlwaysFail makes every attempt fail.
	AlwaysFail bool

	// Block parks the attempt until the context is cancelled.
	Block bool

	// Delay sleeps before responding, still honoring cancellation.
	Delay time.Duration

	// Trajectory overrides the returned samples on success.
	Trajectory []Sample

	// Err overrides the returned error on failure.
	Err error
}

// ScriptRunner is an in-process Runner with scripted per-key behavior. It
// records attempt counts and the peak number of concurrent Run calls, which
// lets tests observe retry and worker-pool behavior without spawning
// processes.
type ScriptRunner struct {
	mu          sync.Mutex
	behaviors   map[JobKey]Behavior
	calls       map[JobKey]int
	inFlight    int
	maxInFlight int
}

func NewScriptRunner() *ScriptRunner {
	return &ScriptRunner{
		behaviors: make(map[JobKey]Behavior),
		calls:     make(map[JobKey]int),
	}
}

// SetBehavior scripts the response for one job key.
func (s *ScriptRunner) SetBehavior(key JobKey, b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[key] = b
}

// Calls reports how many times the key has been attempted.
func (s *ScriptRunner) Calls(key JobKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// TotalCalls reports the attempt count across all keys.
func (s *ScriptRunner) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// MaxInFlight reports the peak number of concurrent Run calls observed.
func (s *ScriptRunner) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

func (s *ScriptRunner) begin(key JobKey) (Behavior, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	return s.behaviors[key], s.calls[key]
}

func (s *ScriptRunner) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
}

// Run responds according to the scripted behavior for the job's key.
func (s *ScriptRunner) Run(ctx context.Context, job Job) Result {
	b, attempt := s.begin(job.Key)
	defer s.end()

	if b.Block {
		<-ctx.Done()
		return Result{Key: job.Key, Err: ctx.Err()}
	}
	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			return Result{Key: job.Key, Err: ctx.Err()}
		}
	}

	if b.AlwaysFail || attempt <= b.FailuresBeforeSuccess {
		err := b.Err
		if err == nil {
			err = fmt.Errorf("%w: scripted failure (attempt %d)", ErrRunnerFailure, attempt)
		}
		return Result{Key: job.Key, Err: err}
	}

	traj := b.Trajectory
	if traj == nil {
		traj = IdentityTrajectory(job)
	}
	return Result{Key: job.Key, Trajectory: traj}
}

// IdentityTrajectory builds the trajectory of a beamline that transports
// every coordinate unchanged: each element crossing reports the job's
// initial offsets, with the path length accumulating element lengths. Jobs
// without a lattice get a single unit-length sample.
func IdentityTrajectory(job Job) []Sample {
	if job.Lattice == nil {
		return []Sample{{Element: "end", S: 1, Coords: job.Offsets}}
	}
	samples := make([]Sample, 0, len(job.Lattice.Elements))
	s := 0.0
	for _, e := range job.Lattice.Elements {
		s += e.Length
		samples = append(samples, Sample{Element: e.Name, S: s, Coords: job.Offsets})
	}
	return samples
}
