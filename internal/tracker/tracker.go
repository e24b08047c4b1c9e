// Package tracker defines the tracking-job runner boundary: a unit of work
// describing one probe particle through one lattice instantiation, and the
// tagged success/failure result a backend returns for it. Backends run one
// simulator invocation per job and must be safe for concurrent use.
package tracker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/optics.report/internal/lattice"
)

// Phase-space coordinate indices within a Sample.
const (
	CoordY = iota // horizontal position (m)
	CoordT        // horizontal angle (rad)
	CoordZ        // vertical position (m)
	CoordP        // vertical angle (rad)
	CoordD        // relative momentum offset
)

// PhaseDims is the number of tracked phase-space dimensions.
const PhaseDims = 5

// JobKey identifies a tracking job: the parameter-grid point it belongs to
// and the canonical probe index it tracks. Results are reassembled out of
// completion order by this key.
type JobKey struct {
	Point    string `json:"point"`
	Particle int    `json:"particle"`
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s/%d", k.Point, k.Particle)
}

// Job is one unit of tracking work. Lattice is shared read-only across jobs;
// Offsets is the probe's initial phase-space perturbation; Params carries the
// grid point's parameter values for the backend.
type Job struct {
	Key     JobKey
	Label   string
	Offsets [PhaseDims]float64
	Lattice *lattice.Lattice
	Params  map[string]float64
}

// Sample is one trajectory record: the probe's local-frame phase-space
// coordinates at an element exit, tagged with the element and path length.
type Sample struct {
	Element string             `json:"element"`
	S       float64            `json:"s"`
	Coords  [PhaseDims]float64 `json:"coords"`
}

// Result is the tagged outcome of one job: a trajectory on success, an error
// on failure, never both. Attempts and Duration are filled in by the
// scheduler.
type Result struct {
	Key        JobKey
	Trajectory []Sample
	Err        error
	Attempts   int
	Duration   time.Duration
}

// Failed reports whether the result carries a failure instead of a trajectory.
func (r Result) Failed() bool { return r.Err != nil }

// Runner executes one tracking job per call. Implementations must be safely
// callable from concurrent workers with no shared mutable state between
// invocations.
type Runner interface {
	Run(ctx context.Context, job Job) Result
}

// Factory builds the configured Runner backend. Backend selection happens
// once at configuration time, not per job.
type Factory func() (Runner, error)

var (
	// ErrRunnerFailure tags per-job failures: non-zero exit, malformed
	// output, or a backend error. Recoverable via retry.
	ErrRunnerFailure = fmt.Errorf("tracking run failed")

	// ErrTimeout tags jobs terminated by a deadline. Recoverable via retry.
	ErrTimeout = fmt.Errorf("tracking run timed out")
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the scheduler skips its retry budget for this job.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	for err != nil {
		if _, ok := err.(*permanentError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ValidateTrajectory checks a success trajectory at the runner boundary:
// one sample per lattice element in order, strictly increasing path length,
// finite coordinates. Violations are reported as ErrRunnerFailure.
func ValidateTrajectory(samples []Sample, elementCount int) error {
	if len(samples) != elementCount {
		return fmt.Errorf("%w: trajectory has %d samples, lattice has %d elements", ErrRunnerFailure, len(samples), elementCount)
	}
	prev := math.Inf(-1)
	for i, s := range samples {
		if math.IsNaN(s.S) || math.IsInf(s.S, 0) {
			return fmt.Errorf("%w: non-finite path length at sample %d", ErrRunnerFailure, i)
		}
		if s.S <= prev {
			return fmt.Errorf("%w: path length not increasing at sample %d (%g after %g)", ErrRunnerFailure, i, s.S, prev)
		}
		prev = s.S
		for c, v := range s.Coords {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite coordinate %d at sample %d", ErrRunnerFailure, c, i)
			}
		}
	}
	return nil
}
