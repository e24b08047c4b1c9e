// Package optics reconstructs linear optical functions (Twiss parameters,
// dispersion, phase advance) from tracked probe trajectories. The input is
// the canonical 11-probe set tracked through one lattice instantiation; the
// output is one row of optical functions per lattice element, expressed both
// in the local beamline frame and, via the survey frames, in the global
// frame.
package optics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/optics.report/internal/lattice"
	"github.com/banshee-data/optics.report/internal/monitoring"
	"github.com/banshee-data/optics.report/internal/tracker"
)

const (
	// DefaultDetTolerance bounds |det − 1| on the per-plane matrix blocks.
	DefaultDetTolerance = 0.01

	// DefaultMinSpread is the smallest usable plus/minus probe separation
	// for finite differences.
	DefaultMinSpread = 1e-12
)

var (
	// ErrIncompleteProbeSet means at least one canonical probe trajectory
	// is missing or failed. Reconstruction never returns partial optics.
	ErrIncompleteProbeSet = fmt.Errorf("incomplete probe set")

	// ErrIllConditionedMatrix flags a transfer matrix whose block
	// determinants drifted from 1, or a degenerate finite-difference step.
	ErrIllConditionedMatrix = fmt.Errorf("ill-conditioned transfer matrix")

	// ErrUnstableLattice means periodic boundary conditions do not exist
	// for the one-pass matrix.
	ErrUnstableLattice = fmt.Errorf("unstable lattice")
)

// Options tunes a reconstruction. The zero value uses default amplitudes
// and tolerances and requires an explicit entrance condition.
type Options struct {
	// Amplitudes are the probe perturbation magnitudes the jobs were
	// built with. Non-positive entries fall back to DefaultAmplitudes.
	Amplitudes Amplitudes

	// DetTolerance bounds the block-determinant check; zero means
	// DefaultDetTolerance.
	DetTolerance float64

	// MinSpread rejects degenerate finite-difference steps; zero means
	// DefaultMinSpread.
	MinSpread float64

	// Periodic derives the entrance condition from the one-pass matrix
	// when no explicit Initial is given (ring mode).
	Periodic bool

	// Initial is the entrance optical condition for line mode.
	Initial *Initial
}

// Initial is the optical condition at the lattice entrance.
type Initial struct {
	BetaH  float64 `json:"beta_h"`
	AlphaH float64 `json:"alpha_h"`
	BetaV  float64 `json:"beta_v"`
	AlphaV float64 `json:"alpha_v"`
	DispH  float64 `json:"disp_h"`
	DispPH float64 `json:"disp_ph"`
	DispV  float64 `json:"disp_v"`
	DispPV float64 `json:"disp_pv"`
}

// gammas derives the entrance gamma per plane from beta and alpha.
func (in Initial) gammas() (gh, gv float64) {
	return (1 + in.AlphaH*in.AlphaH) / in.BetaH, (1 + in.AlphaV*in.AlphaV) / in.BetaV
}

// Row is the optical state at one element exit.
type Row struct {
	Element string  `json:"element"`
	Keyword string  `json:"keyword"`
	S       float64 `json:"s"`

	BetaH  float64 `json:"beta_h"`
	AlphaH float64 `json:"alpha_h"`
	GammaH float64 `json:"gamma_h"`
	MuH    float64 `json:"mu_h"`

	BetaV  float64 `json:"beta_v"`
	AlphaV float64 `json:"alpha_v"`
	GammaV float64 `json:"gamma_v"`
	MuV    float64 `json:"mu_v"`

	DispH  float64 `json:"disp_h"`
	DispPH float64 `json:"disp_ph"`
	DispV  float64 `json:"disp_v"`
	DispPV float64 `json:"disp_pv"`

	// Orbit is the reference probe's phase-space deviation, local frame.
	Orbit [tracker.PhaseDims]float64 `json:"orbit"`

	// GlobalOrbit is the orbit position in the global survey frame;
	// GlobalDispersion is the transverse dispersion vector rotated into
	// that frame.
	GlobalOrbit      [3]float64 `json:"global_orbit"`
	GlobalDispersion [3]float64 `json:"global_dispersion"`

	// Matrix is the cumulative transfer matrix from the lattice entrance
	// to this element's exit.
	Matrix *mat.Dense `json:"-"`
}

// FunctionSet is the reconstruction output: one row per lattice element plus
// the entrance condition the rows were propagated from.
type FunctionSet struct {
	Lattice  string   `json:"lattice"`
	Periodic bool     `json:"periodic"`
	Initial  Initial  `json:"initial"`
	Rows     []Row    `json:"rows"`
	Warnings []string `json:"warnings,omitempty"`
}

func (fs *FunctionSet) addWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fs.Warnings = append(fs.Warnings, msg)
	monitoring.Logf("optics: %s", msg)
}

// Tunes returns the accumulated phase advance over the full line in units
// of 2π per plane.
func (fs *FunctionSet) Tunes() (h, v float64) {
	if len(fs.Rows) == 0 {
		return 0, 0
	}
	last := fs.Rows[len(fs.Rows)-1]
	return last.MuH / (2 * math.Pi), last.MuV / (2 * math.Pi)
}

// Reconstruct derives the optical functions for one tracked parameter point.
// byParticle maps probe index (0..10) to its tracking result; all 11 must
// have succeeded. The trajectories must cover the given lattice one sample
// per element.
func Reconstruct(lat *lattice.Lattice, byParticle map[int]tracker.Result, opts Options) (*FunctionSet, error) {
	if lat == nil || len(lat.Elements) == 0 {
		return nil, fmt.Errorf("optics: empty lattice")
	}
	if err := checkProbeSet(byParticle); err != nil {
		return nil, err
	}
	if n := len(byParticle[0].Trajectory); n != len(lat.Elements) {
		return nil, fmt.Errorf("optics: reference trajectory has %d samples, lattice has %d elements", n, len(lat.Elements))
	}

	aligned, err := alignTracks(byParticle)
	if err != nil {
		return nil, err
	}

	detTol := opts.DetTolerance
	if detTol <= 0 {
		detTol = DefaultDetTolerance
	}
	minSpread := opts.MinSpread
	if minSpread <= 0 {
		minSpread = DefaultMinSpread
	}

	matrices, err := transferMatrices(aligned, opts.Amplitudes, minSpread)
	if err != nil {
		return nil, err
	}
	for row, m := range matrices {
		if err := validateMatrix(m, lat.Elements[row].Name, detTol); err != nil {
			return nil, err
		}
	}

	initial := opts.Initial
	if initial == nil {
		if !opts.Periodic {
			return nil, fmt.Errorf("optics: entrance condition required in line mode")
		}
		derived, err := PeriodicInitial(matrices[len(matrices)-1], opts)
		if err != nil {
			return nil, err
		}
		initial = &derived
	}
	if initial.BetaH <= 0 || initial.BetaV <= 0 {
		return nil, fmt.Errorf("optics: entrance beta must be positive (h=%g, v=%g)", initial.BetaH, initial.BetaV)
	}

	fs := &FunctionSet{Lattice: lat.Name, Periodic: opts.Periodic, Initial: *initial}
	if opts.Periodic {
		// A matched entrance condition assumes the line closes on itself.
		if dev := lat.NetRotation(); dev > 1e-6 {
			fs.addWarning("ring mode on a lattice that does not close geometrically (rotation deviation %.3g)", dev)
		}
	}
	gh0, gv0 := initial.gammas()
	muH := make([]float64, len(matrices))
	muV := make([]float64, len(matrices))

	for row, m := range matrices {
		el := lat.Elements[row]
		r := Row{
			Element: el.Name,
			Keyword: el.Keyword,
			S:       aligned.s[row],
			Orbit:   aligned.orbit(row),
			Matrix:  m,
		}

		r.BetaH, r.AlphaH, r.GammaH = propagatePlane(m, planes[0], initial.BetaH, initial.AlphaH, gh0)
		r.BetaV, r.AlphaV, r.GammaV = propagatePlane(m, planes[1], initial.BetaV, initial.AlphaV, gv0)
		muH[row] = phaseAdvance(m, planes[0], initial.BetaH, initial.AlphaH)
		muV[row] = phaseAdvance(m, planes[1], initial.BetaV, initial.AlphaV)

		r.DispH, r.DispPH = propagateDispersion(m, planes[0], initial.DispH, initial.DispPH)
		r.DispV, r.DispPV = propagateDispersion(m, planes[1], initial.DispV, initial.DispPV)

		r.GlobalOrbit = el.Exit.ToGlobal([3]float64{0, r.Orbit[tracker.CoordY], r.Orbit[tracker.CoordZ]})
		r.GlobalDispersion = el.Exit.ToGlobalVector([3]float64{0, r.DispH, r.DispV})

		if r.BetaH <= 0 || r.BetaV <= 0 {
			fs.addWarning("non-positive beta at element %q (h=%g, v=%g)", el.Name, r.BetaH, r.BetaV)
		}
		fs.Rows = append(fs.Rows, r)
	}

	unrollPhase(muH)
	unrollPhase(muV)
	for row := range fs.Rows {
		fs.Rows[row].MuH = muH[row]
		fs.Rows[row].MuV = muV[row]
	}
	checkPhaseMonotonic(fs, "horizontal", muH)
	checkPhaseMonotonic(fs, "vertical", muV)

	return fs, nil
}

// checkProbeSet verifies all 11 canonical probes delivered a trajectory.
func checkProbeSet(byParticle map[int]tracker.Result) error {
	var problems []string
	for p := 0; p < NumProbes; p++ {
		res, ok := byParticle[p]
		switch {
		case !ok, !res.Failed() && len(res.Trajectory) == 0:
			problems = append(problems, fmt.Sprintf("probe %d (%s) missing", p, probeLabels[p]))
		case res.Failed():
			problems = append(problems, fmt.Sprintf("probe %d (%s) failed: %v", p, probeLabels[p], res.Err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrIncompleteProbeSet, joinProblems(problems))
	}
	return nil
}

func joinProblems(problems []string) string {
	out := problems[0]
	for _, p := range problems[1:] {
		out += "; " + p
	}
	return out
}

// propagatePlane carries beta, alpha, gamma through one cumulative matrix
// for one transverse plane (the expanded similarity transform).
func propagatePlane(m *mat.Dense, pl plane, b0, a0, g0 float64) (beta, alpha, gamma float64) {
	r11 := m.At(pl.pos, pl.pos)
	r12 := m.At(pl.pos, pl.ang)
	r21 := m.At(pl.ang, pl.pos)
	r22 := m.At(pl.ang, pl.ang)
	beta = r11*r11*b0 - 2*r11*r12*a0 + r12*r12*g0
	alpha = -r11*r21*b0 + (r11*r22+r12*r21)*a0 - r12*r22*g0
	gamma = r21*r21*b0 - 2*r21*r22*a0 + r22*r22*g0
	return beta, alpha, gamma
}

// phaseAdvance is the raw (un-unrolled) phase advance from the entrance to
// this matrix for one plane.
func phaseAdvance(m *mat.Dense, pl plane, b0, a0 float64) float64 {
	r11 := m.At(pl.pos, pl.pos)
	r12 := m.At(pl.pos, pl.ang)
	return math.Atan2(r12, r11*b0-r12*a0)
}

// propagateDispersion carries the dispersion pair through one cumulative
// matrix, including the momentum column contribution.
func propagateDispersion(m *mat.Dense, pl plane, d0, dp0 float64) (d, dp float64) {
	r11 := m.At(pl.pos, pl.pos)
	r12 := m.At(pl.pos, pl.ang)
	r21 := m.At(pl.ang, pl.pos)
	r22 := m.At(pl.ang, pl.ang)
	d = d0*r11 + dp0*r12 + m.At(pl.pos, tracker.CoordD)
	dp = d0*r21 + dp0*r22 + m.At(pl.ang, tracker.CoordD)
	return d, dp
}

// unrollPhase rewrites atan2 output into a continuous accumulated phase:
// negative lobes shift up by 2π, and a backward jump larger than 0.5 rad
// shifts the remaining tail by 2π. Operates in place.
func unrollPhase(phi []float64) {
	for i := range phi {
		if phi[i] < 0 {
			phi[i] += 2 * math.Pi
		}
		if i > 0 && phi[i-1]-phi[i] > 0.5 {
			for j := i; j < len(phi); j++ {
				phi[j] += 2 * math.Pi
			}
		}
	}
}

// checkPhaseMonotonic logs residual backward phase steps left after
// unrolling. A consistency signal, not a failure.
func checkPhaseMonotonic(fs *FunctionSet, name string, phi []float64) {
	for i := 1; i < len(phi); i++ {
		if phi[i] < phi[i-1] {
			fs.addWarning("%s phase advance decreases at row %d (%.6f after %.6f)", name, i, phi[i], phi[i-1])
		}
	}
}
