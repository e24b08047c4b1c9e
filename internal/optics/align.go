package optics

import (
	"fmt"

	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/optics.report/internal/tracker"
)

// alignedTracks holds all probe trajectories resampled onto the reference
// probe's path-length grid, one row per lattice element. coords[p][row] is
// probe p's phase-space vector at grid row `row`.
type alignedTracks struct {
	s        []float64
	elements []string
	coords   [NumProbes][][tracker.PhaseDims]float64
}

func (a *alignedTracks) rows() int { return len(a.s) }

// orbit returns the reference probe's coordinates at a row, which trace the
// closed-orbit deviation through the line.
func (a *alignedTracks) orbit(row int) [tracker.PhaseDims]float64 {
	return a.coords[0][row]
}

// alignTracks interpolates every probe trajectory onto the reference
// probe's S positions so finite differences compare all probes at the same
// locations. Interpolation is piecewise linear; rows outside a probe's
// sampled range clamp to its end samples.
func alignTracks(byParticle map[int]tracker.Result) (*alignedTracks, error) {
	ref := byParticle[0].Trajectory
	a := &alignedTracks{
		s:        make([]float64, len(ref)),
		elements: make([]string, len(ref)),
	}
	for i, sm := range ref {
		a.s[i] = sm.S
		a.elements[i] = sm.Element
	}
	a.coords[0] = make([][tracker.PhaseDims]float64, len(ref))
	for i, sm := range ref {
		a.coords[0][i] = sm.Coords
	}

	for p := 1; p < NumProbes; p++ {
		traj := byParticle[p].Trajectory
		resampled, err := resample(traj, a.s)
		if err != nil {
			return nil, fmt.Errorf("aligning probe %d (%s): %v", p, probeLabels[p], err)
		}
		a.coords[p] = resampled
	}
	return a, nil
}

// resample evaluates one trajectory's coordinates at the given grid of path
// lengths.
func resample(traj []tracker.Sample, grid []float64) ([][tracker.PhaseDims]float64, error) {
	out := make([][tracker.PhaseDims]float64, len(grid))
	if len(traj) == 1 {
		for i := range out {
			out[i] = traj[0].Coords
		}
		return out, nil
	}

	xs := make([]float64, len(traj))
	ys := make([]float64, len(traj))
	for i, sm := range traj {
		xs[i] = sm.S
	}
	for c := 0; c < tracker.PhaseDims; c++ {
		for i, sm := range traj {
			ys[i] = sm.Coords[c]
		}
		var pl interp.PiecewiseLinear
		if err := pl.Fit(xs, ys); err != nil {
			return nil, fmt.Errorf("fitting coordinate %d: %v", c, err)
		}
		for i, s := range grid {
			out[i][c] = pl.Predict(clamp(s, xs[0], xs[len(xs)-1]))
		}
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
