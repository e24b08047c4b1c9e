package optics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/optics.report/internal/tracker"
)

// plane names one transverse plane's coordinate pair within the 5×5 matrix.
type plane struct {
	name string
	pos  int
	ang  int
}

var planes = [2]plane{
	{name: "horizontal", pos: tracker.CoordY, ang: tracker.CoordT},
	{name: "vertical", pos: tracker.CoordZ, ang: tracker.CoordP},
}

// transferMatrices assembles the cumulative transfer matrix at every aligned
// row by central differences over the probe pairs: entry (j,i) is the
// difference of the plus and minus probes' coordinate j divided by their
// initial spread in dimension i.
func transferMatrices(a *alignedTracks, amp Amplitudes, minSpread float64) ([]*mat.Dense, error) {
	amp = amp.normalized()
	var spread [tracker.PhaseDims]float64
	for d := range spread {
		spread[d] = 2 * amp[d]
		if spread[d] < minSpread {
			return nil, fmt.Errorf("%w: probe spread %g in dimension %d below %g", ErrIllConditionedMatrix, spread[d], d, minSpread)
		}
	}

	ms := make([]*mat.Dense, a.rows())
	for row := 0; row < a.rows(); row++ {
		m := mat.NewDense(tracker.PhaseDims, tracker.PhaseDims, nil)
		for i := 0; i < tracker.PhaseDims; i++ {
			plus := a.coords[1+i][row]
			minus := a.coords[6+i][row]
			for j := 0; j < tracker.PhaseDims; j++ {
				m.Set(j, i, (plus[j]-minus[j])/spread[i])
			}
		}
		ms[row] = m
	}
	return ms, nil
}

// validateMatrix checks that each transverse 2×2 block is symplectic to
// within tol: |det − 1| ≤ tol. A violated block means the finite differences
// left the linear regime or the tracking data is inconsistent.
func validateMatrix(m *mat.Dense, element string, tol float64) error {
	for _, pl := range planes {
		det := m.At(pl.pos, pl.pos)*m.At(pl.ang, pl.ang) - m.At(pl.pos, pl.ang)*m.At(pl.ang, pl.pos)
		if math.IsNaN(det) || math.Abs(det-1) > tol {
			return fmt.Errorf("%w: %s block determinant %.6f at element %q", ErrIllConditionedMatrix, pl.name, det, element)
		}
	}
	return nil
}
