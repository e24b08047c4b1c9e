package optics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PeriodicInitial derives the entrance optical condition of a closed ring
// from its one-pass transfer matrix: the periodic Twiss solution per
// transverse plane plus the periodic dispersion 4-vector. Fails with
// ErrUnstableLattice when no periodic solution exists.
func PeriodicInitial(oneTurn *mat.Dense, opts Options) (Initial, error) {
	var init Initial
	for _, pl := range planes {
		beta, alpha, err := periodicPlane(oneTurn, pl)
		if err != nil {
			return Initial{}, err
		}
		if pl.name == "horizontal" {
			init.BetaH, init.AlphaH = beta, alpha
		} else {
			init.BetaV, init.AlphaV = beta, alpha
		}
	}

	d, err := periodicDispersion(oneTurn)
	if err != nil {
		return Initial{}, err
	}
	init.DispH, init.DispPH = d[0], d[1]
	init.DispV, init.DispPV = d[2], d[3]
	return init, nil
}

// periodicPlane solves cos μ = (r11 + r22)/2 for one plane and extracts the
// matched beta and alpha. The sin μ branch is chosen so beta is positive.
func periodicPlane(m *mat.Dense, pl plane) (beta, alpha float64, err error) {
	r11 := m.At(pl.pos, pl.pos)
	r12 := m.At(pl.pos, pl.ang)
	r22 := m.At(pl.ang, pl.ang)

	cosmu := (r11 + r22) / 2
	if math.Abs(cosmu) >= 1 {
		return 0, 0, fmt.Errorf("%w: |cos mu| = %.6f in %s plane", ErrUnstableLattice, math.Abs(cosmu), pl.name)
	}
	sinmu := math.Sqrt(1 - cosmu*cosmu)
	if r12 < 0 {
		sinmu = -sinmu
	}
	beta = r12 / sinmu
	alpha = (r11 - r22) / (2 * sinmu)
	return beta, alpha, nil
}

// periodicDispersion solves (I₄ − M₄)·d = [r15 r25 r35 r45]ᵀ for the closed
// dispersion, where M₄ is the transverse block of the one-pass matrix.
func periodicDispersion(m *mat.Dense) ([4]float64, error) {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := -m.At(i, j)
			if i == j {
				v++
			}
			a.Set(i, j, v)
		}
	}
	b := mat.NewVecDense(4, []float64{m.At(0, 4), m.At(1, 4), m.At(2, 4), m.At(3, 4)})

	var d mat.VecDense
	if err := d.SolveVec(a, b); err != nil {
		return [4]float64{}, fmt.Errorf("%w: singular dispersion system: %v", ErrUnstableLattice, err)
	}
	return [4]float64{d.AtVec(0), d.AtVec(1), d.AtVec(2), d.AtVec(3)}, nil
}
