package optics

import (
	"github.com/banshee-data/optics.report/internal/lattice"
	"github.com/banshee-data/optics.report/internal/tracker"
)

// NumProbes is the size of the canonical probe set: one reference particle
// plus a plus/minus pair per phase-space dimension.
const NumProbes = 11

// probeLabels follows the canonical order: reference, five plus offsets,
// five minus offsets. Dimension d pairs probes 1+d and 6+d.
var probeLabels = [NumProbes]string{"O", "A", "C", "E", "G", "I", "B", "D", "F", "H", "J"}

// Probe is one canonical particle: its index in the set, its label, and its
// initial phase-space offset from the reference.
type Probe struct {
	Index   int
	Label   string
	Offsets [tracker.PhaseDims]float64
}

// Amplitudes holds the per-dimension probe perturbation magnitudes
// (positions in meters, angles in radians, relative momentum offset).
type Amplitudes [tracker.PhaseDims]float64

// DefaultAmplitudes is small enough to stay in the linear regime of any
// reasonable lattice while keeping finite differences well above float
// noise.
var DefaultAmplitudes = Amplitudes{1e-4, 1e-4, 1e-4, 1e-4, 1e-4}

// normalized replaces non-positive entries with the default magnitude.
func (a Amplitudes) normalized() Amplitudes {
	for d := range a {
		if a[d] <= 0 {
			a[d] = DefaultAmplitudes[d]
		}
	}
	return a
}

// CanonicalProbes builds the fixed 11-probe set with the given perturbation
// amplitudes. Probe 0 is the unperturbed reference.
func CanonicalProbes(amp Amplitudes) [NumProbes]Probe {
	amp = amp.normalized()
	var probes [NumProbes]Probe
	for i := range probes {
		probes[i] = Probe{Index: i, Label: probeLabels[i]}
	}
	for d := 0; d < tracker.PhaseDims; d++ {
		probes[1+d].Offsets[d] = amp[d]
		probes[6+d].Offsets[d] = -amp[d]
	}
	return probes
}

// BuildJobs expands one parameter point into the 11 tracking jobs the
// reconstruction needs. The particle index in each key is the probe index.
func BuildJobs(lat *lattice.Lattice, point string, params map[string]float64, amp Amplitudes) []tracker.Job {
	probes := CanonicalProbes(amp)
	jobs := make([]tracker.Job, 0, NumProbes)
	for _, p := range probes {
		jobs = append(jobs, tracker.Job{
			Key:     tracker.JobKey{Point: point, Particle: p.Index},
			Label:   p.Label,
			Offsets: p.Offsets,
			Lattice: lat,
			Params:  params,
		})
	}
	return jobs
}
