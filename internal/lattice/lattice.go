// Package lattice models the element sequence consumed by the optics
// reconstruction: an ordered list of elements with survey frames accumulated
// from the lattice entrance. The sequence is immutable once built; sweeps
// share it read-only.
package lattice

import (
	"fmt"
	"math"

	"github.com/banshee-data/optics.report/internal/geometry"
)

// ElementDef describes one element of a lattice template. Geometry patches
// (Angle, Pitch, Tilt, Shift) are applied at the element exit, after
// advancing Length along the local beam axis.
type ElementDef struct {
	Name    string  `json:"name"`
	Keyword string  `json:"keyword"`
	Length  float64 `json:"length_m"`
	Angle   float64 `json:"angle_rad,omitempty"` // bend about the vertical axis
	Pitch   float64 `json:"pitch_rad,omitempty"` // out-of-plane bend
	Tilt    float64 `json:"tilt_rad,omitempty"`  // roll about the beam axis

	Shift [3]float64 `json:"shift_m,omitempty"` // translation patch, local frame

	// Params carries backend-specific attributes (gradients, field values)
	// passed through to the tracking job descriptor.
	Params map[string]float64 `json:"params,omitempty"`

	// Vary maps an attribute ("length", "angle", "pitch", "tilt", or a
	// Params key) to a sweep variable name substituted at instantiation.
	Vary map[string]string `json:"vary,omitempty"`
}

// Element is one resolved lattice element with its survey frames.
type Element struct {
	Name    string
	Keyword string
	Length  float64
	Angle   float64
	Pitch   float64
	Tilt    float64
	Shift   [3]float64
	Params  map[string]float64

	Entry geometry.Frame
	Exit  geometry.Frame
}

// Lattice is an immutable resolved element sequence.
type Lattice struct {
	Name     string
	Elements []Element
}

// New builds a lattice from element definitions, accumulating survey frames
// from the entrance. The entrance frame is the global identity. Each
// element's exit frame is its entry frame advanced by Length along the local
// beam axis, shifted by Shift, then rotated by the element's patch angles.
// Frames are validated as they are composed; malformed geometry fails
// immediately with geometry.ErrInvalidFrame.
func New(name string, defs []ElementDef) (*Lattice, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("lattice %q has no elements", name)
	}

	seen := make(map[string]bool, len(defs))
	elements := make([]Element, 0, len(defs))
	frame := geometry.Identity()

	for i, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("lattice %q: element %d has no name", name, i)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("lattice %q: duplicate element name %q", name, def.Name)
		}
		seen[def.Name] = true
		if def.Length < 0 || math.IsNaN(def.Length) {
			return nil, fmt.Errorf("lattice %q: element %q has invalid length %v", name, def.Name, def.Length)
		}

		patch := geometry.Frame{
			Origin: [3]float64{def.Length + def.Shift[0], def.Shift[1], def.Shift[2]},
			Rotation: geometry.MulRot(geometry.RotZ(def.Angle),
				geometry.MulRot(geometry.RotY(def.Pitch), geometry.RotX(def.Tilt))),
		}
		exit := geometry.Compose(frame, patch)
		if err := exit.Validate(0); err != nil {
			return nil, fmt.Errorf("lattice %q: element %q: %w", name, def.Name, err)
		}

		elements = append(elements, Element{
			Name:    def.Name,
			Keyword: def.Keyword,
			Length:  def.Length,
			Angle:   def.Angle,
			Pitch:   def.Pitch,
			Tilt:    def.Tilt,
			Shift:   def.Shift,
			Params:  copyParams(def.Params),
			Entry:   frame,
			Exit:    exit,
		})
		frame = exit
	}

	return &Lattice{Name: name, Elements: elements}, nil
}

func copyParams(m map[string]float64) map[string]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TotalLength returns the summed element lengths in meters.
func (l *Lattice) TotalLength() float64 {
	var sum float64
	for _, e := range l.Elements {
		sum += e.Length
	}
	return sum
}

// ElementNames returns element names in sequence order.
func (l *Lattice) ElementNames() []string {
	names := make([]string, len(l.Elements))
	for i, e := range l.Elements {
		names[i] = e.Name
	}
	return names
}

// NetRotation returns the deviation of the final exit rotation from the
// identity. Zero means the lattice closes geometrically (or never bends),
// which lets the optics layer skip global-frame corrections.
func (l *Lattice) NetRotation() float64 {
	if len(l.Elements) == 0 {
		return 0
	}
	return geometry.IdentityDeviation(l.Elements[len(l.Elements)-1].Exit.Rotation)
}
