// Package geometry provides survey-frame transforms for lattice elements.
//
// A Frame is the cumulative position and orientation of a lattice element
// relative to the global origin, composed from each preceding element's
// geometric patch. Local coordinate convention: X = longitudinal (beam
// direction), Y = horizontal, Z = vertical.
package geometry

import (
	"fmt"
	"math"
)

// FrameValidationTolerance is the default tolerance for checking that a
// rotation matrix is a proper orthonormal rotation.
const FrameValidationTolerance = 0.01

// ErrInvalidFrame reports malformed survey geometry: a rotation that is not
// orthonormal within tolerance, or a reflection.
var ErrInvalidFrame = fmt.Errorf("invalid survey frame")

// Frame is a rigid transform from element-local coordinates to the global
// frame: global = Rotation*local + Origin. Rotation is 3x3 row-major.
type Frame struct {
	Origin   [3]float64
	Rotation [9]float64
}

// Identity returns the frame at the global origin with no rotation.
func Identity() Frame {
	return Frame{Rotation: [9]float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}}
}

// RotX returns the rotation matrix for angle radians about the local X
// (longitudinal) axis, a roll/tilt.
func RotX(angle float64) [9]float64 {
	c, s := math.Cos(angle), math.Sin(angle)
	return [9]float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	}
}

// RotY returns the rotation matrix for angle radians about the local Y
// (horizontal) axis, a pitch.
func RotY(angle float64) [9]float64 {
	c, s := math.Cos(angle), math.Sin(angle)
	return [9]float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	}
}

// RotZ returns the rotation matrix for angle radians about the local Z
// (vertical) axis, a yaw/bend.
func RotZ(angle float64) [9]float64 {
	c, s := math.Cos(angle), math.Sin(angle)
	return [9]float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	}
}

// MulRot returns the row-major matrix product a*b. Applied to a vector,
// b acts first.
func MulRot(a, b [9]float64) [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = a[i*3]*b[j] + a[i*3+1]*b[3+j] + a[i*3+2]*b[6+j]
		}
	}
	return out
}

// Compose returns the frame obtained by applying the local transform b
// inside frame a: the result maps b-local coordinates to the global frame.
func Compose(a, b Frame) Frame {
	return Frame{
		Origin:   a.ToGlobal(b.Origin),
		Rotation: MulRot(a.Rotation, b.Rotation),
	}
}

// ToGlobal converts a local-frame point to the global frame.
func (f Frame) ToGlobal(local [3]float64) [3]float64 {
	r := f.Rotation
	return [3]float64{
		r[0]*local[0] + r[1]*local[1] + r[2]*local[2] + f.Origin[0],
		r[3]*local[0] + r[4]*local[1] + r[5]*local[2] + f.Origin[1],
		r[6]*local[0] + r[7]*local[1] + r[8]*local[2] + f.Origin[2],
	}
}

// ToLocal converts a global-frame point to the local frame. The rotation is
// assumed orthonormal so its transpose is its inverse; call Validate first
// when the frame comes from untrusted survey data.
func (f Frame) ToLocal(global [3]float64) [3]float64 {
	r := f.Rotation
	d := [3]float64{global[0] - f.Origin[0], global[1] - f.Origin[1], global[2] - f.Origin[2]}
	return [3]float64{
		r[0]*d[0] + r[3]*d[1] + r[6]*d[2],
		r[1]*d[0] + r[4]*d[1] + r[7]*d[2],
		r[2]*d[0] + r[5]*d[1] + r[8]*d[2],
	}
}

// ToGlobalVector rotates a directional quantity (dispersion, orbit slope)
// into the global frame without translating it.
func (f Frame) ToGlobalVector(v [3]float64) [3]float64 {
	r := f.Rotation
	return [3]float64{
		r[0]*v[0] + r[1]*v[1] + r[2]*v[2],
		r[3]*v[0] + r[4]*v[1] + r[5]*v[2],
		r[6]*v[0] + r[7]*v[1] + r[8]*v[2],
	}
}

// ToLocalVector rotates a global directional quantity into the local frame.
func (f Frame) ToLocalVector(v [3]float64) [3]float64 {
	r := f.Rotation
	return [3]float64{
		r[0]*v[0] + r[3]*v[1] + r[6]*v[2],
		r[1]*v[0] + r[4]*v[1] + r[7]*v[2],
		r[2]*v[0] + r[5]*v[1] + r[8]*v[2],
	}
}

// Det returns the determinant of the rotation via cofactor expansion.
func Det(m [9]float64) float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// IdentityDeviation returns the largest absolute entry of R - I, a cheap
// scalar measure of net rotation.
func IdentityDeviation(m [9]float64) float64 {
	var max float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if d := math.Abs(m[i*3+j] - want); d > max {
				max = d
			}
		}
	}
	return max
}

// Validate checks that the rotation is a proper orthonormal rotation:
// R*Rt = I entrywise within tol and det R = +1 within tol. A zero tol uses
// FrameValidationTolerance. Returns ErrInvalidFrame (wrapped) on failure.
func (f Frame) Validate(tol float64) error {
	if tol <= 0 {
		tol = FrameValidationTolerance
	}
	r := f.Rotation

	// NaN compares false against every threshold below, so reject
	// non-finite entries up front.
	for i, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: rotation entry %d is not finite (%v)", ErrInvalidFrame, i, v)
		}
	}

	// R * Rt should be the identity.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := r[i*3]*r[j*3] + r[i*3+1]*r[j*3+1] + r[i*3+2]*r[j*3+2]
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(dot-want) > tol {
				return fmt.Errorf("%w: rows %d,%d not orthonormal (dot=%.6f, want %.0f)", ErrInvalidFrame, i, j, dot, want)
			}
		}
	}

	// Proper rotation, not a reflection.
	if det := Det(r); math.Abs(det-1.0) > tol {
		return fmt.Errorf("%w: determinant %.6f outside tolerance %.3g of 1", ErrInvalidFrame, det, tol)
	}

	return nil
}

// Angles extracts extrinsic yaw (about Z), pitch (about Y) and roll (about X)
// from the rotation, assuming it was composed as RotZ(yaw)*RotY(pitch)*RotX(roll).
func (f Frame) Angles() (yaw, pitch, roll float64) {
	r := f.Rotation
	if math.Abs(r[6]) >= 1-1e-12 {
		// Gimbal lock: pitch at ±90 degrees, roll folded into yaw.
		pitch = -math.Asin(math.Max(-1, math.Min(1, r[6])))
		yaw = math.Atan2(-r[1], r[4])
		return yaw, pitch, 0
	}
	pitch = -math.Asin(r[6])
	yaw = math.Atan2(r[3], r[0])
	roll = math.Atan2(r[7], r[8])
	return yaw, pitch, roll
}
