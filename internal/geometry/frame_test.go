package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	frames := map[string]Frame{
		"identity":     Identity(),
		"translated":   {Origin: [3]float64{1.5, -2.0, 0.25}, Rotation: Identity().Rotation},
		"yaw only":     {Origin: [3]float64{10, 0, 0}, Rotation: RotZ(0.3)},
		"out of plane": {Origin: [3]float64{4, -1, 2}, Rotation: MulRot(RotZ(0.8), MulRot(RotY(-0.2), RotX(1.1)))},
		"full turn":    {Origin: [3]float64{0, 0, -3}, Rotation: MulRot(RotZ(math.Pi/2), RotX(math.Pi/4))},
	}
	points := [][3]float64{
		{0, 0, 0},
		{1, 0, 0},
		{0.001, -0.02, 0.5},
		{-7, 3, 9},
	}

	for name, f := range frames {
		f := f
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.NoError(t, f.Validate(0))
			for _, p := range points {
				back := f.ToLocal(f.ToGlobal(p))
				for i := 0; i < 3; i++ {
					assert.InDelta(t, p[i], back[i], 1e-12)
				}
				vback := f.ToLocalVector(f.ToGlobalVector(p))
				for i := 0; i < 3; i++ {
					assert.InDelta(t, p[i], vback[i], 1e-12)
				}
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("identity is valid", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, Identity().Validate(0))
	})

	t.Run("scaled rotation fails", func(t *testing.T) {
		t.Parallel()
		f := Frame{Rotation: [9]float64{
			1.1, 0, 0,
			0, 1.1, 0,
			0, 0, 1.1,
		}}
		err := f.Validate(0)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("reflection fails", func(t *testing.T) {
		t.Parallel()
		f := Frame{Rotation: [9]float64{
			1, 0, 0,
			0, 1, 0,
			0, 0, -1,
		}}
		err := f.Validate(0)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("small perturbation within tolerance passes", func(t *testing.T) {
		t.Parallel()
		f := Frame{Rotation: RotZ(0.5)}
		f.Rotation[0] += 0.001
		assert.NoError(t, f.Validate(0))
	})

	t.Run("tight tolerance rejects perturbation", func(t *testing.T) {
		t.Parallel()
		f := Frame{Rotation: RotZ(0.5)}
		f.Rotation[0] += 0.001
		assert.ErrorIs(t, f.Validate(1e-6), ErrInvalidFrame)
	})
}

func TestCompose(t *testing.T) {
	t.Parallel()

	t.Run("yaw angles add", func(t *testing.T) {
		t.Parallel()
		a := Frame{Rotation: RotZ(0.2)}
		b := Frame{Rotation: RotZ(0.3)}
		c := Compose(a, b)
		yaw, pitch, roll := c.Angles()
		assert.InDelta(t, 0.5, yaw, 1e-12)
		assert.InDelta(t, 0.0, pitch, 1e-12)
		assert.InDelta(t, 0.0, roll, 1e-12)
	})

	t.Run("identity is neutral", func(t *testing.T) {
		t.Parallel()
		f := Frame{Origin: [3]float64{1, 2, 3}, Rotation: MulRot(RotZ(0.7), RotY(0.1))}
		left := Compose(Identity(), f)
		right := Compose(f, Identity())
		for i := 0; i < 9; i++ {
			assert.InDelta(t, f.Rotation[i], left.Rotation[i], 1e-15)
			assert.InDelta(t, f.Rotation[i], right.Rotation[i], 1e-15)
		}
		for i := 0; i < 3; i++ {
			assert.InDelta(t, f.Origin[i], left.Origin[i], 1e-15)
			assert.InDelta(t, f.Origin[i], right.Origin[i], 1e-15)
		}
	})

	t.Run("translation follows parent rotation", func(t *testing.T) {
		t.Parallel()
		parent := Frame{Rotation: RotZ(math.Pi / 2)}
		child := Frame{Origin: [3]float64{1, 0, 0}, Rotation: Identity().Rotation}
		c := Compose(parent, child)
		// A step along local X becomes a step along global Y after a 90 degree yaw.
		assert.InDelta(t, 0.0, c.Origin[0], 1e-12)
		assert.InDelta(t, 1.0, c.Origin[1], 1e-12)
		assert.InDelta(t, 0.0, c.Origin[2], 1e-12)
	})
}

func TestAngles(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name             string
		yaw, pitch, roll float64
	}{
		{"zero", 0, 0, 0},
		{"yaw", 1.1, 0, 0},
		{"pitch", 0, -0.4, 0},
		{"roll", 0, 0, 2.0},
		{"combined", 0.6, 0.25, -1.3},
		{"negative", -2.2, 0.1, 0.05},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := MulRot(RotZ(tc.yaw), MulRot(RotY(tc.pitch), RotX(tc.roll)))
			yaw, pitch, roll := Frame{Rotation: r}.Angles()
			assert.InDelta(t, tc.yaw, yaw, 1e-12)
			assert.InDelta(t, tc.pitch, pitch, 1e-12)
			assert.InDelta(t, tc.roll, roll, 1e-12)
		})
	}
}

func TestIdentityDeviation(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, IdentityDeviation(Identity().Rotation))
	dev := IdentityDeviation(RotZ(0.1))
	assert.Greater(t, dev, 0.0)
	assert.InDelta(t, math.Sin(0.1), dev, 1e-12)
}

func TestVectorTransformIgnoresOrigin(t *testing.T) {
	t.Parallel()

	f := Frame{Origin: [3]float64{100, 200, 300}, Rotation: RotZ(math.Pi / 2)}
	v := f.ToGlobalVector([3]float64{1, 0, 0})
	assert.InDelta(t, 0.0, v[0], 1e-12)
	assert.InDelta(t, 1.0, v[1], 1e-12)
	assert.InDelta(t, 0.0, v[2], 1e-12)
}
