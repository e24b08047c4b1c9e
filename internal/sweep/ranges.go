// Package sweep drives parametric optics mappings: it expands a parameter
// grid, instantiates the lattice template at every grid point, runs the
// probe batches through the scheduler and reconstructs optics functions
// per point.
package sweep

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RangeSpec defines a floating-point parameter range for sweeping.
type RangeSpec struct {
	Min  float64
	Max  float64
	Step float64
}

// ParseRangeSpec parses a "min:max:step" string into a RangeSpec.
// Returns an error if the format is invalid or values cannot be parsed.
func ParseRangeSpec(s string) (RangeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return RangeSpec{}, fmt.Errorf("invalid range format %q: expected min:max:step", s)
	}

	min, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid min value %q: %w", parts[0], err)
	}

	max, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid max value %q: %w", parts[1], err)
	}

	step, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid step value %q: %w", parts[2], err)
	}

	if step <= 0 {
		return RangeSpec{}, fmt.Errorf("step must be positive, got %f", step)
	}

	return RangeSpec{Min: min, Max: max, Step: step}, nil
}

// GenerateRange generates a slice of float64 values from min to max (inclusive)
// stepping by step. Returns an empty slice if min > max.
// Limits the number of generated values to prevent excessive memory allocation.
func GenerateRange(min, max, step float64) []float64 {
	if step <= 0 {
		return nil
	}
	if min > max {
		return nil
	}

	// Calculate expected count and enforce limit to prevent DoS
	const maxValues = 10000
	expectedCount := int((max-min)/step) + 1
	if expectedCount > maxValues || expectedCount < 0 {
		// Return empty slice rather than panic - callers should validate ranges
		return nil
	}

	var result []float64
	for v := min; v <= max+step/1000; v += step {
		// Additional safety check during loop
		if len(result) >= maxValues {
			break
		}
		// Round to avoid floating point accumulation errors
		// Use math.Round for proper handling of negative values
		rounded := math.Round(v*1000) / 1000
		if rounded <= max {
			result = append(result, rounded)
		}
	}
	return result
}

// ParseCSVFloat64s parses a comma-separated list of float64 values.
// Returns nil, nil for empty input strings.
func ParseCSVFloat64s(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseParamList parses a comma-separated list of floats or a range specification.
// If the string contains a colon, it is treated as "min:max:step" range spec.
// Otherwise, it is parsed as comma-separated values.
func ParseParamList(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}

	// Check if it's a range specification
	if strings.Contains(s, ":") {
		spec, err := ParseRangeSpec(s)
		if err != nil {
			return nil, err
		}
		return GenerateRange(spec.Min, spec.Max, spec.Step), nil
	}

	// Parse as comma-separated values
	return ParseCSVFloat64s(s)
}
