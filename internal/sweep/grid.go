package sweep

import (
	"fmt"
	"strconv"
	"strings"
)

// Param is one swept lattice variable. Explicit Values win; otherwise Spec
// is expanded ("min:max:step" range or comma-separated list).
type Param struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values,omitempty"`
	Spec   string    `json:"spec,omitempty"`
}

// Dimension is one independent axis of the parameter grid. All params
// within a dimension vary in lockstep and must expand to the same length.
type Dimension struct {
	Params []Param `json:"params"`
}

// Point is one expanded grid point. Key is the comma-joined tuple of
// per-dimension indices (e.g. "2,0"), stable for a given request.
type Point struct {
	Key    string
	Values map[string]float64
}

// maxPoints caps the expanded grid size.
const maxPoints = 1000

// expandParam fills p.Values from p.Spec when no explicit values are given.
func expandParam(p *Param) error {
	if p.Name == "" {
		return fmt.Errorf("param with empty name")
	}
	if len(p.Values) > 0 {
		return nil
	}
	vals, err := ParseParamList(p.Spec)
	if err != nil {
		return fmt.Errorf("param %q: %w", p.Name, err)
	}
	if len(vals) == 0 {
		return fmt.Errorf("param %q has no values", p.Name)
	}
	p.Values = vals
	return nil
}

// ExpandGrid expands the dimension list into the full list of grid points.
// Dimensions combine as a cartesian product; params inside one dimension
// are zipped. The last dimension cycles fastest.
func ExpandGrid(dims []Dimension) ([]Point, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("no sweep dimensions")
	}

	lengths := make([]int, len(dims))
	seen := make(map[string]bool)
	for di := range dims {
		dim := &dims[di]
		if len(dim.Params) == 0 {
			return nil, fmt.Errorf("dimension %d has no params", di)
		}
		for pi := range dim.Params {
			p := &dim.Params[pi]
			if err := expandParam(p); err != nil {
				return nil, fmt.Errorf("dimension %d: %w", di, err)
			}
			if seen[p.Name] {
				return nil, fmt.Errorf("param %q appears more than once", p.Name)
			}
			seen[p.Name] = true
			if pi == 0 {
				lengths[di] = len(p.Values)
			} else if len(p.Values) != lengths[di] {
				return nil, fmt.Errorf("dimension %d: param %q has %d values, expected %d",
					di, p.Name, len(p.Values), lengths[di])
			}
		}
	}

	// Validate size before allocation to prevent DoS
	total := int64(1)
	for _, n := range lengths {
		total *= int64(n)
		if total > maxPoints || total < 0 {
			return nil, fmt.Errorf("parameter grid too large: would exceed %d points", maxPoints)
		}
	}

	points := make([]Point, total)
	indices := make([][]int, total)
	for i := range points {
		points[i].Values = make(map[string]float64, len(seen))
		indices[i] = make([]int, len(dims))
	}

	repeat := 1
	for di := len(dims) - 1; di >= 0; di-- {
		cycle := lengths[di]
		for i := range points {
			idx := (i / repeat) % cycle
			indices[i][di] = idx
			for _, p := range dims[di].Params {
				points[i].Values[p.Name] = p.Values[idx]
			}
		}
		repeat *= cycle
	}

	for i := range points {
		points[i].Key = indexKey(indices[i])
	}
	return points, nil
}

// indexKey renders a per-dimension index tuple as a stable point key.
func indexKey(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
