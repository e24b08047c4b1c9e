package lattice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Template is a JSON-loadable lattice description whose elements may declare
// sweep variables. Instantiate resolves the variables and builds the survey.
type Template struct {
	Name     string       `json:"name"`
	Elements []ElementDef `json:"elements"`
}

// LoadFile loads a lattice template from a JSON file. The file must have a
// .json extension and be under the size cap.
func LoadFile(path string) (*Template, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("lattice file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat lattice file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("lattice file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read lattice file: %w", err)
	}

	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse lattice JSON: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lattice template: %w", err)
	}
	return &tpl, nil
}

// Validate checks the template shape without resolving variables.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("lattice template has no name")
	}
	if len(t.Elements) == 0 {
		return fmt.Errorf("lattice template %q has no elements", t.Name)
	}
	for i, def := range t.Elements {
		if def.Name == "" {
			return fmt.Errorf("element %d has no name", i)
		}
		for attr := range def.Vary {
			switch attr {
			case "length", "angle", "pitch", "tilt":
			default:
				if _, ok := def.Params[attr]; !ok {
					return fmt.Errorf("element %q varies unknown attribute %q", def.Name, attr)
				}
			}
		}
	}
	return nil
}

// Variables returns the sweep variable names referenced by the template.
func (t *Template) Variables() []string {
	seen := make(map[string]bool)
	var names []string
	for _, def := range t.Elements {
		for _, v := range def.Vary {
			if !seen[v] {
				seen[v] = true
				names = append(names, v)
			}
		}
	}
	return names
}

// Instantiate substitutes sweep variables into the template's element
// attributes and builds the resolved lattice. Every variable referenced by
// the template must be present in vars; extra vars are ignored (they may
// drive runner configuration instead).
func (t *Template) Instantiate(vars map[string]float64) (*Lattice, error) {
	defs := make([]ElementDef, len(t.Elements))
	for i, def := range t.Elements {
		resolved := def
		resolved.Params = copyParams(def.Params)
		for attr, varName := range def.Vary {
			val, ok := vars[varName]
			if !ok {
				return nil, fmt.Errorf("element %q: sweep variable %q not supplied", def.Name, varName)
			}
			switch attr {
			case "length":
				resolved.Length = val
			case "angle":
				resolved.Angle = val
			case "pitch":
				resolved.Pitch = val
			case "tilt":
				resolved.Tilt = val
			default:
				if resolved.Params == nil {
					resolved.Params = make(map[string]float64, 1)
				}
				resolved.Params[attr] = val
			}
		}
		resolved.Vary = nil
		defs[i] = resolved
	}
	return New(t.Name, defs)
}
