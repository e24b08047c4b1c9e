package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/banshee-data/optics.report/internal/security"
)

// ExecConfig configures the external-binary backend. The simulator is run
// once per job in a fresh work directory containing a job.json descriptor,
// and must emit one trajectory line per lattice element:
//
//	<element_index> <s> <y> <t> <z> <p> <d>
//
// whitespace-separated, on stdout or into OutputFile. Blank lines and lines
// starting with '#' are ignored.
type ExecConfig struct {
	Binary string   // simulator executable
	Args   []string // extra arguments, placed before the work directory

	// WorkRoot is the parent directory for per-attempt work directories.
	// Empty means the system temp directory.
	WorkRoot string

	// OutputFile is the trajectory file name inside the work directory.
	// Empty means the trajectory is read from stdout.
	OutputFile string

	// KeepFailedWorkdirs leaves the work directory in place when a job
	// fails, for post-mortem inspection. Successful work directories are
	// always removed.
	KeepFailedWorkdirs bool
}

// ExecRunner runs tracking jobs as external simulator processes. Each
// invocation spawns a fresh OS process, so a crashing simulator cannot
// corrupt the orchestrator.
type ExecRunner struct {
	cfg ExecConfig
}

// NewExecRunner validates the configuration and returns the backend.
func NewExecRunner(cfg ExecConfig) (*ExecRunner, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("exec runner: no simulator binary configured")
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	return &ExecRunner{cfg: cfg}, nil
}

// ExecFactory returns a Factory for the exec backend.
func ExecFactory(cfg ExecConfig) Factory {
	return func() (Runner, error) { return NewExecRunner(cfg) }
}

// jobDescriptor is the JSON handed to the simulator in its work directory.
type jobDescriptor struct {
	Key     JobKey             `json:"key"`
	Label   string             `json:"label"`
	Offsets [PhaseDims]float64 `json:"offsets"`
	Params  map[string]float64 `json:"params,omitempty"`
	Lattice latticeDescriptor  `json:"lattice"`
}

type latticeDescriptor struct {
	Name     string              `json:"name"`
	Elements []elementDescriptor `json:"elements"`
}

type elementDescriptor struct {
	Name    string             `json:"name"`
	Keyword string             `json:"keyword"`
	Length  float64            `json:"length_m"`
	Angle   float64            `json:"angle_rad,omitempty"`
	Pitch   float64            `json:"pitch_rad,omitempty"`
	Tilt    float64            `json:"tilt_rad,omitempty"`
	Params  map[string]float64 `json:"params,omitempty"`
}

// Run executes one simulator process for the job and parses its trajectory.
func (r *ExecRunner) Run(ctx context.Context, job Job) Result {
	if job.Lattice == nil {
		return Result{Key: job.Key, Err: Permanent(fmt.Errorf("%w: job has no lattice", ErrRunnerFailure))}
	}

	workdir, err := r.makeWorkdir(job.Key)
	if err != nil {
		return Result{Key: job.Key, Err: fmt.Errorf("%w: %v", ErrRunnerFailure, err)}
	}

	samples, err := r.runInDir(ctx, job, workdir)
	if err != nil {
		if !r.cfg.KeepFailedWorkdirs {
			os.RemoveAll(workdir)
		}
		return Result{Key: job.Key, Err: err}
	}

	os.RemoveAll(workdir)
	return Result{Key: job.Key, Trajectory: samples}
}

func (r *ExecRunner) makeWorkdir(key JobKey) (string, error) {
	point := security.SanitizeFilename(key.Point)
	name := fmt.Sprintf("track-%s-p%d-%s", point, key.Particle, uuid.New().String()[:8])
	workdir := filepath.Join(r.cfg.WorkRoot, name)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return "", fmt.Errorf("creating work directory: %w", err)
	}
	return workdir, nil
}

func (r *ExecRunner) runInDir(ctx context.Context, job Job, workdir string) ([]Sample, error) {
	desc := jobDescriptor{
		Key:     job.Key,
		Label:   job.Label,
		Offsets: job.Offsets,
		Params:  job.Params,
		Lattice: latticeDescriptor{Name: job.Lattice.Name},
	}
	for _, e := range job.Lattice.Elements {
		desc.Lattice.Elements = append(desc.Lattice.Elements, elementDescriptor{
			Name:    e.Name,
			Keyword: e.Keyword,
			Length:  e.Length,
			Angle:   e.Angle,
			Pitch:   e.Pitch,
			Tilt:    e.Tilt,
			Params:  e.Params,
		})
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, Permanent(fmt.Errorf("%w: encoding job descriptor: %v", ErrRunnerFailure, err))
	}
	if err := os.WriteFile(filepath.Join(workdir, "job.json"), data, 0644); err != nil {
		return nil, fmt.Errorf("%w: writing job descriptor: %v", ErrRunnerFailure, err)
	}

	args := append(append([]string{}, r.cfg.Args...), workdir)
	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// The context verdict wins over the process exit status: a killed
	// simulator reports an opaque exit error.
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctxErr)
		}
		return nil, ctxErr
	}
	if runErr != nil {
		return nil, fmt.Errorf("%w: %v (stderr: %s)", ErrRunnerFailure, runErr, firstLine(stderr.String()))
	}

	raw := stdout.Bytes()
	if r.cfg.OutputFile != "" {
		raw, err = os.ReadFile(filepath.Join(workdir, r.cfg.OutputFile))
		if err != nil {
			return nil, fmt.Errorf("%w: reading output file: %v", ErrRunnerFailure, err)
		}
	}

	samples, err := ParseTrajectory(raw, job.Lattice.ElementNames())
	if err != nil {
		return nil, err
	}
	if err := ValidateTrajectory(samples, len(job.Lattice.Elements)); err != nil {
		return nil, err
	}
	return samples, nil
}

// ParseTrajectory decodes simulator output lines into samples, mapping each
// line's element index onto the lattice's element names. Lines must appear
// in element order.
func ParseTrajectory(raw []byte, elementNames []string) ([]Sample, error) {
	var samples []Sample
	for lineNum, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2+PhaseDims {
			return nil, fmt.Errorf("%w: line %d has %d fields, want %d", ErrRunnerFailure, lineNum+1, len(fields), 2+PhaseDims)
		}

		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad element index %q", ErrRunnerFailure, lineNum+1, fields[0])
		}
		if idx != len(samples) {
			return nil, fmt.Errorf("%w: line %d: element index %d out of order (want %d)", ErrRunnerFailure, lineNum+1, idx, len(samples))
		}
		if idx >= len(elementNames) {
			return nil, fmt.Errorf("%w: line %d: element index %d beyond lattice size %d", ErrRunnerFailure, lineNum+1, idx, len(elementNames))
		}

		var s Sample
		s.Element = elementNames[idx]
		if s.S, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return nil, fmt.Errorf("%w: line %d: bad path length %q", ErrRunnerFailure, lineNum+1, fields[1])
		}
		for c := 0; c < PhaseDims; c++ {
			if s.Coords[c], err = strconv.ParseFloat(fields[2+c], 64); err != nil {
				return nil, fmt.Errorf("%w: line %d: bad coordinate %q", ErrRunnerFailure, lineNum+1, fields[2+c])
			}
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
