package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/optics.report/internal/sweep"
	"github.com/banshee-data/optics.report/internal/tracker"
)

// trackDump is the JSON shape persisted per probe inside the trajectory
// blob, keyed by particle index.
type trackDump struct {
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	Trajectory []tracker.Sample `json:"trajectory,omitempty"`
}

// LoadTracks decodes one point's stored trajectory blob back into
// per-particle tracking results, the shape Reconstruct consumes.
func (s *Store) LoadTracks(runID, pointKey string) (map[int]tracker.Result, error) {
	raw, err := s.GetTrajectories(runID, pointKey)
	if err != nil {
		return nil, err
	}
	var dump map[int]trackDump
	if err := json.Unmarshal(raw, &dump); err != nil {
		return nil, fmt.Errorf("failed to decode trajectories: %w", err)
	}
	tracks := make(map[int]tracker.Result, len(dump))
	for particle, d := range dump {
		res := tracker.Result{
			Key:        tracker.JobKey{Point: pointKey, Particle: particle},
			Attempts:   d.Attempts,
			Trajectory: d.Trajectory,
		}
		if d.Error != "" {
			res.Err = errors.New(d.Error)
		}
		tracks[particle] = res
	}
	return tracks, nil
}

// Recorder adapts a Store to the sweep driver's Recorder interface, binding
// point outcomes to one sweep run row.
type Recorder struct {
	store *Store
	runID string
}

var _ sweep.Recorder = (*Recorder)(nil)

// NewRecorder binds a recorder to an existing run.
func NewRecorder(s *Store, runID string) *Recorder {
	return &Recorder{store: s, runID: runID}
}

// RecordPoint persists one concluded grid point: its parameter values, the
// reconstructed optics (or failure tag) and the raw probe trajectories.
func (r *Recorder) RecordPoint(ctx context.Context, res sweep.PointResult, tracks map[tracker.JobKey]tracker.Result) error {
	params, err := json.Marshal(res.Values)
	if err != nil {
		return fmt.Errorf("failed to encode point params: %w", err)
	}

	var opticsJSON []byte
	if res.Optics != nil {
		opticsJSON, err = json.Marshal(res.Optics)
		if err != nil {
			return fmt.Errorf("failed to encode optics: %w", err)
		}
	}

	if err := r.store.InsertPointResult(r.runID, res.Key, string(params), string(opticsJSON), res.Err, res.Cancelled); err != nil {
		return err
	}

	if len(tracks) == 0 {
		return nil
	}
	dump := make(map[int]trackDump, len(tracks))
	for key, tr := range tracks {
		d := trackDump{Attempts: tr.Attempts, Trajectory: tr.Trajectory}
		if tr.Err != nil {
			d.Error = tr.Err.Error()
		}
		dump[key.Particle] = d
	}
	raw, err := json.Marshal(dump)
	if err != nil {
		return fmt.Errorf("failed to encode trajectories: %w", err)
	}
	return r.store.PutTrajectories(r.runID, res.Key, raw)
}
