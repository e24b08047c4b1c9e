package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/banshee-data/optics.report/internal/config"
	"github.com/banshee-data/optics.report/internal/lattice"
	"github.com/banshee-data/optics.report/internal/optics"
	"github.com/banshee-data/optics.report/internal/store"
	"github.com/banshee-data/optics.report/internal/version"
)

// twiss re-runs the optics reconstruction for one recorded grid point, so a
// suspicious sweep result can be examined with different tolerances without
// re-tracking anything.
func main() {
	var dbPath string
	var runID string
	var pointKey string
	var latticePath string
	var configPath string
	var detTol float64
	var minSpread float64
	var periodic bool
	var outPath string
	var showVersion bool

	flag.StringVar(&dbPath, "db", "", "path to sqlite results store")
	flag.StringVar(&runID, "run", "", "sweep run ID (empty: most recent)")
	flag.StringVar(&pointKey, "point", "", "grid point key, e.g. 2,0 (empty: list the run's points)")
	flag.StringVar(&latticePath, "lattice", "", "path to lattice template JSON (needed with -point)")
	flag.StringVar(&configPath, "config", "", "sweep config JSON for reconstruction defaults")
	flag.Float64Var(&detTol, "det-tolerance", 0, "override the transfer matrix determinant tolerance")
	flag.Float64Var(&minSpread, "min-spread", 0, "override the minimum probe spread")
	flag.BoolVar(&periodic, "periodic", false, "derive the entrance condition from the one-pass matrix")
	flag.StringVar(&outPath, "out", "", "write the function set JSON to this file (default stdout)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("twiss %s\n", version.String())
		return
	}

	if dbPath == "" {
		log.Fatalf("a results store is required (-db)")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer st.Close()

	// Without a run or point, show what the store holds.
	if runID == "" && pointKey == "" {
		listRuns(st)
		return
	}

	run := resolveRun(st, runID)

	if pointKey == "" {
		listPoints(st, run)
		return
	}

	if latticePath == "" {
		log.Fatalf("a lattice template is required (-lattice)")
	}
	template, err := lattice.LoadFile(latticePath)
	if err != nil {
		log.Fatalf("failed to load lattice template: %v", err)
	}

	rec, err := st.GetPointResult(run.ID, pointKey)
	if err != nil {
		log.Fatalf("failed to load point result: %v", err)
	}
	var values map[string]float64
	if err := json.Unmarshal([]byte(rec.ParamsJSON), &values); err != nil {
		log.Fatalf("failed to decode point params: %v", err)
	}
	lat, err := template.Instantiate(values)
	if err != nil {
		log.Fatalf("failed to instantiate lattice: %v", err)
	}
	tracks, err := st.LoadTracks(run.ID, pointKey)
	if err != nil {
		log.Fatalf("failed to load trajectories: %v", err)
	}

	cfg := config.EmptySweepConfig()
	if configPath != "" {
		cfg, err = config.LoadSweepConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	opts := cfg.OpticsOptions()
	if detTol > 0 {
		opts.DetTolerance = detTol
	}
	if minSpread > 0 {
		opts.MinSpread = minSpread
	}
	if periodic {
		// An explicit entrance condition would win over ring mode.
		opts.Periodic = true
		opts.Initial = nil
	}

	fs, err := optics.Reconstruct(lat, tracks, opts)
	if err != nil {
		log.Fatalf("reconstruction failed: %v", err)
	}

	qh, qv := fs.Tunes()
	fmt.Fprintf(os.Stderr, "point %s: %d rows, tunes qh=%.6f qv=%.6f\n", pointKey, len(fs.Rows), qh, qv)
	for _, w := range fs.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	raw, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		log.Fatalf("failed to encode function set: %v", err)
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, raw, 0644); err != nil {
			log.Fatalf("failed to write %s: %v", outPath, err)
		}
		return
	}
	fmt.Println(string(raw))
}

func listRuns(st *store.Store) {
	runs, err := st.ListRuns(20)
	if err != nil {
		log.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("no sweep runs recorded")
		return
	}
	fmt.Println("Recent sweep runs:")
	for _, r := range runs {
		started := time.Unix(r.StartedAtUnix, 0).UTC().Format("2006-01-02 15:04")
		fmt.Printf("  %s  %s  %-12s %-8s %d/%d points, %d failed\n",
			r.ID, started, r.LatticeName, r.Status,
			r.CompletedPoints, r.TotalPoints, r.FailedPoints)
	}
}

func listPoints(st *store.Store, run *store.SweepRun) {
	points, err := st.ListPointResults(run.ID)
	if err != nil {
		log.Fatalf("failed to list point results: %v", err)
	}
	fmt.Printf("run %s  lattice=%s status=%s %d/%d points, %d failed\n",
		run.ID, run.LatticeName, run.Status,
		run.CompletedPoints, run.TotalPoints, run.FailedPoints)
	for _, p := range points {
		state := "ok"
		if p.Cancelled {
			state = "cancelled"
		} else if p.Failure != "" {
			state = "failed: " + p.Failure
		}
		fmt.Printf("  %-8s %s  %s\n", p.PointKey, p.ParamsJSON, state)
	}
}

func resolveRun(st *store.Store, id string) *store.SweepRun {
	if id != "" {
		run, err := st.GetRun(id)
		if err != nil {
			log.Fatalf("failed to load run: %v", err)
		}
		return run
	}
	runs, err := st.ListRuns(1)
	if err != nil {
		log.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) == 0 {
		log.Fatalf("no sweep runs recorded")
	}
	return &runs[0]
}
