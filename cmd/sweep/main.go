package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/banshee-data/optics.report/internal/config"
	"github.com/banshee-data/optics.report/internal/lattice"
	"github.com/banshee-data/optics.report/internal/monitoring"
	"github.com/banshee-data/optics.report/internal/store"
	"github.com/banshee-data/optics.report/internal/sweep"
	"github.com/banshee-data/optics.report/internal/tracker"
	"github.com/banshee-data/optics.report/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to sweep config JSON (default: built-in defaults)")
	latticePath   = flag.String("lattice", "", "Path to lattice template JSON")
	dbPath        = flag.String("db", "", "Path to sqlite results store (empty: no recording)")
	migrationsDir = flag.String("migrations", "", "Migrations directory (default from config)")
	workers       = flag.Int("workers", 0, "Tracking worker count (0: config value)")
	pointConc     = flag.Int("point-concurrency", 0, "Concurrent grid points (0: config value)")
	retries       = flag.Int("retries", -1, "Retry budget per tracking job (-1: config value)")
	batchTimeout  = flag.Duration("timeout", 0, "Per-point probe batch timeout (0: config value)")
	jobTimeout    = flag.Duration("job-timeout", 0, "Per-attempt tracking timeout (0: config value)")
	runnerBinary  = flag.String("runner", "", "Simulator binary (empty: config value)")
	outPath       = flag.String("out", "", "Write the result mapping JSON to this file")
	verbose       = flag.Bool("v", false, "Enable diagnostic and trace logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// listFlag collects repeated occurrences of a flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(s string) error {
	*l = append(*l, s)
	return nil
}

func printUsage() {
	fmt.Println(`sweep - parametric optics mapping over a lattice template

Usage: sweep [flags]
       sweep [flags] migrate <up|down|status|force N>

Each -param adds one grid dimension; dimensions from the config file are
kept. Per-point failures are reported in the summary and do not change
the exit code.`)
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func main() {
	var runnerArgs listFlag
	var params listFlag
	flag.Var(&runnerArgs, "runner-arg", "Extra simulator argument (repeatable)")
	flag.Var(&params, "param", "Grid parameter as name=v1,v2,... or name=min:max:step (repeatable)")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("sweep %s\n", version.String())
		return
	}

	cfg := config.EmptySweepConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadSweepConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	dbFile := *dbPath
	if dbFile == "" {
		dbFile = cfg.GetDBPath()
	}
	migDir := *migrationsDir
	if migDir == "" {
		migDir = cfg.GetMigrationsDir()
	}

	// The migrate subcommand manages the store schema and skips the sweep.
	if flag.NArg() > 0 {
		if flag.Arg(0) != "migrate" {
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", flag.Arg(0))
			printUsage()
			os.Exit(1)
		}
		if dbFile == "" {
			log.Fatalf("migrate needs a database path (-db or config)")
		}
		if err := store.RunMigrateCommand(flag.Args()[1:], dbFile, migDir); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if *latticePath == "" {
		log.Fatalf("a lattice template is required (-lattice)")
	}
	template, err := lattice.LoadFile(*latticePath)
	if err != nil {
		log.Fatalf("failed to load lattice template: %v", err)
	}

	dims := cfg.Dimensions
	for _, p := range params {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			log.Fatalf("invalid -param %q (want name=v1,v2,... or name=min:max:step)", p)
		}
		dims = append(dims, sweep.Dimension{Params: []sweep.Param{
			{Name: strings.TrimSpace(parts[0]), Spec: parts[1]},
		}})
	}
	if len(dims) == 0 {
		log.Fatalf("no sweep parameters configured (use -param or the config file)")
	}

	// Expand up front so grid mistakes fail before any tracking starts.
	points, err := sweep.ExpandGrid(dims)
	if err != nil {
		log.Fatalf("failed to expand parameter grid: %v", err)
	}

	binary := *runnerBinary
	if binary == "" {
		binary = cfg.GetRunnerBinary()
	}
	if binary == "" {
		log.Fatalf("no simulator binary configured (use -runner or the config file)")
	}
	execArgs := append([]string{}, cfg.RunnerArgs...)
	execArgs = append(execArgs, runnerArgs...)
	factory := tracker.ExecFactory(tracker.ExecConfig{
		Binary:             binary,
		Args:               execArgs,
		WorkRoot:           cfg.GetWorkRoot(),
		OutputFile:         cfg.GetOutputFile(),
		KeepFailedWorkdirs: cfg.GetKeepFailedWorkdirs(),
	})

	var diagW io.Writer
	if *verbose {
		diagW = os.Stderr
	}
	streams := monitoring.NewStreams("", os.Stderr, diagW, diagW)

	schedOpts := cfg.SchedulerOptions()
	schedOpts.Streams = streams
	if *workers > 0 {
		schedOpts.Workers = *workers
	}
	if *retries >= 0 {
		schedOpts.RetryLimit = *retries
		if *retries == 0 {
			// the scheduler reads zero as "use the default"
			schedOpts.RetryLimit = -1
		}
	}
	if *jobTimeout > 0 {
		schedOpts.JobTimeout = *jobTimeout
	}

	req := sweep.Request{
		Dimensions:   dims,
		Template:     template,
		Factory:      factory,
		Optics:       cfg.OpticsOptions(),
		BatchTimeout: cfg.GetBatchTimeout(),
	}
	if *batchTimeout > 0 {
		req.BatchTimeout = *batchTimeout
	}

	concurrency := cfg.GetPointConcurrency()
	if *pointConc > 0 {
		concurrency = *pointConc
	}

	// Optional results store: one run row per invocation, points recorded
	// as they conclude.
	var recorder sweep.Recorder
	var st *store.Store
	var runID string
	if dbFile != "" {
		st, err = store.Open(dbFile)
		if err != nil {
			log.Fatalf("failed to open results store: %v", err)
		}
		defer st.Close()
		if err := st.MigrateUp(migDir); err != nil {
			log.Fatalf("failed to migrate results store: %v", err)
		}
		reqJSON, err := json.Marshal(req)
		if err != nil {
			log.Fatalf("failed to encode sweep request: %v", err)
		}
		run := &store.SweepRun{
			LatticeName: template.Name,
			RequestJSON: string(reqJSON),
			TotalPoints: len(points),
		}
		if err := st.CreateRun(run); err != nil {
			log.Fatalf("failed to create sweep run: %v", err)
		}
		runID = run.ID
		recorder = store.NewRecorder(st, runID)
		fmt.Printf("recording to %s as run %s\n", dbFile, runID)
	}

	drv := sweep.NewDriver(sweep.Options{
		Scheduler:        schedOpts,
		PointConcurrency: concurrency,
		Recorder:         recorder,
		Streams:          streams,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("sweeping %s: %d points\n", template.Name, len(points))
	mapping, runErr := drv.Run(ctx, req)
	if mapping == nil {
		log.Fatalf("sweep failed: %v", runErr)
	}
	if runErr != nil {
		fmt.Printf("sweep cancelled: %v\n", runErr)
	}

	state := drv.State()
	failures := mapping.Failures()
	fmt.Printf("sweep %s: %d/%d points, %d failed\n",
		state.Status, state.CompletedPoints, state.TotalPoints, len(failures))
	for _, key := range failures {
		fmt.Printf("  point %s: %s\n", key, mapping.Points[key].Err)
	}

	if st != nil {
		status := store.RunStatusComplete
		if runErr != nil {
			status = store.RunStatusError
		}
		if err := st.FinishRun(runID, status, state.CompletedPoints, len(failures)); err != nil {
			log.Printf("failed to finish run row: %v", err)
		}
	}

	if *outPath != "" {
		raw, err := json.MarshalIndent(mapping, "", "  ")
		if err != nil {
			log.Fatalf("failed to encode result mapping: %v", err)
		}
		if err := os.WriteFile(*outPath, raw, 0644); err != nil {
			log.Fatalf("failed to write report: %v", err)
		}
		fmt.Printf("wrote result mapping to %s\n", *outPath)
	}
}
