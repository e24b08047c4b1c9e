package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/optics.report/internal/optics"
	"github.com/banshee-data/optics.report/internal/scheduler"
	"github.com/banshee-data/optics.report/internal/sweep"
)

// DefaultConfigPath is the path to the canonical sweep defaults file.
// This is the single source of truth for all default sweep settings.
const DefaultConfigPath = "config/sweep.defaults.json"

// SweepConfig is the file-based configuration for the sweep tools. The
// schema matches the CLI flags so a run can be described either way; flag
// values win over file values. Fields omitted from the JSON retain their
// defaults through the Get* methods, so partial configs are safe.
type SweepConfig struct {
	// Scheduler params
	Workers        *int    `json:"workers,omitempty"`
	RetryLimit     *int    `json:"retry_limit,omitempty"`
	RetryBaseDelay *string `json:"retry_base_delay,omitempty"` // duration string like "100ms"
	RetryMaxDelay  *string `json:"retry_max_delay,omitempty"`  // duration string like "5s"
	JobTimeout     *string `json:"job_timeout,omitempty"`      // per tracking job, "" = unlimited

	// Driver params
	PointConcurrency *int    `json:"point_concurrency,omitempty"`
	BatchTimeout     *string `json:"batch_timeout,omitempty"` // per grid point, "" = unlimited

	// Tracking backend params
	RunnerBinary       *string  `json:"runner_binary,omitempty"`
	RunnerArgs         []string `json:"runner_args,omitempty"`
	WorkRoot           *string  `json:"work_root,omitempty"`
	OutputFile         *string  `json:"output_file,omitempty"`
	KeepFailedWorkdirs *bool    `json:"keep_failed_workdirs,omitempty"`

	// Optics params
	Amplitudes   []float64       `json:"amplitudes,omitempty"` // probe offsets per phase dim (Y T Z P D)
	DetTolerance *float64        `json:"det_tolerance,omitempty"`
	MinSpread    *float64        `json:"min_spread,omitempty"`
	Periodic     *bool           `json:"periodic,omitempty"`
	Initial      *optics.Initial `json:"initial,omitempty"`

	// Parameter grid (optional; -param flags build one dimension each)
	Dimensions []sweep.Dimension `json:"dimensions,omitempty"`

	// Persistence params
	DBPath        *string `json:"db_path,omitempty"`
	MigrationsDir *string `json:"migrations_dir,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySweepConfig returns a SweepConfig with all fields set to nil.
// Use LoadSweepConfig to load actual values from a file.
func EmptySweepConfig() *SweepConfig {
	return &SweepConfig{}
}

// LoadSweepConfig loads a SweepConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size.
func LoadSweepConfig(path string) (*SweepConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySweepConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical sweep defaults from
// DefaultConfigPath. It searches the current directory and common parent
// directories. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *SweepConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadSweepConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *SweepConfig) Validate() error {
	if c.Workers != nil && *c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", *c.Workers)
	}
	if c.PointConcurrency != nil && *c.PointConcurrency <= 0 {
		return fmt.Errorf("point_concurrency must be positive, got %d", *c.PointConcurrency)
	}

	for _, field := range []struct {
		name  string
		value *string
	}{
		{"retry_base_delay", c.RetryBaseDelay},
		{"retry_max_delay", c.RetryMaxDelay},
		{"job_timeout", c.JobTimeout},
		{"batch_timeout", c.BatchTimeout},
	} {
		if field.value == nil || *field.value == "" {
			continue
		}
		d, err := time.ParseDuration(*field.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", field.name, *field.value, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", field.name, *field.value)
		}
	}

	if len(c.Amplitudes) != 0 && len(c.Amplitudes) != len(optics.DefaultAmplitudes) {
		return fmt.Errorf("amplitudes must have %d entries (Y T Z P D), got %d", len(optics.DefaultAmplitudes), len(c.Amplitudes))
	}
	if c.DetTolerance != nil && *c.DetTolerance <= 0 {
		return fmt.Errorf("det_tolerance must be positive, got %f", *c.DetTolerance)
	}
	if c.MinSpread != nil && *c.MinSpread <= 0 {
		return fmt.Errorf("min_spread must be positive, got %g", *c.MinSpread)
	}

	return nil
}

// GetWorkers returns the scheduler worker count or the default.
func (c *SweepConfig) GetWorkers() int {
	if c.Workers == nil {
		return scheduler.DefaultWorkers
	}
	return *c.Workers
}

// GetRetryLimit returns the retry limit or the default. Zero means retries
// are disabled.
func (c *SweepConfig) GetRetryLimit() int {
	if c.RetryLimit == nil {
		return scheduler.DefaultRetryLimit
	}
	return *c.RetryLimit
}

// GetRetryBaseDelay parses and returns the RetryBaseDelay as a time.Duration.
func (c *SweepConfig) GetRetryBaseDelay() time.Duration {
	return c.duration(c.RetryBaseDelay, scheduler.DefaultRetryBaseDelay)
}

// GetRetryMaxDelay parses and returns the RetryMaxDelay as a time.Duration.
func (c *SweepConfig) GetRetryMaxDelay() time.Duration {
	return c.duration(c.RetryMaxDelay, scheduler.DefaultRetryMaxDelay)
}

// GetJobTimeout parses and returns the per-job timeout. Zero means no limit.
func (c *SweepConfig) GetJobTimeout() time.Duration {
	return c.duration(c.JobTimeout, 0)
}

// GetBatchTimeout parses and returns the per-point batch timeout. Zero means
// no limit.
func (c *SweepConfig) GetBatchTimeout() time.Duration {
	return c.duration(c.BatchTimeout, 0)
}

// GetPointConcurrency returns the point concurrency or the default.
func (c *SweepConfig) GetPointConcurrency() int {
	if c.PointConcurrency == nil {
		return sweep.DefaultPointConcurrency
	}
	return *c.PointConcurrency
}

// GetRunnerBinary returns the tracking binary path, "" when unset.
func (c *SweepConfig) GetRunnerBinary() string {
	if c.RunnerBinary == nil {
		return ""
	}
	return *c.RunnerBinary
}

// GetWorkRoot returns the runner work directory root, "" for the OS default.
func (c *SweepConfig) GetWorkRoot() string {
	if c.WorkRoot == nil {
		return ""
	}
	return *c.WorkRoot
}

// GetOutputFile returns the runner output file name, "" for stdout.
func (c *SweepConfig) GetOutputFile() string {
	if c.OutputFile == nil {
		return ""
	}
	return *c.OutputFile
}

// GetKeepFailedWorkdirs returns whether failed runner workdirs are kept.
func (c *SweepConfig) GetKeepFailedWorkdirs() bool {
	if c.KeepFailedWorkdirs == nil {
		return false
	}
	return *c.KeepFailedWorkdirs
}

// GetAmplitudes returns the probe amplitudes or the optics defaults.
func (c *SweepConfig) GetAmplitudes() optics.Amplitudes {
	if len(c.Amplitudes) != len(optics.DefaultAmplitudes) {
		return optics.DefaultAmplitudes
	}
	var amp optics.Amplitudes
	copy(amp[:], c.Amplitudes)
	return amp
}

// GetDetTolerance returns the transfer matrix determinant tolerance.
func (c *SweepConfig) GetDetTolerance() float64 {
	if c.DetTolerance == nil {
		return optics.DefaultDetTolerance
	}
	return *c.DetTolerance
}

// GetMinSpread returns the minimum usable probe spread.
func (c *SweepConfig) GetMinSpread() float64 {
	if c.MinSpread == nil {
		return optics.DefaultMinSpread
	}
	return *c.MinSpread
}

// GetPeriodic returns whether optics run in periodic (closed ring) mode.
func (c *SweepConfig) GetPeriodic() bool {
	if c.Periodic == nil {
		return false
	}
	return *c.Periodic
}

// GetDBPath returns the results database path, "" when persistence is off.
func (c *SweepConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetMigrationsDir returns the migrations directory or the default.
func (c *SweepConfig) GetMigrationsDir() string {
	if c.MigrationsDir == nil {
		return "db/migrations"
	}
	return *c.MigrationsDir
}

// SchedulerOptions assembles the worker pool options from the config,
// leaving Streams for the caller. An explicit zero retry limit comes back
// as -1, which the scheduler reads as "no retries".
func (c *SweepConfig) SchedulerOptions() scheduler.Options {
	retryLimit := c.GetRetryLimit()
	if retryLimit == 0 {
		retryLimit = -1
	}
	return scheduler.Options{
		Workers:        c.GetWorkers(),
		RetryLimit:     retryLimit,
		JobTimeout:     c.GetJobTimeout(),
		RetryBaseDelay: c.GetRetryBaseDelay(),
		RetryMaxDelay:  c.GetRetryMaxDelay(),
	}
}

// OpticsOptions assembles the reconstruction options from the config.
func (c *SweepConfig) OpticsOptions() optics.Options {
	return optics.Options{
		Amplitudes:   c.GetAmplitudes(),
		DetTolerance: c.GetDetTolerance(),
		MinSpread:    c.GetMinSpread(),
		Periodic:     c.GetPeriodic(),
		Initial:      c.Initial,
	}
}

func (c *SweepConfig) duration(s *string, fallback time.Duration) time.Duration {
	if s == nil || *s == "" {
		return fallback
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fallback // default on parse error
	}
	return d
}
