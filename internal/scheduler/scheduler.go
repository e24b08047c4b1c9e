// Package scheduler runs tracking jobs on a bounded worker pool. Batches of
// jobs are submitted together, run concurrently up to the worker limit, and
// collected back into a per-key result map regardless of completion order.
// Transient failures are retried with exponential backoff; one job's failure
// never disturbs its siblings.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/optics.report/internal/monitoring"
	"github.com/banshee-data/optics.report/internal/tracker"
)

const (
	DefaultWorkers        = 4
	DefaultRetryLimit     = 2
	DefaultRetryBaseDelay = 100 * time.Millisecond
	DefaultRetryMaxDelay  = 5 * time.Second
)

var (
	// ErrSchedulerClosed is returned by SubmitBatch when the scheduler is
	// not accepting work (not started yet, or closed).
	ErrSchedulerClosed = fmt.Errorf("scheduler not accepting batches")

	// ErrDuplicateJobKey rejects a batch that repeats a key, or reuses a
	// key still in flight from a concurrent batch.
	ErrDuplicateJobKey = fmt.Errorf("duplicate job key")
)

// Options configures a Scheduler. The zero value gets defaults for every
// field; set RetryLimit negative to disable retries entirely.
type Options struct {
	// Workers bounds concurrent runner invocations pool-wide.
	Workers int

	// RetryLimit is the number of extra attempts after a failed first try.
	// Zero means DefaultRetryLimit; negative means no retries.
	RetryLimit int

	// JobTimeout is the deadline applied around each runner invocation.
	// Zero disables it. An expired attempt counts as a transient failure.
	JobTimeout time.Duration

	// RetryBaseDelay and RetryMaxDelay shape the backoff schedule.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Streams receives diagnostics. Nil logs nothing.
	Streams *monitoring.Streams
}

// BatchOptions configures one SubmitBatch call.
type BatchOptions struct {
	// Timeout bounds the whole batch. Jobs still unfinished when it
	// expires are recorded as timed-out failures. Zero means no limit.
	Timeout time.Duration
}

// BatchReport summarizes one batch after SubmitBatch returns.
type BatchReport struct {
	Submitted  int
	Succeeded  int
	Failed     int
	Unfinished int // interrupted by cancellation before a verdict
	Retries    int // extra attempts across the whole batch

	FailedKeys []tracker.JobKey

	// Cancelled is set when the submit context ended before every job
	// reached a verdict. The result map then holds only the completed jobs.
	Cancelled bool

	Elapsed           time.Duration
	MeanJobDuration   time.Duration
	StddevJobDuration time.Duration
}

// Scheduler owns the worker pool. Construct with New, launch with Start,
// and Close when done; a single Scheduler serves any number of concurrent
// SubmitBatch callers.
type Scheduler struct {
	runner     tracker.Runner
	workers    int
	retryLimit int
	jobTimeout time.Duration
	retryBase  time.Duration
	retryMax   time.Duration
	streams    *monitoring.Streams

	queue    chan *task
	quit     chan struct{}
	stopOnce sync.Once

	workerWG sync.WaitGroup
	jobWG    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[tracker.JobKey]struct{}
	started  bool
	closed   bool
}

// task is one pending execution of a job: the attempt number it will run as,
// plus the batch it reports back to.
type task struct {
	job     tracker.Job
	bc      *batchCtl
	attempt int
	backoff *backoff
}

// batchCtl ties a batch's jobs to its contexts and result channel. submitCtx
// is the caller's context (cancellation verdicts); runCtx additionally
// carries the batch timeout.
type batchCtl struct {
	submitCtx context.Context
	runCtx    context.Context
	results   chan tracker.Result
	timeout   time.Duration
}

// New builds a Scheduler around the runner. Call Start before submitting.
func New(runner tracker.Runner, opts Options) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	retryLimit := opts.RetryLimit
	if retryLimit == 0 {
		retryLimit = DefaultRetryLimit
	} else if retryLimit < 0 {
		retryLimit = 0
	}
	base := opts.RetryBaseDelay
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	max := opts.RetryMaxDelay
	if max <= 0 {
		max = DefaultRetryMaxDelay
	}
	return &Scheduler{
		runner:     runner,
		workers:    workers,
		retryLimit: retryLimit,
		jobTimeout: opts.JobTimeout,
		retryBase:  base,
		retryMax:   max,
		streams:    opts.Streams,
		queue:      make(chan *task, workers*4),
		quit:       make(chan struct{}),
		inFlight:   make(map[tracker.JobKey]struct{}),
	}
}

// Start launches the worker pool. Safe to call once; subsequent calls are
// no-ops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.workerWG.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.worker()
	}
	s.streams.Diagf("scheduler started: workers=%d retry_limit=%d job_timeout=%v", s.workers, s.retryLimit, s.jobTimeout)
}

// Close stops accepting batches, waits for in-flight jobs to reach their
// verdicts, then stops the workers. Blocks until the pool is drained.
func (s *Scheduler) Close() {
	s.mu.Lock()
	wasStarted := s.started
	s.closed = true
	s.mu.Unlock()

	s.jobWG.Wait()
	if wasStarted {
		s.stopOnce.Do(func() { close(s.quit) })
		s.workerWG.Wait()
	}
	s.streams.Diagf("scheduler closed")
}

// SubmitBatch runs the jobs and blocks until every one has a verdict or the
// context ends. For a batch that runs to completion the returned map holds
// exactly one entry per submitted key, failures included; for a cancelled
// batch it holds the entries completed before cancellation and the report's
// Cancelled flag is set. The error return covers admission only.
func (s *Scheduler) SubmitBatch(ctx context.Context, jobs []tracker.Job, opts BatchOptions) (map[tracker.JobKey]tracker.Result, BatchReport, error) {
	if len(jobs) == 0 {
		return map[tracker.JobKey]tracker.Result{}, BatchReport{}, nil
	}
	if err := s.admit(jobs); err != nil {
		return nil, BatchReport{}, err
	}

	runCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	bc := &batchCtl{
		submitCtx: ctx,
		runCtx:    runCtx,
		results:   make(chan tracker.Result, len(jobs)),
		timeout:   opts.Timeout,
	}

	start := time.Now()
	for i := range jobs {
		s.enqueue(&task{
			job:     jobs[i],
			bc:      bc,
			attempt: 1,
			backoff: newBackoff(s.retryBase, s.retryMax),
		})
	}

	results := make(map[tracker.JobKey]tracker.Result, len(jobs))
	report := BatchReport{Submitted: len(jobs)}
	var durations []float64
	for range jobs {
		res := <-bc.results
		if res.Attempts > 1 {
			report.Retries += res.Attempts - 1
		}
		if interrupted(res.Err) {
			report.Unfinished++
			report.Cancelled = true
			continue
		}
		results[res.Key] = res
		if res.Failed() {
			report.Failed++
			report.FailedKeys = append(report.FailedKeys, res.Key)
		} else {
			report.Succeeded++
		}
		if res.Duration > 0 {
			durations = append(durations, res.Duration.Seconds())
		}
	}
	report.Elapsed = time.Since(start)
	sort.Slice(report.FailedKeys, func(i, j int) bool {
		a, b := report.FailedKeys[i], report.FailedKeys[j]
		if a.Point != b.Point {
			return a.Point < b.Point
		}
		return a.Particle < b.Particle
	})
	if len(durations) > 0 {
		report.MeanJobDuration = time.Duration(stat.Mean(durations, nil) * float64(time.Second))
	}
	if len(durations) > 1 {
		report.StddevJobDuration = time.Duration(stat.StdDev(durations, nil) * float64(time.Second))
	}

	s.streams.Diagf("batch done: submitted=%d succeeded=%d failed=%d unfinished=%d retries=%d elapsed=%v",
		report.Submitted, report.Succeeded, report.Failed, report.Unfinished, report.Retries, report.Elapsed)
	if report.Failed > 0 {
		s.streams.Opsf("batch had %d failed jobs: %v", report.Failed, report.FailedKeys)
	}
	return results, report, nil
}

// interrupted reports whether the error is a batch-cancellation verdict
// rather than a job-level failure. Job-level timeouts wrap tracker.ErrTimeout
// and are not interruptions.
func interrupted(err error) bool {
	if err == nil || errors.Is(err, tracker.ErrTimeout) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// admit reserves every key in the batch or none of them.
func (s *Scheduler) admit(jobs []tracker.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return ErrSchedulerClosed
	}
	seen := make(map[tracker.JobKey]struct{}, len(jobs))
	for _, j := range jobs {
		if _, dup := seen[j.Key]; dup {
			return fmt.Errorf("%w: %s repeated in batch", ErrDuplicateJobKey, j.Key)
		}
		if _, busy := s.inFlight[j.Key]; busy {
			return fmt.Errorf("%w: %s already in flight", ErrDuplicateJobKey, j.Key)
		}
		seen[j.Key] = struct{}{}
	}
	for k := range seen {
		s.inFlight[k] = struct{}{}
	}
	s.jobWG.Add(len(jobs))
	return nil
}

// release frees a key after its verdict is delivered.
func (s *Scheduler) release(key tracker.JobKey) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
	s.jobWG.Done()
}

// deliver hands the job's single verdict to the batch collector and frees
// its key. Called exactly once per admitted job.
func (s *Scheduler) deliver(bc *batchCtl, res tracker.Result) {
	s.release(res.Key)
	bc.results <- res
}

// enqueue puts a task on the admission queue, or delivers its verdict
// directly when the batch ends before the task can queue.
func (s *Scheduler) enqueue(t *task) {
	select {
	case s.queue <- t:
	case <-t.bc.runCtx.Done():
		s.finishInterrupted(t)
	}
}

// finishInterrupted records the verdict for a task whose batch ended before
// it could run (or run again).
func (s *Scheduler) finishInterrupted(t *task) {
	bc := t.bc
	res := tracker.Result{Key: t.job.Key, Attempts: t.attempt - 1}
	if err := bc.submitCtx.Err(); err != nil {
		res.Err = err
	} else {
		res.Err = fmt.Errorf("%w: batch timed out after %v", tracker.ErrTimeout, bc.timeout)
	}
	s.deliver(bc, res)
}

func (s *Scheduler) worker() {
	defer s.workerWG.Done()
	for {
		select {
		case <-s.quit:
			return
		case t := <-s.queue:
			s.execute(t)
		}
	}
}

// execute runs one attempt of a task and either delivers its verdict or
// schedules a retry.
func (s *Scheduler) execute(t *task) {
	bc := t.bc
	if bc.runCtx.Err() != nil {
		s.finishInterrupted(t)
		return
	}

	res := s.attempt(bc.runCtx, t.job)
	res.Attempts = t.attempt

	if !res.Failed() {
		s.streams.Tracef("job %s succeeded: attempt=%d duration=%v", t.job.Key, t.attempt, res.Duration)
		s.deliver(bc, res)
		return
	}

	// The batch verdict overrides the job's own failure.
	if err := bc.submitCtx.Err(); err != nil {
		res.Err = err
		s.deliver(bc, res)
		return
	}
	if bc.runCtx.Err() != nil {
		res.Err = fmt.Errorf("%w: batch timed out after %v", tracker.ErrTimeout, bc.timeout)
		s.deliver(bc, res)
		return
	}

	if tracker.IsPermanent(res.Err) {
		s.streams.Opsf("job %s failed permanently: attempt=%d err=%v", t.job.Key, t.attempt, res.Err)
		s.deliver(bc, res)
		return
	}
	if t.attempt > s.retryLimit {
		s.streams.Opsf("job %s exhausted retries: attempts=%d err=%v", t.job.Key, t.attempt, res.Err)
		s.deliver(bc, res)
		return
	}

	delay := t.backoff.next()
	s.streams.Diagf("job %s attempt %d failed (%v), retrying in %v", t.job.Key, t.attempt, res.Err, delay)
	t.attempt++
	time.AfterFunc(delay, func() { s.enqueue(t) })
}

// attempt runs one runner invocation under the per-job timeout and
// normalizes its verdict.
func (s *Scheduler) attempt(runCtx context.Context, job tracker.Job) tracker.Result {
	ctx := runCtx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(runCtx, s.jobTimeout)
		defer cancel()
	}
	start := time.Now()
	res := s.runner.Run(ctx, job)
	res.Key = job.Key
	res.Duration = time.Since(start)

	// A deadline hit while the batch is still alive is the per-job timeout.
	if res.Err != nil && runCtx.Err() == nil &&
		errors.Is(res.Err, context.DeadlineExceeded) && !errors.Is(res.Err, tracker.ErrTimeout) {
		res.Err = fmt.Errorf("%w: attempt exceeded %v", tracker.ErrTimeout, s.jobTimeout)
	}
	return res
}
