// Package monitoring carries the logging hooks shared by the sweep
// components. Long-running pieces (scheduler, sweep driver) log through a
// Streams instance; one-shot computations use the package-level Logf.
package monitoring

import (
	"io"
	"log"
)

// Logf is the fallback logger for components that are not handed a Streams.
// It defaults to log.Printf; SetLogger can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Streams groups the three leveled log streams used by long-running
// components (scheduler, sweep driver). Each stream may be nil, which
// disables it. The zero value logs nothing.
type Streams struct {
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

// NewStreams builds a Streams with the given prefix writing to the three
// writers. Pass nil for any writer to disable that stream.
func NewStreams(prefix string, ops, diag, trace io.Writer) *Streams {
	return &Streams{
		ops:   newLogger(prefix, ops),
		diag:  newLogger(prefix, diag),
		trace: newLogger(prefix, trace),
	}
}

// SingleWriter routes all three streams to one writer. Pass nil to disable
// all logging.
func SingleWriter(prefix string, w io.Writer) *Streams {
	return NewStreams(prefix, w, w, w)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream (actionable warnings, errors, lost work).
func (s *Streams) Opsf(format string, args ...interface{}) {
	if s != nil && s.ops != nil {
		s.ops.Printf(format, args...)
	}
}

// Diagf logs to the diag stream (day-to-day diagnostics, retry context).
func (s *Streams) Diagf(format string, args ...interface{}) {
	if s != nil && s.diag != nil {
		s.diag.Printf(format, args...)
	}
}

// Tracef logs to the trace stream (high-frequency per-job telemetry).
func (s *Streams) Tracef(format string, args ...interface{}) {
	if s != nil && s.trace != nil {
		s.trace.Printf(format, args...)
	}
}
