// Package monitoring carries the logging streams and metrics shared by every
// drivepipe process.
package monitoring

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logf is the package-level lifecycle logger used by the command layer. It
// defaults to a console logger on stderr but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = consoleLogf()

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

func consoleLogf() func(string, ...interface{}) {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	return func(format string, v ...interface{}) {
		l.Info().Msgf(format, v...)
	}
}

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// Streams is the ops/diag/trace triple for one component.
//
// ops: actionable warnings, errors, lifecycle events.
// diag: day-to-day diagnostics and tuning context.
// trace: high-frequency per-frame telemetry.
type Streams struct {
	component string

	mu    sync.RWMutex
	ops   *zerolog.Logger
	diag  *zerolog.Logger
	trace *zerolog.Logger
}

var (
	registryMu sync.Mutex
	registered []*Streams
	current    LogWriters
	role       string
)

// NewStreams registers a component's streams. Streams start with whatever
// writers were last passed to SetLogWriters.
func NewStreams(component string) *Streams {
	s := &Streams{component: component}
	registryMu.Lock()
	registered = append(registered, s)
	w := current
	registryMu.Unlock()
	s.SetLogWriters(w)
	return s
}

// SetRole tags every subsequently configured logger with the process role.
func SetRole(r string) {
	registryMu.Lock()
	role = r
	registryMu.Unlock()
}

// SetLogWriters configures all three logging streams of every registered
// component. Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	registryMu.Lock()
	current = w
	all := append([]*Streams(nil), registered...)
	registryMu.Unlock()
	for _, s := range all {
		s.SetLogWriters(w)
	}
}

// SetLogWriters configures the streams of this component only.
func (s *Streams) SetLogWriters(w LogWriters) {
	registryMu.Lock()
	r := role
	registryMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = newLogger(s.component, r, w.Ops)
	s.diag = newLogger(s.component, r, w.Diag)
	s.trace = newLogger(s.component, r, w.Trace)
}

func newLogger(component, role string, w io.Writer) *zerolog.Logger {
	if w == nil {
		return nil
	}
	ctx := zerolog.New(w).With().Timestamp().Str("component", component)
	if role != "" {
		ctx = ctx.Str("role", role)
	}
	l := ctx.Logger()
	return &l
}

// Opsf logs to the ops stream.
func (s *Streams) Opsf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.ops
	s.mu.RUnlock()
	if l != nil {
		l.Warn().Msgf(format, args...)
	}
}

// Diagf logs to the diag stream.
func (s *Streams) Diagf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.diag
	s.mu.RUnlock()
	if l != nil {
		l.Info().Msgf(format, args...)
	}
}

// Tracef logs to the trace stream.
func (s *Streams) Tracef(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.trace
	s.mu.RUnlock()
	if l != nil {
		l.Debug().Msgf(format, args...)
	}
}
