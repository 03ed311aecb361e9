// Package aggregator owns the canonical snapshot. It polls every worker
// output without blocking, merges what arrived, and republishes the result
// to the downstream channels.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/drivepipe/internal/monitoring"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/snapshot"
	"github.com/banshee-data/drivepipe/internal/timeutil"
)

var logs = monitoring.NewStreams("aggregator")

// PartialReader is one worker's output channel.
type PartialReader interface {
	Read(ctx context.Context, mode shm.ReadMode) (shm.Message, error)
}

// Publisher is a downstream channel.
type Publisher interface {
	Write(ctx context.Context, payload []byte) error
	Close() error
	Topic() string
}

// Input names a worker output.
type Input struct {
	Name   string
	Reader PartialReader
}

// Fault reports a failure inside one aggregator iteration.
type Fault struct {
	Err   error
	Panic bool
	Stack string
}

func (f *Fault) Error() string {
	if f.Panic {
		return fmt.Sprintf("aggregator: panic: %v", f.Err)
	}
	return fmt.Sprintf("aggregator: %v", f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Cadence summarises inter-arrival intervals of one worker's partials.
type Cadence struct {
	Partials int
	Mean     time.Duration
	StdDev   time.Duration
}

type input struct {
	Input
	done      bool
	last      time.Time
	intervals []float64 // seconds
	dropped   int
}

// Aggregator merges worker partials into the canonical snapshot.
type Aggregator struct {
	inputs  []*input
	outputs []Publisher
	canon   *snapshot.Snapshot
	clock   timeutil.Clock
	idle    time.Duration
}

// New returns an aggregator. idle is how long a cycle that merged nothing
// sleeps before polling again.
func New(inputs []Input, outputs []Publisher, idle time.Duration, clock timeutil.Clock) *Aggregator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	a := &Aggregator{outputs: outputs, canon: snapshot.New(), clock: clock, idle: idle}
	for _, in := range inputs {
		a.inputs = append(a.inputs, &input{Input: in})
	}
	return a
}

// Canonical returns a copy of the canonical snapshot.
func (a *Aggregator) Canonical() *snapshot.Snapshot { return a.canon.Clone() }

// Step polls every live input once, merges new partials, and republishes
// canonical if anything changed. It returns the number of partials merged.
func (a *Aggregator) Step(ctx context.Context) (merged int, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(error)
			if !ok {
				perr = fmt.Errorf("%v", r)
			}
			err = &Fault{Err: perr, Panic: true, Stack: string(debug.Stack())}
		}
	}()

	for _, in := range a.inputs {
		if in.done {
			continue
		}
		msg, err := in.Reader.Read(ctx, shm.NonBlocking)
		switch {
		case errors.Is(err, shm.ErrNoNewVersion):
			continue
		case errors.Is(err, shm.ErrChannelClosed):
			in.done = true
			logs.Diagf("worker %s closed its channel; its categories are now stale", in.Name)
			continue
		case err != nil:
			return merged, &Fault{Err: fmt.Errorf("read %s: %w", in.Name, err)}
		}

		partial, err := snapshot.Decode(msg.Payload)
		if err != nil {
			in.dropped++
			logs.Opsf("dropping undecodable partial %d from %s: %v", msg.Version, in.Name, err)
			continue
		}
		if partial.Source == "" {
			partial.Source = in.Name
		}
		a.canon.Merge(partial)
		merged++
		monitoring.Merges.WithLabelValues(partial.Source).Inc()
		a.arrived(in)
	}

	if merged == 0 {
		return 0, nil
	}
	return merged, a.publish(ctx)
}

func (a *Aggregator) arrived(in *input) {
	now := a.clock.Now()
	if !in.last.IsZero() {
		in.intervals = append(in.intervals, now.Sub(in.last).Seconds())
	}
	in.last = now
}

func (a *Aggregator) publish(ctx context.Context) error {
	data, err := snapshot.Encode(a.canon)
	if err != nil {
		return &Fault{Err: err}
	}
	for _, out := range a.outputs {
		if err := out.Write(ctx, data); err != nil {
			if errors.Is(err, shm.ErrChannelClosed) || ctx.Err() != nil {
				continue
			}
			return &Fault{Err: fmt.Errorf("publish %s: %w", out.Topic(), err)}
		}
	}
	logs.Tracef("published canonical frame %d from %s", a.canon.FrameVersion, a.canon.Source)
	return nil
}

// Run cycles until ctx is cancelled or every input has closed, then closes
// the downstream channels. A Fault ends the loop and is returned.
func (a *Aggregator) Run(ctx context.Context) error {
	defer a.close()
	for ctx.Err() == nil {
		n, err := a.Step(ctx)
		if err != nil {
			logs.Opsf("%v", err)
			return err
		}
		if a.allDone() {
			logs.Diagf("all workers closed")
			return nil
		}
		if n == 0 && a.idle > 0 {
			a.clock.Sleep(a.idle)
		}
	}
	return nil
}

func (a *Aggregator) allDone() bool {
	for _, in := range a.inputs {
		if !in.done {
			return false
		}
	}
	return len(a.inputs) > 0
}

func (a *Aggregator) close() {
	for _, out := range a.outputs {
		if err := out.Close(); err != nil {
			logs.Opsf("closing %s: %v", out.Topic(), err)
		}
	}
	cad := a.Cadence()
	names := make([]string, 0, len(cad))
	for name := range cad {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cad[name]
		logs.Diagf("cadence %s: %d partials, mean %s, stddev %s", name, c.Partials, c.Mean, c.StdDev)
	}
}

// Cadence returns per-worker arrival statistics and updates the exported
// gauges.
func (a *Aggregator) Cadence() map[string]Cadence {
	out := make(map[string]Cadence, len(a.inputs))
	for _, in := range a.inputs {
		c := Cadence{Partials: len(in.intervals)}
		if !in.last.IsZero() {
			c.Partials++
		}
		if len(in.intervals) > 0 {
			mean := stat.Mean(in.intervals, nil)
			var sd float64
			if len(in.intervals) > 1 {
				sd = stat.StdDev(in.intervals, nil)
			}
			c.Mean = time.Duration(mean * float64(time.Second))
			c.StdDev = time.Duration(sd * float64(time.Second))
			monitoring.ArrivalInterval.WithLabelValues(in.Name, "mean").Set(mean)
			monitoring.ArrivalInterval.WithLabelValues(in.Name, "stddev").Set(sd)
		}
		out[in.Name] = c
	}
	return out
}
