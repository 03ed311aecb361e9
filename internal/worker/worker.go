// Package worker runs one pipeline: it reads the newest frame, threads a
// partial snapshot through its stage chain, and publishes the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/banshee-data/drivepipe/internal/monitoring"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/snapshot"
	"github.com/banshee-data/drivepipe/internal/source"
	"github.com/banshee-data/drivepipe/internal/stage"
	"github.com/banshee-data/drivepipe/internal/timeutil"
)

var logs = monitoring.NewStreams("worker")

// FrameReader is the reading end of the frame channel.
type FrameReader interface {
	Read(ctx context.Context, mode shm.ReadMode) (shm.Message, error)
}

// SnapshotWriter is the worker's output channel.
type SnapshotWriter interface {
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Fault is an unrecoverable failure inside the worker loop. Stage errors and
// recovered panics are both reported as a Fault.
type Fault struct {
	Worker       string
	Stage        stage.Kind // empty when the failure was outside a stage
	FrameVersion uint64
	Err          error
	Panic        bool
	Stack        string
}

func (f *Fault) Error() string {
	where := "loop"
	if f.Stage != "" {
		where = "stage " + string(f.Stage)
	}
	if f.Panic {
		return fmt.Sprintf("worker %s: panic in %s at frame %d: %v", f.Worker, where, f.FrameVersion, f.Err)
	}
	return fmt.Sprintf("worker %s: %s failed at frame %d: %v", f.Worker, where, f.FrameVersion, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Report is what a worker hands back when it exits.
type Report struct {
	Worker    string   `json:"worker"`
	Processed []uint64 `json:"processed"`
	Skipped   uint64   `json:"skipped"`
	Fault     string   `json:"fault,omitempty"`
}

// Worker executes one stage chain against the frame stream.
type Worker struct {
	name  string
	chain []stage.Stage
	in    FrameReader
	out   SnapshotWriter
	clock timeutil.Clock

	// Delay is slept before each frame's stages run.
	Delay time.Duration

	processed []uint64
}

// New returns a worker. A nil clock selects the real clock.
func New(name string, chain []stage.Stage, in FrameReader, out SnapshotWriter, clock timeutil.Clock) *Worker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Worker{name: name, chain: chain, in: in, out: out, clock: clock}
}

// Run processes frames until the frame channel closes or ctx is cancelled,
// then closes the output channel. The returned error is nil on a
// cooperative stop and a *Fault otherwise; either way the report lists
// every frame version published.
func (w *Worker) Run(ctx context.Context) (Report, error) {
	defer w.out.Close()
	logs.Diagf("%s: running %d stages", w.name, len(w.chain))

	for {
		msg, err := w.in.Read(ctx, shm.Blocking)
		if err != nil {
			if errors.Is(err, shm.ErrChannelClosed) || ctx.Err() != nil {
				logs.Diagf("%s: stopping after %d frames", w.name, len(w.processed))
				return w.report(nil), nil
			}
			return w.fail(&Fault{Worker: w.name, Err: fmt.Errorf("read frame: %w", err)})
		}

		// The in-flight frame is finished even if ctx is cancelled now.
		if fault := w.process(context.WithoutCancel(ctx), msg); fault != nil {
			return w.fail(fault)
		}
	}
}

func (w *Worker) process(ctx context.Context, msg shm.Message) *Fault {
	frame, err := source.DecodeFrame(msg.Payload)
	if err != nil {
		return &Fault{Worker: w.name, FrameVersion: msg.Version, Err: err}
	}
	partial := snapshot.NewPartial(w.name, msg.Version, frame.Pix, frame.Width, frame.Height, w.clock.Now())
	if w.Delay > 0 {
		w.clock.Sleep(w.Delay)
	}

	for _, st := range w.chain {
		start := w.clock.Now()
		if fault := w.runStage(st, partial); fault != nil {
			return fault
		}
		partial.AddTiming(string(st.Kind()), w.clock.Since(start))
	}
	partial.Scratch = nil

	data, err := snapshot.Encode(partial)
	if err != nil {
		return &Fault{Worker: w.name, FrameVersion: msg.Version, Err: err}
	}
	if err := w.out.Write(ctx, data); err != nil {
		return &Fault{Worker: w.name, FrameVersion: msg.Version, Err: fmt.Errorf("publish: %w", err)}
	}
	w.processed = append(w.processed, msg.Version)
	monitoring.StagesRun.WithLabelValues(w.name).Inc()
	logs.Tracef("%s: frame %d published", w.name, msg.Version)
	return nil
}

func (w *Worker) runStage(st stage.Stage, s *snapshot.Snapshot) (fault *Fault) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			fault = &Fault{Worker: w.name, Stage: st.Kind(), FrameVersion: s.FrameVersion, Err: err, Panic: true, Stack: string(debug.Stack())}
		}
	}()
	if err := st.Process(s); err != nil {
		return &Fault{Worker: w.name, Stage: st.Kind(), FrameVersion: s.FrameVersion, Err: err}
	}
	return nil
}

func (w *Worker) fail(f *Fault) (Report, error) {
	logs.Opsf("%v", f)
	if f.Stack != "" {
		logs.Diagf("%s: %s", w.name, f.Stack)
	}
	monitoring.WorkerFaults.WithLabelValues(w.name).Inc()
	return w.report(f), f
}

func (w *Worker) report(f *Fault) Report {
	r := Report{Worker: w.name, Processed: append([]uint64(nil), w.processed...)}
	if s, ok := w.in.(interface{ Skipped() uint64 }); ok {
		r.Skipped = s.Skipped()
	}
	if f != nil {
		r.Fault = f.Error()
	}
	return r
}
