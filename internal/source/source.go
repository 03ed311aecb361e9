// Package source produces paced camera frames onto the frame channel.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/drivepipe/internal/monitoring"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/timeutil"
)

var logs = monitoring.NewStreams("source")

// Strategy decides how far the source may run ahead of the workers.
type Strategy string

const (
	// Live never waits; slow workers skip frames.
	Live Strategy = "live"
	// Fastest waits until at least one worker took the previous frame.
	Fastest Strategy = "fastest"
	// AllWorkers waits until every worker took the previous frame.
	AllWorkers Strategy = "all"
)

// ParseStrategy parses a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case Live, Fastest, AllWorkers:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Policy returns the frame channel wait policy that implements st.
func (st Strategy) Policy() shm.WaitPolicy {
	switch st {
	case Fastest:
		return shm.Count(1)
	case AllWorkers:
		return shm.All()
	}
	return shm.PolicyNone
}

// FrameWriter is the writable end of the frame channel.
type FrameWriter interface {
	Write(ctx context.Context, payload []byte) error
	Readers() int
	Topic() string
}

// Options configures a Source.
type Options struct {
	FPS   float64
	Clock timeutil.Clock
	// WaitReaders holds the first frame until this many readers attached.
	WaitReaders int
	// ReaderPoll is how often attached readers are counted while waiting.
	ReaderPoll time.Duration
	// ReaderTimeout bounds the wait for readers. After it the source starts
	// with whoever attached. Zero waits until ctx ends.
	ReaderTimeout time.Duration
}

// Stats summarises a run.
type Stats struct {
	Frames   int
	Overruns int // cycles that took longer than the frame period
}

// Source captures frames and publishes them at the target rate.
type Source struct {
	out    FrameWriter
	cap    Capturer
	clock  timeutil.Clock
	period time.Duration
	opts   Options
}

// New returns a Source publishing c's frames on out.
func New(out FrameWriter, c Capturer, opts Options) *Source {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.ReaderPoll <= 0 {
		opts.ReaderPoll = 10 * time.Millisecond
	}
	var period time.Duration
	if opts.FPS > 0 {
		period = time.Duration(float64(time.Second) / opts.FPS)
	}
	return &Source{out: out, cap: c, clock: opts.Clock, period: period, opts: opts}
}

// Run publishes frames until the capturer ends, ctx is cancelled, or the
// channel closes. Those are all normal exits; only capture and encoding
// failures are returned as errors.
func (s *Source) Run(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.waitReaders(ctx); err != nil {
		return st, nil
	}
	logs.Diagf("publishing on %s at %.1f fps", s.out.Topic(), s.opts.FPS)

	for {
		start := s.clock.Now()
		frame, err := s.cap.Capture(ctx)
		switch {
		case errors.Is(err, io.EOF):
			logs.Diagf("end of stream after %d frames", st.Frames)
			return st, nil
		case ctx.Err() != nil:
			return st, nil
		case err != nil:
			return st, fmt.Errorf("capture frame %d: %w", st.Frames+1, err)
		}

		payload, err := frame.Encode()
		if err != nil {
			return st, err
		}
		if err := s.out.Write(ctx, payload); err != nil {
			if errors.Is(err, shm.ErrChannelClosed) || ctx.Err() != nil {
				return st, nil
			}
			return st, fmt.Errorf("publish frame %d: %w", st.Frames+1, err)
		}
		st.Frames++
		logs.Tracef("frame %d published", st.Frames)

		if s.period == 0 {
			continue
		}
		if rem := s.period - s.clock.Since(start); rem > 0 {
			s.clock.Sleep(rem)
		} else {
			st.Overruns++
		}
	}
}

func (s *Source) waitReaders(ctx context.Context) error {
	deadline := s.clock.Now().Add(s.opts.ReaderTimeout)
	for s.out.Readers() < s.opts.WaitReaders {
		if s.opts.ReaderTimeout > 0 && !s.clock.Now().Before(deadline) {
			logs.Opsf("%s: starting with %d of %d readers after %s",
				s.out.Topic(), s.out.Readers(), s.opts.WaitReaders, s.opts.ReaderTimeout)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.opts.ReaderPoll):
		}
	}
	return nil
}
