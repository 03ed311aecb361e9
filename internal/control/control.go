// Package control runs the control loop: it reads canonical snapshots, asks
// the behaviour planner for a directive, computes a steering command and
// hands both to the actuator.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/drivepipe/internal/actuator"
	"github.com/banshee-data/drivepipe/internal/config"
	"github.com/banshee-data/drivepipe/internal/monitoring"
	"github.com/banshee-data/drivepipe/internal/pid"
	"github.com/banshee-data/drivepipe/internal/planner"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/snapshot"
	"github.com/banshee-data/drivepipe/internal/timeutil"
)

var logs = monitoring.NewStreams("control")

// MaxHeadingDegrees normalises the heading error to [-1, 1].
const MaxHeadingDegrees = 90.0

// SnapshotReader is the control channel.
type SnapshotReader interface {
	Read(ctx context.Context, mode shm.ReadMode) (shm.Message, error)
}

// CommandWriter is the optional commands channel other roles observe.
type CommandWriter interface {
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Options tunes the loop.
type Options struct {
	Thresholds    planner.Thresholds
	Kp, Ki, Kd    float64
	HeadingWeight float64
	LateralWeight float64
	OutputMin     float64
	OutputMax     float64
	Speed         float64
	Clock         timeutil.Clock
}

// OptionsFromConfig reads the planner and steering sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Thresholds:    planner.ThresholdsFromConfig(cfg),
		Kp:            cfg.GetKp(),
		Ki:            cfg.GetKi(),
		Kd:            cfg.GetKd(),
		HeadingWeight: cfg.GetHeadingWeight(),
		LateralWeight: cfg.GetLateralWeight(),
		OutputMin:     cfg.GetOutputMin(),
		OutputMax:     cfg.GetOutputMax(),
		Speed:         cfg.GetSpeed(),
	}
}

// Stats summarises a run.
type Stats struct {
	Cycles     int            `json:"cycles"`
	Directives map[string]int `json:"directives"`
}

// Loop is the control process body.
type Loop struct {
	in       SnapshotReader
	sink     actuator.Sink
	commands CommandWriter
	planner  *planner.Planner
	steering *pid.Controller
	opts     Options
	stats    Stats
}

// New returns a loop. commands may be nil.
func New(in SnapshotReader, sink actuator.Sink, commands CommandWriter, opts Options) (*Loop, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	steering := pid.New(opts.Kp, opts.Ki, opts.Kd, opts.Clock)
	if err := steering.SetOutputRange(opts.OutputMin, opts.OutputMax); err != nil {
		return nil, config.Errorf("steering.output_min", "%v", err)
	}
	return &Loop{
		in:       in,
		sink:     sink,
		commands: commands,
		planner:  planner.New(opts.Thresholds),
		steering: steering,
		opts:     opts,
		stats:    Stats{Directives: make(map[string]int)},
	}, nil
}

// Steer mixes heading error (degrees) and lateral offset into the PID input
// and returns the bounded steering command. Either input missing yields 0.
func (l *Loop) Steer(headingError, lateralOffset *float64) float64 {
	if headingError == nil || lateralOffset == nil {
		return 0
	}
	heading := *headingError / MaxHeadingDegrees
	lateral := math.Max(-1, math.Min(1, *lateralOffset))
	return l.steering.Compute(l.opts.HeadingWeight*heading + l.opts.LateralWeight*lateral)
}

// Handle runs one control cycle for s.
func (l *Loop) Handle(s *snapshot.Snapshot) actuator.Command {
	d := l.planner.Step(planner.InputsFrom(s))
	cmd := actuator.Command{
		Directive:     string(d.Kind),
		PauseFor:      d.Duration,
		HeadingError:  s.HeadingError,
		LateralOffset: s.LateralOffset,
		Steering:      l.Steer(s.HeadingError, s.LateralOffset),
		Speed:         l.opts.Speed,
		FrameVersion:  s.FrameVersion,
		IssuedAt:      l.opts.Clock.Now(),
	}
	l.stats.Cycles++
	l.stats.Directives[cmd.Directive]++
	return cmd
}

// Run handles snapshots until the control channel closes or ctx is
// cancelled. The commands channel, if any, is closed on return.
func (l *Loop) Run(ctx context.Context) (Stats, error) {
	if l.commands != nil {
		defer l.commands.Close()
	}
	for {
		msg, err := l.in.Read(ctx, shm.Blocking)
		if err != nil {
			if errors.Is(err, shm.ErrChannelClosed) || ctx.Err() != nil {
				logs.Diagf("stopping after %d cycles: %v", l.stats.Cycles, l.stats.Directives)
				return l.stats, nil
			}
			return l.stats, fmt.Errorf("read snapshot: %w", err)
		}
		s, err := snapshot.Decode(msg.Payload)
		if err != nil {
			logs.Opsf("dropping undecodable snapshot %d: %v", msg.Version, err)
			continue
		}

		cmd := l.Handle(s)
		l.sink.Send(cmd)
		logs.Tracef("frame %d: %s steering %+.3f", cmd.FrameVersion, cmd.Directive, cmd.Steering)

		if l.commands != nil {
			if err := l.publish(context.WithoutCancel(ctx), cmd); err != nil {
				return l.stats, err
			}
		}
	}
}

func (l *Loop) publish(ctx context.Context, cmd actuator.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	if err := l.commands.Write(ctx, data); err != nil && !errors.Is(err, shm.ErrChannelClosed) {
		return fmt.Errorf("publish command: %w", err)
	}
	return nil
}
