package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/drivepipe/internal/actuator"
	"github.com/banshee-data/drivepipe/internal/monitoring"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/snapshot"
	"github.com/banshee-data/drivepipe/internal/timeutil"
)

var logs = monitoring.NewStreams("recorder")

// ChannelReader is a shared-memory channel reader.
type ChannelReader interface {
	Read(ctx context.Context, mode shm.ReadMode) (shm.Message, error)
}

// Stats summarises a recording session.
type Stats struct {
	RunID     string `json:"run_id"`
	Snapshots int    `json:"snapshots"`
	Commands  int    `json:"commands"`
}

// Recorder copies the recording channel into a Store.
type Recorder struct {
	store    *Store
	in       ChannelReader
	commands ChannelReader // may be nil
	clock    timeutil.Clock

	directive string
	stats     Stats
}

// New returns a recorder. commands is polled for the latest directive.
func New(store *Store, in, commands ChannelReader, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{store: store, in: in, commands: commands, clock: clock}
}

// Run records snapshots until the channel closes or ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, configJSON string) (Stats, error) {
	runID, err := r.store.StartRun(r.clock.Now(), configJSON)
	if err != nil {
		return r.stats, err
	}
	r.stats.RunID = runID
	logs.Diagf("recording run %s", runID)
	defer func() {
		if err := r.store.FinishRun(runID, r.clock.Now()); err != nil {
			logs.Opsf("finish run %s: %v", runID, err)
		}
		logs.Diagf("run %s: %d snapshots, %d commands", runID, r.stats.Snapshots, r.stats.Commands)
	}()

	for {
		msg, err := r.in.Read(ctx, shm.Blocking)
		if err != nil {
			if errors.Is(err, shm.ErrChannelClosed) || ctx.Err() != nil {
				r.pollCommands(context.WithoutCancel(ctx))
				return r.stats, nil
			}
			return r.stats, fmt.Errorf("read recording channel: %w", err)
		}
		s, err := snapshot.Decode(msg.Payload)
		if err != nil {
			logs.Opsf("dropping undecodable snapshot %d: %v", msg.Version, err)
			continue
		}
		r.pollCommands(ctx)

		if err := r.store.InsertSnapshot(runID, RowFrom(r.stats.Snapshots, s, r.directive)); err != nil {
			return r.stats, err
		}
		r.stats.Snapshots++
		logs.Tracef("recorded frame %d", s.FrameVersion)
	}
}

func (r *Recorder) pollCommands(ctx context.Context) {
	if r.commands == nil {
		return
	}
	msg, err := r.commands.Read(ctx, shm.NonBlocking)
	if err != nil {
		if errors.Is(err, shm.ErrChannelClosed) {
			r.commands = nil
		}
		return
	}
	c, err := actuator.DecodeCommand(msg.Payload)
	if err != nil {
		logs.Opsf("dropping undecodable command %d: %v", msg.Version, err)
		return
	}
	r.directive = c.Directive
	if err := r.store.InsertCommand(r.stats.RunID, c); err != nil {
		logs.Opsf("%v", err)
		return
	}
	r.stats.Commands++
}
