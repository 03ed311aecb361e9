package visualiser

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/drivepipe/internal/actuator"
	"github.com/banshee-data/drivepipe/internal/shm"
	"github.com/banshee-data/drivepipe/internal/snapshot"
)

// ChannelReader is a shared-memory channel reader.
type ChannelReader interface {
	Read(ctx context.Context, mode shm.ReadMode) (shm.Message, error)
}

// Summarise renders the parts of s a dashboard draws. cmd may be nil.
func Summarise(s *snapshot.Snapshot, cmd *actuator.Command) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"frame_version": float64(s.FrameVersion),
		"source":        s.Source,
		"width":         float64(s.Width),
		"height":        float64(s.Height),
		"signs":         objects(s.TrafficSigns),
		"lights":        objects(s.TrafficLights),
		"pedestrians":   objects(s.Pedestrians),
		"stop_lines":    float64(s.StopLines.Len()),
	}
	if s.HeadingError != nil {
		m["heading_error"] = *s.HeadingError
	}
	if s.LateralOffset != nil {
		m["lateral_offset"] = *s.LateralOffset
	}
	if s.Lanes != nil {
		lanes := map[string]interface{}{}
		if s.Lanes.Center != nil {
			lanes["center"] = line(s.Lanes.Center)
		}
		if s.Lanes.Right != nil {
			lanes["right"] = line(s.Lanes.Right)
		}
		m["lanes"] = lanes
	}
	if cmd != nil {
		m["directive"] = cmd.Directive
		m["steering"] = cmd.Steering
	}
	merged := make(map[string]interface{}, len(s.LastMerged))
	for src, v := range s.LastMerged {
		merged[src] = float64(v)
	}
	m["last_merged"] = merged
	return structpb.NewStruct(m)
}

func objects(l snapshot.ObjectList) []interface{} {
	out := make([]interface{}, 0, len(l.Objects))
	for _, o := range l.Objects {
		out = append(out, map[string]interface{}{
			"label":      o.Label,
			"distance":   o.Distance,
			"confidence": o.Confidence,
			"box":        []interface{}{float64(o.Box.X1), float64(o.Box.Y1), float64(o.Box.X2), float64(o.Box.Y2)},
		})
	}
	return out
}

func line(l *snapshot.LaneLine) map[string]interface{} {
	return map[string]interface{}{
		"upper":   []interface{}{l.Segment.UpperX, l.Segment.UpperY},
		"lower":   []interface{}{l.Segment.LowerX, l.Segment.LowerY},
		"virtual": l.Virtual,
	}
}

// Feed publishes a summary of every snapshot read from in until the channel
// closes or ctx is cancelled. commands, if not nil, is polled for the latest
// directive.
func (p *Publisher) Feed(ctx context.Context, in, commands ChannelReader) (int, error) {
	var (
		n    int
		last *actuator.Command
	)
	for {
		msg, err := in.Read(ctx, shm.Blocking)
		if err != nil {
			if errors.Is(err, shm.ErrChannelClosed) || ctx.Err() != nil {
				return n, nil
			}
			return n, fmt.Errorf("read visualisation channel: %w", err)
		}
		s, err := snapshot.Decode(msg.Payload)
		if err != nil {
			logs.Opsf("dropping undecodable snapshot %d: %v", msg.Version, err)
			continue
		}
		if commands != nil {
			if cm, err := commands.Read(ctx, shm.NonBlocking); err == nil {
				if c, err := actuator.DecodeCommand(cm.Payload); err == nil {
					last = &c
				}
			} else if errors.Is(err, shm.ErrChannelClosed) {
				commands = nil
			}
		}
		summary, err := Summarise(s, last)
		if err != nil {
			return n, err
		}
		p.Publish(summary)
		n++
	}
}
