package snapshot

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serialises s for a channel hop. Scratch data is never included.
func Encode(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if err := msgpack.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s.Timings == nil {
		s.Timings = make(map[string]Timing)
	}
	return s, nil
}

// Clone returns a deep copy of s without scratch data.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Scratch = nil
	if s.Frame != nil {
		c.Frame = append([]byte(nil), s.Frame...)
	}
	c.TrafficSigns.Objects = cloneObjects(s.TrafficSigns.Objects)
	c.TrafficLights.Objects = cloneObjects(s.TrafficLights.Objects)
	c.Pedestrians.Objects = cloneObjects(s.Pedestrians.Objects)
	if s.StopLines.Lines != nil {
		c.StopLines.Lines = append([]LineSegment(nil), s.StopLines.Lines...)
	}
	if s.Lanes != nil {
		lanes := LaneGeometry{}
		if s.Lanes.Center != nil {
			center := *s.Lanes.Center
			lanes.Center = &center
		}
		if s.Lanes.Right != nil {
			right := *s.Lanes.Right
			lanes.Right = &right
		}
		c.Lanes = &lanes
	}
	if s.HeadingError != nil {
		c.HeadingError = Float(*s.HeadingError)
	}
	if s.LateralOffset != nil {
		c.LateralOffset = Float(*s.LateralOffset)
	}
	if s.Timings != nil {
		c.Timings = make(map[string]Timing, len(s.Timings))
		for k, v := range s.Timings {
			c.Timings[k] = v
		}
	}
	if s.LastMerged != nil {
		c.LastMerged = make(map[string]uint64, len(s.LastMerged))
		for k, v := range s.LastMerged {
			c.LastMerged[k] = v
		}
	}
	return &c
}

func cloneObjects(in []RoadObject) []RoadObject {
	if in == nil {
		return nil
	}
	return append([]RoadObject(nil), in...)
}
