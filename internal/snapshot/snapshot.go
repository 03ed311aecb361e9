// Package snapshot defines the world-state snapshot exchanged between
// pipeline processes and the merge that folds worker partials into the
// canonical copy.
package snapshot

import (
	"math"
	"time"
)

// BoundingBox is a pixel rectangle, (X1,Y1) top-left and (X2,Y2) bottom-right.
type BoundingBox struct {
	X1 int `msgpack:"x1"`
	Y1 int `msgpack:"y1"`
	X2 int `msgpack:"x2"`
	Y2 int `msgpack:"y2"`
}

// RoadObject is one detection: a sign, a light, or a pedestrian.
type RoadObject struct {
	Label      string      `msgpack:"label"`
	Confidence float64     `msgpack:"conf"`
	Distance   float64     `msgpack:"dist"`
	Box        BoundingBox `msgpack:"box"`
}

// ObjectList is a ranked nearest-first observation list. Present=false
// means the category was not computed; Present=true with no objects means
// nothing was detected.
type ObjectList struct {
	Present bool         `msgpack:"present"`
	Objects []RoadObject `msgpack:"objects,omitempty"`
}

// Detected builds a present list.
func Detected(objects ...RoadObject) ObjectList {
	return ObjectList{Present: true, Objects: objects}
}

// Nearest returns the first object, if any.
func (l ObjectList) Nearest() (RoadObject, bool) {
	if len(l.Objects) == 0 {
		return RoadObject{}, false
	}
	return l.Objects[0], true
}

// Len returns the number of objects; an absent list is empty.
func (l ObjectList) Len() int { return len(l.Objects) }

// LineSegment is a line in image coordinates. Upper is the end nearer the
// top of the frame.
type LineSegment struct {
	UpperX float64 `msgpack:"ux"`
	UpperY float64 `msgpack:"uy"`
	LowerX float64 `msgpack:"lx"`
	LowerY float64 `msgpack:"ly"`
}

// Slope returns dy/dx, or +Inf for a vertical segment.
func (s LineSegment) Slope() float64 {
	dx := s.UpperX - s.LowerX
	if dx == 0 {
		return math.Inf(1)
	}
	return (s.UpperY - s.LowerY) / dx
}

// LineList is the stop-line analogue of ObjectList.
type LineList struct {
	Present bool          `msgpack:"present"`
	Lines   []LineSegment `msgpack:"lines,omitempty"`
}

// Len returns the number of lines; an absent list is empty.
func (l LineList) Len() int { return len(l.Lines) }

// LaneLine is a lane boundary. Virtual lines were extrapolated from the
// opposite boundary rather than observed.
type LaneLine struct {
	Segment LineSegment `msgpack:"seg"`
	Virtual bool        `msgpack:"virtual"`
}

// LaneGeometry holds the center and right boundaries of the ego lane.
type LaneGeometry struct {
	Center *LaneLine `msgpack:"center,omitempty"`
	Right  *LaneLine `msgpack:"right,omitempty"`
}

// Timing accumulates one labelled duration.
type Timing struct {
	Total time.Duration `msgpack:"total"`
	Count int           `msgpack:"count"`
}

// Mean returns Total/Count.
func (t Timing) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// Image is worker-private scratch pixel data shared between the stages of
// one worker. It is never serialised.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Snapshot is the world state. Workers publish partial snapshots with only
// their own categories set; the aggregator owns the canonical one.
type Snapshot struct {
	// Frame and FrameVersion always change together. Version 0 means no frame.
	Frame        []byte `msgpack:"frame,omitempty"`
	FrameVersion uint64 `msgpack:"frame_version"`
	Width        int    `msgpack:"width"`
	Height       int    `msgpack:"height"`

	Source    string    `msgpack:"source,omitempty"`
	CreatedAt time.Time `msgpack:"created_at"`

	TrafficSigns  ObjectList `msgpack:"signs"`
	TrafficLights ObjectList `msgpack:"lights"`
	Pedestrians   ObjectList `msgpack:"pedestrians"`
	StopLines     LineList   `msgpack:"stop_lines"`

	Lanes         *LaneGeometry `msgpack:"lanes,omitempty"`
	HeadingError  *float64      `msgpack:"heading_error,omitempty"`
	LateralOffset *float64      `msgpack:"lateral_offset,omitempty"`
	Directive     string        `msgpack:"directive,omitempty"`

	Timings    map[string]Timing `msgpack:"timings,omitempty"`
	LastMerged map[string]uint64 `msgpack:"last_merged,omitempty"`

	Scratch *Image `msgpack:"-"`
}

// New returns an empty canonical snapshot.
func New() *Snapshot {
	return &Snapshot{
		Timings:    make(map[string]Timing),
		LastMerged: make(map[string]uint64),
	}
}

// NewPartial starts a worker partial for one frame.
func NewPartial(source string, version uint64, frame []byte, width, height int, now time.Time) *Snapshot {
	return &Snapshot{
		Frame:        frame,
		FrameVersion: version,
		Width:        width,
		Height:       height,
		Source:       source,
		CreatedAt:    now,
		Timings:      make(map[string]Timing),
	}
}

// AddTiming records one sample under label.
func (s *Snapshot) AddTiming(label string, d time.Duration) {
	if s.Timings == nil {
		s.Timings = make(map[string]Timing)
	}
	t := s.Timings[label]
	t.Total += d
	t.Count++
	s.Timings[label] = t
}

// Float returns a pointer to v, for the optional scalar fields.
func Float(v float64) *float64 { return &v }
