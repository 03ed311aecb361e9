package stage

import (
	"math"

	"github.com/banshee-data/drivepipe/internal/snapshot"
)

type headingStage struct{ visualize bool }

func (h *headingStage) Kind() Kind { return HeadingError }

// Process sets HeadingError from the lane geometry: the signed angle in
// degrees between straight ahead and the direction from the bottom centre
// of the frame to the midpoint of the two upper lane ends. Positive means
// the lane bends left. Lateral offset is refreshed from the same geometry.
// Without both boundaries the fields stay unset.
func (h *headingStage) Process(s *snapshot.Snapshot) error {
	if s.Lanes == nil || s.Lanes.Center == nil || s.Lanes.Right == nil {
		return nil
	}
	c, r := s.Lanes.Center.Segment, s.Lanes.Right.Segment
	heading, ok := headingError(c, r, float64(s.Width), float64(s.Height))
	if !ok {
		return nil
	}
	s.HeadingError = snapshot.Float(heading)

	half := (r.LowerX - c.LowerX) / 2
	if half != 0 {
		s.LateralOffset = snapshot.Float((float64(s.Width)/2 - c.LowerX - half) / half)
	}
	if h.visualize {
		drawHeading(s)
	}
	return nil
}

func headingError(center, right snapshot.LineSegment, w, h float64) (float64, bool) {
	dx := (center.UpperX+right.UpperX)/2 - w/2
	dy := (center.UpperY+right.UpperY)/2 - h
	n := math.Hypot(dx, dy)
	if n == 0 {
		return 0, false
	}
	// Angle against the forward unit vector (0, -1).
	cos := math.Max(-1, math.Min(1, -dy/n))
	deg := math.Acos(cos) * 180 / math.Pi
	if dx < 0 {
		deg = -deg
	}
	return -deg, true
}
