package stage

import (
	"fmt"
	"math"

	"github.com/banshee-data/drivepipe/internal/scene"
	"github.com/banshee-data/drivepipe/internal/snapshot"
)

// Camera geometry of the reference vehicle: the frame spans 51cm of road
// at the bumper and the lane is 35cm wide.
const (
	visibleWidthCM = 51.0
	laneWidthCM    = 35.0
)

type laneStage struct {
	lines         LineDetector
	horizontalDeg float64
	whiteFraction float64
	stopLineRatio float64
	stopLineMinY  float64 // fraction of height above which horizontals are ignored
	leftTurnCM    float64
	rightTurnCM   float64
	holdFrames    int
	visualize     bool
	prev          *snapshot.LaneGeometry
	prevAge       int
}

func newLaneDetect(p *params, env Env) (*laneStage, error) {
	l := &laneStage{
		lines:         env.lines(),
		horizontalDeg: p.float("horizontal_degrees", 20),
		whiteFraction: p.float("white_fraction", 0.5),
		stopLineRatio: p.float("stop_line_ratio", 0.4),
		stopLineMinY:  p.float("stop_line_min_y", 600.0/720.0),
		leftTurnCM:    p.float("virtual_left_threshold_cm", 5),
		rightTurnCM:   p.float("virtual_right_threshold_cm", 12),
		holdFrames:    p.int("hold_frames", 3),
		visualize:     p.bool("visualize", false),
	}
	if l.horizontalDeg <= 0 || l.horizontalDeg >= 90 {
		p.fail("horizontal_degrees", "must be in (0, 90), got %g", l.horizontalDeg)
	}
	if l.whiteFraction < 0 || l.whiteFraction > 1 {
		p.fail("white_fraction", "must be in [0, 1], got %g", l.whiteFraction)
	}
	if l.stopLineMinY < 0 || l.stopLineMinY > 1 {
		p.fail("stop_line_min_y", "must be a fraction of the frame height, got %g", l.stopLineMinY)
	}
	if l.holdFrames < 0 {
		p.fail("hold_frames", "must not be negative, got %d", l.holdFrames)
	}
	return l, p.err
}

func (l *laneStage) Kind() Kind { return LaneDetect }

// Process classifies detected segments into lane boundaries and stop lines.
// A boundary seen on only one side gets a virtual partner one lane width
// away. When nothing is seen, the previous geometry is carried for up to
// holdFrames frames, marked virtual.
func (l *laneStage) Process(s *snapshot.Snapshot) error {
	if s.Scratch == nil {
		return fmt.Errorf("lane_detect needs an edge image from an earlier stage")
	}
	segs, err := l.lines.DetectLines(s.Scratch)
	if err != nil {
		return fmt.Errorf("line detection failed: %w", err)
	}
	w, h := float64(s.Width), float64(s.Height)

	var left, right, horizontals []snapshot.LineSegment
	for _, seg := range segs {
		if !l.isWhite(s, seg) {
			continue
		}
		switch {
		case isHorizontal(seg, l.horizontalDeg):
			horizontals = append(horizontals, seg)
		case seg.LowerX < w/2:
			left = append(left, seg)
		default:
			right = append(right, seg)
		}
	}

	var center, rightLine *snapshot.LaneLine
	if best, ok := longest(left, verticalExtent); ok {
		center = &snapshot.LaneLine{Segment: extend(best, h)}
	}
	if best, ok := longest(right, length); ok {
		rightLine = &snapshot.LaneLine{Segment: extend(best, h)}
	}

	lanePx := math.Floor(w / visibleWidthCM * laneWidthCM)
	if center == nil && rightLine != nil {
		center = &snapshot.LaneLine{Segment: virtualLeft(rightLine.Segment, lanePx, math.Floor(w/visibleWidthCM*l.leftTurnCM)), Virtual: true}
	}
	if rightLine == nil && center != nil {
		rightLine = &snapshot.LaneLine{Segment: virtualRight(center.Segment, lanePx, math.Floor(w/visibleWidthCM*l.rightTurnCM)), Virtual: true}
	}

	switch {
	case center != nil && rightLine != nil:
		s.Lanes = &snapshot.LaneGeometry{Center: center, Right: rightLine}
		l.prev, l.prevAge = s.Lanes, 0
	case l.prev != nil && l.prevAge < l.holdFrames:
		l.prevAge++
		c, r := *l.prev.Center, *l.prev.Right
		c.Virtual, r.Virtual = true, true
		s.Lanes = &snapshot.LaneGeometry{Center: &c, Right: &r}
	default:
		l.prev = nil
		s.Lanes = &snapshot.LaneGeometry{}
	}

	if s.Lanes.Center != nil && s.Lanes.Right != nil {
		half := (s.Lanes.Right.Segment.LowerX - s.Lanes.Center.Segment.LowerX) / 2
		toLeft := w/2 - s.Lanes.Center.Segment.LowerX
		s.LateralOffset = snapshot.Float((toLeft - half) / (half + 1e-4))
	}

	s.StopLines = snapshot.LineList{Present: true, Lines: l.stopLines(horizontals, s.Lanes, h)}

	if l.visualize {
		drawLanes(s)
	}
	return nil
}

// isWhite samples 50 points along seg in the original frame and requires
// more than whiteFraction of them to be lane-marking white.
func (l *laneStage) isWhite(s *snapshot.Snapshot, seg snapshot.LineSegment) bool {
	const samples = 50
	white := 0
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(samples-1)
		x := int(seg.LowerX + t*(seg.UpperX-seg.LowerX))
		y := int(seg.LowerY + t*(seg.UpperY-seg.LowerY))
		if x < 0 || y < 0 || x >= s.Width || y >= s.Height {
			continue
		}
		j := (y*s.Width + x) * 3
		if scene.IsWhite(s.Frame[j], s.Frame[j+1], s.Frame[j+2]) {
			white++
		}
	}
	return float64(white)/samples > l.whiteFraction
}

// stopLines keeps horizontals that lie low in the frame and whose ends sit
// close to where they cross the lane boundaries.
func (l *laneStage) stopLines(horizontals []snapshot.LineSegment, lanes *snapshot.LaneGeometry, h float64) []snapshot.LineSegment {
	if lanes.Center == nil || lanes.Right == nil {
		return nil
	}
	var out []snapshot.LineSegment
	for _, seg := range horizontals {
		if seg.LowerY < l.stopLineMinY*h {
			continue
		}
		lx, ly, rx, ry := seg.LowerX, seg.LowerY, seg.UpperX, seg.UpperY
		if rx < lx {
			lx, ly, rx, ry = rx, ry, lx, ly
		}
		li, ok1 := intersect(lanes.Center.Segment, seg)
		ri, ok2 := intersect(lanes.Right.Segment, seg)
		if !ok1 || !ok2 {
			continue
		}
		dl := math.Hypot(li[0]-lx, li[1]-ly)
		dr := math.Hypot(ri[0]-rx, ri[1]-ry)
		if (dl+dr)/(length(seg)+1e-4) < l.stopLineRatio {
			out = append(out, seg)
		}
	}
	return out
}

func isHorizontal(seg snapshot.LineSegment, deg float64) bool {
	angle := math.Abs(math.Atan2(seg.UpperY-seg.LowerY, seg.UpperX-seg.LowerX) * 180 / math.Pi)
	if angle > 90 {
		angle = 180 - angle
	}
	return angle < deg
}

func verticalExtent(seg snapshot.LineSegment) float64 { return math.Abs(seg.LowerY - seg.UpperY) }

func length(seg snapshot.LineSegment) float64 {
	return math.Hypot(seg.LowerX-seg.UpperX, seg.LowerY-seg.UpperY)
}

func longest(segs []snapshot.LineSegment, by func(snapshot.LineSegment) float64) (snapshot.LineSegment, bool) {
	if len(segs) == 0 {
		return snapshot.LineSegment{}, false
	}
	best := segs[0]
	for _, s := range segs[1:] {
		if by(s) > by(best) {
			best = s
		}
	}
	return best, true
}

// xAt returns the x where the infinite extension of seg crosses row y.
func xAt(seg snapshot.LineSegment, y float64) float64 {
	dy := seg.LowerY - seg.UpperY
	if dy == 0 {
		return seg.LowerX
	}
	return seg.UpperX + (y-seg.UpperY)*(seg.LowerX-seg.UpperX)/dy
}

// extend stretches seg from the bottom row to mid-height.
func extend(seg snapshot.LineSegment, h float64) snapshot.LineSegment {
	top := math.Floor(h / 2)
	return snapshot.LineSegment{
		UpperX: math.Trunc(xAt(seg, top)), UpperY: top,
		LowerX: math.Trunc(xAt(seg, h)), LowerY: h,
	}
}

// virtualLeft places a left boundary one lane width left of right. If the
// boundaries would converge closer than turnPx at the top the road is
// turning and the line is translated instead of mirrored.
func virtualLeft(right snapshot.LineSegment, lanePx, turnPx float64) snapshot.LineSegment {
	dx := math.Abs(right.UpperX - right.LowerX)
	out := snapshot.LineSegment{UpperY: right.UpperY, LowerY: right.LowerY}
	if lanePx-2*dx < turnPx {
		out.UpperX = right.UpperX - lanePx
		out.LowerX = right.LowerX - lanePx
	} else {
		out.LowerX = right.LowerX - lanePx
		out.UpperX = out.LowerX + dx
	}
	return out
}

func virtualRight(left snapshot.LineSegment, lanePx, turnPx float64) snapshot.LineSegment {
	dx := math.Abs(left.UpperX - left.LowerX)
	out := snapshot.LineSegment{UpperY: left.UpperY, LowerY: left.LowerY}
	if lanePx-2*dx < turnPx {
		out.LowerX = left.LowerX + lanePx
		out.UpperX = left.UpperX + lanePx
	} else {
		out.LowerX = left.LowerX + lanePx
		out.UpperX = out.LowerX - dx
	}
	return out
}

// intersect returns the crossing point of the infinite lines through a and b.
func intersect(a, b snapshot.LineSegment) ([2]float64, bool) {
	x1, y1, x2, y2 := a.UpperX, a.UpperY, a.LowerX, a.LowerY
	x3, y3, x4, y4 := b.UpperX, b.UpperY, b.LowerX, b.LowerY
	den := (x1-x2)*(y3-y4) - (y1-y2)*(x3-x4)
	if math.Abs(den) < 1e-9 {
		return [2]float64{}, false
	}
	t := ((x1-x3)*(y3-y4) - (y1-y3)*(x3-x4)) / den
	return [2]float64{x1 + t*(x2-x1), y1 + t*(y2-y1)}, true
}
