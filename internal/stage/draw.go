package stage

import (
	"math"

	"github.com/banshee-data/drivepipe/internal/snapshot"
)

// Overlay colours.
var (
	cyan   = [3]byte{0, 255, 255}
	lime   = [3]byte{0, 255, 0}
	orange = [3]byte{255, 165, 0}
	violet = [3]byte{238, 130, 238}
	yellow = [3]byte{255, 255, 0}
)

type overlay struct {
	pix  []byte
	w, h int
}

// overlayFor takes a private copy of the frame so drawing never touches a
// buffer shared with the channel reader.
func overlayFor(s *snapshot.Snapshot) (overlay, bool) {
	if len(s.Frame) != s.Width*s.Height*3 {
		return overlay{}, false
	}
	s.Frame = append([]byte(nil), s.Frame...)
	return overlay{pix: s.Frame, w: s.Width, h: s.Height}, true
}

func (o overlay) dot(x, y, r int, col [3]byte) {
	for yy := y - r; yy <= y+r; yy++ {
		for xx := x - r; xx <= x+r; xx++ {
			if xx < 0 || yy < 0 || xx >= o.w || yy >= o.h {
				continue
			}
			i := (yy*o.w + xx) * 3
			o.pix[i], o.pix[i+1], o.pix[i+2] = col[0], col[1], col[2]
		}
	}
}

func (o overlay) line(x0, y0, x1, y1 float64, thick int, col [3]byte) {
	n := int(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))) + 1
	for i := 0; i <= n; i++ {
		t := float64(i) / float64(n)
		o.dot(int(x0+t*(x1-x0)), int(y0+t*(y1-y0)), thick/2, col)
	}
}

func (o overlay) rect(b snapshot.BoundingBox, col [3]byte) {
	x1, y1, x2, y2 := float64(b.X1), float64(b.Y1), float64(b.X2), float64(b.Y2)
	o.line(x1, y1, x2, y1, 2, col)
	o.line(x2, y1, x2, y2, 2, col)
	o.line(x2, y2, x1, y2, 2, col)
	o.line(x1, y2, x1, y1, 2, col)
}

func (o overlay) segment(seg snapshot.LineSegment, thick int, col [3]byte) {
	o.line(seg.LowerX, seg.LowerY, seg.UpperX, seg.UpperY, thick, col)
}

func drawLanes(s *snapshot.Snapshot) {
	o, ok := overlayFor(s)
	if !ok {
		return
	}
	if s.Lanes != nil {
		if c := s.Lanes.Center; c != nil {
			col := cyan
			if c.Virtual {
				col = violet
			}
			o.segment(c.Segment, 5, col)
		}
		if r := s.Lanes.Right; r != nil {
			col := lime
			if r.Virtual {
				col = violet
			}
			o.segment(r.Segment, 5, col)
		}
	}
	for _, l := range s.StopLines.Lines {
		o.segment(l, 5, orange)
	}
}

func drawHeading(s *snapshot.Snapshot) {
	o, ok := overlayFor(s)
	if !ok || s.Lanes == nil {
		return
	}
	c, r := s.Lanes.Center.Segment, s.Lanes.Right.Segment
	o.line(float64(s.Width)/2, float64(s.Height), (c.UpperX+r.UpperX)/2, (c.UpperY+r.UpperY)/2, 3, yellow)
}

func drawBoxes(s *snapshot.Snapshot, objects []snapshot.RoadObject) {
	o, ok := overlayFor(s)
	if !ok {
		return
	}
	for _, obj := range objects {
		o.rect(obj.Box, yellow)
	}
}
