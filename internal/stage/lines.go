package stage

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/drivepipe/internal/snapshot"
)

// LineDetector finds line segments in a binary edge image. Returned
// segments have Upper nearer the top of the frame.
type LineDetector interface {
	DetectLines(edges *snapshot.Image) ([]snapshot.LineSegment, error)
}

// ScanlineDetector is a lightweight stand-in for a probabilistic Hough
// transform. It samples rows of the lower half of the frame, collapses runs
// of edge pixels into points, fits one line per half of the frame by least
// squares, and reports bands of frame-wide runs as horizontal segments.
type ScanlineDetector struct {
	RowStep   int // rows between samples; default 4
	Gap       int // edge pixels closer than this join one run; default W/80
	MinPoints int // points needed for a fit; default 6
}

type run struct{ x0, x1 int }

func (r run) center() float64 { return float64(r.x0+r.x1) / 2 }
func (r run) width() int       { return r.x1 - r.x0 + 1 }

func (d ScanlineDetector) params(w int) (step, gap, minPts int) {
	step, gap, minPts = d.RowStep, d.Gap, d.MinPoints
	if step <= 0 {
		step = 4
	}
	if gap <= 0 {
		gap = max(w/80, 2)
	}
	if minPts <= 0 {
		minPts = 6
	}
	return step, gap, minPts
}

// DetectLines implements LineDetector.
func (d ScanlineDetector) DetectLines(edges *snapshot.Image) ([]snapshot.LineSegment, error) {
	img := gray(edges)
	w, h := img.Width, img.Height
	step, gap, minPts := d.params(w)
	wide := w / 8

	type band struct {
		y0, y1 int
		x0, x1 int
	}
	var bands []band
	type row struct {
		y    int
		runs []run
	}
	var rows []row

	for y := h/2 + step; y < h; y += step {
		var narrow []run
		for _, r := range scanRow(img.Pix[y*w:(y+1)*w], gap) {
			if r.width() < wide {
				narrow = append(narrow, r)
				continue
			}
			if n := len(bands); n > 0 && y-bands[n-1].y1 <= 3*step {
				b := &bands[n-1]
				b.y1, b.x0, b.x1 = y, min(b.x0, r.x0), max(b.x1, r.x1)
			} else {
				bands = append(bands, band{y0: y, y1: y, x0: r.x0, x1: r.x1})
			}
		}
		rows = append(rows, row{y: y, runs: narrow})
	}

	// Track each boundary from the bottom of the frame upwards. The first
	// point is the run nearest the centre on that side; later points must
	// stay within reach of the previous one.
	track := func(leftSide bool) (xs, ys []float64) {
		prev := math.NaN()
		reach := float64(4 * gap)
		for i := len(rows) - 1; i >= 0; i-- {
			best, bestCost := math.NaN(), math.Inf(1)
			for _, r := range rows[i].runs {
				c := r.center()
				if leftSide != (c < float64(w)/2) && math.IsNaN(prev) {
					continue
				}
				var cost float64
				switch {
				case !math.IsNaN(prev):
					cost = math.Abs(c - prev)
					if cost > reach {
						continue
					}
				case leftSide:
					cost = float64(w)/2 - c
				default:
					cost = c - float64(w)/2
				}
				if cost < bestCost {
					best, bestCost = c, cost
				}
			}
			if !math.IsNaN(best) {
				xs, ys = append(xs, best), append(ys, float64(rows[i].y))
				prev = best
			}
		}
		return xs, ys
	}
	leftX, leftY := track(true)
	rightX, rightY := track(false)

	var out []snapshot.LineSegment
	for _, side := range [][2][]float64{{leftX, leftY}, {rightX, rightY}} {
		if seg, ok := fitLine(side[0], side[1], float64(3*gap), minPts); ok {
			out = append(out, seg)
		}
	}
	for _, b := range bands {
		y := float64(b.y0+b.y1) / 2
		out = append(out, snapshot.LineSegment{UpperX: float64(b.x1), UpperY: y, LowerX: float64(b.x0), LowerY: y})
	}
	return out, nil
}

// scanRow returns runs of set pixels, joining runs separated by fewer than
// gap unset pixels.
func scanRow(row []byte, gap int) []run {
	var runs []run
	start, last := -1, -1
	for x, v := range row {
		if v < 128 {
			continue
		}
		if start >= 0 && x-last <= gap {
			last = x
			continue
		}
		if start >= 0 {
			runs = append(runs, run{start, last})
		}
		start, last = x, x
	}
	if start >= 0 {
		runs = append(runs, run{start, last})
	}
	return runs
}

// fitLine regresses x on y, drops outliers further than tol from the first
// fit, and refits. The segment spans the rows that survived.
func fitLine(xs, ys []float64, tol float64, minPts int) (snapshot.LineSegment, bool) {
	if len(xs) < minPts {
		return snapshot.LineSegment{}, false
	}
	alpha, beta := stat.LinearRegression(ys, xs, nil, false)
	var fx, fy []float64
	for i := range xs {
		if math.Abs(xs[i]-(alpha+beta*ys[i])) <= tol {
			fx, fy = append(fx, xs[i]), append(fy, ys[i])
		}
	}
	if len(fx) < minPts {
		return snapshot.LineSegment{}, false
	}
	alpha, beta = stat.LinearRegression(fy, fx, nil, false)
	sort.Float64s(fy)
	top, bottom := fy[0], fy[len(fy)-1]
	if bottom-top < 1 {
		return snapshot.LineSegment{}, false
	}
	return snapshot.LineSegment{
		UpperX: alpha + beta*top, UpperY: top,
		LowerX: alpha + beta*bottom, LowerY: bottom,
	}, true
}
