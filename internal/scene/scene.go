// Package scene renders deterministic synthetic road scenes and describes
// the colour and placement conventions the synthetic detectors rely on.
//
// A scene is a grey road with two white lane boundaries, optionally a
// white stop bar across the ego lane, a red stop sign on the right verge,
// a red or green traffic light in the sky strip, and blue pedestrians.
// Object pixel height encodes distance: Height(d) = DistanceScale*H/720/d.
package scene

import "math"

// DistanceScale relates object pixel height to distance at 720 rows.
const DistanceScale = 6000.0

// Colours used by the renderer. Detectors classify pixels with the
// predicates below rather than exact matches.
var (
	Road  = [3]byte{70, 70, 70}
	Sky   = [3]byte{150, 180, 210}
	White = [3]byte{240, 240, 240}
	Red   = [3]byte{220, 30, 30}
	Green = [3]byte{30, 200, 60}
	Blue  = [3]byte{30, 60, 220}
)

// Light is the state of a rendered traffic light.
type Light int

const (
	NoLight Light = iota
	RedLight
	GreenLight
)

// Scene is one frame's content. Zero distances omit the object.
type Scene struct {
	StopSign    float64
	Light       Light
	LightDist   float64
	Pedestrians []float64
	StopBar     bool
	// LaneShift moves both boundaries horizontally, in pixels at 1280 columns.
	LaneShift float64
	// Curve bends the far end of the lane, in pixels at 1280 columns.
	Curve float64
}

// PixelHeight returns the rendered height of an object at distance d.
func PixelHeight(d float64, height int) int {
	if d <= 0 {
		return 0
	}
	h := DistanceScale * float64(height) / 720 / d
	return int(math.Round(h))
}

// Distance inverts PixelHeight.
func Distance(pixels, height int) float64 {
	if pixels <= 0 {
		return math.Inf(1)
	}
	return DistanceScale * float64(height) / 720 / float64(pixels)
}

// IsWhite reports a lane-marking pixel.
func IsWhite(r, g, b byte) bool { return r >= 135 && g >= 135 && b >= 135 && absDiff(r, b) < 40 }

// IsRed reports a stop-sign or red-light pixel.
func IsRed(r, g, b byte) bool { return r >= 160 && g < 90 && b < 90 }

// IsGreen reports a green-light pixel.
func IsGreen(r, g, b byte) bool { return g >= 160 && r < 90 && b < 120 }

// IsBlue reports a pedestrian pixel.
func IsBlue(r, g, b byte) bool { return b >= 160 && r < 90 && g < 120 }

func absDiff(a, b byte) byte {
	if a > b {
		return a - b
	}
	return b - a
}

// Region is a rectangle expressed as fractions of the frame.
type Region struct{ X0, Y0, X1, Y1 float64 }

// Pixels scales r to a w×h frame.
func (r Region) Pixels(w, h int) (x0, y0, x1, y1 int) {
	return int(r.X0 * float64(w)), int(r.Y0 * float64(h)), int(r.X1 * float64(w)), int(r.Y1 * float64(h))
}

// Where each object class is drawn. Regions do not overlap so a colour
// blob is never claimed by two detectors.
var (
	SignRegion       = Region{0.82, 0.32, 1.0, 0.62}
	LightRegion      = Region{0.2, 0.0, 0.8, 0.3}
	PedestrianRegion = Region{0.0, 0.3, 0.8, 1.0}
)

// Lane geometry at 1280×720, scaled for other sizes.
const (
	laneLowerLeft  = 290.0
	laneLowerRight = 990.0
	laneUpperLeft  = 560.0
	laneUpperRight = 720.0
	laneThickness  = 12.0
	stopBarTop     = 0.88
	stopBarBottom  = 0.92
)

// Lanes returns the rendered left and right boundary centre lines as
// (upperX, upperY, lowerX, lowerY) for a w×h frame.
func (s Scene) Lanes(w, h int) (left, right [4]float64) {
	sx := float64(w) / 1280
	shift := s.LaneShift * sx
	curve := s.Curve * sx
	top := float64(h) / 2
	bottom := float64(h)
	left = [4]float64{laneUpperLeft*sx + shift + curve, top, laneLowerLeft*sx + shift, bottom}
	right = [4]float64{laneUpperRight*sx + shift + curve, top, laneLowerRight*sx + shift, bottom}
	return left, right
}

// Render draws s into a packed RGB buffer of w×h pixels.
func Render(s Scene, w, h int) []byte {
	pix := make([]byte, w*h*3)
	c := canvas{pix: pix, w: w, h: h}
	c.fill(0, 0, w, h/2, Sky)
	c.fill(0, h/2, w, h, Road)

	left, right := s.Lanes(w, h)
	thick := laneThickness * float64(w) / 1280
	for _, l := range [][4]float64{left, right} {
		for y := h / 2; y < h; y++ {
			t := (float64(y) - l[1]) / (l[3] - l[1])
			x := l[0] + t*(l[2]-l[0])
			c.fill(int(x-thick/2), y, int(x+thick/2)+1, y+1, White)
		}
	}

	if s.StopBar {
		y0, y1 := int(stopBarTop*float64(h)), int(stopBarBottom*float64(h))
		for y := y0; y < y1; y++ {
			t := (float64(y) - left[1]) / (left[3] - left[1])
			xl := left[0] + t*(left[2]-left[0])
			xr := right[0] + t*(right[2]-right[0])
			c.fill(int(xl), y, int(xr)+1, y+1, White)
		}
	}

	if ph := PixelHeight(s.StopSign, h); ph > 0 {
		x0, y0, x1, y1 := SignRegion.Pixels(w, h)
		ph = min(ph, y1-y0, x1-x0)
		cx := (x0 + x1) / 2
		c.fill(cx-ph/2, y0, cx-ph/2+ph, y0+ph, Red)
	}

	if ph := PixelHeight(s.LightDist, h); ph > 0 && s.Light != NoLight {
		x0, y0, x1, y1 := LightRegion.Pixels(w, h)
		ph = min(ph, y1-y0-2)
		cx := (x0 + x1) / 2
		col := Red
		if s.Light == GreenLight {
			col = Green
		}
		pw := max(ph/3, 1)
		c.fill(cx-pw/2, y0+1, cx-pw/2+pw, y0+1+ph, col)
	}

	x0, y0, x1, y1 := PedestrianRegion.Pixels(w, h)
	slot := (x1 - x0) / max(len(s.Pedestrians), 1)
	for i, d := range s.Pedestrians {
		ph := PixelHeight(d, h)
		if ph <= 0 {
			continue
		}
		ph = min(ph, y1-y0)
		pw := max(ph/3, 1)
		cx := x0 + slot*i + slot/2
		bottom := y1 - (y1-y0)/10
		c.fill(cx-pw/2, max(bottom-ph, y0), cx-pw/2+pw, bottom, Blue)
	}
	return pix
}

type canvas struct {
	pix  []byte
	w, h int
}

func (c canvas) fill(x0, y0, x1, y1 int, col [3]byte) {
	x0, x1 = max(x0, 0), min(x1, c.w)
	y0, y1 = max(y0, 0), min(y1, c.h)
	for y := y0; y < y1; y++ {
		row := y * c.w * 3
		for x := x0; x < x1; x++ {
			i := row + x*3
			c.pix[i], c.pix[i+1], c.pix[i+2] = col[0], col[1], col[2]
		}
	}
}
