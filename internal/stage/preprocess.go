package stage

import (
	"math"
	"sort"

	"github.com/banshee-data/drivepipe/internal/snapshot"
)

type grayscaleStage struct{ visualize bool }

func (g *grayscaleStage) Kind() Kind { return Grayscale }

func (g *grayscaleStage) Process(s *snapshot.Snapshot) error {
	img, err := working(s)
	if err != nil {
		return err
	}
	s.Scratch = gray(img)
	if g.visualize {
		showScratch(s)
	}
	return nil
}

// Blur

type blurStage struct {
	kernel    []float64
	visualize bool
}

func newBlur(p *params) (*blurStage, error) {
	size := p.int("kernel_size", 5)
	sigma := p.float("sigma", 0)
	vis := p.bool("visualize", false)
	if size < 1 || size%2 == 0 {
		p.fail("kernel_size", "must be a positive odd number, got %d", size)
	}
	if sigma < 0 {
		p.fail("sigma", "must not be negative, got %g", sigma)
	}
	if p.err != nil {
		return nil, p.err
	}
	return &blurStage{kernel: gaussianKernel(size, sigma), visualize: vis}, nil
}

// gaussianKernel returns a normalised 1-D kernel. A zero sigma is derived
// from the size the same way common CV libraries do.
func gaussianKernel(size int, sigma float64) []float64 {
	if sigma <= 0 {
		sigma = 0.3*((float64(size)-1)*0.5-1) + 0.8
	}
	k := make([]float64, size)
	half := size / 2
	var sum float64
	for i := range k {
		x := float64(i - half)
		k[i] = math.Exp(-(x * x) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func (b *blurStage) Kind() Kind { return Blur }

func (b *blurStage) Process(s *snapshot.Snapshot) error {
	img, err := working(s)
	if err != nil {
		return err
	}
	s.Scratch = convolveSeparable(img, b.kernel)
	if b.visualize {
		showScratch(s)
	}
	return nil
}

func convolveSeparable(img *snapshot.Image, k []float64) *snapshot.Image {
	w, h, c := img.Width, img.Height, img.Channels
	half := len(k) / 2
	tmp := make([]float64, len(img.Pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				var acc float64
				for i, kv := range k {
					xx := clampInt(x+i-half, 0, w-1)
					acc += kv * float64(img.Pix[(y*w+xx)*c+ch])
				}
				tmp[(y*w+x)*c+ch] = acc
			}
		}
	}
	out := &snapshot.Image{Width: w, Height: h, Channels: c, Pix: make([]byte, len(img.Pix))}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				var acc float64
				for i, kv := range k {
					yy := clampInt(y+i-half, 0, h-1)
					acc += kv * tmp[(yy*w+x)*c+ch]
				}
				out.Pix[(y*w+x)*c+ch] = byte(clampInt(int(math.Round(acc)), 0, 255))
			}
		}
	}
	return out
}

// Dilation

type dilationStage struct {
	size       int
	iterations int
	visualize  bool
}

func newDilation(p *params) (*dilationStage, error) {
	d := &dilationStage{
		size:       p.int("kernel_size", 3),
		iterations: p.int("iterations", 1),
		visualize:  p.bool("visualize", false),
	}
	if d.size < 1 || d.size%2 == 0 {
		p.fail("kernel_size", "must be a positive odd number, got %d", d.size)
	}
	if d.iterations < 1 {
		p.fail("iterations", "must be at least 1, got %d", d.iterations)
	}
	if p.err != nil {
		return nil, p.err
	}
	return d, nil
}

func (d *dilationStage) Kind() Kind { return Dilation }

func (d *dilationStage) Process(s *snapshot.Snapshot) error {
	img, err := working(s)
	if err != nil {
		return err
	}
	for i := 0; i < d.iterations; i++ {
		img = maxFilter(img, d.size)
	}
	s.Scratch = img
	if d.visualize {
		showScratch(s)
	}
	return nil
}

// maxFilter is a square-element dilation, done as two 1-D passes.
func maxFilter(img *snapshot.Image, size int) *snapshot.Image {
	w, h, c := img.Width, img.Height, img.Channels
	half := size / 2
	tmp := make([]byte, len(img.Pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				var m byte
				for xx := max(x-half, 0); xx <= min(x+half, w-1); xx++ {
					m = max(m, img.Pix[(y*w+xx)*c+ch])
				}
				tmp[(y*w+x)*c+ch] = m
			}
		}
	}
	out := &snapshot.Image{Width: w, Height: h, Channels: c, Pix: make([]byte, len(img.Pix))}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				var m byte
				for yy := max(y-half, 0); yy <= min(y+half, h-1); yy++ {
					m = max(m, tmp[(yy*w+x)*c+ch])
				}
				out.Pix[(y*w+x)*c+ch] = m
			}
		}
	}
	return out
}

// Canny

type cannyStage struct {
	low, high float64
	visualize bool
}

func newCanny(p *params) (*cannyStage, error) {
	c := &cannyStage{
		low:       p.float("low_threshold", 50),
		high:      p.float("high_threshold", 150),
		visualize: p.bool("visualize", false),
	}
	if c.low < 0 {
		p.fail("low_threshold", "must not be negative, got %g", c.low)
	}
	if c.low >= c.high {
		p.fail("high_threshold", "must be greater than low_threshold (%g <= %g)", c.high, c.low)
	}
	if p.err != nil {
		return nil, p.err
	}
	return c, nil
}

func (c *cannyStage) Kind() Kind { return CannyEdge }

func (c *cannyStage) Process(s *snapshot.Snapshot) error {
	img, err := working(s)
	if err != nil {
		return err
	}
	s.Scratch = canny(gray(img), c.low, c.high)
	if c.visualize {
		showScratch(s)
	}
	return nil
}

// canny returns a 0/255 edge map: Sobel gradients with L1 magnitude,
// non-maximum suppression along the quantised gradient direction, then
// hysteresis between low and high.
func canny(img *snapshot.Image, low, high float64) *snapshot.Image {
	w, h := img.Width, img.Height
	px := func(x, y int) float64 {
		return float64(img.Pix[clampInt(y, 0, h-1)*w+clampInt(x, 0, w-1)])
	}
	mag := make([]float64, w*h)
	dir := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1) - px(x-1, y-1) - 2*px(x-1, y) - px(x-1, y+1)
			gy := px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1) - px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1)
			mag[y*w+x] = math.Abs(gx) + math.Abs(gy)
			angle := math.Atan2(gy, gx) * 180 / math.Pi
			if angle < 0 {
				angle += 180
			}
			switch {
			case angle < 22.5 || angle >= 157.5:
				dir[y*w+x] = 0
			case angle < 67.5:
				dir[y*w+x] = 1
			case angle < 112.5:
				dir[y*w+x] = 2
			default:
				dir[y*w+x] = 3
			}
		}
	}

	at := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}
	const (
		none   = 0
		weak   = 1
		strong = 2
	)
	class := make([]uint8, w*h)
	var stack []int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := mag[y*w+x]
			if m <= low {
				continue
			}
			var a, b float64
			switch dir[y*w+x] {
			case 0:
				a, b = at(x-1, y), at(x+1, y)
			case 1:
				a, b = at(x-1, y-1), at(x+1, y+1)
			case 2:
				a, b = at(x, y-1), at(x, y+1)
			default:
				a, b = at(x+1, y-1), at(x-1, y+1)
			}
			if m < a || m < b {
				continue
			}
			if m > high {
				class[y*w+x] = strong
				stack = append(stack, y*w+x)
			} else {
				class[y*w+x] = weak
			}
		}
	}

	out := &snapshot.Image{Width: w, Height: h, Channels: 1, Pix: make([]byte, w*h)}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out.Pix[i] != 0 {
			continue
		}
		out.Pix[i] = 255
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if class[j] != none && out.Pix[j] == 0 {
					stack = append(stack, j)
				}
			}
		}
	}
	return out
}

// ROI

// RegionType selects a region-of-interest polygon.
type RegionType string

const (
	LinesRegion         RegionType = "lines"
	SignsRegion         RegionType = "signs"
	TrafficLightsRegion RegionType = "traffic_lights"
	PedestriansRegion   RegionType = "pedestrians"
)

// Point is a polygon vertex as a fraction of frame width and height.
type Point struct{ X, Y float64 }

// Regions are the default four-corner polygons per region type.
var Regions = map[RegionType][]Point{
	LinesRegion:         {{0, 1}, {0.3, 0.5}, {0.7, 0.5}, {1, 1}},
	SignsRegion:         {{0.5, 0.1}, {1, 0.1}, {1, 0.65}, {0.5, 0.65}},
	TrafficLightsRegion: {{0.2, 0}, {0.8, 0}, {0.8, 0.3}, {0.2, 0.3}},
	PedestriansRegion:   {{0, 0.3}, {1, 0.3}, {1, 1}, {0, 1}},
}

type roiStage struct {
	region    RegionType
	mask      []bool
	w, h      int
	visualize bool
}

func newROI(p *params, env Env) (*roiStage, error) {
	r := &roiStage{
		region:    RegionType(p.string("roi_type", string(LinesRegion))),
		visualize: p.bool("visualize", false),
	}
	if _, ok := Regions[r.region]; !ok {
		p.fail("roi_type", "unknown region %q: expected lines, signs, traffic_lights or pedestrians", r.region)
		return nil, p.err
	}
	if env.Width > 0 && env.Height > 0 {
		r.mask = polygonMask(Regions[r.region], env.Width, env.Height)
		r.w, r.h = env.Width, env.Height
	}
	return r, p.err
}

func (r *roiStage) Kind() Kind { return ROI }

func (r *roiStage) Process(s *snapshot.Snapshot) error {
	img, err := working(s)
	if err != nil {
		return err
	}
	if r.w != img.Width || r.h != img.Height {
		r.mask = polygonMask(Regions[r.region], img.Width, img.Height)
		r.w, r.h = img.Width, img.Height
	}
	out := &snapshot.Image{Width: img.Width, Height: img.Height, Channels: img.Channels, Pix: make([]byte, len(img.Pix))}
	for i, in := range r.mask {
		if in {
			copy(out.Pix[i*img.Channels:(i+1)*img.Channels], img.Pix[i*img.Channels:])
		}
	}
	s.Scratch = out
	if r.visualize {
		showScratch(s)
	}
	return nil
}

// polygonMask rasterises poly with an even-odd scanline fill.
func polygonMask(poly []Point, w, h int) []bool {
	mask := make([]bool, w*h)
	pts := make([]Point, len(poly))
	for i, p := range poly {
		pts[i] = Point{p.X * float64(w), p.Y * float64(h)}
	}
	var xs []float64
	for y := 0; y < h; y++ {
		fy := float64(y) + 0.5
		xs = xs[:0]
		for i := range pts {
			a, b := pts[i], pts[(i+1)%len(pts)]
			if (a.Y <= fy) == (b.Y <= fy) {
				continue
			}
			xs = append(xs, a.X+(fy-a.Y)*(b.X-a.X)/(b.Y-a.Y))
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			x0 := clampInt(int(math.Ceil(xs[i]-0.5)), 0, w)
			x1 := clampInt(int(math.Floor(xs[i+1]-0.5))+1, 0, w)
			for x := x0; x < x1; x++ {
				mask[y*w+x] = true
			}
		}
	}
	return mask
}
