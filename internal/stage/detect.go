package stage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/drivepipe/internal/scene"
	"github.com/banshee-data/drivepipe/internal/snapshot"
)

// ErrModelUnavailable is returned by a DetectorFactory that cannot load the
// requested model.
var ErrModelUnavailable = errors.New("detection model unavailable")

// Detector finds objects in an RGB image. Results need not be sorted or
// filtered; the stage does both.
type Detector interface {
	Detect(img *snapshot.Image) ([]snapshot.RoadObject, error)
}

// DetectorFactory returns the detector for a detection kind and model name.
type DetectorFactory func(kind Kind, model string) (Detector, error)

// SyntheticModel names the built-in colour-blob detectors.
const SyntheticModel = "synthetic"

// SyntheticDetectors builds colour-blob detectors matched to the scenes
// rendered by package scene. Any other model name is unavailable.
func SyntheticDetectors(kind Kind, model string) (Detector, error) {
	if model != SyntheticModel {
		return nil, fmt.Errorf("%w: %q (only %q is built in)", ErrModelUnavailable, model, SyntheticModel)
	}
	switch kind {
	case SignsDetect:
		return &BlobDetector{Region: scene.SignRegion, Classes: []BlobClass{{Label: "stop", Match: scene.IsRed}}}, nil
	case TrafficLightDetect:
		return &BlobDetector{Region: scene.LightRegion, Classes: []BlobClass{
			{Label: "red", Match: scene.IsRed},
			{Label: "green", Match: scene.IsGreen},
		}}, nil
	case PedestrianDetect:
		return &BlobDetector{Region: scene.PedestrianRegion, Classes: []BlobClass{{Label: "person", Match: scene.IsBlue}}}, nil
	}
	return nil, fmt.Errorf("%s is not a detection stage", kind)
}

type detectStage struct {
	kind          Kind
	detector      Detector
	minConfidence float64
	visualize     bool
}

func newDetect(kind Kind, p *params, env Env) (*detectStage, error) {
	model := p.string("model", "")
	if path := p.string("model_path", ""); path != "" {
		if model != "" {
			p.fail("model_path", "set either model or model_path, not both")
		}
		model = path
	}
	if model == "" {
		model = SyntheticModel
	}
	d := &detectStage{
		kind:          kind,
		minConfidence: p.float("min_confidence", 0.3),
		visualize:     p.bool("visualize", false),
	}
	if d.minConfidence < 0 || d.minConfidence > 1 {
		p.fail("min_confidence", "must be in [0, 1], got %g", d.minConfidence)
	}
	if p.err != nil {
		return nil, p.err
	}
	det, err := env.detectors()(kind, model)
	if err != nil {
		p.fail("model", "%v", err)
		return nil, p.err
	}
	d.detector = det
	return d, nil
}

func (d *detectStage) Kind() Kind { return d.kind }

// Process runs the detector on the colour image, keeps detections at or
// above the confidence floor, and stores them nearest first.
func (d *detectStage) Process(s *snapshot.Snapshot) error {
	img := s.Scratch
	if img == nil || img.Channels != 3 {
		if len(s.Frame) != s.Width*s.Height*3 {
			return fmt.Errorf("frame %d is %d bytes, want %dx%dx3", s.FrameVersion, len(s.Frame), s.Width, s.Height)
		}
		img = &snapshot.Image{Width: s.Width, Height: s.Height, Channels: 3, Pix: s.Frame}
	}
	found, err := d.detector.Detect(img)
	if err != nil {
		return fmt.Errorf("%s: %w", d.kind, err)
	}
	kept := found[:0]
	for _, o := range found {
		if o.Confidence >= d.minConfidence {
			kept = append(kept, o)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Distance < kept[j].Distance })

	list := snapshot.Detected(kept...)
	switch d.kind {
	case SignsDetect:
		s.TrafficSigns = list
	case TrafficLightDetect:
		s.TrafficLights = list
	case PedestrianDetect:
		s.Pedestrians = list
	}
	if d.visualize {
		drawBoxes(s, kept)
	}
	return nil
}

// BlobClass labels pixels accepted by Match.
type BlobClass struct {
	Label string
	Match func(r, g, b byte) bool
}

// BlobDetector finds connected regions of class-coloured pixels inside
// Region and reports each as one object. Distance comes from the blob's
// pixel height.
type BlobDetector struct {
	Region  scene.Region
	Classes []BlobClass
	// Step subsamples the image; default 2.
	Step int
	// MinCells is the smallest blob kept, in sampled cells; default 4.
	MinCells int
}

// Detect implements Detector.
func (b *BlobDetector) Detect(img *snapshot.Image) ([]snapshot.RoadObject, error) {
	if img.Channels != 3 {
		return nil, fmt.Errorf("blob detector needs RGB, got %d channels", img.Channels)
	}
	step, minCells := b.Step, b.MinCells
	if step <= 0 {
		step = 2
	}
	if minCells <= 0 {
		minCells = 4
	}
	x0, y0, x1, y1 := b.Region.Pixels(img.Width, img.Height)
	gw, gh := (x1-x0+step-1)/step, (y1-y0+step-1)/step
	if gw <= 0 || gh <= 0 {
		return nil, nil
	}

	var out []snapshot.RoadObject
	for _, class := range b.Classes {
		hit := make([]bool, gw*gh)
		for gy := 0; gy < gh; gy++ {
			for gx := 0; gx < gw; gx++ {
				x, y := x0+gx*step, y0+gy*step
				i := (y*img.Width + x) * 3
				hit[gy*gw+gx] = class.Match(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
			}
		}
		seen := make([]bool, gw*gh)
		var queue []int
		for start := range hit {
			if !hit[start] || seen[start] {
				continue
			}
			seen[start] = true
			queue = append(queue[:0], start)
			minX, minY, maxX, maxY, cells := gw, gh, -1, -1, 0
			for len(queue) > 0 {
				c := queue[0]
				queue = queue[1:]
				cx, cy := c%gw, c/gw
				cells++
				minX, maxX = min(minX, cx), max(maxX, cx)
				minY, maxY = min(minY, cy), max(maxY, cy)
				for _, n := range [4][2]int{{cx - 1, cy}, {cx + 1, cy}, {cx, cy - 1}, {cx, cy + 1}} {
					if n[0] < 0 || n[1] < 0 || n[0] >= gw || n[1] >= gh {
						continue
					}
					j := n[1]*gw + n[0]
					if hit[j] && !seen[j] {
						seen[j] = true
						queue = append(queue, j)
					}
				}
			}
			if cells < minCells {
				continue
			}
			area := (maxX - minX + 1) * (maxY - minY + 1)
			fill := float64(cells) / float64(area)
			box := snapshot.BoundingBox{
				X1: x0 + minX*step, Y1: y0 + minY*step,
				X2: x0 + maxX*step + step - 1, Y2: y0 + maxY*step + step - 1,
			}
			out = append(out, snapshot.RoadObject{
				Label:      class.Label,
				Confidence: 0.5 + 0.5*fill,
				Distance:   scene.Distance(box.Y2-box.Y1+1, img.Height),
				Box:        box,
			})
		}
	}
	return out, nil
}
