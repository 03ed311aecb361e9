package scene

import (
	"math"
	"math/rand"
)

// Phase names one segment of the scripted drive.
type Phase string

const (
	Cruise       Phase = "cruise"
	StopApproach Phase = "stop_sign"
	Crossing     Phase = "pedestrian"
	RedApproach  Phase = "red_light"
	GreenPass    Phase = "green_light"
)

var phases = []Phase{Cruise, StopApproach, Cruise, Crossing, Cruise, RedApproach, GreenPass}

// Script is a looping scripted drive. Every phase lasts Frames frames.
type Script struct {
	Frames int
	weave  float64
}

// NewScript returns a script whose lane weave phase is derived from seed.
func NewScript(framesPerPhase int, seed int64) *Script {
	if framesPerPhase < 10 {
		framesPerPhase = 10
	}
	r := rand.New(rand.NewSource(seed))
	return &Script{Frames: framesPerPhase, weave: r.Float64() * 2 * math.Pi}
}

// Len is the number of frames in one loop of the script.
func (s *Script) Len() int { return s.Frames * len(phases) }

// PhaseAt returns the phase of frame i and the progress through it in [0,1).
func (s *Script) PhaseAt(i int) (Phase, float64) {
	i %= s.Len()
	return phases[i/s.Frames], float64(i%s.Frames) / float64(s.Frames)
}

// At returns the scene for frame i.
func (s *Script) At(i int) Scene {
	phase, p := s.PhaseAt(i)
	sc := Scene{
		LaneShift: 40 * math.Sin(s.weave+float64(i)/25),
		Curve:     30 * math.Sin(s.weave/2+float64(i)/60),
	}
	// approach runs the object from 220 down to 40 over the first 70% of
	// the phase; the remainder is past the object.
	approach := func() (float64, bool) {
		if p >= 0.7 {
			return 0, false
		}
		return 220 - 180*(p/0.7), true
	}
	switch phase {
	case StopApproach:
		if d, ok := approach(); ok {
			sc.StopSign = d
			sc.StopBar = d < 120
		} else {
			sc.StopBar = p < 0.8
		}
	case Crossing:
		if d, ok := approach(); ok {
			sc.Pedestrians = []float64{d}
			sc.StopBar = d < 120
		} else if p < 0.85 {
			sc.Pedestrians = []float64{40}
		}
	case RedApproach:
		sc.Light = RedLight
		if d, ok := approach(); ok {
			sc.LightDist = d
			sc.StopBar = d < 120
		} else {
			sc.LightDist = 40
		}
	case GreenPass:
		sc.Light = GreenLight
		if d, ok := approach(); ok {
			sc.LightDist = d
		}
	}
	return sc
}
