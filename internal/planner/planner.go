// Package planner turns the perceived scene into one driving directive per
// cycle.
package planner

import (
	"fmt"
	"time"

	"github.com/banshee-data/drivepipe/internal/config"
	"github.com/banshee-data/drivepipe/internal/monitoring"
	"github.com/banshee-data/drivepipe/internal/snapshot"
)

var logs = monitoring.NewStreams("planner")

// Mode is the planner's persistent state.
type Mode string

const (
	LaneKeeping Mode = "lane_keeping"
	PendingStop Mode = "pending_stop" // waiting for the stop line to pass out of view
	Paused      Mode = "paused"
)

// Reason says why a stop is pending.
type Reason string

const (
	NoReason         Reason = ""
	ReasonStop       Reason = "stop"
	ReasonPedestrian Reason = "pedestrian"
	ReasonRedLight   Reason = "red_light"
)

// Kind is a directive kind.
type Kind string

const (
	KeepLane           Kind = "LaneKeeping"
	Pause              Kind = "Pause"
	PauseFixedDuration Kind = "PauseFixedDuration"
	Resume             Kind = "Resume"
)

// Directive is the planner output for one cycle. Duration is set only for
// PauseFixedDuration.
type Directive struct {
	Kind     Kind
	Duration time.Duration
}

func (d Directive) String() string {
	if d.Kind == PauseFixedDuration {
		return fmt.Sprintf("%s(%s)", d.Kind, d.Duration)
	}
	return string(d.Kind)
}

// Thresholds holds the "near" distance per category. An object is near when
// strictly closer than its threshold.
type Thresholds struct {
	Sign         float64
	Pedestrian   float64
	TrafficLight float64
	FixedPause   time.Duration
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Sign: 100, Pedestrian: 100, TrafficLight: 100, FixedPause: 3 * time.Second}
}

// ThresholdsFromConfig reads the planner section of cfg.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		Sign:         cfg.GetSignThreshold(),
		Pedestrian:   cfg.GetPedestrianThreshold(),
		TrafficLight: cfg.GetTrafficLightThreshold(),
		FixedPause:   cfg.GetFixedPause(),
	}
}

// Inputs are the observation lists the planner looks at. Each list is
// nearest-first; an absent list counts as empty.
type Inputs struct {
	TrafficSigns  snapshot.ObjectList
	TrafficLights snapshot.ObjectList
	Pedestrians   snapshot.ObjectList
	StopLines     snapshot.LineList
}

// InputsFrom picks the planner inputs out of a canonical snapshot.
func InputsFrom(s *snapshot.Snapshot) Inputs {
	return Inputs{
		TrafficSigns:  s.TrafficSigns,
		TrafficLights: s.TrafficLights,
		Pedestrians:   s.Pedestrians,
		StopLines:     s.StopLines,
	}
}

// Planner is the behaviour state machine. It is not safe for concurrent use.
type Planner struct {
	th     Thresholds
	mode   Mode
	reason Reason
}

// New returns a planner in LaneKeeping.
func New(th Thresholds) *Planner {
	return &Planner{th: th, mode: LaneKeeping}
}

// Mode returns the current mode and, while a stop is pending, its reason.
func (p *Planner) Mode() (Mode, Reason) { return p.mode, p.reason }

// Step evaluates one cycle and returns its directive.
func (p *Planner) Step(in Inputs) Directive {
	before := p.mode
	d := p.step(in)
	if p.mode != before {
		logs.Diagf("%s -> %s (%s), directive %s", before, p.mode, p.reason, d)
	}
	monitoring.Directives.WithLabelValues(string(d.Kind)).Inc()
	return d
}

func (p *Planner) step(in Inputs) Directive {
	switch p.mode {
	case Paused:
		// Red lights only hold the pause while some traffic sign is also
		// present.
		if !p.pedestrianNear(in) && (in.TrafficSigns.Len() == 0 || !p.redLightNear(in)) {
			p.mode = LaneKeeping
			return Directive{Kind: Resume}
		}
		return Directive{Kind: KeepLane}

	case PendingStop:
		if in.StopLines.Len() > 0 {
			return Directive{Kind: KeepLane}
		}
		reason := p.reason
		p.reason = NoReason
		if reason == ReasonStop {
			p.mode = LaneKeeping
			return Directive{Kind: PauseFixedDuration, Duration: p.th.FixedPause}
		}
		p.mode = Paused
		return Directive{Kind: Pause}
	}

	if sign, ok := in.TrafficSigns.Nearest(); ok && sign.Distance < p.th.Sign {
		if sign.Label == "stop" {
			p.pend(ReasonStop)
		}
		return Directive{Kind: KeepLane}
	}
	if p.pedestrianNear(in) {
		p.pend(ReasonPedestrian)
		return Directive{Kind: KeepLane}
	}
	if p.redLightNear(in) {
		p.pend(ReasonRedLight)
	}
	return Directive{Kind: KeepLane}
}

func (p *Planner) pend(r Reason) {
	p.mode = PendingStop
	p.reason = r
}

func (p *Planner) pedestrianNear(in Inputs) bool {
	ped, ok := in.Pedestrians.Nearest()
	return ok && ped.Distance < p.th.Pedestrian
}

func (p *Planner) redLightNear(in Inputs) bool {
	for _, l := range in.TrafficLights.Objects {
		if l.Distance < p.th.TrafficLight && l.Label == "red" {
			return true
		}
	}
	return false
}
