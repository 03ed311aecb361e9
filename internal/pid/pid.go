// Package pid implements the steering PID controller with output clamping
// and conditional-integration anti-windup.
package pid

import (
	"errors"
	"math"
	"time"

	"github.com/banshee-data/drivepipe/internal/timeutil"
)

// ErrInvalidRange is returned by the range setters unless min < max.
var ErrInvalidRange = errors.New("pid: range minimum must be less than maximum")

// MinElapsed bounds the time step from below so the derivative term stays
// finite when two computes share a timestamp.
const MinElapsed = time.Millisecond

type bounds struct{ min, max float64 }

func (b *bounds) clamp(v float64) float64 {
	if b == nil {
		return v
	}
	return math.Max(b.min, math.Min(b.max, v))
}

// Terms are the contributions of the last Compute.
type Terms struct {
	Error  float64
	P      float64
	I      float64
	D      float64
	Output float64
}

// Controller is a PID controller driven by an injected clock. It is not safe
// for concurrent use.
type Controller struct {
	Kp, Ki, Kd float64
	Target     float64

	clock  timeutil.Clock
	input  *bounds
	output *bounds

	integral  float64
	lastError float64
	lastOut   float64
	last      time.Time
	primed    bool
	terms     Terms
}

// New returns a controller targeting zero. A nil clock selects the real one.
func New(kp, ki, kd float64, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{Kp: kp, Ki: ki, Kd: kd, clock: clock}
}

// SetInputRange clamps every input to [min, max].
func (c *Controller) SetInputRange(min, max float64) error {
	if !(min < max) {
		return ErrInvalidRange
	}
	c.input = &bounds{min, max}
	return nil
}

// SetOutputRange clamps every output to [min, max].
func (c *Controller) SetOutputRange(min, max float64) error {
	if !(min < max) {
		return ErrInvalidRange
	}
	c.output = &bounds{min, max}
	return nil
}

// Reset zeroes the accumulators. The next Compute starts a new time base.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
	c.lastOut = 0
	c.last = time.Time{}
	c.primed = false
	c.terms = Terms{}
}

// Integral returns the accumulated error.
func (c *Controller) Integral() float64 { return c.integral }

// Terms returns the breakdown of the last Compute.
func (c *Controller) Terms() Terms { return c.terms }

// Compute returns the control output for input.
func (c *Controller) Compute(input float64) float64 {
	now := c.clock.Now()
	e := c.Target - c.input.clamp(input)

	t := Terms{Error: e, P: c.Kp * e}
	if c.primed {
		elapsed := now.Sub(c.last)
		if elapsed < MinElapsed {
			elapsed = MinElapsed
		}
		dt := elapsed.Seconds()
		if !c.windingUp(e) {
			c.integral += e * dt
		}
		t.I = c.Ki * c.integral
		t.D = c.Kd * (e - c.lastError) / dt
	}
	t.Output = c.output.clamp(t.P + t.I + t.D)

	c.terms = t
	c.lastError = e
	c.lastOut = t.Output
	c.last = now
	c.primed = true
	return t.Output
}

// windingUp reports whether integrating e would push a saturated output
// further past its bound. An integral of the opposite sign is unwinding and
// always allowed.
func (c *Controller) windingUp(e float64) bool {
	if c.output == nil || c.integral*e < 0 {
		return false
	}
	return (c.lastOut >= c.output.max && e > 0) || (c.lastOut <= c.output.min && e < 0)
}
