package control

import "math"

// integratorDeadband is where the slow reset stops; the integrator
// oscillates around zero below roughly 0.006.
const integratorDeadband = 0.01

// DistanceModController turns a relative motion error (lead minus ego) into a
// multiplier on the following distance. It is a leaky integrator: negative
// error derivatives are accumulated, positive ones ignored, and the integrator
// decays toward zero at a constant rate so that full range drains in
// ResetSeconds.
type DistanceModController struct {
	tickPeriod float64
	kI         float64
	kD         float64
	lo, hi     float64
	decay      float64 // integrator drain per tick
	out        *Curve

	i          float64 // never reset on lead change
	lastError  float64
	lastFactor float64
}

// DMCDiagnostics contains controller internal state for monitoring
type DMCDiagnostics struct {
	Integrator float64
	LastError  float64
	Factor     float64
}

// NewDistanceModController builds a controller advanced once every tickPeriod seconds.
func NewDistanceModController(cfg DMCConfig, tickPeriod float64) (*DistanceModController, error) {
	if err := cfg.validate("dmc"); err != nil {
		return nil, err
	}
	out, err := NewCurve(cfg.Clip, cfg.Mods)
	if err != nil {
		return nil, err
	}
	lo, hi := cfg.Clip[0], cfg.Clip[len(cfg.Clip)-1]
	return &DistanceModController{
		tickPeriod: tickPeriod,
		kI:         cfg.Ki,
		kD:         cfg.Kd,
		lo:         lo,
		hi:         hi,
		decay:      math.Max(math.Abs(lo), math.Abs(hi)) / (cfg.ResetSeconds / tickPeriod),
		out:        out,
		lastFactor: out.At(0),
	}, nil
}

// Update advances the controller by one tick and returns the distance factor.
func (c *DistanceModController) Update(err float64) float64 {
	if d := c.kD * (err - c.lastError); d < 0 {
		// only closing movements add distance
		c.i += d
	}
	c.i += err * c.tickPeriod * c.kI
	c.i = ClampFloat(c.i, c.lo, c.hi)
	c.slowReset()

	c.lastFactor = c.out.At(c.i)
	c.lastError = err
	return c.lastFactor
}

func (c *DistanceModController) slowReset() {
	if math.Abs(c.i) > integratorDeadband {
		c.i -= math.Copysign(c.decay, c.i)
	}
}

// GetIntegrator returns the current integrator value
func (c *DistanceModController) GetIntegrator() float64 {
	return c.i
}

// GetDiagnostics returns current controller state for logging/debugging
func (c *DistanceModController) GetDiagnostics() DMCDiagnostics {
	return DMCDiagnostics{
		Integrator: c.i,
		LastError:  c.lastError,
		Factor:     c.lastFactor,
	}
}
