package control

import (
	"fmt"
	"math"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/interp"
)

// MPHToMS converts miles per hour to metres per second.
const MPHToMS = 0.44704

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	return lo.Clamp(value, min, max)
}

// BoolToFloat converts bool to float64 (for CAN encoding)
func BoolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// Curve is a piecewise-linear lookup table. Outside the breakpoints it holds
// the first/last value.
type Curve struct {
	xs, ys []float64
	pl     interp.PiecewiseLinear
}

// NewCurve fits a curve over strictly increasing xs.
func NewCurve(xs, ys []float64) (*Curve, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("%w: curve has %d breakpoints but %d values", ErrInvalidConfig, len(xs), len(ys))
	}
	if len(xs) < 2 {
		return nil, fmt.Errorf("%w: curve needs at least 2 breakpoints, got %d", ErrInvalidConfig, len(xs))
	}
	for i := 1; i < len(xs); i++ {
		if !(xs[i] > xs[i-1]) {
			return nil, fmt.Errorf("%w: curve breakpoints not strictly increasing at %d (%v <= %v)",
				ErrInvalidConfig, i, xs[i], xs[i-1])
		}
	}
	c := &Curve{
		xs: append([]float64(nil), xs...),
		ys: append([]float64(nil), ys...),
	}
	if err := c.pl.Fit(c.xs, c.ys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, nil
}

// At evaluates the curve at x. NaN propagates.
func (c *Curve) At(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	return c.pl.Predict(x)
}

// Interp evaluates a one-off piecewise-linear table at x. Malformed tables
// yield NaN. Per-tick lookups build a Curve once instead.
func Interp(x float64, xs, ys []float64) float64 {
	c, err := NewCurve(xs, ys)
	if err != nil {
		return math.NaN()
	}
	return c.At(x)
}
