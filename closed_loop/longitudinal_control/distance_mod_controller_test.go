package control

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 0.05

func newTestDMC(t *testing.T) *DistanceModController {
	t.Helper()
	c, err := NewDistanceModController(DefaultConfig().VelocityDMC, tick)
	require.NoError(t, err)
	return c
}

func TestDMCStartsNeutral(t *testing.T) {
	c := newTestDMC(t)
	assert.Equal(t, 0.0, c.GetIntegrator())
	assert.InDelta(t, 1.0, c.GetDiagnostics().Factor, 1e-12)
	assert.InDelta(t, 1.0, c.Update(0), 1e-12)
}

func TestDMCIntegratorStaysClipped(t *testing.T) {
	c := newTestDMC(t)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		f := c.Update((rng.Float64() - 0.5) * 60)
		require.GreaterOrEqual(t, c.GetIntegrator(), -1.0)
		require.LessOrEqual(t, c.GetIntegrator(), 0.66)
		require.GreaterOrEqual(t, f, 0.95)
		require.LessOrEqual(t, f, 1.15)
	}
}

func TestDMCOnlyClosingDerivativeAccumulates(t *testing.T) {
	opening := newTestDMC(t)
	opening.Update(1)
	// derivative +0.08 ignored, only the proportional part lands
	assert.InDelta(t, 1*tick*0.042, opening.GetIntegrator(), 1e-12)

	closing := newTestDMC(t)
	closing.Update(-1)
	want := -0.08 - 1*tick*0.042 + 1.0/300
	assert.InDelta(t, want, closing.GetIntegrator(), 1e-12)
	assert.Greater(t, closing.GetDiagnostics().Factor, 1.0, "closing on the lead adds distance")
}

func TestDMCDrainsWithinResetWindow(t *testing.T) {
	c := newTestDMC(t)
	c.Update(-100)
	require.InDelta(t, -1.0+1.0/300, c.GetIntegrator(), 1e-12)

	ticks := int(15 / tick)
	for i := 0; i < ticks; i++ {
		c.Update(0)
	}
	assert.LessOrEqual(t, math.Abs(c.GetIntegrator()), integratorDeadband)
	assert.InDelta(t, 1.0, c.GetDiagnostics().Factor, 0.002)
}

func TestDMCDeadbandStopsDrain(t *testing.T) {
	c := newTestDMC(t)
	c.Update(0.04) // i = 0.04*0.05*0.042, inside the deadband
	i := c.GetIntegrator()
	c.Update(0.04)
	// no derivative and no drain, only another proportional step
	assert.InDelta(t, 2*i, c.GetIntegrator(), 1e-15)
}

func TestDMCRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig().VelocityDMC
	cfg.Clip = []float64{0, 0.5, 1}
	_, err := NewDistanceModController(cfg, tick)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig().VelocityDMC
	cfg.ResetSeconds = 0
	_, err = NewDistanceModController(cfg, tick)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
