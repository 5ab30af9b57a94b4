package utils

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock(t *testing.T) {
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), c.Now())
	assert.Equal(t, 1500*time.Millisecond, c.Since(start))

	later := start.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestRealClockMovesForward(t *testing.T) {
	var c Clock = RealClock{}
	before := c.Now()
	assert.GreaterOrEqual(t, c.Since(before), time.Duration(0))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, TRACE, ParseLevel("trace"))
	assert.Equal(t, WARN, ParseLevel(" Warning "))
	assert.Equal(t, CRITICAL, ParseLevel("critical"))
	assert.Equal(t, INFO, ParseLevel("loud"))
	assert.Equal(t, "ERROR", ERROR.String())
}

func TestLoggerLevelsAndModule(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, INFO).WithModule("planner")

	log.Debug("hidden %d", 1)
	log.Info("shown %d", 2)
	log.Critical("bad %s", "thing")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "module=planner")
	assert.Contains(t, out, "critical=true")
}
