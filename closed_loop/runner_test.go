package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	control "acc-follow-core/closed_loop/longitudinal_control"
	"acc-follow-core/utils"
)

const (
	testMapPath      = "../config/can/can_map.csv"
	testScenarioPath = "../config/scenarios/stop_and_go.json"
	testTuningPath   = "../config/tuning.yaml"
)

func quietLog() *utils.Logger {
	return utils.NewWriterLogger(io.Discard, utils.CRITICAL)
}

func writeTuning(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestShippedTuningMatchesDefaults(t *testing.T) {
	cfg, err := control.LoadConfig(testTuningPath)
	require.NoError(t, err)
	def := control.DefaultConfig()
	assert.InDelta(t, def.Follow.SngSpeedMPS, cfg.Follow.SngSpeedMPS, 1e-9)
	cfg.Follow.SngSpeedMPS = def.Follow.SngSpeedMPS
	assert.Equal(t, def.Follow, cfg.Follow)
	assert.Equal(t, def.Cost, cfg.Cost)
	assert.Equal(t, def.Planner, cfg.Planner)
	assert.InDelta(t, def.AccelDMC.Ki, cfg.AccelDMC.Ki, 1e-12)
}

func TestReplayStopAndGo(t *testing.T) {
	tuning := writeTuning(t, "telemetry:\n  enabled: true\n  db_path: \":memory:\"\n")
	r, err := NewRunner(context.Background(), RunnerConfig{
		ConfigPath: tuning,
		ReplayPath: testScenarioPath,
		MPCID:      1,
	}, quietLog())
	require.NoError(t, err)
	defer r.Close()

	res, err := r.Replay(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1800, res.Ticks)
	assert.Zero(t, res.Resets)
	assert.Greater(t, res.MinGapM, 2.0, "ego stops behind the lead")
	assert.GreaterOrEqual(t, res.MinTR, 1.0)
	assert.LessOrEqual(t, res.MaxTR, 2.7)
	assert.Greater(t, res.StopAndGo, 0, "pulling away from the stop latches stop-and-go")
	assert.InDelta(t, 300, res.Overridden, 1, "long press at 45 s, long press again at 60 s")
	assert.Equal(t, []control.StatusEvent{
		control.StatusOverridden, // long press
		control.StatusOverridden, // short press reports, does not toggle
		control.StatusDynamic,    // long press releases the override
	}, res.StatusEvents)
	assert.Equal(t, 1.8, res.FinalTR, "lead cut out falls back to the default")
	assert.InDelta(t, 25.0, res.FinalVEgo, 0.5, "cruise resumes the set speed")

	assert.Equal(t, 1800, res.Published)
	assert.Zero(t, res.PublishErrors)
	n, err := r.store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1800, n)

	// replay never touches solver costs
	assert.Equal(t, control.CostWeights{TimeCriticality: 0.1, Acceleration: 10, Jerk: 20}, r.solver.weights)
}

func TestReplayHonoursContext(t *testing.T) {
	r, err := NewRunner(context.Background(), RunnerConfig{ReplayPath: testScenarioPath}, quietLog())
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Replay(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
}

func TestRunnerRefusesTickMismatch(t *testing.T) {
	tuning := writeTuning(t, "follow:\n  tick_period_s: 0.02\n")
	_, err := NewRunner(context.Background(), RunnerConfig{
		Interface:  "vcan-missing",
		MapPath:    testMapPath,
		ConfigPath: tuning,
	}, quietLog())
	require.Error(t, err)
	assert.ErrorIs(t, err, control.ErrInvalidConfig)
}

func TestRunnerRejectsUnknownFrame(t *testing.T) {
	_, err := NewRunner(context.Background(), RunnerConfig{
		Interface: "vcan-missing",
		MapPath:   testMapPath,
		FrameName: "ACTUATOR_CMD_1",
	}, quietLog())
	assert.ErrorContains(t, err, "only ACC_FOLLOW_CMD is supported")
}

func TestRunnerStartupErrors(t *testing.T) {
	_, err := NewRunner(context.Background(), RunnerConfig{ReplayPath: "missing.json"}, quietLog())
	assert.ErrorContains(t, err, "load scenario")

	_, err = NewRunner(context.Background(), RunnerConfig{ConfigPath: "missing.yaml"}, quietLog())
	assert.ErrorContains(t, err, "load config")

	_, err = NewRunner(context.Background(), RunnerConfig{MapPath: "missing.csv"}, quietLog())
	assert.ErrorContains(t, err, "load can map")
}

func TestCheckTickPeriod(t *testing.T) {
	fd := &utils.FrameDef{Name: "ACC_FOLLOW_CMD", CycleMS: 50}
	assert.NoError(t, checkTickPeriod(fd, 0.05))
	assert.ErrorIs(t, checkTickPeriod(fd, 0.1), control.ErrInvalidConfig)

	fd.CycleMS = 0
	assert.Error(t, checkTickPeriod(fd, 0.05))
}

func TestStartState(t *testing.T) {
	car := control.CarState{VEgo: 10, AEgo: 0.5}
	prev := control.Plan{VMPC: 11, AMPC: 0.7}

	v, a := startState(car, prev, true)
	assert.Equal(t, 10.0, v, "disengaged uses measured state")
	assert.Equal(t, 0.5, a)

	car.CruiseEnabled = true
	v, a = startState(car, prev, true)
	assert.Equal(t, 11.0, v)
	assert.Equal(t, 0.7, a)

	v, _ = startState(car, prev, false)
	assert.Equal(t, 10.0, v)
}

func TestCruiseAccel(t *testing.T) {
	assert.Equal(t, 1.5, cruiseAccel(30, 20))
	assert.Equal(t, -1.0, cruiseAccel(10, 20))
	assert.InDelta(t, 0.25, cruiseAccel(20.5, 20), 1e-12)
}

type fakeWriter struct{ frames []can.Frame }

func (w *fakeWriter) WriteFrame(_ context.Context, f can.Frame) error {
	w.frames = append(w.frames, f)
	return nil
}
func (w *fakeWriter) Close() error { return nil }

type failingReader struct{ err error }

func (r failingReader) ReadFrame(context.Context) (can.Frame, error) { return can.Frame{}, r.err }
func (r failingReader) Close() error                                 { return nil }

// newLiveTestRunner builds a runner wired to fake CAN endpoints.
func newLiveTestRunner(t *testing.T, reader utils.CANReader) *Runner {
	t.Helper()
	r, err := NewRunner(context.Background(), RunnerConfig{ReplayPath: testScenarioPath}, quietLog())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	r.scen = nil
	r.cmap = loadShippedMap(t)
	r.fd, err = checkCANMap(r.cmap)
	require.NoError(t, err)
	r.writer = &fakeWriter{}
	r.reader = reader
	return r
}

func TestRepeatedDriverInputTogglesOnce(t *testing.T) {
	r := newLiveTestRunner(t, failingReader{})
	st := liveState{}
	frame := func(ms, seq float64) Feedback {
		f, err := r.cmap.EncodeEinrideFrame(frameDriverInput, map[string]float64{"press_duration_ms": ms, "press_counter": seq})
		require.NoError(t, err)
		fb, ok, err := decodeFeedback(r.cmap, f, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		return fb
	}
	tick := func() control.Plan {
		r.planner.SetCurState(20, 0)
		return r.planner.Update(control.CarState{VEgo: 20}, nil)
	}

	r.applyFeedback(&st, frame(0, 0))
	for i := 0; i < 3; i++ {
		r.applyFeedback(&st, frame(3200, 1))
		assert.True(t, tick().Overridden, "cycle %d", i)
	}
	assert.Empty(t, r.inputs)

	r.applyFeedback(&st, frame(3200, 2))
	assert.False(t, tick().Overridden)
	r.applyFeedback(&st, frame(3200, 2))
	assert.False(t, tick().Overridden)
}

func TestRunLiveStopsWhenRXDies(t *testing.T) {
	r := newLiveTestRunner(t, failingReader{err: errors.New("bus off")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorContains(t, err, "bus off")
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckFeedbackAge(t *testing.T) {
	log := quietLog()
	stale := false

	require.NoError(t, checkFeedbackAge(100*time.Millisecond, &stale, log))
	assert.False(t, stale)
	require.NoError(t, checkFeedbackAge(600*time.Millisecond, &stale, log))
	assert.True(t, stale)
	require.NoError(t, checkFeedbackAge(50*time.Millisecond, &stale, log))
	assert.False(t, stale)

	err := checkFeedbackAge(3*time.Second, &stale, log)
	assert.ErrorIs(t, err, errFeedbackLost)
}
