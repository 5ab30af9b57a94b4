package main

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	control "acc-follow-core/closed_loop/longitudinal_control"
)

var defaultWeights = control.CostWeights{TimeCriticality: 0.1, Acceleration: 10, Jerk: 20}

func newTestSolver() *KinematicSolver {
	s := NewKinematicSolver(DefaultKinematicSolverConfig())
	s.Init(defaultWeights)
	return s
}

func TestKinematicSolverSteadyFollow(t *testing.T) {
	s := newTestSolver()
	tr := 1.8
	state := &control.SolverState{VEgo: 20, XLead: tr*20 + 4, VLead: 20}

	sol, its := s.RunMPC(state, 1.5, 0, tr)
	assert.Equal(t, 1, its)
	require.Len(t, sol.VEgo, 21)
	for i := range sol.VEgo {
		assert.InDelta(t, 20, sol.VEgo[i], 1e-9)
		assert.InDelta(t, 0, sol.AEgo[i], 1e-9)
		assert.InDelta(t, sol.XLead[i]-sol.XEgo[i], tr*20+4, 1e-9)
	}
	assert.InDelta(t, 0, sol.Cost, 1e-9)
	assert.Equal(t, control.Divergence{}, control.CheckDivergence(sol, -0.01, -50))
}

func TestKinematicSolverBrakesForLead(t *testing.T) {
	s := newTestSolver()
	state := &control.SolverState{VEgo: 20, XLead: 30, VLead: 15}

	sol, _ := s.RunMPC(state, 1.5, -3, 1.8)
	assert.Less(t, sol.AEgo[1], 0.0)
	assert.Less(t, sol.VEgo[20], 20.0)
	assert.GreaterOrEqual(t, lo.Min(sol.VEgo), 0.0, "never reverses")
	assert.GreaterOrEqual(t, lo.Min(sol.VLead), 0.0)
	assert.Less(t, sol.VLead[20], 15.0, "lead decelerates over the horizon")
	assert.Greater(t, sol.Cost, 0.0)
}

func TestKinematicSolverStopsAtStandstill(t *testing.T) {
	s := newTestSolver()
	state := &control.SolverState{VEgo: 1, AEgo: -3, XLead: 5, VLead: 0}

	sol, _ := s.RunMPC(state, 1.5, 0, 1.8)
	assert.GreaterOrEqual(t, lo.Min(sol.VEgo), 0.0)
	assert.Equal(t, control.Divergence{}, control.CheckDivergence(sol, -0.01, -50))
}

func TestKinematicSolverJerkFollowsWeight(t *testing.T) {
	soft := newTestSolver()
	stiff := newTestSolver()
	stiff.ChangeCosts(control.CostWeights{TimeCriticality: 0.1, Acceleration: 10, Jerk: 80})

	state := control.SolverState{VEgo: 10, XLead: 100, VLead: 20}
	a, _ := soft.RunMPC(&state, 1.5, 0, 1.8)
	b, _ := stiff.RunMPC(&state, 1.5, 0, 1.8)
	assert.Greater(t, a.AEgo[1], b.AEgo[1], "a heavier jerk weight ramps slower")
}

func TestKinematicSolverSeeds(t *testing.T) {
	s := newTestSolver()
	s.InitWithSimulation(10, 30, 14, 0, 1.5)
	assert.Equal(t, 1, s.simInits)

	state := &control.SolverState{VEgo: 10, XLead: 30, VLead: 14}
	sol, _ := s.RunMPC(state, 1.5, 0, 1.8)
	assert.InDelta(t, 2.0, sol.AEgo[0], 1e-12, "seed is the speed-matching accel, capped")

	sol, _ = s.RunMPC(state, 1.5, 0, 1.8)
	assert.Equal(t, 0.0, sol.AEgo[0], "seed is used once")

	s.InitWithSimulation(10, 30, 14, 0, 1.5)
	s.Init(defaultWeights)
	sol, _ = s.RunMPC(state, 1.5, 0, 1.8)
	assert.Equal(t, 0.0, sol.AEgo[0], "Init clears the seed")
	assert.Equal(t, 2, s.inits)
}

func TestNewKinematicSolverFillsDefaults(t *testing.T) {
	s := NewKinematicSolver(KinematicSolverConfig{MaxAccel: 2, MaxDecel: 3.5})
	s.Init(defaultWeights)
	sol, _ := s.RunMPC(&control.SolverState{VEgo: 5, XLead: 50, VLead: 5}, 1.5, 0, 1.8)
	assert.Len(t, sol.XEgo, 21)
}

func TestKinematicSolverJerkLimitTable(t *testing.T) {
	state := control.SolverState{VEgo: 10, XLead: 100, VLead: 20}
	for _, tt := range []struct {
		jerk, firstA float64
	}{
		{1, 1.6}, // below the table holds the softest limit
		{5, 1.6},
		{20, 0.4},
		{80, 0.1},
		{500, 0.1},
	} {
		s := newTestSolver()
		s.ChangeCosts(control.CostWeights{TimeCriticality: 0.1, Acceleration: 10, Jerk: tt.jerk})
		sol, _ := s.RunMPC(&state, 1.5, 0, 1.8)
		assert.InDelta(t, tt.firstA, sol.AEgo[1], 1e-9, "jerk weight %v", tt.jerk)
	}
}
