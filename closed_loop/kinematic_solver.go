package main

import (
	"math"

	control "acc-follow-core/closed_loop/longitudinal_control"
)

// KinematicSolverConfig holds the reference solver limits
type KinematicSolverConfig struct {
	Steps     int     `json:"steps"`      // horizon steps after the initial point
	TimeStep  float64 `json:"time_step"`  // s
	MinGapM   float64 `json:"min_gap_m"`  // standstill distance added to TR*v
	MaxAccel  float64 `json:"max_accel"`  // m/s²
	MaxDecel  float64 `json:"max_decel"`  // m/s², positive
	GapGain   float64 `json:"gap_gain"`   // 1/s², scaled up by time-criticality
	SpeedGain float64 `json:"speed_gain"` // 1/s
}

func DefaultKinematicSolverConfig() KinematicSolverConfig {
	return KinematicSolverConfig{
		Steps:     20,
		TimeStep:  0.2,
		MinGapM:   4.0,
		MaxAccel:  2.0,
		MaxDecel:  3.5,
		GapGain:   0.3,
		SpeedGain: 1.0,
	}
}

// KinematicSolver is a stand-in for the native longitudinal MPC. It rolls the
// lead forward with decaying acceleration and picks, per step, the ego
// acceleration that closes the gap error toward TR*v + MinGap and matches the
// lead's speed, limited in acceleration and jerk. It keeps bench runs closed-loop; it does not
// optimise.
type KinematicSolver struct {
	cfg     KinematicSolverConfig
	weights control.CostWeights

	jMax    float64 // m/s³, from the jerk weight

	// seed from InitWithSimulation: first-step acceleration guess
	seedA    float64
	inits    int
	simInits int
}

func NewKinematicSolver(cfg KinematicSolverConfig) *KinematicSolver {
	if cfg.Steps <= 0 {
		cfg.Steps = 20
	}
	if cfg.TimeStep <= 0 {
		cfg.TimeStep = 0.2
	}
	return &KinematicSolver{cfg: cfg, jMax: 2.0}
}

// Jerk limit by jerk weight; the limit softens as the weight drops.
var (
	jerkWeights = []float64{5, 20, 80}
	jerkLimits  = []float64{8, 2, 0.5}
)

func (s *KinematicSolver) setWeights(w control.CostWeights) {
	s.weights = w
	if j := control.Interp(w.Jerk, jerkWeights, jerkLimits); j > 0 {
		s.jMax = j
	}
}

func (s *KinematicSolver) Init(w control.CostWeights) {
	s.setWeights(w)
	s.seedA = 0
	s.inits++
}

func (s *KinematicSolver) ChangeCosts(w control.CostWeights) {
	s.setWeights(w)
}

func (s *KinematicSolver) InitWithSimulation(vEgo, xLead, vLead, aLead, aLeadTau float64) {
	// start from the acceleration that matches the lead's speed over 2 s
	s.seedA = control.ClampFloat((vLead-vEgo)/2.0, -s.cfg.MaxDecel, s.cfg.MaxAccel)
	s.simInits++
}

func (s *KinematicSolver) RunMPC(state *control.SolverState, aLeadTau, aLead, tr float64) (control.Solution, int) {
	n := s.cfg.Steps + 1
	dt := s.cfg.TimeStep
	sol := control.Solution{
		XEgo:  make([]float64, n),
		VEgo:  make([]float64, n),
		AEgo:  make([]float64, n),
		XLead: make([]float64, n),
		VLead: make([]float64, n),
	}

	xE, vE, aE := state.XEgo, state.VEgo, state.AEgo
	xL, vL := state.XLead, state.VLead
	if s.seedA != 0 {
		aE = s.seedA
		s.seedA = 0
	}

	jMax := s.jMax
	gapGain := s.cfg.GapGain * (1 + s.weights.TimeCriticality)
	accelPenalty := 1.0 + 0.01*s.weights.Acceleration

	var cost float64
	for k := 0; k < n; k++ {
		sol.XEgo[k], sol.VEgo[k], sol.AEgo[k] = xE, vE, aE
		sol.XLead[k], sol.VLead[k] = xL, vL

		t := float64(k) * dt
		aL := aLead * math.Exp(-aLeadTau*t*t/2)
		gapErr := (xL - xE) - (tr*vE + s.cfg.MinGapM)
		want := (gapGain*gapErr + s.cfg.SpeedGain*(vL-vE) + aL) / accelPenalty
		want = control.ClampFloat(want, -s.cfg.MaxDecel, s.cfg.MaxAccel)
		jerk := control.ClampFloat((want-aE)/dt, -jMax, jMax)

		cost += (s.weights.TimeCriticality*gapErr*gapErr +
			s.weights.Acceleration*aE*aE +
			s.weights.Jerk*jerk*jerk) * dt

		// advance lead with decaying acceleration
		xL += vL*dt + 0.5*aL*dt*dt
		vL = math.Max(0, vL+aL*dt)

		// advance ego, never reversing
		aE += jerk * dt
		if vE+aE*dt < 0 {
			aE = -vE / dt
		}
		xE += vE*dt + 0.5*aE*dt*dt
		vE = math.Max(0, vE+aE*dt)
	}
	sol.Cost = cost
	return sol, 1
}
