package control

// CostWeights are the MPC weights dynamic follow is allowed to touch.
type CostWeights struct {
	TimeCriticality float64
	Acceleration    float64
	Jerk            float64
}

// SolverState is the initial condition handed to the solver each tick.
type SolverState struct {
	XEgo  float64
	VEgo  float64
	AEgo  float64
	XLead float64
	VLead float64
}

// Solution is the predicted trajectory over the solver horizon.
type Solution struct {
	XEgo  []float64
	VEgo  []float64
	AEgo  []float64
	XLead []float64
	VLead []float64
	Cost  float64
}

// CostSink receives cost updates.
type CostSink interface {
	ChangeCosts(w CostWeights)
}

// Solver is the longitudinal MPC optimiser. Implementations keep an internal
// trajectory seed which Init and InitWithSimulation reset.
type Solver interface {
	CostSink
	Init(w CostWeights)
	InitWithSimulation(vEgo, xLead, vLead, aLead, aLeadTau float64)
	// RunMPC solves from state and returns the solution and the number of
	// QP iterations (negative on solver failure).
	RunMPC(state *SolverState, aLeadTau, aLead, tr float64) (Solution, int)
}
