package control

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/samber/lo"

	"acc-follow-core/utils"
)

// LeadTrack is the tracker's view of the lead vehicle.
type LeadTrack struct {
	Status   bool
	DRel     float64 // relative distance, m
	VLead    float64 // absolute lead speed, m/s
	ALeadK   float64 // filtered lead acceleration, m/s²
	ALeadTau float64 // lead acceleration decay time constant, s
}

// Plan is the shim's output for one tick.
type Plan struct {
	TR         float64
	VMPC       float64
	AMPC       float64
	VMPCFuture float64
	NewLead    bool
	Reset      bool
	Overridden bool
}

// Divergence flags a solver solution that cannot be trusted.
type Divergence struct {
	Backwards bool
	Crashing  bool
	NaNs      bool
}

// Telemetry is one solver record for diagnostics.
type Telemetry struct {
	MPCID           int
	Time            time.Time
	XEgo            []float64
	VEgo            []float64
	AEgo            []float64
	XLead           []float64
	VLead           []float64
	Cost            float64
	ALeadTau        float64
	QPIterations    int
	CalculationTime time.Duration
	TR              float64
	Reset           bool
	Follow          FollowDiagnostics
}

// TelemetrySink publishes telemetry records.
type TelemetrySink interface {
	Publish(t Telemetry) error
}

// PlannerOptions configures a LongitudinalMPC beyond its tuning.
type PlannerOptions struct {
	// Replay suppresses cost pushes from dynamic follow.
	Replay bool
	Clock  utils.Clock
	Log    *utils.Logger
	// Inputs delivers driver button gestures; polled without blocking.
	Inputs <-chan InputEvent
	// Status receives the headway source after every input; never blocks.
	Status chan<- StatusEvent
}

// LongitudinalMPC feeds ego and lead state through dynamic follow into the
// solver each tick and resets the solver when its solution diverges.
type LongitudinalMPC struct {
	mpcID  int
	cfg    Config
	follow *DynamicFollow
	solver Solver
	clock  utils.Clock
	log    *utils.Logger

	defaultWeights CostWeights

	state    SolverState
	solution Solution
	nIts     int
	duration time.Duration

	vMPC       float64
	aMPC       float64
	vMPCFuture float64
	tr         float64
	aLeadTau   float64

	prevLeadStatus bool
	prevLeadX      float64
	newLead        bool
	lastReset      bool

	lastResetLog time.Time
	resets       int

	override *float64
	inputs   <-chan InputEvent
	status   chan<- StatusEvent
}

// NewLongitudinalMPC builds the shim and initialises the solver.
func NewLongitudinalMPC(mpcID int, cfg Config, solver Solver, opts PlannerOptions) (*LongitudinalMPC, error) {
	if solver == nil {
		return nil, fmt.Errorf("mpc %d: nil solver", mpcID)
	}
	clock := opts.Clock
	if clock == nil {
		clock = utils.RealClock{}
	}
	log := opts.Log
	if log == nil {
		log = utils.NewWriterLogger(io.Discard, utils.CRITICAL)
	}

	follow, err := NewDynamicFollow(mpcID, cfg, solver, FollowOptions{
		Replay: opts.Replay,
		Clock:  clock,
		Log:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("mpc %d: %w", mpcID, err)
	}

	m := &LongitudinalMPC{
		mpcID:  mpcID,
		cfg:    cfg,
		follow: follow,
		solver: solver,
		clock:  clock,
		log:    log.WithModule(fmt.Sprintf("long_mpc.%d", mpcID)),
		defaultWeights: CostWeights{
			TimeCriticality: cfg.Cost.Default,
			Acceleration:    cfg.Cost.Acceleration,
			Jerk:            cfg.Cost.Jerk,
		},
		tr:       cfg.Follow.DefaultTR,
		aLeadTau: cfg.Planner.LeadAccelTau,
		inputs:   opts.Inputs,
		status:   opts.Status,
	}
	m.solver.Init(m.defaultWeights)
	return m, nil
}

// SetCurState sets the ego start of the next solve.
func (m *LongitudinalMPC) SetCurState(v, a float64) {
	m.state.VEgo = v
	m.state.AEgo = a
}

// SetManualOverride pins TR to *tr, or returns control to dynamic follow
// when tr is nil.
func (m *LongitudinalMPC) SetManualOverride(tr *float64) {
	if tr == nil {
		m.override = nil
		return
	}
	v := ClampFloat(*tr, m.cfg.Follow.MinTR, m.cfg.Follow.MaxTR)
	m.override = &v
}

// ManualOverride returns the pinned TR, if any.
func (m *LongitudinalMPC) ManualOverride() (float64, bool) {
	if m.override == nil {
		return 0, false
	}
	return *m.override, true
}

// HandleInput applies one driver gesture: a long press toggles the override.
// Every gesture reports the resulting status.
func (m *LongitudinalMPC) HandleInput(ev InputEvent) {
	if ev == NoPress {
		return
	}
	if ev == LongPress {
		if m.override == nil {
			m.SetManualOverride(&m.cfg.Override.TR)
		} else {
			m.SetManualOverride(nil)
		}
		m.log.Info("manual override %s", m.statusEvent())
	}
	m.emitStatus()
}

func (m *LongitudinalMPC) statusEvent() StatusEvent {
	if m.override != nil {
		return StatusOverridden
	}
	return StatusDynamic
}

func (m *LongitudinalMPC) emitStatus() {
	if m.status == nil {
		return
	}
	ev := m.statusEvent()
	select {
	case m.status <- ev:
	default:
		m.log.Error("status queue full, dropping %s", ev)
	}
}

func (m *LongitudinalMPC) pollInput() {
	if m.inputs == nil {
		return
	}
	select {
	case ev, ok := <-m.inputs:
		if !ok {
			m.inputs = nil
			return
		}
		m.HandleInput(ev)
	default:
	}
}

// Update runs one planning tick. lead may be nil when nothing is tracked.
func (m *LongitudinalMPC) Update(cs CarState, lead *LeadTrack) Plan {
	m.pollInput()

	vEgo := cs.VEgo
	p := m.cfg.Planner
	m.state.XEgo = 0

	var aLead float64
	if lead != nil && lead.Status {
		xLead := lead.DRel
		vLead := math.Max(0, lead.VLead)
		aLead = lead.ALeadK

		// a lead that would stop behind its current position coasts instead
		if vLead < p.MinLeadSpeedMPS || -aLead/2 > vLead {
			vLead = 0
			aLead = 0
		}

		m.aLeadTau = lead.ALeadTau
		m.newLead = false
		if !m.prevLeadStatus || math.Abs(xLead-m.prevLeadX) > p.NewLeadJumpM {
			m.solver.InitWithSimulation(m.vMPC, xLead, vLead, aLead, m.aLeadTau)
			m.newLead = true
		}

		m.follow.UpdateLead(LeadData{
			Status:  true,
			VLead:   vLead,
			ALead:   aLead,
			XLead:   xLead,
			NewLead: m.newLead,
		})
		m.prevLeadStatus = true
		m.prevLeadX = xLead
		m.state.XLead = xLead
		m.state.VLead = vLead
	} else {
		m.follow.UpdateLead(LeadData{})
		m.prevLeadStatus = false
		m.newLead = false
		// fake a fast lead so the solver stays well-posed
		m.state.XLead = p.FakeLeadDistanceM
		m.state.VLead = vEgo + p.FakeLeadSpeedUp
		m.aLeadTau = p.LeadAccelTau
	}

	if m.override != nil {
		m.tr = *m.override
	} else {
		m.tr = m.follow.Update(cs)
	}

	start := m.clock.Now()
	m.solution, m.nIts = m.solver.RunMPC(&m.state, m.aLeadTau, aLead, m.tr)
	m.duration = m.clock.Since(start)

	m.vMPC = sampleAt(m.solution.VEgo, 1)
	m.aMPC = sampleAt(m.solution.AEgo, 1)
	m.vMPCFuture = sampleAt(m.solution.VEgo, 10)

	div := CheckDivergence(m.solution, p.BackwardsTolMPS, p.CrashingGapM)
	m.lastReset = ((div.Backwards || div.Crashing) && m.prevLeadStatus) || div.NaNs
	if m.lastReset {
		m.reset(cs, div)
	}

	return Plan{
		TR:         m.tr,
		VMPC:       m.vMPC,
		AMPC:       m.aMPC,
		VMPCFuture: m.vMPCFuture,
		NewLead:    m.newLead,
		Reset:      m.lastReset,
		Overridden: m.override != nil,
	}
}

func (m *LongitudinalMPC) reset(cs CarState, div Divergence) {
	now := m.clock.Now()
	window := secondsToDuration(m.cfg.Planner.ResetLogWindowS)
	if m.lastResetLog.IsZero() || now.Sub(m.lastResetLog) > window {
		m.lastResetLog = now
		m.log.Warn("Longitudinal mpc %d reset - backwards: %t crashing: %t nan: %t",
			m.mpcID, div.Backwards, div.Crashing, div.NaNs)
	}

	m.solver.Init(m.defaultWeights)
	m.follow.InvalidateCost()
	m.state.VEgo = cs.VEgo
	m.state.AEgo = 0
	m.vMPC = cs.VEgo
	m.aMPC = cs.AEgo
	m.prevLeadStatus = false
	m.resets++
}

// CheckDivergence inspects a solution for NaN velocities, backwards motion
// and a trajectory passing through the lead. An empty velocity trajectory
// counts as NaN.
func CheckDivergence(sol Solution, backwardsTol, crashingGap float64) Divergence {
	var d Divergence
	if len(sol.VEgo) == 0 {
		d.NaNs = true
		return d
	}
	d.NaNs = lo.SomeBy(sol.VEgo, math.IsNaN)
	d.Backwards = lo.Min(sol.VEgo) < backwardsTol
	n := min(len(sol.XLead), len(sol.XEgo))
	for i := 0; i < n; i++ {
		if sol.XLead[i]-sol.XEgo[i] < crashingGap {
			d.Crashing = true
			break
		}
	}
	return d
}

// sampleAt returns s[i], the last sample when s is shorter, or 0 when empty.
func sampleAt(s []float64, i int) float64 {
	if len(s) == 0 {
		return 0
	}
	if i >= len(s) {
		return s[len(s)-1]
	}
	return s[i]
}

// Publish sends the last solution to sink.
func (m *LongitudinalMPC) Publish(sink TelemetrySink) error {
	if sink == nil {
		return nil
	}
	return sink.Publish(Telemetry{
		MPCID:           m.mpcID,
		Time:            m.clock.Now(),
		XEgo:            m.solution.XEgo,
		VEgo:            m.solution.VEgo,
		AEgo:            m.solution.AEgo,
		XLead:           m.solution.XLead,
		VLead:           m.solution.VLead,
		Cost:            m.solution.Cost,
		ALeadTau:        m.aLeadTau,
		QPIterations:    max(0, m.nIts),
		CalculationTime: m.duration,
		TR:              m.tr,
		Reset:           m.lastReset,
		Follow:          m.follow.GetDiagnostics(),
	})
}

// Follow returns the dynamic follow engine.
func (m *LongitudinalMPC) Follow() *DynamicFollow {
	return m.follow
}

// Resets returns how many times the solver was reset after divergence.
func (m *LongitudinalMPC) Resets() int {
	return m.resets
}

// State returns the solver start state used by the last solve.
func (m *LongitudinalMPC) State() SolverState {
	return m.state
}

// MPCID returns the planner id.
func (m *LongitudinalMPC) MPCID() int {
	return m.mpcID
}
