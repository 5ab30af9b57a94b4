package control

import (
	"fmt"
	"io"
	"math"
	"time"

	"acc-follow-core/utils"
)

// CarState is the vehicle state input for one tick.
type CarState struct {
	VEgo          float64
	AEgo          float64
	LeftBlinker   bool
	RightBlinker  bool
	CruiseEnabled bool
}

// CarData is the engine's copy of the last CarState.
type CarData struct {
	VEgo          float64
	AEgo          float64
	LeftBlinker   bool
	RightBlinker  bool
	CruiseEnabled bool
}

// LeadData is the lead state for one tick. Invalid leads carry zero values.
type LeadData struct {
	Status  bool
	VLead   float64
	ALead   float64
	XLead   float64
	NewLead bool
}

// FollowOptions configures a DynamicFollow beyond its tuning.
type FollowOptions struct {
	// Replay disables cost pushes for offline runs without a live solver.
	Replay bool
	Clock  utils.Clock
	Log    *utils.Logger
}

// DynamicFollow computes the desired time headway (TR) every tick from ego
// speed, two distance modulation controllers and a stop-and-go latch.
type DynamicFollow struct {
	mpcID int
	cfg   FollowConfig

	dmcVRel *DistanceModController
	dmcARel *DistanceModController
	history *History
	costs   *CostMapper

	baseline *Curve
	sngCurve *Curve

	replay bool
	clock  utils.Clock
	log    *utils.Logger

	tr       float64
	sng      bool
	carData  CarData
	leadData LeadData
}

// FollowDiagnostics contains engine state for monitoring
type FollowDiagnostics struct {
	TR          float64
	StopAndGo   bool
	VRel        DMCDiagnostics
	ARel        DMCDiagnostics
	RelSamples  int
	EgoSamples  int
	LastCost    float64
	CostPushes  int
	LeadPresent bool
}

// NewDynamicFollow builds the engine for one MPC instance. sink receives cost
// updates; it may be nil in replay mode.
func NewDynamicFollow(mpcID int, cfg Config, sink CostSink, opts FollowOptions) (*DynamicFollow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := cfg.Follow

	dmcV, err := NewDistanceModController(cfg.VelocityDMC, f.TickPeriodS)
	if err != nil {
		return nil, fmt.Errorf("velocity dmc: %w", err)
	}
	dmcA, err := NewDistanceModController(cfg.AccelDMC, f.TickPeriodS)
	if err != nil {
		return nil, fmt.Errorf("accel dmc: %w", err)
	}
	costs, err := NewCostMapper(cfg.Cost, sink)
	if err != nil {
		return nil, fmt.Errorf("cost mapper: %w", err)
	}
	baseline, err := NewCurve(f.BaselineSpeedMPS, f.BaselineTR)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	sngCurve, err := NewCurve(
		[]float64{f.SngSpeedMPS * f.SngLowRatio, f.SngSpeedMPS},
		[]float64{f.SngTR, baseline.At(f.SngSpeedMPS)},
	)
	if err != nil {
		return nil, fmt.Errorf("stop-and-go curve: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = utils.RealClock{}
	}
	log := opts.Log
	if log == nil {
		log = utils.NewWriterLogger(io.Discard, utils.CRITICAL)
	}

	return &DynamicFollow{
		mpcID:    mpcID,
		cfg:      f,
		dmcVRel:  dmcV,
		dmcARel:  dmcA,
		history:  NewHistory(f.VRelRetentionS, f.VEgoRetentionS),
		costs:    costs,
		baseline: baseline,
		sngCurve: sngCurve,
		replay:   opts.Replay,
		clock:    clock,
		log:      log.WithModule(fmt.Sprintf("dynamic_follow.%d", mpcID)),
		tr:       f.DefaultTR,
	}, nil
}

// UpdateLead overwrites the lead state. Call every tick, with a zero
// LeadData when there is no lead.
func (df *DynamicFollow) UpdateLead(lead LeadData) {
	df.leadData = lead
}

// Update refreshes the car state, recomputes TR and pushes the mapped cost.
func (df *DynamicFollow) Update(cs CarState) float64 {
	df.updateCar(cs)
	now := df.clock.Now()

	switch {
	case !finite(df.carData.VEgo, df.carData.AEgo):
		df.log.Warn("non-finite car state v=%v a=%v, using default TR", df.carData.VEgo, df.carData.AEgo)
		df.tr = df.cfg.DefaultTR
	case !df.leadData.Status:
		df.history.AddEgo(EgoSample{VEgo: df.carData.VEgo, Time: now})
		df.tr = df.cfg.DefaultTR
	case !finite(df.leadData.VLead, df.leadData.ALead):
		df.log.Warn("non-finite lead state v=%v a=%v, using default TR", df.leadData.VLead, df.leadData.ALead)
		df.history.AddEgo(EgoSample{VEgo: df.carData.VEgo, Time: now})
		df.tr = df.cfg.DefaultTR
	default:
		df.storeSamples(now)
		df.tr = df.computeTR()
	}

	if !df.replay && df.costs.Apply(df.tr) {
		df.log.Debug("cost changed: tr=%.3f cost=%.4f", df.tr, df.costs.Cost(df.tr))
	}
	return df.tr
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (df *DynamicFollow) updateCar(cs CarState) {
	df.carData = CarData(cs)
}

func (df *DynamicFollow) storeSamples(now time.Time) {
	df.history.AddRel(RelSample{
		VEgo:  df.carData.VEgo,
		VLead: df.leadData.VLead,
		Time:  now,
	}, df.leadData.NewLead)
	df.history.AddEgo(EgoSample{VEgo: df.carData.VEgo, Time: now})
}

func (df *DynamicFollow) computeTR() float64 {
	vEgo := df.carData.VEgo
	vFactor := df.dmcVRel.Update(df.leadData.VLead - vEgo)
	aFactor := df.dmcARel.Update(df.leadData.ALead - df.carData.AEgo)

	tr := df.baseline.At(vEgo) * vFactor * aFactor

	if vEgo > df.cfg.SngSpeedMPS {
		df.sng = false
	}

	// Keep the normal headway above stop-and-go speed or while slowing down;
	// once the car reaccelerates from low speed hold the latch until it is
	// above stop-and-go speed again.
	oldest, _ := df.history.OldestEgo()
	normal := (vEgo >= df.cfg.SngSpeedMPS || oldest.VEgo >= vEgo) && !df.sng
	if !normal {
		df.sng = true
		tr = df.sngCurve.At(vEgo)
	}

	return ClampFloat(tr, df.cfg.MinTR, df.cfg.MaxTR)
}

// InvalidateCost makes the next Update re-push the cost regardless of change.
func (df *DynamicFollow) InvalidateCost() {
	df.costs.Invalidate()
}

// TR returns the last computed headway.
func (df *DynamicFollow) TR() float64 {
	return df.tr
}

// Cost returns the time-criticality weight for the current headway.
func (df *DynamicFollow) Cost() float64 {
	return df.costs.Cost(df.tr)
}

// Baseline returns the speed-only headway at vEgo.
func (df *DynamicFollow) Baseline(vEgo float64) float64 {
	return df.baseline.At(vEgo)
}

// StopAndGoTR returns the reacceleration headway at vEgo.
func (df *DynamicFollow) StopAndGoTR(vEgo float64) float64 {
	return df.sngCurve.At(vEgo)
}

// History exposes the sample buffers for inspection.
func (df *DynamicFollow) History() *History {
	return df.history
}

// GetDiagnostics returns current engine state for logging/debugging
func (df *DynamicFollow) GetDiagnostics() FollowDiagnostics {
	lastCost, _ := df.costs.LastCost()
	return FollowDiagnostics{
		TR:          df.tr,
		StopAndGo:   df.sng,
		VRel:        df.dmcVRel.GetDiagnostics(),
		ARel:        df.dmcARel.GetDiagnostics(),
		RelSamples:  len(df.history.rels),
		EgoSamples:  len(df.history.egos),
		LastCost:    lastCost,
		CostPushes:  df.costs.Pushes(),
		LeadPresent: df.leadData.Status,
	}
}
