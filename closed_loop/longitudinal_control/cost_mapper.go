package control

// CostMapper converts headway into the time-criticality weight and pushes it
// to the solver only when it changes. Solver reconfiguration is not free.
type CostMapper struct {
	curve        *Curve
	acceleration float64
	jerk         float64

	sink     CostSink
	lastCost float64
	pushed   bool
	pushes   int
}

func NewCostMapper(cfg CostConfig, sink CostSink) (*CostMapper, error) {
	curve, err := NewCurve(cfg.TRs, cfg.Costs)
	if err != nil {
		return nil, err
	}
	return &CostMapper{
		curve:        curve,
		acceleration: cfg.Acceleration,
		jerk:         cfg.Jerk,
		sink:         sink,
	}, nil
}

// Cost maps tr to the time-criticality weight.
func (m *CostMapper) Cost(tr float64) float64 {
	return m.curve.At(tr)
}

// Weights maps tr to the full weight triple.
func (m *CostMapper) Weights(tr float64) CostWeights {
	return CostWeights{
		TimeCriticality: m.Cost(tr),
		Acceleration:    m.acceleration,
		Jerk:            m.jerk,
	}
}

// Apply pushes the weights for tr when the mapped cost differs from the last
// push. It reports whether a push happened.
func (m *CostMapper) Apply(tr float64) bool {
	w := m.Weights(tr)
	if m.pushed && w.TimeCriticality == m.lastCost {
		return false
	}
	if m.sink != nil {
		m.sink.ChangeCosts(w)
	}
	m.lastCost = w.TimeCriticality
	m.pushed = true
	m.pushes++
	return true
}

// Invalidate forgets the last push, e.g. after the solver was reinitialised
// with its default weights.
func (m *CostMapper) Invalidate() {
	m.pushed = false
}

// LastCost returns the last pushed cost and whether anything was pushed.
func (m *CostMapper) LastCost() (float64, bool) {
	return m.lastCost, m.pushed
}

// Pushes returns how many times weights were pushed.
func (m *CostMapper) Pushes() int {
	return m.pushes
}
