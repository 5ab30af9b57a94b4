package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	control "acc-follow-core/closed_loop/longitudinal_control"
	"acc-follow-core/telemetry"
	"acc-follow-core/utils"
)

const (
	staleFeedback = 500 * time.Millisecond
	// past this the loop gives up instead of planning on frozen state
	lostFeedback = 2 * time.Second
)

var errFeedbackLost = errors.New("vehicle feedback lost")

// replayEpoch is the simulated wall clock at t=0 of a replay.
var replayEpoch = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

type RunnerConfig struct {
	Interface  string
	MapPath    string
	ConfigPath string // tuning YAML; empty uses defaults
	ReplayPath string // scenario JSON; set for offline replay without CAN
	FrameName  string
	MPCID      int
}

type Runner struct {
	cfg    RunnerConfig
	log    *utils.Logger
	tuning control.Config

	// live mode
	cmap   *utils.CANMap
	fd     *utils.FrameDef
	writer utils.CANWriter
	reader utils.CANReader

	// replay mode
	scen  *Scenario
	clock *utils.MockClock

	solver  *KinematicSolver
	planner *control.LongitudinalMPC
	store   *telemetry.Store
	inputs  chan control.InputEvent
	status  chan control.StatusEvent
}

// ReplayResult summarises an offline run.
type ReplayResult struct {
	Ticks         int
	Resets        int
	MinGapM       float64
	MinTR         float64
	MaxTR         float64
	FinalTR       float64
	FinalVEgo     float64
	StopAndGo     int // ticks with the stop-and-go latch set
	Overridden    int // ticks with the manual override active
	StatusEvents  []control.StatusEvent
	Published     int
	PublishErrors int
}

func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	tuning := control.DefaultConfig()
	if cfg.ConfigPath != "" {
		var err error
		tuning, err = control.LoadConfig(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	r := &Runner{
		cfg:    cfg,
		log:    log,
		tuning: tuning,
		solver: NewKinematicSolver(DefaultKinematicSolverConfig()),
		inputs: make(chan control.InputEvent, 4),
		status: make(chan control.StatusEvent, 4),
	}

	var clock utils.Clock = utils.RealClock{}
	replay := cfg.ReplayPath != ""
	if replay {
		scen, err := LoadScenario(cfg.ReplayPath)
		if err != nil {
			return nil, fmt.Errorf("load scenario: %w", err)
		}
		r.scen = &scen
		r.clock = utils.NewMockClock(replayEpoch)
		clock = r.clock
	} else {
		if err := r.openCAN(ctx); err != nil {
			return nil, err
		}
	}

	if tuning.Telemetry.Enabled {
		store, err := telemetry.Open(tuning.Telemetry.DBPath, log)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		r.store = store
		log.Info("Telemetry enabled: db=%s run=%s", tuning.Telemetry.DBPath, store.RunID())
	}

	planner, err := control.NewLongitudinalMPC(cfg.MPCID, tuning, r.solver, control.PlannerOptions{
		Replay: replay,
		Clock:  clock,
		Log:    log,
		Inputs: r.inputs,
		Status: r.status,
	})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("planner: %w", err)
	}
	r.planner = planner

	return r, nil
}

func (r *Runner) openCAN(ctx context.Context) error {
	cmap, err := utils.LoadCANMap(r.cfg.MapPath)
	if err != nil {
		return fmt.Errorf("load can map: %w", err)
	}
	fd, err := checkCANMap(cmap)
	if err != nil {
		return fmt.Errorf("can map: %w", err)
	}
	if r.cfg.FrameName != "" && r.cfg.FrameName != fd.Name {
		return fmt.Errorf("frame %s: only %s is supported", r.cfg.FrameName, fd.Name)
	}
	if err := checkTickPeriod(fd, r.tuning.Follow.TickPeriodS); err != nil {
		return err
	}

	writer, err := utils.NewSocketCANWriter(ctx, r.cfg.Interface)
	if err != nil {
		return err
	}
	reader, err := utils.NewSocketCANReader(ctx, r.cfg.Interface)
	if err != nil {
		_ = writer.Close()
		return err
	}

	r.cmap = cmap
	r.fd = fd
	r.writer = writer
	r.reader = reader
	return nil
}

// checkTickPeriod refuses a command cycle that differs from the period the
// distance controllers integrate with.
func checkTickPeriod(fd *utils.FrameDef, tickPeriodS float64) error {
	if fd.CycleMS <= 0 {
		return fmt.Errorf("frame %s has invalid cycle_ms %d", fd.Name, fd.CycleMS)
	}
	want := int(math.Round(tickPeriodS * 1000))
	if fd.CycleMS != want {
		return fmt.Errorf("%w: frame %s cycle_ms %d does not match tick_period_s %.3f",
			control.ErrInvalidConfig, fd.Name, fd.CycleMS, tickPeriodS)
	}
	return nil
}

func (r *Runner) Close() {
	if r.reader != nil {
		_ = r.reader.Close()
	}
	if r.writer != nil {
		_ = r.writer.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

func (r *Runner) Run(ctx context.Context) error {
	if r.scen != nil {
		res, err := r.Replay(ctx)
		if err != nil {
			return err
		}
		r.log.Info("Replay %s done: ticks=%d resets=%d min_gap=%.2fm tr=[%.2f, %.2f] final_tr=%.2f sng_ticks=%d",
			r.scen.Meta.Name, res.Ticks, res.Resets, res.MinGapM, res.MinTR, res.MaxTR, res.FinalTR, res.StopAndGo)
		return nil
	}
	return r.runLive(ctx)
}

// startState picks the solver start: the previous plan while engaged,
// measured state otherwise.
func startState(car control.CarState, prev control.Plan, havePrev bool) (float64, float64) {
	if car.CruiseEnabled && havePrev {
		return prev.VMPC, prev.AMPC
	}
	return car.VEgo, car.AEgo
}

func (r *Runner) publish() error {
	if r.store == nil {
		return nil
	}
	return r.planner.Publish(r.store)
}

// liveState is what the control loop knows from the bus.
type liveState struct {
	car       control.CarState
	lead      *control.LeadTrack
	lastCarRx time.Time
	presses   pressEdge
}

// applyFeedback folds one decoded frame into the live state and forwards
// released presses to the planner.
func (r *Runner) applyFeedback(st *liveState, fb Feedback) {
	switch {
	case fb.Car != nil:
		st.car = *fb.Car
		st.lastCarRx = fb.At
	case fb.Lead != nil:
		st.lead = fb.Lead
	case fb.Input:
		ev, ok := st.presses.observe(fb)
		if !ok {
			return
		}
		r.log.Debug("Button held %v -> %s", fb.Press, ev)
		select {
		case r.inputs <- ev:
		default:
			r.log.Warn("Input queue full, dropping %s", ev)
		}
	}
}

func (r *Runner) runLive(ctx context.Context) error {
	r.log.Info("Starting TX: frame=%s id=0x%X dlc=%d cycle_ms=%d iface=%s",
		r.fd.Name, r.fd.ID, r.fd.DLC, r.fd.CycleMS, r.cfg.Interface)

	ticker := time.NewTicker(time.Duration(r.fd.CycleMS) * time.Millisecond)
	defer ticker.Stop()

	rxChan := make(chan Feedback, 100)
	rxErr := make(chan error, 1)
	go func() { rxErr <- r.receiveLoop(ctx, rxChan) }()

	var (
		sent     uint64
		prev     control.Plan
		havePrev bool
		stale    bool
	)
	st := liveState{lastCarRx: time.Now()}

	for {
		select {
		case <-ctx.Done():
			r.log.Warn("Context canceled; stopping TX")
			r.log.Info("Completed TX. frames_sent=%d resets=%d", sent, r.planner.Resets())
			return ctx.Err()

		case err := <-rxErr:
			if ctx.Err() != nil {
				continue
			}
			r.log.Critical("RX stopped: %v", err)
			return fmt.Errorf("rx: %w", err)

		case ev := <-r.status:
			r.log.Info("Headway source: %s", ev)

		case fb := <-rxChan:
			r.applyFeedback(&st, fb)

		case now := <-ticker.C:
			if err := checkFeedbackAge(now.Sub(st.lastCarRx), &stale, r.log); err != nil {
				r.log.Critical("%v; stopping TX after %d frames", err, sent)
				return err
			}

			r.planner.SetCurState(startState(st.car, prev, havePrev))
			plan := r.planner.Update(st.car, st.lead)
			prev, havePrev = plan, true

			frame, err := encodeFollowCmd(r.cmap, plan, r.planner.Follow().Cost(), r.planner.Follow().GetDiagnostics().StopAndGo)
			if err != nil {
				r.log.Error("Encode failed: %v", err)
				return err
			}
			if err := r.writer.WriteFrame(ctx, frame); err != nil {
				r.log.Critical("Transmit failed: %v", err)
				return err
			}
			sent++

			if err := r.publish(); err != nil {
				r.log.Error("Telemetry publish failed: %v", err)
			}

			r.log.Trace("TX id=0x%X data=% X tr=%.3f v_mpc=%.2f a_mpc=%.2f reset=%v",
				uint32(frame.ID), frame.Data[:frame.Length], plan.TR, plan.VMPC, plan.AMPC, plan.Reset)
		}
	}
}

// checkFeedbackAge warns once when vehicle feedback goes stale and fails once
// it has been missing for lostFeedback.
func checkFeedbackAge(age time.Duration, stale *bool, log *utils.Logger) error {
	if age > lostFeedback {
		return fmt.Errorf("%w: last frame %.1f s ago", errFeedbackLost, age.Seconds())
	}
	if age > staleFeedback {
		if !*stale {
			log.Warn("No vehicle feedback for %.1f ms - plan uses last known state", age.Seconds()*1000)
		}
		*stale = true
	} else if *stale {
		log.Info("Vehicle feedback restored")
		*stale = false
	}
	return nil
}

// receiveLoop continuously reads CAN frames and decodes control inputs. It
// returns when ctx ends or the reader fails.
func (r *Runner) receiveLoop(ctx context.Context, feedback chan<- Feedback) error {
	r.log.Debug("RX loop started")
	defer r.log.Debug("RX loop stopped")

	for {
		frame, err := r.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			r.log.Error("RX error: %v", err)
			return err
		}

		fb, ok, err := decodeFeedback(r.cmap, frame, time.Now())
		if err != nil {
			r.log.Trace("RX skip: %v", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case feedback <- fb:
		default:
			r.log.Trace("RX queue full, dropping id=0x%X", uint32(frame.ID))
		}
	}
}

// Replay drives the planner through the scenario in simulated time. The ego
// follows the plan's acceleration; the lead follows the scenario.
func (r *Runner) Replay(ctx context.Context) (ReplayResult, error) {
	if r.scen == nil {
		return ReplayResult{}, fmt.Errorf("no replay scenario loaded")
	}
	scen := r.scen
	dt := r.tuning.Follow.TickPeriodS
	ticks := int(math.Round(scen.Timing.DurationS / dt))
	tickDur := time.Duration(dt * float64(time.Second))

	r.log.Info("Starting replay: scenario=%s duration=%.2fs ticks=%d", scen.Meta.Name, scen.Timing.DurationS, ticks)

	res := ReplayResult{MinGapM: math.Inf(1), MinTR: math.Inf(1), MaxTR: math.Inf(-1)}
	var (
		xEgo, vEgo, aEgo = 0.0, scen.Initial.VEgoMPS, 0.0
		xLead, vLead     = scen.Initial.GapM, scen.Initial.VLeadMPS
		setSpeed         = scen.Initial.SetSpeed()
	)

	for i := 0; i < ticks; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		t := float64(i) * dt

		for _, p := range PressesIn(scen, t, t+dt) {
			held := time.Duration(p.HeldS * float64(time.Second))
			if ev := control.ClassifyPress(held); ev != control.NoPress {
				select {
				case r.inputs <- ev:
				default:
					r.log.Warn("Input queue full, dropping %s", ev)
				}
			}
		}

		cmd := EvalLead(scen, t)
		var lead *control.LeadTrack
		if cmd.Present {
			lead = &control.LeadTrack{
				Status:   true,
				DRel:     xLead - xEgo,
				VLead:    vLead,
				ALeadK:   cmd.Accel,
				ALeadTau: r.tuning.Planner.LeadAccelTau,
			}
			res.MinGapM = math.Min(res.MinGapM, xLead-xEgo)
		}

		car := control.CarState{VEgo: vEgo, AEgo: aEgo, CruiseEnabled: true}
		r.planner.SetCurState(vEgo, aEgo)
		plan := r.planner.Update(car, lead)

		res.Ticks++
		res.MinTR = math.Min(res.MinTR, plan.TR)
		res.MaxTR = math.Max(res.MaxTR, plan.TR)
		res.FinalTR = plan.TR
		if plan.Overridden {
			res.Overridden++
		}
		if r.planner.Follow().GetDiagnostics().StopAndGo {
			res.StopAndGo++
		}
		res.StatusEvents = append(res.StatusEvents, r.drainStatus()...)

		if r.store != nil {
			if err := r.publish(); err != nil {
				res.PublishErrors++
				r.log.Error("Telemetry publish failed: %v", err)
			} else {
				res.Published++
			}
		}

		// integrate both vehicles over one tick; like the planner, the ego
		// takes the slower of the lead plan and cruise
		aEgo = math.Min(plan.AMPC, cruiseAccel(setSpeed, vEgo))
		if math.IsNaN(aEgo) {
			aEgo = 0
		}
		vEgo = math.Max(0, vEgo+aEgo*dt)
		xEgo += vEgo * dt
		vLead = math.Max(0, vLead+cmd.Accel*dt)
		xLead += vLead * dt

		r.clock.Advance(tickDur)
	}

	res.Resets = r.planner.Resets()
	res.FinalVEgo = vEgo
	if math.IsInf(res.MinGapM, 1) {
		res.MinGapM = math.NaN()
	}
	return res, nil
}

// cruiseAccel is a proportional speed hold toward the set speed.
func cruiseAccel(setSpeed, vEgo float64) float64 {
	return control.ClampFloat(0.5*(setSpeed-vEgo), -1.0, 1.5)
}

func (r *Runner) drainStatus() []control.StatusEvent {
	var out []control.StatusEvent
	for {
		select {
		case ev := <-r.status:
			r.log.Info("Headway source: %s", ev)
			out = append(out, ev)
		default:
			return out
		}
	}
}
