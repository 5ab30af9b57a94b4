package main

import (
	"fmt"
	"time"

	"go.einride.tech/can"

	control "acc-follow-core/closed_loop/longitudinal_control"
	"acc-follow-core/utils"
)

// Frame names this runner reads and writes.
const (
	frameVehicleState = "VEHICLE_STATE_1"
	frameRadarLead    = "RADAR_LEAD_1"
	frameDriverInput  = "DRIVER_INPUT"
	frameFollowCmd    = "ACC_FOLLOW_CMD"
)

var (
	vehicleStateSignals = []string{"v_ego_mps", "a_ego_mps2", "left_blinker", "right_blinker", "cruise_enabled"}
	radarLeadSignals    = []string{"lead_status", "d_rel_m", "v_lead_mps", "a_lead_mps2", "a_lead_tau_s"}
	driverInputSignals  = []string{"press_duration_ms", "press_counter"}
	followCmdSignals    = []string{"tr_s", "v_mpc_mps", "a_mpc_mps2", "cost", "mpc_reset", "overridden", "stop_and_go", "new_lead"}
)

// checkCANMap makes sure every frame the runner touches is present with the
// signals it needs.
func checkCANMap(m *utils.CANMap) (*utils.FrameDef, error) {
	for name, sigs := range map[string][]string{
		frameVehicleState: vehicleStateSignals,
		frameRadarLead:    radarLeadSignals,
		frameDriverInput:  driverInputSignals,
	} {
		if _, err := m.RequireSignals(name, sigs...); err != nil {
			return nil, err
		}
	}
	return m.RequireSignals(frameFollowCmd, followCmdSignals...)
}

// Feedback is one decoded RX frame handed to the control loop.
type Feedback struct {
	Car      *control.CarState
	Lead     *control.LeadTrack
	Press    time.Duration
	PressSeq uint8
	Input    bool // DRIVER_INPUT frame, Press may be zero
	At       time.Time
}

// decodeFeedback maps a received frame onto the control inputs. Frames the
// runner does not consume return ok=false.
func decodeFeedback(m *utils.CANMap, f can.Frame, at time.Time) (Feedback, bool, error) {
	fd, vals, err := m.DecodeEinrideFrame(f)
	if err != nil {
		return Feedback{}, false, fmt.Errorf("decode 0x%X: %w", f.ID, err)
	}

	fb := Feedback{At: at}
	switch fd.Name {
	case frameVehicleState:
		fb.Car = &control.CarState{
			VEgo:          vals["v_ego_mps"],
			AEgo:          vals["a_ego_mps2"],
			LeftBlinker:   vals["left_blinker"] != 0,
			RightBlinker:  vals["right_blinker"] != 0,
			CruiseEnabled: vals["cruise_enabled"] != 0,
		}
	case frameRadarLead:
		fb.Lead = &control.LeadTrack{
			Status:   vals["lead_status"] != 0,
			DRel:     vals["d_rel_m"],
			VLead:    vals["v_lead_mps"],
			ALeadK:   vals["a_lead_mps2"],
			ALeadTau: vals["a_lead_tau_s"],
		}
	case frameDriverInput:
		fb.Press = time.Duration(vals["press_duration_ms"]) * time.Millisecond
		fb.PressSeq = uint8(vals["press_counter"])
		fb.Input = true
	default:
		return Feedback{}, false, nil
	}
	return fb, true, nil
}

// pressEdge turns the cyclic DRIVER_INPUT frame into one event per released
// press. A press counts once, when press_counter moves. The first frame only
// primes the counter, since it repeats a press released before we started.
type pressEdge struct {
	seq    uint8
	primed bool
}

func (e *pressEdge) observe(fb Feedback) (control.InputEvent, bool) {
	if !e.primed {
		e.seq, e.primed = fb.PressSeq, true
		return control.NoPress, false
	}
	if fb.PressSeq == e.seq {
		return control.NoPress, false
	}
	e.seq = fb.PressSeq
	ev := control.ClassifyPress(fb.Press)
	return ev, ev != control.NoPress
}

// encodeFollowCmd packs one plan into ACC_FOLLOW_CMD.
func encodeFollowCmd(m *utils.CANMap, p control.Plan, cost float64, sng bool) (can.Frame, error) {
	return m.EncodeEinrideFrame(frameFollowCmd, map[string]float64{
		"tr_s":        p.TR,
		"v_mpc_mps":   p.VMPC,
		"a_mpc_mps2":  p.AMPC,
		"cost":        cost,
		"mpc_reset":   control.BoolToFloat(p.Reset),
		"overridden":  control.BoolToFloat(p.Overridden),
		"stop_and_go": control.BoolToFloat(sng),
		"new_lead":    control.BoolToFloat(p.NewLead),
	})
}
