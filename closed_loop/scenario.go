package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// Scenario defines an offline follow run: initial ego/lead state, lead
// behaviour by time segment and driver button presses.
type Scenario struct {
	Meta     ScenarioMeta      `json:"meta"`
	Timing   ScenarioTiming    `json:"timing"`
	Initial  InitialState      `json:"initial"`
	Segments []ScenarioSegment `json:"segments"`
	Presses  []ButtonPress     `json:"presses,omitempty"`
}

// ScenarioMeta contains scenario metadata
type ScenarioMeta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// ScenarioTiming defines timing parameters
type ScenarioTiming struct {
	DurationS float64 `json:"duration_s"`
	LogHz     float64 `json:"log_hz"`
}

// InitialState places both vehicles at t=0. SetSpeedMPS is the cruise set
// speed; zero means the initial ego speed.
type InitialState struct {
	VEgoMPS     float64 `json:"v_ego_mps"`
	VLeadMPS    float64 `json:"v_lead_mps"`
	GapM        float64 `json:"gap_m"`
	SetSpeedMPS float64 `json:"set_speed_mps,omitempty"`
}

// SetSpeed returns the cruise set speed.
func (s InitialState) SetSpeed() float64 {
	if s.SetSpeedMPS > 0 {
		return s.SetSpeedMPS
	}
	return s.VEgoMPS
}

// ScenarioSegment sets the lead's acceleration over [T0, T1). T1 < 0 runs to
// the end of the scenario.
type ScenarioSegment struct {
	T0          float64 `json:"t0"`
	T1          float64 `json:"t1"`
	LeadAccel   float64 `json:"lead_accel_mps2"`
	LeadPresent *bool   `json:"lead_present,omitempty"` // default true
	Comment     string  `json:"comment,omitempty"`
}

// ButtonPress is a driver gesture held for HeldS seconds, released at T.
type ButtonPress struct {
	T     float64 `json:"t"`
	HeldS float64 `json:"held_s"`
}

// LeadCmd is the lead behaviour at one instant.
type LeadCmd struct {
	Accel   float64
	Present bool
}

// LoadScenario loads a scenario from JSON file
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read file: %w", err)
	}

	var scen Scenario
	if err := json.Unmarshal(data, &scen); err != nil {
		return Scenario{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := scen.Validate(); err != nil {
		return Scenario{}, err
	}
	return scen, nil
}

func (s *Scenario) Validate() error {
	if s.Timing.DurationS <= 0 {
		return fmt.Errorf("invalid duration_s: %f", s.Timing.DurationS)
	}
	if s.Initial.VEgoMPS < 0 || s.Initial.VLeadMPS < 0 || s.Initial.SetSpeedMPS < 0 {
		return fmt.Errorf("initial speeds must be non-negative")
	}
	if s.Initial.GapM <= 0 {
		return fmt.Errorf("invalid gap_m: %f", s.Initial.GapM)
	}
	for i, seg := range s.Segments {
		if seg.T1 >= 0 && seg.T1 <= seg.T0 {
			return fmt.Errorf("segment %d: t1 %.2f must be after t0 %.2f", i, seg.T1, seg.T0)
		}
	}
	for i, p := range s.Presses {
		if p.HeldS <= 0 {
			return fmt.Errorf("press %d: invalid held_s %f", i, p.HeldS)
		}
	}
	return nil
}

// EvalLead evaluates the scenario at time t. Outside every segment the lead
// holds speed.
func EvalLead(scen *Scenario, t float64) LeadCmd {
	cmd := LeadCmd{Present: true}

	for _, seg := range scen.Segments {
		t1 := seg.T1
		if t1 < 0 {
			t1 = scen.Timing.DurationS
		}

		if t >= seg.T0 && t < t1 {
			cmd.Accel = seg.LeadAccel
			if seg.LeadPresent != nil {
				cmd.Present = *seg.LeadPresent
			}
			break
		}
	}

	return cmd
}

// PressesIn returns the presses released in [t0, t1).
func PressesIn(scen *Scenario, t0, t1 float64) []ButtonPress {
	var out []ButtonPress
	for _, p := range scen.Presses {
		if p.T >= t0 && p.T < t1 {
			out = append(out, p)
		}
	}
	return out
}
