package control

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig marks tuning that cannot drive the controller.
var ErrInvalidConfig = errors.New("invalid config")

// DMCConfig holds one distance modulation controller axis.
type DMCConfig struct {
	Ki           float64   `json:"k_i" yaml:"k_i"`
	Kd           float64   `json:"k_d" yaml:"k_d"`
	Clip         []float64 `json:"clip" yaml:"clip"` // integrator range; also the output curve breakpoints
	Mods         []float64 `json:"mods" yaml:"mods"` // output multipliers at Clip
	ResetSeconds float64   `json:"reset_seconds" yaml:"reset_seconds"`
}

// FollowConfig holds the dynamic follow headway tuning.
type FollowConfig struct {
	TickPeriodS      float64   `json:"tick_period_s" yaml:"tick_period_s"`
	DefaultTR        float64   `json:"default_tr" yaml:"default_tr"`
	SngTR            float64   `json:"sng_tr" yaml:"sng_tr"`
	SngSpeedMPS      float64   `json:"sng_speed_mps" yaml:"sng_speed_mps"`
	SngLowRatio      float64   `json:"sng_low_ratio" yaml:"sng_low_ratio"`
	MinTR            float64   `json:"min_tr" yaml:"min_tr"`
	MaxTR            float64   `json:"max_tr" yaml:"max_tr"`
	VEgoRetentionS   float64   `json:"v_ego_retention_s" yaml:"v_ego_retention_s"`
	VRelRetentionS   float64   `json:"v_rel_retention_s" yaml:"v_rel_retention_s"`
	BaselineSpeedMPS []float64 `json:"baseline_speed_mps" yaml:"baseline_speed_mps"`
	BaselineTR       []float64 `json:"baseline_tr" yaml:"baseline_tr"`
}

// CostConfig maps headway to the MPC time-criticality weight.
type CostConfig struct {
	TRs          []float64 `json:"trs" yaml:"trs"`
	Costs        []float64 `json:"costs" yaml:"costs"`
	Default      float64   `json:"default" yaml:"default"`
	Acceleration float64   `json:"acceleration" yaml:"acceleration"`
	Jerk         float64   `json:"jerk" yaml:"jerk"`
}

// PlannerConfig holds the integration shim constants.
type PlannerConfig struct {
	NewLeadJumpM      float64 `json:"new_lead_jump_m" yaml:"new_lead_jump_m"`
	MinLeadSpeedMPS   float64 `json:"min_lead_speed_mps" yaml:"min_lead_speed_mps"`
	LeadAccelTau      float64 `json:"lead_accel_tau" yaml:"lead_accel_tau"`
	FakeLeadDistanceM float64 `json:"fake_lead_distance_m" yaml:"fake_lead_distance_m"`
	FakeLeadSpeedUp   float64 `json:"fake_lead_speed_up_mps" yaml:"fake_lead_speed_up_mps"`
	BackwardsTolMPS   float64 `json:"backwards_tol_mps" yaml:"backwards_tol_mps"`
	CrashingGapM      float64 `json:"crashing_gap_m" yaml:"crashing_gap_m"`
	ResetLogWindowS   float64 `json:"reset_log_window_s" yaml:"reset_log_window_s"`
}

// OverrideConfig holds manual headway override tuning.
type OverrideConfig struct {
	TR float64 `json:"tr" yaml:"tr"`
}

// TelemetryConfig enables solver telemetry publishing.
type TelemetryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"db_path" yaml:"db_path"`
}

// Config is the root of the tuning file.
type Config struct {
	Follow      FollowConfig    `json:"follow" yaml:"follow"`
	VelocityDMC DMCConfig       `json:"velocity_dmc" yaml:"velocity_dmc"`
	AccelDMC    DMCConfig       `json:"accel_dmc" yaml:"accel_dmc"`
	Cost        CostConfig      `json:"cost" yaml:"cost"`
	Planner     PlannerConfig   `json:"planner" yaml:"planner"`
	Override    OverrideConfig  `json:"override" yaml:"override"`
	Telemetry   TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Follow: FollowConfig{
			TickPeriodS:    0.05,
			DefaultTR:      1.8,
			SngTR:          1.8,
			SngSpeedMPS:    18.0 * MPHToMS,
			SngLowRatio:    0.7,
			MinTR:          1.0,
			MaxTR:          2.7,
			VEgoRetentionS: 2.5,
			VRelRetentionS: 1.75,
			BaselineSpeedMPS: []float64{
				0.0, 1.892, 3.7432, 5.8632, 8.0727, 10.7301, 14.343, 17.6275, 22.4049, 28.6752, 34.8858, 40.35,
			},
			BaselineTR: []float64{
				1.3781, 1.3791, 1.3457, 1.3134, 1.3145, 1.318, 1.3485, 1.257, 1.144, 1.0, 1.0, 1.0,
			},
		},
		VelocityDMC: DMCConfig{
			Ki:           0.042,
			Kd:           0.08,
			Clip:         []float64{-1, 0, 0.66},
			Mods:         []float64{1.15, 1.0, 0.95},
			ResetSeconds: 15,
		},
		// lead acceleration loop runs 5% faster
		AccelDMC: DMCConfig{
			Ki:           0.042 * 1.05,
			Kd:           0.08,
			Clip:         []float64{-1, 0, 0.33},
			Mods:         []float64{1.15, 1.0, 0.98},
			ResetSeconds: 15,
		},
		Cost: CostConfig{
			TRs:          []float64{0.9, 1.8, 2.7},
			Costs:        []float64{1.0, 0.1, 0.01},
			Default:      0.1,
			Acceleration: 10.0,
			Jerk:         20.0,
		},
		Planner: PlannerConfig{
			NewLeadJumpM:      2.5,
			MinLeadSpeedMPS:   0.1,
			LeadAccelTau:      1.5,
			FakeLeadDistanceM: 50.0,
			FakeLeadSpeedUp:   10.0,
			BackwardsTolMPS:   -0.01,
			CrashingGapM:      -50.0,
			ResetLogWindowS:   5.0,
		},
		Override:  OverrideConfig{TR: 1.8},
		Telemetry: TelemetryConfig{DBPath: "acc_follow_telemetry.db"},
	}
}

// LoadConfig reads a YAML tuning file on top of DefaultConfig. Unknown keys
// are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c DMCConfig) validate(name string) error {
	if len(c.Clip) != 3 || len(c.Mods) != 3 {
		return fmt.Errorf("%w: %s needs 3 clip points and 3 mods", ErrInvalidConfig, name)
	}
	if !(c.Clip[0] < 0 && c.Clip[1] == 0 && c.Clip[2] > 0) {
		return fmt.Errorf("%w: %s clip must be {lo<0, 0, hi>0}, got %v", ErrInvalidConfig, name, c.Clip)
	}
	if c.ResetSeconds <= 0 {
		return fmt.Errorf("%w: %s reset_seconds must be positive", ErrInvalidConfig, name)
	}
	return nil
}

// Validate checks table shapes and ranges.
func (c Config) Validate() error {
	f := c.Follow
	if f.TickPeriodS <= 0 {
		return fmt.Errorf("%w: tick_period_s must be positive, got %v", ErrInvalidConfig, f.TickPeriodS)
	}
	if f.MinTR <= 0 || f.MinTR > f.MaxTR {
		return fmt.Errorf("%w: TR range [%v, %v]", ErrInvalidConfig, f.MinTR, f.MaxTR)
	}
	if f.SngSpeedMPS <= 0 || f.SngLowRatio <= 0 || f.SngLowRatio >= 1 {
		return fmt.Errorf("%w: stop-and-go speed %v, low ratio %v", ErrInvalidConfig, f.SngSpeedMPS, f.SngLowRatio)
	}
	if f.VEgoRetentionS <= 0 || f.VRelRetentionS <= 0 {
		return fmt.Errorf("%w: retention windows must be positive", ErrInvalidConfig)
	}
	if _, err := NewCurve(f.BaselineSpeedMPS, f.BaselineTR); err != nil {
		return fmt.Errorf("baseline curve: %w", err)
	}
	if err := c.VelocityDMC.validate("velocity_dmc"); err != nil {
		return err
	}
	if err := c.AccelDMC.validate("accel_dmc"); err != nil {
		return err
	}
	if _, err := NewCurve(c.Cost.TRs, c.Cost.Costs); err != nil {
		return fmt.Errorf("cost curve: %w", err)
	}
	if c.Override.TR < f.MinTR || c.Override.TR > f.MaxTR {
		return fmt.Errorf("%w: override tr %v outside [%v, %v]", ErrInvalidConfig, c.Override.TR, f.MinTR, f.MaxTR)
	}
	if c.Telemetry.Enabled && c.Telemetry.DBPath == "" {
		return fmt.Errorf("%w: telemetry enabled without db_path", ErrInvalidConfig)
	}
	return nil
}
