package treadmill

import (
	"errors"
	"fmt"
	"math"
)

// DefaultBallDiameterInches is the standard rig ball.
const DefaultBallDiameterInches = 16.0

// DefaultMaxRotationSpeed caps roll- and path-driven turning, in degrees per
// second.
const DefaultMaxRotationSpeed = 360.0

// Calibration converts raw pixel motion into pose changes.
//
// Pitch and roll scales are in degrees of ball rotation per pixel and are
// turned into distance with ArcLengthPerDegree. The yaw scale is in degrees of
// heading per pixel.
type Calibration struct {
	PitchScale float64 `json:"pitch_scale" yaml:"pitch_scale"`
	RollScale  float64 `json:"roll_scale" yaml:"roll_scale"`
	YawScale   float64 `json:"yaw_scale" yaml:"yaw_scale"`

	BallDiameterInches float64 `json:"ball_diameter_inches" yaml:"ball_diameter_inches"`
	ForwardMultiplier  float64 `json:"forward_multiplier" yaml:"forward_multiplier"`
	SideMultiplier     float64 `json:"side_multiplier" yaml:"side_multiplier"`

	Reverse             bool `json:"reverse_direction" yaml:"reverse_direction"`
	AllowMovement       bool `json:"allow_movement" yaml:"allow_movement"`
	AllowRotationByYaw  bool `json:"allow_rotation_yaw" yaml:"allow_rotation_yaw"`
	AllowRotationByRoll bool `json:"allow_rotation_roll" yaml:"allow_rotation_roll"`

	// MaxRotationSpeed bounds roll-driven and path-following turning (deg/s).
	MaxRotationSpeed float64 `json:"max_rotation_speed" yaml:"max_rotation_speed"`
	// TurnGain is the slope of the roll-to-turn-rate sigmoid, per deg/s of roll.
	TurnGain float64 `json:"turn_gain" yaml:"turn_gain"`

	// FollowPath steers the heading towards Pose.PathHeading.
	FollowPath bool `json:"follow_path" yaml:"follow_path"`
	// PathRotationMix weights manual turning against automatic path
	// steering: 1 is fully manual, 0 fully automatic.
	PathRotationMix float64 `json:"path_rotation_mix" yaml:"path_rotation_mix"`
}

// DefaultCalibration returns the bench-calibrated values of the standard rig.
func DefaultCalibration() Calibration {
	return Calibration{
		PitchScale:          0.144,
		RollScale:           0.170,
		YawScale:            0.014,
		BallDiameterInches:  DefaultBallDiameterInches,
		ForwardMultiplier:   1,
		SideMultiplier:      1,
		AllowMovement:       true,
		AllowRotationByYaw:  false,
		AllowRotationByRoll: false,
		MaxRotationSpeed:    DefaultMaxRotationSpeed,
		TurnGain:            0.02,
		PathRotationMix:     0.2,
	}
}

// ArcLengthPerDegree is the ball-surface travel for one degree of rotation,
// in decimetres.
func (c Calibration) ArcLengthPerDegree() float64 {
	d := c.BallDiameterInches
	if d <= 0 {
		d = DefaultBallDiameterInches
	}
	return d * 0.254 * math.Pi / 360
}

func (c Calibration) Validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"pitch_scale", c.PitchScale},
		{"roll_scale", c.RollScale},
		{"yaw_scale", c.YawScale},
		{"ball_diameter_inches", c.BallDiameterInches},
		{"forward_multiplier", c.ForwardMultiplier},
		{"side_multiplier", c.SideMultiplier},
		{"max_rotation_speed", c.MaxRotationSpeed},
		{"turn_gain", c.TurnGain},
		{"path_rotation_mix", c.PathRotationMix},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			errs = append(errs, fmt.Errorf("%s is not finite", f.name))
		}
	}
	if c.BallDiameterInches < 0 {
		errs = append(errs, fmt.Errorf("ball_diameter_inches must not be negative, got %g", c.BallDiameterInches))
	}
	if c.MaxRotationSpeed < 0 {
		errs = append(errs, fmt.Errorf("max_rotation_speed must not be negative, got %g", c.MaxRotationSpeed))
	}
	if c.PathRotationMix < 0 || c.PathRotationMix > 1 {
		errs = append(errs, fmt.Errorf("path_rotation_mix must be within [0, 1], got %g", c.PathRotationMix))
	}
	return errors.Join(errs...)
}
