package treadmill

import (
	"math"
	"time"
)

// Vec3 is a position in the host's left-handed frame: X to the right, Y up,
// Z forward.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Len() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// Pose is the subject's position and heading (degrees about Y, clockwise
// positive). The host owns it; Integrate returns an updated copy.
type Pose struct {
	Position Vec3    `json:"position"`
	Heading  float64 `json:"heading"`
	// PathHeading is the heading of the path at the current position, used
	// when Calibration.FollowPath is set.
	PathHeading float64 `json:"path_heading,omitempty"`
}

// Diagnostics describes one integration step for the rig's logs.
type Diagnostics struct {
	TimestampMs int64 `json:"timestamp_ms"`
	// HasSample is false when no frame arrived since the last tick.
	HasSample bool `json:"has_sample"`
	// Moved is false when movement was disallowed or there was no sample.
	Moved bool `json:"moved"`

	// Raw combined axes after reversal, in pixels.
	Pitch int `json:"pitch"`
	Roll  int `json:"roll"`
	Yaw   int `json:"yaw"`

	Forward      float64 `json:"forward"`
	Side         float64 `json:"side"`
	HeadingDelta float64 `json:"heading_delta"`
	// BallSpeed is the would-be planar speed in decimetres per second, even
	// when movement is disallowed.
	BallSpeed float64 `json:"ball_speed"`

	Position     Vec3    `json:"position"`
	NextPosition Vec3    `json:"next_position"`
	Heading      float64 `json:"heading"`
	NextHeading  float64 `json:"next_heading"`

	Shutter0 int `json:"shutter0,omitempty"`
	Shutter1 int `json:"shutter1,omitempty"`
}

// Axes combines the two sub-sensors' deltas into roll (dx), pitch (dz) and
// yaw (dy) pixel counts.
func (s MotionSample) Axes() (dx, dz, dy int) {
	return s.Y0 - s.Y1, s.Y0 + s.Y1, s.X0 + s.X1
}

// Integrate applies one tick of ball motion to pose. Heading changes are
// applied first; translation then uses the new heading. dt is the host tick
// length and only matters for rate-based turning and speed.
func Integrate(pose Pose, sample MotionSample, ok bool, cal Calibration, dt time.Duration) (Pose, Diagnostics) {
	diag := Diagnostics{
		Position:     pose.Position,
		NextPosition: pose.Position,
		Heading:      pose.Heading,
		NextHeading:  pose.Heading,
	}
	if !ok {
		return pose, diag
	}
	diag.HasSample = true
	diag.TimestampMs = sample.TimestampMs
	diag.Shutter0, diag.Shutter1 = sample.Shutter0, sample.Shutter1

	dx, dz, dy := sample.Axes()
	if cal.Reverse {
		dx, dz, dy = -dx, -dz, -dy
	}
	diag.Pitch, diag.Roll, diag.Yaw = dz, dx, dy

	arc := cal.ArcLengthPerDegree()
	pitchDeg := float64(dz) * cal.PitchScale
	rollDeg := float64(dx) * cal.RollScale
	yawDeg := float64(dy) * cal.YawScale

	secs := dt.Seconds()
	forward := pitchDeg * arc * cal.ForwardMultiplier
	side := rollDeg * arc * cal.SideMultiplier
	if secs > 0 {
		diag.BallSpeed = math.Hypot(forward, side) / secs
	}

	turn := 0.0
	if cal.AllowRotationByYaw {
		turn += yawDeg
	}
	if cal.AllowRotationByRoll {
		// Sideways roll steers instead of strafing.
		side = 0
		if secs > 0 {
			turn += rollTurnRate(rollDeg/secs, cal) * secs
		}
	}
	if cal.FollowPath {
		mix := cal.PathRotationMix
		turn = mix*turn + (1-mix)*wrapDegrees(pose.PathHeading-pose.Heading)
	}
	if (cal.AllowRotationByRoll || cal.FollowPath) && secs > 0 {
		limit := cal.MaxRotationSpeed * secs
		turn = math.Max(-limit, math.Min(limit, turn))
	}

	diag.Forward, diag.Side, diag.HeadingDelta = forward, side, turn
	if !cal.AllowMovement {
		return pose, diag
	}

	next := pose
	next.Heading += turn
	rad := next.Heading * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	next.Position.Z += forward*cos - side*sin
	next.Position.X += forward*sin + side*cos

	diag.Moved = true
	diag.NextPosition = next.Position
	diag.NextHeading = next.Heading
	return next, diag
}

// rollTurnRate maps a roll rate (deg/s) onto a turn rate bounded by
// ±MaxRotationSpeed with a symmetric sigmoid.
func rollTurnRate(rollRate float64, cal Calibration) float64 {
	return cal.MaxRotationSpeed * (2/(1+math.Exp(-cal.TurnGain*rollRate)) - 1)
}

// wrapDegrees maps a into (-180, 180].
func wrapDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a <= -180 {
		a += 360
	} else if a > 180 {
		a -= 360
	}
	return a
}
