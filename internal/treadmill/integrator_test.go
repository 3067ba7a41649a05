package treadmill

import (
	"math"
	"testing"
	"time"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

func TestArcLengthPerDegree(t *testing.T) {
	c := DefaultCalibration()
	want := 16 * 0.254 * math.Pi / 360
	if !near(c.ArcLengthPerDegree(), want) {
		t.Errorf("ArcLengthPerDegree() = %v, want %v", c.ArcLengthPerDegree(), want)
	}
	c.BallDiameterInches = 8
	if !near(c.ArcLengthPerDegree(), want/2) {
		t.Errorf("8-inch ball = %v, want %v", c.ArcLengthPerDegree(), want/2)
	}
	c.BallDiameterInches = 0
	if !near(c.ArcLengthPerDegree(), want) {
		t.Error("zero diameter should fall back to default")
	}
}

func TestIntegrate_ForwardDeterminism(t *testing.T) {
	cal := DefaultCalibration()
	cal.PitchScale = 0.1
	s := MotionSample{X0: 0, Y0: 10, X1: 0, Y1: 10, TimestampMs: 5}

	got, d := Integrate(Pose{}, s, true, cal, 10*time.Millisecond)

	want := 10 * 2 * 0.1 * cal.ArcLengthPerDegree()
	if !near(got.Position.Z, want) {
		t.Errorf("Z = %v, want %v", got.Position.Z, want)
	}
	if got.Position.X != 0 || got.Position.Y != 0 || got.Heading != 0 {
		t.Errorf("pose = %+v, want motion along Z only", got)
	}
	if !d.HasSample || !d.Moved || d.Pitch != 20 || d.Roll != 0 || d.Yaw != 0 {
		t.Errorf("diagnostics = %+v", d)
	}
	if !near(d.BallSpeed, want/0.01) {
		t.Errorf("BallSpeed = %v, want %v", d.BallSpeed, want/0.01)
	}
	if d.TimestampMs != 5 {
		t.Errorf("TimestampMs = %d", d.TimestampMs)
	}
}

func TestIntegrate_Reverse(t *testing.T) {
	cal := DefaultCalibration()
	cal.Reverse = true
	s := MotionSample{Y0: 3, Y1: 1}
	got, d := Integrate(Pose{}, s, true, cal, 0)
	if got.Position.Z >= 0 {
		t.Errorf("Z = %v, want negative", got.Position.Z)
	}
	if d.Pitch != -4 || d.Roll != -2 {
		t.Errorf("pitch/roll = %d/%d, want -4/-2", d.Pitch, d.Roll)
	}
}

func TestIntegrate_SideRotatesWithHeading(t *testing.T) {
	cal := DefaultCalibration()
	// Pure roll: Y0 = -Y1.
	s := MotionSample{Y0: 5, Y1: -5}
	side := 10 * cal.RollScale * cal.ArcLengthPerDegree()

	got, _ := Integrate(Pose{}, s, true, cal, 0)
	if !near(got.Position.X, side) || !near(got.Position.Z, 0) {
		t.Errorf("heading 0: %+v, want X=%v", got.Position, side)
	}

	got, _ = Integrate(Pose{Heading: 90}, s, true, cal, 0)
	if !near(got.Position.Z, -side) || math.Abs(got.Position.X) > 1e-9 {
		t.Errorf("heading 90: %+v, want Z=%v", got.Position, -side)
	}
}

func TestIntegrate_YawRotation(t *testing.T) {
	cal := DefaultCalibration()
	s := MotionSample{X0: 50, X1: 50}

	got, _ := Integrate(Pose{Heading: 10}, s, true, cal, 0)
	if got.Heading != 10 {
		t.Errorf("heading changed without yaw rotation: %v", got.Heading)
	}

	cal.AllowRotationByYaw = true
	got, d := Integrate(Pose{Heading: 10}, s, true, cal, 0)
	if !near(got.Heading, 10+100*cal.YawScale) {
		t.Errorf("Heading = %v, want %v", got.Heading, 10+100*cal.YawScale)
	}
	if !near(d.HeadingDelta, 100*cal.YawScale) || d.NextHeading != got.Heading {
		t.Errorf("diagnostics = %+v", d)
	}
}

func TestIntegrate_RotationBeforeTranslation(t *testing.T) {
	cal := DefaultCalibration()
	cal.AllowRotationByYaw = true
	cal.YawScale = 1
	cal.PitchScale = 1
	// 90 degrees of yaw and some forward pitch in the same tick.
	s := MotionSample{X0: 45, X1: 45, Y0: 1, Y1: 1}
	got, _ := Integrate(Pose{}, s, true, cal, 0)
	if got.Position.X <= 0 || math.Abs(got.Position.Z) > 1e-9 {
		t.Errorf("position = %+v, want forward motion along +X after turning", got.Position)
	}
}

func TestIntegrate_MovementDisallowed(t *testing.T) {
	cal := DefaultCalibration()
	cal.AllowMovement = false
	cal.AllowRotationByYaw = true
	start := Pose{Position: Vec3{1, 2, 3}, Heading: 45}
	got, d := Integrate(start, MotionSample{X0: 3, Y0: 4, Y1: 4}, true, cal, 20*time.Millisecond)
	if got != start {
		t.Errorf("pose moved: %+v", got)
	}
	if d.Moved || !d.HasSample {
		t.Errorf("Moved=%v HasSample=%v", d.Moved, d.HasSample)
	}
	if d.Pitch != 8 || d.Forward == 0 || d.BallSpeed == 0 {
		t.Errorf("diagnostics not computed while disengaged: %+v", d)
	}
	if d.NextPosition != start.Position {
		t.Errorf("NextPosition = %+v", d.NextPosition)
	}
}

func TestIntegrate_NoSample(t *testing.T) {
	start := Pose{Position: Vec3{1, 0, 1}, Heading: 30}
	got, d := Integrate(start, MotionSample{}, false, DefaultCalibration(), time.Millisecond)
	if got != start || d.HasSample || d.Moved {
		t.Errorf("pose=%+v diag=%+v", got, d)
	}
}

func TestIntegrate_RollTurning(t *testing.T) {
	cal := DefaultCalibration()
	cal.AllowRotationByRoll = true
	dt := 10 * time.Millisecond
	s := MotionSample{Y0: 30, Y1: -30}

	got, d := Integrate(Pose{}, s, true, cal, dt)
	if d.Side != 0 || !near(got.Position.X, 0) {
		t.Errorf("roll turning should suppress side motion: %+v", d)
	}
	rollRate := 60 * cal.RollScale / dt.Seconds()
	want := cal.MaxRotationSpeed * (2/(1+math.Exp(-cal.TurnGain*rollRate)) - 1) * dt.Seconds()
	if !near(got.Heading, want) {
		t.Errorf("Heading = %v, want %v", got.Heading, want)
	}
	if got.Heading <= 0 || got.Heading > cal.MaxRotationSpeed*dt.Seconds() {
		t.Errorf("turn %v outside (0, %v]", got.Heading, cal.MaxRotationSpeed*dt.Seconds())
	}

	neg, _ := Integrate(Pose{}, MotionSample{Y0: -30, Y1: 30}, true, cal, dt)
	if !near(neg.Heading, -got.Heading) {
		t.Errorf("sigmoid not symmetric: %v vs %v", neg.Heading, got.Heading)
	}
}

func TestIntegrate_FollowPath(t *testing.T) {
	cal := DefaultCalibration()
	cal.FollowPath = true
	cal.PathRotationMix = 0
	cal.MaxRotationSpeed = 90
	dt := 100 * time.Millisecond

	// Path is 5 degrees to the right: fully automatic steering reaches it.
	got, _ := Integrate(Pose{Heading: 0, PathHeading: 5}, MotionSample{}, true, cal, dt)
	if !near(got.Heading, 5) {
		t.Errorf("Heading = %v, want 5", got.Heading)
	}

	// Path is 170 degrees away: turning is clamped to 9 degrees this tick.
	got, _ = Integrate(Pose{Heading: 0, PathHeading: -170}, MotionSample{}, true, cal, dt)
	if !near(got.Heading, -9) {
		t.Errorf("Heading = %v, want -9", got.Heading)
	}

	// Wrap: from 350 to 10 is +20, not -340.
	got, _ = Integrate(Pose{Heading: 350, PathHeading: 10}, MotionSample{}, true, cal, dt)
	if !near(got.Heading, 359) {
		t.Errorf("Heading = %v, want 359", got.Heading)
	}
}

func TestWrapDegrees(t *testing.T) {
	cases := map[float64]float64{0: 0, 180: 180, -180: 180, 190: -170, -190: 170, 720: 0, 359: -1}
	for in, want := range cases {
		if got := wrapDegrees(in); !near(got, want) {
			t.Errorf("wrapDegrees(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestCalibration_Validate(t *testing.T) {
	if err := DefaultCalibration().Validate(); err != nil {
		t.Errorf("default calibration invalid: %v", err)
	}
	c := DefaultCalibration()
	c.PathRotationMix = 2
	c.PitchScale = math.NaN()
	if err := c.Validate(); err == nil {
		t.Error("expected validation error")
	}
}

func TestCalibration_ValidateOrderIsStable(t *testing.T) {
	c := DefaultCalibration()
	c.TurnGain = math.Inf(1)
	c.RollScale = math.NaN()
	c.PitchScale = math.NaN()
	want := "pitch_scale is not finite\nroll_scale is not finite\nturn_gain is not finite"
	for i := 0; i < 20; i++ {
		err := c.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}
		if err.Error() != want {
			t.Fatalf("run %d: got %q, want %q", i, err.Error(), want)
		}
	}
}
