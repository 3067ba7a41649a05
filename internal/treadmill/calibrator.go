package treadmill

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Axis selects which combined ball axis a calibration run measures.
type Axis string

const (
	AxisPitch Axis = "pitch"
	AxisRoll  Axis = "roll"
	AxisYaw   Axis = "yaw"
)

// ErrNoTrials is returned by Calibrator.Result before any trial has ended.
var ErrNoTrials = errors.New("no calibration trials recorded")

// Calibrator estimates a scale factor from trials in which the ball is
// rolled a known number of revolutions about one axis.
type Calibrator struct {
	axis        Axis
	revolutions float64

	pixels  int
	samples int
	scales  []float64
}

// CalibrationResult summarises the per-trial scale estimates in degrees per
// pixel.
type CalibrationResult struct {
	Axis   Axis      `json:"axis"`
	Trials int       `json:"trials"`
	Mean   float64   `json:"mean"`
	StdDev float64   `json:"std_dev"`
	Scales []float64 `json:"scales"`
}

func NewCalibrator(axis Axis, revolutions float64) (*Calibrator, error) {
	switch axis {
	case AxisPitch, AxisRoll, AxisYaw:
	default:
		return nil, fmt.Errorf("unknown calibration axis %q", axis)
	}
	if revolutions <= 0 {
		return nil, fmt.Errorf("revolutions must be positive, got %g", revolutions)
	}
	return &Calibrator{axis: axis, revolutions: revolutions}, nil
}

// Observe adds one sample to the current trial.
func (c *Calibrator) Observe(s MotionSample) {
	dx, dz, dy := s.Axes()
	switch c.axis {
	case AxisPitch:
		c.pixels += dz
	case AxisRoll:
		c.pixels += dx
	case AxisYaw:
		c.pixels += dy
	}
	c.samples++
}

// Pixels returns the running pixel total of the current trial.
func (c *Calibrator) Pixels() int { return c.pixels }

// EndTrial closes the current trial and returns its scale estimate. A trial
// with no net motion is discarded.
func (c *Calibrator) EndTrial() (float64, error) {
	pixels, samples := c.pixels, c.samples
	c.pixels, c.samples = 0, 0
	if pixels == 0 {
		return 0, fmt.Errorf("trial had no net %s motion over %d samples", c.axis, samples)
	}
	scale := c.revolutions * 360 / math.Abs(float64(pixels))
	c.scales = append(c.scales, scale)
	return scale, nil
}

func (c *Calibrator) Result() (CalibrationResult, error) {
	if len(c.scales) == 0 {
		return CalibrationResult{}, ErrNoTrials
	}
	res := CalibrationResult{
		Axis:   c.axis,
		Trials: len(c.scales),
		Scales: append([]float64(nil), c.scales...),
	}
	if len(c.scales) == 1 {
		res.Mean = c.scales[0]
		return res, nil
	}
	res.Mean, res.StdDev = stat.MeanStdDev(c.scales, nil)
	return res, nil
}
