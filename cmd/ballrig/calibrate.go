package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/ballrig/internal/treadmill"
)

var errCalibrationAborted = errors.New("calibration aborted")

// calibrate runs trials interactively: the operator rolls the ball a known
// number of revolutions about axis and presses Enter after each.
func (r *rig) calibrate(ctx context.Context, in io.Reader, out io.Writer, axis treadmill.Axis, revolutions float64, trials int, tick time.Duration) (treadmill.CalibrationResult, error) {
	c, err := treadmill.NewCalibrator(axis, revolutions)
	if err != nil {
		return treadmill.CalibrationResult{}, err
	}
	if trials <= 0 {
		trials = 1
	}

	wait, err := r.start(ctx)
	if err != nil {
		return treadmill.CalibrationResult{}, err
	}
	defer wait()

	lines := make(chan struct{})
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := r.clock.NewTicker(tick)
	defer ticker.Stop()

	fmt.Fprintf(out, "Roll the ball %g revolutions about the %s axis, then press Enter (trial 1/%d)\n", revolutions, axis, trials)
	done := 0
	for done < trials {
		select {
		case <-ctx.Done():
			return treadmill.CalibrationResult{}, errCalibrationAborted
		case <-ticker.C():
			r.drain(c)
			if st := r.session.State(); st.Terminal() {
				return treadmill.CalibrationResult{}, fmt.Errorf("session %s: %w", st, r.session.Err())
			}
		case _, ok := <-lines:
			if !ok {
				return treadmill.CalibrationResult{}, errCalibrationAborted
			}
			r.drain(c)
			pixels := c.Pixels()
			scale, err := c.EndTrial()
			if err != nil {
				fmt.Fprintf(out, "Trial discarded: %v\n", err)
			} else {
				done++
				fmt.Fprintf(out, "Trial %d: %d pixels, %.5f deg/pixel\n", done, pixels, scale)
			}
			if done < trials {
				fmt.Fprintf(out, "Next trial (%d/%d): roll and press Enter\n", done+1, trials)
			}
		}
	}

	res, err := c.Result()
	if err != nil {
		return res, err
	}
	fmt.Fprintf(out, "%s scale: %.5f ± %.5f deg/pixel over %d trials\n", axis, res.Mean, res.StdDev, res.Trials)
	if r.db != nil {
		if _, err := r.db.RecordCalibration(res, r.clock.Now()); err != nil {
			return res, fmt.Errorf("failed to store calibration: %w", err)
		}
	}
	return res, nil
}

func (r *rig) drain(c *treadmill.Calibrator) {
	r.session.Drain(c.Observe)
}
