package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/trigger"
	"github.com/cjeanneret/ScanGo/internal/logic/sweep"
)

// Stage is the part of the controller driver a scan needs.
type Stage interface {
	GetPosition(axis byte) (int, error)
	MoveTo(axis byte, position int) error
}

// Params tunes the arrival windows and poll cadence of a scan.
type Params struct {
	Axis           byte
	StartTolerance int           // arrival window at the start position (exclusive)
	StepTolerance  int           // arrival window at each sweep target (exclusive)
	StartPoll      time.Duration // sleep between polls while homing to the start
	StepPoll       time.Duration // sleep between polls at each target

	// RejectNonPositiveStep fails fast instead of sweeping forever.
	RejectNonPositiveStep bool
}

// DefaultParams returns the stock windows: 10 units at the start, 5 per
// step, polled every 10ms and 100µs.
func DefaultParams() Params {
	return Params{
		Axis:           'x',
		StartTolerance: 10,
		StepTolerance:  5,
		StartPoll:      10 * time.Millisecond,
		StepPoll:       100 * time.Microsecond,
	}
}

// maxPrealloc bounds the result capacity reserved up front; longer sweeps
// grow the slice as points arrive.
const maxPrealloc = 1024

// Result is one recorded scan point.
type Result struct {
	Target   int `json:"target"`
	Measured int `json:"measured"`
}

// Sequence runs move / wait-for-arrival / trigger cycles across a range.
type Sequence struct {
	stage   Stage
	trigger trigger.Trigger
	params  Params
}

// NewSequence builds a scan over s. A nil trigger fires nothing.
func NewSequence(s Stage, t trigger.Trigger, p Params) *Sequence {
	if t == nil {
		t = trigger.None{}
	}
	return &Sequence{stage: s, trigger: t, params: p}
}

// Params returns the parameters the sequence runs with.
func (s *Sequence) Params() Params { return s.params }

func within(pos, target, tolerance int) bool {
	d := pos - target
	if d < 0 {
		d = -d
	}
	return d < tolerance
}

// MoveToStart commands the start position and waits until the axis is
// inside the start window. Position query failures while waiting are
// skipped, not returned.
func (s *Sequence) MoveToStart(ctx context.Context, start int) error {
	axis := s.params.Axis
	debug.Live("Moving %c to start position %d", axis, start)
	if err := s.stage.MoveTo(axis, start); err != nil {
		return fmt.Errorf("move to start %d: %w", start, err)
	}
	return PollUntil(ctx, s.params.StartPoll, IgnoreErrors, func() (bool, error) {
		pos, err := s.stage.GetPosition(axis)
		if err != nil {
			return false, err
		}
		return within(pos, start, s.params.StartTolerance), nil
	})
}

// Run sweeps r and returns one Result per target in sweep order. Any
// error during the sweep aborts it and no partial results are returned.
// With a step <= 0 the sweep only ends through ctx, unless
// RejectNonPositiveStep is set.
func (s *Sequence) Run(ctx context.Context, r sweep.Range) ([]Result, error) {
	if err := r.Validate(s.params.RejectNonPositiveStep); err != nil {
		return nil, err
	}
	axis := s.params.Axis
	n, ok := r.Count()
	if !ok {
		n = -1
	}
	debug.Sweep(axis, r.Min, r.Max, r.Step, n)

	if err := s.MoveToStart(ctx, r.Min); err != nil {
		return nil, err
	}

	var results []Result
	if n > 0 {
		results = make([]Result, 0, min(n, maxPrealloc))
	}
	for cur := r.Min; cur <= r.Max; cur += r.Step {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := s.stage.MoveTo(axis, cur); err != nil {
			return nil, fmt.Errorf("move to %d: %w", cur, err)
		}

		target := cur
		err := PollUntil(ctx, s.params.StepPoll, PropagateErrors, func() (bool, error) {
			pos, err := s.stage.GetPosition(axis)
			if err != nil {
				return false, fmt.Errorf("position at target %d: %w", target, err)
			}
			if !within(pos, target, s.params.StepTolerance) {
				return false, nil
			}
			if err := s.trigger.Fire(target, pos); err != nil {
				return false, fmt.Errorf("trigger at target %d: %w", target, err)
			}
			results = append(results, Result{Target: target, Measured: pos})
			debug.Point(len(results), target, pos)
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}

	if results == nil {
		results = []Result{}
	}
	debug.Info("Scan complete: %d points", len(results))
	return results, nil
}
