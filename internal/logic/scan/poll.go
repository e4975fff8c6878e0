package scan

import (
	"context"
	"time"

	"github.com/cjeanneret/ScanGo/internal/debug"
)

// ErrorPolicy decides what a poll loop does with a failed probe.
type ErrorPolicy int

const (
	// IgnoreErrors logs a failed probe and polls again.
	IgnoreErrors ErrorPolicy = iota
	// PropagateErrors ends the loop with the probe's error.
	PropagateErrors
)

func (p ErrorPolicy) String() string {
	switch p {
	case IgnoreErrors:
		return "ignore"
	case PropagateErrors:
		return "propagate"
	default:
		return "unknown"
	}
}

// PollUntil calls probe until it reports done, sleeping interval between
// attempts. There is no overall deadline: only ctx ends a loop whose probe
// never succeeds.
func PollUntil(ctx context.Context, interval time.Duration, policy ErrorPolicy, probe func() (bool, error)) error {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		done, err := probe()
		switch {
		case err != nil && policy == PropagateErrors:
			return err
		case err != nil:
			debug.Verbose("Poll attempt %d failed, retrying: %v", attempt, err)
		case done:
			return nil
		}

		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
