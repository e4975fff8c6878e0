package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/gpio"
)

// TTL pulses one GPIO line per acquisition:
// 1. line to its active level
// 2. hold for the pulse width
// 3. line back to idle
//
// Polarity and width are hardware-specific and must be given explicitly.
type TTL struct {
	gpio       gpio.Driver
	pin        int
	active     gpio.Level
	pulseWidth time.Duration
	sleep      func(time.Duration)
}

// NewTTL configures pin as an output parked at its idle level.
func NewTTL(g gpio.Driver, pin int, activeHigh bool, pulseWidth time.Duration) (*TTL, error) {
	if pulseWidth <= 0 {
		return nil, errors.New("trigger: pulse width must be > 0")
	}
	t := &TTL{
		gpio:       g,
		pin:        pin,
		active:     gpio.Level(activeHigh),
		pulseWidth: pulseWidth,
		sleep:      time.Sleep,
	}
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("trigger: setup pin %d: %w", pin, err)
	}
	if err := g.WritePin(pin, !t.active); err != nil {
		return nil, fmt.Errorf("trigger: idle pin %d: %w", pin, err)
	}
	return t, nil
}

func (t *TTL) Fire(target, measured int) error {
	debug.Verbose("TTL pulse on pin %d at target %d (measured %d)", t.pin, target, measured)
	if err := t.gpio.WritePin(t.pin, t.active); err != nil {
		return fmt.Errorf("trigger: assert pin %d: %w", t.pin, err)
	}
	t.sleep(t.pulseWidth)
	if err := t.gpio.WritePin(t.pin, !t.active); err != nil {
		return fmt.Errorf("trigger: release pin %d: %w", t.pin, err)
	}
	return nil
}
