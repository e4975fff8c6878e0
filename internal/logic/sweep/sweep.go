package sweep

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNonPositiveStep is returned by strict validation when the step would
// never advance the sweep.
var ErrNonPositiveStep = errors.New("sweep: step must be > 0")

// ErrOutOfRange is returned when a bound or the step does not fit the
// controller's 32-bit position register.
var ErrOutOfRange = errors.New("sweep: value outside the 32-bit position range")

// Range is an inclusive sweep Min, Min+Step, ... <= Max in device units.
// Nothing forces Step > 0; see Count.
type Range struct {
	Min  int `json:"x_min" yaml:"x_min"`
	Max  int `json:"x_max" yaml:"x_max"`
	Step int `json:"step" yaml:"step"`
}

// Count returns the number of targets in the sweep. ok is false when the
// sweep never ends (Step <= 0 with Min <= Max).
func (r Range) Count() (n int, ok bool) {
	if r.Min > r.Max {
		return 0, true
	}
	if r.Step <= 0 {
		return 0, false
	}
	return (r.Max-r.Min)/r.Step + 1, true
}

// Targets lists the sweep targets in order. It returns nil for an
// unbounded sweep.
func (r Range) Targets() []int {
	n, ok := r.Count()
	if !ok || n == 0 {
		return nil
	}
	out := make([]int, 0, n)
	for cur := r.Min; cur <= r.Max; cur += r.Step {
		out = append(out, cur)
	}
	return out
}

func fitsPosition(v int) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}

// Validate rejects bounds or a step outside the 32-bit position range, and
// a non-positive step when strict is set. The lenient form accepts any
// in-range sweep, including one that never ends.
func (r Range) Validate(strict bool) error {
	for _, v := range []int{r.Min, r.Max, r.Step} {
		if !fitsPosition(v) {
			return fmt.Errorf("%w: %s", ErrOutOfRange, r)
		}
	}
	if strict && r.Step <= 0 {
		return fmt.Errorf("%w, got %d", ErrNonPositiveStep, r.Step)
	}
	return nil
}

func (r Range) String() string {
	return fmt.Sprintf("%d:%d:%d", r.Min, r.Max, r.Step)
}

// Parse reads "min:max:step".
func Parse(s string) (Range, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Range{}, fmt.Errorf("sweep: want min:max:step, got %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Range{}, fmt.Errorf("sweep: bad number %q: %w", p, err)
		}
		vals[i] = v
	}
	return Range{Min: vals[0], Max: vals[1], Step: vals[2]}, nil
}
