package stage

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/port"
)

// Controller drives a stage controller over one exclusively owned port.
// It is not safe for concurrent use; callers serialize access.
type Controller struct {
	port port.Port
	name string
	baud int
}

// AxisParams are the per-axis motion profile settings. A zero field is
// left untouched by SetAxisParams.
type AxisParams struct {
	LowSpeed     int `json:"low_speed" yaml:"low_speed"`
	HighSpeed    int `json:"high_speed" yaml:"high_speed"`
	Acceleration int `json:"acceleration" yaml:"acceleration"`
	Deceleration int `json:"deceleration" yaml:"deceleration"`
}

// MovePollInterval is the pause between motion status queries in WaitMove.
var MovePollInterval = 10 * time.Millisecond

// Connect opens name through go.bug.st/serial.
func Connect(name string, baud int) (*Controller, error) {
	return ConnectWith(port.OpenBugst, name, baud)
}

// ConnectWith opens name with the given opener. Open failures are
// reported as *SerialError.
func ConnectWith(open port.Opener, name string, baud int) (*Controller, error) {
	p, err := open(name, baud)
	if err != nil {
		return nil, &SerialError{Port: name, Err: err}
	}
	debug.Info("Connected to %s at %d baud", name, baud)
	return &Controller{port: p, name: name, baud: baud}, nil
}

// NewController wraps an already open port.
func NewController(p port.Port) *Controller {
	return &Controller{port: p}
}

// PortName returns the name the controller was opened with.
func (c *Controller) PortName() string { return c.name }

// BaudRate returns the baud rate the controller was opened with.
func (c *Controller) BaudRate() int { return c.baud }

func (c *Controller) send(cmd string) error {
	if c.port == nil {
		return ErrNotConnected
	}
	debug.Serial("TX", cmd)
	frame := encodeCommand(cmd)
	n, err := c.port.Write(frame)
	if err != nil {
		return &IOError{Op: "write " + cmd, Err: err}
	}
	if n != len(frame) {
		return &IOError{Op: "write " + cmd, Err: io.ErrShortWrite}
	}
	return nil
}

func (c *Controller) query(cmd string) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", err
	}
	resp, err := readResponse(c.port)
	if err != nil {
		return "", err
	}
	debug.Serial("RX", resp)
	return resp, nil
}

func (c *Controller) queryInt(cmd string) (int, error) {
	resp, err := c.query(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(resp), 10, 32)
	if err != nil {
		return 0, &InvalidResponseError{Command: cmd, Raw: resp}
	}
	return int(v), nil
}

// GetPosition queries the current position of axis.
func (c *Controller) GetPosition(axis byte) (int, error) {
	return c.queryInt(fmt.Sprintf("P%c", axis))
}

// MoveTo starts an absolute move. It returns once the command is written
// and does not wait for the move to finish.
func (c *Controller) MoveTo(axis byte, position int) error {
	debug.Move(axis, position)
	return c.send(fmt.Sprintf("%c%d", axis, position))
}

// IsMoving reports bit 0 of the motion status word. A reply that is not
// an integer reads as "not moving".
func (c *Controller) IsMoving() (bool, error) {
	resp, err := c.query("MST")
	if err != nil {
		return false, err
	}
	status, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		debug.Verbose("Unparsable motion status %q, assuming idle", resp)
		status = 0
	}
	return status&1 != 0, nil
}

// upperAxis renders axis for the motion profile and stop commands, which
// the controller expects in upper case. Positions, moves and SetHighSpeed
// send the axis as given.
func upperAxis(axis byte) string {
	return strings.ToUpper(string([]byte{axis}))
}

// WaitMove polls the motion status every MovePollInterval until the stage
// is idle. It fails with ErrMoveTimeout once timeout has elapsed, or with
// the context error when ctx ends first. A timeout <= 0 waits on ctx alone.
func (c *Controller) WaitMove(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(MovePollInterval)
	defer ticker.Stop()

	for {
		moving, err := c.IsMoving()
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w after %s", ErrMoveTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// Speeds queries the instantaneous speed of every axis, in controller
// order (X, Y, Z, U). Empty fields in the colon-separated reply are skipped.
func (c *Controller) Speeds() ([]int, error) {
	resp, err := c.query("PS")
	if err != nil {
		return nil, err
	}
	var out []int
	for _, f := range strings.Split(strings.TrimSpace(resp), ":") {
		if f == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, &InvalidResponseError{Command: "PS", Raw: resp}
		}
		out = append(out, v)
	}
	return out, nil
}

// SetHighSpeed sets the high speed of axis. No reply is read.
func (c *Controller) SetHighSpeed(axis byte, speed int) error {
	return c.send(fmt.Sprintf("HS%c=%d", axis, speed))
}

// SetAxisParams writes the non-zero fields of p. No replies are read.
func (c *Controller) SetAxisParams(axis byte, p AxisParams) error {
	settings := []struct {
		name  string
		value int
	}{
		{"LS", p.LowSpeed},
		{"HS", p.HighSpeed},
		{"ACC", p.Acceleration},
		{"DEC", p.Deceleration},
	}
	for _, s := range settings {
		if s.value == 0 {
			continue
		}
		if err := c.send(fmt.Sprintf("%s%s=%d", s.name, upperAxis(axis), s.value)); err != nil {
			return err
		}
	}
	debug.PrintStruct(fmt.Sprintf("Axis %c params", axis), p)
	return nil
}

// AxisParams reads back the motion profile of axis.
func (c *Controller) AxisParams(axis byte) (AxisParams, error) {
	var p AxisParams
	fields := []struct {
		name string
		dst  *int
	}{
		{"LS", &p.LowSpeed},
		{"HS", &p.HighSpeed},
		{"ACC", &p.Acceleration},
		{"DEC", &p.Deceleration},
	}
	for _, f := range fields {
		v, err := c.queryInt(f.name + upperAxis(axis))
		if err != nil {
			return AxisParams{}, err
		}
		*f.dst = v
	}
	return p, nil
}

// Stop decelerates axis to a stop, or halts it at once when immediate is set.
func (c *Controller) Stop(axis byte, immediate bool) error {
	if immediate {
		return c.send("ABORT" + upperAxis(axis))
	}
	return c.send("STOP" + upperAxis(axis))
}

// Close releases the port. Later calls return ErrNotConnected.
func (c *Controller) Close() error {
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	debug.Info("Disconnected from %s", c.name)
	return err
}
