package port

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/cjeanneret/ScanGo/internal/debug"
)

// ErrClosed is returned by SimStage after Close.
var ErrClosed = errors.New("port: closed")

type simAxis struct {
	pos    int
	target int
	params map[string]int
}

// SimStage is an in-memory stage controller speaking the ASCII command set
// (P, PS, MST, absolute moves, LS/HS/ACC/DEC, STOP, ABORT). It is used for
// mock mode and tests. Replies are "<value>\r\n". Axis letters are case
// insensitive.
//
// StepPerPoll bounds how far an axis travels toward its target on each
// position or status query. Zero moves instantly.
type SimStage struct {
	StepPerPoll int

	mu     sync.Mutex
	axes   map[byte]*simAxis
	out    bytes.Buffer
	in     []byte
	sent   []string
	closed bool
}

// NewSimStage returns a simulated controller with all axes at zero.
func NewSimStage(stepPerPoll int) *SimStage {
	return &SimStage{
		StepPerPoll: stepPerPoll,
		axes:        make(map[byte]*simAxis),
	}
}

// Opener returns an Opener that hands out this simulator regardless of
// name and baud rate, reopening it if it was closed.
func (s *SimStage) Opener() Opener {
	return func(name string, baud int) (Port, error) {
		debug.Info("Using simulated stage for %s at %d baud", name, baud)
		s.mu.Lock()
		s.closed = false
		s.out.Reset()
		s.in = s.in[:0]
		s.mu.Unlock()
		return s, nil
	}
}

// Position returns the simulated position of an axis without advancing it.
func (s *SimStage) Position(axis byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.axis(axis).pos
}

// SetPosition places an axis at pos, at rest.
func (s *SimStage) SetPosition(axis byte, pos int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.axis(axis)
	a.pos, a.target = pos, pos
}

// Commands returns every command received so far, terminator stripped.
func (s *SimStage) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *SimStage) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.in = append(s.in, p...)
	for {
		i := bytes.IndexByte(s.in, '\r')
		if i < 0 {
			break
		}
		cmd := string(s.in[:i])
		s.in = s.in[i+1:]
		s.sent = append(s.sent, cmd)
		s.handle(cmd)
	}
	return len(p), nil
}

// Read returns queued reply bytes, or 0, nil when nothing is pending,
// the same shape go.bug.st/serial reports for an elapsed read timeout.
func (s *SimStage) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.out.Len() == 0 {
		return 0, nil
	}
	return s.out.Read(p)
}

func (s *SimStage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SimStage) axis(name byte) *simAxis {
	if name >= 'A' && name <= 'Z' {
		name += 'a' - 'A'
	}
	a, ok := s.axes[name]
	if !ok {
		a = &simAxis{params: make(map[string]int)}
		s.axes[name] = a
	}
	return a
}

func (s *SimStage) reply(v int) {
	s.out.WriteString(strconv.Itoa(v))
	s.out.WriteString("\r\n")
}

func (s *SimStage) advance(a *simAxis) {
	d := a.target - a.pos
	if s.StepPerPoll <= 0 || abs(d) <= s.StepPerPoll {
		a.pos = a.target
		return
	}
	if d > 0 {
		a.pos += s.StepPerPoll
	} else {
		a.pos -= s.StepPerPoll
	}
}

var paramNames = []string{"ACC", "DEC", "LS", "HS"}

// speedAxes is the field order of the PS reply.
var speedAxes = []byte{'x', 'y', 'z', 'u'}

// speeds reports the high speed of every axis still travelling, 0 for the rest.
func (s *SimStage) speeds() string {
	fields := make([]string, len(speedAxes))
	for i, name := range speedAxes {
		v := 0
		if a, ok := s.axes[name]; ok && a.pos != a.target {
			v = a.params["HS"]
		}
		fields[i] = strconv.Itoa(v)
	}
	return strings.Join(fields, ":")
}

func (s *SimStage) handle(cmd string) {
	switch {
	case cmd == "":
		return
	case cmd == "MST":
		status := 0
		for _, a := range s.axes {
			if a.pos != a.target {
				status |= 1
			}
			s.advance(a)
		}
		s.reply(status)
		return
	case strings.HasPrefix(cmd, "ABORT") && len(cmd) == 6:
		a := s.axis(cmd[5])
		a.target = a.pos
		return
	case strings.HasPrefix(cmd, "STOP") && len(cmd) == 5:
		a := s.axis(cmd[4])
		a.target = a.pos
		return
	case cmd == "PS":
		s.out.WriteString(s.speeds())
		s.out.WriteString("\r\n")
		return
	case cmd[0] == 'P' && len(cmd) == 2:
		a := s.axis(cmd[1])
		s.advance(a)
		s.reply(a.pos)
		return
	}

	for _, name := range paramNames {
		if !strings.HasPrefix(cmd, name) || len(cmd) < len(name)+1 {
			continue
		}
		a := s.axis(cmd[len(name)])
		rest := cmd[len(name)+1:]
		if rest == "" {
			s.reply(a.params[name])
			return
		}
		if v, err := strconv.Atoi(strings.TrimPrefix(rest, "=")); err == nil && strings.HasPrefix(rest, "=") {
			a.params[name] = v
		}
		return
	}

	if v, err := strconv.Atoi(cmd[1:]); err == nil {
		s.axis(cmd[0]).target = v
		return
	}
	debug.Trace("sim: ignoring unknown command %q", cmd)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
