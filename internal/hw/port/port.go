package port

import (
	"fmt"
	"io"
	"time"

	tarm "github.com/tarm/serial"
	"go.bug.st/serial"

	"github.com/cjeanneret/ScanGo/internal/debug"
)

// ReadTimeout is the per-read window applied to every port opened here.
const ReadTimeout = 100 * time.Millisecond

// Port is an open byte stream to a stage controller.
// A Read that waits out the read timeout without data returns 0 bytes,
// with a nil error (go.bug.st) or io.EOF (tarm).
type Port interface {
	io.ReadWriteCloser
}

// Backend selects the serial library used to open a device.
type Backend string

const (
	BackendBugst Backend = "bugst"
	BackendTarm  Backend = "tarm"
)

// Opener opens a named port at a baud rate.
type Opener func(name string, baud int) (Port, error)

// allow tests to override external dependencies
var (
	openBugst    = func(name string, mode *serial.Mode) (serial.Port, error) { return serial.Open(name, mode) }
	openTarm     = func(c *tarm.Config) (*tarm.Port, error) { return tarm.OpenPort(c) }
	getPortsList = serial.GetPortsList
)

// NewOpener returns an Opener for the given backend. An empty backend
// selects go.bug.st/serial.
func NewOpener(backend Backend) (Opener, error) {
	switch backend {
	case "", BackendBugst:
		return OpenBugst, nil
	case BackendTarm:
		return OpenTarm, nil
	default:
		return nil, fmt.Errorf("unknown serial backend: %q", backend)
	}
}

// OpenBugst opens name with 8N1 framing and the fixed read timeout.
func OpenBugst(name string, baud int) (Port, error) {
	debug.Verbose("Opening %s at %d baud (go.bug.st)", name, baud)
	p, err := openBugst(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return p, nil
}

// OpenTarm opens name through github.com/tarm/serial.
func OpenTarm(name string, baud int) (Port, error) {
	debug.Verbose("Opening %s at %d baud (tarm)", name, baud)
	p, err := openTarm(&tarm.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPorts returns the serial device names known to the OS.
func ListPorts() ([]string, error) {
	ports, err := getPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing ports: %w", err)
	}
	return ports, nil
}
