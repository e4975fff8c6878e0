package stage

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrTimeout is returned when no line terminator arrives within the read window.
	ErrTimeout = errors.New("stage: timeout waiting for response")
	// ErrNotConnected is returned when an operation is issued without an open port.
	ErrNotConnected = errors.New("stage: not connected")
	// ErrMoveTimeout is returned when the stage is still moving at the end of a wait.
	ErrMoveTimeout = errors.New("stage: move did not finish")
)

// SerialError reports a port that could not be opened.
type SerialError struct {
	Port string
	Err  error
}

func (e *SerialError) Error() string {
	return fmt.Sprintf("stage: serial port %s: %v", e.Port, e.Err)
}

func (e *SerialError) Unwrap() error { return e.Err }

// IOError wraps a lower-level read or write failure.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("stage: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// InvalidResponseError carries a reply that could not be parsed.
type InvalidResponseError struct {
	Command string
	Raw     string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("stage: invalid response to %s: %q", e.Command, e.Raw)
}

// IsUsageError reports whether err is caused by calling the driver in the
// wrong state rather than by the device or the link.
func IsUsageError(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsIOError reports whether err came from the port or the device.
func IsIOError(err error) bool {
	if err == nil || IsUsageError(err) {
		return false
	}
	var (
		se *SerialError
		ie *IOError
		re *InvalidResponseError
	)
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrMoveTimeout) || errors.As(err, &se) || errors.As(err, &ie) || errors.As(err, &re)
}

// isTimeout recognizes the ways serial backends report an elapsed read window.
func isTimeout(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
