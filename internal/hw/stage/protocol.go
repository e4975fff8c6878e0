package stage

import (
	"io"
	"strings"
)

const terminator = '\r'

// encodeCommand appends the single carriage return every command carries.
func encodeCommand(cmd string) []byte {
	b := make([]byte, 0, len(cmd)+1)
	b = append(b, cmd...)
	return append(b, terminator)
}

func isLineEnd(c byte) bool { return c == '\r' || c == '\n' }

// readResponse reads one reply a byte at a time. Terminators seen before
// any content are skipped; the first terminator after content ends the
// line. A read that returns nothing means the read window elapsed.
func readResponse(r io.Reader) (string, error) {
	var (
		line []byte
		b    [1]byte
	)
	for {
		n, err := r.Read(b[:])
		if n > 0 {
			if !isLineEnd(b[0]) {
				line = append(line, b[0])
			} else if len(line) > 0 {
				return strings.ToValidUTF8(string(line), "\uFFFD"), nil
			}
		}
		if err != nil {
			if isTimeout(err) {
				return "", ErrTimeout
			}
			return "", &IOError{Op: "read", Err: err}
		}
		if n == 0 {
			return "", ErrTimeout
		}
	}
}
