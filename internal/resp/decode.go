package resp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Protocol limits to prevent DoS attacks.
const (
	// MaxArrayLen limits the number of elements in a RESP array.
	// Commands have <20 args; multi-value replies stay well under this.
	MaxArrayLen = 1024

	// MaxBulkLen limits the size of a single bulk string (512KB).
	MaxBulkLen = 512 * 1024
)

var (
	// ErrIncomplete reports that the buffer ends mid-frame. The caller
	// should read more bytes and retry; no input was consumed.
	ErrIncomplete = errors.New("resp: incomplete frame")

	// ErrProtocol reports a malformed frame. The stream position can no
	// longer be trusted, so the connection must be closed.
	ErrProtocol = errors.New("resp: protocol error")

	// ErrLimitExceeded reports a frame that exceeds a protocol limit.
	ErrLimitExceeded = errors.New("resp: limit exceeded")
)

// Decode decodes the first frame in buf. On success it returns the frame
// and the number of bytes consumed. If buf holds only a partial frame it
// returns ErrIncomplete and consumes nothing, so the caller can append
// more bytes and call Decode again.
func Decode(buf []byte) (Frame, int, error) {
	f, n, err := decodeAt(buf, 0)
	if err != nil {
		return Frame{}, 0, err
	}
	return f, n, nil
}

func decodeAt(buf []byte, pos int) (Frame, int, error) {
	if pos >= len(buf) {
		return Frame{}, 0, ErrIncomplete
	}

	switch buf[pos] {
	case '+':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Frame{}, 0, err
		}
		return SimpleString(string(line)), next, nil

	case '-':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Frame{}, 0, err
		}
		return ErrorString(string(line)), next, nil

	case ':':
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return Frame{}, 0, err
		}
		n, err := parseInt(line)
		if err != nil {
			return Frame{}, 0, fmt.Errorf("%w: invalid integer %q", ErrProtocol, line)
		}
		return Integer(n), next, nil

	case '$':
		return decodeBulk(buf, pos+1)

	case '*':
		return decodeArray(buf, pos+1)

	default:
		return Frame{}, 0, fmt.Errorf("%w: unknown type marker %q", ErrProtocol, buf[pos])
	}
}

func decodeBulk(buf []byte, pos int) (Frame, int, error) {
	line, next, err := readLine(buf, pos)
	if err != nil {
		return Frame{}, 0, err
	}
	n, err := parseInt(line)
	if err != nil {
		return Frame{}, 0, fmt.Errorf("%w: invalid bulk length %q", ErrProtocol, line)
	}
	if n == -1 {
		// Canonical null marker; no payload follows.
		return Null(), next, nil
	}
	if n < 0 {
		return Frame{}, 0, fmt.Errorf("%w: negative bulk length %d", ErrProtocol, n)
	}
	if n > MaxBulkLen {
		return Frame{}, 0, fmt.Errorf("%w: bulk length %d exceeds limit %d", ErrLimitExceeded, n, MaxBulkLen)
	}

	end := next + int(n) + 2
	if end > len(buf) {
		return Frame{}, 0, ErrIncomplete
	}
	if buf[end-2] != '\r' || buf[end-1] != '\n' {
		return Frame{}, 0, fmt.Errorf("%w: invalid bulk terminator", ErrProtocol)
	}

	payload := make([]byte, n)
	copy(payload, buf[next:next+int(n)])
	return Bulk(payload), end, nil
}

func decodeArray(buf []byte, pos int) (Frame, int, error) {
	line, next, err := readLine(buf, pos)
	if err != nil {
		return Frame{}, 0, err
	}
	n, err := parseInt(line)
	if err != nil {
		return Frame{}, 0, fmt.Errorf("%w: invalid array length %q", ErrProtocol, line)
	}
	if n == -1 {
		// Null array; decoded as the null frame.
		return Null(), next, nil
	}
	if n < 0 {
		return Frame{}, 0, fmt.Errorf("%w: negative array length %d", ErrProtocol, n)
	}
	if n > MaxArrayLen {
		return Frame{}, 0, fmt.Errorf("%w: array length %d exceeds limit %d", ErrLimitExceeded, n, MaxArrayLen)
	}

	elems := make([]Frame, 0, n)
	for i := int64(0); i < n; i++ {
		elem, after, err := decodeAt(buf, next)
		if err != nil {
			return Frame{}, 0, err
		}
		elems = append(elems, elem)
		next = after
	}
	return Array(elems...), next, nil
}

// readLine returns the bytes between pos and the next CRLF, and the offset
// just past the CRLF.
func readLine(buf []byte, pos int) ([]byte, int, error) {
	idx := bytes.IndexByte(buf[pos:], '\n')
	if idx < 0 {
		return nil, 0, ErrIncomplete
	}
	end := pos + idx
	if end == pos || buf[end-1] != '\r' {
		return nil, 0, fmt.Errorf("%w: missing CRLF", ErrProtocol)
	}
	return buf[pos : end-1], end + 1, nil
}

func parseInt(line []byte) (int64, error) {
	if len(line) == 0 {
		return 0, fmt.Errorf("empty integer")
	}
	return strconv.ParseInt(string(line), 10, 64)
}
