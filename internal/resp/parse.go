package resp

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrEndOfStream reports that all elements of the command array have been
// consumed. Commands with optional trailing arguments check for it to
// distinguish "argument absent" from a malformed argument.
var ErrEndOfStream = errors.New("resp: end of stream")

// Parse extracts typed command arguments from a decoded array frame.
//
// Each NextX call pops the next element and coerces it to the requested
// shape, failing with a protocol error when the shape does not match.
// After consuming all required arguments the caller asserts exhaustion
// with Finish, which lets every command validate its own arity.
type Parse struct {
	elems []Frame
	pos   int
}

// NewParse creates a Parse over the elements of an array frame.
func NewParse(f Frame) (*Parse, error) {
	if f.Kind != KindArray {
		return nil, fmt.Errorf("%w: expected array, got %s", ErrProtocol, f.Kind)
	}
	return &Parse{elems: f.Array}, nil
}

// Next pops the next raw frame.
func (p *Parse) Next() (Frame, error) {
	if p.pos >= len(p.elems) {
		return Frame{}, ErrEndOfStream
	}
	f := p.elems[p.pos]
	p.pos++
	return f, nil
}

// NextString pops the next element as a string. Bulk and simple string
// frames qualify; anything else is a protocol error.
func (p *Parse) NextString() (string, error) {
	f, err := p.Next()
	if err != nil {
		return "", err
	}
	switch f.Kind {
	case KindBulk:
		return string(f.Bulk), nil
	case KindSimple:
		return f.Str, nil
	default:
		return "", fmt.Errorf("%w: expected string, got %s", ErrProtocol, f.Kind)
	}
}

// NextBytes pops the next element as a raw byte payload.
func (p *Parse) NextBytes() ([]byte, error) {
	f, err := p.Next()
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case KindBulk:
		return f.Bulk, nil
	case KindSimple:
		return []byte(f.Str), nil
	default:
		return nil, fmt.Errorf("%w: expected bytes, got %s", ErrProtocol, f.Kind)
	}
}

// NextInt pops the next element as an integer. Integer frames are taken
// as-is; string-shaped frames are parsed as decimal, matching how clients
// transmit numeric arguments as bulk strings.
func (p *Parse) NextInt() (int64, error) {
	f, err := p.Next()
	if err != nil {
		return 0, err
	}
	switch f.Kind {
	case KindInteger:
		return f.Int, nil
	case KindBulk:
		n, err := strconv.ParseInt(string(f.Bulk), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid integer %q", ErrProtocol, f.Bulk)
		}
		return n, nil
	case KindSimple:
		n, err := strconv.ParseInt(f.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid integer %q", ErrProtocol, f.Str)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: expected integer, got %s", ErrProtocol, f.Kind)
	}
}

// Remaining returns the number of unconsumed elements.
func (p *Parse) Remaining() int {
	return len(p.elems) - p.pos
}

// Finish asserts that every element was consumed. Leftover elements mean
// the client sent more arguments than the command accepts.
func (p *Parse) Finish() error {
	if p.pos < len(p.elems) {
		return fmt.Errorf("%w: %d trailing arguments", ErrProtocol, len(p.elems)-p.pos)
	}
	return nil
}
