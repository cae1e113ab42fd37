package resp

import (
	"fmt"
	"strconv"
)

// Kind identifies the variant held by a Frame.
type Kind byte

// Frame variants. The wire markers are fixed by the protocol; Kind values
// are internal and carry no wire meaning.
const (
	KindSimple Kind = iota
	KindError
	KindInteger
	KindBulk
	KindNull
	KindArray
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulk:
		return "bulk"
	case KindNull:
		return "null"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Frame is one self-delimited unit of the RESP protocol.
//
// Exactly one field is meaningful for a given Kind: Str for simple strings
// and errors, Int for integers, Bulk for bulk strings, Array for arrays.
// A null frame carries no payload.
type Frame struct {
	Kind  Kind
	Str   string
	Int   int64
	Bulk  []byte
	Array []Frame
}

// SimpleString builds a simple string frame ("+...\r\n").
func SimpleString(s string) Frame {
	return Frame{Kind: KindSimple, Str: s}
}

// ErrorString builds an error frame ("-...\r\n").
func ErrorString(s string) Frame {
	return Frame{Kind: KindError, Str: s}
}

// Integer builds an integer frame (":...\r\n").
func Integer(n int64) Frame {
	return Frame{Kind: KindInteger, Int: n}
}

// Bulk builds a bulk string frame. A nil payload is a valid empty bulk,
// not a null frame; use Null for the null bulk form.
func Bulk(b []byte) Frame {
	if b == nil {
		b = []byte{}
	}
	return Frame{Kind: KindBulk, Bulk: b}
}

// BulkString builds a bulk string frame from a string.
func BulkString(s string) Frame {
	return Frame{Kind: KindBulk, Bulk: []byte(s)}
}

// Null builds the null frame, encoded in the null-bulk form ("$-1\r\n").
func Null() Frame {
	return Frame{Kind: KindNull}
}

// Array builds an array frame from the given elements.
func Array(elems ...Frame) Frame {
	if elems == nil {
		elems = []Frame{}
	}
	return Frame{Kind: KindArray, Array: elems}
}

// Command builds the array-of-bulk-strings form used to transmit commands.
func Command(name string, args ...[]byte) Frame {
	elems := make([]Frame, 0, len(args)+1)
	elems = append(elems, BulkString(name))
	for _, a := range args {
		elems = append(elems, Bulk(a))
	}
	return Array(elems...)
}

// IsNull reports whether the frame is the null frame.
func (f Frame) IsNull() bool {
	return f.Kind == KindNull
}

// Equal reports deep equality of two frames.
func (f Frame) Equal(other Frame) bool {
	if f.Kind != other.Kind {
		return false
	}
	switch f.Kind {
	case KindSimple, KindError:
		return f.Str == other.Str
	case KindInteger:
		return f.Int == other.Int
	case KindBulk:
		return string(f.Bulk) == string(other.Bulk)
	case KindNull:
		return true
	case KindArray:
		if len(f.Array) != len(other.Array) {
			return false
		}
		for i := range f.Array {
			if !f.Array[i].Equal(other.Array[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders the frame for logs and test failures, not for the wire.
func (f Frame) String() string {
	switch f.Kind {
	case KindSimple:
		return "+" + f.Str
	case KindError:
		return "-" + f.Str
	case KindInteger:
		return ":" + strconv.FormatInt(f.Int, 10)
	case KindBulk:
		return fmt.Sprintf("$%q", f.Bulk)
	case KindNull:
		return "(nil)"
	case KindArray:
		out := "["
		for i, e := range f.Array {
			if i > 0 {
				out += " "
			}
			out += e.String()
		}
		return out + "]"
	default:
		return "(?)"
	}
}

// AppendEncode appends the wire encoding of f to dst and returns the
// extended buffer.
func AppendEncode(dst []byte, f Frame) []byte {
	switch f.Kind {
	case KindSimple:
		dst = append(dst, '+')
		dst = append(dst, f.Str...)
		dst = append(dst, '\r', '\n')
	case KindError:
		dst = append(dst, '-')
		dst = append(dst, f.Str...)
		dst = append(dst, '\r', '\n')
	case KindInteger:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, f.Int, 10)
		dst = append(dst, '\r', '\n')
	case KindBulk:
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(f.Bulk)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, f.Bulk...)
		dst = append(dst, '\r', '\n')
	case KindNull:
		dst = append(dst, "$-1\r\n"...)
	case KindArray:
		dst = append(dst, '*')
		dst = strconv.AppendInt(dst, int64(len(f.Array)), 10)
		dst = append(dst, '\r', '\n')
		for _, e := range f.Array {
			dst = AppendEncode(dst, e)
		}
	}
	return dst
}

// Encode returns the wire encoding of f.
func Encode(f Frame) []byte {
	return AppendEncode(nil, f)
}
