// Package resp implements the RESP wire protocol used by KeyMesh.
//
// It provides three things:
//
//   - Frame: a typed representation of one self-delimited protocol unit
//     (simple string, error, integer, bulk string, null, array).
//   - Decode/Encode: a resumable byte-level codec. Decode never consumes
//     input for a partial frame; it reports ErrIncomplete so the caller can
//     read more bytes and retry against the same buffer.
//   - Parse: sequential typed extraction of command arguments from a
//     decoded array frame, with an explicit exhaustion check.
//
// The codec knows nothing about commands; command semantics live in the
// server's dispatch layer.
package resp
