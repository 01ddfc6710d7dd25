// Package bind implements the wire-to-backend argument recoder: a
// pure function, no network or cache access.
package bind

import (
	"encoding/binary"

	"github.com/gelsrv/edgecore/internal/edgeerr"
)

// nullLength is the Postgres-style sentinel for a NULL argument value:
// a 4-byte length field of -1 instead of a non-negative byte count.
const nullLength = -1

const maxArgs = 32767

type rawArg struct {
	null bool
	data []byte
}

// Recode translates a wire-format argument tuple — a 4-byte argument
// count followed by length-prefixed argument values — into the
// backend bind payload: a single-entry binary parameter-format vector,
// the argument count as a signed 16-bit integer, the argument values
// copied byte-for-byte, and a single-entry binary result-format
// vector. It fails with a BinaryProtocolError if the declared lengths
// don't account for the whole payload or the count exceeds 32767.
func Recode(payload []byte) ([]byte, error) {
	args, err := parseArgs(payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(payload)+12)
	out = appendUint16(out, 1) // parameter-format vector: one entry
	out = appendUint16(out, 1) // format code 1 = binary
	out = appendInt16(out, int16(len(args)))
	for _, a := range args {
		if a.null {
			out = appendInt32(out, nullLength)
			continue
		}
		out = appendInt32(out, int32(len(a.data)))
		out = append(out, a.data...)
	}
	out = appendUint16(out, 1) // result-format vector: one entry
	out = appendUint16(out, 1) // format code 1 = binary
	return out, nil
}

func parseArgs(payload []byte) ([]rawArg, error) {
	pos := 0
	readU32 := func() (uint32, bool) {
		if pos+4 > len(payload) {
			return 0, false
		}
		v := binary.BigEndian.Uint32(payload[pos:])
		pos += 4
		return v, true
	}

	count, ok := readU32()
	if !ok {
		return nil, malformed("missing argument count")
	}
	if count > maxArgs {
		return nil, malformed("argument count exceeds 32767")
	}

	args := make([]rawArg, 0, count)
	for i := uint32(0); i < count; i++ {
		ln, ok := readU32()
		if !ok {
			return nil, malformed("truncated argument length prefix")
		}
		if int32(ln) == nullLength {
			args = append(args, rawArg{null: true})
			continue
		}
		if pos+int(ln) > len(payload) {
			return nil, malformed("argument value overruns declared payload length")
		}
		args = append(args, rawArg{data: payload[pos : pos+int(ln)]})
		pos += int(ln)
	}
	if pos != len(payload) {
		return nil, malformed("length prefix does not match payload size")
	}
	return args, nil
}

func malformed(reason string) *edgeerr.Error {
	return edgeerr.BinaryProtocolError("malformed bind arguments: " + reason)
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt16(b []byte, v int16) []byte { return appendUint16(b, uint16(v)) }

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt32(b []byte, v int32) []byte { return appendUint32(b, uint32(v)) }
