package wire

import (
	"bytes"
	"fmt"
	"strings"
)

// Option is a single negotiated or requested TFTP option (RFC 2347).
type Option struct {
	Name  string
	Value string
}

// RRQ is a decoded read-request packet.
type RRQ struct {
	Filename string
	Mode     string
	Options  []Option // in wire order; unknown options are kept for nothing, caller filters
}

// DecodeRRQ parses a whole RRQ packet, including its leading opcode, which
// must be OpRRQ.
//
// Per spec.md §4.1: mode must be case-insensitive "octet"; anything else
// produces ErrIllegalOperation (ERROR 4). Filename/mode/option fields are
// NUL-terminated ASCII; a frame that never terminates a field, or that ends
// mid-option-pair, is malformed framing.
func DecodeRRQ(data []byte) (*RRQ, error) {
	if len(data) < 2 {
		return nil, newFramingError(ErrIllegalOperation, "rrq: short packet")
	}

	opcode := Opcode(uint16(data[0])<<8 | uint16(data[1]))
	if opcode != OpRRQ {
		return nil, newFramingError(ErrIllegalOperation, fmt.Sprintf("rrq: unexpected opcode %s", opcode))
	}

	rest := data[2:]

	filename, rest, err := readCString(rest)
	if err != nil {
		return nil, newFramingError(ErrIllegalOperation, "rrq: unterminated filename")
	}
	if filename == "" {
		return nil, newFramingError(ErrIllegalOperation, "rrq: empty filename")
	}

	mode, rest, err := readCString(rest)
	if err != nil {
		return nil, newFramingError(ErrIllegalOperation, "rrq: unterminated mode")
	}
	if !strings.EqualFold(mode, ModeOctet) {
		return nil, newFramingError(ErrIllegalOperation, fmt.Sprintf("rrq: unsupported mode %q", mode))
	}

	var opts []Option
	for len(rest) > 0 {
		name, r, err := readCString(rest)
		if err != nil {
			return nil, newFramingError(ErrIllegalOperation, "rrq: unterminated option name")
		}
		rest = r

		value, r, err := readCString(rest)
		if err != nil {
			return nil, newFramingError(ErrIllegalOperation, "rrq: unterminated option value")
		}
		rest = r

		opts = append(opts, Option{Name: strings.ToLower(name), Value: value})
	}

	return &RRQ{Filename: filename, Mode: strings.ToLower(mode), Options: opts}, nil
}

// readCString reads bytes up to and including the next NUL byte, returning
// the string without the terminator and the remaining buffer. It rejects
// embedded NULs beyond the terminator implicitly (bytes.IndexByte finds the
// first one) and rejects a buffer with no terminator at all.
func readCString(buf []byte) (string, []byte, error) {
	idx := bytes.IndexByte(buf, 0)
	if idx < 0 {
		return "", nil, fmt.Errorf("wire: missing NUL terminator")
	}
	return string(buf[:idx]), buf[idx+1:], nil
}
