package wire

import (
	"encoding/binary"
	"fmt"
)

// PeekOpcode reads the opcode without validating the rest of the packet.
func PeekOpcode(data []byte) (Opcode, error) {
	if len(data) < 2 {
		return 0, ErrShortPacket
	}
	return Opcode(binary.BigEndian.Uint16(data[0:2])), nil
}

// DecodeACK parses an ACK packet, returning its block number.
func DecodeACK(data []byte) (uint16, error) {
	if len(data) != 4 {
		return 0, newFramingError(ErrIllegalOperation, "ack: wrong length")
	}
	op := Opcode(binary.BigEndian.Uint16(data[0:2]))
	if op != OpACK {
		return 0, newFramingError(ErrIllegalOperation, fmt.Sprintf("ack: unexpected opcode %s", op))
	}
	return binary.BigEndian.Uint16(data[2:4]), nil
}

// DecodedError represents a parsed ERROR packet from a peer.
type DecodedError struct {
	Code ErrorCode
	Msg  string
}

// DecodeERROR parses an ERROR packet sent by a peer (rare for a read-only
// server, but clients may still send one, e.g. on local disk-full — RTFTP
// logs it, answers with an ERROR 0 of its own, and closes the transfer).
func DecodeERROR(data []byte) (*DecodedError, error) {
	if len(data) < 4 {
		return nil, newFramingError(ErrIllegalOperation, "error: short packet")
	}
	op := Opcode(binary.BigEndian.Uint16(data[0:2]))
	if op != OpERROR {
		return nil, newFramingError(ErrIllegalOperation, fmt.Sprintf("error: unexpected opcode %s", op))
	}
	code := ErrorCode(binary.BigEndian.Uint16(data[2:4]))
	msg, _, err := readCString(data[4:])
	if err != nil {
		// Tolerate a missing terminator on an inbound ERROR; use what's there.
		msg = string(data[4:])
	}
	return &DecodedError{Code: code, Msg: msg}, nil
}
