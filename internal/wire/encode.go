package wire

import (
	"encoding/binary"
)

// EncodeDATA builds a DATA packet: opcode(2) block(2) data(n).
func EncodeDATA(block uint16, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(buf[2:4], block)
	copy(buf[4:], data)
	return buf
}

// EncodeACK builds an ACK packet: opcode(2) block(2).
func EncodeACK(block uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(buf[2:4], block)
	return buf
}

// EncodeERROR builds an ERROR packet: opcode(2) code(2) msg NUL.
func EncodeERROR(code ErrorCode, msg string) []byte {
	buf := make([]byte, 4, 4+len(msg)+1)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpERROR))
	binary.BigEndian.PutUint16(buf[2:4], uint16(code))
	buf = append(buf, msg...)
	buf = append(buf, 0)
	return buf
}

// EncodeOACK builds an OACK packet listing only the options the server
// accepted, per spec.md §4.1 ("OACK enumerates only options the server
// accepted").
func EncodeOACK(opts []Option) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpOACK))
	for _, o := range opts {
		buf = append(buf, o.Name...)
		buf = append(buf, 0)
		buf = append(buf, o.Value...)
		buf = append(buf, 0)
	}
	return buf
}
