// Package wire implements the binary little-endian instruction encoding.
// Readers and writers advance an explicit offset cursor and bounds-check
// every access; a short or overlong payload fails without any state change.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidInstruction is returned for any malformed payload: truncated
// fields, unknown discriminators, or trailing garbage.
var ErrInvalidInstruction = errors.New("invalid instruction")

// ReadU8 reads a byte at the offset.
func ReadU8(data []byte, offset *int) (uint8, error) {
	if *offset >= len(data) {
		return 0, ErrInvalidInstruction
	}
	v := data[*offset]
	*offset++
	return v, nil
}

// ReadU16 reads a little-endian u16 at the offset.
func ReadU16(data []byte, offset *int) (uint16, error) {
	if *offset+2 > len(data) {
		return 0, ErrInvalidInstruction
	}
	v := binary.LittleEndian.Uint16(data[*offset:])
	*offset += 2
	return v, nil
}

// ReadU32 reads a little-endian u32 at the offset.
func ReadU32(data []byte, offset *int) (uint32, error) {
	if *offset+4 > len(data) {
		return 0, ErrInvalidInstruction
	}
	v := binary.LittleEndian.Uint32(data[*offset:])
	*offset += 4
	return v, nil
}

// ReadU64 reads a little-endian u64 at the offset.
func ReadU64(data []byte, offset *int) (uint64, error) {
	if *offset+8 > len(data) {
		return 0, ErrInvalidInstruction
	}
	v := binary.LittleEndian.Uint64(data[*offset:])
	*offset += 8
	return v, nil
}

// ReadI64 reads a little-endian i64 at the offset.
func ReadI64(data []byte, offset *int) (int64, error) {
	v, err := ReadU64(data, offset)
	return int64(v), err
}

// ReadBytes32 reads a fixed 32-byte array at the offset.
func ReadBytes32(data []byte, offset *int) ([32]byte, error) {
	var out [32]byte
	if *offset+32 > len(data) {
		return out, ErrInvalidInstruction
	}
	copy(out[:], data[*offset:*offset+32])
	*offset += 32
	return out, nil
}

// WriteU8 appends a byte.
func WriteU8(data []byte, v uint8) []byte {
	return append(data, v)
}

// WriteU16 appends a little-endian u16.
func WriteU16(data []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(data, v)
}

// WriteU32 appends a little-endian u32.
func WriteU32(data []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(data, v)
}

// WriteU64 appends a little-endian u64.
func WriteU64(data []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(data, v)
}

// WriteI64 appends a little-endian i64.
func WriteI64(data []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(data, uint64(v))
}

// WriteBytes32 appends a fixed 32-byte array.
func WriteBytes32(data []byte, v [32]byte) []byte {
	return append(data, v[:]...)
}
