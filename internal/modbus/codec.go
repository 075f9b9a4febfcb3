package modbus

import (
	"encoding/binary"

	"github.com/iamslan/fossibot/internal/errors"
)

// Modbus function codes used by the devices.
const (
	funcReadHolding = 3
	funcWriteSingle = 6
)

// CRC16 computes the Modbus RTU checksum: seed 0xFFFF, reversed polynomial
// 0xA001. Binary compatibility with the vendor firmware depends on the exact
// polynomial constant.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC terminates frame with its CRC-16. The vendor app emits the high
// byte first (swap=false); swapped order exists in the wire protocol but no
// call site uses it.
func appendCRC(frame []byte, swap bool) []byte {
	crc := CRC16(frame)
	if swap {
		return append(frame, byte(crc&0xFF), byte(crc>>8))
	}
	return append(frame, byte(crc>>8), byte(crc&0xFF))
}

// VerifyCRC recomputes the checksum over frame minus the trailing two bytes
// and compares it against the big-endian reading of those bytes.
func VerifyCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	want := uint16(frame[len(frame)-2])<<8 | uint16(frame[len(frame)-1])
	return CRC16(frame[:len(frame)-2]) == want
}

// EncodeRead builds a read-holding-registers frame for count registers
// starting at address 0.
func EncodeRead(slave uint8, count uint16) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = slave
	frame[1] = funcReadHolding
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], count)
	return appendCRC(frame, false)
}

// EncodeWrite builds a write-single-register frame after validating the
// register and value against WritableRegisters. No byte leaves this package
// for a write the allowlist refuses.
func EncodeWrite(slave uint8, register, value uint16) ([]byte, error) {
	allowed, ok := WritableRegisters[register]
	if !ok {
		return nil, errors.NewUnknownRegisterError(int(register))
	}
	if !allowed.Contains(value) {
		return nil, errors.NewValueOutOfRangeError(int(register), int(value), allowed.String())
	}
	return encodeWriteUnchecked(slave, register, value), nil
}

func encodeWriteUnchecked(slave uint8, register, value uint16) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = slave
	frame[1] = funcWriteSingle
	binary.BigEndian.PutUint16(frame[2:4], register)
	binary.BigEndian.PutUint16(frame[4:6], value)
	return appendCRC(frame, false)
}

// HighLowToInt assembles a 16-bit register from its wire bytes.
func HighLowToInt(high, low byte) uint16 {
	return uint16(high)<<8 | uint16(low)
}

// IntToHighLow splits a value into its wire bytes, discarding anything above
// 16 bits.
func IntToHighLow(v int) (high, low byte) {
	return byte(v >> 8 & 0xFF), byte(v & 0xFF)
}
