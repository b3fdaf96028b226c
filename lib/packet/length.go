package packet

import (
	"encoding/binary"
	"fmt"
)

// Length represents the length of a Packet.
// It must be encoded with the Bytes method to ensure consistency on the wire.
type Length uint32

// LengthSize is the byte size of a Length.
const LengthSize = 4

// MaxLength is the maximum length of a Packet.
// A full endpoint list of a busy room must fit into a single packet.
const MaxLength = 1 << 24

// LengthOf creates a Length instance from the passed block of data.
// The instance holds the length that is returned by a call to len.
// It returns an error if the length is larger than MaxLength.
func LengthOf(data []byte) (Length, error) {
	if len(data) > MaxLength {
		return 0, fmt.Errorf("%w: the data may not exceed %v bytes", ErrTooLarge, MaxLength)
	}
	return Length(len(data)), nil
}

// DecodeLength decodes the Length that is encoded in a sequence of LengthSize bytes.
// It must have been encoded with the Length.Bytes method.
func DecodeLength(raw []byte) (Length, error) {
	if len(raw) != LengthSize {
		return 0, fmt.Errorf("a length field must be %v bytes long", LengthSize)
	}
	length := Length(binary.BigEndian.Uint32(raw))
	if length > MaxLength {
		return 0, fmt.Errorf("%w: header announces %v bytes", ErrTooLarge, length)
	}
	return length, nil
}

// Bytes encodes a Length to LengthSize bytes with big endian encoding.
func (l Length) Bytes() []byte {
	bytes := make([]byte, LengthSize)
	binary.BigEndian.PutUint32(bytes, uint32(l))
	return bytes
}
