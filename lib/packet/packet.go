package packet

import (
	"errors"
	"io"
)

// ErrTooLarge is returned for packets exceeding MaxLength.
var ErrTooLarge = errors.New("packet too large")

// Interface contains the functions a generic packet must provide.
type Interface interface {
	io.WriterTo
	Size() int64
}

// Packet represents a network packet.
type Packet []byte

// New constructs a new Packet from a sequence of bytes.
func New(data []byte) Packet {
	return data
}

// WriteTo writes a packet to an io.Writer.
// Header and payload are passed to the writer in a single call
// so that concurrent writers on a connection cannot interleave them.
func (p Packet) WriteTo(w io.Writer) (n int64, err error) {
	length, err := LengthOf(p)
	if err != nil {
		return
	}
	buf := make([]byte, 0, LengthSize+len(p))
	buf = append(buf, length.Bytes()...)
	buf = append(buf, p...)
	m, err := w.Write(buf)
	n = int64(m)
	return
}

// Decode decodes a packet from a sequence of bytes and returns the resulting Packet.
func Decode(raw []byte) (packet Packet, err error) {
	if len(raw) < LengthSize {
		err = errors.New("missing length header")
		return
	}
	length, err := DecodeLength(raw[:LengthSize])
	if err != nil {
		return
	}
	if len(raw)-LengthSize != int(length) {
		err = errors.New("length of remaining bytes does not conform to header value")
		return
	}
	packet = New(raw[LengthSize:])
	return
}

// DecodeFrom reads and decodes a whole Packet from an io.Reader and returns it.
func DecodeFrom(r io.Reader) (packet Packet, err error) {
	var header [LengthSize]byte
	_, err = io.ReadFull(r, header[:])
	if err != nil {
		return
	}
	length, err := DecodeLength(header[:])
	if err != nil {
		return
	}
	packet = make([]byte, length)
	_, err = io.ReadFull(r, packet)
	return
}

// Size returns the number of raw bytes that would encode this packet.
// It consists of the Length header and the stream of bytes.
func (p Packet) Size() int64 {
	return int64(LengthSize + len(p))
}
