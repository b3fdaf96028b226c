package protocol

import (
	"io"
	"projekt/room/lib/packet"
	"sync"
)

// ReadWriter reads and writes whole messages over a byte stream.
// Writes may happen concurrently; reads must come from a single goroutine.
type ReadWriter struct {
	rw io.ReadWriter
	mu sync.Mutex
}

func NewReadWriter(rw io.ReadWriter) *ReadWriter {
	return &ReadWriter{rw: rw}
}

// Write encodes the message and writes it as one packet.
func (c *ReadWriter) Write(m *Message) (err error) {
	data, err := m.Marshal()
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = packet.New(data).WriteTo(c.rw)
	return
}

// Read reads the next packet and decodes it.
func (c *ReadWriter) Read() (m *Message, err error) {
	data, err := packet.DecodeFrom(c.rw)
	if err != nil {
		return
	}
	return Unmarshal(data)
}
