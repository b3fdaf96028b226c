// Package secure encrypts tunnels end to end with the Noise protocol,
// so that the room relaying a tunnel only ever sees ciphertext.
package secure

import (
	"errors"
	"github.com/flynn/noise"
	"io"
	"net"
	"projekt/room/lib/device"
	"projekt/room/lib/packet"
	"sync"
)

// TagSize is the size of the authentication tag
// of the noise.CipherAESGCM and noise.CipherChaChaPoly ciphers.
const TagSize = 16

// MessageMaxSize represents the maximum byte size of an encrypted Noise message.
const MessageMaxSize = (1 << 16) - 1

// PayloadMaxSize represents the maximum byte size of a message's payload (plaintext).
const PayloadMaxSize = MessageMaxSize - TagSize

var (
	ErrMessageTooLong = errors.New("secure: noise message is too long")
	ErrShortWrite     = errors.New("secure: failed to write entire message")
	ErrMalformed      = errors.New("secure: malformed noise message")
)

// MessageSize returns the byte size of the encrypted ciphertext given the length of the plaintext.
func MessageSize(payloadLength int) int {
	return payloadLength + TagSize
}

// PayloadSize returns the byte size of the decrypted plaintext given the length of the ciphertext.
func PayloadSize(messageLength int) int {
	return messageLength - MessageSize(0)
}

type Conn interface {
	net.Conn

	// LocalIdentity returns the identity with which this connection communicates.
	LocalIdentity() device.Identity

	// RemoteIdentity returns the identity of the peer on the other side of the connection.
	RemoteIdentity() device.Identity
}

func WrapConn(identity device.Identity, peerIdentity device.Identity, conn net.Conn,
	writeCipher *noise.CipherState, readCipher *noise.CipherState) Conn {
	return &noiseConn{
		Conn:         conn,
		identity:     identity,
		peerIdentity: peerIdentity,
		writeCipher:  writeCipher,
		readCipher:   readCipher,
	}
}

type noiseConn struct {
	net.Conn
	identity     device.Identity
	peerIdentity device.Identity
	writeCipher  *noise.CipherState
	readCipher   *noise.CipherState
	writeMutex   sync.Mutex
	readMutex    sync.Mutex
	// pending holds decrypted bytes that did not fit into the caller's buffer.
	pending []byte
}

// Write encrypts p and writes it to the underlying connection.
// Payloads larger than PayloadMaxSize are split into several Noise messages.
func (c *noiseConn) Write(p []byte) (n int, err error) {
	// The encryption and write of a plaintext needs to be an atomic operation because
	// Noise enforces that messages are decrypted in the same order they were encrypted.
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	for len(p) > 0 {
		chunk := p
		if len(chunk) > PayloadMaxSize {
			chunk = chunk[:PayloadMaxSize]
		}
		err = c.writeMessage(chunk)
		if err != nil {
			return
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return
}

func (c *noiseConn) writeMessage(p []byte) error {
	size := MessageSize(len(p))
	if size > MessageMaxSize {
		return ErrMessageTooLong
	}
	// The length header is authenticated as additional data.
	lenBuf := packet.Length(size).Bytes()
	message, err := c.writeCipher.Encrypt(lenBuf, lenBuf, p)
	if err != nil {
		return err
	}
	m, err := c.Conn.Write(message)
	if err != nil {
		return err
	}
	if m != len(message) {
		return ErrShortWrite
	}
	return nil
}

// Read decrypts the next Noise message into p.
// Plaintext that does not fit into p is returned by subsequent calls.
func (c *noiseConn) Read(p []byte) (n int, err error) {
	c.readMutex.Lock()
	defer c.readMutex.Unlock()
	for len(c.pending) == 0 {
		c.pending, err = c.readMessage()
		if err != nil {
			return
		}
	}
	n = copy(p, c.pending)
	c.pending = c.pending[n:]
	return
}

func (c *noiseConn) readMessage() (plaintext []byte, err error) {
	var lenBuf [packet.LengthSize]byte
	_, err = io.ReadFull(c.Conn, lenBuf[:])
	if err != nil {
		return
	}
	size, err := packet.DecodeLength(lenBuf[:])
	if err != nil {
		return
	}
	if size > MessageMaxSize {
		err = ErrMessageTooLong
		return
	}
	if size < TagSize {
		err = ErrMalformed
		return
	}
	ct := make([]byte, size)
	_, err = io.ReadFull(c.Conn, ct)
	if err != nil {
		return
	}
	return c.readCipher.Decrypt(ct[:0], lenBuf[:], ct)
}

func (c *noiseConn) LocalIdentity() device.Identity {
	return c.identity
}

func (c *noiseConn) RemoteIdentity() device.Identity {
	return c.peerIdentity
}
