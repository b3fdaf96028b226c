package secure

import (
	"bytes"
	"crypto/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"io"
	"net"
	"projekt/room/lib/device"
	"testing"
)

func keyPair(t *testing.T) device.KeyPair {
	key, err := device.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return key
}

func handshake(t *testing.T) (Conn, Conn, device.KeyPair, device.KeyPair) {
	k1, k2 := keyPair(t), keyPair(t)
	a, b := net.Pipe()
	var c1, c2 Conn
	var e errgroup.Group
	e.Go(func() (err error) {
		c1, err = Initiate(a, k1, k2.Public)
		return
	})
	e.Go(func() (err error) {
		c2, err = Respond(b, k2, k1.Public, TrustOne{Identity: k1.Public})
		return
	})
	require.NoError(t, e.Wait())
	return c1, c2, k1, k2
}

func TestHandshake_Identities(t *testing.T) {
	c1, c2, k1, k2 := handshake(t)
	defer c1.Close()
	defer c2.Close()
	assert.True(t, k1.Public.Equal(c1.LocalIdentity()))
	assert.True(t, k2.Public.Equal(c1.RemoteIdentity()))
	assert.True(t, k2.Public.Equal(c2.LocalIdentity()))
	assert.True(t, k1.Public.Equal(c2.RemoteIdentity()))
}

func TestConn_BothDirections(t *testing.T) {
	c1, c2, _, _ := handshake(t)
	defer c1.Close()
	defer c2.Close()
	for _, pair := range [][2]Conn{{c1, c2}, {c2, c1}} {
		w, r := pair[0], pair[1]
		go func() {
			_, err := w.Write([]byte("hello"))
			assert.NoError(t, err)
		}()
		buf := make([]byte, 16)
		n, err := r.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))
	}
}

func TestConn_LargeWriteSmallReads(t *testing.T) {
	c1, c2, _, _ := handshake(t)
	defer c1.Close()
	defer c2.Close()
	payload := make([]byte, PayloadMaxSize*2+100)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	go func() {
		n, err := c1.Write(payload)
		assert.NoError(t, err)
		assert.Equal(t, len(payload), n)
	}()
	received := make([]byte, len(payload))
	_, err = io.ReadFull(c2, received)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, received))
}

func TestRespond_Untrusted(t *testing.T) {
	k1, k2 := keyPair(t), keyPair(t)
	_, b := net.Pipe()
	_, err := Respond(b, k2, k1.Public, TrustOne{Identity: k2.Public})
	assert.ErrorIs(t, err, ErrUntrusted)
}

func TestHandshake_WrongPeer(t *testing.T) {
	k1, k2, k3 := keyPair(t), keyPair(t), keyPair(t)
	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() {
		// The initiator expects k3 but talks to k2.
		_, err := Initiate(a, k1, k3.Public)
		done <- err
	}()
	_, err := Respond(b, k2, k1.Public, TrustAny{})
	assert.Error(t, err)
	_ = b.Close()
	assert.Error(t, <-done)
}
