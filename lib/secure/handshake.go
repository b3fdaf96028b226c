package secure

import (
	"crypto/rand"
	"errors"
	"github.com/flynn/noise"
	"net"
	"projekt/room/lib/device"
	"projekt/room/lib/packet"
)

// CipherSuite is used for every tunnel handshake.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

var ErrUntrusted = errors.New("secure: peer is not trusted")

// Trust decides whether a remote identity may open a secure tunnel.
type Trust interface {
	IsTrusted(identity device.Identity) bool
}

// TrustAny trusts every identity.
type TrustAny struct{}

func (TrustAny) IsTrusted(device.Identity) bool {
	return true
}

// TrustOne trusts exactly one identity.
type TrustOne struct {
	Identity device.Identity
}

func (t TrustOne) IsTrusted(identity device.Identity) bool {
	return t.Identity.Equal(identity)
}

func newHandshake(key device.KeyPair, peer device.Identity, initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeKK,
		Initiator:     initiator,
		StaticKeypair: key.Noise(),
		PeerStatic:    peer.X25519(),
	})
}

// Initiate runs a Noise KK handshake as the initiator over conn.
// Both sides must know each other's identity in advance.
func Initiate(conn net.Conn, key device.KeyPair, peer device.Identity) (c Conn, err error) {
	hs, err := newHandshake(key, peer, true)
	if err != nil {
		return
	}
	message, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return
	}
	_, err = packet.New(message).WriteTo(conn)
	if err != nil {
		return
	}
	reply, err := packet.DecodeFrom(conn)
	if err != nil {
		return
	}
	_, c1, c2, err := hs.ReadMessage(nil, reply)
	if err != nil {
		return
	}
	return WrapConn(key.Public, peer, conn, c1, c2), nil
}

// Respond runs a Noise KK handshake as the responder over conn.
// The handshake is refused if trust does not accept peer.
func Respond(conn net.Conn, key device.KeyPair, peer device.Identity, trust Trust) (c Conn, err error) {
	if trust != nil && !trust.IsTrusted(peer) {
		err = ErrUntrusted
		return
	}
	hs, err := newHandshake(key, peer, false)
	if err != nil {
		return
	}
	message, err := packet.DecodeFrom(conn)
	if err != nil {
		return
	}
	_, _, _, err = hs.ReadMessage(nil, message)
	if err != nil {
		return
	}
	reply, c1, c2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return
	}
	_, err = packet.New(reply).WriteTo(conn)
	if err != nil {
		return
	}
	return WrapConn(key.Public, peer, conn, c2, c1), nil
}
