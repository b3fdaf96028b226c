package device

import (
	"bytes"
	ed25519crypto "crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/flynn/noise"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/oasisprotocol/curve25519-voi/primitives/x25519"
	"io"
	"math/big"
	"os"
	"time"
)

var (
	ErrInvalidPeerID   = errors.New("device: invalid peer id")
	ErrNotEd25519      = errors.New("device: not an Ed25519 public key")
	ErrInvalidKeyBlock = errors.New("device: key file does not contain a private key")
)

// Key is the private key of a device.
type Key ed25519.PrivateKey

// X25519Key is the X25519 version of a Key.
type X25519Key []byte

func (k Key) X25519() X25519Key {
	return x25519.EdPrivateKeyToX25519(ed25519.PrivateKey(k))
}

// Identity is the public key of a device. It is used to identify the device.
type Identity ed25519.PublicKey

// X25519Identity is the X25519 version of an Identity.
type X25519Identity []byte

func (k Identity) X25519() X25519Identity {
	key, ok := x25519.EdPublicKeyToX25519(ed25519.PublicKey(k))
	if !ok {
		panic("failed to convert ed25519 public key to X25519 key")
	}
	return key
}

// PeerID returns the textual form of an Identity
// under which the device is known to a room.
func (k Identity) PeerID() PeerID {
	return PeerID(hex.EncodeToString(k))
}

func (k Identity) Equal(other Identity) bool {
	return bytes.Equal(k, other)
}

// PeerID is the lowercase hex encoding of an Identity.
// It is only ever derived from an authenticated Identity, never taken from user input unchecked.
type PeerID string

// Identity decodes the PeerID back into the public key it was derived from.
func (p PeerID) Identity() (Identity, error) {
	return ParsePeerID(string(p))
}

// Short returns an abbreviated form that is suitable for logs.
func (p PeerID) Short() string {
	if len(p) <= 8 {
		return string(p)
	}
	return string(p[:8])
}

func (p PeerID) String() string {
	return string(p)
}

// ParsePeerID parses the hex representation of an Identity.
func ParsePeerID(s string) (Identity, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %v bytes, got %v", ErrInvalidPeerID, ed25519.PublicKeySize, len(raw))
	}
	return raw, nil
}

// KeyPair holds both a Key and its corresponding Identity.
type KeyPair struct {
	Private Key
	Public  Identity
}

// NoiseKeyPair represents the X25519 version of a KeyPair.
// It is used for noise encryption.
type NoiseKeyPair = noise.DHKey

// GenerateKeyPair generates a new KeyPair.
func GenerateKeyPair(reader io.Reader) (KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		Private: Key(privateKey),
		Public:  Identity(publicKey),
	}, nil
}

// PeerID is a shorthand for k.Public.PeerID().
func (k KeyPair) PeerID() PeerID {
	return k.Public.PeerID()
}

// Noise returns a NoiseKeyPair that holds the X25519 version of this KeyPair.
func (k KeyPair) Noise() NoiseKeyPair {
	return noise.DHKey{
		Private: k.Private.X25519(),
		Public:  k.Public.X25519(),
	}
}

// Certificate derives a tls.Certificate from a KeyPair.
// The certificate is usable both for serving and for client authentication.
func (k KeyPair) Certificate() (cert tls.Certificate, err error) {
	// Useful resource: https://golang.org/src/crypto/tls/generate_cert.go
	serialNumber, err := randomSerialNumber()
	if err != nil {
		return
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour * 24 * 365),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	keyDer, err := x509.MarshalPKCS8PrivateKey(ed25519crypto.PrivateKey(k.Private))
	if err != nil {
		return
	}
	certDer, err := x509.CreateCertificate(
		rand.Reader, &template, &template, ed25519crypto.PublicKey(k.Public), ed25519crypto.PrivateKey(k.Private))
	if err != nil {
		return
	}
	keyBlock := &pem.Block{Type: "PRIVATE KEY", Bytes: keyDer}
	certBlock := &pem.Block{Type: "CERTIFICATE", Bytes: certDer}
	var certOut, keyOut bytes.Buffer
	_ = pem.Encode(&keyOut, keyBlock)
	_ = pem.Encode(&certOut, certBlock)
	return tls.X509KeyPair(certOut.Bytes(), keyOut.Bytes())
}

// IdentityFromCertificate extracts the Identity a peer authenticated with.
func IdentityFromCertificate(cert *x509.Certificate) (Identity, error) {
	publicKey, ok := cert.PublicKey.(ed25519crypto.PublicKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return Identity(publicKey), nil
}

// WriteKeyPair stores the private key of a KeyPair as a PKCS #8 PEM file.
func WriteKeyPair(path string, k KeyPair) error {
	der, err := x509.MarshalPKCS8PrivateKey(ed25519crypto.PrivateKey(k.Private))
	if err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return os.WriteFile(path, data, 0600)
}

// ReadKeyPair reads a KeyPair that was stored with WriteKeyPair.
func ReadKeyPair(path string) (k KeyPair, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		err = ErrInvalidKeyBlock
		return
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return
	}
	private, ok := parsed.(ed25519crypto.PrivateKey)
	if !ok {
		err = ErrNotEd25519
		return
	}
	k.Private = Key(private)
	k.Public = Identity(private.Public().(ed25519crypto.PublicKey))
	return
}

// LoadOrGenerateKeyPair reads the KeyPair at path
// or generates and stores a new one if the file does not exist yet.
func LoadOrGenerateKeyPair(path string) (KeyPair, error) {
	k, err := ReadKeyPair(path)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, err
	}
	k, err = GenerateKeyPair(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return k, WriteKeyPair(path, k)
}

func randomSerialNumber() (*big.Int, error) {
	// https://golang.org/src/crypto/tls/generate_cert.go
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, serialNumberLimit)
}
