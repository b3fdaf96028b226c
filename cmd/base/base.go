// Package base holds helpers shared by the commands.
package base

import (
	"encoding/hex"
	"go.uber.org/zap"
	"projekt/room/lib/device"
	"projekt/room/lib/logging"
	"time"
)

var (
	RoomAddress = "127.0.0.1:23520"
	Timeout     = 30 * time.Second
)

func ToHex(identity device.Identity) string {
	return hex.EncodeToString(identity)
}

// LoadKey reads the key at path or creates it, and logs the identities derived from it.
func LoadKey(path string, log *zap.SugaredLogger) (device.KeyPair, error) {
	key, err := device.LoadOrGenerateKeyPair(path)
	if err != nil {
		return device.KeyPair{}, err
	}
	log.Infow("loaded key",
		"path", path,
		"ed25519_identity", ToHex(key.Public),
		"x25519_identity", ToHex(key.Noise().Public))
	return key, nil
}

// NewLogger builds the logger of a command or exits the process when level is invalid.
func NewLogger(level string, development bool) *zap.Logger {
	log, err := logging.New(level, development)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	return log
}
