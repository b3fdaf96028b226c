package main

import (
	"crypto/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"testing"
)

func peerID(t *testing.T) device.PeerID {
	key, err := device.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return key.PeerID()
}

func TestParseTarget(t *testing.T) {
	room, peer := peerID(t), peerID(t)

	target, err := parseTarget(string(peer), room)
	require.NoError(t, err)
	assert.Equal(t, peer, target)

	target, err = parseTarget(directory.Address(room, peer), room)
	require.NoError(t, err)
	assert.Equal(t, peer, target)
}

func TestParseTarget_Invalid(t *testing.T) {
	room, peer := peerID(t), peerID(t)

	_, err := parseTarget("nope", room)
	assert.ErrorIs(t, err, device.ErrInvalidPeerID)

	_, err = parseTarget(directory.Address(peerID(t), peer), room)
	assert.Error(t, err)
}
