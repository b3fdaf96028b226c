// Package session describes the connections a room relays between.
// A Source supplies one Session per connected peer and reports
// liveness changes of those peers as a stream of Events.
package session

import (
	"context"
	"io"
	"projekt/room/lib/device"
)

// Stream is a bidirectional byte stream between two peers.
type Stream interface {
	io.ReadWriteCloser
}

// Options describe a tunnel request.
type Options struct {
	// Target is the peer the tunnel should lead to.
	Target device.PeerID
	// Origin is the peer that requested the tunnel.
	// It is filled in by the room from the authenticated caller identity.
	Origin device.PeerID
	// Params are passed on to the target unchanged.
	Params map[string]interface{}
}

// Session is the live connection of one peer to the room.
type Session interface {
	// Peer returns the identity the peer authenticated with.
	Peer() device.PeerID

	// Tunnel asks the peer to accept a relayed stream.
	// Failures are carried inside the returned Stream (see Failed).
	Tunnel(ctx context.Context, opts Options) Stream
}

// Source supplies liveness changes of connected peers.
type Source interface {
	// Changes returns a channel of events that is closed
	// when ctx is done or the source shuts down.
	Changes(ctx context.Context) <-chan Event
}
