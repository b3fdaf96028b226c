// Package relay exposes a room to peers over the network.
//
// Peers hold one TLS connection to the room's control port over which they call
// the room's operations. Tunnels are carried on separate connections to the session
// port: both ends of a tunnel present a single-use key that the room handed out
// and the room pipes the two connections into each other.
package relay

import (
	"context"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"projekt/room/lib/feed"
	"projekt/room/lib/session"
)

// Room is the set of operations a ServerProtocol dispatches calls to.
type Room interface {
	ID() device.PeerID
	Announce(caller session.Session, opts *directory.AnnounceOptions)
	Leave(caller device.PeerID)
	IsRoom() bool
	Ping() int64
	Endpoints() *feed.Subscription[[]directory.Endpoint]
	Connect(ctx context.Context, caller device.PeerID, opts *session.Options) session.Stream
}

// Invitation is a tunnel request that a peer received from the room.
type Invitation struct {
	Key    string
	Port   int
	Origin device.PeerID
	Target device.PeerID
	Params map[string]interface{}
}
