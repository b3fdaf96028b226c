package session

import (
	"fmt"
	"projekt/room/lib/device"
)

// Kind is the kind of a liveness change.
type Kind int

const (
	KindConnected Kind = iota + 1
	KindDisconnected
	KindRemoved
	KindConnectFailed
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connect"
	case KindDisconnected:
		return "disconnect"
	case KindRemoved:
		return "remove"
	case KindConnectFailed:
		return "connect-failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsGone reports whether the peer of an event of this kind is no longer reachable.
func (k Kind) IsGone() bool {
	return k == KindDisconnected || k == KindRemoved || k == KindConnectFailed
}

// Event is a liveness change concerning a single peer.
type Event struct {
	Kind Kind
	Peer device.PeerID
	// Session is the connection the event concerns, if the source knows it.
	// A peer may reconnect before an event of its previous connection is applied.
	Session Session
}
