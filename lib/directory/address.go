package directory

import (
	"errors"
	"fmt"
	"projekt/room/lib/device"
	"strings"
)

// AddressScheme prefixes every endpoint address.
const AddressScheme = "tunnel"

var ErrInvalidAddress = errors.New("directory: invalid tunnel address")

// Address returns the address under which peer can be reached through room.
func Address(room, peer device.PeerID) string {
	return AddressScheme + ":" + string(room) + ":" + string(peer)
}

// ParseAddress splits an address created with Address into its room and peer.
func ParseAddress(addr string) (room, peer device.PeerID, err error) {
	parts := strings.Split(addr, ":")
	if len(parts) != 3 || parts[0] != AddressScheme {
		err = fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		return
	}
	for _, part := range parts[1:] {
		if _, e := device.ParsePeerID(part); e != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidAddress, e)
			return
		}
	}
	room, peer = device.PeerID(parts[1]), device.PeerID(parts[2])
	return
}
