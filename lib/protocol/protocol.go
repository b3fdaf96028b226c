// Package protocol implements the frames that peers and a room exchange.
//
// Every frame is a packet holding a protobuf encoded google.protobuf.Struct.
// Using the well-known Struct type keeps arbitrary, caller supplied
// parameters intact without a schema for each operation.
package protocol

import (
	"errors"
	"github.com/stoewer/go-strcase"
)

var (
	ErrMalformed         = errors.New("protocol: malformed message")
	ErrUnexpectedMessage = errors.New("protocol: read an unexpected message")
)

// Type is the type of a Message.
type Type string

const (
	// TypeCall invokes a method. Args carry its arguments.
	TypeCall Type = "call"
	// TypeResult answers a call or completes a handshake. Value carries the result.
	TypeResult Type = "result"
	// TypeError answers a call or handshake that failed. Error carries the reason.
	TypeError Type = "error"
	// TypeItem is one value of a source stream.
	TypeItem Type = "item"
	// TypeEnd terminates a source stream.
	TypeEnd Type = "end"
	// TypeCancel asks the other side to stop a source stream.
	TypeCancel Type = "cancel"
	// TypeInvite asks a peer to join a tunnel.
	TypeInvite Type = "invite"
	// TypeSession is the first frame on a tunnel connection. Args carry the key.
	TypeSession Type = "session"
)

// NormalizeMethod maps method names of any casing to the lowerCamelCase form used by rooms,
// so "is_room", "IsRoom" and "isRoom" all name the same operation.
func NormalizeMethod(name string) string {
	return strcase.LowerCamelCase(name)
}
