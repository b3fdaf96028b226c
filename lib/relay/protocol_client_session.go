package relay

import (
	"fmt"
	"net"
	"projekt/room/lib/protocol"
)

// SessionClientProtocol joins a tunnel on the session port of a room.
type SessionClientProtocol struct {
	conn net.Conn
}

func NewSessionClientProtocol(sessionConn net.Conn) *SessionClientProtocol {
	return &SessionClientProtocol{
		conn: sessionConn,
	}
}

// Authenticate presents key and waits until the room reports that the tunnel is ready.
// On success the connection carries the tunnel's bytes from then on.
func (c *SessionClientProtocol) Authenticate(key string) (conn net.Conn, err error) {
	rw := protocol.NewReadWriter(c.conn)
	err = rw.Write(&protocol.Message{
		Type: protocol.TypeSession,
		Args: map[string]interface{}{"key": key},
	})
	if err != nil {
		return
	}
	m, err := rw.Read()
	if err != nil {
		return
	}
	switch m.Type {
	case protocol.TypeResult:
		conn = c.conn
	case protocol.TypeError:
		err = remoteError(m)
	default:
		err = fmt.Errorf("%w: %v", protocol.ErrUnexpectedMessage, m.Type)
	}
	return
}
