package relay

import (
	"context"
	"fmt"
	"net"
	"projekt/room/lib/device"
	"projekt/room/lib/protocol"
	"projekt/room/lib/session"
	"sync"
	"sync/atomic"
)

// peerSession is the session.Session of a connected client.
type peerSession struct {
	id     device.PeerID
	conn   net.Conn
	rw     *protocol.ReadWriter
	server *ServerProtocol

	removed   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeerSession(server *ServerProtocol, id device.PeerID, conn net.Conn) *peerSession {
	return &peerSession{
		id:     id,
		conn:   conn,
		rw:     protocol.NewReadWriter(conn),
		server: server,
		closed: make(chan struct{}),
	}
}

func (p *peerSession) Peer() device.PeerID {
	return p.id
}

// Tunnel invites the peer to join a tunnel and waits until it connected to the session port.
func (p *peerSession) Tunnel(ctx context.Context, opts session.Options) session.Stream {
	key, err := newSessionKey()
	if err != nil {
		return session.Failed(err)
	}
	in := make(chan net.Conn, 1)
	if !p.server.addKey(key, &pendingTunnel{in: in}) {
		return session.Failed(ErrClosed)
	}
	invitation := &Invitation{
		Key:    key,
		Port:   p.server.sessionPort,
		Origin: opts.Origin,
		Target: opts.Target,
		Params: opts.Params,
	}
	err = p.rw.Write(&protocol.Message{Type: protocol.TypeInvite, Args: encodeInvitation(invitation)})
	if err != nil {
		p.server.removeKey(key)
		return session.Failed(fmt.Errorf("%w: %v", ErrTargetUnavailable, err))
	}
	ctx, cancel := context.WithTimeout(ctx, p.server.timeout)
	defer cancel()
	select {
	case conn := <-in:
		return p.join(conn)
	case <-ctx.Done():
		err = ErrTunnelTimeout
	case <-p.closed:
		err = ErrTargetUnavailable
	}
	p.server.removeKey(key)
	// The key may have been claimed right before it was removed.
	select {
	case conn := <-in:
		_ = conn.Close()
	default:
	}
	return session.Failed(err)
}

func (p *peerSession) join(conn net.Conn) session.Stream {
	err := protocol.NewReadWriter(conn).Write(&protocol.Message{Type: protocol.TypeResult})
	if err != nil {
		_ = conn.Close()
		return session.Failed(fmt.Errorf("%w: %v", ErrTargetUnavailable, err))
	}
	return conn
}

func (p *peerSession) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}
