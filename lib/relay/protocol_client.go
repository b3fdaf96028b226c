package relay

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"io"
	"net"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"projekt/room/lib/protocol"
	"projekt/room/lib/room"
	"sync"
	"time"
)

const (
	invitationBuffer = 16
	streamBuffer     = 16
)

// SessionDialer opens a connection to the session port of the room.
type SessionDialer func(ctx context.Context, port int) (net.Conn, error)

// ClientProtocol is the protocol implementation that is used by a peer.
// Calls may be made from multiple goroutines.
type ClientProtocol struct {
	log  *zap.SugaredLogger
	conn net.Conn
	rw   *protocol.ReadWriter
	dial SessionDialer
	room device.PeerID

	mu        sync.Mutex
	nextID    uint32
	calls     map[uint32]chan *protocol.Message
	invites   chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewClientProtocol creates a new instance of a ClientProtocol.
// It takes a net.Conn that is used to talk to a room and
// a SessionDialer that is used to join tunnels.
// The room must speak the ServerProtocol.
func NewClientProtocol(serverConn net.Conn, dial SessionDialer, log *zap.SugaredLogger) *ClientProtocol {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ClientProtocol{
		log:     log,
		conn:    serverConn,
		rw:      protocol.NewReadWriter(serverConn),
		dial:    dial,
		calls:   make(map[uint32]chan *protocol.Message),
		invites: make(chan *protocol.Message, invitationBuffer),
		done:    make(chan struct{}),
	}
}

// Start waits for the room to greet the client.
func (c *ClientProtocol) Start(ctx context.Context) (err error) {
	var m *protocol.Message
	err = withContext(ctx, c.conn, func() (e error) {
		m, e = c.rw.Read()
		return
	})
	if err != nil {
		return
	}
	switch m.Type {
	case protocol.TypeResult:
	case protocol.TypeError:
		return remoteError(m)
	default:
		return fmt.Errorf("%w: %v", protocol.ErrUnexpectedMessage, m.Type)
	}
	hello, _ := m.Value.(map[string]interface{})
	id, _ := hello["room"].(string)
	c.room = device.PeerID(id)
	go c.messageHandler()
	return
}

// Room returns the identity the room announced itself with.
func (c *ClientProtocol) Room() device.PeerID {
	return c.room
}

func (c *ClientProtocol) messageHandler() {
	defer func() {
		_ = c.Close()
	}()
	for {
		m, err := c.rw.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				c.log.Warnw("message handler: failed to read message", "error", err)
			}
			return
		}
		switch m.Type {
		case protocol.TypeResult, protocol.TypeError, protocol.TypeItem, protocol.TypeEnd:
			c.deliver(m)
		case protocol.TypeInvite:
			select {
			case c.invites <- m:
			default:
				c.log.Warnw("message handler: discarded invitation", "origin", m.Arg("origin"))
			}
		default:
			c.log.Warnw("message handler: unexpected message", "type", m.Type)
			return
		}
	}
}

func (c *ClientProtocol) deliver(m *protocol.Message) {
	c.mu.Lock()
	ch, ok := c.calls[m.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debugw("received a reply which is not being waited for", "id", m.ID, "type", m.Type)
		return
	}
	select {
	case ch <- m:
		return
	default:
	}
	// Only streams can fill up. Every item carries the full list,
	// so the oldest one can go.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- m:
	default:
	}
}

func (c *ClientProtocol) register(buffer int) (uint32, chan *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.nextID == 0 {
		c.nextID++
	}
	ch := make(chan *protocol.Message, buffer)
	c.calls[c.nextID] = ch
	return c.nextID, ch
}

func (c *ClientProtocol) unregister(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, id)
}

// Call invokes a synchronous operation of the room and returns its result.
func (c *ClientProtocol) Call(ctx context.Context, method string, args map[string]interface{}) (value interface{}, err error) {
	id, ch := c.register(1)
	defer c.unregister(id)
	err = c.rw.Write(&protocol.Message{Type: protocol.TypeCall, ID: id, Method: method, Args: args})
	if err != nil {
		return
	}
	select {
	case m := <-ch:
		switch m.Type {
		case protocol.TypeResult:
			value = m.Value
		case protocol.TypeError:
			err = remoteError(m)
		default:
			err = fmt.Errorf("%w: %v", protocol.ErrUnexpectedMessage, m.Type)
		}
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		err = ErrClosed
	}
	return
}

// Announce makes this peer visible to the other peers of the room.
func (c *ClientProtocol) Announce(ctx context.Context, opts *directory.AnnounceOptions) error {
	var args map[string]interface{}
	if opts != nil {
		args = map[string]interface{}{}
		if opts.Name != "" {
			args["name"] = opts.Name
		}
	}
	_, err := c.Call(ctx, room.MethodAnnounce, args)
	return err
}

// Leave hides this peer again.
func (c *ClientProtocol) Leave(ctx context.Context) error {
	_, err := c.Call(ctx, room.MethodLeave, nil)
	return err
}

// IsRoom asks the other side whether it is a room.
func (c *ClientProtocol) IsRoom(ctx context.Context) (bool, error) {
	value, err := c.Call(ctx, room.MethodIsRoom, nil)
	if err != nil {
		return false, err
	}
	ok, _ := value.(bool)
	return ok, nil
}

// Ping returns the current time of the room.
func (c *ClientProtocol) Ping(ctx context.Context) (time.Time, error) {
	value, err := c.Call(ctx, room.MethodPing, nil)
	if err != nil {
		return time.Time{}, err
	}
	ms, ok := value.(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: ping returned %T", protocol.ErrMalformed, value)
	}
	return time.UnixMilli(int64(ms)), nil
}

// Endpoints streams the endpoint list of the room: first the current one, then one per change.
// A slow reader only misses intermediate lists, never the latest one.
// The channel is closed when ctx is done, the room ends the stream or the connection is lost.
func (c *ClientProtocol) Endpoints(ctx context.Context) (<-chan []directory.Endpoint, error) {
	id, ch := c.register(streamBuffer)
	err := c.rw.Write(&protocol.Message{Type: protocol.TypeCall, ID: id, Method: room.MethodEndpoints})
	if err != nil {
		c.unregister(id)
		return nil, err
	}
	out := make(chan []directory.Endpoint)
	go func() {
		defer close(out)
		defer c.unregister(id)
		cancel := func() {
			_ = c.rw.Write(&protocol.Message{Type: protocol.TypeCancel, ID: id})
		}
		for {
			select {
			case m := <-ch:
				switch m.Type {
				case protocol.TypeItem:
					endpoints, err := decodeEndpoints(m.Value)
					if err != nil {
						c.log.Warnw("endpoints: dropped malformed item", "error", err)
						continue
					}
					select {
					case out <- endpoints:
					case <-ctx.Done():
						cancel()
						return
					case <-c.done:
						return
					}
				case protocol.TypeError:
					c.log.Warnw("endpoints: stream failed", "error", remoteError(m))
					return
				default:
					return
				}
			case <-ctx.Done():
				cancel()
				return
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

// Connect opens a tunnel to target. The params are handed to the target unchanged.
// Errors of the room unwrap to tunnel.ErrMissingOptions, tunnel.ErrUnknownTarget,
// ErrTunnelTimeout or ErrTargetUnavailable.
func (c *ClientProtocol) Connect(ctx context.Context, target device.PeerID, params map[string]interface{}) (net.Conn, error) {
	args := map[string]interface{}{"target": string(target)}
	if params != nil {
		args["params"] = params
	}
	value, err := c.Call(ctx, room.MethodConnect, args)
	if err != nil {
		return nil, err
	}
	description, _ := value.(map[string]interface{})
	key, _ := description["key"].(string)
	port, _ := description["port"].(float64)
	if key == "" || port <= 0 {
		return nil, fmt.Errorf("%w: incomplete session description", protocol.ErrMalformed)
	}
	return c.join(ctx, int(port), key)
}

// Accept waits for the next tunnel request and joins it.
func (c *ClientProtocol) Accept(ctx context.Context) (net.Conn, *Invitation, error) {
	for {
		select {
		case m := <-c.invites:
			inv, err := decodeInvitation(m)
			if err != nil {
				c.log.Warnw("accept: dropped malformed invitation", "error", err)
				continue
			}
			conn, err := c.join(ctx, inv.Port, inv.Key)
			if err != nil {
				return nil, inv, err
			}
			return conn, inv, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-c.done:
			return nil, nil, ErrClosed
		}
	}
}

func (c *ClientProtocol) join(ctx context.Context, port int, key string) (conn net.Conn, err error) {
	sessionConn, err := c.dial(ctx, port)
	if err != nil {
		return
	}
	err = withContext(ctx, sessionConn, func() (e error) {
		conn, e = NewSessionClientProtocol(sessionConn).Authenticate(key)
		return
	})
	if err != nil {
		_ = sessionConn.Close()
		conn = nil
	}
	return
}

func (c *ClientProtocol) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// withContext runs fn and closes conn if ctx is done before fn returns.
func withContext(ctx context.Context, conn net.Conn, fn func() error) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Close the connection to make fn fail.
			_ = conn.Close()
		case <-done:
		}
	}()
	err := fn()
	close(done)
	select {
	case <-ctx.Done():
		// ctx might have been done after fn returned but before done was closed.
		return ctx.Err()
	default:
	}
	return err
}
