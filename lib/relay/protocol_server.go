package relay

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"io"
	"net"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"projekt/room/lib/feed"
	"projekt/room/lib/metrics"
	"projekt/room/lib/protocol"
	"projekt/room/lib/room"
	"projekt/room/lib/session"
	"sync"
	"time"
)

const (
	// DefaultSessionTimeout bounds how long a tunnel key stays valid.
	DefaultSessionTimeout = 30 * time.Second
	// DefaultEventBuffer is the number of liveness events a listener may fall behind
	// before the backlog is logged.
	DefaultEventBuffer = 256
)

// ServerConfig configures a ServerProtocol.
type ServerConfig struct {
	// SessionPort is communicated to peers as the port for tunnel connections.
	// If it is zero the port of the session listener of a Server is used.
	SessionPort int
	// SessionTimeout bounds how long a peer may take to join a tunnel
	// and how long a TLS handshake on the control port may take.
	SessionTimeout time.Duration
	// EventBuffer is the backlog of liveness events per listener that is reserved up front.
	// Listeners that fall further behind are logged; their events are still kept.
	EventBuffer int
	// Policy decides which operations peers may call.
	Policy room.Policy
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// ServerProtocol is the protocol implementation that is used by a room server.
// It turns every authenticated connection into a session.Session and
// reports the liveness of those sessions through Changes.
type ServerProtocol struct {
	room    Room
	policy  room.Policy
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	events  *eventHub

	newClient    chan *peerSession
	getClient    chan identityOutSession
	deleteClient chan *peerSession
	newKey       chan keyInput
	claimKey     chan keyClaim
	deleteKey    chan string
	done         chan struct{}
	closeOnce    sync.Once
	ctx          context.Context
	cancel       context.CancelFunc

	sessionPort int
	timeout     time.Duration
	eventBuffer int
}

type identityOutSession struct {
	id  device.PeerID
	out chan *peerSession
}

// pendingTunnel is what a session key stands for.
// Keys of the calling side carry the request,
// keys of the target side carry the channel the target's connection is handed to.
type pendingTunnel struct {
	caller device.PeerID
	opts   *session.Options
	in     chan net.Conn
}

type keyInput struct {
	key     string
	pending *pendingTunnel
}

type keyClaim struct {
	key  string
	conn net.Conn
	out  chan *pendingTunnel
}

// NewServerProtocol creates a new instance of a ServerProtocol that serves r.
func NewServerProtocol(r Room, config ServerConfig) *ServerProtocol {
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultSessionTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	if config.Policy.Allow == nil {
		config.Policy = room.DefaultPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ServerProtocol{
		room:         r,
		policy:       config.Policy,
		log:          config.Logger,
		metrics:      config.Metrics,
		events:       newEventHub(config.EventBuffer),
		newClient:    make(chan *peerSession),
		getClient:    make(chan identityOutSession),
		deleteClient: make(chan *peerSession),
		newKey:       make(chan keyInput),
		claimKey:     make(chan keyClaim),
		deleteKey:    make(chan string),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		sessionPort:  config.SessionPort,
		timeout:      config.SessionTimeout,
		eventBuffer:  config.EventBuffer,
	}
}

func (s *ServerProtocol) Start() error {
	go s.clientHandler()
	go s.keyHandler()
	return nil
}

// setSessionPort must be called before any client is added.
func (s *ServerProtocol) setSessionPort(port int) {
	if s.sessionPort == 0 {
		s.sessionPort = port
	}
}

func (s *ServerProtocol) clientHandler() {
	clients := make(map[device.PeerID]*peerSession, 128)
	for {
		select {
		case client := <-s.newClient:
			if _, has := clients[client.id]; has {
				go func() {
					_ = client.rw.Write(errorMessage(0, ErrAlreadyConnected))
					client.close()
				}()
				continue
			}
			clients[client.id] = client
			s.metrics.SetPeers(len(clients))
			go s.handleClient(client)
		case request := <-s.getClient:
			request.out <- clients[request.id]
		case client := <-s.deleteClient:
			if clients[client.id] == client {
				delete(clients, client.id)
				s.metrics.SetPeers(len(clients))
			}
		case <-s.done:
			for _, client := range clients {
				go client.close()
			}
			return
		}
	}
}

func (s *ServerProtocol) keyHandler() {
	keys := make(map[string]*pendingTunnel, 256)
	for {
		select {
		case input := <-s.newKey:
			keys[input.key] = input.pending
		case key := <-s.deleteKey:
			delete(keys, key)
		case claim := <-s.claimKey:
			// Keys are single-use.
			pending, ok := keys[claim.key]
			if ok {
				delete(keys, claim.key)
				if pending.in != nil {
					pending.in <- claim.conn
				}
			}
			claim.out <- pending
		case <-s.done:
			return
		}
	}
}

func (s *ServerProtocol) addKey(key string, pending *pendingTunnel) bool {
	select {
	case s.newKey <- keyInput{key, pending}:
		return true
	case <-s.done:
		return false
	}
}

func (s *ServerProtocol) removeKey(key string) {
	select {
	case s.deleteKey <- key:
	case <-s.done:
	}
}

func (s *ServerProtocol) claim(key string, conn net.Conn) *pendingTunnel {
	out := make(chan *pendingTunnel, 1)
	select {
	case s.claimKey <- keyClaim{key, conn, out}:
		return <-out
	case <-s.done:
		return nil
	}
}

func (s *ServerProtocol) handleClient(client *peerSession) {
	hello := &protocol.Message{
		Type:  protocol.TypeResult,
		Value: map[string]interface{}{"room": string(s.room.ID())},
	}
	if err := client.rw.Write(hello); err != nil {
		s.log.Warnw("failed to greet client", "peer", client.id.Short(), "error", err)
		s.removeClient(client)
		client.close()
		s.emit(session.KindConnectFailed, client)
		return
	}
	s.log.Infow("client connected", "peer", client.id.Short())
	s.emit(session.KindConnected, client)

	streams := make(map[uint32]*feed.Subscription[[]directory.Endpoint])
	defer func() {
		for _, sub := range streams {
			_ = sub.Close()
		}
		s.removeClient(client)
		client.close()
		kind := session.KindDisconnected
		if client.removed.Load() {
			kind = session.KindRemoved
		}
		s.log.Infow("client gone", "peer", client.id.Short(), "reason", kind)
		s.emit(kind, client)
	}()
	for {
		m, err := client.rw.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				s.log.Warnw("failed to read message", "peer", client.id.Short(), "error", err)
			}
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		switch m.Type {
		case protocol.TypeCall:
			s.handleCall(client, m, streams)
		case protocol.TypeCancel:
			if sub, ok := streams[m.ID]; ok {
				_ = sub.Close()
				delete(streams, m.ID)
			}
		default:
			s.log.Warnw("closing client", "peer", client.id.Short(),
				"error", fmt.Errorf("%w: %v", protocol.ErrUnexpectedMessage, m.Type))
			return
		}
	}
}

func (s *ServerProtocol) handleCall(client *peerSession, m *protocol.Message, streams map[uint32]*feed.Subscription[[]directory.Endpoint]) {
	s.log.Debugw("<- call", "peer", client.id.Short(), "method", m.Method, "id", m.ID)
	if _, ok := room.Manifest[m.Method]; !ok {
		s.reply(client, errorMessage(m.ID, fmt.Errorf("%w: %q", ErrUnknownMethod, m.Method)))
		return
	}
	if !s.policy.Permits(m.Method) {
		s.reply(client, errorMessage(m.ID, fmt.Errorf("%w: %q", ErrNotPermitted, m.Method)))
		return
	}
	switch m.Method {
	case room.MethodAnnounce:
		var opts *directory.AnnounceOptions
		if m.Args != nil {
			opts = &directory.AnnounceOptions{Name: m.Arg("name")}
		}
		s.room.Announce(client, opts)
		s.reply(client, &protocol.Message{Type: protocol.TypeResult, ID: m.ID})
	case room.MethodLeave:
		s.room.Leave(client.id)
		s.reply(client, &protocol.Message{Type: protocol.TypeResult, ID: m.ID})
	case room.MethodIsRoom:
		s.reply(client, &protocol.Message{Type: protocol.TypeResult, ID: m.ID, Value: s.room.IsRoom()})
	case room.MethodPing:
		s.reply(client, &protocol.Message{Type: protocol.TypeResult, ID: m.ID, Value: s.room.Ping()})
	case room.MethodEndpoints:
		if _, has := streams[m.ID]; has {
			s.reply(client, errorMessage(m.ID, ErrDuplicateCall))
			return
		}
		sub := s.room.Endpoints()
		streams[m.ID] = sub
		go s.streamEndpoints(client, m.ID, sub)
	case room.MethodConnect:
		s.handleConnect(client, m)
	}
}

func (s *ServerProtocol) streamEndpoints(client *peerSession, id uint32, sub *feed.Subscription[[]directory.Endpoint]) {
	for endpoints := range sub.Out() {
		err := client.rw.Write(&protocol.Message{
			Type:  protocol.TypeItem,
			ID:    id,
			Value: encodeEndpoints(endpoints),
		})
		if err != nil {
			_ = sub.Close()
			return
		}
	}
	_ = client.rw.Write(&protocol.Message{Type: protocol.TypeEnd, ID: id})
}

// handleConnect hands out a key for the caller's end of the tunnel.
// The request itself is made once the caller joins with that key,
// so that failures can be reported on the tunnel connection.
func (s *ServerProtocol) handleConnect(client *peerSession, m *protocol.Message) {
	var opts *session.Options
	if m.Args != nil {
		opts = &session.Options{Target: device.PeerID(m.Arg("target"))}
		opts.Params, _ = m.Args["params"].(map[string]interface{})
	}
	key, err := newSessionKey()
	if err != nil {
		s.reply(client, errorMessage(m.ID, err))
		return
	}
	if !s.addKey(key, &pendingTunnel{caller: client.id, opts: opts}) {
		return
	}
	time.AfterFunc(s.timeout, func() { s.removeKey(key) })
	s.reply(client, &protocol.Message{
		Type:  protocol.TypeResult,
		ID:    m.ID,
		Value: map[string]interface{}{"key": key, "port": s.sessionPort},
	})
}

func (s *ServerProtocol) reply(client *peerSession, m *protocol.Message) {
	err := client.rw.Write(m)
	if err != nil {
		s.log.Warnw("failed to write reply", "peer", client.id.Short(), "type", m.Type, "error", err)
		client.close()
	}
}

func (s *ServerProtocol) removeClient(client *peerSession) {
	select {
	case s.deleteClient <- client:
	case <-s.done:
	}
}

func (s *ServerProtocol) emit(kind session.Kind, client *peerSession) {
	backlog := s.events.publish(session.Event{Kind: kind, Peer: client.id, Session: client})
	if backlog > 0 && backlog%s.eventBuffer == 0 {
		s.log.Warnw("liveness listener is falling behind", "backlog", backlog)
	}
}

// AddClient adds a client that authenticated as id to the server protocol.
// The server communicates with that client over the passed net.Conn.
// The client must speak the ClientProtocol.
func (s *ServerProtocol) AddClient(id device.PeerID, conn net.Conn) {
	client := newPeerSession(s, id, conn)
	select {
	case s.newClient <- client:
	case <-s.done:
		_ = conn.Close()
	}
}

// Remove disconnects the client with the given id.
// Its departure is reported as session.KindRemoved.
func (s *ServerProtocol) Remove(id device.PeerID) bool {
	out := make(chan *peerSession, 1)
	select {
	case s.getClient <- identityOutSession{id, out}:
	case <-s.done:
		return false
	}
	client := <-out
	if client == nil {
		return false
	}
	client.removed.Store(true)
	client.close()
	return true
}

// Changes reports connects and departures of clients until ctx is done
// or the server protocol is closed. Every event is delivered, however far
// the listener falls behind, and each one carries the session it concerns.
// Events published before Changes returns are not reported.
func (s *ServerProtocol) Changes(ctx context.Context) <-chan session.Event {
	return s.events.listen(ctx)
}

// AddSessionClient adds a connection to the session port.
// Its first message must present a key that was handed out by the room.
func (s *ServerProtocol) AddSessionClient(conn net.Conn) {
	go func() {
		rw := protocol.NewReadWriter(conn)
		_ = conn.SetReadDeadline(time.Now().Add(s.timeout))
		m, err := rw.Read()
		if err != nil {
			s.log.Debugw("session client: failed to read message", "error", err)
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		if !m.Is(protocol.TypeSession) {
			_ = rw.Write(errorMessage(0, fmt.Errorf("%w: %v", protocol.ErrUnexpectedMessage, m.Type)))
			_ = conn.Close()
			return
		}
		pending := s.claim(m.Arg("key"), conn)
		if pending == nil {
			_ = rw.Write(errorMessage(0, ErrSessionKeyInvalid))
			_ = conn.Close()
			return
		}
		if pending.in != nil {
			// The target joined, its Tunnel call takes over.
			return
		}
		s.relay(conn, rw, pending)
	}()
}

// relay asks the room for a stream to the target and pipes it into the caller's connection.
func (s *ServerProtocol) relay(conn net.Conn, rw *protocol.ReadWriter, pending *pendingTunnel) {
	stream := s.room.Connect(s.ctx, pending.caller, pending.opts)
	if err := session.Failure(stream); err != nil {
		s.log.Debugw("tunnel failed", "origin", pending.caller.Short(), "error", err)
		_ = rw.Write(errorMessage(0, err))
		_ = conn.Close()
		return
	}
	if err := rw.Write(&protocol.Message{Type: protocol.TypeResult}); err != nil {
		_ = conn.Close()
		_ = stream.Close()
		return
	}
	s.metrics.TunnelOpened()
	defer s.metrics.TunnelClosed()
	s.log.Debugw("tunnel established", "origin", pending.caller.Short())
	if err := pipe(s.ctx, conn, stream); err != nil {
		s.log.Debugw("tunnel ended", "origin", pending.caller.Short(), "error", err)
	}
}

// pipe copies between a and b until either side ends or ctx is done.
// Both are closed when it returns.
func pipe(ctx context.Context, a, b io.ReadWriteCloser) error {
	closeBoth := func() {
		_ = a.Close()
		_ = b.Close()
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-stop:
		}
	}()
	var eg errgroup.Group
	eg.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(a, b)
		return ignoreClosed(err)
	})
	eg.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(b, a)
		return ignoreClosed(err)
	})
	return eg.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *ServerProtocol) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.events.close()
	})
	return nil
}
