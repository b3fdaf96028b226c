package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"io"
	"net"
	"os"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"projekt/room/lib/liveness"
	"projekt/room/lib/room"
	"projekt/room/lib/secure"
	"projekt/room/lib/session"
	"projekt/room/lib/tunnel"
	"sync/atomic"
	"testing"
	"time"
)

const SessionPort = 23521

func createKey(t *testing.T) device.KeyPair {
	key, err := device.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return key
}

func createRoom(t *testing.T) (*room.Room, *directory.Directory) {
	dir := directory.New(createKey(t).PeerID())
	t.Cleanup(dir.Close)
	return room.New(dir, tunnel.NewRelay(dir, nil, nil)), dir
}

func createServer(t *testing.T, r Room, config ServerConfig) *ServerProtocol {
	if config.SessionPort == 0 {
		config.SessionPort = SessionPort
	}
	sp := NewServerProtocol(r, config)
	require.NoError(t, sp.Start())
	t.Cleanup(func() {
		assert.NoError(t, sp.Close())
	})
	return sp
}

// pipeDialer joins tunnels over in-memory connections.
func pipeDialer(sp *ServerProtocol) SessionDialer {
	return func(_ context.Context, port int) (net.Conn, error) {
		client, server := net.Pipe()
		sp.AddSessionClient(server)
		return client, nil
	}
}

func createClient(t *testing.T, sp *ServerProtocol, key device.KeyPair) *ClientProtocol {
	cc, sc := net.Pipe()
	sp.AddClient(key.PeerID(), sc)
	cp := NewClientProtocol(cc, pipeDialer(sp), nil)
	require.NoError(t, cp.Start(createContext(t)))
	t.Cleanup(func() {
		_ = cp.Close()
	})
	return cp
}

func createContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nextEndpoints(t *testing.T, ch <-chan []directory.Endpoint) []directory.Endpoint {
	select {
	case endpoints, ok := <-ch:
		require.True(t, ok, "endpoint stream ended")
		return endpoints
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for endpoints")
		return nil
	}
}

func nextEvent(t *testing.T, ch <-chan session.Event) session.Event {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return session.Event{}
	}
}

func TestProtocol_Hello(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	cp := createClient(t, sp, createKey(t))
	assert.Equal(t, r.ID(), cp.Room())
}

func TestProtocol_AlreadyConnected(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	key := createKey(t)
	createClient(t, sp, key)

	cc, sc := net.Pipe()
	sp.AddClient(key.PeerID(), sc)
	cp := NewClientProtocol(cc, pipeDialer(sp), nil)
	err := cp.Start(createContext(t))
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestProtocol_Calls(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	key := createKey(t)
	cp := createClient(t, sp, key)
	ctx := createContext(t)

	ok, err := cp.IsRoom(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	before := time.Now().Add(-time.Second)
	now, err := cp.Ping(ctx)
	require.NoError(t, err)
	assert.True(t, now.After(before))

	require.NoError(t, cp.Announce(ctx, &directory.AnnounceOptions{Name: "alice"}))
	endpoints, err := cp.Endpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []directory.Endpoint{{
		ID:      key.PeerID(),
		Address: directory.Address(r.ID(), key.PeerID()),
		Name:    "alice",
	}}, nextEndpoints(t, endpoints))

	require.NoError(t, cp.Leave(ctx))
	assert.Empty(t, nextEndpoints(t, endpoints))
}

func TestProtocol_AnnounceWithoutOptions(t *testing.T) {
	r, dir := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	key := createKey(t)
	cp := createClient(t, sp, key)
	require.NoError(t, cp.Announce(createContext(t), nil))
	endpoints := dir.Serialize()
	require.Len(t, endpoints, 1)
	assert.Equal(t, key.PeerID(), endpoints[0].ID)
	assert.Empty(t, endpoints[0].Name)
}

func TestProtocol_EndpointsCancel(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	cp := createClient(t, sp, createKey(t))
	ctx, cancel := context.WithCancel(createContext(t))
	endpoints, err := cp.Endpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, nextEndpoints(t, endpoints))
	cancel()
	select {
	case _, ok := <-endpoints:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("endpoint stream was not closed")
	}
	// The connection stays usable.
	ok, err := cp.IsRoom(createContext(t))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProtocol_Policy(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{Policy: room.Policy{Allow: []string{room.MethodIsRoom}}})
	cp := createClient(t, sp, createKey(t))
	ctx := createContext(t)

	_, err := cp.IsRoom(ctx)
	assert.NoError(t, err)
	_, err = cp.Ping(ctx)
	assert.ErrorIs(t, err, ErrNotPermitted)
	_, err = cp.Call(ctx, "fly", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestProtocol_MethodCasing(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	cp := createClient(t, sp, createKey(t))
	value, err := cp.Call(createContext(t), "is_room", nil)
	require.NoError(t, err)
	assert.Equal(t, true, value)
}

func TestProtocol_Tunnel(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	k1, k2 := createKey(t), createKey(t)
	cp1 := createClient(t, sp, k1)
	cp2 := createClient(t, sp, k2)
	ctx := createContext(t)
	require.NoError(t, cp2.Announce(ctx, nil))

	var accepted net.Conn
	var inv *Invitation
	var e errgroup.Group
	e.Go(func() (err error) {
		accepted, inv, err = cp2.Accept(ctx)
		return
	})
	c1, err := cp1.Connect(ctx, k2.PeerID(), map[string]interface{}{"service": "chat"})
	require.NoError(t, err)
	require.NoError(t, e.Wait())
	defer c1.Close()
	defer accepted.Close()

	assert.Equal(t, k1.PeerID(), inv.Origin)
	assert.Equal(t, k2.PeerID(), inv.Target)
	assert.Equal(t, "chat", inv.Params["service"])
	testConnectionPair(t, c1, accepted)
	assert.Equal(t, r.ID(), cp1.Room())
}

func TestProtocol_ConnectUnknownTarget(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	cp := createClient(t, sp, createKey(t))
	_, err := cp.Connect(createContext(t), createKey(t).PeerID(), nil)
	assert.ErrorIs(t, err, tunnel.ErrUnknownTarget)
}

func TestProtocol_ConnectMissingTarget(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	cp := createClient(t, sp, createKey(t))
	_, err := cp.Connect(createContext(t), "", nil)
	assert.ErrorIs(t, err, tunnel.ErrMissingOptions)
}

func TestProtocol_TunnelTimeout(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{SessionTimeout: 100 * time.Millisecond})
	k1, k2 := createKey(t), createKey(t)
	cp1 := createClient(t, sp, k1)
	cp2 := createClient(t, sp, k2)
	ctx := createContext(t)
	require.NoError(t, cp2.Announce(ctx, nil))
	// cp2 never accepts.
	_, err := cp1.Connect(ctx, k2.PeerID(), nil)
	assert.ErrorIs(t, err, ErrTunnelTimeout)
}

func TestProtocol_InvalidSessionKey(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	client, server := net.Pipe()
	sp.AddSessionClient(server)
	_, err := NewSessionClientProtocol(client).Authenticate("00")
	assert.ErrorIs(t, err, ErrSessionKeyInvalid)
}

func assertEvent(t *testing.T, kind session.Kind, peer device.PeerID, ev session.Event) {
	assert.Equal(t, kind, ev.Kind)
	assert.Equal(t, peer, ev.Peer)
	if assert.NotNil(t, ev.Session) {
		assert.Equal(t, peer, ev.Session.Peer())
	}
}

func TestProtocol_Changes(t *testing.T) {
	r, _ := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	events := sp.Changes(createContext(t))

	k1, k2 := createKey(t), createKey(t)
	cp1 := createClient(t, sp, k1)
	connected := nextEvent(t, events)
	assertEvent(t, session.KindConnected, k1.PeerID(), connected)
	require.NoError(t, cp1.Close())
	disconnected := nextEvent(t, events)
	assertEvent(t, session.KindDisconnected, k1.PeerID(), disconnected)
	assert.Same(t, connected.Session, disconnected.Session)

	createClient(t, sp, k2)
	assertEvent(t, session.KindConnected, k2.PeerID(), nextEvent(t, events))
	assert.True(t, sp.Remove(k2.PeerID()))
	assertEvent(t, session.KindRemoved, k2.PeerID(), nextEvent(t, events))
	assert.False(t, sp.Remove(k2.PeerID()))
}

// slowApplier applies liveness events to a directory after a delay.
type slowApplier struct {
	dir     *directory.Directory
	delay   time.Duration
	applied atomic.Int32
}

func (a *slowApplier) ApplyExternalChange(ev session.Event) {
	time.Sleep(a.delay)
	a.dir.ApplyExternalChange(ev)
	a.applied.Add(1)
}

func TestProtocol_SlowLivenessLosesNoDeparture(t *testing.T) {
	r, dir := createRoom(t)
	sp := createServer(t, r, ServerConfig{EventBuffer: 2})
	ctx := createContext(t)
	applier := &slowApplier{dir: dir, delay: 20 * time.Millisecond}
	liveness.NewBridge(sp, applier, nil).Start(ctx)

	clients := make([]*ClientProtocol, 8)
	for i := range clients {
		clients[i] = createClient(t, sp, createKey(t))
		require.NoError(t, clients[i].Announce(ctx, nil))
	}
	require.Len(t, dir.Serialize(), len(clients))
	for _, cp := range clients {
		require.NoError(t, cp.Close())
	}
	require.Eventually(t, func() bool {
		return applier.applied.Load() == int32(len(clients))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, dir.Serialize())
}

func TestProtocol_LateDisconnectKeepsReconnectedPeer(t *testing.T) {
	r, dir := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	ctx := createContext(t)
	events := sp.Changes(ctx)
	applier := &slowApplier{dir: dir, delay: 100 * time.Millisecond}
	liveness.NewBridge(sp, applier, nil).Start(ctx)

	key := createKey(t)
	previous := createClient(t, sp, key)
	require.NoError(t, previous.Announce(ctx, nil))
	require.NoError(t, previous.Close())
	assertEvent(t, session.KindConnected, key.PeerID(), nextEvent(t, events))
	assertEvent(t, session.KindDisconnected, key.PeerID(), nextEvent(t, events))

	// The disconnect of the previous connection is still on its way to the directory.
	current := createClient(t, sp, key)
	require.NoError(t, current.Announce(ctx, nil))
	require.Eventually(t, func() bool {
		return applier.applied.Load() == 1
	}, time.Second, 5*time.Millisecond)

	_, ok := dir.Lookup(key.PeerID())
	assert.True(t, ok)
	ok, err := current.IsRoom(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProtocol_DisconnectRemovesEndpoint(t *testing.T) {
	r, dir := createRoom(t)
	sp := createServer(t, r, ServerConfig{})
	ctx := createContext(t)
	liveness.NewBridge(sp, dir, nil).Start(ctx)

	k1, k2 := createKey(t), createKey(t)
	cp1 := createClient(t, sp, k1)
	cp2 := createClient(t, sp, k2)
	require.NoError(t, cp1.Announce(ctx, nil))
	endpoints, err := cp2.Endpoints(ctx)
	require.NoError(t, err)
	require.Len(t, nextEndpoints(t, endpoints), 1)

	require.NoError(t, cp1.Close())
	assert.Empty(t, nextEndpoints(t, endpoints))
	_, ok := dir.Lookup(k1.PeerID())
	assert.False(t, ok)
}

func testConnectionPair(t *testing.T, c1, c2 net.Conn) {
	testConnectionPairUnidirectional(t, c1, c2)
	testConnectionPairUnidirectional(t, c2, c1)
}

func testConnectionPairUnidirectional(t *testing.T, c1, c2 net.Conn) {
	const count = 128
	expected := make([]byte, count)
	_, err := rand.Read(expected)
	require.NoError(t, err)
	go func() {
		n, err := c1.Write(expected)
		assert.NoError(t, err)
		assert.Equal(t, count, n)
	}()
	actual := make([]byte, count)
	_, err = io.ReadFull(c2, actual)
	require.NoError(t, err)
	assert.Equal(t, expected, actual)
}

func Test_Server_Client(t *testing.T) {
	r, _ := createRoom(t)
	roomKey := createKey(t)
	cert, err := roomKey.Certificate()
	require.NoError(t, err)

	sp := NewServerProtocol(r, ServerConfig{})
	s := NewServer(cert, sp, "127.0.0.1:0", "127.0.0.1:0", 16, nil)
	require.NoError(t, s.Listen())
	defer s.Close()

	ctx := createContext(t)
	k1, k2 := createKey(t), createKey(t)
	c1, err := Dial(ctx, k1, s.Addr().String(), nil)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := Dial(ctx, k2, s.Addr().String(), nil)
	require.NoError(t, err)
	defer c2.Close()
	require.NoError(t, c1.Announce(ctx, nil))

	conns := make(chan secure.Conn, 2)
	var e errgroup.Group
	e.Go(func() error {
		conn, inv, err := c1.AcceptSecure(ctx, secure.TrustOne{Identity: k2.Public})
		if err != nil {
			return err
		}
		assert.Equal(t, k2.PeerID(), inv.Origin)
		assert.True(t, k1.Public.Equal(conn.LocalIdentity()))
		assert.True(t, k2.Public.Equal(conn.RemoteIdentity()))
		conns <- conn
		return nil
	})
	e.Go(func() error {
		conn, err := c2.ConnectSecure(ctx, k1.PeerID(), nil)
		if err != nil {
			return err
		}
		assert.True(t, k2.Public.Equal(conn.LocalIdentity()))
		assert.True(t, k1.Public.Equal(conn.RemoteIdentity()))
		conns <- conn
		return nil
	})
	require.NoError(t, e.Wait())
	a, b := <-conns, <-conns
	defer a.Close()
	defer b.Close()
	testConnectionPair(t, a, b)
}

func Test_Server_StalledHandshake(t *testing.T) {
	r, _ := createRoom(t)
	cert, err := createKey(t).Certificate()
	require.NoError(t, err)
	sp := NewServerProtocol(r, ServerConfig{SessionTimeout: 200 * time.Millisecond})
	s := NewServer(cert, sp, "127.0.0.1:0", "127.0.0.1:0", 1, nil)
	require.NoError(t, s.Listen())
	defer s.Close()

	// Takes the only connection slot and never starts the handshake.
	stalled, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer stalled.Close()
	require.NoError(t, stalled.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = stalled.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded), "the room kept the stalled connection")

	ctx := createContext(t)
	c, err := Dial(ctx, createKey(t), s.Addr().String(), nil)
	require.NoError(t, err)
	defer c.Close()
	ok, err := c.IsRoom(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
