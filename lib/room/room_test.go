package room

import (
	"context"
	"crypto/rand"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"projekt/room/lib/feed"
	"projekt/room/lib/session"
	"projekt/room/lib/tunnel"
	"testing"
	"time"
)

// echoSession answers every tunnel request with a stream that echoes what is written to it.
type echoSession struct {
	peer device.PeerID
}

func (s *echoSession) Peer() device.PeerID {
	return s.peer
}

func (s *echoSession) Tunnel(_ context.Context, _ session.Options) session.Stream {
	local, remote := net.Pipe()
	go func() {
		_, _ = io.Copy(remote, remote)
	}()
	return local
}

func newPeer(t *testing.T) *echoSession {
	key, err := device.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return &echoSession{peer: key.PeerID()}
}

func newRoom(t *testing.T, opts ...Option) (*Room, *directory.Directory) {
	key, err := device.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	dir := directory.New(key.PeerID())
	return New(dir, tunnel.NewRelay(dir, nil, nil), opts...), dir
}

func next(t *testing.T, s *feed.Subscription[[]directory.Endpoint]) []directory.Endpoint {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := s.Next(ctx)
	require.NoError(t, err)
	return v
}

func TestRoom_Scenario(t *testing.T) {
	r, dir := newRoom(t)
	p1, p2 := newPeer(t), newPeer(t)

	sub := r.Endpoints()
	defer sub.Close()
	assert.Empty(t, next(t, sub))

	r.Announce(p1, &directory.AnnounceOptions{Name: "alice"})
	assert.Equal(t, []directory.Endpoint{{
		ID:      p1.peer,
		Address: directory.Address(r.ID(), p1.peer),
		Name:    "alice",
	}}, next(t, sub))

	r.Announce(p2, nil)
	endpoints := next(t, sub)
	require.Len(t, endpoints, 2)
	assert.Equal(t, p1.peer, endpoints[0].ID)
	assert.Equal(t, p2.peer, endpoints[1].ID)

	dir.ApplyExternalChange(session.Event{Kind: session.KindDisconnected, Peer: p1.peer})
	endpoints = next(t, sub)
	require.Len(t, endpoints, 1)
	assert.Equal(t, p2.peer, endpoints[0].ID)

	stream := r.Connect(context.Background(), p1.peer, &session.Options{Target: p2.peer})
	require.Nil(t, session.Failure(stream))
	go func() {
		_, _ = stream.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	_, err := io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.Nil(t, stream.Close())

	failed := r.Connect(context.Background(), p2.peer, &session.Options{Target: p1.peer})
	_, err = failed.Read(buf)
	assert.ErrorIs(t, err, tunnel.ErrUnknownTarget)
}

func TestRoom_Leave(t *testing.T) {
	r, dir := newRoom(t)
	p := newPeer(t)
	r.Announce(p, nil)
	r.Leave(p.peer)
	r.Leave(p.peer)
	assert.Empty(t, dir.Serialize())
}

func TestRoom_IsRoomAndPing(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_600_000_000_123))
	r, _ := newRoom(t, WithClock(mock))
	assert.True(t, r.IsRoom())
	assert.EqualValues(t, 1_600_000_000_123, r.Ping())
	mock.Add(time.Second)
	assert.EqualValues(t, 1_600_000_001_123, r.Ping())
}

func TestRoom_RunCompaction(t *testing.T) {
	mock := clock.NewMock()
	key, err := device.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	dir := directory.New(key.PeerID(), directory.WithClock(mock))
	r := New(dir, tunnel.NewRelay(dir, nil, nil), WithClock(mock))
	p := newPeer(t)
	r.Announce(p, nil)
	r.Leave(p.peer)
	require.Equal(t, 1, dir.Tombstones())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunCompaction(ctx, 10*time.Second, time.Second)
	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		return dir.Tombstones() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManifestAndPolicy(t *testing.T) {
	policy := DefaultPolicy()
	for method := range Manifest {
		assert.True(t, policy.Permits(method), method)
	}
	assert.Len(t, policy.Allow, len(Manifest))
	assert.False(t, policy.Permits("shutdown"))
	assert.False(t, Policy{}.Permits(MethodPing))
	assert.Equal(t, Duplex, Manifest[MethodConnect])
	assert.Equal(t, Source, Manifest[MethodEndpoints])
}
