package tunnel

import (
	"context"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"projekt/room/lib/device"
	"projekt/room/lib/metrics"
	"projekt/room/lib/session"
	"testing"
)

type resolverFunc func(id device.PeerID) (session.Session, bool)

func (f resolverFunc) Lookup(id device.PeerID) (session.Session, bool) {
	return f(id)
}

type pipeSession struct {
	peer     device.PeerID
	requests []session.Options
	remote   net.Conn
}

func (s *pipeSession) Peer() device.PeerID {
	return s.peer
}

func (s *pipeSession) Tunnel(_ context.Context, opts session.Options) session.Stream {
	s.requests = append(s.requests, opts)
	local, remote := net.Pipe()
	s.remote = remote
	return local
}

func lookupOnly(s *pipeSession) Resolver {
	return resolverFunc(func(id device.PeerID) (session.Session, bool) {
		if s != nil && id == s.peer {
			return s, true
		}
		return nil, false
	})
}

func TestRelay_MissingOptions(t *testing.T) {
	r := NewRelay(lookupOnly(nil), nil, nil)
	for _, opts := range []*session.Options{nil, {}} {
		stream := r.Connect(context.Background(), "caller", opts)
		_, err := stream.Read(make([]byte, 1))
		assert.ErrorIs(t, err, ErrMissingOptions)
		_, err = stream.Write([]byte("x"))
		assert.ErrorIs(t, err, ErrMissingOptions)
	}
}

func TestRelay_UnknownTarget(t *testing.T) {
	m := metrics.New(nil)
	r := NewRelay(lookupOnly(nil), nil, m)
	stream := r.Connect(context.Background(), "caller", &session.Options{Target: "nonexistent"})
	_, err := stream.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.Contains(t, err.Error(), "nonexistent")
	assert.ErrorIs(t, session.Failure(stream), ErrUnknownTarget)
	assert.EqualValues(t, 1, testutil.ToFloat64(m.Connects.WithLabelValues(metrics.ResultUnknownTarget)))
}

func TestRelay_ForwardsToTarget(t *testing.T) {
	target := &pipeSession{peer: "target"}
	r := NewRelay(lookupOnly(target), nil, nil)
	params := map[string]interface{}{"portal": "x", "hops": float64(2)}
	stream := r.Connect(context.Background(), "caller", &session.Options{
		Target: "target",
		Origin: "forged",
		Params: params,
	})
	require.Nil(t, session.Failure(stream))
	require.Len(t, target.requests, 1)
	assert.Equal(t, session.Options{Target: "target", Origin: "caller", Params: params}, target.requests[0])

	// The stream is the session's own stream, unchanged.
	go func() {
		_, _ = target.remote.Write([]byte("hello"))
	}()
	buf := make([]byte, 5)
	_, err := io.ReadFull(stream, buf)
	assert.Nil(t, err)
	assert.Equal(t, "hello", string(buf))
	assert.Nil(t, stream.Close())
}
