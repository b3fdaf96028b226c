// Package tunnel brokers streams between two peers of a room.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"projekt/room/lib/device"
	"projekt/room/lib/metrics"
	"projekt/room/lib/session"
)

var (
	ErrMissingOptions = errors.New("tunnel: opts must be provided")
	ErrUnknownTarget  = errors.New("tunnel: could not connect to target")
)

// Resolver finds the session of a live endpoint.
type Resolver interface {
	Lookup(id device.PeerID) (session.Session, bool)
}

// Relay hands tunnel requests to the session of their target.
// It never looks at the bytes that flow through a tunnel.
type Relay struct {
	resolver Resolver
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewRelay(resolver Resolver, log *zap.SugaredLogger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Relay{
		resolver: resolver,
		log:      log,
		metrics:  m,
	}
}

// Connect asks the target's session for a stream on behalf of caller.
// It always returns a Stream: requests without a target and requests
// for a peer that is not in the directory yield a failed stream.
// The opts are forwarded with Origin set to caller.
func (r *Relay) Connect(ctx context.Context, caller device.PeerID, opts *session.Options) session.Stream {
	if opts == nil || opts.Target == "" {
		r.metrics.Connected(metrics.ResultMissingOptions)
		return session.Failed(ErrMissingOptions)
	}
	target, ok := r.resolver.Lookup(opts.Target)
	if !ok {
		r.metrics.Connected(metrics.ResultUnknownTarget)
		return session.Failed(fmt.Errorf("%w: %s", ErrUnknownTarget, opts.Target))
	}
	r.log.Debugw("received tunnel request", "target", opts.Target.Short(), "origin", caller.Short())
	r.metrics.Connected(metrics.ResultOK)
	forward := *opts
	forward.Origin = caller
	return target.Tunnel(ctx, forward)
}
