// Package room offers the operations of a rendezvous room:
// peers announce themselves, watch who else is reachable
// and open tunnels to each other through the room.
package room

import (
	"context"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"projekt/room/lib/device"
	"projekt/room/lib/directory"
	"projekt/room/lib/feed"
	"projekt/room/lib/session"
	"projekt/room/lib/tunnel"
	"time"
)

// Room combines a directory and a relay.
type Room struct {
	dir   *directory.Directory
	relay *tunnel.Relay
	clock clock.Clock
	log   *zap.SugaredLogger
}

type Option func(*Room)

func WithClock(c clock.Clock) Option {
	return func(r *Room) { r.clock = c }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Room) { r.log = log }
}

func New(dir *directory.Directory, relay *tunnel.Relay, opts ...Option) *Room {
	r := &Room{
		dir:   dir,
		relay: relay,
		clock: clock.New(),
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the identity of the room.
func (r *Room) ID() device.PeerID {
	return r.dir.Room()
}

// Announce makes the caller visible to other peers.
func (r *Room) Announce(caller session.Session, opts *directory.AnnounceOptions) {
	var o directory.AnnounceOptions
	if opts != nil {
		o = *opts
	}
	r.dir.Announce(caller.Peer(), caller, o)
}

// Leave hides the caller again.
func (r *Room) Leave(caller device.PeerID) {
	r.dir.Leave(caller)
}

// IsRoom lets peers probe whether they are talking to a room.
func (r *Room) IsRoom() bool {
	return true
}

// Ping returns the current time of the room in milliseconds since the Unix epoch.
func (r *Room) Ping() int64 {
	return r.clock.Now().UnixMilli()
}

// Endpoints returns the current endpoint list followed by every later change.
func (r *Room) Endpoints() *feed.Subscription[[]directory.Endpoint] {
	return r.dir.Subscribe()
}

// Connect opens a tunnel from caller to opts.Target.
// Errors are reported through the returned stream.
func (r *Room) Connect(ctx context.Context, caller device.PeerID, opts *session.Options) session.Stream {
	return r.relay.Connect(ctx, caller, opts)
}

// RunCompaction deletes tombstones older than ttl every interval until ctx is done.
func (r *Room) RunCompaction(ctx context.Context, ttl, interval time.Duration) {
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.dir.Compact(ttl); n > 0 {
				r.log.Infow("compacted directory", "deleted", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
