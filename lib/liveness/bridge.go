// Package liveness forwards peer liveness changes of a session source to a directory.
package liveness

import (
	"context"
	"go.uber.org/zap"
	"projekt/room/lib/session"
)

// Applier receives the events that concern a peer that went away.
type Applier interface {
	ApplyExternalChange(ev session.Event)
}

// Bridge connects a session.Source to an Applier.
type Bridge struct {
	source  session.Source
	applier Applier
	log     *zap.SugaredLogger
}

func NewBridge(source session.Source, applier Applier, log *zap.SugaredLogger) *Bridge {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bridge{
		source:  source,
		applier: applier,
		log:     log,
	}
}

// Run forwards events until ctx is done or the source stops sending.
// The source is subscribed exactly once; nothing is retried when it ends.
func (b *Bridge) Run(ctx context.Context) {
	b.forward(ctx, b.source.Changes(ctx))
}

// Start subscribes to the source before it returns and forwards events in the background.
// The returned channel is closed once forwarding stopped.
func (b *Bridge) Start(ctx context.Context) <-chan struct{} {
	events := b.source.Changes(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.forward(ctx, events)
	}()
	return done
}

func (b *Bridge) forward(ctx context.Context, events <-chan session.Event) {
	b.log.Debug("forwarding liveness changes")
	defer b.log.Debug("stopped forwarding liveness changes")
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Peer == "" || !ev.Kind.IsGone() {
				continue
			}
			b.applier.ApplyExternalChange(ev)
		case <-ctx.Done():
			return
		}
	}
}
