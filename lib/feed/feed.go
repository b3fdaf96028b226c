// Package feed broadcasts values to any number of subscribers.
//
// A subscriber receives every value that is published after it subscribed,
// in publication order, optionally preceded by a value of its own choosing.
// Publishing never blocks: each subscription has a bounded queue
// and the oldest queued value is dropped when that queue is full.
package feed

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the queue size of a subscription if none is configured.
const DefaultBuffer = 16

// ErrClosed is returned by Subscription.Next once the subscription has ended.
var ErrClosed = errors.New("feed: subscription closed")

// Feed is a fan-out of values of type T.
// Calls to Publish are serialized; callers that need a global order
// must publish from one goroutine or under their own lock.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	buffer int
	closed bool
	log    *zap.SugaredLogger

	// OnDrop is called with the subscription whenever a queued value was discarded.
	OnDrop func(id string)
	// OnCount is called with the number of subscriptions whenever it changes.
	OnCount func(n int)
}

// New creates a Feed whose subscriptions queue up to buffer values.
func New[T any](buffer int, log *zap.SugaredLogger) *Feed[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Feed[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a new subscription that receives every value published from now on.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	return f.subscribe(nil)
}

// SubscribeFrom registers a new subscription whose first value is initial.
// Subscribing to a closed feed returns a subscription that yields initial and then ends.
func (f *Feed[T]) SubscribeFrom(initial T) *Subscription[T] {
	return f.subscribe(&initial)
}

func (f *Feed[T]) subscribe(initial *T) *Subscription[T] {
	s := &Subscription[T]{
		id:   uuid.NewString(),
		feed: f,
		out:  make(chan T, f.buffer),
	}
	if initial != nil {
		s.out <- *initial
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		s.closed.Store(true)
		close(s.out)
		return s
	}
	f.subs[s] = struct{}{}
	f.log.Debugw("subscribed", "subscription", s.id, "subscribers", len(f.subs))
	f.count()
	return s
}

// Publish hands v to every subscription without blocking.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		if s.offer(v) {
			f.log.Debugw("dropped oldest value", "subscription", s.id)
			if f.OnDrop != nil {
				f.OnDrop(s.id)
			}
		}
	}
}

// Len returns the number of active subscriptions.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends all subscriptions. Values that are still queued can be read.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		s.closed.Store(true)
		close(s.out)
	}
	f.subs = nil
	f.count()
}

func (f *Feed[T]) remove(s *Subscription[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; !ok {
		return
	}
	delete(f.subs, s)
	close(s.out)
	f.log.Debugw("unsubscribed", "subscription", s.id, "subscribers", len(f.subs))
	f.count()
}

func (f *Feed[T]) count() {
	if f.OnCount != nil {
		f.OnCount(len(f.subs))
	}
}

// Subscription is a lazy, unbounded sequence of values from a Feed.
type Subscription[T any] struct {
	id      string
	feed    *Feed[T]
	out     chan T
	closed  atomic.Bool
	dropped atomic.Int64
}

// ID uniquely identifies the subscription.
func (s *Subscription[T]) ID() string {
	return s.id
}

// Out returns the channel of values.
// It is closed once the subscription or the feed is closed.
func (s *Subscription[T]) Out() <-chan T {
	return s.out
}

// Next blocks until the next value is available.
// It returns ErrClosed once the subscription has ended and all queued values were read.
func (s *Subscription[T]) Next(ctx context.Context) (v T, err error) {
	select {
	case value, ok := <-s.out:
		if !ok {
			err = ErrClosed
			return
		}
		v = value
	case <-ctx.Done():
		err = ctx.Err()
	}
	return
}

// Dropped returns how many values were discarded because the subscriber fell behind.
func (s *Subscription[T]) Dropped() int64 {
	return s.dropped.Load()
}

// Close cancels the subscription. It is safe to call Close more than once.
func (s *Subscription[T]) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.feed.remove(s)
	return nil
}

// offer queues v, discarding the oldest queued value while the queue is full.
// It must only be called with the feed's lock held.
func (s *Subscription[T]) offer(v T) (dropped bool) {
	for {
		select {
		case s.out <- v:
			return
		default:
		}
		select {
		case <-s.out:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}
