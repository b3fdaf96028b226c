// Package directory keeps track of the endpoints that are reachable through a room.
//
// Peers announce themselves and leave again; liveness events of the
// transport remove peers that went away without leaving. Every change
// is published as a complete, freshly serialized endpoint list.
package directory

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"projekt/room/lib/device"
	"projekt/room/lib/feed"
	"projekt/room/lib/metrics"
	"projekt/room/lib/session"
	"sync"
	"time"
)

// AnnounceOptions carry optional metadata of an announcement.
type AnnounceOptions struct {
	Name string
}

// Endpoint is the public view of an announced peer.
type Endpoint struct {
	ID      device.PeerID `json:"id"`
	Address string        `json:"address"`
	Name    string        `json:"name,omitempty"`
}

type record struct {
	session session.Session
	name    string
}

// entry is either live (record != nil) or a tombstone.
// Tombstones hold no record so they cannot leak into a serialization.
type entry struct {
	record    *record
	removedAt time.Time
}

// Directory maps peer identities to announced endpoints.
// It is safe for concurrent use. All mutations are serialized
// and each one publishes the resulting endpoint list before the next one starts.
type Directory struct {
	room device.PeerID

	mu         sync.RWMutex
	entries    map[device.PeerID]*entry
	order      []device.PeerID
	tombstones int

	feed    *feed.Feed[[]Endpoint]
	buffer  int
	clock   clock.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

type Option func(*Directory)

// WithClock sets the clock used to timestamp removals.
func WithClock(c clock.Clock) Option {
	return func(d *Directory) { d.clock = c }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(d *Directory) { d.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Directory) { d.metrics = m }
}

// WithFeedBuffer sets how many endpoint lists a subscriber may fall behind
// before the oldest ones are dropped.
func WithFeedBuffer(n int) Option {
	return func(d *Directory) { d.buffer = n }
}

// New creates an empty Directory for the room with the given identity.
func New(room device.PeerID, opts ...Option) *Directory {
	d := &Directory{
		room:    room,
		entries: make(map[device.PeerID]*entry, 128),
		order:   make([]device.PeerID, 0, 128),
		buffer:  feed.DefaultBuffer,
		clock:   clock.New(),
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.feed = feed.New[[]Endpoint](d.buffer, d.log.Named("feed"))
	d.feed.OnDrop = func(string) { d.metrics.Dropped() }
	d.feed.OnCount = d.metrics.SetSubscribers
	return d
}

// Room returns the identity of the room this directory belongs to.
func (d *Directory) Room() device.PeerID {
	return d.room
}

// Announce makes a peer visible under its identity.
// A previous record of the same peer, live or removed, is overwritten.
func (d *Directory) Announce(caller device.PeerID, s session.Session, opts AnnounceOptions) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log.Debugw("endpoint announced", "peer", caller.Short(), "name", opts.Name)
	e, ok := d.entries[caller]
	if !ok {
		e = &entry{}
		d.entries[caller] = e
		d.order = append(d.order, caller)
	} else if e.record == nil {
		d.tombstones--
	}
	e.record = &record{session: s, name: opts.Name}
	e.removedAt = time.Time{}
	d.metrics.Announced()
	d.changed()
}

// Leave removes a peer on its own request. Leaving more than once is fine.
func (d *Directory) Leave(caller device.PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log.Debugw("endpoint is leaving", "peer", caller.Short())
	d.remove(caller)
	d.metrics.Left()
	d.changed()
}

// ApplyExternalChange removes the peer of an event that reports it gone.
// Connect events are ignored: a peer only becomes visible by announcing itself.
// An event that names a session only removes the record announced through that session,
// so a late event of a previous connection leaves a re-announced peer alone.
func (d *Directory) ApplyExternalChange(ev session.Event) {
	if !ev.Kind.IsGone() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Session != nil {
		if e, ok := d.entries[ev.Peer]; ok && e.record != nil && e.record.session != ev.Session {
			d.log.Debugw("ignored event of a previous session", "peer", ev.Peer.Short(), "event", ev.Kind)
			return
		}
	}
	d.log.Debugw("endpoint is no longer here", "peer", ev.Peer.Short(), "event", ev.Kind)
	d.remove(ev.Peer)
	d.metrics.Removed(ev.Kind.String())
	d.changed()
}

// remove marks a peer as removed. Peers that never announced stay absent.
func (d *Directory) remove(id device.PeerID) {
	e, ok := d.entries[id]
	if !ok || e.record == nil {
		return
	}
	e.record = nil
	e.removedAt = d.clock.Now()
	d.tombstones++
}

// changed publishes the current endpoint list. The write lock must be held.
func (d *Directory) changed() {
	d.metrics.SetDirectory(len(d.entries)-d.tombstones, d.tombstones)
	d.feed.Publish(d.serialize())
}

// Serialize returns all live endpoints in the order they were first announced.
func (d *Directory) Serialize() []Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serialize()
}

func (d *Directory) serialize() []Endpoint {
	out := make([]Endpoint, 0, len(d.entries)-d.tombstones)
	for _, id := range d.order {
		e := d.entries[id]
		if e.record == nil {
			continue
		}
		out = append(out, Endpoint{
			ID:      id,
			Address: Address(d.room, id),
			Name:    e.record.name,
		})
	}
	return out
}

// Lookup returns the session of a live endpoint.
func (d *Directory) Lookup(id device.PeerID) (session.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok || e.record == nil {
		return nil, false
	}
	return e.record.session, true
}

// Subscribe returns a subscription whose first value is the current endpoint list,
// followed by the list after every subsequent change.
// The endpoint lists are shared between subscribers and must not be modified.
func (d *Directory) Subscribe() *feed.Subscription[[]Endpoint] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.feed.SubscribeFrom(d.serialize())
}

// Subscribers returns the number of active subscriptions.
func (d *Directory) Subscribers() int {
	return d.feed.Len()
}

// Tombstones returns the number of removed entries that are still retained.
func (d *Directory) Tombstones() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tombstones
}

// Compact deletes tombstones that are older than ttl and returns how many were deleted.
// The serialized view does not change, so nothing is published.
func (d *Directory) Compact(ttl time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tombstones == 0 {
		return 0
	}
	now := d.clock.Now()
	order := d.order[:0]
	deleted := 0
	for _, id := range d.order {
		e := d.entries[id]
		if e.record == nil && now.Sub(e.removedAt) >= ttl {
			delete(d.entries, id)
			deleted++
			continue
		}
		order = append(order, id)
	}
	for i := len(order); i < len(d.order); i++ {
		d.order[i] = ""
	}
	d.order = order
	d.tombstones -= deleted
	d.metrics.SetDirectory(len(d.entries)-d.tombstones, d.tombstones)
	if deleted > 0 {
		d.log.Debugw("compacted tombstones", "deleted", deleted)
	}
	return deleted
}

// Close ends all subscriptions.
func (d *Directory) Close() {
	d.feed.Close()
}
