package relay

import (
	"context"
	"projekt/room/lib/session"
	"sync"
)

// eventQueue is the backlog of liveness events of one Changes listener.
// Events are never dropped: a departure that is lost would leave its peer listed.
type eventQueue struct {
	mu     sync.Mutex
	events []session.Event
	signal chan struct{}
	closed bool
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{
		events: make([]session.Event, 0, capacity),
		signal: make(chan struct{}, 1),
	}
}

func (q *eventQueue) push(ev session.Event) (backlog int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
	backlog = len(q.events)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return
}

// take removes all queued events. closed is set once the queue was closed and is empty.
func (q *eventQueue) take() (events []session.Event, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	events = q.events
	if len(events) > 0 {
		q.events = make([]session.Event, 0, cap(events))
	}
	return events, q.closed && len(events) == 0
}

// close stops accepting events. Queued events are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// eventHub hands every liveness event to all listeners.
type eventHub struct {
	mu       sync.Mutex
	queues   map[*eventQueue]struct{}
	capacity int
	closed   bool
}

func newEventHub(capacity int) *eventHub {
	return &eventHub{
		queues:   make(map[*eventQueue]struct{}),
		capacity: capacity,
	}
}

// publish returns the largest backlog of any listener.
func (h *eventHub) publish(ev session.Event) (backlog int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for q := range h.queues {
		if n := q.push(ev); n > backlog {
			backlog = n
		}
	}
	return
}

func (h *eventHub) listen(ctx context.Context) <-chan session.Event {
	q := newEventQueue(h.capacity)
	h.mu.Lock()
	if h.closed {
		q.closed = true
	} else {
		h.queues[q] = struct{}{}
	}
	h.mu.Unlock()

	out := make(chan session.Event)
	go func() {
		defer close(out)
		defer h.remove(q)
		for {
			events, closed := q.take()
			if closed {
				return
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			if len(events) > 0 {
				continue
			}
			select {
			case <-q.signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (h *eventHub) remove(q *eventQueue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.queues, q)
	q.close()
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for q := range h.queues {
		q.close()
	}
}
