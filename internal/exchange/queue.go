package exchange

import (
	"context"
	"sync"
)

type queued struct {
	ev   Event
	done chan struct{}
}

// eventQueue decouples producers from the consumer of Events. Push never
// blocks, so a gateway can emit events from inside SendTransaction while the
// consumer is the one waiting on that call.
type eventQueue struct {
	mu     sync.Mutex
	items  []queued
	signal chan struct{}
	out    chan Event
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
	}
}

// push appends ev. The returned channel closes once ev has been received.
func (q *eventQueue) push(ev Event) <-chan struct{} {
	done := make(chan struct{})
	q.mu.Lock()
	q.items = append(q.items, queued{ev: ev, done: done})
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return done
}

func (q *eventQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queued{}, false
	}
	item := q.items[0]
	q.items[0] = queued{}
	q.items = q.items[1:]
	return item, true
}

// run delivers queued events in order until ctx is done.
func (q *eventQueue) run(ctx context.Context) {
	for {
		item, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.signal:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case q.out <- item.ev:
			close(item.done)
		}
	}
}
