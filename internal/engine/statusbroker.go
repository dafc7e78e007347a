package engine

import (
	"sync"

	"github.com/seantiz/igprov/internal/model"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Transitions are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// StatusBroker fans status transitions out to subscribers. It is safe for
// concurrent use.
type StatusBroker struct {
	mu     sync.Mutex
	subs   map[int]chan model.Transition
	queues map[int]*transitionQueue
	nextID int
	closed bool
}

// NewStatusBroker creates a new status broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		subs:   make(map[int]chan model.Transition),
		queues: make(map[int]*transitionQueue),
	}
}

// Subscribe returns a channel that receives every transition published from
// now on and an unsubscribe function. After Close the returned channel is
// already closed.
func (b *StatusBroker) Subscribe() (<-chan model.Transition, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Transition, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// SubscribeQueued is like Subscribe but never drops: transitions the
// reader has not taken yet are queued without bound. After Close the
// channel delivers what is still queued and is then closed.
func (b *StatusBroker) SubscribeQueued() (<-chan model.Transition, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(chan model.Transition)
	if b.closed {
		close(out)
		return out, func() {}
	}

	q := newTransitionQueue()
	id := b.nextID
	b.nextID++
	b.queues[id] = q
	go q.pump(out)

	return out, func() {
		b.mu.Lock()
		delete(b.queues, id)
		b.mu.Unlock()
		q.stop()
	}
}

// Publish sends t to every subscriber. Slow Subscribe readers miss it;
// SubscribeQueued readers get it late.
func (b *StatusBroker) Publish(t model.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
			droppedTransitions.Inc()
		}
	}
	for _, q := range b.queues {
		q.push(t)
	}
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *StatusBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	for id, q := range b.queues {
		q.finish()
		delete(b.queues, id)
	}
}

// transitionQueue feeds one SubscribeQueued reader from an unbounded
// backlog.
type transitionQueue struct {
	mu       sync.Mutex
	items    []model.Transition
	finished bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newTransitionQueue() *transitionQueue {
	return &transitionQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *transitionQueue) push(t model.Transition) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.signal()
}

// finish lets the pump drain the backlog and close its channel.
func (q *transitionQueue) finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// stop makes the pump close its channel without draining.
func (q *transitionQueue) stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

func (q *transitionQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *transitionQueue) pump(out chan<- model.Transition) {
	defer close(out)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = model.Transition{}
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case out <- t:
			case <-q.done:
				return
			}
			continue
		}
		finished := q.finished
		q.mu.Unlock()
		if finished {
			return
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
