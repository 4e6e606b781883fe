package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
)

// BusCapacity is the per-subscriber delta backlog.
const BusCapacity = 10000

// ErrBusClosed is returned when receiving from a closed bus.
var ErrBusClosed = errors.New("broadcast bus closed")

// LaggedError reports deltas dropped while a subscriber fell behind.
// The subscriber resumes from the newest retained delta.
type LaggedError struct {
	Missed uint64
}

func (e LaggedError) Error() string {
	return fmt.Sprintf("lagged behind broadcast: %d deltas dropped", e.Missed)
}

// Delta is the update record fanned out to subscribers after a
// successful mutation. Payload is opaque encoded state; Seq is a
// bus-assigned snowflake that orders deltas across documents.
type Delta struct {
	DocumentID ID
	Version    uint64
	Path       string
	Seq        int64
	Payload    []byte
}

// Bus fans deltas out to subscribers. Publishing never blocks: when a
// subscriber's backlog overflows, its oldest delta gives way and the
// next receive reports the gap.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool
	node   *snowflake.Node
}

// NewBus creates an empty bus.
func NewBus() (*Bus, error) {
	node, err := snowflake.NewNode(int64(os.Getpid() % 1024))
	if err != nil {
		return nil, err
	}
	return &Bus{
		subs: make(map[uint64]*Subscriber),
		node: node,
	}, nil
}

// Subscribe registers a new subscriber with an empty backlog.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		bus: b,
		id:  b.nextID,
		ch:  make(chan Delta, BusCapacity),
	}
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish stamps the delta with a sequence number and delivers it to
// every subscriber. Fire and forget: no subscribers, no effect.
func (b *Bus) Publish(delta Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	delta.Seq = b.node.Generate().Int64()
	for _, sub := range b.subs {
		sub.offer(delta)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts down the bus. Subscribers drain their backlog, then
// receive ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Subscriber is one receiver on the bus.
type Subscriber struct {
	bus    *Bus
	id     uint64
	ch     chan Delta
	missed atomic.Uint64
}

// offer delivers a delta without blocking. Caller holds the bus lock.
func (s *Subscriber) offer(delta Delta) {
	select {
	case s.ch <- delta:
		return
	default:
	}
	// Backlog full: evict the oldest so the newest is retained
	select {
	case <-s.ch:
		s.missed.Add(1)
	default:
	}
	select {
	case s.ch <- delta:
	default:
		s.missed.Add(1)
	}
}

// Recv blocks for the next delta. After an overflow it returns a
// LaggedError once, then resumes delivery from the newest retained
// delta. Returns ErrBusClosed once the bus shuts down and the backlog
// is drained.
func (s *Subscriber) Recv(ctx context.Context) (Delta, error) {
	if n := s.missed.Swap(0); n > 0 {
		return Delta{}, LaggedError{Missed: n}
	}
	select {
	case delta, ok := <-s.ch:
		if !ok {
			return Delta{}, ErrBusClosed
		}
		return delta, nil
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	}
}

// Close removes the subscriber from the bus and releases its backlog.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if _, ok := s.bus.subs[s.id]; !ok {
		return
	}
	delete(s.bus.subs, s.id)
	close(s.ch)
}
