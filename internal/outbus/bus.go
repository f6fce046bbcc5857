// Package outbus fans composed output frames out to downstream consumers.
// Publish never blocks the fusion tick: every subscription has a bounded
// buffer and a policy deciding which frame is dropped when it is full.
package outbus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/failsafe"
	"github.com/banshee-data/presence.field/internal/monitoring"
)

var (
	ErrBusClosed     = errors.New("outbus: bus closed")
	ErrUnknownPolicy = errors.New("outbus: unknown drop policy")
)

// Stats counts deliveries for one subscription.
type Stats struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Policy  string `json:"policy"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

// Subscription is a consumer's view of the bus.
type Subscription struct {
	ID     string
	Name   string
	Policy string

	ch      chan failsafe.OutputFrame
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// C delivers frames in publication order. It is closed by Unsubscribe or
// by closing the bus.
func (s *Subscription) C() <-chan failsafe.OutputFrame { return s.ch }

func (s *Subscription) stats() Stats {
	return Stats{
		ID:      s.ID,
		Name:    s.Name,
		Policy:  s.Policy,
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Queued:  len(s.ch),
	}
}

// Bus distributes frames to subscriptions. Publish is called by the single
// fusion tick goroutine; Subscribe and Unsubscribe may be called from any.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	published atomic.Uint64
	closed    bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a consumer with the given drop policy and buffer.
func (b *Bus) Subscribe(name, policy string, buffer int) (*Subscription, error) {
	if policy != config.DropOldest && policy != config.DropNewest {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &Subscription{
		ID:     uuid.NewString(),
		Name:   name,
		Policy: policy,
		ch:     make(chan failsafe.OutputFrame, buffer),
	}
	b.subs[s.ID] = s
	return s, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.ID]; !ok {
		return
	}
	delete(b.subs, s.ID)
	close(s.ch)
}

// Publish offers frame to every subscription without blocking. Frames that
// do not fit are dropped per subscription policy and counted as output
// backpressure.
func (b *Bus) Publish(frame failsafe.OutputFrame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		b.offer(s, frame)
	}
}

func (b *Bus) offer(s *Subscription, frame failsafe.OutputFrame) {
	select {
	case s.ch <- frame:
		s.sent.Add(1)
		return
	default:
	}
	if s.Policy == config.DropOldest {
		// Evict the oldest queued frame to make room. The consumer may have
		// emptied the slot meanwhile, in which case nothing is evicted.
		select {
		case <-s.ch:
			s.dropped.Add(1)
			monitoring.CountFault(monitoring.FaultOutputBackpressure, 1)
		default:
		}
		select {
		case s.ch <- frame:
			s.sent.Add(1)
			return
		default:
		}
	}
	s.dropped.Add(1)
	monitoring.CountFault(monitoring.FaultOutputBackpressure, 1)
}

// Published returns the number of frames published so far.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Stats returns the delivery counters of every subscription sorted by name.
func (b *Bus) Stats() []Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Stats, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
