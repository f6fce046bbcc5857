package sensor

import (
	"sync"
	"sync/atomic"
)

// Queue is a bounded per-sensor buffer between an ingestion path and the
// fusion tick. Push never blocks: when the queue is full the oldest reading
// is evicted. The tick only needs the newest reading, so Latest drains the
// queue and reports how many older readings were coalesced.
type Queue struct {
	ch        chan Reading
	pushMu    sync.Mutex
	pushed    atomic.Uint64
	evicted   atomic.Uint64
	coalesced atomic.Uint64
}

// NewQueue creates a queue holding at most size readings.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Reading, size)}
}

// Push enqueues r, evicting the oldest reading when full. It reports
// whether an eviction happened.
func (q *Queue) Push(r Reading) (evicted bool) {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	q.pushed.Add(1)
	for {
		select {
		case q.ch <- r:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			evicted = true
			q.evicted.Add(1)
		default:
		}
	}
}

// Latest pops every queued reading without blocking and returns the newest.
// coalesced counts the older readings discarded in the same drain.
func (q *Queue) Latest() (r Reading, coalesced int, ok bool) {
	for {
		select {
		case next := <-q.ch:
			if ok {
				coalesced++
			}
			r, ok = next, true
		default:
			if coalesced > 0 {
				q.coalesced.Add(uint64(coalesced))
			}
			return r, coalesced, ok
		}
	}
}

// Len returns the number of readings currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// QueueStats reports lifetime queue counters.
type QueueStats struct {
	Pushed    uint64 `json:"pushed"`
	Evicted   uint64 `json:"evicted"`
	Coalesced uint64 `json:"coalesced"`
	Depth     int    `json:"depth"`
}

// Stats returns lifetime counters for the queue.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Pushed:    q.pushed.Load(),
		Evicted:   q.evicted.Load(),
		Coalesced: q.coalesced.Load(),
		Depth:     len(q.ch),
	}
}
