package sensor

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

// Ingester accepts raw driver samples. Every ingestion source feeds one.
type Ingester interface {
	Ingest(raw RawSample) error
	IngestJSON(data []byte) error
}

// Heartbeater receives a liveness and quality signal for every accepted reading.
type Heartbeater interface {
	Heartbeat(sensorID string, confidence float64, at time.Time)
}

// Hub owns one queue per configured sensor. Ingestion paths call Ingest
// concurrently; the fusion tick calls Drain. Ingestion never touches any
// state other than its sensor's queue and the heartbeat.
type Hub struct {
	normalizer *Normalizer
	queues     map[string]*Queue
	order      []string
	heartbeat  Heartbeater
	rejected   atomic.Uint64
}

// NewHub creates a Hub for the configured sensors. hb may be nil.
func NewHub(sensors []config.SensorConfig, clock timeutil.Clock, hb Heartbeater) *Hub {
	h := &Hub{
		normalizer: NewNormalizer(sensors, clock),
		queues:     make(map[string]*Queue, len(sensors)),
		heartbeat:  hb,
	}
	for _, s := range sensors {
		h.queues[s.ID] = NewQueue(s.GetQueueSize())
		h.order = append(h.order, s.ID)
	}
	sort.Strings(h.order)
	return h
}

// Ingest normalizes a raw sample, signals the heartbeat and enqueues it.
func (h *Hub) Ingest(raw RawSample) error {
	r, err := h.normalizer.Normalize(raw)
	if err != nil {
		h.reject(err)
		return err
	}
	h.Push(r)
	return nil
}

// IngestJSON decodes and ingests one JSON-encoded RawSample.
func (h *Hub) IngestJSON(data []byte) error {
	r, err := h.normalizer.NormalizeJSON(data)
	if err != nil {
		h.reject(err)
		return err
	}
	h.Push(r)
	return nil
}

// Push enqueues an already-normalized reading.
func (h *Hub) Push(r Reading) {
	q, ok := h.queues[r.SensorID]
	if !ok {
		h.reject(fmt.Errorf("%w: %q", ErrUnknownSensor, r.SensorID))
		return
	}
	if h.heartbeat != nil {
		// Liveness is judged on arrival time so driver clock skew cannot
		// mask a silent sensor.
		h.heartbeat.Heartbeat(r.SensorID, r.Confidence, h.normalizer.clock.Now())
	}
	q.Push(r)
}

func (h *Hub) reject(err error) {
	n := h.rejected.Add(1)
	monitoring.CountFault(monitoring.FaultReadingRejected, 1)
	// Log the first rejection and then every hundredth to keep a broken
	// driver from flooding the log.
	if n == 1 || n%100 == 0 || errors.Is(err, ErrUnknownSensor) && n < 10 {
		monitoring.Logf("[sensor] rejected reading (%d total): %v", n, err)
	}
}

// Drain pops the newest reading from every queue without blocking. The
// result is ordered by sensor id so the tick is deterministic.
func (h *Hub) Drain() []Reading {
	out := make([]Reading, 0, len(h.order))
	coalesced := 0
	for _, id := range h.order {
		r, c, ok := h.queues[id].Latest()
		coalesced += c
		if ok {
			out = append(out, r)
		}
	}
	monitoring.CountFault(monitoring.FaultQueueCoalesced, coalesced)
	return out
}

// Stats returns queue counters keyed by sensor id.
func (h *Hub) Stats() map[string]QueueStats {
	out := make(map[string]QueueStats, len(h.queues))
	for id, q := range h.queues {
		out[id] = q.Stats()
	}
	return out
}

// Rejected returns the number of samples refused by the normalizer.
func (h *Hub) Rejected() uint64 { return h.rejected.Load() }
