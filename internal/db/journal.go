package db

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/presence.field/internal/failsafe"
	"github.com/banshee-data/presence.field/internal/health"
	"github.com/banshee-data/presence.field/internal/monitoring"
)

// DefaultSampleInterval is how often an output frame is written to the
// journal. Final frames are always written.
const DefaultSampleInterval = time.Second

type entry struct {
	event      *health.Event
	transition *failsafe.Transition
}

// Journal serialises run events and sampled frames into the DB from a single
// goroutine. The Record* methods never block the caller; when the queue is
// full the entry is dropped and counted.
type Journal struct {
	db     *DB
	runID  string
	every  time.Duration
	queue  chan entry
	errors atomic.Uint64

	dropped    atomic.Uint64
	lastSample time.Time
	sampled    bool
}

// NewJournal returns a Journal writing under runID. The run row must already
// exist (see DB.StartRun).
func NewJournal(db *DB, runID string, buffer int) *Journal {
	if buffer < 1 {
		buffer = 64
	}
	return &Journal{
		db:    db,
		runID: runID,
		every: DefaultSampleInterval,
		queue: make(chan entry, buffer),
	}
}

func (j *Journal) RunID() string { return j.runID }

// Dropped reports entries discarded because the queue was full.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// RecordHealth queues a sensor health event.
func (j *Journal) RecordHealth(ev health.Event) {
	j.enqueue(entry{event: &ev})
}

// RecordTransition queues a failsafe transition.
func (j *Journal) RecordTransition(tr failsafe.Transition) {
	j.enqueue(entry{transition: &tr})
}

func (j *Journal) enqueue(e entry) {
	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
	}
}

// Run writes queued entries and samples frames until ctx is done or frames
// is closed. Pending entries are flushed before returning.
func (j *Journal) Run(ctx context.Context, frames <-chan failsafe.OutputFrame) {
	defer j.flush()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-j.queue:
			j.write(e)
		case f, ok := <-frames:
			if !ok {
				return
			}
			j.sample(f)
		}
	}
}

func (j *Journal) flush() {
	for {
		select {
		case e := <-j.queue:
			j.write(e)
		default:
			return
		}
	}
}

func (j *Journal) write(e entry) {
	var err error
	switch {
	case e.event != nil:
		err = j.db.RecordHealthEvent(j.runID, *e.event)
	case e.transition != nil:
		err = j.db.RecordTransition(j.runID, *e.transition)
	}
	j.report(err)
}

// sample writes at most one frame per interval of frame time, plus every
// final frame.
func (j *Journal) sample(f failsafe.OutputFrame) {
	if j.sampled && !f.Final && f.Timestamp.Sub(j.lastSample) < j.every {
		return
	}
	j.lastSample, j.sampled = f.Timestamp, true
	j.report(j.db.RecordFrameSample(j.runID, f))
}

func (j *Journal) report(err error) {
	if err == nil {
		return
	}
	if n := j.errors.Add(1); n == 1 || n%100 == 0 {
		monitoring.Logf("[journal] write failed (%d total): %v", n, err)
	}
}
