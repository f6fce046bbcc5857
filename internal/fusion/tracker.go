// Package fusion merges world detections from every tracking sensor into a
// stable set of tracked bodies. The tracker is owned by the fusion tick and
// is not safe for concurrent mutation; Bodies returns copies.
package fusion

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/sensor"
)

// headingSpeed is the minimum speed at which velocity direction is trusted
// as a heading when no sensor observes orientation.
const headingSpeed = 0.15

// TrackerConfig holds fusion parameters resolved from the venue tuning.
type TrackerConfig struct {
	TickInterval          time.Duration
	MaxHumanSpeed         float64 // m/s, bounds per-tick displacement
	AssociationMargin     float64 // metres added to every gate
	SpawnConfidence       float64
	GracePeriod           time.Duration
	SmoothingWindow       int
	MaxVelocity           float64
	DisagreementThreshold float64
	MaxBodies             int
}

// TrackerConfigFromVenue resolves tracker parameters from a venue document.
func TrackerConfigFromVenue(cfg *config.VenueConfig) TrackerConfig {
	t := cfg.Tracker
	return TrackerConfig{
		TickInterval:          cfg.GetTickInterval(),
		MaxHumanSpeed:         t.GetMaxHumanSpeed(),
		AssociationMargin:     t.GetAssociationMargin(),
		SpawnConfidence:       t.GetSpawnConfidence(),
		GracePeriod:           t.GetGracePeriod(),
		SmoothingWindow:       t.GetSmoothingWindow(),
		MaxVelocity:           t.GetMaxVelocity(),
		DisagreementThreshold: t.GetDisagreementThreshold(),
		MaxBodies:             t.GetMaxBodies(),
	}
}

// TrackedBody is a snapshot of one fused participant.
type TrackedBody struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	Position      r3.Vector `json:"position"`
	Velocity      r3.Vector `json:"velocity"`
	Heading       float64   `json:"heading"`
	HasHeading    bool      `json:"has_heading"`
	Gesture       string    `json:"gesture,omitempty"`
	HasGesture    bool      `json:"has_gesture"`
	Confidence    float64   `json:"confidence"`
	LowConfidence bool      `json:"low_confidence"`
	FirstSeen     time.Time `json:"first_seen"`
	LastUpdated   time.Time `json:"last_updated"`
	Sensors       []string  `json:"sensors"`
}

// Speed returns the magnitude of the floor-plane velocity.
func (b TrackedBody) Speed() float64 { return math.Hypot(b.Velocity.X, b.Velocity.Z) }

type body struct {
	TrackedBody
	contributors map[string]time.Time
	history      []r3.Vector
	pending      []sensor.WorldDetection
	updates      int
	ambiguous    bool
}

// Tracker maintains the body registry.
type Tracker struct {
	cfg      TrackerConfig
	gestures map[string]bool // sensors able to observe gestures
	lost     map[string]bool
	bodies   []*body // ordered by Seq
	nextSeq  uint64

	// Counters for telemetry.
	Spawned   uint64
	Retired   uint64
	Ambiguous uint64
}

// NewTracker creates a tracker. sensors supplies the gesture capability of
// each sensor so gesture classes are dropped when no capable sensor remains.
func NewTracker(cfg TrackerConfig, sensors []config.SensorConfig) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		gestures: map[string]bool{},
		lost:     map[string]bool{},
	}
	if t.cfg.SmoothingWindow < 1 {
		t.cfg.SmoothingWindow = 1
	}
	for _, s := range sensors {
		t.gestures[s.ID] = s.HasCapability(config.CapGesture)
	}
	return t
}

// SetSensorLost marks a sensor lost or recovered. Contributions from a lost
// sensor are pruned on the next update and its detections are ignored.
func (t *Tracker) SetSensorLost(sensorID string, lost bool) {
	if lost {
		t.lost[sensorID] = true
	} else {
		delete(t.lost, sensorID)
	}
}

// Update fuses one tick of detections taken at now.
func (t *Tracker) Update(dets []sensor.WorldDetection, now time.Time) {
	// Step 1: group detections by sensor in id order so association is
	// deterministic regardless of arrival order.
	bySensor := map[string][]sensor.WorldDetection{}
	var ids []string
	for _, d := range dets {
		if t.lost[d.SensorID] || !finiteVec(d.Position) {
			continue
		}
		if _, ok := bySensor[d.SensorID]; !ok {
			ids = append(ids, d.SensorID)
		}
		bySensor[d.SensorID] = append(bySensor[d.SensorID], d)
	}
	sort.Strings(ids)

	// Step 2: associate each sensor's detections with existing bodies and
	// spawn bodies for the rest, so later sensors can match them.
	for _, id := range ids {
		t.associate(bySensor[id], now)
	}

	// Step 3: fuse pending detections into matched bodies.
	for _, b := range t.bodies {
		if len(b.pending) > 0 {
			t.fuse(b, now)
		}
	}

	// Step 4: prune stale or lost contributors and retire empty bodies.
	kept := t.bodies[:0]
	for _, b := range t.bodies {
		t.prune(b, now)
		if len(b.contributors) == 0 {
			t.Retired++
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(t.bodies); i++ {
		t.bodies[i] = nil
	}
	t.bodies = kept
}

type candidate struct {
	dist float64
	b    *body
	det  int
}

// anchor is the latest unsmoothed fused position, which is what the
// per-tick displacement bound applies to.
func (b *body) anchor() r3.Vector {
	if n := len(b.history); n > 0 {
		return b.history[n-1]
	}
	return b.Position
}

func (t *Tracker) gate(b *body, now time.Time) float64 {
	elapsed := now.Sub(b.LastUpdated)
	if elapsed < t.cfg.TickInterval {
		elapsed = t.cfg.TickInterval
	}
	return t.cfg.MaxHumanSpeed*elapsed.Seconds() + t.cfg.AssociationMargin
}

func (t *Tracker) associate(dets []sensor.WorldDetection, now time.Time) {
	var cands []candidate
	for _, b := range t.bodies {
		g := t.gate(b, now)
		for i, d := range dets {
			if dist := floorDistance(b.anchor(), d.Position); dist <= g {
				cands = append(cands, candidate{dist: dist, b: b, det: i})
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		if cands[i].b.Seq != cands[j].b.Seq {
			return cands[i].b.Seq < cands[j].b.Seq
		}
		return cands[i].det < cands[j].det
	})

	usedBody := map[*body]bool{}
	usedDet := make([]bool, len(dets))
	contested := make([]bool, len(dets))
	for _, c := range cands {
		if usedDet[c.det] {
			continue
		}
		if usedBody[c.b] {
			contested[c.det] = true
			continue
		}
		usedBody[c.b] = true
		usedDet[c.det] = true
		c.b.pending = append(c.b.pending, dets[c.det])
	}

	for i, d := range dets {
		if usedDet[i] {
			continue
		}
		if contested[i] {
			// The detection lies inside the gate of a body another
			// detection already claimed: keep it as a separate
			// low-confidence body rather than guess.
			t.Ambiguous++
			monitoring.CountFault(monitoring.FaultAssociationAmbiguity, 1)
			diagf("[fusion] ambiguous detection from %s at (%.2f, %.2f)", d.SensorID, d.Position.X, d.Position.Z)
			t.spawn(d, now, true)
			continue
		}
		if d.Confidence >= t.cfg.SpawnConfidence {
			t.spawn(d, now, false)
		}
	}
}

func (t *Tracker) spawn(d sensor.WorldDetection, now time.Time, ambiguous bool) {
	if t.cfg.MaxBodies > 0 && len(t.bodies) >= t.cfg.MaxBodies {
		return
	}
	t.nextSeq++
	t.Spawned++
	b := &body{
		TrackedBody: TrackedBody{
			ID:          fmt.Sprintf("body-%04d", t.nextSeq),
			Seq:         t.nextSeq,
			Position:    d.Position,
			FirstSeen:   now,
			LastUpdated: now,
		},
		contributors: map[string]time.Time{},
		pending:      []sensor.WorldDetection{d},
		ambiguous:    ambiguous,
	}
	t.bodies = append(t.bodies, b)
}

func (t *Tracker) fuse(b *body, now time.Time) {
	var sum r3.Vector
	var wsum, csum float64
	for _, d := range b.pending {
		sum = sum.Add(d.Position.Mul(d.Confidence))
		wsum += d.Confidence
		csum += d.Confidence
		b.contributors[d.SensorID] = now
	}
	var fused r3.Vector
	if wsum > 0 {
		fused = sum.Mul(1 / wsum)
	} else {
		for _, d := range b.pending {
			fused = fused.Add(d.Position)
		}
		fused = fused.Mul(1 / float64(len(b.pending)))
	}

	spread := 0.0
	for i := range b.pending {
		for j := i + 1; j < len(b.pending); j++ {
			spread = math.Max(spread, floorDistance(b.pending[i].Position, b.pending[j].Position))
		}
	}
	b.LowConfidence = b.ambiguous || spread > t.cfg.DisagreementThreshold
	b.ambiguous = false
	b.Confidence = csum / float64(len(b.pending))
	if b.LowConfidence {
		b.Confidence *= 0.5
	}

	b.history = append(b.history, fused)
	if len(b.history) > t.cfg.SmoothingWindow {
		b.history = b.history[len(b.history)-t.cfg.SmoothingWindow:]
	}
	smoothed := meanVec(b.history)

	dt := now.Sub(b.LastUpdated).Seconds()
	if b.updates > 0 && dt > 0 {
		b.Velocity = clampSpeed(smoothed.Sub(b.Position).Mul(1/dt), t.cfg.MaxVelocity)
	}
	b.Position = smoothed
	b.LastUpdated = now
	b.updates++

	// Heading: observed orientation wins, then direction of travel.
	best := -1.0
	for _, d := range b.pending {
		if d.HasHeading && d.Confidence > best {
			best = d.Confidence
			b.Heading, b.HasHeading = d.Heading, true
		}
	}
	if best < 0 && math.Hypot(b.Velocity.X, b.Velocity.Z) > headingSpeed {
		b.Heading, b.HasHeading = math.Atan2(b.Velocity.X, b.Velocity.Z), true
	}

	for _, d := range b.pending {
		if d.HasGesture {
			b.Gesture, b.HasGesture = d.Gesture, true
		}
	}
	b.pending = b.pending[:0]
}

func (t *Tracker) prune(b *body, now time.Time) {
	gestureLive := false
	for id, seen := range b.contributors {
		if t.lost[id] || now.Sub(seen) > t.cfg.GracePeriod {
			delete(b.contributors, id)
			continue
		}
		if t.gestures[id] {
			gestureLive = true
		}
	}
	if !gestureLive {
		b.Gesture, b.HasGesture = "", false
	}
}

// Bodies returns snapshots of the live bodies ordered by Seq.
func (t *Tracker) Bodies() []TrackedBody {
	out := make([]TrackedBody, 0, len(t.bodies))
	for _, b := range t.bodies {
		tb := b.TrackedBody
		tb.Sensors = make([]string, 0, len(b.contributors))
		for id := range b.contributors {
			tb.Sensors = append(tb.Sensors, id)
		}
		sort.Strings(tb.Sensors)
		out = append(out, tb)
	}
	return out
}

// Len returns the number of live bodies.
func (t *Tracker) Len() int { return len(t.bodies) }

func floorDistance(a, b r3.Vector) float64 { return math.Hypot(a.X-b.X, a.Z-b.Z) }

func meanVec(vs []r3.Vector) r3.Vector {
	xs := make([]float64, len(vs))
	ys := make([]float64, len(vs))
	zs := make([]float64, len(vs))
	for i, v := range vs {
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
	}
	return r3.Vector{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}
}

func clampSpeed(v r3.Vector, max float64) r3.Vector {
	if n := v.Norm(); n > max && n > 0 {
		return v.Mul(max / n)
	}
	return v
}

func finiteVec(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}

// diagf is replaced by the engine's diagnostic stream.
var diagf = func(format string, args ...interface{}) {}

// SetDiagLogger routes association diagnostics. nil mutes them.
func SetDiagLogger(f func(format string, args ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	diagf = f
}
