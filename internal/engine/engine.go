// Package engine runs the fusion tick. Each tick drains the sensor queues,
// updates the body tracker, extracts features, maps zones, applies the
// failsafe mode, resolves parameters and publishes one output frame, in a
// single deterministic pass owned by one goroutine.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/failsafe"
	"github.com/banshee-data/presence.field/internal/features"
	"github.com/banshee-data/presence.field/internal/fusion"
	"github.com/banshee-data/presence.field/internal/health"
	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/outbus"
	"github.com/banshee-data/presence.field/internal/resolver"
	"github.com/banshee-data/presence.field/internal/sensor"
	"github.com/banshee-data/presence.field/internal/telemetry"
	"github.com/banshee-data/presence.field/internal/timeutil"
	"github.com/banshee-data/presence.field/internal/zones"
)

// ErrHalted is returned once the blackout fade has completed.
var ErrHalted = failsafe.ErrHalted

// Reasons recorded for blackout requests.
const (
	BlackoutOperator  = "operator"
	BlackoutPowerLoss = "power_loss"
)

// Journal receives the events worth persisting. Implementations must not
// block: they are called from the tick.
type Journal interface {
	RecordHealth(ev health.Event)
	RecordTransition(tr failsafe.Transition)
}

// Deps are the collaborators an engine is built with. Nil fields get
// defaults: the real clock and a fresh bus.
type Deps struct {
	Clock   timeutil.Clock
	Bus     *outbus.Bus
	Journal Journal
}

// Engine owns every component of the fusion core.
type Engine struct {
	cfg      *config.VenueConfig
	clock    timeutil.Clock
	interval time.Duration

	health   *health.Monitor
	hub      *sensor.Hub
	tracker  *fusion.Tracker
	mapper   *zones.Mapper
	resolver *resolver.Resolver
	smoother *resolver.Smoother
	machine  *failsafe.Machine
	bus      *outbus.Bus
	journal  Journal

	detectors map[string]*sensor.Detector
	touch     map[string]bool

	tick     uint64
	lastTick time.Time
	halted   bool

	blackoutMu     sync.Mutex
	blackoutReason string
	blackoutSet    atomic.Bool

	onFrame  []func(failsafe.OutputFrame)
	snapshot atomic.Pointer[telemetry.Snapshot]
}

// New builds an engine from a validated venue configuration.
func New(cfg *config.VenueConfig, deps Deps) (*Engine, error) {
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	bus := deps.Bus
	if bus == nil {
		bus = outbus.New()
	}
	mapper, err := zones.NewMapper(cfg)
	if err != nil {
		return nil, fmt.Errorf("zones: %w", err)
	}
	res, err := resolver.New(cfg.Parameters)
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}
	mon := health.NewMonitor(cfg.Sensors, cfg.Health, clock)
	e := &Engine{
		cfg:       cfg,
		clock:     clock,
		interval:  cfg.GetTickInterval(),
		health:    mon,
		hub:       sensor.NewHub(cfg.Sensors, clock, mon),
		tracker:   fusion.NewTracker(fusion.TrackerConfigFromVenue(cfg), cfg.Sensors),
		mapper:    mapper,
		resolver:  res,
		smoother:  resolver.NewSmoother(cfg.Parameters),
		machine:   failsafe.NewMachine(cfg, mapper.Refs(), clock.Now()),
		bus:       bus,
		journal:   deps.Journal,
		detectors: make(map[string]*sensor.Detector, len(cfg.Sensors)),
		touch:     make(map[string]bool, len(cfg.Sensors)),
	}
	for _, s := range cfg.Sensors {
		e.detectors[s.ID] = sensor.NewDetector(s)
		e.touch[s.ID] = s.HasCapability(config.CapTouch)
	}
	e.snapshot.Store(&telemetry.Snapshot{
		Time:     clock.Now(),
		Failsafe: e.machine.State(),
		Sensors:  mon.Snapshot(),
	})
	return e, nil
}

// Hub is the ingestion entry point for every sensor source.
func (e *Engine) Hub() *sensor.Hub { return e.hub }

// Health returns the sensor health monitor.
func (e *Engine) Health() *health.Monitor { return e.health }

// Bus returns the output parameter bus.
func (e *Engine) Bus() *outbus.Bus { return e.bus }

// Mode returns the current failsafe mode. Only safe from the tick goroutine
// or after Run has returned; other goroutines should read Snapshot.
func (e *Engine) Mode() failsafe.Mode { return e.machine.Mode() }

// Bodies returns the tracked bodies after the last tick.
func (e *Engine) Bodies() []fusion.TrackedBody { return e.tracker.Bodies() }

// OnFrame registers fn to be called with every composed frame. Register
// before Run; fn runs on the tick goroutine and must not block.
func (e *Engine) OnFrame(fn func(failsafe.OutputFrame)) {
	e.onFrame = append(e.onFrame, fn)
}

// Snapshot returns the telemetry snapshot of the last tick.
func (e *Engine) Snapshot() *telemetry.Snapshot { return e.snapshot.Load() }

// TriggerBlackout requests theatrical blackout. It is safe from any
// goroutine and takes effect at the next tick; the first reason wins.
func (e *Engine) TriggerBlackout(reason string) {
	if reason == "" {
		reason = BlackoutOperator
	}
	e.blackoutMu.Lock()
	defer e.blackoutMu.Unlock()
	if e.blackoutSet.Load() {
		return
	}
	e.blackoutReason = reason
	e.blackoutSet.Store(true)
}

// PowerLoss signals an unrecoverable power fault.
func (e *Engine) PowerLoss() { e.TriggerBlackout(BlackoutPowerLoss) }

func (e *Engine) pendingBlackout() (string, bool) {
	if !e.blackoutSet.Load() {
		return "", false
	}
	e.blackoutMu.Lock()
	defer e.blackoutMu.Unlock()
	return e.blackoutReason, true
}

// Run ticks at the configured rate until ctx is done or the blackout fade
// completes, in which case it returns ErrHalted. The health watchdog runs
// on its own ticker alongside.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.health.Watch(ctx)
	}()

	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()
	opsf("running at %.1f Hz with %d sensors and %d zones", e.cfg.GetTickRate(), len(e.cfg.Sensors), len(e.cfg.Zones))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			if _, err := e.Step(now); err != nil {
				return err
			}
			if e.halted {
				opsf("output halted after %d ticks", e.tick)
				return ErrHalted
			}
		}
	}
}

// Step runs one fusion tick at now and returns the frame it published.
func (e *Engine) Step(now time.Time) (failsafe.OutputFrame, error) {
	if e.halted {
		return failsafe.OutputFrame{}, ErrHalted
	}
	start := e.clock.Now()
	e.tick++
	dt := e.interval
	if !e.lastTick.IsZero() && now.After(e.lastTick) {
		dt = now.Sub(e.lastTick)
	}
	e.lastTick = now

	// 1. Health events reach the tracker and the failsafe machine.
	events := e.health.DrainEvents()
	for _, ev := range events {
		e.tracker.SetSensorLost(ev.SensorID, ev.To == health.Lost)
		if ev.To == health.Lost || ev.From == health.Lost {
			opsf("sensor %s %s -> %s: %s", ev.SensorID, ev.From, ev.To, ev.Reason)
		} else {
			diagf("sensor %s %s -> %s: %s", ev.SensorID, ev.From, ev.To, ev.Reason)
		}
		if e.journal != nil {
			e.journal.RecordHealth(ev)
		}
	}
	e.machine.Apply(events, now)

	// 2. A pending blackout takes over the tick.
	if reason, ok := e.pendingBlackout(); ok && e.machine.Mode() != failsafe.TheatricalBlackout {
		e.machine.RequestBlackout(reason, now)
	}
	if e.machine.Mode() == failsafe.TheatricalBlackout {
		values, _ := e.machine.Fade(now)
		frame, err := e.machine.Compose(values, now)
		if err != nil {
			e.halted = true
			return failsafe.OutputFrame{}, err
		}
		e.halted = e.machine.Halted()
		e.finish(frame, features.Set{}, nil, start, now)
		return frame, nil
	}

	// 3. Drain the newest reading per sensor and convert to world detections.
	var tracked, touches []sensor.WorldDetection
	for _, r := range e.hub.Drain() {
		if st, ok := e.health.State(r.SensorID); ok && st == health.Lost {
			continue
		}
		d, ok := e.detectors[r.SensorID]
		if !ok {
			continue
		}
		dets := d.Detect(r)
		if e.touch[r.SensorID] {
			touches = append(touches, dets...)
		} else {
			tracked = append(tracked, dets...)
		}
	}

	// 4. Track, extract, map, filter, shape and resolve.
	e.tracker.Update(tracked, now)
	set := features.Extract(e.tracker.Bodies(), touches, e.cfg.Venue)
	inputs := e.mapper.Map(set)
	live := e.machine.Filter(inputs, now)
	e.machine.Observe(inputs, set.Aggregate, now)
	values, resolutions := e.resolver.Resolve(e.mapper.Evaluate(live))
	values = e.smoother.Apply(values)

	frame, err := e.machine.Compose(values, now)
	if err != nil {
		e.halted = true
		return failsafe.OutputFrame{}, err
	}

	// 5. Commit zone history only after the frame is composed.
	e.mapper.Advance(set, dt)
	e.finish(frame, set, resolutions, start, now)
	return frame, nil
}

func (e *Engine) finish(frame failsafe.OutputFrame, set features.Set, resolutions []resolver.Resolution, start, now time.Time) {
	for _, tr := range e.machine.DrainTransitions() {
		opsf("failsafe %s -> %s: %s", tr.From, tr.To, tr.Reason)
		if e.journal != nil {
			e.journal.RecordTransition(tr)
		}
	}
	e.bus.Publish(frame)
	for _, fn := range e.onFrame {
		fn(frame)
	}

	took := e.clock.Since(start)
	bodies := e.tracker.Bodies()
	snap := &telemetry.Snapshot{
		Tick:         e.tick,
		Time:         now,
		TickDuration: took,
		Failsafe:     e.machine.State(),
		Sensors:      e.health.Snapshot(),
		Bodies:       bodyViews(bodies),
		Aggregate:    set.Aggregate,
		Frame:        &frame,
		Resolutions:  resolutions,
		Zones:        e.mapper.Accumulators(),
		Queues:       e.hub.Stats(),
		Bus:          e.bus.Stats(),
		Faults:       monitoring.Faults(),
	}
	e.snapshot.Store(snap)
	monitoring.ObserveTick(took, len(bodies))
	if took > e.interval {
		diagf("tick %d overran: %s > %s", e.tick, took, e.interval)
	}
	tracef("tick=%d mode=%s bodies=%d values=%v", e.tick, frame.Mode, len(bodies), frame.Values)
}

func bodyViews(bodies []fusion.TrackedBody) []telemetry.BodyView {
	out := make([]telemetry.BodyView, 0, len(bodies))
	for _, b := range bodies {
		v := telemetry.BodyView{
			ID:            b.ID,
			Seq:           b.Seq,
			Position:      b.Position,
			Speed:         b.Speed(),
			Confidence:    b.Confidence,
			LowConfidence: b.LowConfidence,
			Sensors:       b.Sensors,
		}
		if b.HasHeading && !math.IsNaN(b.Heading) {
			h := b.Heading
			v.Heading = &h
		}
		if b.HasGesture {
			v.Gesture = b.Gesture
		}
		out = append(out, v)
	}
	return out
}
