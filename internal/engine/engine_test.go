package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/failsafe"
	"github.com/banshee-data/presence.field/internal/health"
	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/sensor"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func init() {
	monitoring.SetLogger(nil)
	SetLogWriters(nil, nil, nil)
}

// harness drives an engine and a simulator in lockstep on a mock clock.
type harness struct {
	t        *testing.T
	clock    *timeutil.MockClock
	eng      *Engine
	sim      *sensor.Simulator
	now      time.Time
	interval time.Duration
}

func newHarness(t *testing.T, cfg *config.VenueConfig, opts sensor.SimOptions) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	eng, err := New(cfg, Deps{Clock: clock})
	require.NoError(t, err)
	return &harness{
		t:        t,
		clock:    clock,
		eng:      eng,
		sim:      sensor.NewSimulator(cfg, eng.Hub(), opts),
		now:      epoch,
		interval: cfg.GetTickInterval(),
	}
}

func (h *harness) step() failsafe.OutputFrame {
	h.t.Helper()
	h.now = h.now.Add(h.interval)
	h.clock.Set(h.now)
	h.sim.Move(h.interval)
	h.sim.Emit(h.now)
	h.eng.Health().Check(h.now)
	f, err := h.eng.Step(h.now)
	require.NoError(h.t, err)
	return f
}

func (h *harness) run(d time.Duration) []failsafe.OutputFrame {
	h.t.Helper()
	var out []failsafe.OutputFrame
	for end := h.now.Add(d); h.now.Before(end); {
		out = append(out, h.step())
	}
	return out
}

func walker(x, z float64, gesture string) sensor.Walker {
	return sensor.Walker{Position: r3.Vector{X: x, Y: 1, Z: z}, Gesture: gesture}
}

func TestScenario_GradientApproach(t *testing.T) {
	h := newHarness(t, config.DefaultVenue(), sensor.SimOptions{})
	w := walker(5, 8.5, "")
	w.Velocity = r3.Vector{Z: -1.5}
	h.sim.SetWalkers([]sensor.Walker{w})

	prev := -1.0
	check := func(f failsafe.OutputFrame) {
		v := f.Values["visual.intensity"]
		assert.GreaterOrEqual(t, v, prev-1e-9, "visual.intensity fell at tick %d", f.Seq)
		prev = math.Max(prev, v)
	}
	for h.sim.Walkers()[0].Position.Z > 4.05 {
		check(h.step())
	}
	// Stop just inside the near edge of the zone and let smoothing settle.
	h.sim.SetWalkers([]sensor.Walker{walker(5, 4.01, "")})
	for _, f := range h.run(time.Second) {
		check(f)
	}

	assert.Equal(t, failsafe.Normal, h.eng.Mode())
	require.Len(t, h.eng.Bodies(), 1)
	assert.Equal(t, uint64(1), h.eng.Bodies()[0].Seq, "one identity for the whole approach")
	assert.GreaterOrEqual(t, prev, 0.99)
}

func TestScenario_DepthCameraLost(t *testing.T) {
	cfg := config.DefaultVenue()
	h := newHarness(t, cfg, sensor.SimOptions{})
	h.sim.SetWalkers([]sensor.Walker{walker(5, 6, "wave")})
	h.run(time.Second)

	bodies := h.eng.Bodies()
	require.Len(t, bodies, 1)
	id := bodies[0].ID
	assert.True(t, bodies[0].HasGesture)
	assert.Equal(t, "wave", bodies[0].Gesture)
	assert.Equal(t, failsafe.Normal, h.eng.Mode())

	h.sim.Silence("depth-1", true)
	silencedAt := h.now
	var degradedAt time.Time
	for end := h.now.Add(3 * time.Second); h.now.Before(end); {
		f := h.step()
		if degradedAt.IsZero() && f.Mode == failsafe.GracefulDegradation {
			degradedAt = h.now
		}
		bodies := h.eng.Bodies()
		require.Len(t, bodies, 1, "position tracking continues")
		assert.Equal(t, id, bodies[0].ID)
		assert.InDelta(t, 5, bodies[0].Position.X, 0.05)
		assert.InDelta(t, 6, bodies[0].Position.Z, 0.05)
	}

	require.False(t, degradedAt.IsZero())
	assert.LessOrEqual(t, degradedAt.Sub(silencedAt), cfg.Tracker.GetGracePeriod()+h.interval, "degraded within one grace period")
	assert.Equal(t, failsafe.GracefulDegradation, h.eng.Mode())
	st, _ := h.eng.Health().State("depth-1")
	assert.Equal(t, health.Lost, st)
	assert.False(t, h.eng.Bodies()[0].HasGesture, "gesture class disappears with the depth camera")

	snap := h.eng.Snapshot()
	assert.Equal(t, []string{config.CapGesture, config.CapOrientation}, snap.Failsafe.Unavailable)
	require.NotNil(t, snap.Frame)
	assert.Equal(t, failsafe.ProvenanceFailsafe, snap.Frame.Provenance())

	h.sim.Silence("depth-1", false)
	h.run(time.Second)
	assert.Equal(t, failsafe.Normal, h.eng.Mode())
	assert.True(t, h.eng.Bodies()[0].HasGesture)
	assert.Equal(t, id, h.eng.Bodies()[0].ID)
}

func TestScenario_AllTrackingLost(t *testing.T) {
	h := newHarness(t, config.DefaultVenue(), sensor.SimOptions{})
	h.sim.SetWalkers([]sensor.Walker{walker(9, 6, "")})
	live := h.run(time.Second)
	assert.InDelta(t, 0.8, live[len(live)-1].Values["spatial.pan"], 0.11, "live pan follows x/width through the drift curve")

	h.sim.Silence("depth-1", true)
	h.sim.Silence("lidar-1", true)
	silencedAt := h.now
	var driftAt time.Time
	for end := h.now.Add(5 * time.Second); h.now.Before(end); {
		f := h.step()
		if f.Mode != failsafe.AutonomousDrift {
			continue
		}
		if driftAt.IsZero() {
			driftAt = h.now
		}
		assert.Equal(t, failsafe.ProvenanceFailsafe, f.Provenance())
		assert.Greater(t, f.Values["spatial.pan"], 0.2, "drift is seeded from the last audience, not rest")
		assert.Equal(t, 0.0, f.Values["visual.intensity"], "degrade-policy bindings rest")
	}
	require.False(t, driftAt.IsZero())
	assert.LessOrEqual(t, driftAt.Sub(silencedAt), 2100*time.Millisecond)
	assert.Empty(t, h.eng.Bodies(), "no live bodies remain")

	snap := h.eng.Snapshot()
	assert.Equal(t, 1, snap.Failsafe.Seed.Aggregate.Count)
	assert.Contains(t, snap.Failsafe.Seed.Values, "room/1")
	assert.Equal(t, 0.5, snap.Failsafe.Complexity)

	h.sim.Silence("lidar-1", false)
	h.run(time.Second)
	assert.Equal(t, failsafe.GracefulDegradation, h.eng.Mode(), "partial recovery")
}

func TestStep_SmoothedParameterEases(t *testing.T) {
	raw := newHarness(t, config.DefaultVenue(), sensor.SimOptions{})
	cfg := config.DefaultVenue()
	alpha := 0.15
	cfg.Parameters[0].Smoothing = &alpha
	smooth := newHarness(t, cfg, sensor.SimOptions{})
	for _, h := range []*harness{raw, smooth} {
		h.sim.SetWalkers([]sensor.Walker{walker(5, 4.5, "")})
	}

	var lagged bool
	for i := 0; i < 90; i++ {
		r := raw.step().Values["visual.intensity"]
		s := smooth.step().Values["visual.intensity"]
		assert.LessOrEqual(t, s, r+1e-9, "tick %d", i)
		if r-s > 0.1 {
			lagged = true
		}
	}
	assert.True(t, lagged, "the smoothed parameter trails the raw one")
	assert.InDelta(t, raw.eng.Snapshot().Frame.Values["visual.intensity"], smooth.eng.Snapshot().Frame.Values["visual.intensity"], 0.01)
	assert.Equal(t, raw.eng.Snapshot().Frame.Values["spatial.pan"], smooth.eng.Snapshot().Frame.Values["spatial.pan"])
}

func TestScenario_Blackout(t *testing.T) {
	h := newHarness(t, config.DefaultVenue(), sensor.SimOptions{})
	h.sim.SetWalkers([]sensor.Walker{walker(5, 5, "")})
	sub, err := h.eng.Bus().Subscribe("test", config.DropNewest, 1024)
	require.NoError(t, err)
	h.run(time.Second)
	for len(sub.C()) > 0 {
		<-sub.C()
	}
	before := h.eng.Snapshot().Frame.Values
	require.Greater(t, before["visual.intensity"], 0.0)

	h.eng.TriggerBlackout("")
	h.eng.PowerLoss()
	start := h.now
	var frames []failsafe.OutputFrame
	for {
		h.now = h.now.Add(h.interval)
		h.clock.Set(h.now)
		f, err := h.eng.Step(h.now)
		if err != nil {
			assert.ErrorIs(t, err, ErrHalted)
			break
		}
		frames = append(frames, f)
		require.Less(t, len(frames), 200, "fade must be bounded")
	}

	require.NotEmpty(t, frames)
	prev := before
	for _, f := range frames {
		assert.Equal(t, failsafe.TheatricalBlackout, f.Mode)
		for k, v := range f.Values {
			assert.LessOrEqual(t, v, prev[k]+1e-12, "%s rose during the fade", k)
		}
		prev = f.Values
	}
	last := frames[len(frames)-1]
	assert.True(t, last.Final)
	assert.Equal(t, map[string]float64{"visual.intensity": 0, "audio.density": 0, "spatial.pan": -1}, last.Values)
	assert.InDelta(t, 3.0, last.Timestamp.Sub(start).Seconds(), 0.1)
	assert.Equal(t, BlackoutOperator, h.eng.Snapshot().Failsafe.BlackoutReason)

	_, err = h.eng.Step(h.now.Add(time.Second))
	assert.ErrorIs(t, err, ErrHalted)

	var published []failsafe.OutputFrame
	for len(sub.C()) > 0 {
		published = append(published, <-sub.C())
	}
	require.Len(t, published, len(frames))
	assert.True(t, published[len(published)-1].Final, "nothing is published after the final frame")
}

func TestScenario_Deterministic(t *testing.T) {
	run := func() []map[string]float64 {
		h := newHarness(t, config.DefaultVenue(), sensor.SimOptions{Walkers: 4, Noise: 0.03, Seed: 42})
		var out []map[string]float64
		for _, f := range h.run(3 * time.Second) {
			out = append(out, f.Values)
		}
		return out
	}
	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("identical inputs produced different frames (-first +second):\n%s", diff)
	}
}

func TestRun_HaltsAfterBlackout(t *testing.T) {
	cfg := config.DefaultVenue()
	fade := "200ms"
	cfg.Failsafe.BlackoutDuration = &fade
	clock := timeutil.NewMockClock(epoch)
	eng, err := New(cfg, Deps{Clock: clock})
	require.NoError(t, err)

	var frames int
	eng.OnFrame(func(failsafe.OutputFrame) { frames++ })

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(context.Background()) }()
	require.Eventually(t, func() bool { return clock.Tickers() == 2 }, time.Second, time.Millisecond)

	eng.TriggerBlackout(BlackoutOperator)
	for i := 0; i < 1000; i++ {
		clock.Advance(eng.interval)
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrHalted)
			assert.True(t, eng.Snapshot().Frame.Final)
			assert.GreaterOrEqual(t, frames, 2)
			return
		case <-time.After(2 * time.Millisecond):
		}
	}
	t.Fatal("Run did not halt after the blackout fade")
}

func TestRun_StopsOnCancel(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	eng, err := New(config.DefaultVenue(), Deps{Clock: clock})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()
	require.Eventually(t, func() bool { return clock.Tickers() == 2 }, time.Second, time.Millisecond)
	clock.Advance(eng.interval)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
