package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

func simVenue() *config.VenueConfig {
	v := config.DefaultVenue()
	v.Sensors = testSensors()
	return v
}

func TestSimulator_EmitsDetectableSamples(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	hub := NewHub(simVenue().Sensors, clock, nil)
	sim := NewSimulator(simVenue(), hub, SimOptions{Seed: 1})
	sim.SetWalkers([]Walker{{Position: r3.Vector{X: 5, Y: 1, Z: 3}, Velocity: r3.Vector{Z: 1}, Gesture: "wave"}})

	assert.Equal(t, 3, sim.Emit(epoch))
	assert.Zero(t, hub.Rejected())

	byID := map[string]Reading{}
	for _, r := range hub.Drain() {
		byID[r.SensorID] = r
	}
	require.Len(t, byID, 3)

	sensors := testSensors()
	depth := NewDetector(sensors[0]).Detect(byID["depth-1"])
	require.Len(t, depth, 1)
	assert.InDelta(t, 5, depth[0].Position.X, 1e-6)
	assert.InDelta(t, 3, depth[0].Position.Z, 1e-6)
	assert.Equal(t, "wave", depth[0].Gesture)
	assert.InDelta(t, 0, depth[0].Heading, 1e-6)

	lidar := NewDetector(sensors[1]).Detect(byID["lidar-1"])
	require.Len(t, lidar, 1)
	assert.InDelta(t, 5, lidar[0].Position.X, 0.05)
	assert.InDelta(t, 3, lidar[0].Position.Z, 0.05)

	assert.Empty(t, NewDetector(sensors[2]).Detect(byID["floor"]), "walker stands off the touch floor")
}

func TestSimulator_RespectsRatesAndSilence(t *testing.T) {
	sink := &recordingSink{}
	sim := NewSimulator(simVenue(), sink, SimOptions{Walkers: 2, Seed: 7})

	assert.Equal(t, 3, sim.Emit(epoch))
	assert.Zero(t, sim.Emit(epoch.Add(10*time.Millisecond)), "no sensor is due yet")
	assert.Equal(t, 2, sim.Emit(epoch.Add(34*time.Millisecond)), "depth and touch are due, lidar is not")

	sim.Silence("depth-1", true)
	assert.Equal(t, 2, sim.Emit(epoch.Add(time.Second)))
	for _, raw := range sink.raws[5:] {
		assert.NotEqual(t, "depth-1", raw.SensorID)
	}
	sim.Silence("depth-1", false)
	assert.Equal(t, 3, sim.Emit(epoch.Add(2*time.Second)))
}

func TestSimulator_MoveStaysInVenue(t *testing.T) {
	sim := NewSimulator(simVenue(), &recordingSink{}, SimOptions{Walkers: 10, Seed: 3})
	for i := 0; i < 2000; i++ {
		sim.Move(50 * time.Millisecond)
	}
	for _, w := range sim.Walkers() {
		assert.GreaterOrEqual(t, w.Position.X, 0.0)
		assert.LessOrEqual(t, w.Position.X, 10.0)
		assert.GreaterOrEqual(t, w.Position.Z, 0.5)
		assert.LessOrEqual(t, w.Position.Z, 10.0)
	}
}

func TestSimulator_Run(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	sink := &recordingSink{}
	sim := NewSimulator(simVenue(), sink, SimOptions{Walkers: 1, Seed: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, clock, 50*time.Millisecond) }()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		clock.Advance(50 * time.Millisecond)
		n, _ := sink.counts()
		return n >= 6
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
