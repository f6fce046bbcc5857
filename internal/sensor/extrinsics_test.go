package sensor

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/presence.field/internal/config"
)

func assertVec(t *testing.T, want, got r3.Vector) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, 1e-9, "x")
	assert.InDelta(t, want.Y, got.Y, 1e-9, "y")
	assert.InDelta(t, want.Z, got.Z, 1e-9, "z")
}

func TestPose_IdentityTranslates(t *testing.T) {
	p := NewPose(config.Extrinsics{Position: config.Vec3{5, 2.5, 0}})
	assertVec(t, r3.Vector{X: 5, Y: 2.5, Z: 3}, p.ToWorld(r3.Vector{Z: 3}))
}

func TestPose_YawTurnsOpticalAxis(t *testing.T) {
	p := NewPose(config.Extrinsics{Position: config.Vec3{0, 0.5, 5}, Yaw: 90})
	// Looking along +z in the sensor frame means looking along +x in the world.
	assertVec(t, r3.Vector{X: 2, Y: 0.5, Z: 5}, p.ToWorld(r3.Vector{Z: 2}))
	assert.InDelta(t, math.Pi/2, p.HeadingToWorld(0), 1e-9)
}

func TestPose_RoundTrip(t *testing.T) {
	p := NewPose(config.Extrinsics{Position: config.Vec3{1, 2, 3}, Yaw: 33, Pitch: -12, Roll: 7})
	for _, v := range []r3.Vector{{}, {X: 1, Y: 2, Z: 3}, {X: -4, Y: 0.5, Z: 9}} {
		assertVec(t, v, p.ToSensor(p.ToWorld(v)))
	}
}

func TestPose_InFOV(t *testing.T) {
	p := NewPose(config.Extrinsics{FOV: 90})
	assert.True(t, p.InFOV(r3.Vector{X: 0.9, Z: 1}))
	assert.False(t, p.InFOV(r3.Vector{X: 1.1, Z: 1}))
	assert.False(t, p.InFOV(r3.Vector{Z: -1}), "behind the sensor")

	unlimited := NewPose(config.Extrinsics{})
	assert.True(t, unlimited.InFOV(r3.Vector{Z: -1}))
}

func TestWrapAngle(t *testing.T) {
	assert.InDelta(t, -math.Pi/2, wrapAngle(3*math.Pi/2), 1e-9)
	assert.InDelta(t, 0.5, wrapAngle(0.5+4*math.Pi), 1e-9)
}
