package sensor

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/presence.field/internal/config"
)

// Pose is a rigid sensor-to-world transform built from configured
// extrinsics. The sensor frame has x to the right, y up and z along the
// optical axis. Rotations apply roll (about z), then pitch (about x), then
// yaw (about y).
type Pose struct {
	rows     [3]r3.Vector
	position r3.Vector
	yaw      float64
	halfFOV  float64
}

// NewPose builds a Pose from extrinsics with angles in degrees.
func NewPose(e config.Extrinsics) Pose {
	y := e.Yaw * math.Pi / 180
	p := e.Pitch * math.Pi / 180
	r := e.Roll * math.Pi / 180

	cy, sy := math.Cos(y), math.Sin(y)
	cp, sp := math.Cos(p), math.Sin(p)
	cr, sr := math.Cos(r), math.Sin(r)

	// R = Ry(yaw) * Rx(pitch) * Rz(roll)
	rows := [3]r3.Vector{
		{X: cy*cr + sy*sp*sr, Y: -cy*sr + sy*sp*cr, Z: sy * cp},
		{X: cp * sr, Y: cp * cr, Z: -sp},
		{X: -sy*cr + cy*sp*sr, Y: sy*sr + cy*sp*cr, Z: cy * cp},
	}
	return Pose{
		rows:     rows,
		position: e.Position.R3(),
		yaw:      y,
		halfFOV:  e.FOV * math.Pi / 360,
	}
}

// ToWorld transforms a point from the sensor frame to the world frame.
func (p Pose) ToWorld(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p.rows[0].Dot(v),
		Y: p.rows[1].Dot(v),
		Z: p.rows[2].Dot(v),
	}.Add(p.position)
}

// ToSensor transforms a world point into the sensor frame.
func (p Pose) ToSensor(v r3.Vector) r3.Vector {
	d := v.Sub(p.position)
	// R is orthonormal, so its inverse is its transpose.
	return r3.Vector{
		X: p.rows[0].X*d.X + p.rows[1].X*d.Y + p.rows[2].X*d.Z,
		Y: p.rows[0].Y*d.X + p.rows[1].Y*d.Y + p.rows[2].Y*d.Z,
		Z: p.rows[0].Z*d.X + p.rows[1].Z*d.Y + p.rows[2].Z*d.Z,
	}
}

// HeadingToWorld rotates a floor-plane heading by the sensor yaw.
func (p Pose) HeadingToWorld(h float64) float64 {
	return wrapAngle(h + p.yaw)
}

// InFOV reports whether a sensor-frame point lies inside the horizontal
// field of view. A zero FOV accepts everything.
func (p Pose) InFOV(v r3.Vector) bool {
	if p.halfFOV <= 0 || p.halfFOV >= math.Pi {
		return true
	}
	if v.Z <= 0 {
		return false
	}
	return math.Abs(math.Atan2(v.X, v.Z)) <= p.halfFOV
}

func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
