// Package features derives per-body and aggregate audience features from
// the tracked body set. Extraction is a pure function of its inputs.
package features

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/fusion"
	"github.com/banshee-data/presence.field/internal/sensor"
)

// Body holds the features of one tracked body.
type Body struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	Position      r3.Vector `json:"position"`
	Speed         float64   `json:"speed"`
	Heading       float64   `json:"heading"`
	HasHeading    bool      `json:"has_heading"`
	Gesture       string    `json:"gesture,omitempty"`
	HasGesture    bool      `json:"has_gesture"`
	Confidence    float64   `json:"confidence"`
	LowConfidence bool      `json:"low_confidence"`
}

// Facing returns 1 when the body faces the display wall (heading towards
// -z), 0 when it faces away and 0.5 when its heading is unknown.
func (b Body) Facing() float64 {
	if !b.HasHeading {
		return 0.5
	}
	return (1 - math.Cos(b.Heading)) / 2
}

// Gesturing reports whether the body currently shows an active gesture.
func (b Body) Gesturing() bool {
	return b.HasGesture && b.Gesture != "" && b.Gesture != "none"
}

// Aggregate summarises the whole audience. It is the seed frozen when the
// system falls back to autonomous drift.
type Aggregate struct {
	Count           int       `json:"count"`
	Centroid        r3.Vector `json:"centroid"`
	MeanSpeed       float64   `json:"mean_speed"`
	MeanConfidence  float64   `json:"mean_confidence"`
	Density         float64   `json:"density"`          // bodies per square metre of floor
	Spacing         float64   `json:"spacing"`          // mean nearest-neighbour distance
	GestureActivity float64   `json:"gesture_activity"` // fraction of bodies gesturing
}

// Touch is a contact reported by a touch array.
type Touch struct {
	SensorID  string    `json:"sensor_id"`
	Position  r3.Vector `json:"position"`
	Intensity float64   `json:"intensity"`
}

// Set is everything the zone mapper reads for one tick.
type Set struct {
	Bodies    []Body    `json:"bodies"`
	Touches   []Touch   `json:"touches"`
	Aggregate Aggregate `json:"aggregate"`
}

// Extract computes features for bodies (ordered by Seq) and touch contacts.
func Extract(bodies []fusion.TrackedBody, touches []sensor.WorldDetection, venue config.Dimensions) Set {
	set := Set{Bodies: make([]Body, 0, len(bodies))}
	for _, b := range bodies {
		set.Bodies = append(set.Bodies, Body{
			ID:            b.ID,
			Seq:           b.Seq,
			Position:      b.Position,
			Speed:         b.Speed(),
			Heading:       b.Heading,
			HasHeading:    b.HasHeading,
			Gesture:       b.Gesture,
			HasGesture:    b.HasGesture,
			Confidence:    b.Confidence,
			LowConfidence: b.LowConfidence,
		})
	}
	for _, d := range touches {
		set.Touches = append(set.Touches, Touch{SensorID: d.SensorID, Position: d.Position, Intensity: d.Intensity})
	}
	set.Aggregate = Summarize(set.Bodies, venue.FloorArea())
	return set
}

// Summarize computes the aggregate over a body list.
func Summarize(bodies []Body, floorArea float64) Aggregate {
	n := len(bodies)
	agg := Aggregate{Count: n}
	if n == 0 {
		return agg
	}
	xs := make([]float64, n)
	ys := make([]float64, n)
	zs := make([]float64, n)
	speeds := make([]float64, n)
	confs := make([]float64, n)
	gesturing := 0
	for i, b := range bodies {
		xs[i], ys[i], zs[i] = b.Position.X, b.Position.Y, b.Position.Z
		speeds[i] = b.Speed
		confs[i] = b.Confidence
		if b.Gesturing() {
			gesturing++
		}
	}
	agg.Centroid = r3.Vector{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}
	agg.MeanSpeed = stat.Mean(speeds, nil)
	agg.MeanConfidence = stat.Mean(confs, nil)
	agg.GestureActivity = float64(gesturing) / float64(n)
	if floorArea > 0 {
		agg.Density = float64(n) / floorArea
	}
	if n > 1 {
		nearest := make([]float64, n)
		for i := range bodies {
			nearest[i] = math.Inf(1)
			for j := range bodies {
				if i != j {
					d := math.Hypot(xs[i]-xs[j], zs[i]-zs[j])
					nearest[i] = math.Min(nearest[i], d)
				}
			}
		}
		agg.Spacing = stat.Mean(nearest, nil)
	}
	return agg
}
