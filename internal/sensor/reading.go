// Package sensor turns raw driver samples into normalized readings, holds
// them in bounded per-sensor queues until the fusion tick drains them, and
// converts readings into world-frame detections.
package sensor

import (
	"encoding/json"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/presence.field/internal/config"
)

// ReadingKind identifies the payload shape of a reading.
type ReadingKind string

const (
	KindPositionSample ReadingKind = "position_sample"
	KindPointCloud     ReadingKind = "point_cloud"
	KindTouchGrid      ReadingKind = "touch_grid"
)

// acceptedKinds lists the reading kinds each sensor kind may emit.
var acceptedKinds = map[string][]ReadingKind{
	config.SensorDepthCamera: {KindPositionSample, KindPointCloud},
	config.SensorLidar:       {KindPointCloud, KindPositionSample},
	config.SensorTouchArray:  {KindTouchGrid},
}

// Reading is one normalized sample from one sensor. Readings are immutable
// once produced: consumers must not modify the payload.
type Reading struct {
	SensorID   string
	Timestamp  time.Time
	Kind       ReadingKind
	Payload    Payload
	Confidence float64
}

// Payload is implemented by PositionSample, PointCloud and TouchGrid.
type Payload interface {
	ReadingKind() ReadingKind
}

// Detection is a single person-like observation in the sensor frame.
type Detection struct {
	Position   r3.Vector
	Confidence float64
	Gesture    string
	Heading    *float64 // radians, atan2(x, z) in the sensor frame
}

// PositionSample carries detections already segmented by the driver.
type PositionSample struct {
	Detections []Detection
}

func (PositionSample) ReadingKind() ReadingKind { return KindPositionSample }

// PointCloud carries raw points in the sensor frame.
type PointCloud struct {
	Points []r3.Vector
}

func (PointCloud) ReadingKind() ReadingKind { return KindPointCloud }

// TouchGrid carries a row-major grid of normalized cell values.
type TouchGrid struct {
	Rows   int
	Cols   int
	Values []float64
}

func (TouchGrid) ReadingKind() ReadingKind { return KindTouchGrid }

// At returns the value at (row, col).
func (g TouchGrid) At(row, col int) float64 { return g.Values[row*g.Cols+col] }

// RawSample is the wire envelope emitted by driver collaborators. Timestamp
// is Unix seconds; zero means "stamp on arrival".
type RawSample struct {
	SensorID   string          `json:"sensor_id"`
	Timestamp  float64         `json:"timestamp,omitempty"`
	Kind       ReadingKind     `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Confidence *float64        `json:"confidence,omitempty"`
}

type wireDetection struct {
	Position   [3]float64 `json:"position"`
	Confidence *float64   `json:"confidence,omitempty"`
	Gesture    string     `json:"gesture,omitempty"`
	Heading    *float64   `json:"heading,omitempty"`
}

type wirePositionSample struct {
	Detections []wireDetection `json:"detections"`
}

type wirePointCloud struct {
	Points [][3]float64 `json:"points"`
}

type wireTouchGrid struct {
	Rows   int       `json:"rows"`
	Cols   int       `json:"cols"`
	Values []float64 `json:"values"`
}

// EncodePositionSample builds a wire payload for detections in the sensor frame.
func EncodePositionSample(dets []Detection) json.RawMessage {
	w := wirePositionSample{Detections: make([]wireDetection, len(dets))}
	for i, d := range dets {
		c := d.Confidence
		w.Detections[i] = wireDetection{
			Position:   [3]float64{d.Position.X, d.Position.Y, d.Position.Z},
			Confidence: &c,
			Gesture:    d.Gesture,
			Heading:    d.Heading,
		}
	}
	b, _ := json.Marshal(w)
	return b
}

// EncodePointCloud builds a wire payload for points in the sensor frame.
func EncodePointCloud(points []r3.Vector) json.RawMessage {
	w := wirePointCloud{Points: make([][3]float64, len(points))}
	for i, p := range points {
		w.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}
	b, _ := json.Marshal(w)
	return b
}

// EncodeTouchGrid builds a wire payload for a touch grid.
func EncodeTouchGrid(g TouchGrid) json.RawMessage {
	b, _ := json.Marshal(wireTouchGrid{Rows: g.Rows, Cols: g.Cols, Values: g.Values})
	return b
}
