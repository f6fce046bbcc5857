package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

var (
	ErrUnknownSensor  = errors.New("unknown sensor")
	ErrKindMismatch   = errors.New("reading kind not accepted for sensor")
	ErrEmptyPayload   = errors.New("empty payload")
	ErrBadPayload     = errors.New("malformed payload")
	ErrBadTimestamp   = errors.New("invalid timestamp")
	ErrGridDimensions = errors.New("touch grid dimensions do not match values")
)

// Normalizer converts raw driver samples into Readings for configured sensors.
type Normalizer struct {
	sensors map[string]config.SensorConfig
	clock   timeutil.Clock
}

// NewNormalizer creates a Normalizer for the given sensors.
func NewNormalizer(sensors []config.SensorConfig, clock timeutil.Clock) *Normalizer {
	m := make(map[string]config.SensorConfig, len(sensors))
	for _, s := range sensors {
		m[s.ID] = s
	}
	return &Normalizer{sensors: m, clock: clock}
}

// NormalizeJSON decodes a JSON RawSample and normalizes it.
func (n *Normalizer) NormalizeJSON(data []byte) (Reading, error) {
	var raw RawSample
	if err := json.Unmarshal(data, &raw); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return n.Normalize(raw)
}

// Normalize validates a raw sample against the sensor registry and returns
// an immutable Reading. Confidence is clamped to [0, 1]; when the driver
// omits it, it is derived from the payload.
func (n *Normalizer) Normalize(raw RawSample) (Reading, error) {
	sc, ok := n.sensors[raw.SensorID]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %q", ErrUnknownSensor, raw.SensorID)
	}
	if raw.Kind == "" {
		raw.Kind = acceptedKinds[sc.Kind][0]
	}
	if !kindAccepted(sc.Kind, raw.Kind) {
		return Reading{}, fmt.Errorf("%w: %s from %s sensor %q", ErrKindMismatch, raw.Kind, sc.Kind, sc.ID)
	}
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return Reading{}, fmt.Errorf("%w from %q", ErrEmptyPayload, raw.SensorID)
	}

	ts, err := n.timestamp(raw.Timestamp)
	if err != nil {
		return Reading{}, err
	}

	payload, derived, err := decodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return Reading{}, fmt.Errorf("%w from %q: %w", ErrBadPayload, raw.SensorID, err)
	}

	conf := derived
	if raw.Confidence != nil {
		conf = *raw.Confidence
	}

	return Reading{
		SensorID:   raw.SensorID,
		Timestamp:  ts,
		Kind:       raw.Kind,
		Payload:    payload,
		Confidence: clamp01(conf),
	}, nil
}

func (n *Normalizer) timestamp(secs float64) (time.Time, error) {
	if secs == 0 {
		return n.clock.Now(), nil
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, secs)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), nil
}

func kindAccepted(sensorKind string, k ReadingKind) bool {
	for _, a := range acceptedKinds[sensorKind] {
		if a == k {
			return true
		}
	}
	return false
}

func decodePayload(kind ReadingKind, data json.RawMessage) (Payload, float64, error) {
	switch kind {
	case KindPositionSample:
		var w wirePositionSample
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, 0, err
		}
		ps := PositionSample{Detections: make([]Detection, 0, len(w.Detections))}
		sum := 0.0
		for _, d := range w.Detections {
			c := 1.0
			if d.Confidence != nil {
				c = clamp01(*d.Confidence)
			}
			if !finite(d.Position[0]) || !finite(d.Position[1]) || !finite(d.Position[2]) {
				continue
			}
			sum += c
			ps.Detections = append(ps.Detections, Detection{
				Position:   r3.Vector{X: d.Position[0], Y: d.Position[1], Z: d.Position[2]},
				Confidence: c,
				Gesture:    d.Gesture,
				Heading:    d.Heading,
			})
		}
		derived := 1.0
		if len(ps.Detections) > 0 {
			derived = sum / float64(len(ps.Detections))
		}
		return ps, derived, nil

	case KindPointCloud:
		var w wirePointCloud
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, 0, err
		}
		pc := PointCloud{Points: make([]r3.Vector, 0, len(w.Points))}
		for _, p := range w.Points {
			if finite(p[0]) && finite(p[1]) && finite(p[2]) {
				pc.Points = append(pc.Points, r3.Vector{X: p[0], Y: p[1], Z: p[2]})
			}
		}
		return pc, 1.0, nil

	case KindTouchGrid:
		var w wireTouchGrid
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, 0, err
		}
		if w.Rows <= 0 || w.Cols <= 0 || len(w.Values) != w.Rows*w.Cols {
			return nil, 0, ErrGridDimensions
		}
		vals := make([]float64, len(w.Values))
		for i, v := range w.Values {
			vals[i] = clamp01(v)
		}
		return TouchGrid{Rows: w.Rows, Cols: w.Cols, Values: vals}, 1.0, nil
	}
	return nil, 0, fmt.Errorf("unsupported kind %q", kind)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// restamp decodes a sample and clears its timestamp.
func restamp(data []byte) (RawSample, error) {
	var raw RawSample
	if err := json.Unmarshal(data, &raw); err != nil {
		return raw, err
	}
	raw.Timestamp = 0
	return raw, nil
}
