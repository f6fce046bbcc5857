// Package telemetry exposes read-only views of the fusion core over HTTP:
// JSON snapshots, a websocket push stream, a chart dashboard and the
// Prometheus registry. The only write it accepts is the blackout trigger.
package telemetry

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/presence.field/internal/failsafe"
	"github.com/banshee-data/presence.field/internal/features"
	"github.com/banshee-data/presence.field/internal/health"
	"github.com/banshee-data/presence.field/internal/outbus"
	"github.com/banshee-data/presence.field/internal/resolver"
	"github.com/banshee-data/presence.field/internal/sensor"
	"github.com/banshee-data/presence.field/internal/zones"
)

// BodyView is the telemetry view of one tracked body.
type BodyView struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	Position      r3.Vector `json:"position"`
	Speed         float64   `json:"speed"`
	Heading       *float64  `json:"heading,omitempty"`
	Gesture       string    `json:"gesture,omitempty"`
	Confidence    float64   `json:"confidence"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
	Sensors       []string  `json:"sensors"`
}

// Snapshot is produced once per tick and never mutated afterwards.
type Snapshot struct {
	Tick         uint64                       `json:"tick"`
	Time         time.Time                    `json:"time"`
	TickDuration time.Duration                `json:"tick_duration_ns"`
	Failsafe     failsafe.State               `json:"failsafe"`
	Sensors      []health.SensorHealth        `json:"sensors"`
	Bodies       []BodyView                   `json:"bodies"`
	Aggregate    features.Aggregate           `json:"aggregate"`
	Frame        *failsafe.OutputFrame        `json:"frame,omitempty"`
	Resolutions  []resolver.Resolution        `json:"resolutions,omitempty"`
	Zones        map[string]zones.Accumulator `json:"zones"`
	Queues       map[string]sensor.QueueStats `json:"queues"`
	Bus          []outbus.Stats               `json:"bus"`
	Faults       map[string]uint64            `json:"faults"`
}

// Source supplies snapshots and accepts the blackout command.
type Source interface {
	Snapshot() *Snapshot
	TriggerBlackout(reason string)
}
