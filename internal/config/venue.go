// Package config loads and validates the venue document: sensors with their
// extrinsics, declared output parameters, interaction zones and the tuning
// for tracking, health, failsafe and output. The document is read once at
// startup and is immutable for the run.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"
)

// DefaultVenuePath is the sample venue shipped with the repository.
const DefaultVenuePath = "config/venue.example.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Vec3 is an [x, y, z] triple in metres. x runs across the venue, y is up
// and z is the distance from the display wall.
type Vec3 [3]float64

// R3 converts the triple to a vector.
func (v Vec3) R3() r3.Vector { return r3.Vector{X: v[0], Y: v[1], Z: v[2]} }

// VenueConfig is the root of the venue document.
type VenueConfig struct {
	Name       string            `json:"name" yaml:"name"`
	TickRateHz *float64          `json:"tick_rate_hz,omitempty" yaml:"tick_rate_hz,omitempty"`
	Venue      Dimensions        `json:"venue" yaml:"venue"`
	Sensors    []SensorConfig    `json:"sensors" yaml:"sensors"`
	Parameters []ParameterConfig `json:"parameters" yaml:"parameters"`
	Zones      []ZoneConfig      `json:"zones" yaml:"zones"`
	Tracker    TrackerTuning     `json:"tracker" yaml:"tracker"`
	Health     HealthTuning      `json:"health" yaml:"health"`
	Failsafe   FailsafeConfig    `json:"failsafe" yaml:"failsafe"`
	Output     OutputConfig      `json:"output" yaml:"output"`
}

// Dimensions is the floor footprint and ceiling height of the venue.
type Dimensions struct {
	Width  float64 `json:"width" yaml:"width"`   // along x
	Depth  float64 `json:"depth" yaml:"depth"`   // along z
	Height float64 `json:"height" yaml:"height"` // along y
}

// FloorArea returns the venue floor area in square metres.
func (d Dimensions) FloorArea() float64 { return d.Width * d.Depth }

// SensorConfig declares one sensor and its calibration.
type SensorConfig struct {
	ID             string         `json:"id" yaml:"id"`
	Kind           string         `json:"kind" yaml:"kind"`
	Tracking       *bool          `json:"tracking,omitempty" yaml:"tracking,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Extrinsics     Extrinsics     `json:"extrinsics" yaml:"extrinsics"`
	ExpectedRateHz *float64       `json:"expected_rate_hz,omitempty" yaml:"expected_rate_hz,omitempty"`
	QueueSize      *int           `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	Touch          *TouchGeometry `json:"touch,omitempty" yaml:"touch,omitempty"`
	Cluster        *ClusterTuning `json:"cluster,omitempty" yaml:"cluster,omitempty"`
}

// Extrinsics places a sensor in the world frame. Angles are in degrees.
type Extrinsics struct {
	Position Vec3    `json:"position" yaml:"position"`
	Yaw      float64 `json:"yaw" yaml:"yaw"`
	Pitch    float64 `json:"pitch" yaml:"pitch"`
	Roll     float64 `json:"roll" yaml:"roll"`
	FOV      float64 `json:"fov,omitempty" yaml:"fov,omitempty"`
}

// TouchGeometry describes a capacitive grid laid out in its sensor frame.
type TouchGeometry struct {
	Rows      int     `json:"rows" yaml:"rows"`
	Cols      int     `json:"cols" yaml:"cols"`
	CellPitch float64 `json:"cell_pitch" yaml:"cell_pitch"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// ClusterTuning controls DBSCAN for point-cloud sensors.
type ClusterTuning struct {
	Eps    float64 `json:"eps" yaml:"eps"`
	MinPts int     `json:"min_pts" yaml:"min_pts"`
}

// ParameterConfig declares a named output parameter. Reducer is required.
type ParameterConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Reducer string   `json:"reducer" yaml:"reducer"`
	Min     float64  `json:"min" yaml:"min"`
	Max     float64  `json:"max" yaml:"max"`
	Rest    *float64 `json:"rest,omitempty" yaml:"rest,omitempty"`

	// Smoothing is the weight of each new value in an exponential moving
	// average applied after reduction; unset or 1 disables it.
	Smoothing *float64 `json:"smoothing,omitempty" yaml:"smoothing,omitempty"`
}

// GetSmoothing returns the moving average weight (default 1, no smoothing).
func (p ParameterConfig) GetSmoothing() float64 { return floatOr(p.Smoothing, 1) }

// GetRest returns the value emitted when nothing contributes; defaults to Min.
func (p ParameterConfig) GetRest() float64 {
	if p.Rest == nil {
		return p.Min
	}
	return *p.Rest
}

// ZoneConfig declares one interaction zone.
type ZoneConfig struct {
	ID           string          `json:"id" yaml:"id"`
	Kind         string          `json:"kind" yaml:"kind"`
	Bounds       *Bounds         `json:"bounds,omitempty" yaml:"bounds,omitempty"`
	Center       *Vec3           `json:"center,omitempty" yaml:"center,omitempty"`
	Radius       float64         `json:"radius,omitempty" yaml:"radius,omitempty"`
	Gradient     *Gradient       `json:"gradient,omitempty" yaml:"gradient,omitempty"`
	Priority     int             `json:"priority" yaml:"priority"`
	Decay        *Decay          `json:"decay,omitempty" yaml:"decay,omitempty"`
	TimeScale    *string         `json:"time_scale,omitempty" yaml:"time_scale,omitempty"`
	DensityScale *float64        `json:"density_scale,omitempty" yaml:"density_scale,omitempty"`
	Capacity     *int            `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	Failsafe     string          `json:"failsafe,omitempty" yaml:"failsafe,omitempty"`
	Bindings     []BindingConfig `json:"bindings" yaml:"bindings"`
}

// Bounds is an axis-aligned bounding volume.
type Bounds struct {
	Min Vec3 `json:"min" yaml:"min"`
	Max Vec3 `json:"max" yaml:"max"`
}

// Gradient selects the axis a gradient zone is normalised along. The input
// is 0 at the bounds minimum and 1 at the maximum unless Reverse is set.
type Gradient struct {
	Axis    string `json:"axis" yaml:"axis"`
	Reverse bool   `json:"reverse,omitempty" yaml:"reverse,omitempty"`
}

// Decay controls how a zone accumulator returns to rest once the zone empties.
type Decay struct {
	Mode         string `json:"mode" yaml:"mode"`
	ReturnToRest string `json:"return_to_rest,omitempty" yaml:"return_to_rest,omitempty"`
}

// BindingConfig binds an input feature to a parameter through a curve.
type BindingConfig struct {
	Parameter string      `json:"parameter" yaml:"parameter"`
	Input     string      `json:"input" yaml:"input"`
	Curve     CurveConfig `json:"curve" yaml:"curve"`
	Output    [2]float64  `json:"output" yaml:"output"`
	Failsafe  string      `json:"failsafe,omitempty" yaml:"failsafe,omitempty"`
}

// CurveConfig selects a response curve and its shape parameters.
type CurveConfig struct {
	Type      string   `json:"type" yaml:"type"`
	K         *float64 `json:"k,omitempty" yaml:"k,omitempty"`
	Rate      *float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
	Amplitude *float64 `json:"amplitude,omitempty" yaml:"amplitude,omitempty"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Exponent  *float64 `json:"exponent,omitempty" yaml:"exponent,omitempty"`
}

// LoadVenue reads a venue document from a .json, .yaml or .yml file and
// validates it. Any validation problem is returned as a *ValidationError.
func LoadVenue(path string) (*VenueConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("venue file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat venue file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("venue file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read venue file: %w", err)
	}

	var cfg *VenueConfig
	if ext == ".json" {
		cfg, err = ParseVenueJSON(data)
	} else {
		cfg, err = ParseVenueYAML(data)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseVenueJSON decodes a JSON venue document without validating it.
// Unknown fields are rejected so typos surface at load time.
func ParseVenueJSON(data []byte) (*VenueConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	cfg := &VenueConfig{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse venue JSON: %w", err)
	}
	return cfg, nil
}

// ParseVenueYAML decodes a YAML venue document without validating it.
func ParseVenueYAML(data []byte) (*VenueConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	cfg := &VenueConfig{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse venue YAML: %w", err)
	}
	return cfg, nil
}

// Sensor returns the sensor with the given id.
func (c *VenueConfig) Sensor(id string) (SensorConfig, bool) {
	for _, s := range c.Sensors {
		if s.ID == id {
			return s, true
		}
	}
	return SensorConfig{}, false
}

// Parameter returns the declared parameter with the given name.
func (c *VenueConfig) Parameter(name string) (ParameterConfig, bool) {
	for _, p := range c.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterConfig{}, false
}
