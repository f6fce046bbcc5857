package config

import (
	"time"
)

// TrackerTuning holds body fusion parameters. Nil fields take the defaults
// returned by the Get* accessors, so partial documents are safe.
type TrackerTuning struct {
	MaxHumanSpeed         *float64 `json:"max_human_speed_mps,omitempty" yaml:"max_human_speed_mps,omitempty"`
	AssociationMargin     *float64 `json:"association_margin_m,omitempty" yaml:"association_margin_m,omitempty"`
	SpawnConfidence       *float64 `json:"spawn_confidence,omitempty" yaml:"spawn_confidence,omitempty"`
	GracePeriod           *string  `json:"grace_period,omitempty" yaml:"grace_period,omitempty"` // duration string like "500ms"
	SmoothingWindow       *int     `json:"smoothing_window,omitempty" yaml:"smoothing_window,omitempty"`
	MaxVelocity           *float64 `json:"max_velocity_mps,omitempty" yaml:"max_velocity_mps,omitempty"`
	DisagreementThreshold *float64 `json:"disagreement_threshold_m,omitempty" yaml:"disagreement_threshold_m,omitempty"`
	MaxBodies             *int     `json:"max_bodies,omitempty" yaml:"max_bodies,omitempty"`
}

// HealthTuning holds sensor health classification parameters.
type HealthTuning struct {
	LostTimeout      *string  `json:"lost_timeout,omitempty" yaml:"lost_timeout,omitempty"`
	SilenceTimeout   *string  `json:"silence_timeout,omitempty" yaml:"silence_timeout,omitempty"`
	Window           *string  `json:"window,omitempty" yaml:"window,omitempty"`
	CheckInterval    *string  `json:"check_interval,omitempty" yaml:"check_interval,omitempty"`
	DegradedWindows  *int     `json:"degraded_windows,omitempty" yaml:"degraded_windows,omitempty"`
	RecoveryReadings *int     `json:"recovery_readings,omitempty" yaml:"recovery_readings,omitempty"`
	MinConfidence    *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
	MinRateFraction  *float64 `json:"min_rate_fraction,omitempty" yaml:"min_rate_fraction,omitempty"`
}

// FailsafeConfig holds the failsafe state machine parameters.
type FailsafeConfig struct {
	DefaultPolicy    *string  `json:"default_policy,omitempty" yaml:"default_policy,omitempty"`
	BlackoutDuration *string  `json:"blackout_duration,omitempty" yaml:"blackout_duration,omitempty"`
	BlackoutCurve    *string  `json:"blackout_curve,omitempty" yaml:"blackout_curve,omitempty"`
	DriftPeriod      *string  `json:"drift_period,omitempty" yaml:"drift_period,omitempty"`
	DriftAmplitude   *float64 `json:"drift_amplitude,omitempty" yaml:"drift_amplitude,omitempty"`
	DriftComplexity  *float64 `json:"drift_complexity,omitempty" yaml:"drift_complexity,omitempty"`
}

// OutputConfig holds output bus parameters.
type OutputConfig struct {
	Policy *string `json:"policy,omitempty" yaml:"policy,omitempty"`
	Buffer *int    `json:"buffer,omitempty" yaml:"buffer,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetTickRate returns the fusion tick rate in Hz (default 30).
func (c *VenueConfig) GetTickRate() float64 { return floatOr(c.TickRateHz, 30) }

// GetTickInterval returns the period of one fusion tick.
func (c *VenueConfig) GetTickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GetTickRate())
}

func (t TrackerTuning) GetMaxHumanSpeed() float64     { return floatOr(t.MaxHumanSpeed, 3.0) }
func (t TrackerTuning) GetAssociationMargin() float64 { return floatOr(t.AssociationMargin, 0.35) }
func (t TrackerTuning) GetSpawnConfidence() float64   { return floatOr(t.SpawnConfidence, 0.35) }
func (t TrackerTuning) GetSmoothingWindow() int       { return intOr(t.SmoothingWindow, 5) }
func (t TrackerTuning) GetMaxVelocity() float64       { return floatOr(t.MaxVelocity, 4.0) }
func (t TrackerTuning) GetMaxBodies() int             { return intOr(t.MaxBodies, 64) }

// GetGracePeriod returns how long an unobserved body survives (default 500ms).
func (t TrackerTuning) GetGracePeriod() time.Duration {
	return durationOr(t.GracePeriod, 500*time.Millisecond)
}

// GetDisagreementThreshold returns the spread in metres between sensor
// readings of one body above which the body is flagged low-confidence.
func (t TrackerTuning) GetDisagreementThreshold() float64 {
	return floatOr(t.DisagreementThreshold, 0.75)
}

// GetLostTimeout returns the silence after which a sensor is lost (default 2s).
func (h HealthTuning) GetLostTimeout() time.Duration { return durationOr(h.LostTimeout, 2*time.Second) }

// GetSilenceTimeout returns the silence after which a sensor is degraded
// (default 300ms). It must stay below the tracker grace period so the
// failsafe reacts before the tracker gives up on the sensor's features.
func (h HealthTuning) GetSilenceTimeout() time.Duration {
	return durationOr(h.SilenceTimeout, 300*time.Millisecond)
}

// GetWindow returns the quality evaluation window (default 500ms).
func (h HealthTuning) GetWindow() time.Duration { return durationOr(h.Window, 500*time.Millisecond) }

// GetCheckInterval returns the watchdog period (default 100ms).
func (h HealthTuning) GetCheckInterval() time.Duration {
	return durationOr(h.CheckInterval, 100*time.Millisecond)
}

func (h HealthTuning) GetDegradedWindows() int     { return intOr(h.DegradedWindows, 3) }
func (h HealthTuning) GetRecoveryReadings() int    { return intOr(h.RecoveryReadings, 3) }
func (h HealthTuning) GetMinConfidence() float64   { return floatOr(h.MinConfidence, 0.4) }
func (h HealthTuning) GetMinRateFraction() float64 { return floatOr(h.MinRateFraction, 0.5) }

// GetDefaultPolicy returns the policy for zones that declare none.
func (f FailsafeConfig) GetDefaultPolicy() string {
	if f.DefaultPolicy == nil || *f.DefaultPolicy == "" {
		return PolicyDegrade
	}
	return *f.DefaultPolicy
}

func (f FailsafeConfig) GetBlackoutDuration() time.Duration {
	return durationOr(f.BlackoutDuration, 3*time.Second)
}

func (f FailsafeConfig) GetBlackoutCurve() string {
	if f.BlackoutCurve == nil || *f.BlackoutCurve == "" {
		return CurveLinear
	}
	return *f.BlackoutCurve
}

func (f FailsafeConfig) GetDriftPeriod() time.Duration { return durationOr(f.DriftPeriod, 45*time.Second) }
func (f FailsafeConfig) GetDriftAmplitude() float64    { return floatOr(f.DriftAmplitude, 0.15) }
func (f FailsafeConfig) GetDriftComplexity() float64   { return floatOr(f.DriftComplexity, 0.5) }

func (o OutputConfig) GetPolicy() string {
	if o.Policy == nil || *o.Policy == "" {
		return DropOldest
	}
	return *o.Policy
}

func (o OutputConfig) GetBuffer() int { return intOr(o.Buffer, 8) }

// GetTracking reports whether the sensor feeds body tracking. Depth cameras
// and LIDAR track by default; touch arrays do not.
func (s SensorConfig) GetTracking() bool {
	if s.Tracking != nil {
		return *s.Tracking
	}
	return s.Kind == SensorDepthCamera || s.Kind == SensorLidar
}

// GetCapabilities returns the declared capabilities or the kind's defaults.
func (s SensorConfig) GetCapabilities() []string {
	if len(s.Capabilities) > 0 {
		return s.Capabilities
	}
	return sensorCapabilities[s.Kind]
}

// HasCapability reports whether the sensor provides capability c.
func (s SensorConfig) HasCapability(c string) bool {
	for _, have := range s.GetCapabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// GetExpectedRate returns the nominal update rate in Hz.
func (s SensorConfig) GetExpectedRate() float64 {
	if s.ExpectedRateHz != nil {
		return *s.ExpectedRateHz
	}
	if r, ok := sensorRates[s.Kind]; ok {
		return r
	}
	return 30
}

// GetQueueSize returns the depth of the sensor's ingest queue (default 4).
func (s SensorConfig) GetQueueSize() int { return intOr(s.QueueSize, 4) }

// GetCluster returns DBSCAN tuning for point clouds.
func (s SensorConfig) GetCluster() ClusterTuning {
	c := ClusterTuning{Eps: 0.4, MinPts: 5}
	if s.Cluster != nil {
		if s.Cluster.Eps > 0 {
			c.Eps = s.Cluster.Eps
		}
		if s.Cluster.MinPts > 0 {
			c.MinPts = s.Cluster.MinPts
		}
	}
	return c
}

// GetTimeScale returns the occupancy time that maps time_occupied to 1.
func (z ZoneConfig) GetTimeScale() time.Duration { return durationOr(z.TimeScale, 60*time.Second) }

// GetDensityScale returns the bodies per square metre that map group_density to 1.
func (z ZoneConfig) GetDensityScale() float64 { return floatOr(z.DensityScale, 1.0) }

// GetCapacity returns the body count that maps occupancy_count to 1.
func (z ZoneConfig) GetCapacity() int { return intOr(z.Capacity, 10) }

// GetDecay returns the decay mode and the return-to-rest duration.
func (z ZoneConfig) GetDecay() (string, time.Duration) {
	if z.Decay == nil || z.Decay.Mode == "" {
		return DecayImmediate, 0
	}
	if z.Decay.Mode == DecayGradual {
		return DecayGradual, durationOr(&z.Decay.ReturnToRest, 60*time.Second)
	}
	return z.Decay.Mode, 0
}

// PolicyFor returns the failsafe policy for binding b of this zone.
func (z ZoneConfig) PolicyFor(b BindingConfig, f FailsafeConfig) string {
	if b.Failsafe != "" {
		return b.Failsafe
	}
	if z.Failsafe != "" {
		return z.Failsafe
	}
	return f.GetDefaultPolicy()
}

// DefaultVenue returns a small two-sensor venue used by the simulator and
// tests: a depth camera and a LIDAR covering a 10 m x 10 m floor, one
// gradient zone driving visual.intensity and an ambient zone driving
// audio.density.
func DefaultVenue() *VenueConfig {
	return &VenueConfig{
		Name:       "default",
		TickRateHz: ptrFloat64(30),
		Venue:      Dimensions{Width: 10, Depth: 10, Height: 4},
		Sensors: []SensorConfig{
			{ID: "depth-1", Kind: SensorDepthCamera, Extrinsics: Extrinsics{Position: Vec3{5, 2.5, 0}, FOV: 90}},
			{ID: "lidar-1", Kind: SensorLidar, Extrinsics: Extrinsics{Position: Vec3{0, 0.5, 5}, Yaw: 90}},
		},
		Parameters: []ParameterConfig{
			{Name: "visual.intensity", Reducer: ReduceMax, Min: 0, Max: 1},
			{Name: "audio.density", Reducer: ReduceSumClamp, Min: 0, Max: 1, Rest: ptrFloat64(0.1)},
			{Name: "spatial.pan", Reducer: ReduceWeightedAverage, Min: -1, Max: 1, Rest: ptrFloat64(0)},
		},
		Zones: []ZoneConfig{
			{
				ID:       "approach",
				Kind:     ZoneGradient,
				Bounds:   &Bounds{Min: Vec3{0, 0, 4}, Max: Vec3{10, 3, 8}},
				Gradient: &Gradient{Axis: "z"},
				Priority: 10,
				Bindings: []BindingConfig{
					{Parameter: "visual.intensity", Input: InputGradientPosition, Curve: CurveConfig{Type: CurveExponentialDecay}, Output: [2]float64{0, 1}},
				},
			},
			{
				ID:       "room",
				Kind:     ZoneAmbient,
				Priority: 1,
				Decay:    &Decay{Mode: DecayGradual, ReturnToRest: "60s"},
				Failsafe: PolicyDrift,
				Bindings: []BindingConfig{
					{Parameter: "audio.density", Input: InputGroupDensity, Curve: CurveConfig{Type: CurveAsymptotic, K: ptrFloat64(0.2)}, Output: [2]float64{0, 1}},
					{Parameter: "spatial.pan", Input: InputLateralPosition, Curve: CurveConfig{Type: CurveSlowDrift, Rate: ptrFloat64(0.02), Amplitude: ptrFloat64(0.1)}, Output: [2]float64{-1, 1}},
				},
			},
		},
	}
}
