package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError collects every problem found in a venue document. The
// process refuses to start while any are present.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid venue configuration (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) addf(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the whole document and returns a *ValidationError listing
// every problem, or nil.
func (c *VenueConfig) Validate() error {
	v := &ValidationError{}

	if strings.TrimSpace(c.Name) == "" {
		v.addf("name is required")
	}
	if c.TickRateHz != nil && *c.TickRateHz < 1 {
		v.addf("tick_rate_hz must be >= 1, got %g", *c.TickRateHz)
	}
	if c.Venue.Width <= 0 || c.Venue.Depth <= 0 {
		v.addf("venue width and depth must be positive")
	}

	c.validateSensors(v)
	params := c.validateParameters(v)
	c.validateZones(v, params)
	c.validateTuning(v)

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

func (c *VenueConfig) validateSensors(v *ValidationError) {
	if len(c.Sensors) == 0 {
		v.addf("at least one sensor is required")
	}
	seen := map[string]bool{}
	tracking := 0
	for i, s := range c.Sensors {
		where := fmt.Sprintf("sensors[%d]", i)
		if s.ID == "" {
			v.addf("%s: id is required", where)
		} else if seen[s.ID] {
			v.addf("%s: duplicate sensor id %q", where, s.ID)
		}
		seen[s.ID] = true

		if _, ok := sensorCapabilities[s.Kind]; !ok {
			v.addf("%s: unknown sensor kind %q", where, s.Kind)
			continue
		}
		for _, cp := range s.Capabilities {
			if !knownCapability(cp) {
				v.addf("%s: unknown capability %q", where, cp)
			}
		}
		if s.ExpectedRateHz != nil && *s.ExpectedRateHz <= 0 {
			v.addf("%s: expected_rate_hz must be positive", where)
		}
		if s.QueueSize != nil && *s.QueueSize < 1 {
			v.addf("%s: queue_size must be >= 1", where)
		}
		if s.Extrinsics.FOV < 0 || s.Extrinsics.FOV > 360 {
			v.addf("%s: fov must be within [0, 360] degrees", where)
		}
		if s.Kind == SensorTouchArray {
			if s.Touch == nil {
				v.addf("%s: touch geometry is required for touch_array", where)
			} else if s.Touch.Rows <= 0 || s.Touch.Cols <= 0 || s.Touch.CellPitch <= 0 {
				v.addf("%s: touch rows, cols and cell_pitch must be positive", where)
			}
		}
		if s.GetTracking() {
			tracking++
			if !s.HasCapability(CapPosition) {
				v.addf("%s: tracking sensor must provide %q", where, CapPosition)
			}
		}
	}
	if len(c.Sensors) > 0 && tracking == 0 {
		v.addf("at least one tracking sensor is required")
	}
}

func (c *VenueConfig) validateParameters(v *ValidationError) map[string]ParameterConfig {
	params := map[string]ParameterConfig{}
	if len(c.Parameters) == 0 {
		v.addf("at least one parameter is required")
	}
	for i, p := range c.Parameters {
		where := fmt.Sprintf("parameters[%d]", i)
		if p.Name == "" {
			v.addf("%s: name is required", where)
			continue
		}
		if _, dup := params[p.Name]; dup {
			v.addf("%s: duplicate parameter %q", where, p.Name)
		}
		switch p.Reducer {
		case ReduceSumClamp, ReduceMax, ReduceWeightedAverage:
		case "":
			v.addf("%s: reducer is required for %q", where, p.Name)
		default:
			v.addf("%s: unknown reducer %q", where, p.Reducer)
		}
		if p.Min >= p.Max {
			v.addf("%s: min (%g) must be less than max (%g)", where, p.Min, p.Max)
		}
		if r := p.GetRest(); r < p.Min || r > p.Max {
			v.addf("%s: rest %g outside [%g, %g]", where, r, p.Min, p.Max)
		}
		if a := p.GetSmoothing(); a <= 0 || a > 1 {
			v.addf("%s: smoothing %g must be within (0, 1]", where, a)
		}
		params[p.Name] = p
	}
	return params
}

func (c *VenueConfig) validateZones(v *ValidationError, params map[string]ParameterConfig) {
	seen := map[string]bool{}
	for i, z := range c.Zones {
		where := fmt.Sprintf("zones[%d]", i)
		if z.ID == "" {
			v.addf("%s: id is required", where)
		} else if seen[z.ID] {
			v.addf("%s: duplicate zone id %q", where, z.ID)
		}
		seen[z.ID] = true

		switch z.Kind {
		case ZoneGradient:
			if z.Bounds == nil {
				v.addf("%s: gradient zone requires bounds", where)
			}
			if z.Gradient == nil {
				v.addf("%s: gradient zone requires a gradient axis", where)
			} else if a := z.Gradient.Axis; a != "x" && a != "y" && a != "z" {
				v.addf("%s: gradient axis must be x, y or z, got %q", where, a)
			}
		case ZoneProximity:
			if z.Center == nil && z.Bounds == nil {
				v.addf("%s: proximity zone requires center+radius or bounds", where)
			}
			if z.Center != nil && z.Radius <= 0 {
				v.addf("%s: radius must be positive", where)
			}
		case ZoneAmbient:
		default:
			v.addf("%s: unknown zone kind %q", where, z.Kind)
		}
		if b := z.Bounds; b != nil {
			for axis := 0; axis < 3; axis++ {
				if b.Min[axis] >= b.Max[axis] {
					v.addf("%s: bounds min must be below max on every axis", where)
					break
				}
			}
		}

		if z.Decay != nil {
			switch z.Decay.Mode {
			case DecayImmediate, "":
			case DecayGradual:
				if d, err := time.ParseDuration(z.Decay.ReturnToRest); err != nil || d <= 0 {
					v.addf("%s: gradual decay needs a positive return_to_rest duration", where)
				}
			default:
				v.addf("%s: unknown decay mode %q", where, z.Decay.Mode)
			}
		}
		if z.TimeScale != nil {
			if d, err := time.ParseDuration(*z.TimeScale); err != nil || d <= 0 {
				v.addf("%s: invalid time_scale %q", where, *z.TimeScale)
			}
		}
		if z.DensityScale != nil && *z.DensityScale <= 0 {
			v.addf("%s: density_scale must be positive", where)
		}
		if z.Capacity != nil && *z.Capacity < 1 {
			v.addf("%s: capacity must be >= 1", where)
		}
		if z.Failsafe != "" && z.Failsafe != PolicyDegrade && z.Failsafe != PolicyDrift {
			v.addf("%s: unknown failsafe policy %q", where, z.Failsafe)
		}

		for j, b := range z.Bindings {
			c.validateBinding(v, fmt.Sprintf("%s.bindings[%d]", where, j), z, b, params)
		}
	}
}

func (c *VenueConfig) validateBinding(v *ValidationError, where string, z ZoneConfig, b BindingConfig, params map[string]ParameterConfig) {
	p, ok := params[b.Parameter]
	if !ok {
		v.addf("%s: undeclared parameter %q", where, b.Parameter)
	}
	spec, known := InputFeatures[b.Input]
	if !known {
		v.addf("%s: unknown input feature %q", where, b.Input)
	}
	if b.Input == InputGradientPosition && z.Kind != ZoneGradient {
		v.addf("%s: %s is only defined for gradient zones", where, InputGradientPosition)
	}
	if known && !c.anySensorProvides(spec.Requires) {
		v.addf("%s: no sensor provides %q needed by %q", where, spec.Requires, b.Input)
	}
	if !curveTypes[b.Curve.Type] {
		v.addf("%s: unknown curve type %q", where, b.Curve.Type)
	}
	if b.Curve.K != nil && *b.Curve.K <= 0 {
		v.addf("%s: curve k must be positive", where)
	}
	if b.Curve.Exponent != nil && *b.Curve.Exponent <= 0 {
		v.addf("%s: curve exponent must be positive", where)
	}
	if b.Output[0] > b.Output[1] {
		v.addf("%s: output min %g exceeds max %g", where, b.Output[0], b.Output[1])
	}
	if ok && (b.Output[0] < p.Min || b.Output[1] > p.Max) {
		v.addf("%s: output [%g, %g] exceeds parameter range [%g, %g]", where, b.Output[0], b.Output[1], p.Min, p.Max)
	}
	if b.Failsafe != "" && b.Failsafe != PolicyDegrade && b.Failsafe != PolicyDrift {
		v.addf("%s: unknown failsafe policy %q", where, b.Failsafe)
	}
}

func (c *VenueConfig) anySensorProvides(capability string) bool {
	for _, s := range c.Sensors {
		if s.HasCapability(capability) {
			return true
		}
	}
	return false
}

func (c *VenueConfig) validateTuning(v *ValidationError) {
	durations := []struct {
		name string
		val  *string
	}{
		{"tracker.grace_period", c.Tracker.GracePeriod},
		{"health.lost_timeout", c.Health.LostTimeout},
		{"health.silence_timeout", c.Health.SilenceTimeout},
		{"health.window", c.Health.Window},
		{"health.check_interval", c.Health.CheckInterval},
		{"failsafe.blackout_duration", c.Failsafe.BlackoutDuration},
		{"failsafe.drift_period", c.Failsafe.DriftPeriod},
	}
	for _, d := range durations {
		if d.val == nil || *d.val == "" {
			continue
		}
		if parsed, err := time.ParseDuration(*d.val); err != nil || parsed <= 0 {
			v.addf("%s: invalid duration %q", d.name, *d.val)
		}
	}
	if w := c.Tracker.GetSmoothingWindow(); w < 1 {
		v.addf("tracker.smoothing_window must be >= 1")
	}
	if c.Tracker.GetMaxHumanSpeed() <= 0 || c.Tracker.GetMaxVelocity() <= 0 {
		v.addf("tracker speeds must be positive")
	}
	if s := c.Tracker.GetSpawnConfidence(); s < 0 || s > 1 {
		v.addf("tracker.spawn_confidence must be within [0, 1]")
	}
	if c.Health.GetDegradedWindows() < 1 || c.Health.GetRecoveryReadings() < 1 {
		v.addf("health degraded_windows and recovery_readings must be >= 1")
	}
	if st, gp := c.Health.GetSilenceTimeout(), c.Tracker.GetGracePeriod(); st >= gp {
		v.addf("health.silence_timeout (%v) must be shorter than tracker.grace_period (%v)", st, gp)
	}
	if st, lt := c.Health.GetSilenceTimeout(), c.Health.GetLostTimeout(); st >= lt {
		v.addf("health.silence_timeout (%v) must be shorter than health.lost_timeout (%v)", st, lt)
	}
	if m := c.Health.GetMinConfidence(); m < 0 || m > 1 {
		v.addf("health.min_confidence must be within [0, 1]")
	}
	if p := c.Failsafe.GetDefaultPolicy(); p != PolicyDegrade && p != PolicyDrift {
		v.addf("failsafe.default_policy: unknown policy %q", p)
	}
	if !fadeCurves[c.Failsafe.GetBlackoutCurve()] {
		v.addf("failsafe.blackout_curve must be linear, logarithmic or power, got %q", c.Failsafe.GetBlackoutCurve())
	}
	if a := c.Failsafe.GetDriftAmplitude(); a < 0 || a > 0.5 {
		v.addf("failsafe.drift_amplitude must be within [0, 0.5]")
	}
	if p := c.Output.GetPolicy(); p != DropOldest && p != DropNewest {
		v.addf("output.policy must be %s or %s, got %q", DropOldest, DropNewest, p)
	}
	if c.Output.GetBuffer() < 1 {
		v.addf("output.buffer must be >= 1")
	}
}
