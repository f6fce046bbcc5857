// Package zones evaluates zone membership and input features for the
// tracked body set, and shapes those inputs through each binding's curve.
//
// Map and Evaluate are pure with respect to the mapper's state: calling
// them twice on the same feature set yields identical results. Advance is
// the only method that mutates zone accumulators and curve phases, and it
// is called exactly once per tick after the frame has been composed.
package zones

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/curves"
	"github.com/banshee-data/presence.field/internal/features"
	"github.com/banshee-data/presence.field/internal/resolver"
)

// BindingRef identifies one parameter binding and carries what the
// failsafe machine needs to decide whether it can still be driven.
type BindingRef struct {
	Key       string `json:"key"` // zone/index
	ZoneID    string `json:"zone_id"`
	Index     int    `json:"index"`
	Parameter string `json:"parameter"`
	Priority  int    `json:"priority"`
	Feature   string `json:"feature"`
	Requires  string `json:"requires"`
	PerBody   bool   `json:"per_body"`
	Policy    string `json:"policy"`
	Unbounded bool   `json:"unbounded"`

	zone int
}

// Input is one normalized input value for a binding. Body features yield
// one input per occupying body; zone features yield one per zone.
type Input struct {
	Ref        BindingRef
	BodyID     string
	BodySeq    uint64
	Confidence float64
	Value      float64
	Synthetic  bool
}

type binding struct {
	ref   BindingRef
	eval  curves.Binding
	phase float64
}

type zone struct {
	cfg          config.ZoneConfig
	decayMode    string
	returnToRest time.Duration
	timeScale    time.Duration
	densityScale float64
	capacity     int
	area         float64
	bindings     []*binding
	acc          Accumulator
}

// Accumulator is the per-zone history that persists across ticks.
type Accumulator struct {
	Occupied     bool          `json:"occupied"`
	Dwell        time.Duration `json:"dwell"`
	Released     float64       `json:"released"` // time_occupied level when the zone emptied
	SinceRelease time.Duration `json:"since_release"`
	EverOccupied bool          `json:"ever_occupied"`
}

// Mapper owns the zone list and its accumulators.
type Mapper struct {
	venue      config.Dimensions
	speedScale float64
	zones      []*zone
	refs       []BindingRef
}

// NewMapper builds a mapper from a validated venue document.
func NewMapper(cfg *config.VenueConfig) (*Mapper, error) {
	m := &Mapper{venue: cfg.Venue, speedScale: cfg.Tracker.GetMaxHumanSpeed()}
	for zi, zc := range cfg.Zones {
		mode, rest := zc.GetDecay()
		z := &zone{
			cfg:          zc,
			decayMode:    mode,
			returnToRest: rest,
			timeScale:    zc.GetTimeScale(),
			densityScale: zc.GetDensityScale(),
			capacity:     zc.GetCapacity(),
		}
		z.area = zoneArea(zc, cfg.Venue)
		for bi, bc := range zc.Bindings {
			eval, err := curves.NewBinding(bc)
			if err != nil {
				return nil, fmt.Errorf("zone %s binding %d: %w", zc.ID, bi, err)
			}
			spec, ok := config.InputFeatures[bc.Input]
			if !ok {
				return nil, fmt.Errorf("zone %s binding %d: unknown input %q", zc.ID, bi, bc.Input)
			}
			ref := BindingRef{
				Key:       fmt.Sprintf("%s/%d", zc.ID, bi),
				ZoneID:    zc.ID,
				Index:     bi,
				Parameter: bc.Parameter,
				Priority:  zc.Priority,
				Feature:   bc.Input,
				Requires:  spec.Requires,
				PerBody:   spec.PerBody,
				Policy:    zc.PolicyFor(bc, cfg.Failsafe),
				Unbounded: eval.Curve.Unbounded(),
				zone:      zi,
			}
			z.bindings = append(z.bindings, &binding{ref: ref, eval: eval})
			m.refs = append(m.refs, ref)
		}
		m.zones = append(m.zones, z)
	}
	return m, nil
}

// Refs returns every binding in zone declaration order.
func (m *Mapper) Refs() []BindingRef { return append([]BindingRef(nil), m.refs...) }

// Map computes the input values for every binding from the current
// feature set and the committed zone accumulators.
func (m *Mapper) Map(set features.Set) []Input {
	var out []Input
	for _, z := range m.zones {
		occupants := m.occupants(z, set.Bodies)
		zoneConf := 1.0
		if len(occupants) > 0 {
			zoneConf = 0
			for _, b := range occupants {
				zoneConf += b.Confidence
			}
			zoneConf /= float64(len(occupants))
		}
		for _, bd := range z.bindings {
			ref := bd.ref
			if ref.PerBody {
				for _, b := range occupants {
					out = append(out, Input{
						Ref:        ref,
						BodyID:     b.ID,
						BodySeq:    b.Seq,
						Confidence: b.Confidence,
						Value:      m.bodyFeature(z, ref.Feature, b),
					})
				}
				continue
			}
			out = append(out, Input{
				Ref:        ref,
				Confidence: zoneConf,
				Value:      m.zoneFeature(z, ref.Feature, occupants, set.Touches),
			})
		}
	}
	return out
}

// Evaluate shapes inputs through their binding curves.
func (m *Mapper) Evaluate(inputs []Input) []resolver.Contribution {
	out := make([]resolver.Contribution, 0, len(inputs))
	for _, in := range inputs {
		bd := m.zones[in.Ref.zone].bindings[in.Ref.Index]
		out = append(out, resolver.Contribution{
			Parameter:  in.Ref.Parameter,
			ZoneID:     in.Ref.ZoneID,
			Binding:    in.Ref.Index,
			Priority:   in.Ref.Priority,
			BodyID:     in.BodyID,
			BodySeq:    in.BodySeq,
			Confidence: in.Confidence,
			Value:      bd.eval.Evaluate(in.Value, bd.phase),
			Synthetic:  in.Synthetic,
		})
	}
	return out
}

// Advance commits one tick of length dt: zone accumulators follow the
// current occupancy and slow_drift phases move forward.
func (m *Mapper) Advance(set features.Set, dt time.Duration) {
	for _, z := range m.zones {
		occupied := len(m.occupants(z, set.Bodies)) > 0
		a := &z.acc
		switch {
		case occupied && !a.Occupied:
			a.Dwell = 0
			if z.decayMode == config.DecayGradual {
				// Re-entry resumes from the partially decayed level.
				a.Dwell = time.Duration(z.timeOccupied() * float64(z.timeScale))
			}
			a.Occupied = true
			a.EverOccupied = true
			a.Dwell += dt
		case occupied:
			a.Dwell += dt
		case a.Occupied:
			a.Released = z.timeOccupied()
			a.SinceRelease = dt
			a.Occupied = false
		default:
			a.SinceRelease += dt
		}
		for _, bd := range z.bindings {
			bd.phase = bd.eval.Curve.Advance(bd.phase, dt)
		}
	}
}

// Accumulators returns the committed accumulator of every zone keyed by id.
func (m *Mapper) Accumulators() map[string]Accumulator {
	out := make(map[string]Accumulator, len(m.zones))
	for _, z := range m.zones {
		out[z.cfg.ID] = z.acc
	}
	return out
}

// Binding returns the resolved curve binding for a ref.
func (m *Mapper) Binding(ref BindingRef) curves.Binding {
	return m.zones[ref.zone].bindings[ref.Index].eval
}

func (m *Mapper) occupants(z *zone, bodies []features.Body) []features.Body {
	var out []features.Body
	for _, b := range bodies {
		if contains(z.cfg, b.Position) {
			out = append(out, b)
		}
	}
	return out
}

// contains tests membership: bounding volumes test all three axes, radius
// zones test floor distance and ambient zones contain everything.
func contains(z config.ZoneConfig, p r3.Vector) bool {
	if z.Kind == config.ZoneAmbient {
		return true
	}
	if z.Center != nil && z.Radius > 0 {
		c := z.Center.R3()
		return math.Hypot(p.X-c.X, p.Z-c.Z) <= z.Radius
	}
	if b := z.Bounds; b != nil {
		return p.X >= b.Min[0] && p.X <= b.Max[0] &&
			p.Y >= b.Min[1] && p.Y <= b.Max[1] &&
			p.Z >= b.Min[2] && p.Z <= b.Max[2]
	}
	return false
}

func zoneArea(z config.ZoneConfig, venue config.Dimensions) float64 {
	switch {
	case z.Kind == config.ZoneAmbient:
		return venue.FloorArea()
	case z.Center != nil && z.Radius > 0:
		return math.Pi * z.Radius * z.Radius
	case z.Bounds != nil:
		return (z.Bounds.Max[0] - z.Bounds.Min[0]) * (z.Bounds.Max[2] - z.Bounds.Min[2])
	}
	return venue.FloorArea()
}

func (m *Mapper) bodyFeature(z *zone, feature string, b features.Body) float64 {
	p := b.Position
	switch feature {
	case config.InputProximity:
		return proximity(z.cfg, m.venue, p)
	case config.InputGradientPosition:
		g, bounds := z.cfg.Gradient, z.cfg.Bounds
		if g == nil || bounds == nil {
			return 0
		}
		axis := map[string]int{"x": 0, "y": 1, "z": 2}[g.Axis]
		v := [3]float64{p.X, p.Y, p.Z}[axis]
		t := (v - bounds.Min[axis]) / (bounds.Max[axis] - bounds.Min[axis])
		if g.Reverse {
			t = 1 - t
		}
		return t
	case config.InputLateralPosition:
		if b := z.cfg.Bounds; b != nil && z.cfg.Kind != config.ZoneAmbient {
			return (p.X - b.Min[0]) / (b.Max[0] - b.Min[0])
		}
		if c := z.cfg.Center; c != nil && z.cfg.Radius > 0 {
			return (p.X - (c[0] - z.cfg.Radius)) / (2 * z.cfg.Radius)
		}
		return p.X / m.venue.Width
	case config.InputSpeed:
		return b.Speed / m.speedScale
	case config.InputFacing:
		return b.Facing()
	case config.InputGestureActivity:
		if b.Gesturing() {
			return 1
		}
		return 0
	}
	return 0
}

func proximity(z config.ZoneConfig, venue config.Dimensions, p r3.Vector) float64 {
	switch {
	case z.Center != nil && z.Radius > 0:
		c := z.Center.R3()
		return 1 - math.Hypot(p.X-c.X, p.Z-c.Z)/z.Radius
	case z.Bounds != nil && z.Kind != config.ZoneAmbient:
		b := z.Bounds
		cx, cz := (b.Min[0]+b.Max[0])/2, (b.Min[2]+b.Max[2])/2
		half := math.Hypot(b.Max[0]-cx, b.Max[2]-cz)
		return 1 - math.Hypot(p.X-cx, p.Z-cz)/half
	}
	// Ambient zones measure closeness to the display wall.
	return 1 - p.Z/venue.Depth
}

func (m *Mapper) zoneFeature(z *zone, feature string, occupants []features.Body, touches []features.Touch) float64 {
	n := len(occupants)
	switch feature {
	case config.InputOccupancy:
		if n > 0 {
			return 1
		}
		return z.presence()
	case config.InputOccupancyCount:
		return math.Min(1, float64(n)/float64(z.capacity))
	case config.InputAverageVelocity:
		if n == 0 {
			return 0
		}
		sum := 0.0
		for _, b := range occupants {
			sum += b.Speed
		}
		return math.Min(1, sum/float64(n)/m.speedScale)
	case config.InputTimeOccupied:
		return z.timeOccupied()
	case config.InputGroupDensity:
		if z.area <= 0 {
			return 0
		}
		return float64(n) / z.area / z.densityScale
	case config.InputTouchIntensity:
		peak := 0.0
		for _, t := range touches {
			if contains(z.cfg, t.Position) || z.cfg.Kind == config.ZoneAmbient {
				peak = math.Max(peak, t.Intensity)
			}
		}
		return peak
	}
	return 0
}

// timeOccupied is the committed dwell level in [0, 1], decaying after the
// zone empties according to the zone's decay mode.
func (z *zone) timeOccupied() float64 {
	a := z.acc
	if a.Occupied {
		return math.Min(1, a.Dwell.Seconds()/z.timeScale.Seconds())
	}
	return a.Released * z.decay(a.SinceRelease)
}

// presence is the occupancy level of an empty zone: 0 for immediate decay,
// a linear return to rest for gradual decay.
func (z *zone) presence() float64 {
	if z.acc.Occupied {
		return 1
	}
	if !z.acc.EverOccupied {
		return 0
	}
	return z.decay(z.acc.SinceRelease)
}

func (z *zone) decay(since time.Duration) float64 {
	if z.decayMode != config.DecayGradual || z.returnToRest <= 0 {
		return 0
	}
	return math.Max(0, 1-since.Seconds()/z.returnToRest.Seconds())
}
