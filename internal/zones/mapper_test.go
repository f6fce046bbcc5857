package zones

import (
	"fmt"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/features"
	"github.com/banshee-data/presence.field/internal/resolver"
)

const tick = 100 * time.Millisecond

func str(v string) *string   { return &v }

func bodyAt(seq uint64, x, z float64) features.Body {
	return features.Body{
		ID:         fmt.Sprintf("body-%04d", seq),
		Seq:        seq,
		Position:   r3.Vector{X: x, Y: 1, Z: z},
		Confidence: 0.9,
	}
}

func setOf(bodies ...features.Body) features.Set {
	return features.Set{Bodies: bodies, Aggregate: features.Summarize(bodies, 100)}
}

func byParameter(contribs []resolver.Contribution, name string) []resolver.Contribution {
	var out []resolver.Contribution
	for _, c := range contribs {
		if c.Parameter == name {
			out = append(out, c)
		}
	}
	return out
}

func TestGradientApproach(t *testing.T) {
	m, err := NewMapper(config.DefaultVenue())
	require.NoError(t, err)

	prev := -1.0
	for z := 8.0; z >= 4.0; z -= 0.25 {
		set := setOf(bodyAt(1, 5, z))
		got := byParameter(m.Evaluate(m.Map(set)), "visual.intensity")
		require.Len(t, got, 1, "z=%v", z)
		assert.Greater(t, got[0].Value, prev, "intensity must rise as the body approaches (z=%v)", z)
		prev = got[0].Value
		m.Advance(set, tick)
	}
	assert.InDelta(t, 1.0, prev, 1e-9)

	outside := byParameter(m.Evaluate(m.Map(setOf(bodyAt(1, 5, 2)))), "visual.intensity")
	assert.Empty(t, outside, "a body closer than the zone does not contribute")
}

func TestMapEvaluate_Idempotent(t *testing.T) {
	m, err := NewMapper(config.DefaultVenue())
	require.NoError(t, err)
	set := setOf(bodyAt(1, 2, 5), bodyAt(2, 7, 9))
	for i := 0; i < 20; i++ {
		m.Advance(set, tick)
	}

	first := m.Evaluate(m.Map(set))
	second := m.Evaluate(m.Map(set))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated evaluation changed (-first +second):\n%s", diff)
	}
}

func TestAmbientBindings(t *testing.T) {
	m, err := NewMapper(config.DefaultVenue())
	require.NoError(t, err)

	contribs := m.Evaluate(m.Map(setOf(bodyAt(1, 5, 9))))
	density := byParameter(contribs, "audio.density")
	require.Len(t, density, 1)
	// One body on 100 m2 with k=0.2.
	assert.InDelta(t, 0.01/0.21, density[0].Value, 1e-9)
	assert.Equal(t, 0.9, density[0].Confidence)

	pan := byParameter(contribs, "spatial.pan")
	require.Len(t, pan, 1)
	assert.InDelta(t, 0, pan[0].Value, 1e-9, "centred body at zero drift phase")
	assert.Equal(t, uint64(1), pan[0].BodySeq)

	empty := m.Evaluate(m.Map(setOf()))
	assert.Empty(t, byParameter(empty, "spatial.pan"))
	d := byParameter(empty, "audio.density")
	require.Len(t, d, 1)
	assert.Equal(t, 0.0, d[0].Value)
	assert.Equal(t, 1.0, d[0].Confidence)
}

func TestRefs(t *testing.T) {
	m, err := NewMapper(config.DefaultVenue())
	require.NoError(t, err)
	want := []BindingRef{
		{Key: "approach/0", ZoneID: "approach", Index: 0, Parameter: "visual.intensity", Priority: 10, Feature: config.InputGradientPosition, Requires: config.CapPosition, PerBody: true, Policy: config.PolicyDegrade},
		{Key: "room/0", ZoneID: "room", Index: 0, Parameter: "audio.density", Priority: 1, Feature: config.InputGroupDensity, Requires: config.CapPosition, Policy: config.PolicyDrift, Unbounded: true},
		{Key: "room/1", ZoneID: "room", Index: 1, Parameter: "spatial.pan", Priority: 1, Feature: config.InputLateralPosition, Requires: config.CapPosition, PerBody: true, Policy: config.PolicyDrift},
	}
	if diff := cmp.Diff(want, m.Refs(), cmpopts.IgnoreUnexported(BindingRef{})); diff != "" {
		t.Errorf("refs mismatch (-want +got):\n%s", diff)
	}
}

func dwellVenue(mode string) *config.VenueConfig {
	cfg := config.DefaultVenue()
	cfg.Zones = []config.ZoneConfig{{
		ID:        "room",
		Kind:      config.ZoneAmbient,
		Priority:  1,
		TimeScale: str("10s"),
		Decay:     &config.Decay{Mode: mode, ReturnToRest: "10s"},
		Bindings: []config.BindingConfig{
			{Parameter: "visual.intensity", Input: config.InputTimeOccupied, Curve: config.CurveConfig{Type: config.CurveLinear}, Output: [2]float64{0, 1}},
			{Parameter: "audio.density", Input: config.InputOccupancy, Curve: config.CurveConfig{Type: config.CurveLinear}, Output: [2]float64{0, 1}},
		},
	}}
	return cfg
}

func inputValues(m *Mapper, set features.Set) (dwell, occupancy float64) {
	for _, in := range m.Map(set) {
		switch in.Ref.Feature {
		case config.InputTimeOccupied:
			dwell = in.Value
		case config.InputOccupancy:
			occupancy = in.Value
		}
	}
	return dwell, occupancy
}

func advanceN(m *Mapper, set features.Set, n int) {
	for i := 0; i < n; i++ {
		m.Advance(set, tick)
	}
}

func TestTimeOccupied_GradualDecay(t *testing.T) {
	m, err := NewMapper(dwellVenue(config.DecayGradual))
	require.NoError(t, err)
	occupied, empty := setOf(bodyAt(1, 5, 5)), setOf()

	dwell, occ := inputValues(m, empty)
	assert.Equal(t, 0.0, dwell)
	assert.Equal(t, 0.0, occ, "a zone never occupied has no presence")

	advanceN(m, occupied, 50)
	dwell, occ = inputValues(m, occupied)
	assert.InDelta(t, 0.5, dwell, 1e-9)
	assert.Equal(t, 1.0, occ)

	advanceN(m, empty, 50)
	dwell, occ = inputValues(m, empty)
	assert.InDelta(t, 0.25, dwell, 1e-9, "half way back to rest")
	assert.InDelta(t, 0.5, occ, 1e-9)

	// Re-entry resumes from the decayed level.
	advanceN(m, occupied, 1)
	dwell, _ = inputValues(m, occupied)
	assert.InDelta(t, 0.26, dwell, 1e-9)

	advanceN(m, empty, 200)
	dwell, occ = inputValues(m, empty)
	assert.Equal(t, 0.0, dwell)
	assert.Equal(t, 0.0, occ)

	acc := m.Accumulators()["room"]
	assert.False(t, acc.Occupied)
	assert.True(t, acc.EverOccupied)
}

func TestTimeOccupied_ImmediateDecay(t *testing.T) {
	m, err := NewMapper(dwellVenue(config.DecayImmediate))
	require.NoError(t, err)
	occupied, empty := setOf(bodyAt(1, 5, 5)), setOf()

	advanceN(m, occupied, 200)
	dwell, _ := inputValues(m, occupied)
	assert.Equal(t, 1.0, dwell, "dwell saturates at the time scale")

	advanceN(m, empty, 1)
	dwell, occ := inputValues(m, empty)
	assert.Equal(t, 0.0, dwell)
	assert.Equal(t, 0.0, occ)

	advanceN(m, occupied, 10)
	dwell, _ = inputValues(m, occupied)
	assert.InDelta(t, 0.1, dwell, 1e-9, "immediate decay restarts from zero")
}

func TestMembership(t *testing.T) {
	circle := config.ZoneConfig{Kind: config.ZoneProximity, Center: &config.Vec3{5, 0, 5}, Radius: 1}
	assert.True(t, contains(circle, r3.Vector{X: 5.5, Y: 2.9, Z: 5.5}), "radius zones ignore height")
	assert.False(t, contains(circle, r3.Vector{X: 6.1, Z: 5}))

	box := config.ZoneConfig{Kind: config.ZoneGradient, Bounds: &config.Bounds{Min: config.Vec3{0, 0, 4}, Max: config.Vec3{10, 3, 8}}}
	assert.True(t, contains(box, r3.Vector{X: 1, Y: 1, Z: 4}))
	assert.False(t, contains(box, r3.Vector{X: 1, Y: 3.5, Z: 5}), "bounds test every axis")

	assert.True(t, contains(config.ZoneConfig{Kind: config.ZoneAmbient}, r3.Vector{X: -40}))
}

func TestBodyFeatures(t *testing.T) {
	cfg := config.DefaultVenue()
	cfg.Zones = []config.ZoneConfig{{
		ID:       "plinth",
		Kind:     config.ZoneProximity,
		Center:   &config.Vec3{5, 0, 5},
		Radius:   2,
		Priority: 1,
		Bindings: []config.BindingConfig{
			{Parameter: "visual.intensity", Input: config.InputProximity, Curve: config.CurveConfig{Type: config.CurveLinear}, Output: [2]float64{0, 1}},
			{Parameter: "visual.intensity", Input: config.InputSpeed, Curve: config.CurveConfig{Type: config.CurveLinear}, Output: [2]float64{0, 1}},
			{Parameter: "visual.intensity", Input: config.InputGestureActivity, Curve: config.CurveConfig{Type: config.CurveLinear}, Output: [2]float64{0, 1}},
			{Parameter: "spatial.pan", Input: config.InputLateralPosition, Curve: config.CurveConfig{Type: config.CurveLinear}, Output: [2]float64{-1, 1}},
			{Parameter: "audio.density", Input: config.InputOccupancyCount, Curve: config.CurveConfig{Type: config.CurveLinear}, Output: [2]float64{0, 1}},
		},
	}}
	m, err := NewMapper(cfg)
	require.NoError(t, err)

	b := bodyAt(1, 6, 5)
	b.Speed = 1.5
	b.Gesture, b.HasGesture = "wave", true
	got := map[string]float64{}
	for _, in := range m.Map(setOf(b)) {
		got[in.Ref.Feature] = in.Value
	}
	want := map[string]float64{
		config.InputProximity:       0.5,
		config.InputSpeed:           0.5,
		config.InputGestureActivity: 1,
		config.InputLateralPosition: 0.75,
		config.InputOccupancyCount:  0.1,
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("features mismatch (-want +got):\n%s", diff)
	}
}

func TestTouchIntensity(t *testing.T) {
	cfg := config.DefaultVenue()
	cfg.Zones = []config.ZoneConfig{{
		ID:       "pad",
		Kind:     config.ZoneProximity,
		Center:   &config.Vec3{1, 0, 1},
		Radius:   1,
		Priority: 1,
		Bindings: []config.BindingConfig{
			{Parameter: "visual.intensity", Input: config.InputTouchIntensity, Curve: config.CurveConfig{Type: config.CurveLinear}, Output: [2]float64{0, 1}},
		},
	}}
	m, err := NewMapper(cfg)
	require.NoError(t, err)

	set := setOf()
	set.Touches = []features.Touch{
		{SensorID: "floor", Position: r3.Vector{X: 1, Z: 1.2}, Intensity: 0.4},
		{SensorID: "floor", Position: r3.Vector{X: 1.3, Z: 1}, Intensity: 0.8},
		{SensorID: "floor", Position: r3.Vector{X: 5, Z: 5}, Intensity: 1},
	}
	inputs := m.Map(set)
	require.Len(t, inputs, 1)
	assert.Equal(t, 0.8, inputs[0].Value)
}

func TestNewMapper_RejectsUnknownCurve(t *testing.T) {
	cfg := config.DefaultVenue()
	cfg.Zones[0].Bindings[0].Curve.Type = "sawtooth"
	_, err := NewMapper(cfg)
	assert.Error(t, err)
}
