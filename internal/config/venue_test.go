package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalJSON = `{
  "name": "gallery-a",
  "tick_rate_hz": 30,
  "venue": {"width": 12, "depth": 10, "height": 4},
  "sensors": [
    {"id": "depth-1", "kind": "depth_camera", "extrinsics": {"position": [6, 2.5, 0], "fov": 87}},
    {"id": "lidar-1", "kind": "lidar", "extrinsics": {"position": [0, 0.4, 5], "yaw": 90}},
    {"id": "floor", "kind": "touch_array", "extrinsics": {"position": [4, 0, 1]},
     "touch": {"rows": 8, "cols": 16, "cell_pitch": 0.25, "threshold": 0.3}}
  ],
  "parameters": [
    {"name": "visual.intensity", "reducer": "max", "min": 0, "max": 1},
    {"name": "audio.volume", "reducer": "sum_clamp", "min": 0, "max": 1, "rest": 0.2}
  ],
  "zones": [
    {"id": "approach", "kind": "gradient",
     "bounds": {"min": [0, 0, 4], "max": [12, 3, 8]},
     "gradient": {"axis": "z"}, "priority": 5,
     "bindings": [{"parameter": "visual.intensity", "input": "gradient_position",
                   "curve": {"type": "exponential_decay"}, "output": [0, 1]}]},
    {"id": "pad", "kind": "proximity", "center": [4, 0, 2], "radius": 1.5,
     "decay": {"mode": "gradual", "return_to_rest": "60s"},
     "bindings": [{"parameter": "audio.volume", "input": "time_occupied",
                   "curve": {"type": "logarithmic", "k": 9}, "output": [0, 0.8]}]}
  ],
  "tracker": {"grace_period": "400ms", "smoothing_window": 4},
  "output": {"policy": "drop_newest", "buffer": 2}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadVenueJSON(t *testing.T) {
	cfg, err := LoadVenue(writeFile(t, "venue.json", minimalJSON))
	require.NoError(t, err)

	assert.Equal(t, "gallery-a", cfg.Name)
	assert.Len(t, cfg.Sensors, 3)
	assert.Equal(t, 400*time.Millisecond, cfg.Tracker.GetGracePeriod())
	assert.Equal(t, 4, cfg.Tracker.GetSmoothingWindow())
	assert.Equal(t, DropNewest, cfg.Output.GetPolicy())
	assert.Equal(t, 2, cfg.Output.GetBuffer())
	assert.InDelta(t, 1.0/30, cfg.GetTickInterval().Seconds(), 1e-9)

	lidar, ok := cfg.Sensor("lidar-1")
	require.True(t, ok)
	assert.True(t, lidar.GetTracking())
	assert.Equal(t, []string{CapPosition}, lidar.GetCapabilities())

	floor, _ := cfg.Sensor("floor")
	assert.False(t, floor.GetTracking())
	assert.Equal(t, 60.0, floor.GetExpectedRate())

	mode, d := cfg.Zones[1].GetDecay()
	assert.Equal(t, DecayGradual, mode)
	assert.Equal(t, 60*time.Second, d)

	p, ok := cfg.Parameter("audio.volume")
	require.True(t, ok)
	assert.Equal(t, 0.2, p.GetRest())
}

func TestLoadVenueYAML(t *testing.T) {
	body := `
name: studio
venue: {width: 8, depth: 6, height: 3}
sensors:
  - id: lidar-1
    kind: lidar
    extrinsics: {position: [0, 0.5, 3]}
parameters:
  - {name: visual.glow, reducer: weighted_average, min: 0, max: 1}
zones:
  - id: all
    kind: ambient
    bindings:
      - parameter: visual.glow
        input: average_velocity
        curve: {type: power, exponent: 2.5}
        output: [0, 1]
`
	cfg, err := LoadVenue(writeFile(t, "venue.yaml", body))
	require.NoError(t, err)
	assert.Equal(t, "studio", cfg.Name)
	assert.Equal(t, Vec3{0, 0.5, 3}, cfg.Sensors[0].Extrinsics.Position)
	assert.Equal(t, [2]float64{0, 1}, cfg.Zones[0].Bindings[0].Output)
	assert.Equal(t, 2.5, *cfg.Zones[0].Bindings[0].Curve.Exponent)
	assert.Equal(t, 30.0, cfg.GetTickRate())
}

func TestLoadVenueRejectsFiles(t *testing.T) {
	_, err := LoadVenue(writeFile(t, "venue.txt", minimalJSON))
	assert.ErrorContains(t, err, "extension")

	_, err = LoadVenue(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to stat")

	big := writeFile(t, "big.json", `{"name":"`+strings.Repeat("x", maxFileSize)+`"}`)
	_, err = LoadVenue(big)
	assert.ErrorContains(t, err, "too large")

	_, err = LoadVenue(writeFile(t, "typo.json", `{"name": "x", "sensorz": []}`))
	assert.ErrorContains(t, err, "failed to parse venue JSON")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultVenue()
	cfg.Name = ""
	cfg.TickRateHz = ptrFloat64(0.5)
	cfg.Parameters[0].Reducer = ""
	cfg.Parameters[1].Min, cfg.Parameters[1].Max = 1, 0
	cfg.Zones[0].Gradient.Axis = "w"
	cfg.Zones[0].Bindings[0].Curve.Type = "sigmoid"
	cfg.Zones[0].Bindings[0].Input = "heart_rate"
	cfg.Zones[1].Bindings[0].Parameter = "visual.missing"
	cfg.Output.Policy = ptrString("drop_everything")
	cfg.Parameters[2].Smoothing = ptrFloat64(0)

	err := cfg.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	want := []string{
		"name is required",
		"tick_rate_hz must be >= 1",
		"reducer is required",
		"min (1) must be less than max (0)",
		"gradient axis must be x, y or z",
		"unknown curve type \"sigmoid\"",
		"unknown input feature \"heart_rate\"",
		"undeclared parameter \"visual.missing\"",
		"output.policy must be",
		"smoothing 0 must be within (0, 1]",
	}
	for _, w := range want {
		found := false
		for _, p := range verr.Problems {
			if strings.Contains(p, w) {
				found = true
				break
			}
		}
		assert.True(t, found, "missing problem %q in %v", w, verr.Problems)
	}
}

func TestValidateBindingRangeAndCapabilities(t *testing.T) {
	cfg := DefaultVenue()
	cfg.Zones[0].Bindings[0].Output = [2]float64{0, 2}
	cfg.Zones[1].Bindings = append(cfg.Zones[1].Bindings, BindingConfig{
		Parameter: "audio.density", Input: InputTouchIntensity,
		Curve: CurveConfig{Type: CurveLinear}, Output: [2]float64{0, 1},
	})

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds parameter range")
	assert.Contains(t, err.Error(), `no sensor provides "touch"`)
}

func TestValidateGeometry(t *testing.T) {
	cfg := DefaultVenue()
	cfg.Zones = append(cfg.Zones,
		ZoneConfig{ID: "ring", Kind: ZoneProximity, Center: &Vec3{1, 0, 1}},
		ZoneConfig{ID: "box", Kind: ZoneGradient, Gradient: &Gradient{Axis: "x"}},
		ZoneConfig{ID: "ring", Kind: "hexagon"},
	)
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "radius must be positive")
	assert.Contains(t, msg, "gradient zone requires bounds")
	assert.Contains(t, msg, `duplicate zone id "ring"`)
	assert.Contains(t, msg, `unknown zone kind "hexagon"`)
}

func TestDefaultVenueIsValid(t *testing.T) {
	require.NoError(t, DefaultVenue().Validate())
}

func TestPolicyFor(t *testing.T) {
	f := FailsafeConfig{}
	z := ZoneConfig{}
	b := BindingConfig{}
	assert.Equal(t, PolicyDegrade, z.PolicyFor(b, f))

	z.Failsafe = PolicyDrift
	assert.Equal(t, PolicyDrift, z.PolicyFor(b, f))

	b.Failsafe = PolicyDegrade
	assert.Equal(t, PolicyDegrade, z.PolicyFor(b, f))
}

func TestValidateSilenceTimeout(t *testing.T) {
	cfg := DefaultVenue()
	cfg.Health.SilenceTimeout = ptrString("600ms")
	err := cfg.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, strings.Join(verr.Problems, "\n"), "health.silence_timeout (600ms) must be shorter than tracker.grace_period (500ms)")

	cfg.Tracker.GracePeriod = ptrString("1s")
	assert.NoError(t, cfg.Validate())
}

func TestTuningDefaults(t *testing.T) {
	var tr TrackerTuning
	assert.Equal(t, 500*time.Millisecond, tr.GetGracePeriod())
	assert.Equal(t, 5, tr.GetSmoothingWindow())
	assert.Equal(t, 3.0, tr.GetMaxHumanSpeed())

	var h HealthTuning
	assert.Equal(t, 2*time.Second, h.GetLostTimeout())
	assert.Equal(t, 300*time.Millisecond, h.GetSilenceTimeout())
	assert.Less(t, h.GetSilenceTimeout(), tr.GetGracePeriod())
	assert.Equal(t, 3, h.GetDegradedWindows())
	assert.Equal(t, 3, h.GetRecoveryReadings())

	var f FailsafeConfig
	assert.Equal(t, 3*time.Second, f.GetBlackoutDuration())
	assert.Equal(t, CurveLinear, f.GetBlackoutCurve())

	bad := TrackerTuning{GracePeriod: ptrString("soon")}
	assert.Equal(t, 500*time.Millisecond, bad.GetGracePeriod())
}

func TestLoadRuntime(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(env, []byte("PRESENCE_LISTEN=:9999\nPRESENCE_LOG_TRACE=true\n"), 0644))
	t.Setenv("PRESENCE_DB", "/tmp/run.db")

	rt := LoadRuntime(env)
	assert.Equal(t, ":9999", rt.Listen)
	assert.Equal(t, "/tmp/run.db", rt.DBPath)
	assert.True(t, rt.LogTrace)
	assert.Equal(t, DefaultVenuePath, rt.VenuePath)

	os.Unsetenv("PRESENCE_LISTEN")
	os.Unsetenv("PRESENCE_LOG_TRACE")
}

func TestShippedVenuesAreValid(t *testing.T) {
	for _, name := range []string{"venue.example.json", "venue.example.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadVenue(filepath.Join("..", "..", "config", name))
			require.NoError(t, err)
			assert.NotEmpty(t, cfg.Zones)
			_, ok := cfg.Parameter("visual.intensity")
			assert.True(t, ok)
		})
	}
}
