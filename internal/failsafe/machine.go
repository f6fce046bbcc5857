// Package failsafe decides how the output pipeline behaves as sensors
// degrade. It owns the system-wide mode, filters zone inputs whose
// required capability is no longer available, synthesizes drift inputs
// from a frozen audience seed, and runs the terminal blackout fade.
package failsafe

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/curves"
	"github.com/banshee-data/presence.field/internal/features"
	"github.com/banshee-data/presence.field/internal/health"
	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/zones"
)

// Mode is the system-wide failsafe mode.
type Mode string

const (
	Normal              Mode = "normal"
	GracefulDegradation Mode = "graceful_degradation"
	AutonomousDrift     Mode = "autonomous_drift"
	TheatricalBlackout  Mode = "theatrical_blackout"
)

// Modes lists every mode, for metric labels.
var Modes = []string{string(Normal), string(GracefulDegradation), string(AutonomousDrift), string(TheatricalBlackout)}

// ErrHalted is returned by Compose once the blackout fade has completed.
var ErrHalted = errors.New("failsafe: frame production halted")

// Transition records one mode change.
type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Seed is the audience state frozen when inputs are lost.
type Seed struct {
	At        time.Time          `json:"at"`
	Aggregate features.Aggregate `json:"aggregate"`
	Values    map[string]float64 `json:"values"` // by binding key
}

// State is a point-in-time view of the machine.
type State struct {
	Mode           Mode      `json:"mode"`
	Entered        time.Time `json:"entered"`
	Seed           Seed      `json:"seed"`
	Complexity     float64   `json:"complexity"`
	Unavailable    []string  `json:"unavailable,omitempty"` // capabilities with no live sensor
	BlackoutReason string    `json:"blackout_reason,omitempty"`
	Halted         bool      `json:"halted"`
}

type observation struct {
	at     time.Time
	agg    features.Aggregate
	values map[string]float64
}

type frozen struct {
	value float64
	since time.Time
	phase float64
}

// Machine is driven once per fusion tick by a single goroutine.
type Machine struct {
	cfg     config.FailsafeConfig
	sensors []config.SensorConfig
	params  []config.ParameterConfig
	refs    []zones.BindingRef
	states  map[string]health.State

	// Observations older than horizon are no longer a usable seed once the
	// audience has gone.
	horizon time.Duration

	mode        Mode
	entered     time.Time
	complexity  float64
	unavailable map[string]bool
	features    []string

	last   observation
	seed   Seed
	frozen map[string]frozen

	fade        curves.Curve
	fadeFrom    map[string]float64
	fadeStart   time.Time
	fadeDone    bool
	halted      bool
	blackoutWhy string

	seq         uint64
	lastValues  map[string]float64
	transitions []Transition
}

// NewMachine builds a machine in normal mode for the given bindings.
func NewMachine(cfg *config.VenueConfig, refs []zones.BindingRef, now time.Time) *Machine {
	m := &Machine{
		cfg:         cfg.Failsafe,
		params:      cfg.Parameters,
		refs:        refs,
		states:      make(map[string]health.State),
		horizon:     cfg.Health.GetLostTimeout() + cfg.Tracker.GetGracePeriod(),
		mode:        Normal,
		entered:     now,
		complexity:  1,
		unavailable: make(map[string]bool),
		frozen:      make(map[string]frozen),
		fade:        curves.MustNew(config.CurveConfig{Type: cfg.Failsafe.GetBlackoutCurve()}),
		lastValues:  make(map[string]float64),
	}
	m.sensors = append(m.sensors, cfg.Sensors...)
	sort.Slice(m.sensors, func(i, j int) bool { return m.sensors[i].ID < m.sensors[j].ID })
	for _, s := range m.sensors {
		m.states[s.ID] = health.Nominal
	}
	seen := make(map[string]bool)
	for _, r := range refs {
		if !seen[r.Feature] {
			seen[r.Feature] = true
			m.features = append(m.features, r.Feature)
		}
	}
	sort.Strings(m.features)
	for _, p := range cfg.Parameters {
		m.lastValues[p.Name] = p.GetRest()
	}
	m.recompute(now)
	monitoring.SetFailsafeMode(string(m.mode), Modes)
	return m
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode { return m.mode }

// Halted reports whether the blackout fade has completed.
func (m *Machine) Halted() bool { return m.halted }

// State returns a copy of the machine's state.
func (m *Machine) State() State {
	st := State{
		Mode:           m.mode,
		Entered:        m.entered,
		Complexity:     m.complexity,
		BlackoutReason: m.blackoutWhy,
		Halted:         m.halted,
		Seed: Seed{
			At:        m.seed.At,
			Aggregate: m.seed.Aggregate,
			Values:    copyValues(m.seed.Values),
		},
	}
	for c := range m.unavailable {
		st.Unavailable = append(st.Unavailable, c)
	}
	sort.Strings(st.Unavailable)
	return st
}

// DrainTransitions returns and clears the transitions recorded so far.
func (m *Machine) DrainTransitions() []Transition {
	out := m.transitions
	m.transitions = nil
	return out
}

// Apply folds a batch of sensor health events into the machine and
// re-derives the mode. The result depends only on the event sequence.
func (m *Machine) Apply(events []health.Event, now time.Time) {
	if m.mode == TheatricalBlackout {
		return
	}
	for _, ev := range events {
		if _, ok := m.states[ev.SensorID]; ok {
			m.states[ev.SensorID] = ev.To
		}
	}
	m.recompute(now)
}

// recompute derives the mode from sensor states alone. A capability is
// available while at least one nominal sensor supplies it. Impaired sensors
// whose capabilities are all covered by nominal ones leave the mode normal;
// any capability left without a nominal sensor degrades it, whether or not
// a binding reads it.
func (m *Machine) recompute(now time.Time) {
	avail := make(map[string]bool)
	trackingTotal, trackingLost := 0, 0
	var impaired []string
	for _, s := range m.sensors {
		st := m.states[s.ID]
		if s.GetTracking() {
			trackingTotal++
			if st == health.Lost {
				trackingLost++
			}
		}
		if st != health.Nominal {
			impaired = append(impaired, fmt.Sprintf("%s %s", s.ID, st))
			continue
		}
		for _, c := range s.GetCapabilities() {
			avail[c] = true
		}
	}
	unavailable := make(map[string]bool)
	for _, s := range m.sensors {
		for _, c := range s.GetCapabilities() {
			if !avail[c] {
				unavailable[c] = true
			}
		}
	}
	m.unavailable = unavailable

	next := Normal
	reason := "all input features available"
	switch {
	case trackingTotal > 0 && trackingLost == trackingTotal:
		next = AutonomousDrift
		reason = "all tracking sensors lost"
	case len(unavailable) > 0:
		next = GracefulDegradation
		reason = strings.Join(impaired, ", ")
	}

	// Freeze seeds for bindings that just lost their capability and release
	// those that regained it.
	for _, r := range m.refs {
		if avail[r.Requires] {
			delete(m.frozen, r.Key)
			continue
		}
		if _, ok := m.frozen[r.Key]; ok {
			continue
		}
		if v, ok := m.last.values[r.Key]; ok {
			m.frozen[r.Key] = frozen{value: v, since: now, phase: phaseOffset(r.Key)}
		}
	}

	switch next {
	case Normal:
		m.complexity = 1
	case GracefulDegradation:
		m.complexity = 1 - float64(m.lostFeatureCount(avail))/float64(max(1, len(m.features)))
	case AutonomousDrift:
		m.complexity = m.cfg.GetDriftComplexity()
	}

	if next != m.mode {
		if next == AutonomousDrift {
			m.freezeAggregate(now)
		}
		m.enter(next, now, reason)
	}
}

func (m *Machine) lostFeatureCount(avail map[string]bool) int {
	lost := make(map[string]bool)
	for _, r := range m.refs {
		if !avail[r.Requires] {
			lost[r.Feature] = true
		}
	}
	return len(lost)
}

func (m *Machine) enter(next Mode, now time.Time, reason string) {
	t := Transition{From: m.mode, To: next, At: now, Reason: reason}
	m.transitions = append(m.transitions, t)
	monitoring.Logf("[failsafe] %s -> %s at %s: %s", t.From, t.To, now.Format(time.RFC3339Nano), reason)
	monitoring.SetFailsafeMode(string(next), Modes)
	m.mode = next
	m.entered = now
}

func (m *Machine) freezeAggregate(now time.Time) {
	m.seed = Seed{At: now, Aggregate: m.last.agg, Values: make(map[string]float64)}
	for k, f := range m.frozen {
		m.seed.Values[k] = f.value
	}
}

// Observe records the live inputs of this tick as the candidate seed. An
// observation with an audience always replaces the previous one; an empty
// one only does once the previous audience is older than the horizon, so
// the seed survives the time it takes to declare a silent sensor lost.
func (m *Machine) Observe(inputs []zones.Input, agg features.Aggregate, now time.Time) {
	if m.mode == TheatricalBlackout {
		return
	}
	if agg.Count == 0 && !m.last.at.IsZero() && m.last.agg.Count > 0 && now.Sub(m.last.at) <= m.horizon {
		return
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, in := range inputs {
		if in.Synthetic || m.unavailable[in.Ref.Requires] {
			continue
		}
		sums[in.Ref.Key] += in.Value
		counts[in.Ref.Key]++
	}
	values := make(map[string]float64, len(sums))
	for k, s := range sums {
		values[k] = s / float64(counts[k])
	}
	m.last = observation{at: now, agg: agg, values: values}
}

// Filter applies the current mode to this tick's zone inputs. Inputs whose
// required capability has no live sensor are dropped; bindings with the
// drift policy get one synthetic input derived from their frozen seed.
func (m *Machine) Filter(inputs []zones.Input, now time.Time) []zones.Input {
	if len(m.unavailable) == 0 {
		return inputs
	}
	out := make([]zones.Input, 0, len(inputs))
	for _, in := range inputs {
		if !m.unavailable[in.Ref.Requires] {
			out = append(out, in)
		}
	}
	for _, r := range m.refs {
		if !m.unavailable[r.Requires] || r.Policy != config.PolicyDrift {
			continue
		}
		f, ok := m.frozen[r.Key]
		if !ok {
			continue
		}
		out = append(out, zones.Input{
			Ref:        r,
			Confidence: 1,
			Value:      m.synthesize(r, f, now),
			Synthetic:  true,
		})
	}
	return out
}

// synthesize is a slow sinusoid around the frozen seed. Each binding gets
// its own phase so parameters do not move in lockstep.
func (m *Machine) synthesize(r zones.BindingRef, f frozen, now time.Time) float64 {
	period := m.cfg.GetDriftPeriod().Seconds()
	elapsed := now.Sub(f.since).Seconds()
	v := f.value + m.cfg.GetDriftAmplitude()*math.Sin(2*math.Pi*elapsed/period+f.phase)
	if v < 0 {
		v = 0
	}
	if !r.Unbounded && v > 1 {
		v = 1
	}
	return v
}

func phaseOffset(key string) float64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return 2 * math.Pi * float64(h.Sum32()) / float64(math.MaxUint32)
}

// RequestBlackout enters theatrical blackout. The fade starts from the last
// composed values. Repeated requests are ignored.
func (m *Machine) RequestBlackout(reason string, now time.Time) {
	if m.mode == TheatricalBlackout {
		return
	}
	m.blackoutWhy = reason
	m.fadeFrom = copyValues(m.lastValues)
	m.fadeStart = now
	m.complexity = 0
	m.enter(TheatricalBlackout, now, reason)
}

// Fade returns the blackout values at now. Every value moves monotonically
// from where it was toward its parameter minimum along the fade curve.
// done is true for the frame that reaches the end of the fade.
func (m *Machine) Fade(now time.Time) (values map[string]float64, done bool) {
	dur := m.cfg.GetBlackoutDuration()
	p := 1.0
	if dur > 0 {
		p = math.Min(1, math.Max(0, now.Sub(m.fadeStart).Seconds()/dur.Seconds()))
	}
	w := 1 - m.fade.Eval(p, 0)
	if p >= 1 {
		w = 0
	}
	values = make(map[string]float64, len(m.params))
	for _, prm := range m.params {
		from, ok := m.fadeFrom[prm.Name]
		if !ok {
			from = prm.GetRest()
		}
		values[prm.Name] = prm.Min + (from-prm.Min)*w
	}
	m.fadeDone = p >= 1
	return values, m.fadeDone
}

// Compose builds the frame for this tick and is the only place provenance
// is set. After the final blackout frame it returns ErrHalted.
func (m *Machine) Compose(values map[string]float64, now time.Time) (OutputFrame, error) {
	if m.halted {
		return OutputFrame{}, ErrHalted
	}
	m.seq++
	f := OutputFrame{
		Seq:        m.seq,
		Timestamp:  now,
		Values:     copyValues(values),
		Mode:       m.mode,
		Complexity: m.complexity,
		failsafe:   m.mode != Normal,
	}
	if m.mode == TheatricalBlackout {
		if m.fadeDone {
			f.Final = true
			m.halted = true
			monitoring.Logf("[failsafe] blackout complete after %d frames, output halted", m.seq)
		}
	} else {
		m.lastValues = copyValues(values)
	}
	return f, nil
}

func copyValues(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
