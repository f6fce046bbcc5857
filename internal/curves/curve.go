// Package curves implements the response curves that shape a normalized
// zone input into a parameter value. Every curve is a pure function of its
// input and, for slow_drift, a phase owned by the caller.
package curves

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/monitoring"
)

// Shape defaults, used when the curve document leaves a field unset.
const (
	DefaultLogK      = 9.0
	DefaultDecayK    = 3.0
	DefaultAsymK     = 1.0
	DefaultRate      = 0.05 // cycles per second
	DefaultAmplitude = 0.1
	DefaultThreshold = 0.5
	DefaultExponent  = 2.5
)

// Curve is a resolved response curve.
type Curve struct {
	Type      string
	K         float64
	Rate      float64
	Amplitude float64
	Threshold float64
	Exponent  float64
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// New resolves a curve from its document form.
func New(cfg config.CurveConfig) (Curve, error) {
	c := Curve{
		Type:      cfg.Type,
		Rate:      valueOr(cfg.Rate, DefaultRate),
		Amplitude: valueOr(cfg.Amplitude, DefaultAmplitude),
		Threshold: valueOr(cfg.Threshold, DefaultThreshold),
		Exponent:  valueOr(cfg.Exponent, DefaultExponent),
	}
	switch cfg.Type {
	case config.CurveLogarithmic:
		c.K = valueOr(cfg.K, DefaultLogK)
	case config.CurveExponentialDecay:
		c.K = valueOr(cfg.K, DefaultDecayK)
	case config.CurveAsymptotic:
		c.K = valueOr(cfg.K, DefaultAsymK)
	case config.CurveLinear, config.CurveSlowDrift, config.CurveInvert,
		config.CurveThreshold, config.CurvePower:
	default:
		return Curve{}, fmt.Errorf("unknown curve type %q", cfg.Type)
	}
	if c.K < 0 || c.Exponent <= 0 {
		return Curve{}, fmt.Errorf("curve %s: k and exponent must be positive", cfg.Type)
	}
	return c, nil
}

// MustNew is New for curves known to be valid, such as the built-in fades.
func MustNew(cfg config.CurveConfig) Curve {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Unbounded reports whether the curve accepts inputs above 1.
func (c Curve) Unbounded() bool { return c.Type == config.CurveAsymptotic }

// Stateful reports whether the curve carries a phase between ticks.
func (c Curve) Stateful() bool { return c.Type == config.CurveSlowDrift }

// Domain clamps x into the curve's input domain. ok is false when x had to
// be clamped, which callers count as a range violation.
func (c Curve) Domain(x float64) (float64, bool) {
	switch {
	case math.IsNaN(x):
		return 0, false
	case x < 0:
		return 0, false
	case c.Unbounded():
		return x, !math.IsInf(x, 1)
	case x > 1:
		return 1, false
	}
	return x, true
}

// Eval maps an input to a normalized output in [0, 1]. Inputs outside the
// domain are clamped first. phase is only read by slow_drift.
func (c Curve) Eval(x, phase float64) float64 {
	x, _ = c.Domain(x)
	var y float64
	switch c.Type {
	case config.CurveLinear:
		y = x
	case config.CurveLogarithmic:
		if c.K == 0 {
			y = x
		} else {
			y = math.Log1p(c.K*x) / math.Log1p(c.K)
		}
	case config.CurveExponentialDecay:
		// Falls from 1 at x=0 to 0 at x=1; the output rises steeply as
		// the input approaches 0.
		if c.K == 0 {
			y = 1 - x
		} else {
			e := math.Exp(-c.K)
			y = (math.Exp(-c.K*x) - e) / (1 - e)
		}
	case config.CurveAsymptotic:
		if math.IsInf(x, 1) {
			y = 1
		} else if c.K == 0 {
			y = 1
		} else {
			y = x / (x + c.K)
		}
	case config.CurveSlowDrift:
		y = x + c.Amplitude*math.Sin(2*math.Pi*phase)
	case config.CurveInvert:
		y = 1 - x
	case config.CurveThreshold:
		if x >= c.Threshold {
			y = 1
		}
	case config.CurvePower:
		y = math.Pow(x, c.Exponent)
	}
	return clamp(y, 0, 1)
}

// Advance moves a slow_drift phase forward by dt and wraps it into [0, 1).
func (c Curve) Advance(phase float64, dt time.Duration) float64 {
	if !c.Stateful() {
		return phase
	}
	_, frac := math.Modf(phase + c.Rate*dt.Seconds())
	if frac < 0 {
		frac++
	}
	return frac
}

// Binding is a curve paired with the output range of its parameter binding.
type Binding struct {
	Curve  Curve
	Output [2]float64
}

// NewBinding resolves a binding's curve and range.
func NewBinding(cfg config.BindingConfig) (Binding, error) {
	c, err := New(cfg.Curve)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Curve: c, Output: cfg.Output}, nil
}

// Evaluate shapes x and maps it into the output range. The result always
// lies within the range; clamped inputs are counted as range violations.
func (b Binding) Evaluate(x, phase float64) float64 {
	if _, ok := b.Curve.Domain(x); !ok {
		monitoring.CountFault(monitoring.FaultCurveRangeViolation, 1)
	}
	return MapRange(b.Curve.Eval(x, phase), b.Output)
}

// MapRange maps y in [0, 1] onto out and clamps to it.
func MapRange(y float64, out [2]float64) float64 {
	lo, hi := math.Min(out[0], out[1]), math.Max(out[0], out[1])
	return clamp(out[0]+y*(out[1]-out[0]), lo, hi)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
