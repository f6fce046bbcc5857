package resolver

import "github.com/banshee-data/presence.field/internal/config"

// Smoother eases parameters that declare a smoothing weight toward each
// newly resolved value with an exponential moving average. Others pass
// through untouched. It is owned by the fusion tick.
type Smoother struct {
	alpha map[string]float64
	prev  map[string]float64
}

// NewSmoother returns a smoother for the parameters with a weight below 1.
func NewSmoother(params []config.ParameterConfig) *Smoother {
	s := &Smoother{alpha: make(map[string]float64), prev: make(map[string]float64)}
	for _, p := range params {
		if a := p.GetSmoothing(); a > 0 && a < 1 {
			s.alpha[p.Name] = a
		}
	}
	return s
}

// Apply smooths values in place and returns them. The first value of a
// parameter is taken as is. Each result lies between the previous output
// and the new value, so parameter ranges hold.
func (s *Smoother) Apply(values map[string]float64) map[string]float64 {
	for name, a := range s.alpha {
		v, ok := values[name]
		if !ok {
			continue
		}
		if p, seen := s.prev[name]; seen {
			v = p + a*(v-p)
		}
		values[name] = v
		s.prev[name] = v
	}
	return values
}

// Reset forgets every previous output.
func (s *Smoother) Reset() {
	clear(s.prev)
}
