// Package resolver combines the contributions of every zone and body to
// each declared parameter with the parameter's configured reducer.
package resolver

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/presence.field/internal/config"
)

// Contribution is one binding's shaped value for a parameter.
type Contribution struct {
	Parameter  string  `json:"parameter"`
	ZoneID     string  `json:"zone_id"`
	Binding    int     `json:"binding"`
	Priority   int     `json:"priority"`
	BodyID     string  `json:"body_id,omitempty"`
	BodySeq    uint64  `json:"body_seq,omitempty"`
	Confidence float64 `json:"confidence"`
	Value      float64 `json:"value"`
	Synthetic  bool    `json:"synthetic,omitempty"`
}

// Resolution explains how a parameter value was reached.
type Resolution struct {
	Parameter    string  `json:"parameter"`
	Reducer      string  `json:"reducer"`
	Value        float64 `json:"value"`
	Contributors int     `json:"contributors"`
	Rest         bool    `json:"rest,omitempty"`
	Winner       string  `json:"winner,omitempty"` // zone[/body] that decided a max reduction
}

// Resolver reduces contributions per declared parameter.
type Resolver struct {
	params []config.ParameterConfig
	index  map[string]int
}

// New creates a resolver for the declared parameters.
func New(params []config.ParameterConfig) (*Resolver, error) {
	r := &Resolver{index: make(map[string]int, len(params))}
	for _, p := range params {
		switch p.Reducer {
		case config.ReduceSumClamp, config.ReduceMax, config.ReduceWeightedAverage:
		default:
			return nil, fmt.Errorf("parameter %s: unknown reducer %q", p.Name, p.Reducer)
		}
		r.index[p.Name] = len(r.params)
		r.params = append(r.params, p)
	}
	return r, nil
}

// Less orders contributions by zone priority (highest first), zone id,
// binding index and body sequence. It is total, so reduction never depends
// on the order contributions were produced in.
func Less(a, b Contribution) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.ZoneID != b.ZoneID {
		return a.ZoneID < b.ZoneID
	}
	if a.Binding != b.Binding {
		return a.Binding < b.Binding
	}
	if a.BodySeq != b.BodySeq {
		return a.BodySeq < b.BodySeq
	}
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.Confidence < b.Confidence
}

// Resolve returns a value for every declared parameter. Parameters with no
// contributions take their rest value.
func (r *Resolver) Resolve(contribs []Contribution) (map[string]float64, []Resolution) {
	grouped := make([][]Contribution, len(r.params))
	for _, c := range contribs {
		if i, ok := r.index[c.Parameter]; ok {
			grouped[i] = append(grouped[i], c)
		}
	}

	values := make(map[string]float64, len(r.params))
	res := make([]Resolution, 0, len(r.params))
	for i, p := range r.params {
		cs := grouped[i]
		sort.Slice(cs, func(a, b int) bool { return Less(cs[a], cs[b]) })
		rs := reduce(p, cs)
		values[p.Name] = rs.Value
		res = append(res, rs)
	}
	return values, res
}

func reduce(p config.ParameterConfig, cs []Contribution) Resolution {
	rs := Resolution{Parameter: p.Name, Reducer: p.Reducer, Contributors: len(cs)}
	if len(cs) == 0 {
		rs.Value, rs.Rest = p.GetRest(), true
		return rs
	}
	switch p.Reducer {
	case config.ReduceSumClamp:
		sum := 0.0
		for _, c := range cs {
			sum += c.Value
		}
		rs.Value = sum
	case config.ReduceMax:
		best := 0
		for i, c := range cs {
			if c.Value > cs[best].Value {
				best = i
			}
		}
		rs.Value = cs[best].Value
		rs.Winner = cs[best].ZoneID
		if cs[best].BodyID != "" {
			rs.Winner += "/" + cs[best].BodyID
		}
	case config.ReduceWeightedAverage:
		var num, den, sum float64
		for _, c := range cs {
			num += c.Confidence * c.Value
			den += c.Confidence
			sum += c.Value
		}
		if den > 0 {
			rs.Value = num / den
		} else {
			rs.Value = sum / float64(len(cs))
		}
	}
	rs.Value = math.Max(p.Min, math.Min(p.Max, rs.Value))
	return rs
}

// Parameters returns the declared parameters in declaration order.
func (r *Resolver) Parameters() []config.ParameterConfig { return r.params }
