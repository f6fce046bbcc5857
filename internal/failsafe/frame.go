package failsafe

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Provenance values reported by OutputFrame.Provenance.
const (
	ProvenanceNormal   = "normal"
	ProvenanceFailsafe = "failsafe"
)

// OutputFrame is one resolved parameter set. Frames are composed only by
// Machine.Compose, which is the sole writer of the provenance flag.
type OutputFrame struct {
	Seq        uint64             `json:"seq"`
	Timestamp  time.Time          `json:"timestamp"`
	Values     map[string]float64 `json:"values"`
	Mode       Mode               `json:"mode"`
	Complexity float64            `json:"complexity"`
	Final      bool               `json:"final,omitempty"`

	failsafe bool
}

// Provenance reports whether the frame came from live inputs or from a
// failsafe mode.
func (f OutputFrame) Provenance() string {
	if f.failsafe {
		return ProvenanceFailsafe
	}
	return ProvenanceNormal
}

type frameJSON struct {
	Seq        uint64             `json:"seq"`
	Timestamp  time.Time          `json:"timestamp"`
	Values     map[string]float64 `json:"values"`
	Provenance string             `json:"provenance"`
	Mode       Mode               `json:"mode"`
	Complexity float64            `json:"complexity"`
	Final      bool               `json:"final,omitempty"`
}

// MarshalJSON includes the provenance flag.
func (f OutputFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(frameJSON{
		Seq:        f.Seq,
		Timestamp:  f.Timestamp,
		Values:     f.Values,
		Provenance: f.Provenance(),
		Mode:       f.Mode,
		Complexity: f.Complexity,
		Final:      f.Final,
	})
}

// Names returns the parameter names in sorted order.
func (f OutputFrame) Names() []string {
	names := make([]string, 0, len(f.Values))
	for n := range f.Values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Routes groups values by the dotted prefix of their parameter name, so
// "visual.intensity" lands under "visual" as "intensity". Names without a
// dot are grouped under "default".
func (f OutputFrame) Routes() map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for name, v := range f.Values {
		route, key := "default", name
		if i := strings.IndexByte(name, '.'); i > 0 {
			route, key = name[:i], name[i+1:]
		}
		if out[route] == nil {
			out[route] = make(map[string]float64)
		}
		out[route][key] = v
	}
	return out
}
