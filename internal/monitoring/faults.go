package monitoring

import (
	"sort"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// FaultKind names a runtime fault class. Faults are counted for diagnostics
// and never terminate the process.
type FaultKind string

const (
	FaultSensorTimeout        FaultKind = "sensor_timeout"
	FaultAssociationAmbiguity FaultKind = "association_ambiguity"
	FaultCurveRangeViolation  FaultKind = "curve_range_violation"
	FaultOutputBackpressure   FaultKind = "output_bus_backpressure"
	FaultReadingRejected      FaultKind = "reading_rejected"
	FaultQueueCoalesced       FaultKind = "queue_coalesced"
)

// AllFaultKinds lists every fault class in reporting order.
var AllFaultKinds = []FaultKind{
	FaultSensorTimeout,
	FaultAssociationAmbiguity,
	FaultCurveRangeViolation,
	FaultOutputBackpressure,
	FaultReadingRejected,
	FaultQueueCoalesced,
}

var (
	faultCounts = map[FaultKind]*atomic.Uint64{}

	faultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "faults_total",
		Help:      "Runtime faults observed by the fusion core, by kind.",
	}, []string{"kind"})
)

func init() {
	for _, k := range AllFaultKinds {
		faultCounts[k] = new(atomic.Uint64)
		faultsTotal.WithLabelValues(string(k))
	}
}

// CountFault records n occurrences of a fault. Unknown kinds are still
// exported to Prometheus but are not part of the in-process snapshot.
func CountFault(kind FaultKind, n int) {
	if n <= 0 {
		return
	}
	if c, ok := faultCounts[kind]; ok {
		c.Add(uint64(n))
	}
	faultsTotal.WithLabelValues(string(kind)).Add(float64(n))
}

// FaultCount returns the number of faults of the given kind since start.
func FaultCount(kind FaultKind) uint64 {
	if c, ok := faultCounts[kind]; ok {
		return c.Load()
	}
	return 0
}

// Faults returns a snapshot of every fault counter keyed by kind.
func Faults() map[string]uint64 {
	out := make(map[string]uint64, len(faultCounts))
	for k, c := range faultCounts {
		out[string(k)] = c.Load()
	}
	return out
}

// FaultKinds returns the kinds with a non-zero count, sorted.
func FaultKinds() []string {
	var kinds []string
	for k, c := range faultCounts {
		if c.Load() > 0 {
			kinds = append(kinds, string(k))
		}
	}
	sort.Strings(kinds)
	return kinds
}
