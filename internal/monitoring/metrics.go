package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "tick_duration_seconds",
		Help:      "Wall time spent in one fusion tick.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.033, 0.05, 0.1},
	})
	trackedBodies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "tracked_bodies",
		Help:      "Bodies held by the fusion tracker after the last tick.",
	})
	failsafeMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "failsafe_mode",
		Help:      "1 for the active failsafe mode, 0 otherwise.",
	}, []string{"mode"})
	sensorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "sensor_state",
		Help:      "1 for the sensor's current health state, 0 otherwise.",
	}, []string{"sensor", "state"})
	framesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "frames_published_total",
		Help:      "Output frames handed to the parameter bus.",
	})
)

func init() {
	prometheus.MustRegister(faultsTotal, tickDuration, trackedBodies, failsafeMode, sensorState, framesPublished)
}

// ObserveTick records the duration and result of one fusion tick.
func ObserveTick(d time.Duration, bodies int) {
	tickDuration.Observe(d.Seconds())
	trackedBodies.Set(float64(bodies))
	framesPublished.Inc()
}

// SetFailsafeMode marks mode as active among the known modes.
func SetFailsafeMode(mode string, known []string) {
	for _, m := range known {
		v := 0.0
		if m == mode {
			v = 1
		}
		failsafeMode.WithLabelValues(m).Set(v)
	}
}

// SetSensorState marks the sensor's current health state among the known states.
func SetSensorState(sensorID, state string, known []string) {
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		sensorState.WithLabelValues(sensorID, s).Set(v)
	}
}
