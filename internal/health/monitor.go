// Package health classifies every sensor as nominal, degraded or lost from
// the heartbeats the ingestion hub sends for each accepted reading. Checks
// run on their own ticker so a stalled fusion tick cannot hide a timeout.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

// State is the health classification of one sensor.
type State string

const (
	Nominal  State = "nominal"
	Degraded State = "degraded"
	Lost     State = "lost"
)

// States lists every state, for metric labels.
var States = []string{string(Nominal), string(Degraded), string(Lost)}

// maxPendingEvents bounds the event backlog if nobody drains it.
const maxPendingEvents = 1024

// Event records one sensor state transition.
type Event struct {
	SensorID string    `json:"sensor_id"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason"`
}

// SensorHealth is a point-in-time view of one sensor.
type SensorHealth struct {
	SensorID            string    `json:"sensor_id"`
	Kind                string    `json:"kind"`
	Tracking            bool      `json:"tracking"`
	Capabilities        []string  `json:"capabilities"`
	State               State     `json:"state"`
	Since               time.Time `json:"since"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	GoodStreak          int       `json:"good_streak"`
	LastReading         time.Time `json:"last_reading"`
	LastGoodReading     time.Time `json:"last_good_reading"`
	LastConfidence      float64   `json:"last_confidence"`
}

type sensorState struct {
	SensorHealth
	expectedRate float64
	maxGap       time.Duration

	windowStart time.Time
	windowCount int
	windowConf  float64
}

// Monitor tracks the health of every configured sensor. Heartbeat is
// called from ingestion goroutines; Check from the watchdog; DrainEvents
// and Snapshot from the fusion tick. All are safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	clock   timeutil.Clock
	sensors map[string]*sensorState
	order   []string
	events  []Event

	lostTimeout     time.Duration
	silenceTimeout  time.Duration
	window          time.Duration
	checkInterval   time.Duration
	degradedWindows int
	recovery        int
	minConfidence   float64
	minRateFraction float64
}

// NewMonitor creates a monitor for the configured sensors. Every sensor
// starts nominal with its last reading set to the construction time, so a
// sensor that never reports is marked lost after the timeout.
func NewMonitor(sensors []config.SensorConfig, tuning config.HealthTuning, clock timeutil.Clock) *Monitor {
	now := clock.Now()
	m := &Monitor{
		clock:           clock,
		sensors:         make(map[string]*sensorState, len(sensors)),
		lostTimeout:     tuning.GetLostTimeout(),
		silenceTimeout:  tuning.GetSilenceTimeout(),
		window:          tuning.GetWindow(),
		checkInterval:   tuning.GetCheckInterval(),
		degradedWindows: tuning.GetDegradedWindows(),
		recovery:        tuning.GetRecoveryReadings(),
		minConfidence:   tuning.GetMinConfidence(),
		minRateFraction: tuning.GetMinRateFraction(),
	}
	for _, sc := range sensors {
		rate := sc.GetExpectedRate()
		s := &sensorState{
			SensorHealth: SensorHealth{
				SensorID:     sc.ID,
				Kind:         sc.Kind,
				Tracking:     sc.GetTracking(),
				Capabilities: sc.GetCapabilities(),
				State:        Nominal,
				Since:        now,
				LastReading:  now,
			},
			expectedRate: rate,
			maxGap:       time.Duration(float64(time.Second) / (rate * m.minRateFraction)),
			windowStart:  now,
		}
		m.sensors[sc.ID] = s
		m.order = append(m.order, sc.ID)
		monitoring.SetSensorState(sc.ID, string(Nominal), States)
	}
	sort.Strings(m.order)
	return m
}

// Heartbeat records one accepted reading. A reading is good when its
// confidence meets the minimum and it arrived within the tolerated gap of
// the previous one; enough consecutive good readings recover a degraded or
// lost sensor.
func (m *Monitor) Heartbeat(sensorID string, confidence float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[sensorID]
	if !ok {
		return
	}

	gap := at.Sub(s.LastReading)
	if confidence >= m.minConfidence {
		if s.GoodStreak > 0 && gap > s.maxGap {
			s.GoodStreak = 1
		} else {
			s.GoodStreak++
		}
		s.LastGoodReading = at
	} else {
		s.GoodStreak = 0
	}
	if at.After(s.LastReading) {
		s.LastReading = at
	}
	s.LastConfidence = confidence
	s.windowCount++
	s.windowConf += confidence

	if s.State != Nominal && s.GoodStreak >= m.recovery {
		s.ConsecutiveFailures = 0
		s.windowStart, s.windowCount, s.windowConf = at, 0, 0
		m.transition(s, Nominal, at, fmt.Sprintf("%d consecutive good readings", s.GoodStreak))
	}
}

// Check evaluates timeouts and closes any quality window that has elapsed.
// A nominal sensor silent for longer than the silence timeout (or two
// expected periods, whichever is longer) is degraded at once; the quality
// windows only catch sensors that still report, but too rarely or poorly.
func (m *Monitor) Check(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		s := m.sensors[id]

		silent := now.Sub(s.LastReading)
		if silent >= m.lostTimeout {
			if s.State != Lost {
				s.GoodStreak = 0
				monitoring.CountFault(monitoring.FaultSensorTimeout, 1)
				m.transition(s, Lost, now, fmt.Sprintf("no data for %v", silent.Round(time.Millisecond)))
			}
			s.windowStart, s.windowCount, s.windowConf = now, 0, 0
			continue
		}
		if s.State == Nominal && silent >= max(m.silenceTimeout, s.maxGap) {
			s.GoodStreak = 0
			s.ConsecutiveFailures++
			m.transition(s, Degraded, now, fmt.Sprintf("silent for %v", silent.Round(time.Millisecond)))
			s.windowStart, s.windowCount, s.windowConf = now, 0, 0
			continue
		}

		elapsed := now.Sub(s.windowStart)
		if elapsed < m.window {
			continue
		}
		reason := m.windowProblem(s, elapsed)
		s.windowStart, s.windowCount, s.windowConf = now, 0, 0
		if reason == "" {
			s.ConsecutiveFailures = 0
			continue
		}
		s.ConsecutiveFailures++
		s.GoodStreak = 0
		if s.State == Nominal && s.ConsecutiveFailures >= m.degradedWindows {
			m.transition(s, Degraded, now, fmt.Sprintf("%s for %d windows", reason, s.ConsecutiveFailures))
		}
	}
}

// windowProblem describes why a closed window is bad, or returns "".
func (m *Monitor) windowProblem(s *sensorState, elapsed time.Duration) string {
	if s.windowCount == 0 {
		return "no readings"
	}
	if mean := s.windowConf / float64(s.windowCount); mean < m.minConfidence {
		return fmt.Sprintf("confidence %.2f below %.2f", mean, m.minConfidence)
	}
	rate := float64(s.windowCount) / elapsed.Seconds()
	if want := s.expectedRate * m.minRateFraction; rate < want {
		return fmt.Sprintf("rate %.1fHz below %.1fHz", rate, want)
	}
	return ""
}

func (m *Monitor) transition(s *sensorState, to State, at time.Time, reason string) {
	ev := Event{SensorID: s.SensorID, From: s.State, To: to, At: at, Reason: reason}
	s.State = to
	s.Since = at
	if len(m.events) >= maxPendingEvents {
		m.events = m.events[1:]
	}
	m.events = append(m.events, ev)
	monitoring.SetSensorState(s.SensorID, string(to), States)
	monitoring.Logf("[health] sensor %s %s -> %s: %s", ev.SensorID, ev.From, ev.To, reason)
}

// Watch runs Check on the monitor's own ticker until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context) {
	t := m.clock.NewTicker(m.checkInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C():
			m.Check(now)
		}
	}
}

// DrainEvents returns and clears the pending transitions in the order they
// happened.
func (m *Monitor) DrainEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.events
	m.events = nil
	return out
}

// Snapshot returns the health of every sensor ordered by id.
func (m *Monitor) Snapshot() []SensorHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SensorHealth, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sensors[id].SensorHealth)
	}
	return out
}

// State returns the current state of a sensor.
func (m *Monitor) State(sensorID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sensors[sensorID]
	if !ok {
		return "", false
	}
	return s.State, true
}
