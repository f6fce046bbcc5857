package sensor

import (
	"sync"
	"time"

	"github.com/banshee-data/presence.field/internal/config"
)

var epoch = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu   sync.Mutex
	raws []RawSample
	json [][]byte
}

func (s *recordingSink) Ingest(raw RawSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raws = append(s.raws, raw)
	return nil
}

func (s *recordingSink) IngestJSON(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.json = append(s.json, append([]byte(nil), data...))
	return nil
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raws), len(s.json)
}

type heartbeat struct {
	id   string
	conf float64
	at   time.Time
}

type recordingHeartbeat struct {
	mu    sync.Mutex
	beats []heartbeat
}

func (h *recordingHeartbeat) Heartbeat(id string, conf float64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats = append(h.beats, heartbeat{id, conf, at})
}

func testSensors() []config.SensorConfig {
	return []config.SensorConfig{
		{ID: "depth-1", Kind: config.SensorDepthCamera, Extrinsics: config.Extrinsics{Position: config.Vec3{5, 2.5, 0}, FOV: 90}},
		{ID: "lidar-1", Kind: config.SensorLidar, Extrinsics: config.Extrinsics{Position: config.Vec3{0, 0.5, 5}, Yaw: 90}},
		{ID: "floor", Kind: config.SensorTouchArray, Touch: &config.TouchGeometry{Rows: 4, Cols: 4, CellPitch: 0.5, Threshold: 0.3}},
	}
}

func f64(v float64) *float64 { return &v }
