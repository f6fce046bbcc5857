package sensor

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

func TestHub_DrainIsOrderedAndLatest(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	hb := &recordingHeartbeat{}
	h := NewHub(testSensors(), clock, hb)

	cloud := EncodePointCloud([]r3.Vector{{X: 1, Z: 1}})
	require.NoError(t, h.Ingest(RawSample{SensorID: "lidar-1", Payload: cloud, Confidence: f64(0.3)}))
	require.NoError(t, h.Ingest(RawSample{SensorID: "lidar-1", Payload: cloud, Confidence: f64(0.6)}))
	require.NoError(t, h.IngestJSON([]byte(`{"sensor_id":"depth-1","payload":{"detections":[]}}`)))

	before := monitoring.FaultCount(monitoring.FaultQueueCoalesced)
	got := h.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "depth-1", got[0].SensorID)
	assert.Equal(t, "lidar-1", got[1].SensorID)
	assert.Equal(t, 0.6, got[1].Confidence, "newest reading wins")
	assert.Equal(t, before+1, monitoring.FaultCount(monitoring.FaultQueueCoalesced))

	assert.Empty(t, h.Drain(), "drain empties every queue")
	require.Len(t, hb.beats, 3)
	assert.Equal(t, epoch, hb.beats[0].at)
}

func TestHub_HeartbeatUsesArrivalTime(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	hb := &recordingHeartbeat{}
	h := NewHub(testSensors(), clock, hb)

	stale := float64(epoch.Add(-time.Hour).Unix())
	require.NoError(t, h.Ingest(RawSample{SensorID: "lidar-1", Timestamp: stale, Payload: EncodePointCloud(nil)}))
	require.Len(t, hb.beats, 1)
	assert.Equal(t, epoch, hb.beats[0].at)
	assert.WithinDuration(t, epoch.Add(-time.Hour), h.Drain()[0].Timestamp, 0)
}

func TestHub_RejectsAndCounts(t *testing.T) {
	h := NewHub(testSensors(), timeutil.NewMockClock(epoch), nil)
	before := monitoring.FaultCount(monitoring.FaultReadingRejected)

	assert.ErrorIs(t, h.Ingest(RawSample{SensorID: "ghost", Payload: EncodePointCloud(nil)}), ErrUnknownSensor)
	assert.Error(t, h.IngestJSON([]byte(`{`)))
	h.Push(Reading{SensorID: "ghost"})

	assert.Equal(t, uint64(3), h.Rejected())
	assert.Equal(t, before+3, monitoring.FaultCount(monitoring.FaultReadingRejected))
	assert.Len(t, h.Stats(), 3)
}
