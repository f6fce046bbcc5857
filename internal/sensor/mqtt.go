package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/presence.field/internal/monitoring"
)

// DefaultMQTTTopic is the wildcard topic drivers publish readings on; the
// single-level wildcard is the sensor id.
const DefaultMQTTTopic = "sensors/+/reading"

// MQTTSource subscribes to driver readings on an MQTT broker. The paho
// client invokes the handler on its own goroutine, so ingestion never
// shares a thread with the fusion tick.
type MQTTSource struct {
	Client mqtt.Client
	Topic  string
	QoS    byte
	Sink   Ingester
}

// Run subscribes and blocks until ctx is cancelled.
func (s *MQTTSource) Run(ctx context.Context) error {
	topic := s.Topic
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	token := s.Client.Subscribe(topic, s.QoS, s.handle)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	monitoring.Logf("[mqtt] subscribed to %s", topic)

	<-ctx.Done()
	if t := s.Client.Unsubscribe(topic); t.Wait() && t.Error() != nil {
		monitoring.Logf("[mqtt] unsubscribe %s: %v", topic, t.Error())
	}
	return nil
}

func (s *MQTTSource) handle(_ mqtt.Client, msg mqtt.Message) {
	var raw RawSample
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		_ = s.Sink.IngestJSON(msg.Payload())
		return
	}
	if raw.SensorID == "" {
		raw.SensorID = sensorFromTopic(msg.Topic())
	}
	_ = s.Sink.Ingest(raw)
}

// sensorFromTopic extracts the id from topics shaped like sensors/<id>/reading.
func sensorFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 && parts[0] == "sensors" {
		return parts[1]
	}
	return ""
}
