package outbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/presence.field/internal/failsafe"
	"github.com/banshee-data/presence.field/internal/monitoring"
)

// Sink consumes frames from a subscription.
type Sink interface {
	Write(frame failsafe.OutputFrame) error
}

// Drain feeds frames from sub into sink until the subscription closes or
// ctx is done. Write errors are logged and do not stop the drain.
func Drain(ctx context.Context, sub *Subscription, sink Sink) error {
	var failures uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := sink.Write(frame); err != nil {
				failures++
				// Log the first failure and then every 100th to keep a dead
				// consumer from flooding the log at tick rate.
				if failures == 1 || failures%100 == 0 {
					monitoring.Logf("[bus] %s: write failed (%d so far): %v", sub.Name, failures, err)
				}
			}
		}
	}
}

// NDJSONSink writes one compact JSON object per line.
type NDJSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewNDJSONSink writes frames to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{enc: json.NewEncoder(w)}
}

// Write encodes one frame followed by a newline.
func (s *NDJSONSink) Write(frame failsafe.OutputFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(frame)
}

// DefaultMQTTOutputTopic is the topic prefix frames are published under.
const DefaultMQTTOutputTopic = "presence/output"

// MQTTPublisher is the part of mqtt.Client the sink needs.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each route of a frame on <topic>/<route> and the whole
// frame on <topic>/frame.
type MQTTSink struct {
	Client  MQTTPublisher
	Topic   string
	QoS     byte
	Timeout time.Duration
}

type routeMessage struct {
	Seq        uint64             `json:"seq"`
	Timestamp  time.Time          `json:"timestamp"`
	Provenance string             `json:"provenance"`
	Mode       failsafe.Mode      `json:"mode"`
	Values     map[string]float64 `json:"values"`
}

// Write publishes the frame. Publishing waits at most Timeout per message
// so a stalled broker only delays this sink's goroutine.
func (s *MQTTSink) Write(frame failsafe.OutputFrame) error {
	topic := s.Topic
	if topic == "" {
		topic = DefaultMQTTOutputTopic
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}

	whole, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := s.publish(topic+"/frame", whole, timeout); err != nil {
		return err
	}
	for route, values := range frame.Routes() {
		payload, err := json.Marshal(routeMessage{
			Seq:        frame.Seq,
			Timestamp:  frame.Timestamp,
			Provenance: frame.Provenance(),
			Mode:       frame.Mode,
			Values:     values,
		})
		if err != nil {
			return err
		}
		if err := s.publish(topic+"/"+route, payload, timeout); err != nil {
			return err
		}
	}
	return nil
}

func (s *MQTTSink) publish(topic string, payload []byte, timeout time.Duration) error {
	token := s.Client.Publish(topic, s.QoS, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timed out after %s", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
