package sensor

import (
	"context"
	"encoding/json"
	"strings"
)

// LineSubscriber is the subset of a serial multiplexer a source needs.
type LineSubscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// SerialSource reads JSON lines from a serial multiplexer subscription,
// typically a touch-array controller. Lines lacking a sensor id are
// attributed to SensorID.
type SerialSource struct {
	SensorID string
	Kind     ReadingKind
	Mux      LineSubscriber
	Sink     Ingester
}

// Run consumes lines until ctx is cancelled or the multiplexer closes the
// subscription, which is how a port disconnect is observed.
func (s *SerialSource) Run(ctx context.Context) error {
	id, lines := s.Mux.Subscribe()
	defer s.Mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			s.handle(line)
		}
	}
}

func (s *SerialSource) handle(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return
	}
	var raw RawSample
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		_ = s.Sink.IngestJSON([]byte(line)) // counted as a rejection
		return
	}
	if raw.SensorID == "" {
		raw.SensorID = s.SensorID
	}
	if raw.Kind == "" {
		raw.Kind = s.Kind
	}
	_ = s.Sink.Ingest(raw)
}
