package sensor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

// PCAPSource replays captured sensor datagrams from a pcap file. Each UDP
// payload on Port is one JSON RawSample. Replay is paced by the capture
// timestamps scaled by Speed; Speed <= 0 replays as fast as possible.
type PCAPSource struct {
	Path  string
	Port  uint16
	Speed float64
	// Restamp discards driver timestamps so readings are stamped on
	// arrival, which keeps old captures inside the health timeout.
	Restamp bool
	Sink    Ingester
	Clock   timeutil.Clock
}

// Run replays the capture until EOF or ctx cancellation and returns the
// number of datagrams ingested.
func (s *PCAPSource) Run(ctx context.Context) (int, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open pcap file %s: %w", s.Path, err)
	}
	defer f.Close()
	return s.replay(ctx, f)
}

func (s *PCAPSource) replay(ctx context.Context, r io.Reader) (int, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read pcap header: %w", err)
	}
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	var (
		count    int
		lastCapt time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			monitoring.Logf("[pcap] replay of %s complete: %d samples", s.Path, count)
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("pcap read: %w", err)
		}

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if s.Port != 0 && uint16(udp.DstPort) != s.Port {
			continue
		}

		if s.Speed > 0 && !lastCapt.IsZero() {
			if gap := ci.Timestamp.Sub(lastCapt); gap > 0 {
				clock.Sleep(time.Duration(float64(gap) / s.Speed))
			}
		}
		lastCapt = ci.Timestamp

		if s.Restamp {
			raw, err := restamp(udp.Payload)
			if err != nil {
				_ = s.Sink.IngestJSON(udp.Payload)
				continue
			}
			_ = s.Sink.Ingest(raw)
		} else {
			_ = s.Sink.IngestJSON(append([]byte(nil), udp.Payload...))
		}
		count++
	}
}
