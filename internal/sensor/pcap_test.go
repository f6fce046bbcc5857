package sensor

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.field/internal/timeutil"
)

func writeCapture(t *testing.T, port uint16, payloads [][]byte, gap time.Duration) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	ts := epoch
	for _, p := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IP{10, 0, 0, 2}, DstIP: net.IP{10, 0, 0, 1}}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, eth, ip, udp, gopacket.Payload(p)))
		data := sb.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}, data))
		ts = ts.Add(gap)
	}
	return &buf
}

func TestPCAPSource_ReplayPacedAndFiltered(t *testing.T) {
	sample := []byte(`{"sensor_id":"lidar-1","timestamp":100,"payload":{"points":[]}}`)
	buf := writeCapture(t, 7400, [][]byte{sample, sample, sample}, 100*time.Millisecond)

	clock := timeutil.NewMockClock(epoch)
	sink := &recordingSink{}
	src := &PCAPSource{Port: 7400, Speed: 2, Restamp: true, Sink: sink, Clock: clock}

	n, err := src.replay(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, clock.Sleeps())
	require.Len(t, sink.raws, 3)
	assert.Zero(t, sink.raws[0].Timestamp, "restamped for arrival time")
}

func TestPCAPSource_SkipsOtherPorts(t *testing.T) {
	buf := writeCapture(t, 9999, [][]byte{[]byte(`{}`)}, 0)
	sink := &recordingSink{}
	src := &PCAPSource{Port: 7400, Sink: sink}
	n, err := src.replay(context.Background(), buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPCAPSource_MissingFile(t *testing.T) {
	src := &PCAPSource{Path: "/nonexistent/capture.pcap", Sink: &recordingSink{}}
	_, err := src.Run(context.Background())
	assert.Error(t, err)
}
