package outbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/failsafe"
)

func TestGRPCServer_StreamsFrames(t *testing.T) {
	bus := New()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewGRPCServer(bus, config.DropOldest, 4).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := OpenFrameStream(ctx, conn)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(bus.Stats()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ts := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	bus.Publish(failsafe.OutputFrame{
		Seq:        3,
		Timestamp:  ts,
		Values:     map[string]float64{"visual.intensity": 0.75},
		Mode:       failsafe.Normal,
		Complexity: 1,
	})

	msg, err := stream.Recv()
	require.NoError(t, err)
	fields := msg.AsMap()
	assert.Equal(t, 3.0, fields["seq"])
	assert.Equal(t, "2026-03-01T20:00:00Z", fields["timestamp"])
	assert.Equal(t, failsafe.ProvenanceNormal, fields["provenance"])
	assert.Equal(t, "normal", fields["mode"])
	assert.Equal(t, map[string]interface{}{"visual.intensity": 0.75}, fields["values"])

	cancel()
	assert.Eventually(t, func() bool { return len(bus.Stats()) == 0 }, 2*time.Second, 5*time.Millisecond,
		"a disconnected client releases its subscription")
}
