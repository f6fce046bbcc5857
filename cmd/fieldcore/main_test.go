package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/db"
	"github.com/banshee-data/presence.field/internal/monitoring"
)

func TestParseFlags_EnvironmentDefaults(t *testing.T) {
	rt := config.Runtime{VenuePath: "venue.yaml", Listen: ":9000", MQTTTopic: "gallery", LogOps: true}

	opts, err := parseFlags(nil, rt, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "venue.yaml", opts.VenuePath)
	assert.Equal(t, ":9000", opts.Listen)
	assert.Equal(t, "gallery", opts.MQTTTopic)
	assert.True(t, opts.LogOps)
	assert.Equal(t, uint16(7400), opts.PCAPPort)
	assert.Empty(t, opts.SerialInit)
}

func TestParseFlags_FlagsOverride(t *testing.T) {
	rt := config.Runtime{VenuePath: "venue.yaml", Listen: ":9000", LogOps: true}

	opts, err := parseFlags([]string{
		"-venue", "other.json",
		"-listen", "127.0.0.1:8081",
		"-log-ops=false",
		"-serial-init", "STREAM JSON, RATE 30,",
		"-pcap-port", "9000",
		"-simulate",
		"-walkers", "7",
	}, rt, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "other.json", opts.VenuePath)
	assert.Equal(t, "127.0.0.1:8081", opts.Listen)
	assert.False(t, opts.LogOps)
	assert.Equal(t, []string{"STREAM JSON", "RATE 30"}, opts.SerialInit)
	assert.Equal(t, uint16(9000), opts.PCAPPort)
	assert.True(t, opts.Simulate)
	assert.Equal(t, 7, opts.Walkers)
}

func TestParseFlags_Rejects(t *testing.T) {
	rt := config.Runtime{VenuePath: "venue.json", Listen: ":8080"}
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-bogus"}},
		{"positional", []string{"extra"}},
		{"empty venue", []string{"-venue", ""}},
		{"empty listen", []string{"-listen", ""}},
		{"pcap port", []string{"-pcap-port", "70000"}},
		{"push interval", []string{"-push-interval", "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args, rt, io.Discard)
			assert.Error(t, err)
		})
	}
}

func testVenue() *config.VenueConfig {
	cfg := config.DefaultVenue()
	fade := "200ms"
	cfg.Failsafe.BlackoutDuration = &fade
	return cfg
}

func testOptions(t *testing.T) options {
	t.Helper()
	return options{
		Runtime: config.Runtime{
			Listen:   "127.0.0.1:0",
			DBPath:   filepath.Join(t.TempDir(), "journal.db"),
			Simulate: true,
			NDJSON:   true,
		},
		Walkers:      3,
		Seed:         7,
		PushInterval: 50 * time.Millisecond,
	}
}

func quietLogs(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
}

func TestRun_ShutdownOnCancel(t *testing.T) {
	quietLogs(t)
	opts := testOptions(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, run(ctx, testVenue(), opts, nil, &out))

	lines := 0
	scan := bufio.NewScanner(&out)
	for scan.Scan() {
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(scan.Bytes(), &frame))
		assert.Contains(t, frame, "seq")
		lines++
	}
	assert.Greater(t, lines, 5)

	store, err := db.NewDB(opts.DBPath)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.Runs(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "default", runs[0].Venue)
	assert.Equal(t, "shutdown", runs[0].EndReason)

	samples, err := store.FrameSamples(runs[0].RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, samples)
}

func TestRun_PowerLossHalts(t *testing.T) {
	quietLogs(t)
	opts := testOptions(t)
	opts.NDJSON = false

	power := make(chan os.Signal, 1)
	power <- syscall.SIGUSR1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, testVenue(), opts, power, io.Discard))
	require.NoError(t, ctx.Err(), "run should halt on its own after the fade")

	store, err := db.NewDB(opts.DBPath)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.Runs(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "blackout", runs[0].EndReason)

	samples, err := store.FrameSamples(runs[0].RunID)
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	last := samples[len(samples)-1]
	assert.True(t, last.Final)
	assert.Equal(t, "theatrical_blackout", last.Mode)
}
