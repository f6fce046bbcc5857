package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/engine"
	"github.com/banshee-data/presence.field/internal/version"
)

// options are the process settings after flags have been applied over the
// environment.
type options struct {
	config.Runtime

	SerialOptions string
	SerialInit    []string
	PCAPPort      uint16
	PCAPSpeed     float64
	Walkers       int
	Seed          int64
	PushInterval  time.Duration
	ShowVersion   bool
}

// parseFlags applies command-line flags over rt. Environment values become
// the flag defaults so an explicit flag always wins.
func parseFlags(args []string, rt config.Runtime, stderr io.Writer) (options, error) {
	opts := options{Runtime: rt}
	fs := flag.NewFlagSet("fieldcore", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.VenuePath, "venue", rt.VenuePath, "Path to the venue document (.json, .yaml or .yml)")
	fs.StringVar(&opts.Listen, "listen", rt.Listen, "HTTP listen address for telemetry and debug routes")
	fs.StringVar(&opts.GRPCListen, "grpc-listen", rt.GRPCListen, "gRPC listen address for the frame stream (empty disables)")
	fs.StringVar(&opts.DBPath, "db", rt.DBPath, "Path to the SQLite run journal (empty disables)")
	fs.StringVar(&opts.UDPListen, "udp-listen", rt.UDPListen, "UDP address for driver datagrams (empty disables)")
	fs.StringVar(&opts.SerialPort, "serial-port", rt.SerialPort, "Serial device of a touch-array controller (empty disables)")
	fs.StringVar(&opts.SerialSensor, "serial-sensor", rt.SerialSensor, "Sensor id for serial lines that carry none")
	fs.StringVar(&opts.SerialOptions, "serial-options", "", "Serial port options as baud[,databits[,parity[,stopbits]]]")
	serialInit := fs.String("serial-init", "", "Comma-separated commands sent to the controller on start")
	fs.StringVar(&opts.MQTTBroker, "mqtt-broker", rt.MQTTBroker, "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables)")
	fs.StringVar(&opts.MQTTClientID, "mqtt-client-id", rt.MQTTClientID, "MQTT client id")
	fs.StringVar(&opts.MQTTTopic, "mqtt-topic", rt.MQTTTopic, "MQTT topic prefix for output frames")
	fs.StringVar(&opts.PCAPFile, "pcap", rt.PCAPFile, "Replay driver datagrams from a pcap file")
	pcapPort := fs.Uint("pcap-port", 7400, "UDP port of the driver datagrams inside the pcap")
	fs.Float64Var(&opts.PCAPSpeed, "pcap-speed", 1.0, "Replay speed multiplier (0 replays as fast as possible)")
	fs.BoolVar(&opts.Simulate, "simulate", rt.Simulate, "Feed the engine from simulated sensors")
	fs.IntVar(&opts.Walkers, "walkers", 4, "Number of simulated visitors")
	fs.Int64Var(&opts.Seed, "seed", 1, "Simulator random seed")
	fs.BoolVar(&opts.NDJSON, "ndjson", rt.NDJSON, "Write every output frame to stdout as NDJSON")
	fs.BoolVar(&opts.LogOps, "log-ops", rt.LogOps, "Log sensor loss, failsafe transitions and blackout")
	fs.BoolVar(&opts.LogDiag, "log-diag", rt.LogDiag, "Log tracker and health diagnostics")
	fs.BoolVar(&opts.LogTrace, "log-trace", rt.LogTrace, "Log per-tick telemetry")
	fs.BoolVar(&opts.ShowVersion, "version", false, "Print the version and exit")
	fs.DurationVar(&opts.PushInterval, "push-interval", 100*time.Millisecond, "Websocket telemetry push interval")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.VenuePath == "" {
		return opts, errors.New("venue path is required")
	}
	if opts.Listen == "" {
		return opts, errors.New("listen address is required")
	}
	if *pcapPort == 0 || *pcapPort > 65535 {
		return opts, fmt.Errorf("invalid pcap port %d", *pcapPort)
	}
	opts.PCAPPort = uint16(*pcapPort)
	if opts.PushInterval <= 0 {
		return opts, fmt.Errorf("push interval must be positive, got %s", opts.PushInterval)
	}
	for _, c := range strings.Split(*serialInit, ",") {
		if c = strings.TrimSpace(c); c != "" {
			opts.SerialInit = append(opts.SerialInit, c)
		}
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], config.LoadRuntime(".env"), os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}
	if opts.ShowVersion {
		fmt.Println(version.Get())
		return
	}
	log.Printf("fieldcore %s", version.Get())

	cfg, err := config.LoadVenue(opts.VenuePath)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "venue %s is invalid:\n", opts.VenuePath)
			for _, p := range verr.Problems {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
			os.Exit(2)
		}
		log.Fatalf("failed to load venue: %v", err)
	}

	var ops, diag, trace io.Writer
	if opts.LogOps {
		ops = os.Stderr
	}
	if opts.LogDiag {
		diag = os.Stderr
	}
	if opts.LogTrace {
		trace = os.Stderr
	}
	engine.SetLogWriters(ops, diag, trace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGUSR1 is wired to the UPS monitor and starts the power-loss fade.
	power := make(chan os.Signal, 1)
	signal.Notify(power, syscall.SIGUSR1)
	defer signal.Stop(power)

	if err := run(ctx, cfg, opts, power, os.Stdout); err != nil {
		log.Fatalf("fieldcore: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
