package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/db"
	"github.com/banshee-data/presence.field/internal/engine"
	"github.com/banshee-data/presence.field/internal/httputil"
	"github.com/banshee-data/presence.field/internal/outbus"
	"github.com/banshee-data/presence.field/internal/sensor"
	"github.com/banshee-data/presence.field/internal/serialmux"
	"github.com/banshee-data/presence.field/internal/telemetry"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

const (
	journalBuffer   = 256
	shutdownTimeout = 2 * time.Second
)

// run wires sources, engine, sinks, telemetry and the journal, and blocks
// until ctx is done or the engine halts after a blackout.
//
// Shutdown order matters: the engine stops first, then the bus is closed so
// every sink drains its last frames (the final blackout frame included),
// and only then are sources and the HTTP server stopped.
func run(ctx context.Context, cfg *config.VenueConfig, opts options, power <-chan os.Signal, stdout io.Writer) error {
	runID := uuid.NewString()

	var (
		store   *db.DB
		journal *db.Journal
		deps    engine.Deps
	)
	if opts.DBPath != "" {
		var err error
		store, err = db.NewDB(opts.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open run journal: %w", err)
		}
		defer store.Close()
		if err := store.StartRun(runID, cfg.Name, time.Now(), cfg); err != nil {
			return fmt.Errorf("failed to start run: %w", err)
		}
		journal = db.NewJournal(store, runID, journalBuffer)
		deps.Journal = journal
		log.Printf("run %s journaled to %s", runID, opts.DBPath)
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	bus := eng.Bus()
	defer bus.Close()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var (
		sources   sync.WaitGroup
		consumers sync.WaitGroup
		fatal     = make(chan error, 1)
	)
	fail := func(err error) {
		select {
		case fatal <- err:
		default:
		}
		cancelRun()
	}
	drain := func(name, policy string, buffer int, sink outbus.Sink) error {
		sub, err := bus.Subscribe(name, policy, buffer)
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", name, err)
		}
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			// Drains end when the bus closes, never on ctx.
			_ = outbus.Drain(context.Background(), sub, sink)
			log.Printf("%s sink stopped", name)
		}()
		return nil
	}

	// Consumers.
	if journal != nil {
		sub, err := bus.Subscribe("journal", config.DropOldest, journalBuffer)
		if err != nil {
			return err
		}
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			journal.Run(context.Background(), sub.C())
			if n := journal.Dropped(); n > 0 {
				log.Printf("journal dropped %d events", n)
			}
		}()
	}
	if opts.NDJSON {
		if err := drain("ndjson", cfg.Output.GetPolicy(), cfg.Output.GetBuffer(), outbus.NewNDJSONSink(stdout)); err != nil {
			return err
		}
	}

	var mqttClient mqtt.Client
	if opts.MQTTBroker != "" {
		mqttClient, err = connectMQTT(opts.MQTTBroker, opts.MQTTClientID)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)
		sink := &outbus.MQTTSink{Client: mqttClient, Topic: opts.MQTTTopic}
		if err := drain("mqtt", cfg.Output.GetPolicy(), cfg.Output.GetBuffer(), sink); err != nil {
			return err
		}
	}

	var grpcServer *grpc.Server
	if opts.GRPCListen != "" {
		lis, err := net.Listen("tcp", opts.GRPCListen)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC on %s: %w", opts.GRPCListen, err)
		}
		grpcServer = grpc.NewServer()
		outbus.NewGRPCServer(bus, cfg.Output.GetPolicy(), cfg.Output.GetBuffer()).Register(grpcServer)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			log.Printf("gRPC frame stream listening on %s", lis.Addr())
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				fail(fmt.Errorf("gRPC server: %w", err))
			}
		}()
	}

	// Sources.
	hub := eng.Hub()
	start := func(name string, fn func(context.Context) error) {
		sources.Add(1)
		go func() {
			defer sources.Done()
			if err := fn(runCtx); err != nil && runCtx.Err() == nil {
				// A dead source is not fatal; its sensors go quiet and the
				// health monitor reports them lost.
				log.Printf("%s source stopped: %v", name, err)
				return
			}
			log.Printf("%s source terminated", name)
		}()
	}

	enabled := 0
	if opts.UDPListen != "" {
		enabled++
		udp := sensor.NewUDPSource(sensor.UDPSourceConfig{Address: opts.UDPListen, Sink: hub})
		start("udp", udp.Start)
	}

	var serialMux *serialmux.SerialMux[serialPort]
	if opts.SerialPort != "" {
		enabled++
		serialMux, err = openSerial(opts)
		if err != nil {
			return err
		}
		defer serialMux.Close()
		start("serial monitor", serialMux.Monitor)
		src := &sensor.SerialSource{SensorID: opts.SerialSensor, Mux: serialMux, Sink: hub}
		start("serial", src.Run)
	}

	if mqttClient != nil {
		enabled++
		src := &sensor.MQTTSource{Client: mqttClient, Sink: hub}
		start("mqtt", src.Run)
	}

	if opts.PCAPFile != "" {
		enabled++
		replay := &sensor.PCAPSource{
			Path:    opts.PCAPFile,
			Port:    opts.PCAPPort,
			Speed:   opts.PCAPSpeed,
			Restamp: true,
			Sink:    hub,
			Clock:   timeutil.RealClock{},
		}
		start("pcap", func(ctx context.Context) error {
			n, err := replay.Run(ctx)
			log.Printf("pcap replay ingested %d datagrams", n)
			return err
		})
	}

	if opts.Simulate {
		enabled++
		sim := sensor.NewSimulator(cfg, hub, sensor.SimOptions{Walkers: opts.Walkers, Noise: 0.03, Seed: opts.Seed})
		start("simulator", func(ctx context.Context) error {
			return sim.Run(ctx, timeutil.RealClock{}, cfg.GetTickInterval())
		})
	}
	if enabled == 0 {
		log.Printf("warning: no sensor source enabled; every sensor will be reported lost")
	}

	// Telemetry and debug routes share one mux.
	mux := telemetry.NewServer(eng, opts.PushInterval).ServeMux()
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			return fmt.Errorf("failed to attach journal routes: %w", err)
		}
	}
	if serialMux != nil {
		serialMux.AttachAdminRoutes(mux)
	}
	server := &http.Server{
		Addr:              opts.Listen,
		Handler:           httputil.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	sources.Add(1)
	go func() {
		defer sources.Done()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail(fmt.Errorf("failed to start server: %w", err))
		}
	}()

	sources.Add(1)
	go func() {
		defer sources.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case sig := <-power:
				log.Printf("received %s: power loss", sig)
				eng.PowerLoss()
			}
		}
	}()

	log.Printf("fieldcore %q running: http=%s sources=%d", cfg.Name, opts.Listen, enabled)
	runErr := eng.Run(runCtx)

	reason := "shutdown"
	switch {
	case errors.Is(runErr, engine.ErrHalted):
		reason = "blackout"
		runErr = nil
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		runErr = nil
	default:
		reason = "error"
	}
	select {
	case err := <-fatal:
		reason = "error"
		runErr = err
	default:
	}
	log.Printf("engine stopped (%s); draining sinks", reason)

	bus.Close()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	consumers.Wait()

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	sources.Wait()

	if store != nil {
		if err := store.EndRun(runID, time.Now(), reason); err != nil {
			log.Printf("failed to end run %s: %v", runID, err)
		}
	}
	return runErr
}

func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	mqttOpts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second).
		SetOrderMatters(false)
	mqttOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt connection lost: %v", err)
	})
	client := mqtt.NewClient(mqttOpts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, err)
	}
	log.Printf("connected to MQTT broker %s as %s", broker, clientID)
	return client, nil
}
