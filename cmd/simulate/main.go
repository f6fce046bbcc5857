// Command simulate runs the fusion core headless against simulated sensors on
// a virtual clock. It prints every frame as NDJSON, or a run summary with the
// achieved tick throughput.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/engine"
	"github.com/banshee-data/presence.field/internal/failsafe"
	"github.com/banshee-data/presence.field/internal/health"
	"github.com/banshee-data/presence.field/internal/monitoring"
	"github.com/banshee-data/presence.field/internal/outbus"
	"github.com/banshee-data/presence.field/internal/sensor"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

var (
	venuePath  = flag.String("venue", config.DefaultVenuePath, "Venue document; empty uses the built-in two-sensor venue")
	duration   = flag.Duration("duration", time.Minute, "Simulated time to run")
	walkers    = flag.Int("walkers", 5, "Number of simulated visitors")
	seed       = flag.Int64("seed", 1, "Random seed")
	noise      = flag.Float64("noise", 0.03, "Position noise standard deviation in metres")
	ndjson     = flag.Bool("ndjson", false, "Print every frame as NDJSON instead of a summary")
	silence    = flag.String("silence", "", "Comma-separated sensor outages as id@from[-to], e.g. depth-1@10s-25s")
	blackoutAt = flag.Duration("blackout-at", 0, "Trigger an operator blackout after this much simulated time")
	verbose    = flag.Bool("v", false, "Log failsafe transitions and sensor events to stderr")
)

// outage silences one sensor over [From, To). A zero To lasts to the end.
type outage struct {
	SensorID string
	From, To time.Duration
}

func parseOutages(s string) ([]outage, error) {
	var out []outage
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, window, ok := strings.Cut(field, "@")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid outage %q: want id@from[-to]", field)
		}
		fromStr, toStr, bounded := strings.Cut(window, "-")
		from, err := time.ParseDuration(fromStr)
		if err != nil {
			return nil, fmt.Errorf("invalid outage start in %q: %w", field, err)
		}
		o := outage{SensorID: id, From: from}
		if bounded {
			if o.To, err = time.ParseDuration(toStr); err != nil {
				return nil, fmt.Errorf("invalid outage end in %q: %w", field, err)
			}
			if o.To <= o.From {
				return nil, fmt.Errorf("invalid outage %q: end must follow start", field)
			}
		}
		out = append(out, o)
	}
	return out, nil
}

func (o outage) active(elapsed time.Duration) bool {
	return elapsed >= o.From && (o.To == 0 || elapsed < o.To)
}

// scenario is one simulated run.
type scenario struct {
	Duration   time.Duration
	Sim        sensor.SimOptions
	Outages    []outage
	BlackoutAt time.Duration
}

// summary describes a finished run.
type summary struct {
	Ticks       int
	Simulated   time.Duration
	Wall        time.Duration
	ModeTicks   map[failsafe.Mode]int
	Transitions []failsafe.Transition
	Health      []health.Event
	MeanBodies  float64
	PeakBodies  int
	Halted      bool
	Last        failsafe.OutputFrame
}

// TicksPerSecond is the wall-clock throughput of the run.
func (s summary) TicksPerSecond() float64 {
	if s.Wall <= 0 {
		return 0
	}
	return float64(s.Ticks) / s.Wall.Seconds()
}

// recorder collects journal events in memory.
type recorder struct {
	health      []health.Event
	transitions []failsafe.Transition
}

func (r *recorder) RecordHealth(ev health.Event)            { r.health = append(r.health, ev) }
func (r *recorder) RecordTransition(tr failsafe.Transition) { r.transitions = append(r.transitions, tr) }

// simulate runs sc against cfg on a mock clock, writing each frame to sink
// when it is non-nil.
func simulate(cfg *config.VenueConfig, sc scenario, sink outbus.Sink) (summary, error) {
	for _, o := range sc.Outages {
		if _, ok := cfg.Sensor(o.SensorID); !ok {
			return summary{}, fmt.Errorf("outage names unknown sensor %q", o.SensorID)
		}
	}

	start := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	rec := &recorder{}
	eng, err := engine.New(cfg, engine.Deps{Clock: clock, Journal: rec})
	if err != nil {
		return summary{}, err
	}
	sim := sensor.NewSimulator(cfg, eng.Hub(), sc.Sim)

	sum := summary{ModeTicks: map[failsafe.Mode]int{}}
	interval := cfg.GetTickInterval()
	bodies := 0
	blackoutSent := false
	wallStart := time.Now()

	for elapsed := interval; elapsed <= sc.Duration; elapsed += interval {
		now := start.Add(elapsed)
		clock.Set(now)
		for _, o := range sc.Outages {
			sim.Silence(o.SensorID, o.active(elapsed))
		}
		if sc.BlackoutAt > 0 && !blackoutSent && elapsed >= sc.BlackoutAt {
			eng.TriggerBlackout(engine.BlackoutOperator)
			blackoutSent = true
		}
		sim.Move(interval)
		sim.Emit(now)
		eng.Health().Check(now)

		frame, err := eng.Step(now)
		if errors.Is(err, engine.ErrHalted) {
			break
		}
		if err != nil {
			return sum, err
		}
		sum.Ticks++
		sum.Simulated = elapsed
		sum.ModeTicks[frame.Mode]++
		sum.Last = frame
		n := len(eng.Bodies())
		bodies += n
		if n > sum.PeakBodies {
			sum.PeakBodies = n
		}
		if sink != nil {
			if err := sink.Write(frame); err != nil {
				return sum, err
			}
		}
		if frame.Final {
			sum.Halted = true
			break
		}
	}

	sum.Wall = time.Since(wallStart)
	if sum.Ticks > 0 {
		sum.MeanBodies = float64(bodies) / float64(sum.Ticks)
	}
	sum.Transitions = rec.transitions
	sum.Health = rec.health
	return sum, nil
}

func printSummary(w io.Writer, cfg *config.VenueConfig, s summary) {
	fmt.Fprintf(w, "venue %s: %d ticks over %s simulated in %s (%.0f ticks/s)\n",
		cfg.Name, s.Ticks, s.Simulated, s.Wall.Round(time.Millisecond), s.TicksPerSecond())
	fmt.Fprintf(w, "bodies: mean %.2f, peak %d\n", s.MeanBodies, s.PeakBodies)
	if s.Halted {
		fmt.Fprintln(w, "output halted after blackout")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nMODE\tTICKS\tSHARE")
	modes := make([]string, 0, len(s.ModeTicks))
	for m := range s.ModeTicks {
		modes = append(modes, string(m))
	}
	sort.Strings(modes)
	for _, m := range modes {
		n := s.ModeTicks[failsafe.Mode(m)]
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", m, n, 100*float64(n)/float64(max(s.Ticks, 1)))
	}

	if len(s.Transitions) > 0 {
		fmt.Fprintln(tw, "\nAT\tTRANSITION\tREASON")
		for _, tr := range s.Transitions {
			fmt.Fprintf(tw, "%s\t%s -> %s\t%s\n", tr.At.Format("15:04:05.000"), tr.From, tr.To, tr.Reason)
		}
	}

	fmt.Fprintln(tw, "\nPARAMETER\tFINAL")
	for _, name := range s.Last.Names() {
		fmt.Fprintf(tw, "%s\t%.3f\n", name, s.Last.Values[name])
	}
	tw.Flush()

	if faults := monitoring.Faults(); len(faults) > 0 {
		fmt.Fprintln(w, "\nfaults:")
		for _, kind := range monitoring.FaultKinds() {
			if n := faults[kind]; n > 0 {
				fmt.Fprintf(w, "  %s: %d\n", kind, n)
			}
		}
	}
}

func main() {
	flag.Parse()

	var cfg *config.VenueConfig
	if *venuePath == "" {
		cfg = config.DefaultVenue()
	} else {
		var err error
		if cfg, err = config.LoadVenue(*venuePath); err != nil {
			log.Fatalf("failed to load venue: %v", err)
		}
	}
	outages, err := parseOutages(*silence)
	if err != nil {
		log.Fatal(err)
	}
	if *duration <= 0 {
		log.Fatal("duration must be positive")
	}

	if *verbose {
		engine.SetLogWriters(os.Stderr, os.Stderr, nil)
	} else {
		monitoring.SetLogger(nil)
		engine.SetLogWriters(nil, nil, nil)
	}

	var sink outbus.Sink
	if *ndjson {
		sink = outbus.NewNDJSONSink(os.Stdout)
	}
	sum, err := simulate(cfg, scenario{
		Duration:   *duration,
		Sim:        sensor.SimOptions{Walkers: *walkers, Noise: *noise, Seed: *seed},
		Outages:    outages,
		BlackoutAt: *blackoutAt,
	}, sink)
	if err != nil {
		log.Fatalf("simulation failed: %v", err)
	}
	if *ndjson {
		log.Printf("%d frames in %s (%.0f ticks/s)", sum.Ticks, sum.Wall.Round(time.Millisecond), sum.TicksPerSecond())
		return
	}
	printSummary(os.Stdout, cfg, sum)
}
