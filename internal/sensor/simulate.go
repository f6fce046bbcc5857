package sensor

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/presence.field/internal/config"
	"github.com/banshee-data/presence.field/internal/timeutil"
)

// Walker is one simulated visitor.
type Walker struct {
	Position r3.Vector
	Velocity r3.Vector
	Gesture  string
}

// SimOptions tunes the simulator.
type SimOptions struct {
	Walkers int
	Noise   float64 // standard deviation in metres
	Seed    int64
}

// Simulator produces plausible driver samples for every configured sensor
// from a population of walkers wandering the venue. It stands in for real
// hardware during development and drives the scenario tests.
type Simulator struct {
	mu       sync.Mutex
	venue    config.Dimensions
	sensors  []config.SensorConfig
	poses    map[string]Pose
	sink     Ingester
	rng      *rand.Rand
	noise    float64
	walkers  []*Walker
	silenced map[string]bool
	lastEmit map[string]time.Time
}

// NewSimulator creates a simulator for the venue feeding sink.
func NewSimulator(cfg *config.VenueConfig, sink Ingester, opts SimOptions) *Simulator {
	s := &Simulator{
		venue:    cfg.Venue,
		sensors:  append([]config.SensorConfig(nil), cfg.Sensors...),
		poses:    make(map[string]Pose, len(cfg.Sensors)),
		sink:     sink,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		noise:    opts.Noise,
		silenced: map[string]bool{},
		lastEmit: map[string]time.Time{},
	}
	sort.Slice(s.sensors, func(i, j int) bool { return s.sensors[i].ID < s.sensors[j].ID })
	for _, sc := range s.sensors {
		s.poses[sc.ID] = NewPose(sc.Extrinsics)
	}
	for i := 0; i < opts.Walkers; i++ {
		s.walkers = append(s.walkers, &Walker{
			Position: r3.Vector{X: s.rng.Float64() * s.venue.Width, Y: 1.0, Z: 1 + s.rng.Float64()*(s.venue.Depth-1)},
			Velocity: r3.Vector{X: s.rng.NormFloat64() * 0.4, Z: s.rng.NormFloat64() * 0.4},
		})
	}
	return s
}

// SetWalkers replaces the population, for scripted scenarios.
func (s *Simulator) SetWalkers(ws []Walker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.walkers = s.walkers[:0]
	for i := range ws {
		w := ws[i]
		s.walkers = append(s.walkers, &w)
	}
}

// Walkers returns a copy of the current population.
func (s *Simulator) Walkers() []Walker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Walker, len(s.walkers))
	for i, w := range s.walkers {
		out[i] = *w
	}
	return out
}

// Silence stops (or resumes) emission for a sensor, simulating a failure.
func (s *Simulator) Silence(sensorID string, silenced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenced[sensorID] = silenced
}

// Move advances every walker by dt, reflecting off the venue walls.
func (s *Simulator) Move(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec := dt.Seconds()
	for _, w := range s.walkers {
		w.Position = w.Position.Add(w.Velocity.Mul(sec))
		if w.Position.X < 0 || w.Position.X > s.venue.Width {
			w.Velocity.X = -w.Velocity.X
			w.Position.X = math.Max(0, math.Min(s.venue.Width, w.Position.X))
		}
		if w.Position.Z < 0.5 || w.Position.Z > s.venue.Depth {
			w.Velocity.Z = -w.Velocity.Z
			w.Position.Z = math.Max(0.5, math.Min(s.venue.Depth, w.Position.Z))
		}
	}
}

// Emit pushes one sample from every sensor that is not silenced and whose
// period has elapsed since its last sample.
func (s *Simulator) Emit(now time.Time) int {
	var samples []RawSample
	s.mu.Lock()
	for _, sc := range s.sensors {
		if s.silenced[sc.ID] {
			continue
		}
		period := time.Duration(float64(time.Second) / sc.GetExpectedRate())
		if last, ok := s.lastEmit[sc.ID]; ok && now.Sub(last) < period {
			continue
		}
		s.lastEmit[sc.ID] = now
		samples = append(samples, s.sample(sc))
	}
	s.mu.Unlock()

	for _, raw := range samples {
		_ = s.sink.Ingest(raw)
	}
	return len(samples)
}

// Run moves walkers and emits samples every step until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, clock timeutil.Clock, step time.Duration) error {
	t := clock.NewTicker(step)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C():
			s.Move(step)
			s.Emit(now)
		}
	}
}

func (s *Simulator) jitter() float64 {
	if s.noise <= 0 {
		return 0
	}
	return s.rng.NormFloat64() * s.noise
}

func (s *Simulator) sample(sc config.SensorConfig) RawSample {
	pose := s.poses[sc.ID]
	switch sc.Kind {
	case config.SensorTouchArray:
		return RawSample{SensorID: sc.ID, Kind: KindTouchGrid, Payload: EncodeTouchGrid(s.touchGrid(sc, pose))}
	case config.SensorLidar:
		return RawSample{SensorID: sc.ID, Kind: KindPointCloud, Payload: EncodePointCloud(s.cloud(pose))}
	default:
		return RawSample{SensorID: sc.ID, Kind: KindPositionSample, Payload: EncodePositionSample(s.detections(pose))}
	}
}

func (s *Simulator) detections(pose Pose) []Detection {
	var dets []Detection
	for _, w := range s.walkers {
		local := pose.ToSensor(w.Position.Add(r3.Vector{X: s.jitter(), Z: s.jitter()}))
		if !pose.InFOV(local) {
			continue
		}
		d := Detection{Position: local, Confidence: 0.9, Gesture: w.Gesture}
		if w.Velocity.Norm() > 0.05 {
			h := wrapAngle(math.Atan2(w.Velocity.X, w.Velocity.Z) - pose.yaw)
			d.Heading = &h
		}
		dets = append(dets, d)
	}
	return dets
}

func (s *Simulator) cloud(pose Pose) []r3.Vector {
	const perWalker = 16
	var pts []r3.Vector
	for _, w := range s.walkers {
		for i := 0; i < perWalker; i++ {
			a := 2 * math.Pi * float64(i) / perWalker
			p := w.Position.Add(r3.Vector{
				X: 0.18*math.Cos(a) + s.jitter()/4,
				Y: 0.6 + 0.8*float64(i%4)/4 - w.Position.Y,
				Z: 0.18*math.Sin(a) + s.jitter()/4,
			})
			local := pose.ToSensor(p)
			if pose.InFOV(local) {
				pts = append(pts, local)
			}
		}
	}
	return pts
}

func (s *Simulator) touchGrid(sc config.SensorConfig, pose Pose) TouchGrid {
	g := sc.Touch
	if g == nil {
		return TouchGrid{}
	}
	grid := TouchGrid{Rows: g.Rows, Cols: g.Cols, Values: make([]float64, g.Rows*g.Cols)}
	const sigma = 0.2
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			cell := pose.ToWorld(r3.Vector{X: float64(c) * g.CellPitch, Z: float64(r) * g.CellPitch})
			v := 0.0
			for _, w := range s.walkers {
				dx, dz := w.Position.X-cell.X, w.Position.Z-cell.Z
				v = math.Max(v, math.Exp(-(dx*dx+dz*dz)/(2*sigma*sigma)))
			}
			grid.Values[r*g.Cols+c] = clamp01(v + math.Abs(s.jitter())/10)
		}
	}
	return grid
}
