// Package world is a small kinematic driving simulator. It steps
// vehicles and pedestrians on a fixed timestep and delivers their sensor
// readings to registered callbacks, either before the step returns
// (sync) or from background goroutines after a random latency (async).
package world

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/san-kum/simcap/internal/sensors"
)

type Mode string

const (
	Sync  Mode = "sync"
	Async Mode = "async"
)

type Config struct {
	Mode Mode
	// Latency bounds the delivery delay of each reading in async mode.
	Latency time.Duration
	// DropRate is the probability that a single reading is never delivered.
	DropRate float64
	// FailAfter makes Step fail once after that many frames. Zero disables.
	FailAfter int
	// Noise is the standard deviation of additive IMU noise.
	Noise               float64
	Seed                int64
	GravityCompensation bool
	Geo                 sensors.GeoReference
	Logger              *slog.Logger
}

// Callback receives one sensor reading stamped with the frame that
// produced it.
type Callback func(frame uint64, values map[string]float64)

type agent struct {
	id   string
	kind AgentKind
	body body
}

type listener struct {
	agent string
	kind  sensors.Kind
	cb    Callback
}

type delivery struct {
	cb     Callback
	frame  uint64
	values map[string]float64
	delay  time.Duration
}

// AgentInfo describes a spawned agent.
type AgentInfo struct {
	ID   string    `json:"id"`
	Kind AgentKind `json:"kind"`
}

type World struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	frame     uint64
	elapsed   float64
	agents    map[string]*agent
	order     []string
	listeners []listener
	failed    bool
	closed    bool

	inflight  sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *World {
	if cfg.Mode == "" {
		cfg.Mode = Sync
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &World{
		cfg:    cfg,
		logger: logger.With("component", "world"),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		agents: make(map[string]*agent),
		done:   make(chan struct{}),
	}
}

// Spawn places a new agent. Vehicles line up along the x axis, pedestrians
// on a parallel sidewalk.
func (w *World) Spawn(id string, kind AgentKind) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.agents[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}
	n := float64(len(w.order))
	var b body
	switch kind {
	case Vehicle:
		b = newVehicle(n*8, 0, w.rng)
	case Pedestrian:
		b = newPedestrian(n*3, 12, w.rng)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	w.agents[id] = &agent{id: id, kind: kind, body: b}
	w.order = append(w.order, id)
	w.logger.Debug("spawned", "agent", id, "kind", kind)
	return nil
}

// Listen registers cb for readings of sensor kind on agent.
func (w *World) Listen(agentID string, kind sensors.Kind, cb Callback) error {
	if kind.Channels() == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSensor, kind)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	w.listeners = append(w.listeners, listener{agent: agentID, kind: kind, cb: cb})
	return nil
}

func (w *World) Agents() []AgentInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]AgentInfo, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, AgentInfo{ID: id, Kind: w.agents[id].kind})
	}
	return out
}

// Frame returns the number of frames produced so far.
func (w *World) Frame() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frame
}

func (w *World) Elapsed() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.elapsed
}

func (w *World) Snapshot(agentID string) (Kinematics, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.agents[agentID]
	if !ok {
		return Kinematics{}, false
	}
	return a.body.kinematics(), true
}

// Step advances every agent by dt and emits one reading per listener,
// stamped with the frame just produced. A failed step leaves the world
// untouched.
func (w *World) Step(ctx context.Context, dt float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !(dt > 0) {
		return fmt.Errorf("%w: %v", ErrInvalidDt, dt)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.cfg.FailAfter > 0 && !w.failed && w.frame == uint64(w.cfg.FailAfter) {
		w.failed = true
		frame := w.frame
		w.mu.Unlock()
		return fmt.Errorf("%w at frame %d", ErrInjectedFailure, frame)
	}

	frame := w.frame
	for _, id := range w.order {
		w.agents[id].body.advance(w.elapsed, dt, w.rng)
	}
	w.elapsed += dt
	w.frame++
	out := w.collect(frame)
	w.mu.Unlock()

	w.deliver(out)
	return nil
}

// collect builds the deliveries of one frame. Must hold w.mu.
func (w *World) collect(frame uint64) []delivery {
	out := make([]delivery, 0, len(w.listeners))
	for _, l := range w.listeners {
		if w.cfg.DropRate > 0 && w.rng.Float64() < w.cfg.DropRate {
			w.logger.Debug("reading dropped", "agent", l.agent, "sensor", l.kind, "frame", frame)
			continue
		}
		d := delivery{cb: l.cb, frame: frame, values: w.reading(w.agents[l.agent], l.kind)}
		if w.cfg.Mode == Async && w.cfg.Latency > 0 {
			d.delay = time.Duration(w.rng.Int63n(int64(w.cfg.Latency))) + 1
		}
		out = append(out, d)
	}
	return out
}

func (w *World) reading(a *agent, kind sensors.Kind) map[string]float64 {
	k := a.body.kinematics()
	switch kind {
	case sensors.IMU:
		r := k.IMU
		if w.cfg.Noise > 0 {
			r.Accel.X += w.cfg.Noise * w.rng.NormFloat64()
			r.Accel.Y += w.cfg.Noise * w.rng.NormFloat64()
			r.Accel.Z += w.cfg.Noise * w.rng.NormFloat64()
			r.Gyro.Z += w.cfg.Noise * w.rng.NormFloat64()
		}
		return r.Values(w.cfg.GravityCompensation)
	case sensors.GNSS:
		return w.cfg.Geo.Locate(k.Position)
	case sensors.Position:
		return sensors.PositionValues(k.Position)
	case sensors.Velocity:
		return sensors.VelocityValues(k.Velocity)
	}
	return map[string]float64{}
}

func (w *World) deliver(out []delivery) {
	if w.cfg.Mode != Async {
		for _, d := range out {
			d.cb(d.frame, d.values)
		}
		return
	}
	for _, d := range out {
		w.inflight.Add(1)
		go func(d delivery) {
			defer w.inflight.Done()
			t := time.NewTimer(d.delay)
			defer t.Stop()
			select {
			case <-t.C:
				d.cb(d.frame, d.values)
			case <-w.done:
			}
		}(d)
	}
}

// Drain blocks until every pending async reading has been delivered.
func (w *World) Drain() {
	w.inflight.Wait()
}

// Close discards pending async readings and rejects further steps.
func (w *World) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
	})
	w.inflight.Wait()
	return nil
}
