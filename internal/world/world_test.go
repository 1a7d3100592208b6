package world

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/san-kum/simcap/internal/capture"
	"github.com/san-kum/simcap/internal/sensors"
)

type collector struct {
	mu     sync.Mutex
	frames []uint64
	values []map[string]float64
}

func (c *collector) cb(frame uint64, values map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	c.values = append(c.values, values)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestSpawnAndListen(t *testing.T) {
	w := New(Config{})
	defer w.Close()

	if err := w.Spawn("car", Vehicle); err != nil {
		t.Fatal(err)
	}
	if err := w.Spawn("car", Pedestrian); !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("expected ErrDuplicateAgent, got %v", err)
	}
	if err := w.Spawn("bus", AgentKind("tram")); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	if err := w.Listen("ghost", sensors.IMU, func(uint64, map[string]float64) {}); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
	if err := w.Listen("car", sensors.Kind("camera"), func(uint64, map[string]float64) {}); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("expected ErrUnknownSensor, got %v", err)
	}
	if got := w.Agents(); len(got) != 1 || got[0].ID != "car" || got[0].Kind != Vehicle {
		t.Errorf("Agents() = %v", got)
	}
}

func TestSyncDeliversBeforeReturn(t *testing.T) {
	w := New(Config{Mode: Sync, Seed: 1})
	defer w.Close()
	_ = w.Spawn("car", Vehicle)

	var imu, pos collector
	_ = w.Listen("car", sensors.IMU, imu.cb)
	_ = w.Listen("car", sensors.Position, pos.cb)

	for i := 0; i < 5; i++ {
		if err := w.Step(context.Background(), 0.05); err != nil {
			t.Fatal(err)
		}
		if imu.len() != i+1 || pos.len() != i+1 {
			t.Fatalf("step %d: readings not delivered synchronously", i)
		}
	}
	for i, f := range imu.frames {
		if f != uint64(i) {
			t.Errorf("reading %d stamped with frame %d", i, f)
		}
	}
	if len(imu.values[0]) != len(sensors.IMU.Channels()) {
		t.Errorf("imu reading has %d channels", len(imu.values[0]))
	}
	if w.Frame() != 5 {
		t.Errorf("Frame() = %d, want 5", w.Frame())
	}
	if math.Abs(w.Elapsed()-0.25) > 1e-12 {
		t.Errorf("Elapsed() = %f", w.Elapsed())
	}
}

func TestVehicleDrivesForward(t *testing.T) {
	w := New(Config{Seed: 7})
	defer w.Close()
	_ = w.Spawn("car", Vehicle)

	for i := 0; i < 200; i++ {
		_ = w.Step(context.Background(), 0.05)
	}
	k, ok := w.Snapshot("car")
	if !ok {
		t.Fatal("snapshot missing")
	}
	speed := math.Hypot(k.Velocity.X, k.Velocity.Y)
	if speed < 7 || speed > 12.5 {
		t.Errorf("speed = %f, expected near the 8-12 m/s target", speed)
	}
	if math.Hypot(k.Position.X, k.Position.Y) < 20 {
		t.Errorf("vehicle barely moved: %+v", k.Position)
	}
	if k.IMU.Accel.Z != sensors.StandardGravity {
		t.Errorf("raw accel_z = %f", k.IMU.Accel.Z)
	}
}

func TestPedestrianWalks(t *testing.T) {
	w := New(Config{Seed: 3})
	defer w.Close()
	_ = w.Spawn("walker", Pedestrian)
	start, _ := w.Snapshot("walker")
	for i := 0; i < 20; i++ {
		_ = w.Step(context.Background(), 0.1)
	}
	end, _ := w.Snapshot("walker")
	d := math.Hypot(end.Position.X-start.Position.X, end.Position.Y-start.Position.Y)
	// at most speed * time, at least something
	if d <= 0 || d > 1.6*2.0+1e-9 {
		t.Errorf("pedestrian displacement %f out of range", d)
	}
}

func TestGravityCompensation(t *testing.T) {
	w := New(Config{GravityCompensation: true})
	defer w.Close()
	_ = w.Spawn("car", Vehicle)
	var imu collector
	_ = w.Listen("car", sensors.IMU, imu.cb)
	_ = w.Step(context.Background(), 0.05)
	if az := imu.values[0]["accel_z"]; math.Abs(az) > 1e-12 {
		t.Errorf("compensated accel_z = %f", az)
	}
}

func TestDropRate(t *testing.T) {
	w := New(Config{DropRate: 1})
	defer w.Close()
	_ = w.Spawn("car", Vehicle)
	var imu collector
	_ = w.Listen("car", sensors.IMU, imu.cb)
	for i := 0; i < 10; i++ {
		_ = w.Step(context.Background(), 0.05)
	}
	if imu.len() != 0 {
		t.Errorf("expected every reading dropped, got %d", imu.len())
	}
}

func TestFailAfterFailsOnce(t *testing.T) {
	w := New(Config{FailAfter: 2})
	defer w.Close()
	_ = w.Spawn("car", Vehicle)
	var imu collector
	_ = w.Listen("car", sensors.IMU, imu.cb)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := w.Step(ctx, 0.05); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if err := w.Step(ctx, 0.05); !errors.Is(err, ErrInjectedFailure) {
		t.Fatalf("expected ErrInjectedFailure, got %v", err)
	}
	if w.Frame() != 2 || imu.len() != 2 {
		t.Fatalf("failed step mutated the world: frame %d, readings %d", w.Frame(), imu.len())
	}
	if err := w.Step(ctx, 0.05); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if imu.frames[2] != 2 {
		t.Errorf("retried frame stamped %d, want 2", imu.frames[2])
	}
}

func TestStepRejects(t *testing.T) {
	w := New(Config{})
	if err := w.Step(context.Background(), 0); !errors.Is(err, ErrInvalidDt) {
		t.Errorf("expected ErrInvalidDt, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Step(ctx, 0.05); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	_ = w.Close()
	if err := w.Step(context.Background(), 0.05); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestAsyncReadingsLandLate(t *testing.T) {
	w := New(Config{Mode: Async, Latency: 30 * time.Millisecond, Seed: 11})
	defer w.Close()
	_ = w.Spawn("car", Vehicle)

	loop, err := capture.New(w, capture.Config{Dt: 0.05})
	if err != nil {
		t.Fatal(err)
	}
	id := sensors.SeriesID("car", sensors.IMU)
	h, err := loop.Attach(id, sensors.IMU.Channels())
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Listen("car", sensors.IMU, func(frame uint64, v map[string]float64) {
		_ = h.RecordStamped(frame, v)
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := loop.Advance(ctx); err != nil {
			t.Fatal(err)
		}
	}
	w.Drain()
	// one more tick so drained readings are sealed somewhere
	if _, err := loop.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	w.Drain()

	s := loop.Finalize()[id]
	if s.Len() != 6 {
		t.Fatalf("expected 6 samples, got %d", s.Len())
	}
	if s.Late() == 0 {
		t.Error("expected late readings in async mode")
	}
	for i, smp := range s.Samples {
		if smp.Tick != uint64(i) {
			t.Errorf("sample %d has tick %d", i, smp.Tick)
		}
	}
}

func TestCloseDiscardsPending(t *testing.T) {
	w := New(Config{Mode: Async, Latency: time.Hour})
	_ = w.Spawn("car", Vehicle)
	var imu collector
	_ = w.Listen("car", sensors.IMU, imu.cb)
	_ = w.Step(context.Background(), 0.05)

	done := make(chan struct{})
	go func() {
		_ = w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if imu.len() != 0 {
		t.Errorf("pending reading delivered after Close")
	}
}
