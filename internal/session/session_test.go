package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/san-kum/simcap/internal/capture"
	"github.com/san-kum/simcap/internal/config"
	"github.com/san-kum/simcap/internal/feed"
	"github.com/san-kum/simcap/internal/remote"
	"github.com/san-kum/simcap/internal/sensors"
	"github.com/san-kum/simcap/internal/storage"
	"github.com/san-kum/simcap/internal/world"
)

var quiet = slog.New(slog.DiscardHandler)

func testConfig(t *testing.T, preset string) *config.Config {
	t.Helper()
	cfg := config.GetPreset(preset)
	if cfg == nil {
		t.Fatalf("missing preset %s", preset)
	}
	cfg.Duration = 1.0
	cfg.Dt = 0.05
	cfg.DataDir = t.TempDir()
	cfg.Seed = 1
	return cfg
}

func TestRunSyncExportsAfterWarmup(t *testing.T) {
	cfg := testConfig(t, "sync-imu")

	var ticks int
	s, err := New(cfg, WithLogger(quiet), WithProgress(func(p Progress) {
		ticks++
		if p.Total != 20 {
			t.Errorf("total = %d", p.Total)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ticks != 20 || report.Ticks != 20 || report.Truncated {
		t.Fatalf("unexpected report %+v after %d ticks", report, ticks)
	}

	st := storage.New(cfg.DataDir)
	meta, err := st.Load(report.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Preset != "sync-imu" || meta.Warmup != 5 || len(meta.Series) != 1 {
		t.Errorf("unexpected metadata %+v", meta)
	}

	series, err := st.LoadSeries(report.RunID, "vehicle_0/imu")
	if err != nil {
		t.Fatal(err)
	}
	if series.Len() != 15 || series.Samples[0].Tick != 5 {
		t.Fatalf("warm-up not applied: %d samples starting at %d", series.Len(), series.Samples[0].Tick)
	}
	for _, smp := range series.Samples {
		if !smp.Complete || smp.Late != 0 {
			t.Errorf("sync capture produced %+v", smp)
		}
	}

	if _, err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("expected ErrAlreadyRun, got %v", err)
	}
}

func TestRunMixedAgentsSQLite(t *testing.T) {
	cfg := testConfig(t, "mixed-agents")
	cfg.Sink = "sqlite"
	cfg.Warmup = 0

	s, err := New(cfg, WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Series) != 8 {
		t.Fatalf("expected 8 series, got %d", len(report.Series))
	}

	st := storage.New(cfg.DataDir)
	series, err := st.LoadSeries(report.RunID, "walker_1/position")
	if err != nil {
		t.Fatal(err)
	}
	if series.Len() != 20 {
		t.Errorf("expected 20 samples, got %d", series.Len())
	}
}

func TestRunRetriesFailedStep(t *testing.T) {
	cfg := testConfig(t, "sync-imu")
	cfg.World.FailAfter = 3
	cfg.StepRetries = 1

	s, err := New(cfg, WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Retries != 1 || report.Ticks != 20 || report.Truncated {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestRunTruncatesOnPersistentFailure(t *testing.T) {
	cfg := testConfig(t, "sync-imu")
	cfg.World.FailAfter = 3
	cfg.Warmup = 0

	s, err := New(cfg, WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(context.Background())
	var failed *capture.StepFailedError
	if !errors.As(err, &failed) || !errors.Is(err, world.ErrInjectedFailure) {
		t.Fatalf("expected injected StepFailedError, got %v", err)
	}
	if report == nil || !report.Truncated || report.Ticks != 3 {
		t.Fatalf("unexpected report %+v", report)
	}

	st := storage.New(cfg.DataDir)
	meta, err := st.Load(report.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if !meta.Truncated || meta.Error == "" {
		t.Errorf("truncation missing from metadata: %+v", meta)
	}
	series, err := st.LoadSeries(report.RunID, "vehicle_0/imu")
	if err != nil {
		t.Fatal(err)
	}
	if series.Len() != 3 {
		t.Errorf("expected the 3 sealed ticks, got %d", series.Len())
	}
}

func TestRunStopsBetweenStepsOnCancel(t *testing.T) {
	cfg := testConfig(t, "sync-imu")
	cfg.Warmup = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := New(cfg, WithLogger(quiet), WithProgress(func(p Progress) {
		if p.Result.Tick == 4 {
			cancel()
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Ticks != 5 || !report.Truncated {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Series[0].Samples != 5 {
		t.Errorf("expected 5 exported samples, got %d", report.Series[0].Samples)
	}
}

func TestRunAsyncCountsLateReadings(t *testing.T) {
	cfg := testConfig(t, "async-imu")
	cfg.World.Latency = 120 * time.Millisecond
	cfg.Warmup = 0

	var late int
	s, err := New(cfg, WithLogger(quiet), WithProgress(func(p Progress) {
		for _, smp := range p.Result.Samples {
			late += smp.Late
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Ticks != 20 {
		t.Errorf("ticks = %d", report.Ticks)
	}
	if report.Series[0].Partial == 0 {
		t.Error("async capture with latency above the step time should leave partial ticks")
	}
	if late != report.Series[0].Late {
		t.Errorf("progress saw %d late readings, export recorded %d", late, report.Series[0].Late)
	}
}

// recordPublisher hands bridged readings straight to the capture side.
type recordPublisher struct{ rec feed.Recorder }

func (p recordPublisher) Publish(_ context.Context, r feed.Reading) error {
	return p.rec.RecordStamped(r.SeriesID(), r.Frame, r.Values)
}

func (p recordPublisher) Close() error { return nil }

type bridgeSubscriber struct{ w *world.World }

func (b bridgeSubscriber) Start(ctx context.Context, rec feed.Recorder) error {
	return feed.Bridge(ctx, b.w, []sensors.Kind{sensors.IMU}, recordPublisher{rec}, quiet)
}

func (b bridgeSubscriber) Close() error { return nil }

func TestRunOverHTTPBridge(t *testing.T) {
	w := world.New(world.Config{Seed: 2})
	if err := w.Spawn("vehicle_0", world.Vehicle); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(remote.NewServer(w, quiet).Handler(nil))
	defer srv.Close()
	defer w.Close()

	cfg := testConfig(t, "sync-imu")
	cfg.Warmup = 0
	cfg.Stepper = config.StepperConfig{Kind: "http", URL: srv.URL, Timeout: time.Second}
	cfg.Feed = config.FeedConfig{Kind: "mqtt", Brokers: []string{"tcp://unused:1883"}, Topic: "simcap"}

	s, err := New(cfg, WithLogger(quiet), WithSubscriber(bridgeSubscriber{w}))
	if err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if w.Frame() != 20 || report.Ticks != 20 {
		t.Errorf("remote frame %d, ticks %d", w.Frame(), report.Ticks)
	}
	if report.Series[0].Partial != 0 {
		t.Errorf("bridged sync readings should all be on time: %+v", report.Series[0])
	}
}

// laggingPublisher holds each reading back until the next frame arrives,
// so every reading but the last reaches the loop one tick late.
type laggingPublisher struct {
	rec     feed.Recorder
	mu      sync.Mutex
	pending *feed.Reading
}

func (p *laggingPublisher) Publish(_ context.Context, r feed.Reading) error {
	p.mu.Lock()
	prev := p.pending
	p.pending = &r
	p.mu.Unlock()
	if prev == nil {
		return nil
	}
	return p.rec.RecordStamped(prev.SeriesID(), prev.Frame, prev.Values)
}

func (p *laggingPublisher) Close() error { return nil }

type laggingSubscriber struct{ w *world.World }

func (b laggingSubscriber) Start(ctx context.Context, rec feed.Recorder) error {
	return feed.Bridge(ctx, b.w, []sensors.Kind{sensors.IMU}, &laggingPublisher{rec: rec}, quiet)
}

func (b laggingSubscriber) Close() error { return nil }

func TestRunCountsLateReadingsOnSharedWorld(t *testing.T) {
	w := world.New(world.Config{Seed: 2})
	if err := w.Spawn("vehicle_0", world.Vehicle); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(remote.NewServer(w, quiet).Handler(nil))
	defer srv.Close()
	defer w.Close()

	for run := 0; run < 2; run++ {
		cfg := testConfig(t, "sync-imu")
		cfg.Warmup = 0
		cfg.Stepper = config.StepperConfig{Kind: "http", URL: srv.URL, Timeout: time.Second}
		cfg.Feed = config.FeedConfig{Kind: "mqtt", Brokers: []string{"tcp://unused:1883"}, Topic: "simcap"}

		s, err := New(cfg, WithLogger(quiet), WithSubscriber(laggingSubscriber{w}))
		if err != nil {
			t.Fatal(err)
		}
		report, err := s.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if report.Ticks != 20 {
			t.Fatalf("session %d: ticks = %d", run, report.Ticks)
		}
		// The first tick gets nothing; every later tick absorbs the
		// previous frame's reading.
		if got := report.Series[0].Late; got != 19 {
			t.Errorf("session %d: late = %d, want 19", run, got)
		}
	}
	if w.Frame() != 40 {
		t.Errorf("world frame = %d, want 40", w.Frame())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dt = -1
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected config.ErrInvalid, got %v", err)
	}
}

func TestEnsembleRunsEverySeed(t *testing.T) {
	cfg := testConfig(t, "sync-imu")
	cfg.Seed = 10

	e, err := NewEnsemble(cfg, 3, WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	reports, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 3 {
		t.Fatalf("got %d reports", len(reports))
	}

	st := storage.New(cfg.DataDir)
	seen := make(map[string]bool)
	for i, r := range reports {
		if seen[r.RunID] {
			t.Fatalf("run id %s reused", r.RunID)
		}
		seen[r.RunID] = true
		meta, err := st.Load(r.RunID)
		if err != nil {
			t.Fatal(err)
		}
		if meta.Seed != int64(10+i) {
			t.Errorf("report %d has seed %d", i, meta.Seed)
		}
	}
	if cfg.Seed != 10 {
		t.Error("ensemble mutated the base config")
	}
}

func TestEnsembleRejectsRemoteStepper(t *testing.T) {
	cfg := testConfig(t, "sync-imu")
	cfg.Stepper = config.StepperConfig{Kind: "http", URL: "http://localhost:1"}
	if _, err := NewEnsemble(cfg, 2); !errors.Is(err, ErrEnsembleStepper) {
		t.Fatalf("got %v", err)
	}
	if _, err := NewEnsemble(testConfig(t, "sync-imu"), 0); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("got %v", err)
	}
}
