// Package session runs one capture experiment end to end: it wires a
// stepper and sensor feeds to a capture loop, drives the loop for the
// configured duration, and exports what was captured.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/san-kum/simcap/internal/capture"
	"github.com/san-kum/simcap/internal/config"
	"github.com/san-kum/simcap/internal/feed"
	"github.com/san-kum/simcap/internal/remote"
	"github.com/san-kum/simcap/internal/sensors"
	"github.com/san-kum/simcap/internal/storage"
	"github.com/san-kum/simcap/internal/telemetry"
	"github.com/san-kum/simcap/internal/world"
)

var ErrAlreadyRun = errors.New("session: already run")

// Progress is reported after every sealed tick.
type Progress struct {
	Result  capture.TickResult
	Total   int
	Retries int
}

type Report struct {
	RunID     string
	Dir       string
	Ticks     uint64
	Retries   int
	Series    []storage.SeriesStats
	Truncated bool
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithStepper replaces the stepper selected by the config.
func WithStepper(st capture.Stepper) Option { return func(s *Session) { s.stepper = st } }

// WithSubscriber replaces the feed selected by the config.
func WithSubscriber(sub feed.Subscriber) Option { return func(s *Session) { s.sub = sub } }

func WithRecorder(r *telemetry.Recorder) Option { return func(s *Session) { s.recorder = r } }

func WithProgress(fn func(Progress)) Option { return func(s *Session) { s.onProgress = fn } }

type Session struct {
	cfg        *config.Config
	logger     *slog.Logger
	stepper    capture.Stepper
	world      *world.World
	sub        feed.Subscriber
	recorder   *telemetry.Recorder
	onProgress func(Progress)
	ran        bool
}

func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("session", cfg.Name)

	if s.recorder == nil {
		rec, err := telemetry.NewRecorder(telemetry.Meter())
		if err != nil {
			return nil, fmt.Errorf("session: telemetry: %w", err)
		}
		s.recorder = rec
	}

	if s.stepper == nil {
		switch cfg.Stepper.Kind {
		case "http":
			s.stepper = remote.NewClient(cfg.Stepper.URL, cfg.Stepper.Timeout)
		default:
			w, err := NewWorld(cfg, s.logger)
			if err != nil {
				return nil, err
			}
			s.world = w
			s.stepper = w
		}
	}

	if s.sub == nil {
		s.sub = newSubscriber(cfg, s.logger)
	}
	return s, nil
}

// NewWorld builds the in-process simulator described by cfg with every
// agent spawned.
func NewWorld(cfg *config.Config, logger *slog.Logger) (*world.World, error) {
	w := world.New(world.Config{
		Mode:                world.Mode(cfg.Mode),
		Latency:             cfg.World.Latency,
		DropRate:            cfg.World.DropRate,
		FailAfter:           cfg.World.FailAfter,
		Noise:               cfg.World.Noise,
		Seed:                cfg.Seed,
		GravityCompensation: cfg.World.GravityCompensation,
		Geo: sensors.GeoReference{
			Latitude:  cfg.World.Geo.Latitude,
			Longitude: cfg.World.Geo.Longitude,
			Altitude:  cfg.World.Geo.Altitude,
		},
		Logger: logger,
	})
	for _, a := range cfg.Agents {
		if err := w.Spawn(a.ID, world.AgentKind(a.Kind)); err != nil {
			w.Close()
			return nil, err
		}
	}
	return w, nil
}

func newSubscriber(cfg *config.Config, logger *slog.Logger) feed.Subscriber {
	switch cfg.Feed.Kind {
	case "mqtt":
		clientID := cfg.Feed.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("simcap-%s-%d", cfg.Name, time.Now().UnixNano())
		}
		return feed.NewMQTTSubscriber(feed.MQTTConfig{Broker: cfg.Feed.Brokers[0], ClientID: clientID, Topic: cfg.Feed.Topic}, logger)
	case "kafka":
		return feed.NewKafkaSubscriber(feed.KafkaConfig{Brokers: cfg.Feed.Brokers, Topic: cfg.Feed.Topic, GroupID: "simcap-" + cfg.Name}, logger)
	}
	return nil
}

// attach creates one series per agent sensor and, with a local world,
// routes its readings into the loop.
func (s *Session) attach(loop *capture.Loop) error {
	for _, a := range s.cfg.Agents {
		for _, name := range a.Sensors {
			kind, err := sensors.ParseKind(name)
			if err != nil {
				return err
			}
			h, err := loop.Attach(sensors.SeriesID(a.ID, kind), kind.Channels())
			if err != nil {
				return err
			}
			if s.world == nil {
				continue
			}
			err = s.world.Listen(a.ID, kind, func(frame uint64, values map[string]float64) {
				if err := h.RecordStamped(frame, values); err != nil && !errors.Is(err, capture.ErrSessionClosed) {
					s.logger.Debug("reading rejected", "series", h.ID(), "frame", frame, "err", err)
				}
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// firstFrame returns the simulator frame the first tick will produce. A
// served world keeps its frame counter across sessions.
func (s *Session) firstFrame(ctx context.Context) (uint64, error) {
	switch st := s.stepper.(type) {
	case *world.World:
		return st.Frame(), nil
	case *remote.Client:
		h, err := st.Health(ctx)
		if err != nil {
			return 0, fmt.Errorf("session: remote health: %w", err)
		}
		return h.Frame, nil
	}
	return 0, nil
}

// Run captures until the configured duration is covered, ctx is
// cancelled, or a step keeps failing after the configured retries. The
// captured data is exported in every case; a run cut short is marked
// truncated and the cause is returned alongside the report.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	if s.ran {
		return nil, ErrAlreadyRun
	}
	s.ran = true
	if s.world != nil {
		defer s.world.Close()
	}

	store := storage.New(s.cfg.DataDir)
	if err := store.Init(); err != nil {
		return nil, err
	}

	first, err := s.firstFrame(ctx)
	if err != nil {
		return nil, err
	}
	loop, err := capture.New(s.stepper, capture.Config{Dt: s.cfg.Dt, StepTimeout: s.cfg.StepTimeout, FirstFrame: first})
	if err != nil {
		return nil, err
	}
	if err := s.attach(loop); err != nil {
		return nil, err
	}
	if s.sub != nil {
		if err := s.sub.Start(ctx, loop); err != nil {
			return nil, fmt.Errorf("session: feed: %w", err)
		}
		defer s.sub.Close()
	}

	total := s.cfg.Ticks()
	s.logger.Info("capture started", "mode", s.cfg.Mode, "dt", s.cfg.Dt, "ticks", total, "stepper", s.cfg.Stepper.Kind)

	report := &Report{}
	runErr := s.drive(ctx, loop, total, report)

	series := loop.Finalize()
	report.Ticks = loop.Tick()
	if s.world != nil {
		s.world.Close()
	}

	if err := s.export(store, series, report, runErr); err != nil {
		return report, errors.Join(runErr, err)
	}

	level := slog.LevelInfo
	if report.Truncated {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "capture finished", "run", report.RunID, "ticks", report.Ticks,
		"retries", report.Retries, "truncated", report.Truncated)
	return report, runErr
}

func (s *Session) drive(ctx context.Context, loop *capture.Loop, total int, report *Report) error {
	stepCtx := context.WithoutCancel(ctx)
	period := time.Duration(s.cfg.Dt * float64(time.Second))
	start := time.Now()
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.advance(stepCtx, loop, report)
		if err != nil {
			return err
		}
		if s.onProgress != nil {
			s.onProgress(Progress{Result: res, Total: total, Retries: report.Retries})
		}
		if s.cfg.Realtime {
			if err := sleepUntil(ctx, start.Add(time.Duration(i+1)*period)); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// advance retries a failed or timed out step. The loop guarantees a failed
// step seals nothing, so a retry never skips or duplicates a tick.
func (s *Session) advance(ctx context.Context, loop *capture.Loop, report *Report) (capture.TickResult, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		res, err := loop.Advance(ctx)
		if err == nil {
			s.recorder.Tick(ctx, res, time.Since(start))
			if ids := res.PartialIDs(); len(ids) > 0 {
				s.logger.Debug("partial tick", "tick", res.Tick, "series", ids)
			}
			return res, nil
		}
		s.recorder.StepError(ctx, err)
		if !capture.IsStepError(err) || attempt >= s.cfg.StepRetries {
			return res, err
		}
		report.Retries++
		s.logger.Warn("step failed, retrying", "tick", loop.Tick(), "attempt", attempt+1, "err", err)
	}
}

func (s *Session) export(store *storage.Store, series map[string]*capture.Series, report *Report, runErr error) error {
	run, err := store.Create(storage.RunMetadata{
		Preset:   s.cfg.Name,
		Mode:     s.cfg.Mode,
		Seed:     s.cfg.Seed,
		Dt:       s.cfg.Dt,
		Duration: s.cfg.Duration,
		Ticks:    report.Ticks,
		Warmup:   s.cfg.Warmup,
		Sink:     s.cfg.Sink,
	})
	if err != nil {
		return err
	}
	report.RunID = run.ID()
	report.Dir = run.Dir()
	if runErr != nil {
		run.Truncate(runErr)
		report.Truncated = true
	}

	var sink storage.Sink = run
	if s.cfg.Sink == "sqlite" {
		db, err := storage.OpenSQLite(filepath.Join(run.Dir(), storage.SQLiteFile), run.ID())
		if err != nil {
			return err
		}
		defer db.Close()
		sink = recordingSink{db: db, run: run}
	}

	ids := make([]string, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := sink.Export(series[id].Skip(s.cfg.Warmup)); err != nil {
			return err
		}
	}
	report.Series = run.Meta.Series
	return run.Close()
}

// recordingSink writes samples to SQLite and keeps the run metadata in
// step.
type recordingSink struct {
	db  *storage.SQLite
	run *storage.Run
}

func (r recordingSink) Export(s *capture.Series) error {
	if err := r.db.Export(s); err != nil {
		return err
	}
	r.run.Record(s)
	return nil
}
