package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Stepper executes one fixed-duration simulation step and returns once
// the simulator has completed it.
type Stepper interface {
	Step(ctx context.Context, dt float64) error
}

// StepperFunc adapts a function to the Stepper interface.
type StepperFunc func(ctx context.Context, dt float64) error

func (f StepperFunc) Step(ctx context.Context, dt float64) error { return f(ctx, dt) }

type Config struct {
	// Dt is the fixed tick duration in seconds.
	Dt float64
	// StepTimeout bounds the wait for a step acknowledgement. Zero waits
	// until the stepper returns or ctx ends.
	StepTimeout time.Duration
	// FirstFrame is the simulator frame produced by tick 0. A simulator
	// that outlives one session keeps counting frames, so stamped writes
	// are compared against FirstFrame plus the open tick.
	FirstFrame uint64
}

// TickResult describes one sealed tick across all attached series.
type TickResult struct {
	Tick    uint64
	Time    float64
	Samples map[string]Sample
}

// Complete reports whether the sample sealed for id was complete.
func (r TickResult) Complete(id string) bool {
	return r.Samples[id].Complete
}

// PartialIDs returns the series whose sample was partial, sorted.
func (r TickResult) PartialIDs() []string {
	var ids []string
	for id, smp := range r.Samples {
		if !smp.Complete {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type Loop struct {
	stepper Stepper
	cfg     Config

	// stepMu serializes Advance.
	stepMu sync.Mutex

	mu     sync.RWMutex
	clock  *Clock
	slots  map[string]*slot
	order  []string
	closed bool
	final  map[string]*Series
}

func New(stepper Stepper, cfg Config) (*Loop, error) {
	if stepper == nil {
		return nil, errors.New("capture: nil stepper")
	}
	clock, err := NewClock(cfg.Dt)
	if err != nil {
		return nil, err
	}
	if cfg.StepTimeout < 0 {
		return nil, fmt.Errorf("capture: negative step timeout %s", cfg.StepTimeout)
	}
	return &Loop{
		stepper: stepper,
		cfg:     cfg,
		clock:   clock,
		slots:   make(map[string]*slot),
	}, nil
}

// Tick returns the index of the open tick.
func (l *Loop) Tick() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.clock.Tick()
}

func (l *Loop) Dt() float64 { return l.cfg.Dt }

// Attach registers a series with a fixed channel schema. Its first sample
// is the tick currently open.
func (l *Loop) Attach(id string, channels []string) (*Handle, error) {
	if err := validateSchema(channels); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrSessionClosed
	}
	if _, ok := l.slots[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}
	l.slots[id] = newSlot(id, channels)
	l.order = append(l.order, id)
	return &Handle{loop: l, id: id}, nil
}

func validateSchema(channels []string) error {
	if len(channels) == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		if ch == "" {
			return fmt.Errorf("%w: empty channel name", ErrInvalidSchema)
		}
		if _, ok := seen[ch]; ok {
			return fmt.Errorf("%w: duplicate channel %q", ErrInvalidSchema, ch)
		}
		seen[ch] = struct{}{}
	}
	return nil
}

// Record writes values into the open sample of series id.
func (l *Loop) Record(id string, values map[string]float64) error {
	return l.record(id, nil, values)
}

// RecordStamped is Record for callbacks that carry the simulator frame
// they were produced for. A frame older than the one the open tick stands
// for is counted as a late write; the values still go to the open tick.
func (l *Loop) RecordStamped(id string, frame uint64, values map[string]float64) error {
	return l.record(id, &frame, values)
}

func (l *Loop) record(id string, frame *uint64, values map[string]float64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrSessionClosed
	}
	sl, ok := l.slots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if bad := sl.unknown(values); len(bad) > 0 {
		return fmt.Errorf("%w: %s %v", ErrUnknownChannel, id, bad)
	}
	sl.write(l.cfg.FirstFrame+l.clock.Tick(), frame, values)
	return nil
}

// Advance executes one step and seals the open sample of every series.
// On a step error nothing is sealed and the clock does not move.
func (l *Loop) Advance(ctx context.Context) (TickResult, error) {
	l.stepMu.Lock()
	defer l.stepMu.Unlock()

	l.mu.RLock()
	closed, tick := l.closed, l.clock.Tick()
	l.mu.RUnlock()
	if closed {
		return TickResult{}, ErrSessionClosed
	}

	if err := l.step(ctx, tick); err != nil {
		return TickResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Finalize may have run while the step was in flight.
	if l.closed {
		return TickResult{}, ErrSessionClosed
	}

	res := TickResult{
		Tick:    tick,
		Time:    l.clock.TimeAt(tick),
		Samples: make(map[string]Sample, len(l.slots)),
	}
	for _, id := range l.order {
		res.Samples[id] = l.slots[id].seal(tick, res.Time)
	}
	l.clock.advance()
	return res, nil
}

func (l *Loop) step(ctx context.Context, tick uint64) error {
	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.cfg.StepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, l.cfg.StepTimeout)
	}
	defer cancel()

	dt := l.cfg.Dt
	done := make(chan error, 1)
	go func() { done <- l.stepper.Step(stepCtx, dt) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &StepTimeoutError{Tick: tick, Timeout: l.cfg.StepTimeout}
		}
		return &StepFailedError{Tick: tick, Err: err}
	case <-stepCtx.Done():
		select {
		case err := <-done:
			if err == nil {
				return nil
			}
		default:
		}
		if err := ctx.Err(); err != nil {
			return &StepFailedError{Tick: tick, Err: err}
		}
		return &StepTimeoutError{Tick: tick, Timeout: l.cfg.StepTimeout}
	}
}

// Finalize closes the session and returns every series keyed by id. The
// open tick is discarded. Later calls return the same series.
func (l *Loop) Finalize() map[string]*Series {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		l.final = make(map[string]*Series, len(l.slots))
		for id, sl := range l.slots {
			l.final[id] = sl.series
		}
	}

	out := make(map[string]*Series, len(l.final))
	for id, s := range l.final {
		out[id] = s
	}
	return out
}

// Run advances up to ticks times, or until ctx ends when ticks <= 0. The
// stop request is checked between steps only; a step in flight is never
// cancelled by ctx. Run always finalizes and returns what was sealed,
// together with the error that stopped it.
func (l *Loop) Run(ctx context.Context, ticks int, onTick func(TickResult)) (map[string]*Series, error) {
	stepCtx := context.WithoutCancel(ctx)
	for i := 0; ticks <= 0 || i < ticks; i++ {
		if err := ctx.Err(); err != nil {
			return l.Finalize(), err
		}
		res, err := l.Advance(stepCtx)
		if err != nil {
			return l.Finalize(), err
		}
		if onTick != nil {
			onTick(res)
		}
	}
	return l.Finalize(), nil
}

// Handle is the write side of one attached series, handed to the sensor
// callback.
type Handle struct {
	loop *Loop
	id   string
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Record(values map[string]float64) error {
	return h.loop.Record(h.id, values)
}

func (h *Handle) RecordStamped(frame uint64, values map[string]float64) error {
	return h.loop.RecordStamped(h.id, frame, values)
}
