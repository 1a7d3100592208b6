package capture_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/simcap/internal/capture"
)

// scriptedStepper acknowledges steps immediately unless told otherwise.
// beforeAck runs inside Step, i.e. while the loop is waiting for the ack.
type scriptedStepper struct {
	mu        sync.Mutex
	calls     int
	beforeAck func(call int)
	fail      map[int]error
	hang      map[int]bool
	release   chan struct{}
}

func newScriptedStepper() *scriptedStepper {
	return &scriptedStepper{
		fail:    map[int]error{},
		hang:    map[int]bool{},
		release: make(chan struct{}),
	}
}

func (s *scriptedStepper) Step(ctx context.Context, dt float64) error {
	defer GinkgoRecover()
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.beforeAck != nil {
		s.beforeAck(n)
	}
	if err, ok := s.fail[n]; ok {
		return err
	}
	if s.hang[n] {
		// ignores ctx on purpose: an unresponsive simulator
		<-s.release
	}
	return nil
}

var accel = []string{"accel_x", "accel_y"}

var _ = Describe("Clock", func() {
	It("rejects a non-positive tick duration", func() {
		_, err := capture.NewClock(0)
		Expect(err).To(MatchError(capture.ErrInvalidTickDuration))
		_, err = capture.NewClock(-0.05)
		Expect(err).To(MatchError(capture.ErrInvalidTickDuration))
	})

	It("derives time from the tick index", func() {
		c, err := capture.NewClock(0.05)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Tick()).To(BeZero())
		Expect(c.Elapsed()).To(BeZero())
		Expect(c.TimeAt(20)).To(BeNumerically("~", 1.0, 1e-12))
	})
})

var _ = Describe("Loop", func() {
	var (
		stepper *scriptedStepper
		loop    *capture.Loop
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		stepper = newScriptedStepper()
		var err error
		loop, err = capture.New(stepper, capture.Config{Dt: 0.05, StepTimeout: 200 * time.Millisecond})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		close(stepper.release)
	})

	advance := func(n int) {
		for i := 0; i < n; i++ {
			_, err := loop.Advance(ctx)
			Expect(err).NotTo(HaveOccurred())
		}
	}

	Describe("construction", func() {
		It("requires a stepper and a positive dt", func() {
			_, err := capture.New(nil, capture.Config{Dt: 0.05})
			Expect(err).To(HaveOccurred())
			_, err = capture.New(stepper, capture.Config{Dt: 0})
			Expect(err).To(MatchError(capture.ErrInvalidTickDuration))
		})
	})

	Describe("Attach", func() {
		It("rejects a duplicate agent", func() {
			_, err := loop.Attach("vehicle_0/imu", accel)
			Expect(err).NotTo(HaveOccurred())
			_, err = loop.Attach("vehicle_0/imu", accel)
			Expect(err).To(MatchError(capture.ErrDuplicateAgent))
		})

		It("rejects empty or repeated channels", func() {
			_, err := loop.Attach("a", nil)
			Expect(err).To(MatchError(capture.ErrInvalidSchema))
			_, err = loop.Attach("a", []string{"x", "x"})
			Expect(err).To(MatchError(capture.ErrInvalidSchema))
			_, err = loop.Attach("a", []string{"x", ""})
			Expect(err).To(MatchError(capture.ErrInvalidSchema))
		})

		It("starts a late-attached series at the open tick", func() {
			_, err := loop.Attach("early", accel)
			Expect(err).NotTo(HaveOccurred())
			advance(2)
			_, err = loop.Attach("late", accel)
			Expect(err).NotTo(HaveOccurred())
			advance(3)

			series := loop.Finalize()
			Expect(series["early"].Len()).To(Equal(5))
			Expect(series["late"].Len()).To(Equal(3))
			Expect(series["late"].Samples[0].Tick).To(Equal(uint64(2)))
		})
	})

	Describe("Advance", func() {
		It("seals exactly one sample per series per tick in tick order", func() {
			for i := 0; i < 3; i++ {
				_, err := loop.Attach(fmt.Sprintf("agent_%d", i), accel)
				Expect(err).NotTo(HaveOccurred())
			}
			advance(10)

			series := loop.Finalize()
			Expect(series).To(HaveLen(3))
			for _, s := range series {
				Expect(s.Len()).To(Equal(10))
				for i, smp := range s.Samples {
					Expect(smp.Tick).To(Equal(uint64(i)))
					Expect(smp.Time).To(BeNumerically("~", float64(i)*0.05, 1e-12))
				}
			}
		})

		It("marks ticks without callbacks partial with every channel absent", func() {
			_, err := loop.Attach("vehicle_0/imu", accel)
			Expect(err).NotTo(HaveOccurred())

			res, err := loop.Advance(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Complete("vehicle_0/imu")).To(BeFalse())
			Expect(res.PartialIDs()).To(Equal([]string{"vehicle_0/imu"}))

			smp := res.Samples["vehicle_0/imu"]
			Expect(smp.Values).To(BeEmpty())
			_, ok := smp.Value("accel_x")
			Expect(ok).To(BeFalse())
		})

		It("marks a sample with some channels missing as partial", func() {
			h, err := loop.Attach("vehicle_0/imu", accel)
			Expect(err).NotTo(HaveOccurred())
			stepper.beforeAck = func(int) {
				Expect(h.Record(map[string]float64{"accel_x": 0.0})).To(Succeed())
			}

			res, err := loop.Advance(ctx)
			Expect(err).NotTo(HaveOccurred())
			smp := res.Samples["vehicle_0/imu"]
			Expect(smp.Complete).To(BeFalse())
			v, ok := smp.Value("accel_x")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(0.0))
			_, ok = smp.Value("accel_y")
			Expect(ok).To(BeFalse())
		})

		It("keeps the last value of a channel written twice in one tick", func() {
			h, err := loop.Attach("a", []string{"x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.Record(map[string]float64{"x": 1})).To(Succeed())
			Expect(h.Record(map[string]float64{"x": 2})).To(Succeed())

			res, err := loop.Advance(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Samples["a"].Values).To(Equal(map[string]float64{"x": 2}))
		})

		It("captures callbacks delivered before the 1st and 3rd acknowledgements only", func() {
			h, err := loop.Attach("vehicle_0/imu", accel)
			Expect(err).NotTo(HaveOccurred())
			stepper.beforeAck = func(call int) {
				if call == 1 || call == 3 {
					Expect(h.Record(map[string]float64{"accel_x": 1.0, "accel_y": 2.0})).To(Succeed())
				}
			}
			advance(3)

			s := loop.Finalize()["vehicle_0/imu"]
			Expect(s.Len()).To(Equal(3))

			Expect(s.Samples[0].Complete).To(BeTrue())
			Expect(s.Samples[0].Values).To(Equal(map[string]float64{"accel_x": 1.0, "accel_y": 2.0}))

			Expect(s.Samples[1].Complete).To(BeFalse())
			Expect(s.Samples[1].Values).To(BeEmpty())

			Expect(s.Samples[2].Complete).To(BeTrue())
			Expect(s.Samples[2].Values).To(Equal(map[string]float64{"accel_x": 1.0, "accel_y": 2.0}))
		})

		It("lets callbacks for different agents run concurrently", func() {
			const agents = 8
			handles := make([]*capture.Handle, agents)
			for i := range handles {
				h, err := loop.Attach(fmt.Sprintf("agent_%d", i), accel)
				Expect(err).NotTo(HaveOccurred())
				handles[i] = h
			}
			stepper.beforeAck = func(int) {
				var wg sync.WaitGroup
				for _, h := range handles {
					wg.Add(1)
					go func(h *capture.Handle) {
						defer wg.Done()
						defer GinkgoRecover()
						Expect(h.Record(map[string]float64{"accel_x": 1})).To(Succeed())
						Expect(h.Record(map[string]float64{"accel_y": 2})).To(Succeed())
					}(h)
				}
				wg.Wait()
			}
			advance(5)

			for _, s := range loop.Finalize() {
				Expect(s.Partial()).To(BeZero())
			}
		})
	})

	Describe("late callbacks", func() {
		It("attributes a write after tick T was sealed to tick T+1", func() {
			h, err := loop.Attach("vehicle_0/imu", accel)
			Expect(err).NotTo(HaveOccurred())

			advance(1)
			Expect(h.Record(map[string]float64{"accel_x": 3, "accel_y": 4})).To(Succeed())
			advance(1)

			s := loop.Finalize()["vehicle_0/imu"]
			Expect(s.Samples[0].Values).To(BeEmpty())
			Expect(s.Samples[1].Values).To(Equal(map[string]float64{"accel_x": 3, "accel_y": 4}))
		})

		It("counts stamped writes for an already sealed frame as late", func() {
			h, err := loop.Attach("vehicle_0/imu", accel)
			Expect(err).NotTo(HaveOccurred())

			advance(1)
			Expect(h.RecordStamped(0, map[string]float64{"accel_x": 3, "accel_y": 4})).To(Succeed())
			advance(1)

			s := loop.Finalize()["vehicle_0/imu"]
			Expect(s.Samples[0].Late).To(BeZero())
			Expect(s.Samples[1].Late).To(Equal(1))
			Expect(s.Samples[1].Complete).To(BeTrue())
			Expect(s.Late()).To(Equal(1))
		})

		It("measures lateness from the first frame of a long-running simulator", func() {
			const first = 1000
			rebased, err := capture.New(stepper, capture.Config{Dt: 0.05, FirstFrame: first})
			Expect(err).NotTo(HaveOccurred())
			h, err := rebased.Attach("vehicle_0/imu", accel)
			Expect(err).NotTo(HaveOccurred())

			full := map[string]float64{"accel_x": 1, "accel_y": 2}
			Expect(h.RecordStamped(first, full)).To(Succeed())
			_, err = rebased.Advance(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.RecordStamped(first, full)).To(Succeed())
			Expect(h.RecordStamped(first+1, full)).To(Succeed())
			_, err = rebased.Advance(ctx)
			Expect(err).NotTo(HaveOccurred())

			s := rebased.Finalize()["vehicle_0/imu"]
			Expect(s.Samples[0].Late).To(BeZero())
			Expect(s.Samples[1].Late).To(Equal(1))
		})
	})

	Describe("tick results", func() {
		It("do not share values with the sealed series", func() {
			h, err := loop.Attach("vehicle_0/imu", accel)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.Record(map[string]float64{"accel_x": 1, "accel_y": 2})).To(Succeed())

			res, err := loop.Advance(ctx)
			Expect(err).NotTo(HaveOccurred())
			res.Samples["vehicle_0/imu"].Values["accel_x"] = 99
			delete(res.Samples["vehicle_0/imu"].Values, "accel_y")

			s := loop.Finalize()["vehicle_0/imu"]
			Expect(s.Samples[0].Values).To(Equal(map[string]float64{"accel_x": 1, "accel_y": 2}))
			Expect(s.Samples[0].Complete).To(BeTrue())
		})
	})

	Describe("Record", func() {
		It("rejects unknown agents and channels without touching the open sample", func() {
			h, err := loop.Attach("a", accel)
			Expect(err).NotTo(HaveOccurred())

			Expect(loop.Record("b", map[string]float64{"accel_x": 1})).To(MatchError(capture.ErrUnknownAgent))
			Expect(h.Record(map[string]float64{"accel_x": 1, "speed": 2})).To(MatchError(capture.ErrUnknownChannel))

			res, err := loop.Advance(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Samples["a"].Values).To(BeEmpty())
		})
	})

	Describe("step failures", func() {
		It("returns StepFailedError and leaves every series untouched", func() {
			_, err := loop.Attach("a", accel)
			Expect(err).NotTo(HaveOccurred())
			cause := errors.New("connection lost")
			stepper.fail[2] = cause

			advance(1)
			_, err = loop.Advance(ctx)
			var failed *capture.StepFailedError
			Expect(errors.As(err, &failed)).To(BeTrue())
			Expect(failed.Tick).To(Equal(uint64(1)))
			Expect(err).To(MatchError(cause))
			Expect(capture.IsStepError(err)).To(BeTrue())
			Expect(loop.Tick()).To(Equal(uint64(1)))

			// the caller retries; ticks stay contiguous
			advance(1)
			s := loop.Finalize()["a"]
			Expect(s.Len()).To(Equal(2))
			Expect(s.Samples[1].Tick).To(Equal(uint64(1)))
		})

		It("keeps writes made during a failed step for the retried tick", func() {
			h, err := loop.Attach("a", accel)
			Expect(err).NotTo(HaveOccurred())
			stepper.fail[1] = errors.New("boom")
			stepper.beforeAck = func(call int) {
				if call == 1 {
					Expect(h.Record(map[string]float64{"accel_x": 1, "accel_y": 1})).To(Succeed())
				}
			}

			_, err = loop.Advance(ctx)
			Expect(err).To(HaveOccurred())
			res, err := loop.Advance(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tick).To(BeZero())
			Expect(res.Complete("a")).To(BeTrue())
		})

		It("returns StepTimeoutError on the 2nd advance and still finalizes 1 tick", func() {
			for _, id := range []string{"a", "b"} {
				_, err := loop.Attach(id, accel)
				Expect(err).NotTo(HaveOccurred())
			}
			stepper.hang[2] = true

			advance(1)
			_, err := loop.Advance(ctx)
			var timeout *capture.StepTimeoutError
			Expect(errors.As(err, &timeout)).To(BeTrue())
			Expect(timeout.Tick).To(Equal(uint64(1)))
			Expect(capture.IsStepError(err)).To(BeTrue())

			series := loop.Finalize()
			Expect(series).To(HaveLen(2))
			for _, s := range series {
				Expect(s.Len()).To(Equal(1))
			}
		})

		It("reports a cancelled caller context as a step failure", func() {
			_, err := loop.Attach("a", accel)
			Expect(err).NotTo(HaveOccurred())
			stepper.hang[1] = true
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, err = loop.Advance(cctx)
			Expect(err).To(MatchError(context.Canceled))
			Expect(loop.Finalize()["a"].Len()).To(BeZero())
		})
	})

	Describe("Finalize", func() {
		It("closes the session", func() {
			h, err := loop.Attach("a", accel)
			Expect(err).NotTo(HaveOccurred())
			advance(2)

			first := loop.Finalize()
			Expect(first["a"].Len()).To(Equal(2))

			_, err = loop.Attach("b", accel)
			Expect(err).To(MatchError(capture.ErrSessionClosed))
			Expect(h.Record(map[string]float64{"accel_x": 1})).To(MatchError(capture.ErrSessionClosed))
			_, err = loop.Advance(ctx)
			Expect(err).To(MatchError(capture.ErrSessionClosed))

			second := loop.Finalize()
			Expect(second["a"]).To(BeIdenticalTo(first["a"]))
		})

		It("discards the open tick", func() {
			h, err := loop.Attach("a", accel)
			Expect(err).NotTo(HaveOccurred())
			advance(1)
			Expect(h.Record(map[string]float64{"accel_x": 1, "accel_y": 2})).To(Succeed())

			s := loop.Finalize()["a"]
			Expect(s.Len()).To(Equal(1))
		})
	})

	Describe("Run", func() {
		It("runs a fixed number of ticks", func() {
			_, err := loop.Attach("a", accel)
			Expect(err).NotTo(HaveOccurred())
			var seen []uint64
			series, err := loop.Run(ctx, 4, func(r capture.TickResult) { seen = append(seen, r.Tick) })
			Expect(err).NotTo(HaveOccurred())
			Expect(seen).To(Equal([]uint64{0, 1, 2, 3}))
			Expect(series["a"].Len()).To(Equal(4))
		})

		It("stops between steps on cancellation and returns the sealed ticks", func() {
			_, err := loop.Attach("a", accel)
			Expect(err).NotTo(HaveOccurred())
			cctx, cancel := context.WithCancel(ctx)
			defer cancel()

			series, err := loop.Run(cctx, 0, func(r capture.TickResult) {
				if r.Tick == 2 {
					cancel()
				}
			})
			Expect(err).To(MatchError(context.Canceled))
			Expect(series["a"].Len()).To(Equal(3))
			_, err = loop.Advance(ctx)
			Expect(err).To(MatchError(capture.ErrSessionClosed))
		})

		It("finalizes after a step error", func() {
			_, err := loop.Attach("a", accel)
			Expect(err).NotTo(HaveOccurred())
			stepper.fail[3] = errors.New("lost")

			series, err := loop.Run(ctx, 10, nil)
			Expect(capture.IsStepError(err)).To(BeTrue())
			Expect(series["a"].Len()).To(Equal(2))
		})
	})
})

var _ = Describe("Series", func() {
	var s *capture.Series

	BeforeEach(func() {
		s = &capture.Series{
			ID:       "a",
			Channels: []string{"x"},
			Samples: []capture.Sample{
				{Tick: 0, Time: 0, Values: map[string]float64{"x": 1}, Complete: true},
				{Tick: 1, Time: 0.5, Values: map[string]float64{}},
				{Tick: 2, Time: 1.0, Values: map[string]float64{"x": 3}, Complete: true, Late: 2},
			},
		}
	})

	It("exposes a column with a presence mask", func() {
		vals, present := s.Column("x")
		Expect(present).To(Equal([]bool{true, false, true}))
		Expect(vals[0]).To(Equal(1.0))
		Expect(vals[2]).To(Equal(3.0))
	})

	It("returns only present points", func() {
		times, vals := s.Present("x")
		Expect(times).To(Equal([]float64{0, 1.0}))
		Expect(vals).To(Equal([]float64{1, 3}))
	})

	It("counts partial samples and late writes", func() {
		Expect(s.Partial()).To(Equal(1))
		Expect(s.Late()).To(Equal(2))
		Expect(s.HasChannel("x")).To(BeTrue())
		Expect(s.HasChannel("y")).To(BeFalse())
	})

	It("skips a warm-up window", func() {
		Expect(s.Skip(2).Samples).To(HaveLen(1))
		Expect(s.Skip(2).Samples[0].Tick).To(Equal(uint64(2)))
		Expect(s.Skip(10).Len()).To(BeZero())
		Expect(s.Skip(-1).Len()).To(Equal(3))
		Expect(s.Len()).To(Equal(3))
	})
})
