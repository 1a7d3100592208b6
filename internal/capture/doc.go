// Package capture aligns asynchronous sensor callbacks with a fixed-step
// simulation clock.
//
// A [Loop] owns one open sample per attached series. Callbacks write into
// the open sample through [Loop.Record]; [Loop.Advance] asks the [Stepper]
// for exactly one step, waits for its acknowledgement and then seals every
// open sample at once:
//
//	loop, _ := capture.New(world, capture.Config{Dt: 0.05, StepTimeout: 10 * time.Second})
//	imu, _ := loop.Attach("vehicle_0/imu", sensors.IMU.Channels())
//	world.Listen("vehicle_0", sensors.IMU, func(frame uint64, v map[string]float64) {
//	    _ = loop.RecordStamped(imu.ID(), frame, v)
//	})
//	series, err := loop.Run(ctx, 1200, nil)
//
// # Late callbacks
//
// A callback that arrives after its tick was sealed is attributed to the
// next open tick. Sealed samples are never written again.
//
// # Missing data
//
// A tick with no callback for a series is sealed as a partial sample with
// every channel absent. Absence is never encoded as a number.
//
// # Thread Safety
//
// Record and RecordStamped may be called from any goroutine. Advance, Run
// and Finalize are meant for a single driving goroutine.
package capture
