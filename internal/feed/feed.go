// Package feed carries sensor readings between processes. A world serving
// a remote capture publishes every reading; the capturing side subscribes
// and hands each one to the loop stamped with its simulator frame.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/san-kum/simcap/internal/capture"
	"github.com/san-kum/simcap/internal/sensors"
	"github.com/san-kum/simcap/internal/world"
)

var ErrInvalidReading = errors.New("feed: invalid reading")

type Reading struct {
	Agent  string             `json:"agent"`
	Sensor string             `json:"sensor"`
	Frame  uint64             `json:"frame"`
	Values map[string]float64 `json:"values"`
}

func (r Reading) SeriesID() string {
	return sensors.SeriesID(r.Agent, sensors.Kind(r.Sensor))
}

func Decode(payload []byte) (Reading, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}
	if r.Agent == "" || r.Sensor == "" || len(r.Values) == 0 {
		return r, fmt.Errorf("%w: missing agent, sensor or values", ErrInvalidReading)
	}
	return r, nil
}

// Recorder is the capture side of a feed. *capture.Loop satisfies it.
type Recorder interface {
	RecordStamped(id string, frame uint64, values map[string]float64) error
}

// Deliver decodes one payload into rec. Readings for series the loop does
// not track, or arriving after finalize, are dropped with a debug log.
func Deliver(rec Recorder, payload []byte, logger *slog.Logger) error {
	r, err := Decode(payload)
	if err != nil {
		return err
	}
	err = rec.RecordStamped(r.SeriesID(), r.Frame, r.Values)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, capture.ErrUnknownAgent), errors.Is(err, capture.ErrSessionClosed):
		logger.Debug("reading ignored", "series", r.SeriesID(), "frame", r.Frame, "err", err)
		return nil
	default:
		return err
	}
}

type Subscriber interface {
	// Start subscribes and returns once readings can flow into rec.
	Start(ctx context.Context, rec Recorder) error
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, r Reading) error
	Close() error
}

// Bridge publishes every reading of every listed sensor on every agent of
// w. Publish failures are logged and the reading is lost.
func Bridge(ctx context.Context, w *world.World, kinds []sensors.Kind, pub Publisher, logger *slog.Logger) error {
	for _, a := range w.Agents() {
		for _, k := range kinds {
			agent, kind := a.ID, k
			err := w.Listen(agent, kind, func(frame uint64, values map[string]float64) {
				r := Reading{Agent: agent, Sensor: string(kind), Frame: frame, Values: values}
				if err := pub.Publish(ctx, r); err != nil {
					logger.Warn("publish failed", "series", r.SeriesID(), "frame", frame, "err", err)
				}
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
