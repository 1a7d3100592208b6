package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/san-kum/simcap/internal/config"
)

var ErrEnsembleStepper = errors.New("session: ensembles need the local stepper")

// Ensemble repeats one configuration with consecutive seeds, each run in
// its own session and run directory.
type Ensemble struct {
	cfg     *config.Config
	numRuns int
	opts    []Option
}

func NewEnsemble(cfg *config.Config, numRuns int, opts ...Option) (*Ensemble, error) {
	if numRuns < 1 {
		return nil, fmt.Errorf("%w: ensemble size %d", config.ErrInvalid, numRuns)
	}
	// A remote world is shared state; concurrent sessions would step it
	// on top of each other.
	if cfg.Stepper.Kind == "http" {
		return nil, ErrEnsembleStepper
	}
	return &Ensemble{cfg: cfg, numRuns: numRuns, opts: opts}, nil
}

// Run starts every member concurrently and waits for all of them. Reports
// are returned in seed order; a member that failed still contributes its
// (truncated) report when one was written.
func (e *Ensemble) Run(ctx context.Context) ([]*Report, error) {
	reports := make([]*Report, e.numRuns)
	errs := make([]error, e.numRuns)

	var wg sync.WaitGroup
	for i := 0; i < e.numRuns; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			cfgCopy := e.cfg.Clone()
			cfgCopy.Seed = e.cfg.Seed + int64(idx)

			s, err := New(cfgCopy, e.opts...)
			if err != nil {
				errs[idx] = err
				return
			}
			reports[idx], errs[idx] = s.Run(ctx)
			if errs[idx] != nil {
				errs[idx] = fmt.Errorf("seed %d: %w", cfgCopy.Seed, errs[idx])
			}
		}(i)
	}

	wg.Wait()

	return reports, errors.Join(errs...)
}
