package capture

// Clock is a fixed-step simulation clock. The zero tick is the first one
// opened by a session.
type Clock struct {
	tick uint64
	dt   float64
}

func NewClock(dt float64) (*Clock, error) {
	if !(dt > 0) {
		return nil, ErrInvalidTickDuration
	}
	return &Clock{dt: dt}, nil
}

// Tick returns the index of the tick currently open.
func (c *Clock) Tick() uint64 { return c.tick }

func (c *Clock) Dt() float64 { return c.dt }

// Elapsed returns the simulated seconds covered by the ticks already sealed.
func (c *Clock) Elapsed() float64 { return c.TimeAt(c.tick) }

// TimeAt returns the simulated time at the start of tick.
func (c *Clock) TimeAt(tick uint64) float64 { return float64(tick) * c.dt }

func (c *Clock) advance() { c.tick++ }
