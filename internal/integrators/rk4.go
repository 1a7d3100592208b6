package integrators

// RK4 is the classic fourth-order Runge-Kutta method. It keeps scratch
// buffers between calls and is not safe for concurrent use.
type RK4 struct {
	k1, k2, k3, k4 State
	scratch        State
}

func NewRK4() *RK4 {
	return &RK4{}
}

func (r *RK4) ensureScratch(n int) {
	if len(r.k1) != n {
		r.k1 = make(State, n)
		r.k2 = make(State, n)
		r.k3 = make(State, n)
		r.k4 = make(State, n)
		r.scratch = make(State, n)
	}
}

func (r *RK4) stage(sys System, x, k State, h, t float64, out State) {
	for i := range x {
		r.scratch[i] = x[i] + h*k[i]
	}
	copy(out, sys.Derive(r.scratch, t))
}

func (r *RK4) Step(sys System, x State, t, dt float64) State {
	n := len(x)
	r.ensureScratch(n)

	copy(r.k1, sys.Derive(x, t))
	r.stage(sys, x, r.k1, dt*0.5, t+dt*0.5, r.k2)
	r.stage(sys, x, r.k2, dt*0.5, t+dt*0.5, r.k3)
	r.stage(sys, x, r.k3, dt, t+dt, r.k4)

	result := make(State, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		result[i] = x[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}
	return result
}
