package world

import (
	"math"
	"math/rand"

	"github.com/san-kum/simcap/internal/integrators"
	"github.com/san-kum/simcap/internal/sensors"
)

type AgentKind string

const (
	Vehicle    AgentKind = "vehicle"
	Pedestrian AgentKind = "pedestrian"
)

func ParseAgentKind(s string) (AgentKind, error) {
	switch AgentKind(s) {
	case Vehicle, Pedestrian:
		return AgentKind(s), nil
	}
	return "", ErrUnknownKind
}

// Kinematics is the ground truth of one agent after a frame.
type Kinematics struct {
	Position sensors.Vector3
	Velocity sensors.Vector3
	IMU      sensors.IMUReading
}

type body interface {
	advance(t, dt float64, rng *rand.Rand)
	kinematics() Kinematics
}

// vehicle is a kinematic bicycle model. State is [x, y, yaw, v].
type vehicle struct {
	integ     *integrators.RK4
	state     integrators.State
	wheelbase float64
	target    float64
	gain      float64
	steerAmp  float64
	steerFreq float64
	phase     float64

	accel   float64
	yawRate float64
}

func newVehicle(x, y float64, rng *rand.Rand) *vehicle {
	return &vehicle{
		integ:     integrators.NewRK4(),
		state:     integrators.State{x, y, 0, 0},
		wheelbase: 2.8,
		target:    8 + 4*rng.Float64(),
		gain:      0.8,
		steerAmp:  0.02 + 0.04*rng.Float64(),
		steerFreq: 0.2 + 0.3*rng.Float64(),
		phase:     2 * math.Pi * rng.Float64(),
	}
}

func (v *vehicle) steer(t float64) float64 {
	return v.steerAmp * math.Sin(v.steerFreq*t+v.phase)
}

func (v *vehicle) Derive(x integrators.State, t float64) integrators.State {
	yaw, speed := x[2], x[3]
	return integrators.State{
		speed * math.Cos(yaw),
		speed * math.Sin(yaw),
		speed / v.wheelbase * math.Tan(v.steer(t)),
		v.gain * (v.target - speed),
	}
}

func (v *vehicle) advance(t, dt float64, _ *rand.Rand) {
	v.state = v.integ.Step(v, v.state, t, dt)
	d := v.Derive(v.state, t+dt)
	v.yawRate = d[2]
	v.accel = d[3]
}

func (v *vehicle) kinematics() Kinematics {
	x, y, yaw, speed := v.state[0], v.state[1], v.state[2], v.state[3]
	return Kinematics{
		Position: sensors.Vector3{X: x, Y: y},
		Velocity: sensors.Vector3{X: speed * math.Cos(yaw), Y: speed * math.Sin(yaw)},
		IMU: sensors.IMUReading{
			Accel:   sensors.Vector3{X: v.accel, Y: speed * v.yawRate, Z: sensors.StandardGravity},
			Gyro:    sensors.Vector3{Z: v.yawRate},
			Compass: yaw,
		},
	}
}

// pedestrian walks at constant speed with a randomly drifting heading.
// State is [x, y, heading].
type pedestrian struct {
	integ *integrators.Euler
	state integrators.State
	speed float64
	turn  float64
}

func newPedestrian(x, y float64, rng *rand.Rand) *pedestrian {
	h := 2 * math.Pi * rng.Float64()
	return &pedestrian{
		integ: integrators.NewEuler(),
		state: integrators.State{x, y, h},
		speed: 1.2 + 0.4*rng.Float64(),
	}
}

func (p *pedestrian) Derive(x integrators.State, t float64) integrators.State {
	return integrators.State{
		p.speed * math.Cos(x[2]),
		p.speed * math.Sin(x[2]),
		p.turn,
	}
}

func (p *pedestrian) advance(t, dt float64, rng *rand.Rand) {
	p.turn = 0.5 * rng.NormFloat64()
	p.state = p.integ.Step(p, p.state, t, dt)
}

func (p *pedestrian) kinematics() Kinematics {
	h := p.state[2]
	return Kinematics{
		Position: sensors.Vector3{X: p.state[0], Y: p.state[1]},
		Velocity: sensors.Vector3{X: p.speed * math.Cos(h), Y: p.speed * math.Sin(h)},
		IMU: sensors.IMUReading{
			Accel:   sensors.Vector3{Y: p.speed * p.turn, Z: sensors.StandardGravity},
			Gyro:    sensors.Vector3{Z: p.turn},
			Compass: h,
		},
	}
}
