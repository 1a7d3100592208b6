// Package sensors defines the sensor kinds an agent can carry and the
// fixed channel schema each of them produces.
package sensors

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// StandardGravity is subtracted from the vertical accelerometer channel
// when gravity compensation is on.
const StandardGravity = 9.81

type Kind string

const (
	IMU      Kind = "imu"
	GNSS     Kind = "gnss"
	Position Kind = "position"
	Velocity Kind = "velocity"
)

var schemas = map[Kind][]string{
	IMU:      {"accel_x", "accel_y", "accel_z", "gyro_x", "gyro_y", "gyro_z", "compass"},
	GNSS:     {"latitude", "longitude", "altitude"},
	Position: {"x", "y", "z"},
	Velocity: {"vx", "vy", "vz"},
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := schemas[k]; !ok {
		return "", fmt.Errorf("unknown sensor: %s (available: %v)", s, Kinds())
	}
	return k, nil
}

// Kinds lists the known sensor kinds, sorted.
func Kinds() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// Channels returns a copy of the channel schema of k, or nil for an
// unknown kind.
func (k Kind) Channels() []string {
	ch, ok := schemas[k]
	if !ok {
		return nil
	}
	out := make([]string, len(ch))
	copy(out, ch)
	return out
}

// SeriesID names the capture series of one sensor on one agent.
func SeriesID(agent string, k Kind) string {
	return agent + "/" + string(k)
}

// SplitSeriesID is the inverse of SeriesID.
func SplitSeriesID(id string) (string, Kind, bool) {
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], Kind(id[i+1:]), true
}

type Vector3 struct {
	X, Y, Z float64
}

// IMUReading is one inertial measurement in the agent frame.
type IMUReading struct {
	Accel Vector3 // m/s²
	Gyro  Vector3 // rad/s
	// Compass is the heading in radians, [0, 2π).
	Compass float64
}

// Values flattens the reading into the IMU schema. With compensate set,
// StandardGravity is removed from accel_z.
func (r IMUReading) Values(compensate bool) map[string]float64 {
	az := r.Accel.Z
	if compensate {
		az -= StandardGravity
	}
	return map[string]float64{
		"accel_x": r.Accel.X,
		"accel_y": r.Accel.Y,
		"accel_z": az,
		"gyro_x":  r.Gyro.X,
		"gyro_y":  r.Gyro.Y,
		"gyro_z":  r.Gyro.Z,
		"compass": NormalizeHeading(r.Compass),
	}
}

// NormalizeHeading wraps an angle into [0, 2π).
func NormalizeHeading(rad float64) float64 {
	h := math.Mod(rad, 2*math.Pi)
	if h < 0 {
		h += 2 * math.Pi
	}
	return h
}

func PositionValues(p Vector3) map[string]float64 {
	return map[string]float64{"x": p.X, "y": p.Y, "z": p.Z}
}

func VelocityValues(v Vector3) map[string]float64 {
	return map[string]float64{"vx": v.X, "vy": v.Y, "vz": v.Z}
}
