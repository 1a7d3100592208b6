package config

import (
	"sort"
	"time"
)

var Presets = map[string]*Config{
	"sync-imu": {
		Name: "sync-imu", Mode: "sync", Dt: 0.05, Duration: 20.0, Warmup: 5,
		Agents: []AgentConfig{{ID: "vehicle_0", Kind: "vehicle", Sensors: []string{"imu"}}},
		World:  WorldConfig{Noise: 0.02},
	},
	"async-imu": {
		Name: "async-imu", Mode: "async", Dt: 0.05, Duration: 20.0, Warmup: 5, Realtime: true,
		Agents: []AgentConfig{{ID: "vehicle_0", Kind: "vehicle", Sensors: []string{"imu"}}},
		World:  WorldConfig{Noise: 0.02, Latency: 80 * time.Millisecond},
	},
	"fleet-imu": {
		Name: "fleet-imu", Mode: "sync", Dt: 0.05, Duration: 30.0, Warmup: 5,
		Agents: []AgentConfig{
			{ID: "vehicle_0", Kind: "vehicle", Sensors: []string{"imu", "velocity"}},
			{ID: "vehicle_1", Kind: "vehicle", Sensors: []string{"imu", "velocity"}},
			{ID: "vehicle_2", Kind: "vehicle", Sensors: []string{"imu", "velocity"}},
			{ID: "vehicle_3", Kind: "vehicle", Sensors: []string{"imu", "velocity"}},
		},
		World: WorldConfig{Noise: 0.02},
	},
	"mixed-agents": {
		Name: "mixed-agents", Mode: "sync", Dt: 0.05, Duration: 30.0, Warmup: 5,
		Agents: []AgentConfig{
			{ID: "vehicle_0", Kind: "vehicle", Sensors: []string{"imu", "position"}},
			{ID: "vehicle_1", Kind: "vehicle", Sensors: []string{"imu", "position"}},
			{ID: "walker_0", Kind: "pedestrian", Sensors: []string{"imu", "position"}},
			{ID: "walker_1", Kind: "pedestrian", Sensors: []string{"imu", "position"}},
		},
		World: WorldConfig{Noise: 0.05, DropRate: 0.02},
	},
	"gnss-route": {
		Name: "gnss-route", Mode: "sync", Dt: 0.1, Duration: 60.0, Warmup: 5,
		Agents: []AgentConfig{{ID: "vehicle_0", Kind: "vehicle", Sensors: []string{"gnss", "position", "velocity"}}},
		World: WorldConfig{
			DropRate: 0.1,
			Geo:      GeoConfig{Latitude: 49.0, Longitude: 8.0, Altitude: 110},
		},
	},
}

// GetPreset returns a full config built from the named preset on top of
// the defaults, or nil.
func GetPreset(name string) *Config {
	p, ok := Presets[name]
	if !ok {
		return nil
	}
	cfg := DefaultConfig()
	cfg.Name = p.Name
	cfg.Mode = p.Mode
	cfg.Dt = p.Dt
	cfg.Duration = p.Duration
	cfg.Warmup = p.Warmup
	cfg.Realtime = p.Realtime
	cfg.World = p.World
	cfg.Agents = p.Clone().Agents
	return cfg
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
