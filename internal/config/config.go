package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/simcap/internal/sensors"
	"github.com/san-kum/simcap/internal/world"
)

const (
	DefaultDt          = 0.05
	DefaultDuration    = 20.0
	DefaultWarmup      = 5
	DefaultStepTimeout = 2 * time.Second
	DefaultDataDir     = "./runs"
	DefaultTopic       = "simcap.readings"
)

var ErrInvalid = errors.New("config: invalid")

// Config describes one capture experiment. Realtime paces ticks to
// wall-clock dt instead of stepping as fast as the stepper allows.
type Config struct {
	Name        string          `yaml:"name"`
	Mode        string          `yaml:"mode"`
	Dt          float64         `yaml:"dt"`
	Duration    float64         `yaml:"duration"`
	StepTimeout time.Duration   `yaml:"step_timeout"`
	StepRetries int             `yaml:"step_retries"`
	Warmup      int             `yaml:"warmup"`
	Seed        int64           `yaml:"seed"`
	Realtime    bool            `yaml:"realtime"`
	DataDir     string          `yaml:"data_dir"`
	Sink        string          `yaml:"sink"`
	Agents      []AgentConfig   `yaml:"agents"`
	World       WorldConfig     `yaml:"world"`
	Stepper     StepperConfig   `yaml:"stepper"`
	Feed        FeedConfig      `yaml:"feed"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

type AgentConfig struct {
	ID      string   `yaml:"id"`
	Kind    string   `yaml:"kind"`
	Sensors []string `yaml:"sensors"`
}

type WorldConfig struct {
	Latency             time.Duration `yaml:"latency"`
	DropRate            float64       `yaml:"drop_rate"`
	Noise               float64       `yaml:"noise"`
	FailAfter           int           `yaml:"fail_after"`
	GravityCompensation bool          `yaml:"gravity_compensation"`
	Geo                 GeoConfig     `yaml:"geo"`
}

type GeoConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Altitude  float64 `yaml:"altitude"`
}

// StepperConfig selects who advances the simulation: the in-process
// world or a remote bridge over HTTP.
type StepperConfig struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// FeedConfig selects how sensor readings reach the capture loop.
type FeedConfig struct {
	Kind     string   `yaml:"kind"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

type TelemetryConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Name:        "custom",
		Mode:        string(world.Sync),
		Dt:          DefaultDt,
		Duration:    DefaultDuration,
		StepTimeout: DefaultStepTimeout,
		Warmup:      DefaultWarmup,
		DataDir:     DefaultDataDir,
		Sink:        "csv",
		Agents: []AgentConfig{
			{ID: "vehicle_0", Kind: string(world.Vehicle), Sensors: []string{string(sensors.IMU)}},
		},
		Stepper: StepperConfig{Kind: "local"},
		Feed:    FeedConfig{Kind: "local", Topic: DefaultTopic},
		Telemetry: TelemetryConfig{
			Interval: 10 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Ticks is the number of capture ticks covering Duration.
func (c *Config) Ticks() int {
	return int(math.Round(c.Duration / c.Dt))
}

func (c *Config) Clone() *Config {
	out := *c
	out.Agents = make([]AgentConfig, len(c.Agents))
	for i, a := range c.Agents {
		a.Sensors = append([]string(nil), a.Sensors...)
		out.Agents[i] = a
	}
	out.Feed.Brokers = append([]string(nil), c.Feed.Brokers...)
	return &out
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !(c.Dt > 0) {
		bad("dt must be positive, got %v", c.Dt)
	}
	if !(c.Duration > 0) {
		bad("duration must be positive, got %v", c.Duration)
	}
	if c.Dt > 0 && c.Duration > 0 && c.Warmup >= c.Ticks() {
		bad("warmup %d leaves no samples out of %d ticks", c.Warmup, c.Ticks())
	}
	if c.Warmup < 0 || c.StepRetries < 0 || c.StepTimeout < 0 {
		bad("warmup, step_retries and step_timeout must not be negative")
	}
	switch world.Mode(c.Mode) {
	case world.Sync, world.Async:
	default:
		bad("mode %q (want sync or async)", c.Mode)
	}
	if c.World.DropRate < 0 || c.World.DropRate >= 1 {
		bad("drop_rate %v outside [0, 1)", c.World.DropRate)
	}

	if len(c.Agents) == 0 {
		bad("no agents")
	}
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.ID == "" || strings.Contains(a.ID, "/") {
			bad("agent id %q", a.ID)
		}
		if seen[a.ID] {
			bad("duplicate agent %q", a.ID)
		}
		seen[a.ID] = true
		if _, err := world.ParseAgentKind(a.Kind); err != nil {
			bad("agent %s: kind %q", a.ID, a.Kind)
		}
		if len(a.Sensors) == 0 {
			bad("agent %s has no sensors", a.ID)
		}
		for _, s := range a.Sensors {
			if _, err := sensors.ParseKind(s); err != nil {
				bad("agent %s: %v", a.ID, err)
			}
		}
	}

	switch c.Stepper.Kind {
	case "local":
	case "http":
		if c.Stepper.URL == "" {
			bad("stepper http needs url")
		}
		if c.Feed.Kind == "local" {
			bad("stepper http needs an mqtt or kafka feed")
		}
	default:
		bad("stepper %q (want local or http)", c.Stepper.Kind)
	}
	switch c.Feed.Kind {
	case "local":
	case "mqtt", "kafka":
		if len(c.Feed.Brokers) == 0 {
			bad("feed %s needs brokers", c.Feed.Kind)
		}
	default:
		bad("feed %q (want local, mqtt or kafka)", c.Feed.Kind)
	}
	switch c.Sink {
	case "csv", "sqlite":
	default:
		bad("sink %q (want csv or sqlite)", c.Sink)
	}

	return errors.Join(errs...)
}

// LoadEnv reads an optional .env file into the process environment.
func LoadEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides deployment settings from SIMCAP_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SIMCAP_DATA"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SIMCAP_MQTT_BROKER"); v != "" && c.Feed.Kind == "mqtt" {
		c.Feed.Brokers = []string{v}
	}
	if v := os.Getenv("SIMCAP_KAFKA_BROKERS"); v != "" && c.Feed.Kind == "kafka" {
		c.Feed.Brokers = splitList(v)
	}
	if v := os.Getenv("SIMCAP_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
