package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Device          DeviceConfig      `yaml:"device"`
	Queue           QueueConfig       `yaml:"queue"`
	Transitions     TransitionsConfig `yaml:"transitions"`
	Web             WebConfig         `yaml:"web"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Telemetry       TelemetryConfig   `yaml:"telemetry"`
	Discovery       DiscoveryConfig   `yaml:"discovery"`
	Geo             GeoConfig         `yaml:"geo"`
	Schedules       []ScheduleConfig  `yaml:"schedules"`
	Database        DatabaseConfig    `yaml:"database"`
	History         HistoryConfig     `yaml:"history"`
	Log             LogConfig         `yaml:"log"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// Device drivers
const (
	DriverUSB       = "usb"
	DriverSimulated = "simulated"
)

// DeviceConfig selects and tunes the transport
type DeviceConfig struct {
	Driver           string   `yaml:"driver"`            // usb or simulated (default: usb)
	Program          string   `yaml:"program"`           // smooth or static (default: smooth)
	ReadResponse     bool     `yaml:"read_response"`     // Read the interrupt status report after each write
	Timeout          Duration `yaml:"timeout"`           // USB transfer timeout (default: 100ms)
	SimulatedLatency Duration `yaml:"simulated_latency"` // Per-command delay of the simulated driver
}

// QueueConfig contains command queue settings
type QueueConfig struct {
	MaxSize   int      `yaml:"max_size"`   // default: 100
	IdleDelay Duration `yaml:"idle_delay"` // default: 15ms
	TickDelay Duration `yaml:"tick_delay"` // default: 1ms
}

// ChannelsConfig names the colour channels driven by sunrise and sunset
type ChannelsConfig struct {
	Red   uint8 `yaml:"red"`
	Green uint8 `yaml:"green"`
	Blue  uint8 `yaml:"blue"`
}

// TransitionsConfig contains transition settings
type TransitionsConfig struct {
	DefaultDuration Duration          `yaml:"default_duration"` // Used when a request carries no duration (default: 30m)
	Channels        *ChannelsConfig   `yaml:"channels"`         // default: red 14, green 13, blue 12
	Scripts         map[string]string `yaml:"scripts"`          // name -> Lua file
	ScriptDir       string            `yaml:"script_dir"`       // Every *.lua file is loaded under its base name
}

// WebConfig contains the HTTP/WebSocket control surface settings
type WebConfig struct {
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	DocumentRoot string  `yaml:"document_root"` // Static files; the embedded page is served when empty
	RateLimit    float64 `yaml:"rate_limit"`    // Inbound messages per second per viewer (default: 50)
	RateBurst    int     `yaml:"rate_burst"`    // default: 100
}

// Addr returns host:port
func (c WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Broker      string   `yaml:"broker"` // tcp://host:1883
	ClientID    string   `yaml:"client_id"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	TopicPrefix string   `yaml:"topic_prefix"` // default: mp710
	QoS         byte     `yaml:"qos"`
	KeepAlive   Duration `yaml:"keep_alive"` // default: 60s
}

// TelemetryConfig contains InfluxDB settings
type TelemetryConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	Measurement   string   `yaml:"measurement"`    // default: mp710_channel
	BatchSize     uint     `yaml:"batch_size"`     // default: 100
	FlushInterval Duration `yaml:"flush_interval"` // default: 10s
}

// DiscoveryConfig contains mDNS advertisement settings
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"` // default: mp710
	Service  string `yaml:"service"`  // default: _http._tcp
	Domain   string `yaml:"domain"`   // default: local.
}

// GeoConfig contains the location used for sun-relative schedules
type GeoConfig struct {
	Timezone string  `yaml:"timezone"`
	Lat      float64 `yaml:"lat,omitempty"`
	Lon      float64 `yaml:"lon,omitempty"`
}

// ScheduleConfig is one daily transition
type ScheduleConfig struct {
	ID         string   `yaml:"id"`
	At         string   `yaml:"at"`         // "07:00" or "@sunrise - 30m"
	Transition string   `yaml:"transition"` // Registry name
	Duration   Duration `yaml:"duration"`   // default: transitions.default_duration
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HistoryConfig contains command history settings
type HistoryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 1, keeps change order)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 256)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, err
		}
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./mp710.sqlite"
	}

	// Device defaults
	if cfg.Device.Driver == "" {
		cfg.Device.Driver = DriverUSB
	}
	if cfg.Device.Program == "" {
		cfg.Device.Program = "smooth"
	}
	if cfg.Device.Timeout == 0 {
		cfg.Device.Timeout = Duration(100 * time.Millisecond)
	}

	// Queue defaults
	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = 100
	}
	if cfg.Queue.IdleDelay == 0 {
		cfg.Queue.IdleDelay = Duration(15 * time.Millisecond)
	}
	if cfg.Queue.TickDelay == 0 {
		cfg.Queue.TickDelay = Duration(time.Millisecond)
	}

	// Transition defaults
	if cfg.Transitions.DefaultDuration == 0 {
		cfg.Transitions.DefaultDuration = Duration(30 * time.Minute)
	}
	if cfg.Transitions.Channels == nil {
		cfg.Transitions.Channels = &ChannelsConfig{Red: 14, Green: 13, Blue: 12}
	}

	// Web defaults
	if cfg.Web.Host == "" {
		cfg.Web.Host = "0.0.0.0"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Web.RateLimit == 0 {
		cfg.Web.RateLimit = 50
	}
	if cfg.Web.RateBurst == 0 {
		cfg.Web.RateBurst = 100
	}

	// MQTT defaults
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "mp710"
	}
	if cfg.MQTT.KeepAlive == 0 {
		cfg.MQTT.KeepAlive = Duration(60 * time.Second)
	}

	// Telemetry defaults
	if cfg.Telemetry.Measurement == "" {
		cfg.Telemetry.Measurement = "mp710_channel"
	}
	if cfg.Telemetry.BatchSize == 0 {
		cfg.Telemetry.BatchSize = 100
	}
	if cfg.Telemetry.FlushInterval == 0 {
		cfg.Telemetry.FlushInterval = Duration(10 * time.Second)
	}

	// Discovery defaults
	if cfg.Discovery.Instance == "" {
		cfg.Discovery.Instance = "mp710"
	}
	if cfg.Discovery.Service == "" {
		cfg.Discovery.Service = "_http._tcp"
	}
	if cfg.Discovery.Domain == "" {
		cfg.Discovery.Domain = "local."
	}

	// Geo defaults
	if cfg.Geo.Timezone == "" {
		cfg.Geo.Timezone = "UTC"
	}

	// History defaults
	if cfg.History.CleanupInterval == 0 {
		cfg.History.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 30
	}

	// Schedule defaults
	for i := range cfg.Schedules {
		if cfg.Schedules[i].ID == "" {
			cfg.Schedules[i].ID = fmt.Sprintf("schedule-%d", i+1)
		}
		if cfg.Schedules[i].Duration == 0 {
			cfg.Schedules[i].Duration = cfg.Transitions.DefaultDuration
		}
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks values that have no sensible fallback
func (cfg *Config) Validate() error {
	switch cfg.Device.Driver {
	case DriverUSB, DriverSimulated:
	default:
		return fmt.Errorf("device.driver: unknown driver %q", cfg.Device.Driver)
	}

	switch cfg.Device.Program {
	case "smooth", "static":
	default:
		return fmt.Errorf("device.program: unknown program %q", cfg.Device.Program)
	}

	ch := cfg.Transitions.Channels
	for name, idx := range map[string]uint8{"red": ch.Red, "green": ch.Green, "blue": ch.Blue} {
		if idx >= 16 {
			return fmt.Errorf("transitions.channels.%s: channel %d out of range", name, idx)
		}
	}

	if cfg.Transitions.DefaultDuration <= 0 {
		return fmt.Errorf("transitions.default_duration must be positive")
	}
	for _, s := range cfg.Schedules {
		if s.Duration <= 0 {
			return fmt.Errorf("schedule %s: duration must be positive", s.ID)
		}
	}

	if cfg.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size must not be negative")
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if cfg.Telemetry.Enabled && (cfg.Telemetry.URL == "" || cfg.Telemetry.Bucket == "") {
		return fmt.Errorf("telemetry.url and telemetry.bucket are required when telemetry is enabled")
	}

	for _, s := range cfg.Schedules {
		if s.At == "" || s.Transition == "" {
			return fmt.Errorf("schedule %s: at and transition are required", s.ID)
		}
	}

	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
