package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so intervals can be written as "30s" or "5m"
// in the configuration file.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ServerConfig holds the API server settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig selects and configures the backing store.
type StorageConfig struct {
	// Driver is "bolt" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the Postgres connection string (postgres driver only).
	DSN string `yaml:"dsn"`
	// DataDir is where the bolt database file lives (bolt driver only).
	DataDir string `yaml:"data_dir"`
}

// LimitsConfig caps response sizes. Passed explicitly into the registry
// constructor rather than read as ambient global state.
type LimitsConfig struct {
	Managers    int `yaml:"managers"`
	ManagerLogs int `yaml:"manager_logs"`
}

// WatchdogConfig controls the staleness sweeper.
type WatchdogConfig struct {
	Interval Duration `yaml:"interval"`
	// MaxAge is how long a manager may go without a heartbeat before the
	// sweeper deactivates it and recycles its tasks.
	MaxAge Duration `yaml:"max_age"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// WorkerConfig configures the worker agent.
type WorkerConfig struct {
	Cluster           string            `yaml:"cluster"`
	ServerAddr        string            `yaml:"server_addr"`
	Username          string            `yaml:"username"`
	Tags              []string          `yaml:"tags"`
	Programs          map[string]string `yaml:"programs"`
	HeartbeatInterval Duration          `yaml:"heartbeat_interval"`
	Slots             int               `yaml:"slots"`
	Cores             int               `yaml:"cores"`
	MemoryGB          float64           `yaml:"memory_gb"`
}

// Config is the top-level fleetd configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Limits   LimitsConfig   `yaml:"limits"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Log      LogConfig      `yaml:"log"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen: ":8290",
		},
		Storage: StorageConfig{
			Driver:  "bolt",
			DataDir: "/var/lib/fleetd",
		},
		Limits: LimitsConfig{
			Managers:    1000,
			ManagerLogs: 5000,
		},
		Watchdog: WatchdogConfig{
			Interval: Duration(30 * time.Second),
			MaxAge:   Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level: "info",
		},
		Worker: WorkerConfig{
			Cluster:           "default",
			ServerAddr:        "http://127.0.0.1:8290",
			Tags:              []string{"*"},
			HeartbeatInterval: Duration(30 * time.Second),
			Slots:             4,
			Cores:             4,
			MemoryGB:          8,
		},
	}
}

// Load reads the configuration file at path, layered over the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks for settings that cannot work.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the bolt driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Limits.Managers <= 0 {
		return fmt.Errorf("limits.managers must be positive")
	}
	if c.Limits.ManagerLogs <= 0 {
		return fmt.Errorf("limits.manager_logs must be positive")
	}
	return nil
}
