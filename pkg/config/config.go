package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration, loaded from one YAML file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Bus       BusConfig       `yaml:"bus"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	// MetricsAddr serves /metrics; empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StorageConfig struct {
	// DataDir holds the bolt database file.
	DataDir string `yaml:"data_dir"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CacheConfig struct {
	// Dir roots the local blob cache.
	Dir string `yaml:"dir"`
}

type BusConfig struct {
	// WorkersPerTopic bounds concurrency per topic.
	WorkersPerTopic int `yaml:"workers_per_topic"`
}

type SchedulerConfig struct {
	// KeepAliveInterval is how often the task watchdog sweeps heartbeats.
	KeepAliveInterval Duration `yaml:"keep_alive_interval"`
	// InstanceLockRetries bounds optimistic-lock retries on instances.
	InstanceLockRetries int `yaml:"instance_lock_retries"`
}

// Duration parses YAML strings like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{MetricsAddr: ":9090"},
		Log:     LogConfig{Level: "info", JSON: false},
		Storage: StorageConfig{DataDir: "/var/lib/weft"},
		Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
		Cache:   CacheConfig{Dir: "/var/lib/weft/cache"},
		Bus:     BusConfig{WorkersPerTopic: 8},
		Scheduler: SchedulerConfig{
			KeepAliveInterval:   Duration(30 * time.Second),
			InstanceLockRetries: 5,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Bus.WorkersPerTopic <= 0 {
		return fmt.Errorf("bus.workers_per_topic must be positive, got %d", c.Bus.WorkersPerTopic)
	}
	if c.Scheduler.InstanceLockRetries <= 0 {
		return fmt.Errorf("scheduler.instance_lock_retries must be positive, got %d", c.Scheduler.InstanceLockRetries)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must be set")
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must be set")
	}
	return nil
}
