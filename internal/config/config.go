package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for csrd.
type Config struct {
	Sockets   SocketsConfig   `yaml:"sockets"`
	Storage   StorageConfig   `yaml:"storage"`
	Engines   EnginesConfig   `yaml:"engines"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Access    AccessConfig    `yaml:"access"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	StateBus  StateBusConfig  `yaml:"state_bus"`
	AdminFeed AdminFeedConfig `yaml:"admin_feed"`
}

// SocketsConfig holds the three named Unix-domain listener paths and
// the UI helper's prompt-response socket.
type SocketsConfig struct {
	ContentPath string        `yaml:"content_path"`
	WebPath     string        `yaml:"web_path"`
	AdminPath   string        `yaml:"admin_path"`
	PromptPath  string        `yaml:"prompt_path"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// StorageConfig holds persistent storage configuration.
type StorageConfig struct {
	Path          string `yaml:"path"` // SQLite database path
	RetentionDays int    `yaml:"retention_days"`
}

// EnginesConfig holds the dynamic engine-plugin paths for both engine
// kinds; either may be left empty to run with the in-process reference
// engine from internal/engineload/testengine instead of a plugin.
type EnginesConfig struct {
	ContentPluginPath string `yaml:"content_plugin_path"`
	WebPluginPath     string `yaml:"web_plugin_path"`
	ResourceDir       string `yaml:"resource_dir"` // read-only vendor data passed to GlobalInit
	WorkDir           string `yaml:"work_dir"`     // read-write scratch space passed to GlobalInit
}

// WorkerPoolConfig bounds the elastic worker pool shared by all three
// endpoints.
type WorkerPoolConfig struct {
	MinWorkers int           `yaml:"min_workers"`
	MaxWorkers int           `yaml:"max_workers"`
	IdleDecay  time.Duration `yaml:"idle_decay"` // not read by the worker pool: a worker above the minimum exits when it wakes to an empty queue, not after a timeout
}

// AccessConfig holds the credential allow-lists checked against
// SO_PEERCRED on each accepted connection, split by the two privilege
// classes a caller can hold (scan on the content/web sockets, admin
// on the admin socket and for JUDGE_STATUS on the content socket).
// An empty list for a field means "allow any caller".
type AccessConfig struct {
	ScanUIDs  []uint32 `yaml:"scan_uids"`
	ScanGIDs  []uint32 `yaml:"scan_gids"`
	AdminUIDs []uint32 `yaml:"admin_uids"`
	AdminGIDs []uint32 `yaml:"admin_gids"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// StateBusConfig configures the optional cross-process Redis pub/sub
// fanout; Addr empty means the Noop bus is used.
type StateBusConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdminFeedConfig configures the admin-privilege WebSocket live feed.
type AdminFeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return defaults(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values.
func defaults() *Config {
	return &Config{
		Sockets: SocketsConfig{
			ContentPath: "/run/csrd/content.sock",
			WebPath:     "/run/csrd/web.sock",
			AdminPath:   "/run/csrd/admin.sock",
			PromptPath:  "/run/csrd/prompt.sock",
			IdleTimeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Path:          "/var/lib/csrd/csrd.db",
			RetentionDays: 90,
		},
		Engines: EnginesConfig{
			ResourceDir: "/var/lib/csrd/engine-res",
			WorkDir:     "/var/lib/csrd/engine-work",
		},
		WorkerPool: WorkerPoolConfig{
			MinWorkers: 2,
			MaxWorkers: 16,
			IdleDecay:  30 * time.Second,
		},
		Access: AccessConfig{},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "csrd",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		StateBus: StateBusConfig{},
		AdminFeed: AdminFeedConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8787",
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CSRD_SOCKET_CONTENT"); v != "" {
		c.Sockets.ContentPath = v
	}
	if v := os.Getenv("CSRD_SOCKET_WEB"); v != "" {
		c.Sockets.WebPath = v
	}
	if v := os.Getenv("CSRD_SOCKET_ADMIN"); v != "" {
		c.Sockets.AdminPath = v
	}
	if v := os.Getenv("CSRD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CSRD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv("CSRD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CSRD_STORAGE_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			c.Storage.RetentionDays = days
		}
	}

	if v := os.Getenv("CSRD_ENGINE_CONTENT_PLUGIN"); v != "" {
		c.Engines.ContentPluginPath = v
	}
	if v := os.Getenv("CSRD_ENGINE_WEB_PLUGIN"); v != "" {
		c.Engines.WebPluginPath = v
	}

	if v := os.Getenv("CSRD_WORKERPOOL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WorkerPool.MinWorkers = n
		}
	}
	if v := os.Getenv("CSRD_WORKERPOOL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WorkerPool.MaxWorkers = n
		}
	}

	// Telemetry overrides
	if os.Getenv("CSRD_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("CSRD_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("CSRD_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("CSRD_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if v := os.Getenv("CSRD_STATEBUS_ADDR"); v != "" {
		c.StateBus.Addr = v
	}
	if v := os.Getenv("CSRD_STATEBUS_PASSWORD"); v != "" {
		c.StateBus.Password = v
	}

	if os.Getenv("CSRD_ADMIN_FEED_ENABLED") == "true" {
		c.AdminFeed.Enabled = true
	}
	if v := os.Getenv("CSRD_ADMIN_FEED_LISTEN"); v != "" {
		c.AdminFeed.Listen = v
	}
}

// validate checks that the configuration is valid.
func (c *Config) validate() error {
	if c.Sockets.ContentPath == "" || c.Sockets.WebPath == "" || c.Sockets.AdminPath == "" {
		return fmt.Errorf("all three socket paths are required")
	}
	if c.Sockets.ContentPath == c.Sockets.WebPath ||
		c.Sockets.ContentPath == c.Sockets.AdminPath ||
		c.Sockets.WebPath == c.Sockets.AdminPath {
		return fmt.Errorf("socket paths must be distinct")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.WorkerPool.MinWorkers <= 0 || c.WorkerPool.MaxWorkers <= 0 {
		return fmt.Errorf("worker pool min and max workers must be positive")
	}
	if c.WorkerPool.MinWorkers > c.WorkerPool.MaxWorkers {
		return fmt.Errorf("worker pool min_workers cannot exceed max_workers")
	}
	return nil
}
