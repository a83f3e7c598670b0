// Package config loads engine configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeMode selects the container runtime port implementation.
type RuntimeMode string

const (
	RuntimeModeCLI     RuntimeMode = "cli"
	RuntimeModeSidecar RuntimeMode = "sidecar"
)

// DatabaseConfig holds the metadata store connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
	SSL bool   `yaml:"ssl"`
}

// RedisConfig holds the optional hot-path cache settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FunctionConfig bounds a single invocation.
type FunctionConfig struct {
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	MaxMemoryMB      int    `yaml:"max_memory_mb"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
	MaxRequestSizeMB int    `yaml:"max_request_size_mb"`
	DatabaseURL      string `yaml:"database_url"`
	DBMaxConnections int    `yaml:"db_max_connections"`
	DBTimeoutMS      int    `yaml:"db_timeout_ms"`
}

// Timeout returns the invocation deadline as a duration.
func (f FunctionConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// ContainerConfig holds container runtime port settings.
type ContainerConfig struct {
	RuntimeMode RuntimeMode `yaml:"runtime_mode"`
	SocketPath  string      `yaml:"socket_path"`
	SidecarPath string      `yaml:"sidecar_path"`
	BaseImage   string      `yaml:"base_image"`
	Registry    string      `yaml:"registry"`
}

// PathsConfig holds the shared-volume layout as seen from both sides.
type PathsConfig struct {
	// FunctionsDir is the functions root as the engine sees it.
	FunctionsDir string `yaml:"functions_dir"`
	// DataBaseHostDir is the same root as the host container engine sees it.
	// Differs from FunctionsDir when the engine itself runs in a container.
	DataBaseHostDir string `yaml:"data_base_host_dir"`
	// SharedVolumeName is the named volume mounted into function containers.
	SharedVolumeName string `yaml:"shared_volume_name"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Config is the engine configuration assembled at startup.
type Config struct {
	Port      int             `yaml:"port"`
	LogLevel  string          `yaml:"log_level"`
	JWTSecret string          `yaml:"jwt_secret"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Function  FunctionConfig  `yaml:"function"`
	Container ContainerConfig `yaml:"container"`
	Paths     PathsConfig     `yaml:"paths"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		Function: FunctionConfig{
			TimeoutSeconds:   5,
			MaxMemoryMB:      128,
			MaxConcurrent:    10,
			MaxRequestSizeMB: 5,
			DBMaxConnections: 5,
			DBTimeoutMS:      3000,
		},
		Container: ContainerConfig{
			RuntimeMode: RuntimeModeCLI,
			SocketPath:  "/run/dartcloud/runtimed.sock",
			SidecarPath: "runtimed",
			BaseImage:   "dart:stable",
		},
		Paths: PathsConfig{
			FunctionsDir:     "/var/lib/dartcloud/functions",
			SharedVolumeName: "functions_data",
		},
	}
}

// LoadFile loads configuration from a YAML file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv applies environment variable overrides to the config.
func LoadEnv(cfg *Config) {
	setInt(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.JWTSecret, "JWT_SECRET")

	setString(&cfg.Database.URL, "DATABASE_URL")
	setBool(&cfg.Database.SSL, "DATABASE_SSL")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setInt(&cfg.Function.TimeoutSeconds, "FUNCTION_TIMEOUT_SECONDS")
	setInt(&cfg.Function.MaxMemoryMB, "FUNCTION_MAX_MEMORY_MB")
	setInt(&cfg.Function.MaxConcurrent, "FUNCTION_MAX_CONCURRENT")
	setInt(&cfg.Function.MaxRequestSizeMB, "FUNCTION_MAX_REQUEST_SIZE_MB")
	setString(&cfg.Function.DatabaseURL, "FUNCTION_DATABASE_URL")
	setInt(&cfg.Function.DBMaxConnections, "FUNCTION_DB_MAX_CONNECTIONS")
	setInt(&cfg.Function.DBTimeoutMS, "FUNCTION_DB_TIMEOUT_MS")

	setString(&cfg.Paths.FunctionsDir, "FUNCTIONS_DIR")
	setString(&cfg.Paths.DataBaseHostDir, "FUNCTIONS_DATA_BASE_HOST_DIR")
	setString(&cfg.Paths.SharedVolumeName, "SHARED_VOLUME_NAME")

	if v := os.Getenv("CONTAINER_RUNTIME_MODE"); v != "" {
		cfg.Container.RuntimeMode = RuntimeMode(v)
	}
	setString(&cfg.Container.SocketPath, "CONTAINER_SOCKET_PATH")
	setString(&cfg.Container.SidecarPath, "CONTAINER_SIDECAR_PATH")
	setString(&cfg.Container.BaseImage, "CONTAINER_BASE_IMAGE")
	setString(&cfg.Container.Registry, "CONTAINER_REGISTRY")

	setBool(&cfg.Tracing.Enabled, "OTEL_ENABLED")
	setString(&cfg.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.Container.RuntimeMode {
	case RuntimeModeCLI, RuntimeModeSidecar:
	default:
		return fmt.Errorf("CONTAINER_RUNTIME_MODE must be %q or %q", RuntimeModeCLI, RuntimeModeSidecar)
	}
	if c.Function.MaxConcurrent <= 0 {
		return fmt.Errorf("FUNCTION_MAX_CONCURRENT must be positive")
	}
	if c.Function.TimeoutSeconds <= 0 {
		return fmt.Errorf("FUNCTION_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

// HostFunctionsDir returns the functions root as the host container engine
// sees it, falling back to the engine-side path.
func (c *Config) HostFunctionsDir() string {
	if c.Paths.DataBaseHostDir != "" {
		return c.Paths.DataBaseHostDir
	}
	return c.Paths.FunctionsDir
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
