package config

import (
	"fmt"
	"os"
	"strconv"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	// Server settings
	ServerPort string

	// Storage settings
	StoreDriver string
	DatabaseDSN string

	// OpenTelemetry settings
	TelemetryEnabled bool
	OTLPEndpoint     string
	ServiceName      string
	Environment      string
}

// Load returns configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		StoreDriver:      getEnv("STORE_DRIVER", StoreMemory),
		DatabaseDSN:      getEnv("DATABASE_DSN", ""),
		TelemetryEnabled: getEnvBool("TELEMETRY_ENABLED", true),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ServiceName:      getEnv("OTEL_SERVICE_NAME", "task-tree"),
		Environment:      getEnv("ENVIRONMENT", "development"),
	}
}

// Validate reports configuration that cannot start a server.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required for the %s store", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.ServerPort == "" {
		return fmt.Errorf("server port is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}
