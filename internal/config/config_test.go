package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"SERVER_PORT", "STORE_DRIVER", "DATABASE_DSN", "TELEMETRY_ENABLED", "OTEL_SERVICE_NAME"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Equal(t, "task-tree", cfg.ServiceName)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_DSN", "postgres://localhost/tasks")
	t.Setenv("TELEMETRY_ENABLED", "false")

	cfg := Load()
	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.False(t, cfg.TelemetryEnabled)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := map[string]Config{
		"unknown driver":   {ServerPort: "8080", StoreDriver: "mongo"},
		"sqlite needs dsn": {ServerPort: "8080", StoreDriver: StoreSQLite},
		"missing port":     {StoreDriver: StoreMemory},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cfg.Validate())
		})
	}
}
