package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8085", cfg.GetServerAddr())
	assert.Equal(t, 115200, cfg.Link.DefaultBaudRate)
	assert.Equal(t, "grbl", cfg.Link.DefaultDialect)
	assert.Equal(t, 30*time.Second, cfg.Link.AckTimeout)
	assert.Equal(t, 2*time.Second, cfg.Link.SettleTime)
	assert.Equal(t, "halt-on-error", cfg.Link.ErrorPolicy)
	assert.Equal(t, JournalBolt, cfg.Journal.Driver)
	assert.Equal(t, 168*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, "none", cfg.Serial.Parity)
	assert.Equal(t, 3*time.Second, cfg.Discovery.ProbeTimeout)
	assert.Equal(t, []int{115200}, cfg.Discovery.BaudRates)
	assert.Contains(t, cfg.Discovery.PortPatterns, "ttyACM")
	assert.True(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsDebugEnabled())
	assert.False(t, cfg.IsProduction())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
link:
  default_port: sim://bench
  auto_connect: true
  ack_timeout: 5s
  error_policy: skip-and-continue
  reconnect:
    enabled: true
    max_attempts: 5
journal:
  driver: none
app:
  environment: production
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "sim://bench", cfg.Link.DefaultPort)
	assert.True(t, cfg.Link.AutoConnect)
	assert.Equal(t, 5*time.Second, cfg.Link.AckTimeout)
	assert.Equal(t, "skip-and-continue", cfg.Link.ErrorPolicy)
	assert.Equal(t, 5, cfg.Link.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Link.Reconnect.Delay)
	assert.Equal(t, JournalNone, cfg.Journal.Driver)
	assert.True(t, cfg.IsProduction())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GRBL_SERVICE_LINK_ACK_TIMEOUT", "12s")
	t.Setenv("GRBL_SERVICE_LOGGING_LEVEL", "debug")
	t.Setenv("GRBL_SERVICE_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 12*time.Second, cfg.Link.AckTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "7070", cfg.Server.Port)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown level", "logging:\n  level: loud\n"},
		{"unknown environment", "app:\n  environment: moon\n"},
		{"unknown policy", "link:\n  error_policy: retry\n"},
		{"unknown journal", "journal:\n  driver: mongo\n"},
		{"unknown parity", "serial:\n  parity: sideways\n"},
		{"auto connect without port", "link:\n  auto_connect: true\n"},
		{"zero reconnect attempts", "link:\n  reconnect:\n    enabled: true\n    max_attempts: 0\n"},
		{"non positive ack timeout", "link:\n  ack_timeout: 0s\n"},
		{"non positive probe timeout", "discovery:\n  probe_timeout: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{
		Host: "db", Port: 5432, User: "grbl", Password: "secret",
		DBName: "journal", SSLMode: "disable", ConnectTimeout: 10 * time.Second,
	}}
	assert.Equal(t,
		"host=db port=5432 user=grbl password=secret dbname=journal sslmode=disable connect_timeout=10",
		cfg.GetDatabaseDSN())
}
